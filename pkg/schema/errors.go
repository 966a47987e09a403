package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeMissingPrerequisite  = "MISSING_PREREQUISITE"
	ErrCodeInvalidConfiguration = "INVALID_CONFIGURATION"
	ErrCodeActionTimeout        = "ACTION_TIMEOUT"
	ErrCodeActionFailure        = "ACTION_FAILURE"
	ErrCodeUnknownActionType    = "UNKNOWN_ACTION_TYPE"
	ErrCodeRetryExhausted       = "RETRY_EXHAUSTED"
	ErrCodeBatchCancelled       = "BATCH_CANCELLED"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeStore                = "STORE_ERROR"
)

// FlowError is the structured error type for all pagerun operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsHaltOnly reports whether the error kind always halts a run. Action
// failures, timeouts, and exhausted retries are eligible for failSilently
// conversion; every other kind halts regardless of the node flag.
func (e *FlowError) IsHaltOnly() bool {
	switch e.Code {
	case ErrCodeActionTimeout, ErrCodeActionFailure, ErrCodeRetryExhausted:
		return false
	default:
		return true
	}
}
