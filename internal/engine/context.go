// Package engine contains the execution core: the per-run context, the wait
// and retry helpers, and the workflow executor that walks a graph node by
// node.
package engine

import (
	"context"
	"strings"

	"github.com/rendis/pagerun/internal/driver"
	"github.com/rendis/pagerun/pkg/schema"
)

// Well-known context keys and handle names.
const (
	// KeySavePath holds the file path of the most recent screenshot or
	// download, set as a side effect by those handlers.
	KeySavePath = "savePath"
	// HandleIframe is the named handle set by the frame handler. While
	// present it becomes the active page for subsequent actions.
	HandleIframe = "iframePage"
)

// ExecutionContext is the per-run state: the variable store, the driver page
// handles, and the failure ledger. One instance per workflow run; it is never
// shared across concurrent runs and performs no internal locking — a run has
// a single writer at any point in time.
type ExecutionContext struct {
	RunID      string
	OutputPath string

	drv      driver.Driver
	page     driver.PageHandle
	handles  map[string]driver.PageHandle
	vars     map[string]any
	failures map[string]*schema.FlowError
}

// NewExecutionContext creates a context seeded with initial variables.
// The driver page is opened lazily on first EnsurePage call.
func NewExecutionContext(runID string, drv driver.Driver, initial map[string]any) *ExecutionContext {
	vars := make(map[string]any, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	return &ExecutionContext{
		RunID:    runID,
		drv:      drv,
		handles:  make(map[string]driver.PageHandle),
		vars:     vars,
		failures: make(map[string]*schema.FlowError),
	}
}

// GetData resolves a variable by exact key.
func (ec *ExecutionContext) GetData(key string) (any, bool) {
	v, ok := ec.vars[key]
	return v, ok
}

// SetData stores a variable under key, replacing any previous value.
func (ec *ExecutionContext) SetData(key string, val any) {
	ec.vars[key] = val
}

// DeleteData removes a variable.
func (ec *ExecutionContext) DeleteData(key string) {
	delete(ec.vars, key)
}

// Lookup resolves a dotted path against the variable store, satisfying the
// interpolator's VarSource. Exact keys (including dotted ones) win over
// nested traversal.
func (ec *ExecutionContext) Lookup(path string) (any, bool) {
	if v, ok := ec.vars[path]; ok {
		return v, true
	}
	dot := strings.IndexByte(path, '.')
	if dot <= 0 {
		return nil, false
	}
	root, ok := ec.vars[path[:dot]]
	if !ok {
		return nil, false
	}
	current := root
	for _, seg := range strings.Split(path[dot+1:], ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Vars returns the live variable store for expression environments. Callers
// must not retain it past the current node step.
func (ec *ExecutionContext) Vars() map[string]any {
	return ec.vars
}

// EnsurePage returns the primary page handle, opening one on first use.
func (ec *ExecutionContext) EnsurePage(ctx context.Context) (driver.PageHandle, error) {
	if ec.page != nil {
		return ec.page, nil
	}
	if ec.drv == nil {
		return nil, schema.NewError(schema.ErrCodeMissingPrerequisite, "no driver configured for run")
	}
	page, err := ec.drv.NewPage(ctx)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeMissingPrerequisite, "open page failed").WithCause(err)
	}
	ec.page = page
	return page, nil
}

// Page returns the primary page handle, or nil if none is open yet.
func (ec *ExecutionContext) Page() driver.PageHandle {
	return ec.page
}

// ActivePage returns the handle actions should target: the iframe handle when
// one is set, otherwise the primary page.
func (ec *ExecutionContext) ActivePage() driver.PageHandle {
	if h, ok := ec.handles[HandleIframe]; ok {
		return h
	}
	return ec.page
}

// SetHandle stores a named secondary handle.
func (ec *ExecutionContext) SetHandle(name string, h driver.PageHandle) {
	ec.handles[name] = h
}

// Handle returns a named secondary handle.
func (ec *ExecutionContext) Handle(name string) (driver.PageHandle, bool) {
	h, ok := ec.handles[name]
	return h, ok
}

// ClearHandle drops a named handle without closing it (frames share the
// parent page's lifetime).
func (ec *ExecutionContext) ClearHandle(name string) {
	delete(ec.handles, name)
}

// RecordFailure appends a silently-swallowed failure to the run's ledger.
func (ec *ExecutionContext) RecordFailure(nodeID string, err *schema.FlowError) {
	ec.failures[nodeID] = err
}

// Failures returns the ledger of silently-swallowed failures, keyed by node ID.
func (ec *ExecutionContext) Failures() map[string]*schema.FlowError {
	out := make(map[string]*schema.FlowError, len(ec.failures))
	for k, v := range ec.failures {
		out[k] = v
	}
	return out
}

// Release closes every open handle. Safe to call more than once; called at
// run end regardless of outcome.
func (ec *ExecutionContext) Release(ctx context.Context) {
	for name, h := range ec.handles {
		_ = h.Close(ctx)
		delete(ec.handles, name)
	}
	if ec.page != nil {
		_ = ec.page.Close(ctx)
		ec.page = nil
	}
}
