package engine

import (
	"context"
	"time"

	"github.com/rendis/pagerun/pkg/schema"
)

// UntilConditionMaxAttempts bounds condition-driven retry loops so a
// predicate that never becomes true cannot spin forever.
const UntilConditionMaxAttempts = 30

// OutcomeKind discriminates the three retry results.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeSilentFailure
	OutcomeFailed
)

// Outcome is the tagged result of a retried operation. Exactly one of the
// three kinds applies: OK carries the operation value, SilentFailure carries
// the swallowed error, Failed carries the halting error.
type Outcome struct {
	Kind  OutcomeKind
	Value any
	Err   *schema.FlowError
}

func OK(value any) Outcome {
	return Outcome{Kind: OutcomeOK, Value: value}
}

func SilentFailure(err *schema.FlowError) Outcome {
	return Outcome{Kind: OutcomeSilentFailure, Err: err}
}

func Failed(err *schema.FlowError) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// Operation is one attempt of a node's work.
type Operation func(ctx context.Context) (any, error)

// ConditionFunc evaluates an until-condition predicate over the current
// variable state after an attempt.
type ConditionFunc func(ctx context.Context) (bool, error)

// ExecuteWithRetry runs op under the given retry policy.
//
// Disabled or nil policy: exactly one attempt, errors propagate as Failed.
// Count strategy: Count additional attempts after the first (Count+1 total),
// with fixed or exponential delay between attempts. UntilCondition strategy:
// attempts repeat until cond reports true, bounded by
// UntilConditionMaxAttempts. Exhaustion yields RETRY_EXHAUSTED wrapping the
// final attempt's error; with policy FailSilently set the outcome is a
// SilentFailure instead of Failed.
func ExecuteWithRetry(ctx context.Context, policy *schema.RetryPolicy, op Operation, cond ConditionFunc) Outcome {
	if policy == nil || !policy.Enabled {
		val, err := op(ctx)
		if err != nil {
			return Failed(asFlowError(err))
		}
		return OK(val)
	}

	if policy.Strategy == schema.RetryStrategyUntilCondition {
		return retryUntilCondition(ctx, policy, op, cond)
	}
	return retryByCount(ctx, policy, op)
}

func retryByCount(ctx context.Context, policy *schema.RetryPolicy, op Operation) Outcome {
	attempts := policy.Count + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt-1)); err != nil {
				return Failed(schema.NewError(schema.ErrCodeBatchCancelled,
					"run cancelled during retry backoff").WithCause(err))
			}
		}

		val, err := op(ctx)
		if err == nil {
			return OK(val)
		}
		lastErr = err

		// A halting error kind never benefits from another attempt.
		if fe, ok := err.(*schema.FlowError); ok && fe.IsHaltOnly() {
			return Failed(fe)
		}
		if ctx.Err() != nil {
			return Failed(schema.NewError(schema.ErrCodeBatchCancelled,
				"run cancelled during retry").WithCause(ctx.Err()))
		}
	}

	return exhausted(policy, attempts, lastErr)
}

func retryUntilCondition(ctx context.Context, policy *schema.RetryPolicy, op Operation, cond ConditionFunc) Outcome {
	if cond == nil {
		return Failed(schema.NewError(schema.ErrCodeInvalidConfiguration,
			"until_condition retry requires a condition"))
	}

	var (
		lastVal any
		lastErr error
	)
	for attempt := 0; attempt < UntilConditionMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt-1)); err != nil {
				return Failed(schema.NewError(schema.ErrCodeBatchCancelled,
					"run cancelled during retry backoff").WithCause(err))
			}
		}

		lastVal, lastErr = op(ctx)

		done, condErr := cond(ctx)
		if condErr != nil {
			return Failed(asFlowError(condErr))
		}
		if done {
			if lastErr != nil {
				return Failed(asFlowError(lastErr))
			}
			return OK(lastVal)
		}
		if ctx.Err() != nil {
			return Failed(schema.NewError(schema.ErrCodeBatchCancelled,
				"run cancelled during retry").WithCause(ctx.Err()))
		}
	}

	if lastErr == nil {
		lastErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"condition not met after %d attempts", UntilConditionMaxAttempts)
	}
	return exhausted(policy, UntilConditionMaxAttempts, lastErr)
}

func exhausted(policy *schema.RetryPolicy, attempts int, lastErr error) Outcome {
	err := schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"retries exhausted after %d attempts", attempts).
		WithCause(lastErr).
		WithDetails(map[string]any{"attempts": attempts})
	if policy.FailSilently {
		return SilentFailure(err)
	}
	return Failed(err)
}

// asFlowError coerces any error to a FlowError, wrapping foreign errors as
// ACTION_FAILURE.
func asFlowError(err error) *schema.FlowError {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe
	}
	return schema.NewError(schema.ErrCodeActionFailure, err.Error()).WithCause(err)
}

// ComputeBackoff calculates the delay before the retry following the given
// zero-based attempt index. Fixed strategy returns the base delay;
// exponential doubles per attempt, capped at MaxDelay.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.DelayStrategy {
	case schema.DelayStrategyExponential:
		// 2^attempt * base
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	default: // fixed or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early
// if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
