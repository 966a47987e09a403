package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pagerun/pkg/schema"
)

func TestExecuteWithRetry_DisabledRunsOnce(t *testing.T) {
	calls := 0
	out := ExecuteWithRetry(context.Background(), nil, func(ctx context.Context) (any, error) {
		calls++
		return "v", nil
	}, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, "v", out.Value)
}

func TestExecuteWithRetry_DisabledPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	out := ExecuteWithRetry(context.Background(), &schema.RetryPolicy{Enabled: false},
		func(ctx context.Context) (any, error) { return nil, boom }, nil)

	assert.Equal(t, OutcomeFailed, out.Kind)
	require.NotNil(t, out.Err)
	assert.ErrorIs(t, out.Err, boom)
}

func TestExecuteWithRetry_CountIsTotalAttemptsPlusOne(t *testing.T) {
	policy := &schema.RetryPolicy{Enabled: true, Strategy: schema.RetryStrategyCount, Count: 3}

	calls := 0
	out := ExecuteWithRetry(context.Background(), policy, func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("always fails")
	}, nil)

	assert.Equal(t, 4, calls, "count=3 means 4 total attempts")
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, schema.ErrCodeRetryExhausted, out.Err.Code)
}

func TestExecuteWithRetry_SucceedsMidway(t *testing.T) {
	policy := &schema.RetryPolicy{Enabled: true, Count: 5}

	calls := 0
	out := ExecuteWithRetry(context.Background(), policy, func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("not yet")
		}
		return "done", nil
	}, nil)

	assert.Equal(t, 3, calls)
	assert.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, "done", out.Value)
}

func TestExecuteWithRetry_FixedDelayScenario(t *testing.T) {
	// Two retries at 100ms fixed delay: three invocations, >= 200ms elapsed.
	policy := &schema.RetryPolicy{
		Enabled: true, Count: 2,
		Delay: "100ms", DelayStrategy: schema.DelayStrategyFixed,
	}

	calls := 0
	start := time.Now()
	out := ExecuteWithRetry(context.Background(), policy, func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("fail")
	}, nil)
	elapsed := time.Since(start)

	assert.Equal(t, 3, calls)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
}

func TestExecuteWithRetry_FailSilentlySentinel(t *testing.T) {
	policy := &schema.RetryPolicy{Enabled: true, Count: 1, FailSilently: true}

	boom := errors.New("boom")
	out := ExecuteWithRetry(context.Background(), policy,
		func(ctx context.Context) (any, error) { return nil, boom }, nil)

	assert.Equal(t, OutcomeSilentFailure, out.Kind)
	require.NotNil(t, out.Err)
	assert.Equal(t, schema.ErrCodeRetryExhausted, out.Err.Code)
	assert.ErrorIs(t, out.Err, boom, "underlying error kept unmodified as cause")
}

func TestExecuteWithRetry_HaltOnlyErrorStopsRetrying(t *testing.T) {
	policy := &schema.RetryPolicy{Enabled: true, Count: 5}

	calls := 0
	out := ExecuteWithRetry(context.Background(), policy, func(ctx context.Context) (any, error) {
		calls++
		return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "bad config")
	}, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, schema.ErrCodeInvalidConfiguration, out.Err.Code)
}

func TestExecuteWithRetry_UntilCondition(t *testing.T) {
	policy := &schema.RetryPolicy{Enabled: true, Strategy: schema.RetryStrategyUntilCondition}

	calls := 0
	out := ExecuteWithRetry(context.Background(), policy,
		func(ctx context.Context) (any, error) {
			calls++
			return calls, nil
		},
		func(ctx context.Context) (bool, error) {
			return calls >= 3, nil
		})

	assert.Equal(t, 3, calls)
	assert.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, 3, out.Value)
}

func TestExecuteWithRetry_UntilConditionCapped(t *testing.T) {
	policy := &schema.RetryPolicy{Enabled: true, Strategy: schema.RetryStrategyUntilCondition}

	calls := 0
	out := ExecuteWithRetry(context.Background(), policy,
		func(ctx context.Context) (any, error) {
			calls++
			return nil, nil
		},
		func(ctx context.Context) (bool, error) { return false, nil })

	assert.Equal(t, UntilConditionMaxAttempts, calls)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, schema.ErrCodeRetryExhausted, out.Err.Code)
}

func TestExecuteWithRetry_UntilConditionRequiresCondition(t *testing.T) {
	policy := &schema.RetryPolicy{Enabled: true, Strategy: schema.RetryStrategyUntilCondition}

	out := ExecuteWithRetry(context.Background(), policy,
		func(ctx context.Context) (any, error) { return nil, nil }, nil)

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, schema.ErrCodeInvalidConfiguration, out.Err.Code)
}

func TestExecuteWithRetry_CancelledDuringBackoff(t *testing.T) {
	policy := &schema.RetryPolicy{Enabled: true, Count: 3, Delay: "5s"}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	out := ExecuteWithRetry(ctx, policy, func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("fail")
	}, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, schema.ErrCodeBatchCancelled, out.Err.Code)
}

func TestComputeBackoff_Fixed(t *testing.T) {
	policy := &schema.RetryPolicy{Delay: "250ms", DelayStrategy: schema.DelayStrategyFixed}
	assert.Equal(t, 250*time.Millisecond, ComputeBackoff(policy, 0))
	assert.Equal(t, 250*time.Millisecond, ComputeBackoff(policy, 5))
}

func TestComputeBackoff_Exponential(t *testing.T) {
	policy := &schema.RetryPolicy{Delay: "100ms", DelayStrategy: schema.DelayStrategyExponential}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ComputeBackoff(policy, tt.attempt))
	}
}

func TestComputeBackoff_MaxDelayCap(t *testing.T) {
	policy := &schema.RetryPolicy{
		Delay: "100ms", DelayStrategy: schema.DelayStrategyExponential, MaxDelay: "300ms",
	}
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(policy, 4))
}

func TestComputeBackoff_NoDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(nil, 2))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{}, 2))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{Delay: "nonsense"}, 2))
}

func TestWaitForBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForBackoff_ZeroDelay(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}
