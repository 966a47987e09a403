package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/pagerun/internal/driver"
	"github.com/rendis/pagerun/internal/expressions"
	"github.com/rendis/pagerun/pkg/schema"
)

// DefaultWaitTimeout applies to any wait condition without its own timeout
// when the spec sets no DefaultTimeout either.
const DefaultWaitTimeout = 30 * time.Second

// WaitHelper evaluates a node's wait conditions through the driver handle.
type WaitHelper struct {
	log *slog.Logger
}

func NewWaitHelper(log *slog.Logger) *WaitHelper {
	if log == nil {
		log = slog.Default()
	}
	return &WaitHelper{log: log}
}

// waitCondition is one resolved condition ready to execute.
type waitCondition struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// Evaluate runs the configured conditions against page. Sequential strategy
// evaluates selector, URL, then page condition in order and aborts at the
// first failure. Parallel evaluates all concurrently, each against its own
// timeout, and succeeds only if every condition does. With FailSilently a
// failure is logged and swallowed.
func (w *WaitHelper) Evaluate(ctx context.Context, spec *schema.WaitSpec, page driver.PageHandle) error {
	if spec == nil {
		return nil
	}
	conds := w.buildConditions(spec, page)
	if len(conds) == 0 {
		return nil
	}
	if page == nil {
		return schema.NewError(schema.ErrCodeMissingPrerequisite,
			"wait conditions configured but no page is open")
	}

	var err error
	if spec.Strategy == schema.WaitStrategyParallel {
		err = w.evaluateParallel(ctx, conds)
	} else {
		err = w.evaluateSequential(ctx, conds)
	}
	if err == nil {
		return nil
	}
	if spec.FailSilently {
		w.log.WarnContext(ctx, "wait condition failed silently", "error", err)
		return nil
	}
	return err
}

func (w *WaitHelper) buildConditions(spec *schema.WaitSpec, page driver.PageHandle) []waitCondition {
	fallback := DefaultWaitTimeout
	if d, err := time.ParseDuration(spec.DefaultTimeout); err == nil && spec.DefaultTimeout != "" {
		fallback = d
	}
	pick := func(s string) time.Duration {
		if s == "" {
			return fallback
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fallback
		}
		return d
	}

	var conds []waitCondition
	if spec.Selector != "" {
		selector, selectorType := spec.Selector, spec.SelectorType
		timeout := pick(spec.SelectorTimeout)
		conds = append(conds, waitCondition{
			name:    "selector",
			timeout: timeout,
			run: func(ctx context.Context) error {
				return page.WaitForSelector(ctx, selector, selectorType, timeout)
			},
		})
	}
	if spec.URL != "" {
		pattern, isPattern := expressions.IsPattern(spec.URL)
		timeout := pick(spec.URLTimeout)
		conds = append(conds, waitCondition{
			name:    "url",
			timeout: timeout,
			run: func(ctx context.Context) error {
				return page.WaitForURL(ctx, pattern, isPattern, timeout)
			},
		})
	}
	if spec.Condition != "" {
		condition := spec.Condition
		timeout := pick(spec.ConditionTimeout)
		conds = append(conds, waitCondition{
			name:    "condition",
			timeout: timeout,
			run: func(ctx context.Context) error {
				return page.WaitForCondition(ctx, condition, timeout)
			},
		})
	}
	return conds
}

func (w *WaitHelper) evaluateSequential(ctx context.Context, conds []waitCondition) error {
	for _, c := range conds {
		if err := c.run(ctx); err != nil {
			return waitFailure(c, err)
		}
	}
	return nil
}

func (w *WaitHelper) evaluateParallel(ctx context.Context, conds []waitCondition) error {
	errs := make([]error, len(conds))
	var wg sync.WaitGroup
	for i, c := range conds {
		wg.Add(1)
		go func(i int, c waitCondition) {
			defer wg.Done()
			if err := c.run(ctx); err != nil {
				errs[i] = waitFailure(c, err)
			}
		}(i, c)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func waitFailure(c waitCondition, err error) *schema.FlowError {
	code := schema.ErrCodeActionFailure
	if errors.Is(err, context.DeadlineExceeded) {
		code = schema.ErrCodeActionTimeout
	}
	return schema.NewErrorf(code, "wait %s failed: %s", c.name, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"condition": c.name, "timeout": c.timeout.String()})
}
