// Package drivertest provides in-memory Driver and PageHandle fakes for
// engine, handler, and scheduler tests.
package drivertest

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rendis/pagerun/internal/driver"
)

// FakeDriver hands out FakePages and records how many were opened.
type FakeDriver struct {
	mu     sync.Mutex
	opened []*FakePage

	// NewPageErr, when set, is returned by NewPage instead of a page.
	NewPageErr error

	// PageSetup, when set, is applied to each page before it is handed out.
	PageSetup func(*FakePage)
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

func (d *FakeDriver) NewPage(ctx context.Context) (driver.PageHandle, error) {
	if d.NewPageErr != nil {
		return nil, d.NewPageErr
	}
	p := NewFakePage()
	if d.PageSetup != nil {
		d.PageSetup(p)
	}
	d.mu.Lock()
	d.opened = append(d.opened, p)
	d.mu.Unlock()
	return p, nil
}

// Opened returns every page the driver has handed out.
func (d *FakeDriver) Opened() []*FakePage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakePage(nil), d.opened...)
}

// FakePage records calls and returns scripted results.
type FakePage struct {
	mu sync.Mutex

	Calls       []string       // method(arg) log in call order
	CurrentURL  string
	EvalResults map[string]any // script → result
	EvalErr     error
	ClickErr    error
	NavigateErr error
	FillErr     error

	// SelectorDelay simulates how long WaitForSelector takes before
	// succeeding. Waits longer than the given timeout fail.
	SelectorDelay  time.Duration
	URLDelay       time.Duration
	ConditionDelay time.Duration

	FailSelectors map[string]bool // selectors WaitForSelector rejects outright

	Closed bool
}

func NewFakePage() *FakePage {
	return &FakePage{
		CurrentURL:    "about:blank",
		EvalResults:   map[string]any{},
		FailSelectors: map[string]bool{},
	}
}

func (p *FakePage) record(format string, args ...any) {
	p.mu.Lock()
	p.Calls = append(p.Calls, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

// CallLog returns a copy of the recorded call log.
func (p *FakePage) CallLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Calls...)
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	p.record("navigate(%s)", url)
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.mu.Lock()
	p.CurrentURL = url
	p.mu.Unlock()
	return nil
}

func (p *FakePage) Click(ctx context.Context, selector string, opts driver.ClickOptions) error {
	p.record("click(%s)", selector)
	return p.ClickErr
}

func (p *FakePage) Fill(ctx context.Context, selector, value string) error {
	p.record("fill(%s,%s)", selector, value)
	return p.FillErr
}

func (p *FakePage) Evaluate(ctx context.Context, script string) (any, error) {
	p.record("evaluate(%s)", script)
	if p.EvalErr != nil {
		return nil, p.EvalErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.EvalResults[script]; ok {
		return v, nil
	}
	return nil, nil
}

func waitWithDelay(ctx context.Context, delay, timeout time.Duration) error {
	if delay > timeout {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return context.DeadlineExceeded
		}
	}
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *FakePage) WaitForSelector(ctx context.Context, selector, selectorType string, timeout time.Duration) error {
	p.record("waitSelector(%s)", selector)
	p.mu.Lock()
	reject := p.FailSelectors[selector]
	delay := p.SelectorDelay
	p.mu.Unlock()
	if reject {
		return fmt.Errorf("selector %q not found", selector)
	}
	return waitWithDelay(ctx, delay, timeout)
}

func (p *FakePage) WaitForURL(ctx context.Context, url string, isPattern bool, timeout time.Duration) error {
	p.record("waitURL(%s)", url)
	if err := waitWithDelay(ctx, p.URLDelay, timeout); err != nil {
		return err
	}
	p.mu.Lock()
	current := p.CurrentURL
	p.mu.Unlock()
	if isPattern {
		re, err := regexp.Compile(url)
		if err != nil {
			return err
		}
		if !re.MatchString(current) {
			return fmt.Errorf("url %q does not match pattern %q", current, url)
		}
		return nil
	}
	if current != url {
		return fmt.Errorf("url is %q, want %q", current, url)
	}
	return nil
}

func (p *FakePage) WaitForCondition(ctx context.Context, condition string, timeout time.Duration) error {
	p.record("waitCondition(%s)", condition)
	return waitWithDelay(ctx, p.ConditionDelay, timeout)
}

func (p *FakePage) Screenshot(ctx context.Context, path string, fullPage bool) error {
	p.record("screenshot(%s)", path)
	return nil
}

func (p *FakePage) Frame(ctx context.Context, selector string) (driver.PageHandle, error) {
	p.record("frame(%s)", selector)
	return NewFakePage(), nil
}

func (p *FakePage) WaitForDownload(ctx context.Context, selector, dir string, timeout time.Duration) (string, error) {
	p.record("download(%s)", selector)
	return dir + "/download.bin", nil
}

func (p *FakePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentURL, nil
}

func (p *FakePage) Trace(ctx context.Context) ([]string, error) {
	return []string{"fake trace"}, nil
}

func (p *FakePage) SuggestSelectors(ctx context.Context, selector string) ([]string, error) {
	return []string{selector + "-suggestion"}, nil
}

func (p *FakePage) Close(ctx context.Context) error {
	p.record("close()")
	p.mu.Lock()
	p.Closed = true
	p.mu.Unlock()
	return nil
}
