// Package driver defines the contract between the execution core and a
// concrete browser-automation backend. The core never talks to a browser
// directly; callers supply a Driver implementation at batch submission.
package driver

import (
	"context"
	"time"
)

// Driver opens automation pages. One Driver may serve many concurrent runs;
// implementations must be safe for concurrent NewPage calls.
type Driver interface {
	// NewPage opens a fresh page/tab for a single run.
	NewPage(ctx context.Context) (PageHandle, error)
}

// PageHandle is a live page or frame. Handles are owned by exactly one run
// and are not safe for concurrent use.
type PageHandle interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string, opts ClickOptions) error
	Fill(ctx context.Context, selector, value string) error

	// Evaluate runs a page-side script and returns its JSON-compatible result.
	Evaluate(ctx context.Context, script string) (any, error)

	WaitForSelector(ctx context.Context, selector, selectorType string, timeout time.Duration) error
	// WaitForURL blocks until the page URL equals the literal, or matches it
	// when isPattern is true.
	WaitForURL(ctx context.Context, url string, isPattern bool, timeout time.Duration) error
	// WaitForCondition blocks until a page-side boolean predicate is true.
	WaitForCondition(ctx context.Context, condition string, timeout time.Duration) error

	Screenshot(ctx context.Context, path string, fullPage bool) error
	// Frame resolves a child frame by selector and returns a handle scoped
	// to it. The returned handle shares the parent's lifetime.
	Frame(ctx context.Context, selector string) (PageHandle, error)
	// WaitForDownload triggers the given interaction selector (if any) and
	// waits for a download to land under dir. Returns the saved file path.
	WaitForDownload(ctx context.Context, selector, dir string, timeout time.Duration) (string, error)

	URL(ctx context.Context) (string, error)
	// Trace returns recent page activity lines for failure diagnostics.
	Trace(ctx context.Context) ([]string, error)
	// SuggestSelectors proposes near-miss selectors for a failed locator.
	SuggestSelectors(ctx context.Context, selector string) ([]string, error)

	Close(ctx context.Context) error
}

// ClickOptions tunes click behavior.
type ClickOptions struct {
	Button     string        // left | right | middle (default left)
	ClickCount int           // default 1
	Delay      time.Duration // press-release delay
	Force      bool          // skip actionability checks
}

// Diagnostics is the best-effort failure context captured when a run errors.
type Diagnostics struct {
	PageURL     string   `json:"page_url,omitempty"`
	Trace       []string `json:"trace,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Collect gathers diagnostics from a page handle. Every field is best-effort;
// a dead page yields a zero Diagnostics rather than an error.
func Collect(ctx context.Context, page PageHandle, failedSelector string) Diagnostics {
	var d Diagnostics
	if page == nil {
		return d
	}
	if u, err := page.URL(ctx); err == nil {
		d.PageURL = u
	}
	if tr, err := page.Trace(ctx); err == nil {
		d.Trace = tr
	}
	if failedSelector != "" {
		if sugg, err := page.SuggestSelectors(ctx, failedSelector); err == nil {
			d.Suggestions = sugg
		}
	}
	return d
}
