package driver

import (
	"context"
	"log/slog"
	"time"
)

// NopDriver is the built-in backend used when no real browser driver is
// linked in. Every action succeeds immediately and is logged at debug level,
// so graphs can be executed end to end for control-flow checks without a
// browser process.
type NopDriver struct {
	log *slog.Logger
}

// NewNop creates a NopDriver.
func NewNop(log *slog.Logger) *NopDriver {
	if log == nil {
		log = slog.Default()
	}
	return &NopDriver{log: log}
}

func (d *NopDriver) NewPage(ctx context.Context) (PageHandle, error) {
	return &nopPage{log: d.log}, nil
}

type nopPage struct {
	log *slog.Logger
	url string
}

func (p *nopPage) Navigate(ctx context.Context, url string) error {
	p.url = url
	p.log.DebugContext(ctx, "nop navigate", "url", url)
	return nil
}

func (p *nopPage) Click(ctx context.Context, selector string, opts ClickOptions) error {
	p.log.DebugContext(ctx, "nop click", "selector", selector)
	return nil
}

func (p *nopPage) Fill(ctx context.Context, selector, value string) error {
	p.log.DebugContext(ctx, "nop fill", "selector", selector)
	return nil
}

func (p *nopPage) Evaluate(ctx context.Context, script string) (any, error) {
	p.log.DebugContext(ctx, "nop evaluate", "script", script)
	return nil, nil
}

func (p *nopPage) WaitForSelector(ctx context.Context, selector, selectorType string, timeout time.Duration) error {
	return nil
}

func (p *nopPage) WaitForURL(ctx context.Context, url string, isPattern bool, timeout time.Duration) error {
	return nil
}

func (p *nopPage) WaitForCondition(ctx context.Context, condition string, timeout time.Duration) error {
	return nil
}

func (p *nopPage) Screenshot(ctx context.Context, path string, fullPage bool) error {
	p.log.DebugContext(ctx, "nop screenshot", "path", path)
	return nil
}

func (p *nopPage) Frame(ctx context.Context, selector string) (PageHandle, error) {
	return p, nil
}

func (p *nopPage) WaitForDownload(ctx context.Context, selector, dir string, timeout time.Duration) (string, error) {
	return "", nil
}

func (p *nopPage) URL(ctx context.Context) (string, error) {
	return p.url, nil
}

func (p *nopPage) Trace(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (p *nopPage) SuggestSelectors(ctx context.Context, selector string) ([]string, error) {
	return nil, nil
}

func (p *nopPage) Close(ctx context.Context) error {
	return nil
}
