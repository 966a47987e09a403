package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	"github.com/rendis/pagerun/internal/driver"
	"github.com/rendis/pagerun/internal/engine"
	"github.com/rendis/pagerun/internal/expressions"
	"github.com/rendis/pagerun/pkg/schema"
)

// requirePage returns the handle actions must target. Every browser handler
// except navigate needs an already-open page.
func requirePage(ec *engine.ExecutionContext, nodeType schema.NodeType) (driver.PageHandle, error) {
	page := ec.ActivePage()
	if page == nil {
		return nil, schema.NewErrorf(schema.ErrCodeMissingPrerequisite,
			"%s requires an open page; add a navigate node first", nodeType)
	}
	return page, nil
}

// actionErr classifies a driver failure.
func actionErr(err error, details map[string]any) *schema.FlowError {
	code := schema.ErrCodeActionFailure
	if errors.Is(err, context.DeadlineExceeded) {
		code = schema.ErrCodeActionTimeout
	}
	return schema.NewError(code, err.Error()).WithCause(err).WithDetails(details)
}

// --- navigate ---

type NavigateConfig struct {
	URL string `json:"url"`
}

type NavigateHandler struct{}

func (h *NavigateHandler) Name() schema.NodeType { return schema.NodeTypeNavigate }

func (h *NavigateHandler) Validate(config json.RawMessage) error {
	var cfg NavigateConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "navigate: invalid config").WithCause(err)
	}
	if cfg.URL == "" {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "navigate: url is required")
	}
	return nil
}

func (h *NavigateHandler) Run(ctx context.Context, node *schema.NodeDefinition, ec *engine.ExecutionContext) (any, error) {
	var cfg NavigateConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "navigate: invalid config").WithCause(err)
	}
	url := expressions.Interpolate(cfg.URL, ec)

	// Navigate opens the run's page on first use.
	page, err := ec.EnsurePage(ctx)
	if err != nil {
		return nil, err
	}
	if err := page.Navigate(ctx, url); err != nil {
		return nil, actionErr(err, map[string]any{"url": url})
	}
	return url, nil
}

// --- click ---

type ClickConfig struct {
	Selector   string `json:"selector"`
	Button     string `json:"button,omitempty"`
	ClickCount int    `json:"click_count,omitempty"`
	Delay      string `json:"delay,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

type ClickHandler struct{}

func (h *ClickHandler) Name() schema.NodeType { return schema.NodeTypeClick }

func (h *ClickHandler) Validate(config json.RawMessage) error {
	var cfg ClickConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "click: invalid config").WithCause(err)
	}
	if cfg.Selector == "" {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "click: selector is required")
	}
	return nil
}

func (h *ClickHandler) Run(ctx context.Context, node *schema.NodeDefinition, ec *engine.ExecutionContext) (any, error) {
	var cfg ClickConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "click: invalid config").WithCause(err)
	}
	page, err := requirePage(ec, node.Type)
	if err != nil {
		return nil, err
	}

	selector := expressions.Interpolate(cfg.Selector, ec)
	opts := driver.ClickOptions{
		Button:     cfg.Button,
		ClickCount: cfg.ClickCount,
		Force:      cfg.Force,
	}
	if cfg.Delay != "" {
		if d, derr := time.ParseDuration(cfg.Delay); derr == nil {
			opts.Delay = d
		}
	}
	if err := page.Click(ctx, selector, opts); err != nil {
		return nil, actionErr(err, map[string]any{"selector": selector})
	}
	return nil, nil
}

// --- fill ---

type FillConfig struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

type FillHandler struct{}

func (h *FillHandler) Name() schema.NodeType { return schema.NodeTypeFill }

func (h *FillHandler) Validate(config json.RawMessage) error {
	var cfg FillConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "fill: invalid config").WithCause(err)
	}
	if cfg.Selector == "" {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "fill: selector is required")
	}
	return nil
}

func (h *FillHandler) Run(ctx context.Context, node *schema.NodeDefinition, ec *engine.ExecutionContext) (any, error) {
	var cfg FillConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "fill: invalid config").WithCause(err)
	}
	page, err := requirePage(ec, node.Type)
	if err != nil {
		return nil, err
	}

	selector := expressions.Interpolate(cfg.Selector, ec)
	value := expressions.Interpolate(cfg.Value, ec)
	if err := page.Fill(ctx, selector, value); err != nil {
		return nil, actionErr(err, map[string]any{"selector": selector})
	}
	return nil, nil
}

// --- evaluate ---

type EvaluateConfig struct {
	Script string `json:"script"`
}

type EvaluateHandler struct{}

func (h *EvaluateHandler) Name() schema.NodeType { return schema.NodeTypeEvaluate }

func (h *EvaluateHandler) Validate(config json.RawMessage) error {
	var cfg EvaluateConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "evaluate: invalid config").WithCause(err)
	}
	if cfg.Script == "" {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "evaluate: script is required")
	}
	return nil
}

func (h *EvaluateHandler) Run(ctx context.Context, node *schema.NodeDefinition, ec *engine.ExecutionContext) (any, error) {
	var cfg EvaluateConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "evaluate: invalid config").WithCause(err)
	}
	page, err := requirePage(ec, node.Type)
	if err != nil {
		return nil, err
	}

	script := expressions.Interpolate(cfg.Script, ec)
	out, err := page.Evaluate(ctx, script)
	if err != nil {
		return nil, actionErr(err, nil)
	}
	return out, nil
}

// --- screenshot ---

type ScreenshotConfig struct {
	Path     string `json:"path,omitempty"`
	FullPage bool   `json:"full_page,omitempty"`
}

type ScreenshotHandler struct{}

func (h *ScreenshotHandler) Name() schema.NodeType { return schema.NodeTypeScreenshot }

func (h *ScreenshotHandler) Validate(config json.RawMessage) error {
	if len(config) == 0 {
		return nil
	}
	var cfg ScreenshotConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "screenshot: invalid config").WithCause(err)
	}
	return nil
}

func (h *ScreenshotHandler) Run(ctx context.Context, node *schema.NodeDefinition, ec *engine.ExecutionContext) (any, error) {
	var cfg ScreenshotConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "screenshot: invalid config").WithCause(err)
		}
	}
	page, err := requirePage(ec, node.Type)
	if err != nil {
		return nil, err
	}

	path := expressions.Interpolate(cfg.Path, ec)
	if path == "" {
		path = filepath.Join(ec.OutputPath, ec.RunID+"-"+node.ID+".png")
	}
	if err := page.Screenshot(ctx, path, cfg.FullPage); err != nil {
		return nil, actionErr(err, map[string]any{"path": path})
	}
	ec.SetData(engine.KeySavePath, path)
	return path, nil
}

// --- frame ---

type FrameConfig struct {
	Selector string `json:"selector,omitempty"`
}

// FrameHandler switches subsequent actions into a child frame. An empty
// selector switches back to the main page.
type FrameHandler struct{}

func (h *FrameHandler) Name() schema.NodeType { return schema.NodeTypeFrame }

func (h *FrameHandler) Validate(config json.RawMessage) error {
	if len(config) == 0 {
		return nil
	}
	var cfg FrameConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "frame: invalid config").WithCause(err)
	}
	return nil
}

func (h *FrameHandler) Run(ctx context.Context, node *schema.NodeDefinition, ec *engine.ExecutionContext) (any, error) {
	var cfg FrameConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "frame: invalid config").WithCause(err)
		}
	}
	if cfg.Selector == "" {
		ec.ClearHandle(engine.HandleIframe)
		return nil, nil
	}

	page := ec.Page()
	if page == nil {
		return nil, schema.NewError(schema.ErrCodeMissingPrerequisite,
			"frame requires an open page; add a navigate node first")
	}

	selector := expressions.Interpolate(cfg.Selector, ec)
	frame, err := page.Frame(ctx, selector)
	if err != nil {
		return nil, actionErr(err, map[string]any{"selector": selector})
	}
	ec.SetHandle(engine.HandleIframe, frame)
	return nil, nil
}

// --- download ---

type DownloadConfig struct {
	Selector string `json:"selector,omitempty"`
	Dir      string `json:"dir,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type DownloadHandler struct{}

func (h *DownloadHandler) Name() schema.NodeType { return schema.NodeTypeDownload }

func (h *DownloadHandler) Validate(config json.RawMessage) error {
	if len(config) == 0 {
		return nil
	}
	var cfg DownloadConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "download: invalid config").WithCause(err)
	}
	return nil
}

func (h *DownloadHandler) Run(ctx context.Context, node *schema.NodeDefinition, ec *engine.ExecutionContext) (any, error) {
	var cfg DownloadConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "download: invalid config").WithCause(err)
		}
	}
	page, err := requirePage(ec, node.Type)
	if err != nil {
		return nil, err
	}

	dir := expressions.Interpolate(cfg.Dir, ec)
	if dir == "" {
		dir = ec.OutputPath
	}
	timeout := engine.DefaultWaitTimeout
	if cfg.Timeout != "" {
		if d, derr := time.ParseDuration(cfg.Timeout); derr == nil {
			timeout = d
		}
	}

	selector := expressions.Interpolate(cfg.Selector, ec)
	path, err := page.WaitForDownload(ctx, selector, dir, timeout)
	if err != nil {
		return nil, actionErr(err, map[string]any{"selector": selector})
	}
	ec.SetData(engine.KeySavePath, path)
	return path, nil
}
