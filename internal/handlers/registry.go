package handlers

import (
	"log/slog"
	"sync"

	"github.com/rendis/pagerun/internal/expressions"
	"github.com/rendis/pagerun/pkg/schema"
)

// Registry is the closed lookup table from node type to handler.
// Thread-safe; registration normally happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.NodeType]Handler)}
}

// Register installs a handler for its node type, replacing any previous one.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Get returns the handler for a node type.
func (r *Registry) Get(t schema.NodeType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered node types.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// NewDefaultRegistry builds the registry with every built-in handler. Flow
// control types (switch, loop) and start are interpreted by the executor and
// have no handler.
func NewDefaultRegistry(jq *expressions.GoJQEngine, expr *expressions.ExprEngine, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := NewRegistry()
	r.Register(&NavigateHandler{})
	r.Register(&ClickHandler{})
	r.Register(&FillHandler{})
	r.Register(&EvaluateHandler{})
	r.Register(&ScreenshotHandler{})
	r.Register(&FrameHandler{})
	r.Register(&DownloadHandler{})
	r.Register(&SetVariableHandler{})
	r.Register(&ExtractHandler{jq: jq})
	r.Register(&AssertHandler{expr: expr})
	return r
}
