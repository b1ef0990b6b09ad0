package billing

import (
	"context"
	"fmt"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// Handler applies one verified event to the ledger
type Handler interface {
	Handle(ctx context.Context, ev *WebhookEvent) (ledger.Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, ev *WebhookEvent) (ledger.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, ev *WebhookEvent) (ledger.Result, error) {
	return f(ctx, ev)
}

// Router maps event types to handlers. Register every handler before serving;
// the router is not safe for concurrent registration.
type Router struct {
	handlers map[EventType]Handler
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{handlers: make(map[EventType]Handler)}
}

// Handle registers h for t, replacing any previous handler
func (r *Router) Handle(t EventType, h Handler) {
	if t == EventUnknown {
		panic("billing: cannot register a handler for EventUnknown")
	}
	if h == nil {
		panic(fmt.Sprintf("billing: nil handler for %s", t))
	}
	r.handlers[t] = h
}

// HandleFunc registers a function for t
func (r *Router) HandleFunc(t EventType, fn func(ctx context.Context, ev *WebhookEvent) (ledger.Result, error)) {
	r.Handle(t, HandlerFunc(fn))
}

// Route returns the handler for t, or false when none is registered
func (r *Router) Route(t EventType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}
