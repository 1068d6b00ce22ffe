// Package handler holds the in-process consumers of outbox events.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
)

var (
	// ErrPermanent marks a handler failure that retrying cannot fix. Wrap it
	// with fmt.Errorf("...: %w", handler.ErrPermanent).
	ErrPermanent        = errors.New("permanent handler failure")
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrHandlerName      = errors.New("handler name is required")
)

// Handler consumes decoded events of the types it was registered for. Name is
// the consumer name used for idempotency bookkeeping and must be stable.
type Handler interface {
	Name() string
	Handle(ctx context.Context, evt *eventcodec.Event) error
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, evt *eventcodec.Event) error
}

func (f funcHandler) Name() string { return f.name }

func (f funcHandler) Handle(ctx context.Context, evt *eventcodec.Event) error {
	return f.fn(ctx, evt)
}

// Func adapts a plain function to Handler.
func Func(name string, fn func(ctx context.Context, evt *eventcodec.Event) error) Handler {
	return funcHandler{name: name, fn: fn}
}

// Registry maps event types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// Register subscribes h to each of eventTypes. A handler name may appear only
// once per event type.
func (r *Registry) Register(h Handler, eventTypes ...string) error {
	if h == nil || h.Name() == "" {
		return ErrHandlerName
	}
	if len(eventTypes) == 0 {
		return fmt.Errorf("handler %s: no event types", h.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, et := range eventTypes {
		for _, existing := range r.handlers[et] {
			if existing.Name() == h.Name() {
				return fmt.Errorf("%w: %s for %s", ErrDuplicateHandler, h.Name(), et)
			}
		}
	}
	for _, et := range eventTypes {
		r.handlers[et] = append(r.handlers[et], h)
	}
	return nil
}

func (r *Registry) MustRegister(h Handler, eventTypes ...string) {
	if err := r.Register(h, eventTypes...); err != nil {
		panic(err)
	}
}

// For returns the handlers registered for eventType in registration order.
func (r *Registry) For(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.handlers[eventType]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for et := range r.handlers {
		types = append(types, et)
	}
	sort.Strings(types)
	return types
}

// IsPermanent reports whether err carries ErrPermanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
