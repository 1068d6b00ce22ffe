package eventcodec

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps event class tags to factories producing a zero value to decode into.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Payload
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Payload)}
}

// Register adds a class. factory must return a pointer so the body can be decoded into it.
func (r *Registry) Register(class string, factory func() Payload) error {
	class = strings.TrimSpace(class)
	if class == "" {
		return ErrEventClassRequired
	}
	if factory == nil {
		return fmt.Errorf("register %s: nil factory", class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[class]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEventClass, class)
	}
	r.factories[class] = factory
	return nil
}

// MustRegister is Register for package init code.
func (r *Registry) MustRegister(class string, factory func() Payload) {
	if err := r.Register(class, factory); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(class string) (func() Payload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[class]
	return f, ok
}

// Classes lists registered class tags.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for c := range r.factories {
		out = append(out, c)
	}
	return out
}
