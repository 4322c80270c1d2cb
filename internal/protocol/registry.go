package protocol

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	requestKeyPrefix = "request."
	eventKeyPrefix   = "event."
)

// Factory returns a fresh pointer to a payload value for json decoding.
type Factory func() any

// New returns a Factory for payload type T.
func New[T any]() Factory {
	return func() any { return new(T) }
}

// Registry maps "request.<command>" and "event.<name>" keys to payload factories.
// It is populated once at startup and frozen when a connection adopts it.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]Factory
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Factory)}
}

func RequestKey(command string) string { return requestKeyPrefix + command }
func EventKey(name string) string      { return eventKeyPrefix + name }

func (r *Registry) RegisterRequest(command string, f Factory) error {
	return r.register(RequestKey(command), f)
}

func (r *Registry) RegisterEvent(name string, f Factory) error {
	return r.register(EventKey(name), f)
}

// MustRegisterRequest panics on registration failure; for static tables.
func (r *Registry) MustRegisterRequest(command string, f Factory) *Registry {
	if err := r.RegisterRequest(command, f); err != nil {
		panic(err)
	}
	return r
}

// MustRegisterEvent panics on registration failure; for static tables.
func (r *Registry) MustRegisterEvent(name string, f Factory) *Registry {
	if err := r.RegisterEvent(name, f); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) register(key string, f Factory) error {
	name := key[strings.IndexByte(key, '.')+1:]
	if strings.TrimSpace(name) == "" || f == nil {
		return fmt.Errorf("%w: %q", ErrInvalidTypeName, key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrRegistryFrozen, key)
	}
	if _, ok := r.types[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateType, key)
	}
	r.types[key] = f
	return nil
}

// Freeze makes the registry immutable. Safe to call more than once.
func (r *Registry) Freeze() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Lookup returns the factory for key. A nil registry has no entries.
func (r *Registry) Lookup(key string) (Factory, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.types[key]
	return f, ok
}

// Keys lists registered keys in sorted order.
func (r *Registry) Keys() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for k := range r.types {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
