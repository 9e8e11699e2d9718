package engine

import (
	"errors"
	"sort"
	"sync"
)

// ErrUnknownEngine is returned when a health update or lookup names an
// engine that was never registered.
var ErrUnknownEngine = errors.New("engine not registered")

// Registry holds the available engines and their declared capabilities.
// Engines are registered explicitly at startup and never removed; failures
// only degrade health so an engine can recover without re-registration.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
	caps    map[string]Capability
	order   []string // registration order, for stable listings
}

func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]Engine),
		caps:    make(map[string]Capability),
	}
}

// Register adds an engine with its declared capability. Re-registering an
// id replaces the capability but keeps the original ordering slot.
func (r *Registry) Register(e Engine, cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.ID()
	if _, ok := r.engines[id]; !ok {
		r.order = append(r.order, id)
	}
	r.engines[id] = e
	r.caps[id] = cap
}

// Get returns the engine and its current capability.
func (r *Registry) Get(id string) (Engine, Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	if !ok {
		return nil, Capability{}, ErrUnknownEngine
	}
	return e, r.caps[id], nil
}

// UpdateHealth records a new advisory health for the engine. The next
// selector call sees it; in-flight scheduling decisions may not.
func (r *Registry) UpdateHealth(id string, h Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cap, ok := r.caps[id]
	if !ok {
		return ErrUnknownEngine
	}
	cap.Health = h
	r.caps[id] = cap
	return nil
}

// Health returns the current advisory health of the engine.
func (r *Registry) Health(id string) (Health, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[id]
	if !ok {
		return Unavailable, ErrUnknownEngine
	}
	return cap.Health, nil
}

// ListHealthy returns ids of selectable engines whose capability covers the
// protocol and content-type hints, ordered by registration.
func (r *Registry) ListHealthy(protocol, contentType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.order {
		cap := r.caps[id]
		if !cap.Health.Selectable() {
			continue
		}
		if cap.Supports(protocol, contentType) {
			out = append(out, id)
		}
	}
	return out
}

// Capabilities returns a snapshot of every registered capability keyed by
// engine id, sorted for stable iteration by callers that render it.
func (r *Registry) Capabilities() map[string]Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Capability, len(r.caps))
	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out[id] = r.caps[id]
	}
	return out
}
