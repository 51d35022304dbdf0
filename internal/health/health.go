// Package health aggregates named subsystem probes for the liveness and
// readiness endpoints.
package health

import (
	"context"
	"sync"
)

// Status is the result of probing one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single subsystem.
type Checker func(ctx context.Context) Status

// Registry runs registered probes on demand. Probes execute in
// registration order so endpoint output stays stable.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	probes map[string]Checker
}

// NewRegistry returns an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Checker)}
}

// Register adds a probe under the given name. Registering the same name
// twice replaces the earlier probe.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.probes[name]; !exists {
		r.order = append(r.order, name)
	}
	r.probes[name] = check
}

// CheckAll runs every probe and reports the aggregate plus each
// subsystem's result. An empty registry is healthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	probes := make(map[string]Checker, len(r.probes))
	for k, v := range r.probes {
		probes[k] = v
	}
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, 0, len(names))
	for _, name := range names {
		st := probes[name](ctx)
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
