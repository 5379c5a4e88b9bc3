package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	streamyerrors "github.com/forgepipe/orchestrator/pkg/errors"
)

// healthProbeTimeout bounds how long a single IsHealthy call may take.
const healthProbeTimeout = 5 * time.Second

// Registry is a process-wide, insertion-order-preserving mapping of
// backend name to adapter. Mutated only at startup by Register; reads
// during dispatch are safe under concurrent access.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Backend
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Backend)}
}

// Register adds a backend implementation under the given name.
func (r *Registry) Register(name string, b Backend) error {
	if b == nil {
		return streamyerrors.NewValidationError("backend", fmt.Sprintf("backend %q is nil", name), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = b
	return nil
}

// Clear removes all registrations; used by tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.byName = make(map[string]Backend)
}

// Get fetches a backend by exact name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byName[name]
	if !ok {
		return nil, streamyerrors.NewBackendUnavailableError(name, fmt.Errorf("no backend registered under that name"))
	}
	return b, nil
}

// Select fetches a backend by an explicit hint and requires it to be
// healthy; "auto" or empty iterates registered backends in insertion
// order and returns the first healthy one.
func (r *Registry) Select(ctx context.Context, hint string) (Backend, error) {
	if hint != "" && hint != "auto" {
		b, err := r.Get(hint)
		if err != nil {
			return nil, err
		}
		if !probeHealthy(ctx, b) {
			return nil, streamyerrors.NewBackendUnavailableError(hint, fmt.Errorf("backend reported unhealthy"))
		}
		return b, nil
	}

	r.mu.RLock()
	order := append([]string(nil), r.order...)
	byName := r.byName
	r.mu.RUnlock()

	for _, name := range order {
		b := byName[name]
		if probeHealthy(ctx, b) {
			return b, nil
		}
	}
	return nil, streamyerrors.NewBackendUnavailableError("auto", fmt.Errorf("no registered backend is healthy"))
}

func probeHealthy(ctx context.Context, b Backend) bool {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	return b.IsHealthy(probeCtx)
}
