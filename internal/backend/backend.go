// Package backend defines the Backend adapter contract and the
// process-wide registry/selector that picks a healthy
// adapter for a step based on its backend hint.
package backend

import "context"

// Task is the resolved unit of work forwarded to a backend: an opaque type
// plus its already-template-resolved payload.
type Task struct {
	ID      string
	Type    string
	Payload map[string]any
}

// TaskResult is the remote execution state returned by GetStatus.
type TaskResult struct {
	ID     string
	Status string
	Result any
	Error  string
}

// ResourcePool is the advisory capacity a backend reports via
// GetResources.
type ResourcePool struct {
	GPUs   []string
	RAMMB  int
	VRAMMB int
}

// Backend forwards a single resolved task to a remote compute service.
// Implementations MUST fail Execute with a typed error carrying the remote
// message on a non-2xx or error-body response.
type Backend interface {
	Execute(ctx context.Context, task Task) (any, error)
	GetStatus(ctx context.Context, taskID string) (TaskResult, error)
	IsHealthy(ctx context.Context) bool
}

// ResourceReporter is an optional capability a backend may implement
// alongside Backend. The registry does not check for it; selection uses
// only IsHealthy.
type ResourceReporter interface {
	GetResources(ctx context.Context) (ResourcePool, error)
}

// Canceller is an optional capability for backends that can abort a
// remote task.
type Canceller interface {
	Cancel(ctx context.Context, taskID string) (bool, error)
}
