package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	healthy bool
	execute func(ctx context.Context, task Task) (any, error)
}

func (f *fakeBackend) Execute(ctx context.Context, task Task) (any, error) {
	if f.execute != nil {
		return f.execute(ctx, task)
	}
	return task.Payload, nil
}

func (f *fakeBackend) GetStatus(ctx context.Context, taskID string) (TaskResult, error) {
	return TaskResult{ID: taskID, Status: "completed"}, nil
}

func (f *fakeBackend) IsHealthy(ctx context.Context) bool {
	return f.healthy
}

func TestSelectExplicitHintRequiresHealthy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register("modal", &fakeBackend{healthy: false}))

	_, err := r.Select(context.Background(), "modal")
	require.Error(t, err)
}

func TestSelectExplicitHintMissingBackend(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Select(context.Background(), "ray")
	require.Error(t, err)
}

func TestSelectAutoReturnsFirstHealthyInInsertionOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register("modal", &fakeBackend{healthy: false}))
	second := &fakeBackend{healthy: true}
	require.NoError(t, r.Register("ray", second))

	got, err := r.Select(context.Background(), "auto")
	require.NoError(t, err)
	require.Same(t, second, got)
}

func TestSelectAutoFailsWhenNoneHealthy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register("modal", &fakeBackend{healthy: false}))

	_, err := r.Select(context.Background(), "")
	require.Error(t, err)
}

func TestClearRemovesAllRegistrations(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register("modal", &fakeBackend{healthy: true}))
	r.Clear()

	_, err := r.Get("modal")
	require.Error(t, err)
}
