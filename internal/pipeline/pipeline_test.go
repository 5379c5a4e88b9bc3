package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgepipe/orchestrator/internal/backend"
	"github.com/forgepipe/orchestrator/internal/effects"
	"github.com/forgepipe/orchestrator/internal/job"
	"github.com/forgepipe/orchestrator/internal/logger"
)

// echoBackend returns the resolved payload unchanged, optionally failing
// the first N calls (or every call for one task type) and sleeping a fixed
// duration per call — enough to exercise the dispatcher end to end.
type echoBackend struct {
	mu         sync.Mutex
	failFirstN int
	failTask   string
	calls      int
	sleep      time.Duration
	sleepByID  map[string]time.Duration
	peakConc   int32
	curConc    int32
}

func (e *echoBackend) Execute(ctx context.Context, task backend.Task) (any, error) {
	cur := atomic.AddInt32(&e.curConc, 1)
	for {
		peak := atomic.LoadInt32(&e.peakConc)
		if cur <= peak || atomic.CompareAndSwapInt32(&e.peakConc, peak, cur) {
			break
		}
	}
	defer atomic.AddInt32(&e.curConc, -1)

	sleep := e.sleep
	if e.sleepByID != nil {
		if d, ok := e.sleepByID[task.ID]; ok {
			sleep = d
		}
	}
	if sleep > 0 {
		time.Sleep(sleep)
	}

	e.mu.Lock()
	e.calls++
	shouldFail := e.calls <= e.failFirstN || (e.failTask != "" && task.Type == e.failTask)
	e.mu.Unlock()

	if shouldFail {
		return nil, fmt.Errorf("transient failure")
	}
	return task.Payload, nil
}

func (e *echoBackend) GetStatus(ctx context.Context, taskID string) (backend.TaskResult, error) {
	return backend.TaskResult{ID: taskID, Status: "completed"}, nil
}

func (e *echoBackend) IsHealthy(ctx context.Context) bool { return true }

func newDeps(b backend.Backend) Deps {
	reg := backend.NewRegistry()
	_ = reg.Register("echo", b)
	return Deps{Registry: reg}
}

func TestSequentialSuccessChainsStepResults(t *testing.T) {
	t.Parallel()

	deps := newDeps(&echoBackend{})
	steps := []job.Step{
		{Task: "echo", Input: map[string]any{"v": "{{payload.x}}"}},
		{Task: "echo", Input: map[string]any{"prev": "{{steps.0.v}}"}},
	}
	j := &job.Job{Payload: map[string]any{"x": "A"}, Backend: "echo"}

	result, err := RunSequential(context.Background(), j, steps, map[string]any{"payload": j.Payload}, deps, nil, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"prev": "A"}, result.FinalResult)
	require.Equal(t, map[string]any{"v": "A"}, result.Steps[0])
	require.Equal(t, map[string]any{"prev": "A"}, result.Steps[1])
}

func TestDiamondDAGRunsSiblingsInParallel(t *testing.T) {
	t.Parallel()

	deps := newDeps(&echoBackend{sleepByID: map[string]time.Duration{
		"b": 50 * time.Millisecond,
		"c": 50 * time.Millisecond,
	}})
	steps := []job.Step{
		{ID: "a", Task: "echo"},
		{ID: "b", Task: "echo", DependsOn: []string{"a"}},
		{ID: "c", Task: "echo", DependsOn: []string{"a"}},
		{ID: "d", Task: "echo", DependsOn: []string{"b", "c"}},
	}
	j := &job.Job{Payload: map[string]any{}, Backend: "echo"}

	start := time.Now()
	result, err := RunDAG(context.Background(), j, steps, map[string]any{"payload": j.Payload}, deps, nil, nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Less(t, elapsed, 120*time.Millisecond)

	var sawBC bool
	for _, group := range result.ParallelGroups {
		if len(group) == 2 {
			sawBC = true
		}
	}
	require.True(t, sawBC, "expected b and c scheduled as one parallel group")
}

func TestOptionalStepFailureIsSkippedNotFatal(t *testing.T) {
	t.Parallel()

	deps := newDeps(&echoBackend{failTask: "fails"})
	steps := []job.Step{
		{ID: "x", Task: "ok"},
		{ID: "y", Task: "fails", Optional: true, DependsOn: []string{"x"}},
		{ID: "z", Task: "ok", DependsOn: []string{"y"}},
	}
	j := &job.Job{Payload: map[string]any{}, Backend: "echo"}

	result, err := RunDAG(context.Background(), j, steps, map[string]any{"payload": j.Payload}, deps, nil, nil)
	require.NoError(t, err)

	byID := make(map[string]string)
	for _, st := range result.StepStatus {
		byID[st.ID] = st.Status
	}
	require.Equal(t, "skipped", byID["y"])
	require.Equal(t, "completed", byID["z"])
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	b := &echoBackend{failFirstN: 2}
	deps := newDeps(b)
	j := &job.Job{
		Payload: map[string]any{"v": 1},
		Backend: "echo",
		Type:    "echo",
		Retry:   &job.RetryPolicy{Attempts: 3, Backoff: "fixed", Delay: 10},
	}

	start := time.Now()
	result, err := Dispatch(context.Background(), *j, deps, nil, "job-1", nil, nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, map[string]any{"v": float64(1)}, normalizeMap(result))
	require.Equal(t, 3, b.calls)
	require.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

// TestDispatchWebhookCarriesJobType exercises the real Dispatch call site
// end to end (not effects_test.go's hand-built Context) to confirm the
// onSuccess webhook payload's "task" field is populated from the job
// actually being dispatched.
func TestDispatchWebhookCarriesJobType(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	received := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		close(received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	log, err := logger.New(logger.Options{Level: "error"})
	require.NoError(t, err)
	fx := effects.New(log)

	deps := newDeps(&echoBackend{})
	j := job.Job{
		Type:      "transcribe",
		Payload:   map[string]any{"v": 1},
		Backend:   "echo",
		OnSuccess: []job.Effect{{Event: "webhook", URL: server.URL}},
	}

	_, err = Dispatch(context.Background(), j, deps, fx, "job-1", nil, nil)
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected webhook to be called")
	}
	require.Equal(t, "transcribe", gotBody["task"])
}

func normalizeMap(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		if i, ok := val.(int); ok {
			out[k] = float64(i)
			continue
		}
		out[k] = val
	}
	return out
}

func TestDeadlockDetectionNamesBothSteps(t *testing.T) {
	t.Parallel()

	deps := newDeps(&echoBackend{})
	steps := []job.Step{
		{ID: "a", Task: "t", DependsOn: []string{"b"}},
		{ID: "b", Task: "t", DependsOn: []string{"a"}},
	}
	j := &job.Job{Payload: map[string]any{}, Backend: "echo"}

	_, err := RunDAG(context.Background(), j, steps, map[string]any{"payload": j.Payload}, deps, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "a")
	require.Contains(t, err.Error(), "b")
}

func TestForEachRespectsConcurrencyCapAndOrder(t *testing.T) {
	t.Parallel()

	b := &echoBackend{sleep: 20 * time.Millisecond}
	deps := newDeps(b)
	step := job.Step{
		ID:                 "p",
		Task:               "echo",
		ForEach:            "{{payload.items}}",
		ForEachConcurrency: 2,
		Input:              map[string]any{"v": "{{item}}", "i": "{{index}}"},
	}
	j := &job.Job{Payload: map[string]any{"items": []any{1, 2, 3, 4, 5, 6}}, Backend: "echo"}

	vars := map[string]any{"payload": j.Payload}
	status, err := RunStep(context.Background(), j, step, vars, deps, nil)
	require.NoError(t, err)

	items, ok := status.Result.([]any)
	require.True(t, ok)
	require.Len(t, items, 6)
	for i, item := range items {
		m := item.(map[string]any)
		require.Equal(t, i, m["i"])
	}
	require.LessOrEqual(t, int(b.peakConc), 2)
}
