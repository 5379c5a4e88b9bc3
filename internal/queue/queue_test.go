package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgepipe/orchestrator/internal/effects"
	"github.com/forgepipe/orchestrator/internal/job"
	"github.com/forgepipe/orchestrator/internal/logger"
	"github.com/forgepipe/orchestrator/internal/pipeline"
)

// fakeBroker is an in-memory Broker double for exercising Queue's
// orchestration logic without a real Redis instance.
type fakeBroker struct {
	mu      sync.Mutex
	seq     int
	records map[string]*Record
	lanes   map[string][]string
	subs    []chan StateChange
	closed  bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{records: make(map[string]*Record), lanes: make(map[string][]string)}
}

func (f *fakeBroker) Enqueue(ctx context.Context, lane string, j job.Job, opts EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("job-%d", f.seq)
	f.records[id] = &Record{ID: id, Lane: lane, Job: j, Status: "waiting", Attempts: opts.Attempts, Priority: opts.Priority}
	f.lanes[lane] = append(f.lanes[lane], id)
	f.publishLocked(StateChange{ID: id, Lane: lane, Status: "waiting"})
	return id, nil
}

func (f *fakeBroker) Dequeue(ctx context.Context, lane string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.lanes[lane]
	if len(ids) == 0 {
		return nil, nil
	}
	id := ids[0]
	f.lanes[lane] = ids[1:]
	rec := f.records[id]
	rec.Status = "active"
	rec.Attempt++
	f.publishLocked(StateChange{ID: id, Lane: lane, Status: "active"})
	return rec, nil
}

func (f *fakeBroker) Get(ctx context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id], nil
}

func (f *fakeBroker) GetByState(ctx context.Context, lane, status string, limit int) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Record
	for _, r := range f.records {
		if r.Lane == lane && r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeBroker) UpdateProgress(ctx context.Context, id string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[id]; ok {
		r.Progress = progress
	}
	return nil
}

func (f *fakeBroker) Complete(ctx context.Context, id string, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[id]
	r.Status = "completed"
	r.Progress = 100
	r.Result = result
	f.publishLocked(StateChange{ID: id, Lane: r.Lane, Status: "completed", Progress: 100})
	return nil
}

func (f *fakeBroker) Fail(ctx context.Context, id string, failErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[id]
	r.Status = "failed"
	r.Error = failErr.Error()
	f.publishLocked(StateChange{ID: id, Lane: r.Lane, Status: "failed"})
	return nil
}

func (f *fakeBroker) Subscribe(ctx context.Context) (<-chan StateChange, error) {
	ch := make(chan StateChange, 16)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeBroker) publishLocked(sc StateChange) {
	for _, ch := range f.subs {
		select {
		case ch <- sc:
		default:
		}
	}
}

func (f *fakeBroker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Options{Level: "error"})
	require.NoError(t, err)
	return log
}

func TestEnqueueFiresOnPendingImmediately(t *testing.T) {
	t.Parallel()

	fx := effects.New(testLogger(t))
	broker := newFakeBroker()
	q := New(broker, nil, fx, testLogger(t), DefaultConfig())

	j := job.Job{
		Payload:   map[string]any{},
		OnPending: []job.Effect{{Event: "emit", Name: "queued"}},
	}
	id, err := q.Enqueue(context.Background(), j)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case rec := <-fx.Emit:
		require.Equal(t, "queued", rec.Event)
	case <-time.After(time.Second):
		t.Fatal("expected onPending emit effect")
	}
}

// TestEnqueueAndProgressWebhooksCarryJobType exercises the real Enqueue
// and process call sites (not effects_test.go's hand-built Context) to
// confirm both the onPending and onProgress webhook payloads carry the
// submitted job's task type.
func TestEnqueueAndProgressWebhooksCarryJobType(t *testing.T) {
	t.Parallel()

	var bodies []map[string]any
	var mu sync.Mutex
	allReceived := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		n := len(bodies)
		mu.Unlock()
		if n >= 2 {
			close(allReceived)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	fx := effects.New(testLogger(t))
	broker := newFakeBroker()
	processor := func(ctx context.Context, j job.Job, jobID string, onProgress pipeline.ProgressFunc) (any, error) {
		onProgress(50)
		return map[string]any{"ok": true}, nil
	}

	cfg := DefaultConfig()
	cfg.DefaultConcurrency = 1
	cfg.CPUConcurrency = 1
	cfg.GPUConcurrency = 1
	cfg.PollInterval = 5 * time.Millisecond

	q := New(broker, processor, fx, testLogger(t), cfg)
	j := job.Job{
		Type:       "transcribe",
		Payload:    map[string]any{},
		OnPending:  []job.Effect{{Event: "webhook", URL: server.URL}},
		OnProgress: []job.Effect{{Event: "webhook", URL: server.URL}},
	}
	_, err := q.Enqueue(context.Background(), j)
	require.NoError(t, err)

	q.Start(context.Background())
	defer q.Stop()

	select {
	case <-allReceived:
	case <-time.After(time.Second):
		t.Fatal("expected both onPending and onProgress webhooks to fire")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	for _, body := range bodies {
		require.Equal(t, "transcribe", body["task"])
	}
}

func TestWorkerLoopCompletesDequeuedJob(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	processor := func(ctx context.Context, j job.Job, jobID string, onProgress pipeline.ProgressFunc) (any, error) {
		onProgress(50)
		return map[string]any{"ok": true}, nil
	}

	cfg := DefaultConfig()
	cfg.DefaultConcurrency = 1
	cfg.CPUConcurrency = 1
	cfg.GPUConcurrency = 1
	cfg.PollInterval = 5 * time.Millisecond

	q := New(broker, processor, nil, testLogger(t), cfg)
	id, err := q.Enqueue(context.Background(), job.Job{Payload: map[string]any{}})
	require.NoError(t, err)

	q.Start(context.Background())
	defer q.Stop()

	require.Eventually(t, func() bool {
		rec, _ := q.Status(context.Background(), id)
		return rec != nil && rec.Status == "completed"
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerLoopFailsJobOnProcessorError(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	processor := func(ctx context.Context, j job.Job, jobID string, onProgress pipeline.ProgressFunc) (any, error) {
		return nil, fmt.Errorf("boom")
	}

	cfg := DefaultConfig()
	cfg.DefaultConcurrency = 1
	cfg.CPUConcurrency = 1
	cfg.GPUConcurrency = 1
	cfg.PollInterval = 5 * time.Millisecond

	q := New(broker, processor, nil, testLogger(t), cfg)
	id, err := q.Enqueue(context.Background(), job.Job{Payload: map[string]any{}})
	require.NoError(t, err)

	q.Start(context.Background())
	defer q.Stop()

	require.Eventually(t, func() bool {
		rec, _ := q.Status(context.Background(), id)
		return rec != nil && rec.Status == "failed"
	}, time.Second, 5*time.Millisecond)
}

func TestStatusMapsBrokerInternalStateToPublic(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	q := New(broker, nil, nil, testLogger(t), DefaultConfig())

	id, err := q.Enqueue(context.Background(), job.Job{Payload: map[string]any{}})
	require.NoError(t, err)

	rec, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "pending", rec.Status, "broker's internal \"waiting\" must map through PublicStatus")

	internal, err := broker.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "waiting", internal.Status, "Status must not mutate the broker's own record")
}

func TestInvalidCronPatternReturnsError(t *testing.T) {
	t.Parallel()

	q := New(newFakeBroker(), nil, nil, testLogger(t), DefaultConfig())
	_, err := q.Enqueue(context.Background(), job.Job{Payload: map[string]any{}, Cron: "not-a-cron"})
	require.Error(t, err)
}

func TestStopDrainsWorkersAndClosesBroker(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	processor := func(ctx context.Context, j job.Job, jobID string, onProgress pipeline.ProgressFunc) (any, error) {
		return nil, nil
	}

	cfg := DefaultConfig()
	cfg.DefaultConcurrency = 1
	cfg.CPUConcurrency = 1
	cfg.GPUConcurrency = 1
	q := New(broker, processor, nil, testLogger(t), cfg)

	q.Start(context.Background())
	require.NoError(t, q.Stop())
	require.True(t, broker.closed)
}
