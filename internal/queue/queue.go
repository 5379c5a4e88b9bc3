package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/forgepipe/orchestrator/internal/effects"
	"github.com/forgepipe/orchestrator/internal/job"
	"github.com/forgepipe/orchestrator/internal/logger"
	"github.com/forgepipe/orchestrator/internal/pipeline"
)

// Processor runs a dequeued job to completion; the queue package never
// imports the dispatcher directly so pipeline.Dispatch is injected,
// keeping this package's sole dependency on the pipeline package optional
// at the call site (tests inject a stub).
type Processor func(ctx context.Context, j job.Job, jobID string, onProgress pipeline.ProgressFunc) (any, error)

// Config configures lane worker-pool sizes.
type Config struct {
	DefaultConcurrency int
	CPUConcurrency     int
	GPUConcurrency     int
	PollInterval       time.Duration
}

// DefaultConfig matches the documented environment defaults.
func DefaultConfig() Config {
	return Config{DefaultConcurrency: 5, CPUConcurrency: 5, GPUConcurrency: 2, PollInterval: 200 * time.Millisecond}
}

// Queue ties the three named lanes to a shared broker and worker pools,
// and is the orchestrator's submission entry point.
type Queue struct {
	broker    Broker
	processor Processor
	effects   *effects.Dispatcher
	log       *logger.Logger
	cfg       Config

	cron *cron.Cron

	mu      sync.Mutex
	workers sync.WaitGroup
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs a Queue. Call Start to launch the worker pools.
func New(broker Broker, processor Processor, fx *effects.Dispatcher, log *logger.Logger, cfg Config) *Queue {
	q := &Queue{broker: broker, processor: processor, effects: fx, log: log, cfg: cfg, cron: cron.New()}
	return q
}

// Enqueue derives EnqueueOptions from j and places it on its lane. A cron
// pattern schedules a recurring submission instead of a single immediate
// one; the returned id is then a schedule token ("cron:<entry>"), not a
// job id.
func (q *Queue) Enqueue(ctx context.Context, j job.Job) (string, error) {
	lane := j.Queue
	if lane == "" {
		lane = LaneDefault
	}

	opts := EnqueueOptions{
		Priority: j.Priority,
		Delay:    time.Duration(j.Delay) * time.Millisecond,
	}
	if j.Retry != nil {
		opts.Attempts = j.Retry.Attempts
		opts.Backoff = BackoffOptions{Type: j.Retry.Backoff, Delay: time.Duration(j.Retry.Delay) * time.Millisecond}
	} else {
		opts.Attempts = 1
	}

	if j.Cron != "" {
		return q.scheduleCron(lane, j, opts)
	}

	id, err := q.broker.Enqueue(ctx, lane, j, opts)
	if err != nil {
		return "", err
	}
	q.firePending(ctx, id, j)
	return id, nil
}

// scheduleCron registers a recurring enqueue and returns immediately; the
// returned "id" is a schedule token, not a single job's id — callers that
// need per-run ids should Subscribe to the state-change feed.
func (q *Queue) scheduleCron(lane string, j job.Job, opts EnqueueOptions) (string, error) {
	cronless := j
	cronless.Cron = ""

	entryID, err := q.cron.AddFunc(j.Cron, func() {
		ctx := context.Background()
		id, err := q.broker.Enqueue(ctx, lane, cronless, opts)
		if err != nil {
			q.log.Error(err, "cron enqueue failed")
			return
		}
		q.firePending(ctx, id, cronless)
	})
	if err != nil {
		return "", fmt.Errorf("invalid cron pattern %q: %w", j.Cron, err)
	}
	return fmt.Sprintf("cron:%d", entryID), nil
}

func (q *Queue) firePending(ctx context.Context, id string, j job.Job) {
	if q.effects == nil {
		return
	}
	q.effects.Dispatch(ctx, j.OnPending, effects.Context{JobID: id, Task: j.Type, Vars: map[string]any{"payload": j.Payload}})
}

// Status returns the queue's public status projection for a job id: the
// broker's internal status vocabulary (waiting/delayed/active/paused/...)
// is mapped through PublicStatus before it reaches a caller.
func (q *Queue) Status(ctx context.Context, id string) (*Record, error) {
	rec, err := q.broker.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	public := *rec
	public.Status = PublicStatus(rec.Status)
	return &public, nil
}

// Start launches the worker pools for default/cpu/gpu lanes and the cron
// scheduler. It returns immediately; call Stop for graceful shutdown.
func (q *Queue) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.stopped = make(chan struct{})
	q.mu.Unlock()

	q.cron.Start()
	q.spawnLane(workerCtx, LaneDefault, q.cfg.DefaultConcurrency)
	q.spawnLane(workerCtx, LaneCPU, q.cfg.CPUConcurrency)
	q.spawnLane(workerCtx, LaneGPU, q.cfg.GPUConcurrency)
}

func (q *Queue) spawnLane(ctx context.Context, lane string, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		q.workers.Add(1)
		go q.workerLoop(ctx, lane)
	}
}

func (q *Queue) workerLoop(ctx context.Context, lane string) {
	defer q.workers.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := q.broker.Dequeue(ctx, lane)
			if err != nil {
				q.log.Error(err, "dequeue failed")
				continue
			}
			if rec == nil {
				continue
			}
			q.process(ctx, rec)
		}
	}
}

// process runs a dequeued job: progress starts at 0, the dispatcher gets
// a progress callback that updates the broker and fires onProgress, and
// the terminal outcome is recorded via Complete or Fail.
func (q *Queue) process(ctx context.Context, rec *Record) {
	_ = q.broker.UpdateProgress(ctx, rec.ID, 0)

	onProgress := func(percent int) {
		_ = q.broker.UpdateProgress(ctx, rec.ID, percent)
		if q.effects != nil {
			q.effects.Dispatch(ctx, rec.Job.OnProgress, effects.Context{
				JobID: rec.ID, Task: rec.Job.Type, Progress: percent,
				Vars: map[string]any{"payload": rec.Job.Payload},
			})
		}
	}

	result, err := q.processor(ctx, rec.Job, rec.ID, onProgress)
	if err != nil {
		q.log.Error(err, "job execution failed")
		if err := q.broker.Fail(ctx, rec.ID, err); err != nil {
			q.log.Error(err, "failed to record job failure")
		}
		return
	}

	if err := q.broker.Complete(ctx, rec.ID, result); err != nil {
		q.log.Error(err, "failed to record job completion")
	}
}

// Stop halts the worker loops and cron scheduler and closes the broker
// connection, relying on the broker's own atomic state transitions to
// avoid losing in-flight job state.
func (q *Queue) Stop() error {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.workers.Wait()
	<-q.cron.Stop().Done()
	return q.broker.Close()
}
