// Package queue implements the durable job queue and worker pool: three
// named lanes over a shared broker, each with an independent worker pool,
// wired to the pipeline dispatcher and the effect dispatcher for job
// lifecycle hooks.
package queue

import (
	"context"
	"time"

	"github.com/forgepipe/orchestrator/internal/job"
)

// Lane names the core recognizes.
const (
	LaneDefault = "default"
	LaneCPU     = "cpu"
	LaneGPU     = "gpu"
)

// BackoffOptions mirrors a RetryPolicy at the outer, whole-pipeline
// attempt granularity.
type BackoffOptions struct {
	Type  string // "fixed" | "exponential"
	Delay time.Duration
}

// RepeatOptions carries a cron pattern for a recurring enqueue. Queue
// schedules cron jobs itself and never sets it, and redisbroker does not
// read it.
type RepeatOptions struct {
	Pattern string
}

// EnqueueOptions are the broker contract's enqueue-time options.
type EnqueueOptions struct {
	Priority int
	Attempts int
	Backoff  BackoffOptions
	Delay    time.Duration
	Repeat   *RepeatOptions
}

// Record is a broker's persisted view of one job.
type Record struct {
	ID          string
	Lane        string
	Job         job.Job
	Status      string // broker-internal: waiting|delayed|active|completed|failed|stuck|paused
	Progress    int
	Result      any
	Error       string
	Attempt     int
	Attempts    int
	Priority    int
	Backoff     BackoffOptions
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StateChange is published whenever a record's broker status transitions,
// the pub/sub feed dashboards subscribe to.
type StateChange struct {
	ID       string
	Lane     string
	Status   string
	Progress int
}

// Broker is the durable queue contract the core assumes: a key-value
// store supporting enqueue with priority/attempts/backoff/delay (recurring
// cron enqueues are driven by Queue, not by the broker),
// job lookup by id, atomic state transitions, a progress field,
// state-filtered listing, pub/sub of state changes, and graceful close.
type Broker interface {
	Enqueue(ctx context.Context, lane string, j job.Job, opts EnqueueOptions) (string, error)
	Dequeue(ctx context.Context, lane string) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	GetByState(ctx context.Context, lane, status string, limit int) ([]*Record, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, id string, result any) error
	Fail(ctx context.Context, id string, failErr error) error
	Subscribe(ctx context.Context) (<-chan StateChange, error)
	Close() error
}

// PublicStatus maps a broker-internal state to the public status the
// queue reports to callers.
func PublicStatus(brokerState string) string {
	switch brokerState {
	case "completed":
		return "completed"
	case "failed", "stuck":
		return "failed"
	case "active":
		return "running"
	default: // waiting, delayed, paused, unknown
		return "pending"
	}
}

// NextBackoff computes the wait before the next outer attempt, mirroring
// RetryPolicy's fixed/exponential formula at the attempt granularity the
// queue retries at.
func NextBackoff(b BackoffOptions, attemptJustFailed int) time.Duration {
	if b.Type == "exponential" {
		return b.Delay * time.Duration(int64(1)<<uint(attemptJustFailed-1))
	}
	return b.Delay
}
