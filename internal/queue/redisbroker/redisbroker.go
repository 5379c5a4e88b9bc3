// Package redisbroker implements queue.Broker over a Redis-compatible
// store, grounded in the pack's Redis job-queue reference: a
// per-lane sorted set for ready work (scored so higher priority and older
// jobs pop first), a per-lane sorted set for delayed work (scored by
// ready-at), a per-(lane,status) set for GetByState, a job hash per
// record, and Redis Pub/Sub for the state-change feed dashboards consume.
package redisbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/forgepipe/orchestrator/internal/job"
	"github.com/forgepipe/orchestrator/internal/queue"
)

const eventsChannel = "orchestrator:events"

// Broker is a Redis-backed queue.Broker.
type Broker struct {
	rdb    *redis.Client
	owned  bool
	prefix string
}

// New constructs a Broker from a redis:// connection string.
func New(redisURL string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Broker{rdb: redis.NewClient(opts), owned: true, prefix: "orchestrator"}, nil
}

// NewWithClient wraps an already-configured client (e.g. one pointed at a
// miniredis instance in tests); Close is then a no-op on the client.
func NewWithClient(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb, owned: false, prefix: "orchestrator"}
}

type wireRecord struct {
	ID          string             `json:"id"`
	Lane        string             `json:"lane"`
	Job         job.Job            `json:"job"`
	Status      string             `json:"status"`
	Progress    int                `json:"progress"`
	Result      any                `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	Attempt     int                `json:"attempt"`
	Attempts    int                `json:"attempts"`
	Priority    int                `json:"priority"`
	BackoffType string             `json:"backoffType,omitempty"`
	BackoffMS   int64              `json:"backoffMs,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
}

func toWire(r queue.Record) wireRecord {
	return wireRecord{
		ID: r.ID, Lane: r.Lane, Job: r.Job, Status: r.Status, Progress: r.Progress,
		Result: r.Result, Error: r.Error, Attempt: r.Attempt, Attempts: r.Attempts,
		Priority: r.Priority, BackoffType: r.Backoff.Type, BackoffMS: r.Backoff.Delay.Milliseconds(),
		CreatedAt: r.CreatedAt, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
	}
}

func (w wireRecord) toRecord() *queue.Record {
	return &queue.Record{
		ID: w.ID, Lane: w.Lane, Job: w.Job, Status: w.Status, Progress: w.Progress,
		Result: w.Result, Error: w.Error, Attempt: w.Attempt, Attempts: w.Attempts,
		Priority: w.Priority, Backoff: queue.BackoffOptions{Type: w.BackoffType, Delay: time.Duration(w.BackoffMS) * time.Millisecond},
		CreatedAt: w.CreatedAt, StartedAt: w.StartedAt, CompletedAt: w.CompletedAt,
	}
}

func (b *Broker) jobKey(id string) string         { return b.prefix + ":job:" + id }
func (b *Broker) readyKey(lane string) string      { return b.prefix + ":" + lane + ":ready" }
func (b *Broker) delayedKey(lane string) string    { return b.prefix + ":" + lane + ":delayed" }
func (b *Broker) statusKey(lane, status string) string {
	return b.prefix + ":" + lane + ":status:" + status
}

// readyScore ranks higher priority first, and within equal priority, the
// earlier-created job first (ZPopMin pops the lowest score).
func readyScore(priority int, createdAt time.Time) float64 {
	return float64(-priority)*1e15 + float64(createdAt.UnixNano())/1e6
}

// Enqueue persists a new record and places it on the lane's ready set, or
// the delayed set when opts.Delay is set.
func (b *Broker) Enqueue(ctx context.Context, lane string, j job.Job, opts queue.EnqueueOptions) (string, error) {
	id := uuid.NewString()
	now := time.Now()

	rec := queue.Record{
		ID: id, Lane: lane, Job: j, Progress: 0,
		Attempts: opts.Attempts, Priority: opts.Priority, Backoff: opts.Backoff,
		CreatedAt: now,
	}
	if opts.Delay > 0 {
		rec.Status = "delayed"
	} else {
		rec.Status = "waiting"
	}

	raw, err := json.Marshal(toWire(rec))
	if err != nil {
		return "", err
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, b.jobKey(id), raw, 0)
	pipe.SAdd(ctx, b.statusKey(lane, rec.Status), id)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, b.delayedKey(lane), redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: id})
	} else {
		pipe.ZAdd(ctx, b.readyKey(lane), redis.Z{Score: readyScore(opts.Priority, now), Member: id})
	}
	pipe.Publish(ctx, eventsChannel, encodeEvent(queue.StateChange{ID: id, Lane: lane, Status: rec.Status}))

	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// promoteDue moves delayed jobs whose ready-at has passed onto the ready
// set, preserving their originally requested priority.
func (b *Broker) promoteDue(ctx context.Context, lane string) error {
	now := float64(time.Now().UnixMilli())
	ids, err := b.rdb.ZRangeByScore(ctx, b.delayedKey(lane), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	for _, id := range ids {
		rec, err := b.Get(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		pipe := b.rdb.TxPipeline()
		pipe.ZRem(ctx, b.delayedKey(lane), id)
		pipe.SRem(ctx, b.statusKey(lane, "delayed"), id)
		pipe.ZAdd(ctx, b.readyKey(lane), redis.Z{Score: readyScore(rec.Priority, rec.CreatedAt), Member: id})
		pipe.SAdd(ctx, b.statusKey(lane, "waiting"), id)
		rec.Status = "waiting"
		raw, _ := json.Marshal(toWire(*rec))
		pipe.Set(ctx, b.jobKey(id), raw, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue pops the highest-priority ready job on lane, marks it active,
// and returns it. A nil Record with a nil error means the lane is empty.
func (b *Broker) Dequeue(ctx context.Context, lane string) (*queue.Record, error) {
	if err := b.promoteDue(ctx, lane); err != nil {
		return nil, err
	}

	popped, err := b.rdb.ZPopMin(ctx, b.readyKey(lane), 1).Result()
	if err != nil {
		return nil, err
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id, _ := popped[0].Member.(string)

	rec, err := b.Get(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}

	now := time.Now()
	rec.Status = "active"
	rec.Attempt++
	rec.StartedAt = &now

	if err := b.save(ctx, *rec); err != nil {
		return nil, err
	}
	b.transition(ctx, lane, id, "waiting", "active")
	b.publish(ctx, queue.StateChange{ID: id, Lane: lane, Status: "active", Progress: rec.Progress})
	return rec, nil
}

func (b *Broker) save(ctx context.Context, rec queue.Record) error {
	raw, err := json.Marshal(toWire(rec))
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, b.jobKey(rec.ID), raw, 0).Err()
}

func (b *Broker) transition(ctx context.Context, lane, id, from, to string) {
	pipe := b.rdb.TxPipeline()
	if from != "" {
		pipe.SRem(ctx, b.statusKey(lane, from), id)
	}
	pipe.SAdd(ctx, b.statusKey(lane, to), id)
	_, _ = pipe.Exec(ctx)
}

func (b *Broker) publish(ctx context.Context, sc queue.StateChange) {
	b.rdb.Publish(ctx, eventsChannel, encodeEvent(sc))
}

// Get retrieves a record by id.
func (b *Broker) Get(ctx context.Context, id string) (*queue.Record, error) {
	raw, err := b.rdb.Get(ctx, b.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return w.toRecord(), nil
}

// GetByState lists up to limit records in a given broker-internal state.
func (b *Broker) GetByState(ctx context.Context, lane, status string, limit int) ([]*queue.Record, error) {
	ids, err := b.rdb.SMembers(ctx, b.statusKey(lane, status)).Result()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*queue.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := b.Get(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateProgress updates a record's progress field and publishes a state
// change carrying the new progress.
func (b *Broker) UpdateProgress(ctx context.Context, id string, progress int) error {
	rec, err := b.Get(ctx, id)
	if err != nil || rec == nil {
		return err
	}
	rec.Progress = progress
	if err := b.save(ctx, *rec); err != nil {
		return err
	}
	b.publish(ctx, queue.StateChange{ID: id, Lane: rec.Lane, Status: rec.Status, Progress: progress})
	return nil
}

// Complete marks a record completed with its final result.
func (b *Broker) Complete(ctx context.Context, id string, result any) error {
	rec, err := b.Get(ctx, id)
	if err != nil || rec == nil {
		return err
	}
	now := time.Now()
	rec.Status = "completed"
	rec.Result = result
	rec.Progress = 100
	rec.CompletedAt = &now
	if err := b.save(ctx, *rec); err != nil {
		return err
	}
	b.transition(ctx, rec.Lane, id, "active", "completed")
	b.publish(ctx, queue.StateChange{ID: id, Lane: rec.Lane, Status: "completed", Progress: 100})
	return nil
}

// Fail marks a record failed. If retries remain, it is rescheduled onto
// the delayed set with the outer backoff wait; otherwise it is terminal.
func (b *Broker) Fail(ctx context.Context, id string, failErr error) error {
	rec, err := b.Get(ctx, id)
	if err != nil || rec == nil {
		return err
	}
	now := time.Now()

	if rec.Attempt < rec.Attempts {
		wait := queue.NextBackoff(rec.Backoff, rec.Attempt)
		rec.Status = "delayed"
		rec.Error = failErr.Error()
		if err := b.save(ctx, *rec); err != nil {
			return err
		}
		b.transition(ctx, rec.Lane, id, "active", "delayed")
		if err := b.rdb.ZAdd(ctx, b.delayedKey(rec.Lane), redis.Z{Score: float64(now.Add(wait).UnixMilli()), Member: id}).Err(); err != nil {
			return err
		}
		b.publish(ctx, queue.StateChange{ID: id, Lane: rec.Lane, Status: "delayed", Progress: rec.Progress})
		return nil
	}

	rec.Status = "failed"
	rec.Error = failErr.Error()
	rec.CompletedAt = &now
	if err := b.save(ctx, *rec); err != nil {
		return err
	}
	b.transition(ctx, rec.Lane, id, "active", "failed")
	b.publish(ctx, queue.StateChange{ID: id, Lane: rec.Lane, Status: "failed", Progress: rec.Progress})
	return nil
}

// Subscribe returns the broker-wide state-change feed.
func (b *Broker) Subscribe(ctx context.Context) (<-chan queue.StateChange, error) {
	pubsub := b.rdb.Subscribe(ctx, eventsChannel)
	out := make(chan queue.StateChange, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		for msg := range pubsub.Channel() {
			var sc queue.StateChange
			if json.Unmarshal([]byte(msg.Payload), &sc) == nil {
				select {
				case out <- sc:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close releases the underlying Redis client when this Broker created it.
func (b *Broker) Close() error {
	if b.owned {
		return b.rdb.Close()
	}
	return nil
}

func encodeEvent(sc queue.StateChange) []byte {
	raw, _ := json.Marshal(sc)
	return raw
}
