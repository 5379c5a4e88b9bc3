// Package effects implements the declarative effect dispatcher: a mapping
// from an effect record's `$event` discriminant to a registered handler
// closure, invoked in declaration order. Handler failures are logged and
// swallowed — effects are always best-effort and never change a job's
// outcome.
package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forgepipe/orchestrator/internal/job"
	"github.com/forgepipe/orchestrator/internal/logger"
	"github.com/forgepipe/orchestrator/internal/template"
	"github.com/forgepipe/orchestrator/internal/value"
	streamyerrors "github.com/forgepipe/orchestrator/pkg/errors"
)

// Context is the common data every handler receives alongside the effect
// record itself: the enclosing job id, the task that ran, its current
// result/error, and progress, plus the template context effects interpolate
// string fields against.
type Context struct {
	JobID    string
	Task     string
	Result   any
	Err      error
	Progress int
	Vars     map[string]any
}

// errField renders Err as a string, or "" when nil — the shape webhook and
// notify handlers put on the wire.
func (c Context) errField() string {
	if c.Err == nil {
		return ""
	}
	return c.Err.Error()
}

// Handler processes one effect record.
type Handler func(ctx context.Context, e job.Effect, ec Context) error

// Record is what toast/invalidate/emit publish to their in-process
// channels; consumers (a dashboard, a test) drain the channel they care
// about. Sends are non-blocking — a full or unsubscribed channel drops the
// record rather than stalling the dispatcher.
type Record struct {
	Event   string
	JobID   string
	Payload map[string]any
}

// Dispatcher routes effect records to handlers by $event and owns the
// in-process channels toast/invalidate/emit publish to.
type Dispatcher struct {
	handlers map[string]Handler
	logger   *logger.Logger
	client   *http.Client

	slackWebhookURL   string
	discordWebhookURL string

	enqueue func(ctx context.Context, j job.Job) (string, error)

	Toast      chan Record
	Invalidate chan Record
	Emit       chan Record
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithEnqueue wires the "enqueue" handler to the queue's submission entry
// point. Without it, the enqueue handler returns an error, which Dispatch
// logs and swallows like any other handler failure.
func WithEnqueue(fn func(ctx context.Context, j job.Job) (string, error)) Option {
	return func(d *Dispatcher) { d.enqueue = fn }
}

// WithSlackWebhookURL sets the endpoint "notify" posts to for channel:"slack".
func WithSlackWebhookURL(url string) Option {
	return func(d *Dispatcher) { d.slackWebhookURL = url }
}

// WithDiscordWebhookURL sets the endpoint "notify" posts to for channel:"discord".
func WithDiscordWebhookURL(url string) Option {
	return func(d *Dispatcher) { d.discordWebhookURL = url }
}

// WithHTTPClient overrides the client used by webhook/notify handlers.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// New constructs a Dispatcher with the default handler set registered
// (toast, webhook, notify, invalidate, emit, enqueue).
func New(log *logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers:   make(map[string]Handler),
		logger:     log,
		client:     &http.Client{Timeout: 10 * time.Second},
		Toast:      make(chan Record, 64),
		Invalidate: make(chan Record, 64),
		Emit:       make(chan Record, 64),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.Register("toast", d.handleToast)
	d.Register("webhook", d.handleWebhook)
	d.Register("notify", d.handleNotify)
	d.Register("invalidate", d.handleInvalidate)
	d.Register("emit", d.handleEmit)
	d.Register("enqueue", d.handleEnqueue)

	return d
}

// Register installs or replaces the handler for an $event discriminant.
func (d *Dispatcher) Register(event string, h Handler) {
	d.handlers[event] = h
}

// Dispatch invokes the handler matching each effect's $event in
// declaration order, logging and swallowing any handler error so a later
// effect in the list always still runs.
// Unknown $event values produce a warning and are otherwise ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, effectList []job.Effect, ec Context) {
	for _, e := range effectList {
		h, ok := d.handlers[e.Event]
		if !ok {
			d.logger.Warn(fmt.Sprintf("effect dispatcher: unknown $event %q, ignoring", e.Event))
			continue
		}
		if err := h(ctx, e, ec); err != nil {
			d.logger.Error(streamyerrors.NewEffectFailure(e.Event, err), "effect handler failed")
		}
	}
}

func (d *Dispatcher) handleToast(_ context.Context, e job.Effect, ec Context) error {
	publish(d.Toast, Record{
		Event: "toast",
		JobID: ec.JobID,
		Payload: map[string]any{
			"message": d.interpolate(e.Message, ec),
			"level":   e.Level,
		},
	})
	return nil
}

func (d *Dispatcher) handleWebhook(ctx context.Context, e job.Effect, ec Context) error {
	method := e.Method
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(map[string]any{
		"task":   ec.Task,
		"result": ec.Result,
		"error":  ec.errField(),
		"jobId":  ec.JobID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, e.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", e.URL, resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) handleNotify(ctx context.Context, e job.Effect, ec Context) error {
	message := d.interpolate(e.Message, ec)

	switch e.Channel {
	case "slack":
		return d.postChannelMessage(ctx, d.slackWebhookURL, map[string]any{"text": message})
	case "discord":
		return d.postChannelMessage(ctx, d.discordWebhookURL, map[string]any{"content": message})
	case "email":
		// Email delivery has no process-wide transport wired into this
		// core; treated as a no-op extension point.
		d.logger.Info(fmt.Sprintf("notify(email) suppressed, no transport configured: %s", message))
		return nil
	default:
		return fmt.Errorf("notify: unsupported channel %q", e.Channel)
	}
}

func (d *Dispatcher) postChannelMessage(ctx context.Context, url string, body map[string]any) error {
	if url == "" {
		return fmt.Errorf("notify: no webhook URL configured for this channel")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("channel webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) handleInvalidate(_ context.Context, e job.Effect, ec Context) error {
	publish(d.Invalidate, Record{
		Event: "invalidate",
		JobID: ec.JobID,
		Payload: map[string]any{
			"path": e.Path,
			"tags": e.Tags,
		},
	})
	return nil
}

func (d *Dispatcher) handleEmit(_ context.Context, e job.Effect, ec Context) error {
	// Cloned: a recurring (cron) job reuses the same Effect across every
	// fire, so the channel record must not alias e.Payload — a subscriber
	// mutating it would corrupt the next fire's emit.
	payload, _ := value.Clone(value.Map(e.Payload)).(map[string]any)
	publish(d.Emit, Record{
		Event:   e.Name,
		JobID:   ec.JobID,
		Payload: payload,
	})
	return nil
}

func (d *Dispatcher) handleEnqueue(ctx context.Context, e job.Effect, ec Context) error {
	if d.enqueue == nil {
		return fmt.Errorf("enqueue effect: no queue wired into this dispatcher")
	}

	resolved, err := template.DeepInterpolate(e.Job, ec.Vars)
	if err != nil {
		return fmt.Errorf("enqueue effect: resolve job template: %w", err)
	}
	m, ok := resolved.(map[string]any)
	if !ok {
		return fmt.Errorf("enqueue effect: job template did not resolve to a mapping")
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var child job.Job
	if err := json.Unmarshal(raw, &child); err != nil {
		return fmt.Errorf("enqueue effect: decode child job: %w", err)
	}

	_, err = d.enqueue(ctx, child)
	return err
}

func (d *Dispatcher) interpolate(s string, ec Context) string {
	resolved := template.Resolve(s, ec.Vars)
	if str, ok := resolved.(string); ok {
		return str
	}
	return s
}

// publish sends to ch without blocking; a full channel drops the record.
func publish(ch chan Record, r Record) {
	select {
	case ch <- r:
	default:
	}
}
