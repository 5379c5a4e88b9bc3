package effects

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgepipe/orchestrator/internal/job"
	"github.com/forgepipe/orchestrator/internal/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Options{Level: "error"})
	require.NoError(t, err)
	return log
}

func TestDispatchPublishesToastWithoutBlocking(t *testing.T) {
	t.Parallel()

	d := New(newTestLogger(t))
	d.Dispatch(context.Background(), []job.Effect{{Event: "toast", Message: "hi {{payload.name}}", Level: "info"}}, Context{
		JobID: "job-1",
		Vars:  map[string]any{"payload": map[string]any{"name": "ada"}},
	})

	rec := <-d.Toast
	require.Equal(t, "job-1", rec.JobID)
	require.Equal(t, "hi ada", rec.Payload["message"])
}

func TestDispatchContinuesAfterHandlerError(t *testing.T) {
	t.Parallel()

	d := New(newTestLogger(t))
	var secondRan bool
	d.Register("webhook", func(ctx context.Context, e job.Effect, ec Context) error {
		return errBoom
	})
	d.Register("emit", func(ctx context.Context, e job.Effect, ec Context) error {
		secondRan = true
		return nil
	})

	d.Dispatch(context.Background(), []job.Effect{
		{Event: "webhook", URL: "http://example.invalid"},
		{Event: "emit", Name: "done"},
	}, Context{JobID: "job-1"})

	require.True(t, secondRan)
}

var errBoom = errors.New("boom")

func TestWebhookPostsTaskResultErrorJobID(t *testing.T) {
	t.Parallel()

	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(newTestLogger(t))
	d.Dispatch(context.Background(), []job.Effect{{Event: "webhook", URL: srv.URL}}, Context{
		JobID:  "job-2",
		Task:   "transcribe",
		Result: map[string]any{"text": "hi"},
	})

	require.Equal(t, "job-2", received["jobId"])
	require.Equal(t, "transcribe", received["task"])
	require.Equal(t, map[string]any{"text": "hi"}, received["result"])
	require.Equal(t, "", received["error"])
}

func TestNotifySlackPostsTextBody(t *testing.T) {
	t.Parallel()

	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(newTestLogger(t), WithSlackWebhookURL(srv.URL))
	d.Dispatch(context.Background(), []job.Effect{{Event: "notify", Channel: "slack", Message: "done"}}, Context{JobID: "job-3"})

	require.Equal(t, "done", received["text"])
}

func TestUnknownEventIsIgnored(t *testing.T) {
	t.Parallel()

	d := New(newTestLogger(t))
	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), []job.Effect{{Event: "mystery"}}, Context{})
	})
}
