// Package httpbackend implements backend.Backend against the wire
// contract a remote compute service (Modal, Ray, or any compatible HTTP
// endpoint) is expected to speak: POST <url>/run_task, GET
// <url>/status/<id>, GET <url>/health_check. Built the way this codebase
// builds its other small HTTP-backed collaborators: a struct, explicit
// config fields, a constructor.
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forgepipe/orchestrator/internal/backend"
	streamyerrors "github.com/forgepipe/orchestrator/pkg/errors"
)

// Config describes a remote compute service endpoint.
type Config struct {
	Name   string
	URL    string
	Token  string
	Client *http.Client
}

// Backend forwards tasks to a remote compute service over HTTP.
type Backend struct {
	name   string
	url    string
	token  string
	client *http.Client
}

// New constructs an HTTP-backed adapter from Config.
func New(cfg Config) *Backend {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Backend{
		name:   cfg.Name,
		url:    strings.TrimRight(cfg.URL, "/"),
		token:  cfg.Token,
		client: client,
	}
}

type runTaskRequest struct {
	TaskType string         `json:"task_type"`
	Payload  map[string]any `json:"payload"`
}

type runTaskResponse struct {
	Result any    `json:"result"`
	Error  string `json:"error"`
}

// Execute forwards task to <url>/run_task with bearer auth.
func (b *Backend) Execute(ctx context.Context, task backend.Task) (any, error) {
	body, err := json.Marshal(runTaskRequest{TaskType: task.Type, Payload: task.Payload})
	if err != nil {
		return nil, streamyerrors.NewBackendExecutionError(task.ID, fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/run_task", bytes.NewReader(body))
	if err != nil {
		return nil, streamyerrors.NewBackendExecutionError(task.ID, err)
	}
	b.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, streamyerrors.NewBackendExecutionError(task.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, streamyerrors.NewBackendExecutionError(task.ID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, streamyerrors.NewBackendExecutionError(task.ID,
			fmt.Errorf("remote returned %d: %s", resp.StatusCode, string(raw)))
	}

	var parsed runTaskResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, streamyerrors.NewBackendExecutionError(task.ID, fmt.Errorf("decode response: %w", err))
	}
	if parsed.Error != "" {
		return nil, streamyerrors.NewBackendExecutionError(task.ID, fmt.Errorf("%s", parsed.Error))
	}

	return parsed.Result, nil
}

// GetStatus retrieves remote execution state from <url>/status/<id>.
func (b *Backend) GetStatus(ctx context.Context, taskID string) (backend.TaskResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url+"/status/"+taskID, nil)
	if err != nil {
		return backend.TaskResult{}, err
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return backend.TaskResult{}, err
	}
	defer resp.Body.Close()

	var result backend.TaskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return backend.TaskResult{}, err
	}
	result.ID = taskID
	return result, nil
}

// IsHealthy probes <url>/health_check, falling back to <url>/health.
func (b *Backend) IsHealthy(ctx context.Context) bool {
	for _, path := range []string{"/health_check", "/health"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url+path, nil)
		if err != nil {
			continue
		}
		resp, err := b.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}
	return false
}

// GetResources advertises capacity from <url>/resources, when available.
// It satisfies the optional backend.ResourceReporter interface.
func (b *Backend) GetResources(ctx context.Context) (backend.ResourcePool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url+"/resources", nil)
	if err != nil {
		return backend.ResourcePool{}, err
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return backend.ResourcePool{}, err
	}
	defer resp.Body.Close()

	var pool backend.ResourcePool
	if err := json.NewDecoder(resp.Body).Decode(&pool); err != nil {
		return backend.ResourcePool{}, err
	}
	return pool, nil
}

// Cancel requests the remote service abort taskID.
func (b *Backend) Cancel(ctx context.Context, taskID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.url+"/tasks/"+taskID, nil)
	if err != nil {
		return false, err
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func (b *Backend) authorize(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
}
