// Package errors defines the typed error taxonomy shared across the
// pipeline execution core. Each kind carries enough context (step id, job
// id) for callers to report a precise failure without string-matching.
package errors

import (
	"fmt"
	"strings"
)

// ValidationError captures a malformed job, step, or template reference.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, message string, err error) error {
	return &ValidationError{Field: field, Message: message, Err: err}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// BackendUnavailableError is raised by the selector when no adapter can
// serve a task: either the named backend is missing, or no backend reports
// healthy for "auto" selection.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func NewBackendUnavailableError(backend string, err error) error {
	return &BackendUnavailableError{Backend: backend, Err: err}
}

func (e *BackendUnavailableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Backend != "" {
		return fmt.Sprintf("backend unavailable [%s]: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("backend unavailable: %v", e.Err)
}

func (e *BackendUnavailableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// BackendExecutionError represents a non-2xx or error-body response from a
// remote compute backend while executing a single task attempt.
type BackendExecutionError struct {
	StepID string
	Err    error
}

func NewBackendExecutionError(stepID string, err error) error {
	return &BackendExecutionError{StepID: stepID, Err: err}
}

func (e *BackendExecutionError) Error() string {
	if e == nil {
		return ""
	}
	if e.StepID != "" {
		return fmt.Sprintf("backend execution error on step %s: %v", e.StepID, e.Err)
	}
	return fmt.Sprintf("backend execution error: %v", e.Err)
}

func (e *BackendExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StepFailureError marks a non-optional step that exhausted its retry
// policy; the pipeline aborts on this error.
type StepFailureError struct {
	StepID string
	Err    error
}

func NewStepFailureError(stepID string, err error) error {
	return &StepFailureError{StepID: stepID, Err: err}
}

func (e *StepFailureError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Err)
}

func (e *StepFailureError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DeadlockError is raised by the DAG scheduler when no step is runnable and
// none are running — an unsatisfiable dependsOn graph discovered at runtime —
// and by Job.Validate when its pre-flight check finds a dependsOn cycle.
type DeadlockError struct {
	Pending []string
}

func NewDeadlockError(pending []string) error {
	return &DeadlockError{Pending: append([]string(nil), pending...)}
}

func (e *DeadlockError) Error() string {
	if e == nil || len(e.Pending) == 0 {
		return "deadlock detected: no steps runnable"
	}
	return fmt.Sprintf("deadlock detected: steps never became runnable: %s", strings.Join(e.Pending, ", "))
}

// EffectFailure wraps an error raised by a single effect handler. The
// effect dispatcher builds one for each handler failure, logs it, and
// swallows it.
type EffectFailure struct {
	Event string
	Err   error
}

func NewEffectFailure(event string, err error) error {
	return &EffectFailure{Event: event, Err: err}
}

func (e *EffectFailure) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("effect %q failed: %v", e.Event, e.Err)
}

func (e *EffectFailure) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
