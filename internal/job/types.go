// Package job defines the declarative data model accepted by the
// orchestrator: Job, Step, RetryPolicy, ResourceHint, and Effect records.
// Values decode equally well from JSON (HTTP submission) or YAML (local
// job files loaded by the CLI).
package job

// RetryPolicy controls how many times a step (or a whole single-task job)
// is retried and how long the executor waits between attempts.
type RetryPolicy struct {
	Attempts int    `json:"attempts" yaml:"attempts" validate:"required,min=1"`
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty" validate:"omitempty,oneof=fixed exponential"`
	Delay    int    `json:"delay,omitempty" yaml:"delay,omitempty" validate:"omitempty,min=0"`
}

// ResourceHint is advisory metadata only; the core never enforces it.
type ResourceHint struct {
	GPU            string `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	VRAMMB         int    `json:"vramMb,omitempty" yaml:"vramMb,omitempty"`
	RAMMB          int    `json:"ramMb,omitempty" yaml:"ramMb,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

// Step is a single node in a pipeline.
type Step struct {
	ID                 string        `json:"id,omitempty" yaml:"id,omitempty" validate:"omitempty,step_id"`
	Task               string        `json:"task" yaml:"task" validate:"required"`
	DependsOn          []string      `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Input              map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	ForEach            string        `json:"forEach,omitempty" yaml:"forEach,omitempty"`
	ForEachConcurrency int           `json:"forEachConcurrency,omitempty" yaml:"forEachConcurrency,omitempty" validate:"omitempty,min=1"`
	Optional           bool          `json:"optional,omitempty" yaml:"optional,omitempty"`
	Backend            string        `json:"backend,omitempty" yaml:"backend,omitempty"`
	Retry              *RetryPolicy  `json:"retry,omitempty" yaml:"retry,omitempty" validate:"omitempty"`
	Resources          *ResourceHint `json:"resources,omitempty" yaml:"resources,omitempty"`

	// Timeout and RunWhen are documented-but-optional fields; this
	// implementation honors both. Timeout is in seconds and overrides the
	// resolved backend-call deadline for this step only.
	Timeout int    `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,min=1"`
	RunWhen string `json:"runWhen,omitempty" yaml:"runWhen,omitempty"`
}

// HasIdentity reports whether the step supplies an id or a dependsOn list —
// the presence of either on any step in a pipeline puts it in DAG mode.
func (s Step) HasIdentity() bool {
	return s.ID != "" || len(s.DependsOn) > 0
}

// Effect is a tagged declarative lifecycle hook. Only the fields relevant
// to $event are populated; the rest are left zero.
type Effect struct {
	Event string `json:"$event" yaml:"$event" validate:"required,oneof=toast webhook notify invalidate enqueue emit"`

	// toast / notify
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	Level   string `json:"level,omitempty" yaml:"level,omitempty"`
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty" validate:"omitempty,oneof=slack discord email"`

	// webhook
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// invalidate
	Path string   `json:"path,omitempty" yaml:"path,omitempty"`
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// emit
	Name    string         `json:"name,omitempty" yaml:"name,omitempty"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`

	// enqueue: a Job template, deep-interpolated before dispatch.
	Job map[string]any `json:"job,omitempty" yaml:"job,omitempty"`
}

// Job is the unit submitted to the orchestrator: either a single task
// (Steps empty) or a pipeline (Steps non-empty).
type Job struct {
	Type     string         `json:"type,omitempty" yaml:"type,omitempty"`
	Payload  map[string]any `json:"payload" yaml:"payload" validate:"required"`
	Backend  string         `json:"backend,omitempty" yaml:"backend,omitempty"`
	Queue    string         `json:"queue,omitempty" yaml:"queue,omitempty" validate:"omitempty,oneof=default cpu gpu"`
	Priority int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Delay    int            `json:"delay,omitempty" yaml:"delay,omitempty" validate:"omitempty,min=0"`
	Cron     string         `json:"cron,omitempty" yaml:"cron,omitempty"`

	Retry     *RetryPolicy  `json:"retry,omitempty" yaml:"retry,omitempty"`
	Resources *ResourceHint `json:"resources,omitempty" yaml:"resources,omitempty"`

	Steps []Step `json:"steps,omitempty" yaml:"steps,omitempty" validate:"omitempty,dive"`

	OnPending  []Effect `json:"onPending,omitempty" yaml:"onPending,omitempty" validate:"omitempty,dive"`
	OnProgress []Effect `json:"onProgress,omitempty" yaml:"onProgress,omitempty" validate:"omitempty,dive"`
	OnSuccess  []Effect `json:"onSuccess,omitempty" yaml:"onSuccess,omitempty" validate:"omitempty,dive"`
	OnError    []Effect `json:"onError,omitempty" yaml:"onError,omitempty" validate:"omitempty,dive"`
}

// IsPipeline reports whether the job describes a multi-step pipeline.
func (j Job) IsPipeline() bool {
	return len(j.Steps) > 0
}

// IsDAGMode reports whether the pipeline is in DAG mode: any step supplies
// an id or a dependsOn list. Sequential mode otherwise.
func (j Job) IsDAGMode() bool {
	for _, s := range j.Steps {
		if s.HasIdentity() {
			return true
		}
	}
	return false
}

// EffectiveRetry returns the step's own retry policy, falling back to the
// parent job's.
func (s Step) EffectiveRetry(parent *Job) *RetryPolicy {
	if s.Retry != nil {
		return s.Retry
	}
	if parent != nil {
		return parent.Retry
	}
	return nil
}

// EffectiveResources returns the step's own resource hint, falling back to
// the parent job's.
func (s Step) EffectiveResources(parent *Job) *ResourceHint {
	if s.Resources != nil {
		return s.Resources
	}
	if parent != nil {
		return parent.Resources
	}
	return nil
}

// EffectiveBackend returns the step's backend hint, falling back to the
// parent job's, and finally "auto".
func (s Step) EffectiveBackend(parent *Job) string {
	if s.Backend != "" {
		return s.Backend
	}
	if parent != nil && parent.Backend != "" {
		return parent.Backend
	}
	return "auto"
}
