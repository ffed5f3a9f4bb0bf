// Package orchestration turns declarative workflow templates into running
// DAGs of capability calls: expansion, parameter resolution, scheduling,
// failure policy and lifecycle supervision.
package orchestration

import (
	"time"
)

// WorkflowState represents the lifecycle of a workflow.
type WorkflowState string

const (
	WorkflowQueued    WorkflowState = "Queued"
	WorkflowRunning   WorkflowState = "Running"
	WorkflowCompleted WorkflowState = "Completed"
	WorkflowFailed    WorkflowState = "Failed"
	WorkflowCancelled WorkflowState = "Cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// StepState represents the lifecycle of a single step.
type StepState string

const (
	StepPending   StepState = "Pending"
	StepRunning   StepState = "Running"
	StepCompleted StepState = "Completed"
	StepFailed    StepState = "Failed"
	StepSkipped   StepState = "Skipped"
)

// FailureStrategy selects how the orchestrator reacts to a failed step.
type FailureStrategy string

const (
	// FailFast stops scheduling on the first failure. Default.
	FailFast FailureStrategy = "FailFast"
	// ContinueOnError skips the failed step's dependents and keeps
	// independent branches running.
	ContinueOnError FailureStrategy = "ContinueOnError"
	// RetrySteps re-dispatches a failed step a bounded number of times,
	// then falls back to FailFast.
	RetrySteps FailureStrategy = "Retry"
)

// ParseFailureStrategy maps the wire names onto strategies, defaulting to
// FailFast for unknown input.
func ParseFailureStrategy(s string) FailureStrategy {
	switch s {
	case string(ContinueOnError):
		return ContinueOnError
	case string(RetrySteps):
		return RetrySteps
	default:
		return FailFast
	}
}

// Options carries per-submission tunables.
type Options struct {
	// Timeout is the overall wall-clock deadline. Zero means none.
	Timeout time.Duration
	FailureStrategy FailureStrategy
	// NotificationWebhook receives the terminal snapshot via POST when set.
	NotificationWebhook string
}

// Step is one node of a workflow DAG. All fields except Result, Error,
// RetryCount and the timestamps are fixed at expansion time.
type Step struct {
	ID         string
	Name       string
	Capability string
	Endpoint   string
	// Parameters may still contain step-reference placeholders; they are
	// resolved just before dispatch.
	Parameters map[string]interface{}
	DependsOn  []string // step IDs
	Priority   int

	State       StepState
	Result      map[string]interface{}
	Error       string
	RetryCount  int
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Workflow is a concrete instance produced by the expander and owned by
// one orchestrator. Mutations happen under the orchestrator's lock.
type Workflow struct {
	ID       string
	Template string
	State    WorkflowState
	Steps    []*Step
	Params   map[string]interface{}
	Options  Options

	CreatedAt time.Time
	UpdatedAt time.Time
	Err       string
}

// StepSnapshot is the immutable per-step view returned by snapshot reads
// and the HTTP API.
type StepSnapshot struct {
	StepID      string                 `json:"step_id"`
	StepName    string                 `json:"step_name"`
	Capability  string                 `json:"capability"`
	Endpoint    string                 `json:"endpoint"`
	Parameters  map[string]interface{} `json:"parameters"`
	DependsOn   []string               `json:"depends_on"`
	State       StepState              `json:"state"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	RetryCount  int                    `json:"retry_count,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Stats summarizes the DAG shape and current progress of a workflow.
type Stats struct {
	TotalSteps int               `json:"total_steps"`
	ByState    map[StepState]int `json:"by_state"`
	// Depth is the length of the longest dependency chain.
	Depth int `json:"depth"`
	// MaxParallelism is the widest set of steps that may run at once,
	// ignoring the concurrency cap.
	MaxParallelism int `json:"max_parallelism"`
}

// Snapshot is the immutable workflow view.
type Snapshot struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowType string         `json:"workflow_type"`
	State        WorkflowState  `json:"state"`
	Steps        []StepSnapshot `json:"steps"`
	Stats        Stats          `json:"stats"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// computeStats derives shape and progress statistics from the step set.
// Steps are validated acyclic at expansion, so the level walk terminates.
func computeStats(steps []*Step) Stats {
	stats := Stats{
		TotalSteps: len(steps),
		ByState:    make(map[StepState]int, 5),
	}
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		stats.ByState[s.State]++
		byID[s.ID] = s
	}

	levels := make(map[string]int, len(steps))
	var level func(s *Step) int
	level = func(s *Step) int {
		if l, ok := levels[s.ID]; ok {
			return l
		}
		max := 0
		for _, dep := range s.DependsOn {
			if d, ok := byID[dep]; ok {
				if l := level(d) + 1; l > max {
					max = l
				}
			}
		}
		levels[s.ID] = max
		return max
	}

	width := make(map[int]int, len(steps))
	for _, s := range steps {
		l := level(s)
		width[l]++
		if l+1 > stats.Depth {
			stats.Depth = l + 1
		}
	}
	for _, w := range width {
		if w > stats.MaxParallelism {
			stats.MaxParallelism = w
		}
	}
	return stats
}

// snapshotLocked copies the workflow into an immutable view. Caller holds
// the orchestrator lock.
func (w *Workflow) snapshotLocked() Snapshot {
	steps := make([]StepSnapshot, len(w.Steps))
	for i, s := range w.Steps {
		steps[i] = StepSnapshot{
			StepID:      s.ID,
			StepName:    s.Name,
			Capability:  s.Capability,
			Endpoint:    s.Endpoint,
			Parameters:  deepCopyMap(s.Parameters),
			DependsOn:   append([]string(nil), s.DependsOn...),
			State:       s.State,
			Result:      deepCopyMap(s.Result),
			Error:       s.Error,
			RetryCount:  s.RetryCount,
			StartedAt:   copyTime(s.StartedAt),
			CompletedAt: copyTime(s.CompletedAt),
		}
	}
	return Snapshot{
		WorkflowID:   w.ID,
		WorkflowType: w.Template,
		State:        w.State,
		Steps:        steps,
		Stats:        computeStats(w.Steps),
		Error:        w.Err,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// deepCopyMap copies a JSON-shaped map so snapshot holders cannot reach
// back into live workflow state.
func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
