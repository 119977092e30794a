package models

import (
	"time"
)

// StepTarget selects the peer a workflow step runs against. A step either
// names its client explicitly or is resolved at execution time by finding
// the first connected client advertising the step's tool.
type StepTarget struct {
	clientID string
	explicit bool
}

// ExplicitTarget pins a step to a specific registered client.
func ExplicitTarget(clientID string) StepTarget {
	return StepTarget{clientID: clientID, explicit: true}
}

// ResolvedTarget defers peer selection to the engine at execution time.
func ResolvedTarget() StepTarget {
	return StepTarget{}
}

// Explicit reports the pinned client id, if any.
func (t StepTarget) Explicit() (string, bool) {
	return t.clientID, t.explicit
}

// Step is a single unit of work within a workflow.
type Step struct {
	Name       string                 `json:"name"`
	Target     StepTarget             `json:"-"`
	Tool       string                 `json:"tool"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	DependsOn  []string               `json:"depends_on,omitempty"`
	OutputTo   string                 `json:"output_to,omitempty"`
}

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Execution is a point-in-time view of one workflow run. Once the status is
// terminal the record is immutable.
type Execution struct {
	ID               string                   `json:"id"`
	Steps            []Step                   `json:"steps"`
	Status           ExecutionStatus          `json:"status"`
	CurrentStepIndex int                      `json:"current_step_index"`
	Results          map[string]*InvokeResult `json:"results,omitempty"`
	FailedStepIndex  *int                     `json:"failed_step_index,omitempty"`
	FailureReason    *string                  `json:"failure_reason,omitempty"`
	StartedAt        time.Time                `json:"started_at"`
	EndedAt          *time.Time               `json:"ended_at,omitempty"`
}
