package models

import "time"

// StepStatus is the lifecycle state of a step within one execution.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepCompleted   StepStatus = "completed"
	StepEscalated   StepStatus = "escalated"   // Decision tree exhausted
	StepCancelled   StepStatus = "cancelled"   // Halted by a cancel policy
	StepBlocked     StepStatus = "blocked"     // An upstream step was escalated or cancelled
	StepInvalidated StepStatus = "invalidated" // Artifact failed retrospective validation
)

// StepResult summarizes one step at the end of an execution.
type StepResult struct {
	StepID      string        `json:"step_id"`
	Status      StepStatus    `json:"status"`
	Capability  string        `json:"agent_or_tool"`
	ArtifactID  string        `json:"artifact_id,omitempty"`
	PlanVersion int           `json:"plan_version"`
	Attempts    int           `json:"attempts"`   // Invocations across all runs of the step
	Executions  int           `json:"executions"` // Successful materializations, >1 after replay
	CostUSD     float64       `json:"cost_usd"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
	Err         error         `json:"-"` // Typed failure behind Error
}

// Metrics aggregates cost and time for one execution.
type Metrics struct {
	CostUSD     float64       `json:"cost_usd"`
	Duration    time.Duration `json:"duration"`
	Invocations int           `json:"invocations"`
	Retries     int           `json:"retries"`
	Replans     int           `json:"replans"`
	Replays     int           `json:"replays"`
	Retrospects int           `json:"retrospects"`
}

// AcceptanceResult is the outcome of one TaskBrief acceptance test.
type AcceptanceResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// CompensationRecord is one executed compensation.
type CompensationRecord struct {
	StepID     string    `json:"step_id"`
	ArtifactID string    `json:"artifact_id"`
	Action     string    `json:"action"`
	Success    bool      `json:"success"`
	Skipped    bool      `json:"skipped,omitempty"` // Already compensated
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExecutionResult is returned by the coordinator for one execution.
type ExecutionResult struct {
	RunID         string               `json:"run_id"`
	Plan          *Plan                `json:"plan"`     // Final version
	Versions      []int                `json:"versions"` // Every version produced during the run
	Steps         []StepResult         `json:"steps"`
	Artifacts     map[string]*Artifact `json:"artifacts"` // Final valid artifact per step id
	Metrics       Metrics              `json:"metrics"`
	Success       bool                 `json:"success"`
	Escalations   []EscalationEvent    `json:"escalations,omitempty"`
	Compensations []CompensationRecord `json:"compensations,omitempty"`
	Acceptance    []AcceptanceResult   `json:"acceptance,omitempty"`
	Blocked       []string             `json:"blocked,omitempty"`
}

// Step returns the result for the given step id.
func (r *ExecutionResult) Step(id string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return StepResult{}, false
}
