package models

import "time"

// JobStatus is the state of a RetrospectJob.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobOK      JobStatus = "ok"
	JobFail    JobStatus = "fail"
)

// RetrospectJob is one asynchronous validation of an artifact.
// Once Status leaves pending it never changes.
type RetrospectJob struct {
	ID          string     `json:"id"`
	SpecID      string     `json:"spec_id"`     // RetrospectSpec.ID, the name used by requires_retro_green
	StepID      string     `json:"step_id"`     // Producer of the target artifact
	ArtifactID  string     `json:"artifact_id"` // Target artifact
	PlanVersion int        `json:"plan_version"`
	Checks      []Check    `json:"checks"`
	Status      JobStatus  `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Terminal reports whether the job has resolved.
func (j RetrospectJob) Terminal() bool {
	return j.Status == JobOK || j.Status == JobFail
}
