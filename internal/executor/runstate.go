package executor

import (
	"context"
	"time"

	"github.com/harrison/coordinator/internal/artifact"
	"github.com/harrison/coordinator/internal/budget"
	"github.com/harrison/coordinator/internal/lineage"
	"github.com/harrison/coordinator/internal/models"
)

// StepState is the mutable per-step record inside a RunState.
type StepState struct {
	Status         models.StepStatus `json:"status"`
	ArtifactID     string            `json:"artifact_id,omitempty"`
	PlanVersion    int               `json:"plan_version"` // Version of the last execution
	Attempts       int               `json:"attempts"`
	Executions     int               `json:"executions"`
	CostUSD        float64           `json:"cost_usd"`
	Duration       time.Duration     `json:"duration"`
	Error          string            `json:"error,omitempty"`
	Failure        *StepError        `json:"failure,omitempty"` // Latest failure, cleared on success
	Deferred       bool              `json:"deferred,omitempty"` // Waiting for a failed retrospect's replay
	AlternatesUsed int               `json:"alternates_used,omitempty"`
	Replans        int               `json:"replans,omitempty"`
	Replays        int               `json:"replays,omitempty"`
}

// AuditEvent is one entry of the run's audit log.
type AuditEvent struct {
	Time        time.Time      `json:"time"`
	Kind        string         `json:"kind"`
	PlanID      string         `json:"plan_id"`
	PlanVersion int            `json:"plan_version"`
	StepID      string         `json:"step_id,omitempty"`
	Message     string         `json:"message,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Audit event kinds.
const (
	AuditRunStarted       = "run_started"
	AuditBatchStarted     = "batch_started"
	AuditStepCompleted    = "step_completed"
	AuditStepFailed       = "step_failed"
	AuditStepDeferred     = "step_deferred"
	AuditRetrospectQueued = "retrospect_submitted"
	AuditRetrospectFailed = "retrospect_failed"
	AuditInvalidated      = "artifact_invalidated"
	AuditPlanChanged      = "plan_changed"
	AuditCompensation     = "compensation"
	AuditEscalation       = "escalation"
	AuditCancelled        = "branch_cancelled"
	AuditCheckpointFailed = "checkpoint_failed"
	AuditRunCompleted     = "run_completed"
)

// RunState is the mutable state of one execution. It is owned by the
// coordinator goroutine; step tasks never touch it.
type RunState struct {
	RunID         string                      `json:"run_id"`
	PlanID        string                      `json:"plan_id"`
	Version       int                         `json:"version"`
	Steps         map[string]*StepState       `json:"steps"`
	Jobs          map[string]string           `json:"jobs"`       // retrospect spec id -> current job id
	Executions    map[string][]string         `json:"executions"` // step id -> artifact ids it produced
	Versions      []int                       `json:"versions"`
	Escalations   []models.EscalationEvent    `json:"escalations,omitempty"`
	Compensations []models.CompensationRecord `json:"compensations,omitempty"`
	Audit         []AuditEvent                `json:"audit,omitempty"`
	Metrics       models.Metrics              `json:"metrics"`
	Batches       int                         `json:"batches"`
	StartedAt     time.Time                   `json:"started_at"`
}

func newRunState(runID string, plan *models.Plan) *RunState {
	rs := &RunState{
		RunID:      runID,
		PlanID:     plan.ID,
		Version:    plan.Version,
		Steps:      make(map[string]*StepState, len(plan.Steps)),
		Jobs:       make(map[string]string),
		Executions: make(map[string][]string),
		Versions:   []int{plan.Version},
		StartedAt:  time.Now(),
	}
	rs.syncSteps(plan)
	return rs
}

// syncSteps adds a pending entry for every plan step not yet tracked.
func (rs *RunState) syncSteps(plan *models.Plan) {
	for _, s := range plan.Steps {
		if _, ok := rs.Steps[s.ID]; !ok {
			rs.Steps[s.ID] = &StepState{Status: models.StepPending}
		}
	}
}

func (rs *RunState) step(id string) *StepState {
	st, ok := rs.Steps[id]
	if !ok {
		st = &StepState{Status: models.StepPending}
		rs.Steps[id] = st
	}
	return st
}

func (rs *RunState) audit(kind, stepID, msg string, fields map[string]any) AuditEvent {
	ev := AuditEvent{
		Time:        time.Now(),
		Kind:        kind,
		PlanID:      rs.PlanID,
		PlanVersion: rs.Version,
		StepID:      stepID,
		Message:     msg,
		Fields:      fields,
	}
	rs.Audit = append(rs.Audit, ev)
	return ev
}

// Logger receives human-facing progress output.
type Logger interface {
	LogBatchStart(batch Batch)
	LogBatchComplete(batch Batch, duration time.Duration, results []models.StepResult)
	LogStepResult(result models.StepResult)
	LogPlanChange(from, to *models.Plan)
	LogReplay(rootStep string, invalidated []string)
	LogEscalation(ev models.EscalationEvent)
	LogCompensation(rec models.CompensationRecord)
	LogSummary(result models.ExecutionResult)
}

// AuditSink receives every audit event as it is appended.
type AuditSink interface {
	Record(ev AuditEvent)
}

// Persister stores checkpoints keyed by (plan_id, version).
type Persister interface {
	Save(ctx context.Context, cp *Checkpoint) error
}

// Replanner proposes a structural patch for a step that exhausted its
// retries and alternates. A nil patch declines.
type Replanner interface {
	Replan(ctx context.Context, plan *models.Plan, stepID string, cause error) (*models.Patch, error)
}

// Checkpoint is the persisted state of a run after a completed batch.
type Checkpoint struct {
	PlanID    string                 `json:"plan_id"`
	Version   int                    `json:"version"`
	Plans     []*models.Plan         `json:"plans"` // Every version, ascending
	Run       *RunState              `json:"run"`
	Budget    budget.Snapshot        `json:"budget"`
	Artifacts artifact.Snapshot      `json:"artifacts"`
	Lineage   []lineage.Node         `json:"lineage"`
	Jobs      []models.RetrospectJob `json:"jobs"`
	SavedAt   time.Time              `json:"saved_at"`
}

// Latest returns the newest plan version in the checkpoint.
func (c *Checkpoint) Latest() *models.Plan {
	if len(c.Plans) == 0 {
		return nil
	}
	return c.Plans[len(c.Plans)-1]
}
