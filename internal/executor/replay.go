package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/harrison/coordinator/internal/compensation"
	"github.com/harrison/coordinator/internal/models"
)

// handleRetrospectFailures acts on every retrospect failure reported since
// the last call.
func (x *execution) handleRetrospectFailures(ctx context.Context) {
	for _, job := range x.retros.DrainFailures() {
		x.handleRetrospectFailure(ctx, job)
	}
}

// handleRetrospectFailure invalidates the failed artifact and everything
// derived from it, compensates invalidated side effects in reverse
// topological order, and replays from the earliest valid ancestor under a
// new plan version. The retrospect's on_fail escalation is always emitted. A job
// whose artifact was already invalidated or replaced only escalates.
func (x *execution) handleRetrospectFailure(ctx context.Context, job models.RetrospectJob) {
	version := x.plan.Version
	if a, ok := x.store.Get(job.ArtifactID); ok {
		version = a.PlanVersion
	}
	var reason error
	if job.Reason != "" {
		reason = errors.New(job.Reason)
	}
	cause := NewStepError(RetrospectFailure, job.StepID, version, fmt.Sprintf("retrospect %s failed", job.SpecID), reason)
	x.record(AuditRetrospectFailed, job.StepID, job.Reason, map[string]any{
		"job_id":      job.ID,
		"retrospect":  job.SpecID,
		"artifact_id": job.ArtifactID,
		"kind":        cause.Kind.String(),
	})

	var spec models.RetrospectSpec
	var stepEsc models.EscalationSpec
	if owner, ok := x.plan.Step(job.StepID); ok {
		spec, _ = owner.Retrospect(job.SpecID)
		stepEsc = owner.Escalation
	}
	if esc := spec.OnFail.Escalate; esc != nil {
		defer x.emit(ctx, x.event(job.StepID, *esc, cause.Error(), cause))
	}

	st := x.state.step(job.StepID)
	if !x.store.IsValid(job.ArtifactID) || st.ArtifactID != job.ArtifactID {
		return
	}
	x.setFailure(cause)

	invalid := append([]string{job.ArtifactID}, x.graph.DownstreamOf(job.ArtifactID)...)
	invalidReason := fmt.Sprintf("retrospect %s failed: %s", job.SpecID, job.Reason)
	for i, id := range invalid {
		r := invalidReason
		if i > 0 {
			r = "upstream artifact invalidated: " + invalidReason
		}
		if err := x.store.Invalidate(id, r); err == nil {
			x.record(AuditInvalidated, x.graph.StepOf(id), r, map[string]any{"artifact_id": id})
		}
	}
	invalidSet := make(map[string]bool, len(invalid))
	for _, id := range invalid {
		invalidSet[id] = true
	}
	var affected []string
	for _, s := range x.plan.Steps {
		ss := x.state.step(s.ID)
		if ss.ArtifactID != "" && invalidSet[ss.ArtifactID] {
			ss.Status = models.StepInvalidated
			affected = append(affected, s.ID)
		}
	}

	rootStep := job.StepID
	if root, err := x.graph.FindEarliestValidAncestor(invalid); err == nil && root != "" {
		if id := x.graph.StepOf(root); id != "" {
			rootStep = id
		}
	}
	if x.opts.Logger != nil {
		x.opts.Logger.LogReplay(rootStep, invalid)
	}

	trigger := models.SeverityS2
	switch {
	case spec.OnFail.Escalate != nil && spec.OnFail.Escalate.Severity != "":
		trigger = spec.OnFail.Escalate.Severity
	case stepEsc.Severity != "":
		trigger = stepEsc.Severity
	}
	compErr := x.compensate(ctx, invalid, trigger)

	root := x.state.step(rootStep)
	if x.opts.MaxReplays < 0 || root.Replays >= x.opts.MaxReplays {
		x.escalate(ctx, rootStep, stepEsc, fmt.Errorf("replay limit %d reached: %w", max(x.opts.MaxReplays, 0), cause))
		for _, id := range affected {
			if ss := x.state.step(id); ss.Status == models.StepInvalidated {
				ss.Status = models.StepBlocked
			}
		}
		x.haltCompensation(compErr)
		x.checkpoint(ctx)
		return
	}

	patch := models.Patch{Reason: fmt.Sprintf("replay from %s after retrospect %s failed", rootStep, job.SpecID)}
	if spec.OnFail.Patch != nil {
		patch = spec.OnFail.Patch.Clone()
		if patch.StepID == "" && patch.IsStructural() {
			patch.StepID = job.StepID
		}
		if patch.Reason == "" {
			patch.Reason = fmt.Sprintf("retrospect %s failed on step %s", job.SpecID, job.StepID)
		}
	}
	if err := x.applyPatch(ctx, patch, "replay"); err != nil {
		x.escalate(ctx, rootStep, stepEsc, fmt.Errorf("replay patch rejected: %w", err))
		x.haltCompensation(compErr)
		x.checkpoint(ctx)
		return
	}

	root.Replays++
	x.state.Metrics.Replays++
	replay := map[string]bool{rootStep: true}
	for id := range x.plan.Descendants(rootStep) {
		replay[id] = true
	}
	for _, id := range affected {
		replay[id] = true
	}
	for id := range replay {
		ss := x.state.step(id)
		switch ss.Status {
		case models.StepCompleted, models.StepPending, models.StepInvalidated:
			if ss.Status == models.StepCompleted && x.store.IsValid(ss.ArtifactID) && id != rootStep {
				continue
			}
			x.reset(id)
		}
	}
	x.haltCompensation(compErr)
	x.checkpoint(ctx)
}

// haltCompensation stops a step whose effects could not be undone. The
// compensation manager has already escalated it.
func (x *execution) haltCompensation(err *StepError) {
	if err == nil {
		return
	}
	x.setFailure(err)
	x.halt(err.StepID)
}

// compensate undoes the side effects of invalidated artifacts. It returns a
// CompensationFailure for the first action that failed.
func (x *execution) compensate(ctx context.Context, invalid []string, trigger models.Severity) *StepError {
	var execs []compensation.Execution
	for _, id := range invalid {
		a, ok := x.store.Get(id)
		if !ok {
			continue
		}
		contract, ok := x.contractAt(a.StepID, a.PlanVersion)
		if !ok || !compensation.NeedsCompensation(contract) {
			continue
		}
		execs = append(execs, compensation.Execution{Contract: contract, Artifact: a})
	}
	if len(execs) == 0 {
		return nil
	}

	res := x.comp.CompensateAll(ctx, x.plan, execs, trigger)
	for _, rec := range res.Records {
		x.state.Compensations = append(x.state.Compensations, rec)
		outcome := "ok"
		switch {
		case rec.Skipped:
			outcome = "skipped"
		case !rec.Success:
			outcome = "failed"
		}
		x.opts.Metrics.RecordCompensation(ctx, outcome)
		fields := map[string]any{"artifact_id": rec.ArtifactID, "outcome": outcome, "error": rec.Error}
		if outcome == "failed" {
			fields["kind"] = CompensationFailure.String()
		}
		x.record(AuditCompensation, rec.StepID, rec.Action, fields)
		if x.opts.Logger != nil {
			x.opts.Logger.LogCompensation(rec)
		}
	}
	if res.Err == nil {
		return nil
	}
	version := x.plan.Version
	if a, ok := x.store.Get(res.Err.ArtifactID); ok {
		version = a.PlanVersion
	}
	return NewStepError(CompensationFailure, res.Err.StepID, version, "external side effects were not undone", res.Err)
}

// contractAt returns the contract a step had in the given plan version.
func (x *execution) contractAt(stepID string, version int) (models.ActionContract, bool) {
	if p, ok := x.history.Get(version); ok {
		if s, ok := p.Step(stepID); ok {
			return *s, true
		}
	}
	if s, ok := x.plan.Step(stepID); ok {
		return *s, true
	}
	return models.ActionContract{}, false
}
