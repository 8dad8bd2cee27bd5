package executor

import (
	"context"
	"fmt"

	"github.com/harrison/coordinator/internal/escalation"
	"github.com/harrison/coordinator/internal/models"
)

// decide applies the recovery decision tree to a step whose task failed.
// In-step retries have already run by the time an outcome reaches here.
//
// Decision matrix:
// | Failure                        | Action                                        |
// |--------------------------------|-----------------------------------------------|
// | gate, on_fail retry            | escalate with the step's escalation spec      |
// | gate, on_fail replan           | apply the gate's patch or ask the Replanner   |
// | gate, on_fail cancel           | cancel the step and block its descendants     |
// | gate, on_fail escalate         | escalate with the gate's severity and notify  |
// | anything else, alternate left  | rebind the step to the next alternate         |
// | anything else, replans left    | apply the Replanner's or the declared patch   |
// | anything else                  | escalate, block descendants                   |
func (x *execution) decide(ctx context.Context, o stepOutcome) {
	step, ok := x.plan.Step(o.StepID)
	if !ok {
		return
	}
	st := x.state.step(o.StepID)

	if o.FailedGate != nil && o.FailedGate.OnFail != nil {
		switch p := o.FailedGate.OnFail.(type) {
		case models.ReplanPolicy:
			if x.replan(ctx, step, st, p.Patch, o.Err) {
				return
			}
		case models.CancelPolicy:
			reason := p.Reason
			if reason == "" {
				reason = o.Err.Error()
			}
			x.cancel(o.StepID, reason)
			return
		case models.EscalatePolicy:
			x.escalate(ctx, o.StepID, models.EscalationSpec{Severity: p.Severity, Notify: p.Notify, Message: p.Message}, o.Err)
			return
		}
		x.escalate(ctx, o.StepID, step.Escalation, o.Err)
		return
	}

	if x.nextAlternate(ctx, step, st) {
		return
	}
	if x.replan(ctx, step, st, nil, o.Err) {
		return
	}
	x.escalate(ctx, o.StepID, step.Escalation, o.Err)
}

func (x *execution) nextAlternate(ctx context.Context, step *models.ActionContract, st *StepState) bool {
	alts := step.Alternates()
	if st.AlternatesUsed >= len(alts) {
		return false
	}
	alt := alts[st.AlternatesUsed]
	st.AlternatesUsed++
	capability := alt.Capability
	if capability == "" {
		capability = step.Capability
	}
	patch := models.Patch{
		StepID:     step.ID,
		Capability: capability,
		Params:     models.CloneValues(alt.Params),
		Reason:     fmt.Sprintf("alternate %d for step %s: %s", st.AlternatesUsed, step.ID, capability),
	}
	if err := x.applyPatch(ctx, patch, "alternate"); err != nil {
		x.record(AuditPlanChanged, step.ID, "alternate rejected: "+err.Error(), nil)
		return false
	}
	x.reset(step.ID)
	return true
}

// replan applies patch, or a proposal from the Replanner, or the step's
// declared replan patch, in that order. It is bounded per step.
func (x *execution) replan(ctx context.Context, step *models.ActionContract, st *StepState, patch *models.Patch, cause error) bool {
	if x.opts.MaxReplansPerStep < 0 || st.Replans >= x.opts.MaxReplansPerStep {
		return false
	}
	if patch == nil && x.opts.Replanner != nil {
		proposed, err := x.opts.Replanner.Replan(ctx, x.plan.Clone(), step.ID, cause)
		if err != nil {
			x.record(AuditPlanChanged, step.ID, "replanner failed: "+err.Error(), nil)
		}
		patch = proposed
	}
	if patch == nil {
		patch = step.Replan
	}
	if patch == nil {
		return false
	}

	p := patch.Clone()
	if p.StepID == "" {
		p.StepID = step.ID
	}
	if p.Reason == "" {
		p.Reason = fmt.Sprintf("replan step %s", step.ID)
	}
	st.Replans++
	if err := x.applyPatch(ctx, p, "replan"); err != nil {
		x.record(AuditPlanChanged, step.ID, "replan rejected: "+err.Error(), nil)
		return false
	}
	x.reset(step.ID)
	if p.StepID != step.ID {
		x.reset(p.StepID)
	}
	return true
}

// reset returns a step to pending so the next batch picks it up.
func (x *execution) reset(id string) {
	st := x.state.step(id)
	st.Status = models.StepPending
	st.ArtifactID = ""
	st.Deferred = false
}

func (x *execution) cancel(id, reason string) {
	x.state.step(id).Status = models.StepCancelled
	x.record(AuditCancelled, id, reason, nil)
	x.blockDescendants(id)
}

// escalate emits an event for the step, marks it escalated and blocks every
// descendant that has not completed. Independent branches keep running.
func (x *execution) escalate(ctx context.Context, id string, spec models.EscalationSpec, cause error) {
	x.emit(ctx, x.event(id, spec, fmt.Sprintf("step %s escalated", id), cause))
	x.halt(id)
}

// halt marks a step escalated without emitting an event.
func (x *execution) halt(id string) {
	x.state.step(id).Status = models.StepEscalated
	x.blockDescendants(id)
}

func (x *execution) blockDescendants(id string) {
	for d := range x.plan.Descendants(id) {
		st := x.state.step(d)
		switch st.Status {
		case models.StepPending, models.StepInvalidated:
			st.Status = models.StepBlocked
			st.Deferred = false
		}
	}
}

func (x *execution) event(stepID string, spec models.EscalationSpec, fallback string, cause error) models.EscalationEvent {
	sev := spec.Severity
	if sev == "" {
		sev = models.SeverityS2
	}
	msg := spec.Message
	if msg == "" {
		msg = fallback
	}
	ev := escalation.NewEvent(sev, spec.Notify, msg, x.plan.ID, x.plan.Version, stepID)
	if cause != nil {
		ev.Cause = cause.Error()
	}
	return ev
}

// emit records an escalation and delivers it to the configured sink.
func (x *execution) emit(ctx context.Context, ev models.EscalationEvent) {
	x.state.Escalations = append(x.state.Escalations, ev)
	x.record(AuditEscalation, ev.StepID, ev.Message, map[string]any{"severity": string(ev.Severity), "event_id": ev.ID})
	x.opts.Metrics.RecordEscalation(ctx, string(ev.Severity))
	if x.opts.Logger != nil {
		x.opts.Logger.LogEscalation(ev)
	}
	if x.opts.Sink == nil {
		return
	}
	if err := x.opts.Sink.Emit(context.WithoutCancel(ctx), ev); err != nil {
		x.record(AuditEscalation, ev.StepID, "delivery failed: "+err.Error(), map[string]any{"event_id": ev.ID})
	}
}

// runSink routes events raised by collaborators through the run.
type runSink struct{ x *execution }

func (s runSink) Emit(ctx context.Context, ev models.EscalationEvent) error {
	s.x.emit(ctx, ev)
	return nil
}
