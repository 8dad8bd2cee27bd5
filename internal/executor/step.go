package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/harrison/coordinator/internal/capability"
	"github.com/harrison/coordinator/internal/gate"
	"github.com/harrison/coordinator/internal/metrics"
	"github.com/harrison/coordinator/internal/models"
)

// RetryConfig bounds in-step retries.
type RetryConfig struct {
	MaxAttempts int           // Attempts for retry policies that declare none
	Backoff     time.Duration // Initial backoff for policies that declare none
	MaxBackoff  time.Duration // Cap on exponential backoff
}

// retroWaiter is the part of the retrospect runner a step task may use.
type retroWaiter interface {
	Wait(ctx context.Context, ids ...string) ([]models.RetrospectJob, error)
	RetroGreen(id string) bool
}

// costHold is the part of the budget ledger a step task may use.
type costHold interface {
	Reserve(stepID string, costUSD float64) bool
}

// stepTask is a snapshot of everything one step execution needs. It runs
// on its own goroutine and reports a stepOutcome; only reserved changes
// while it runs.
type stepTask struct {
	planID        string
	version       int
	step          models.ActionContract
	inputs        map[string]any
	retroJobs     map[string]string // retrospect spec id -> job id
	costRemaining float64           // Before this step's reservation, +Inf when unlimited
	costLimited   bool
	timeRemaining time.Duration // <0 when unlimited
	hasBudgetCap  bool
	budget        costHold // nil when nothing is reserved
	reserved      float64  // USD held in budget for this step

	invoker   capability.Invoker
	evaluator *gate.Evaluator
	retros    retroWaiter
	retry     RetryConfig
}

// stepOutcome is what a step task reports to the coordinator.
type stepOutcome struct {
	StepID      string
	PlanVersion int
	Capability  string
	Value       map[string]any
	CostUSD     float64
	Invocations int
	Retries     int
	Duration    time.Duration
	Err         *StepError
	FailedGate  *models.Gate // Gate whose on_fail policy applies
	Deferred    bool         // A required retrospect failed; wait for its replay
	NotStarted  bool         // Cancelled before launch
}

func (o stepOutcome) ok() bool { return o.Err == nil && !o.NotStarted }

// attemptResult is the outcome of one pass through the step pipeline.
type attemptResult struct {
	value    map[string]any
	err      *StepError
	gate     *models.Gate
	deferred bool
}

func (t *stepTask) run(ctx context.Context) (out stepOutcome) {
	out = stepOutcome{StepID: t.step.ID, PlanVersion: t.version, Capability: t.step.Capability}
	start := time.Now()
	ctx, span := metrics.StartStepSpan(ctx, t.planID, t.version, t.step.ID, t.step.Capability)
	defer func() {
		out.Duration = time.Since(start)
		var err error
		if out.Err != nil {
			err = out.Err
		}
		metrics.EndSpan(span, err)
	}()

	stepRetry, hasRetry := t.step.RetryPolicy()
	for attempt := 1; ; attempt++ {
		res := t.attempt(ctx, &out)
		if res.err == nil {
			out.Value = res.value
			return out
		}

		policy, limit, retryable := stepRetry, t.maxAttempts(stepRetry), hasRetry && res.err.Kind.Retryable()
		if res.gate != nil && res.gate.OnFail != nil {
			rp, ok := res.gate.OnFail.(models.RetryPolicy)
			if !ok {
				out.Err, out.FailedGate = res.err, res.gate
				return out
			}
			policy, limit, retryable = rp, t.maxAttempts(rp), true
		}
		if res.deferred || !retryable || attempt >= limit || ctx.Err() != nil {
			out.Err, out.FailedGate, out.Deferred = res.err, res.gate, res.deferred
			return out
		}

		select {
		case <-time.After(t.backoff(policy, attempt)):
		case <-ctx.Done():
			out.Err, out.FailedGate = res.err, res.gate
			return out
		}
		out.Retries++
	}
}

func (t *stepTask) maxAttempts(p models.RetryPolicy) int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	if t.retry.MaxAttempts > 0 {
		return t.retry.MaxAttempts
	}
	return 1
}

// backoff doubles per attempt from the policy's base, capped at MaxBackoff.
func (t *stepTask) backoff(p models.RetryPolicy, attempt int) time.Duration {
	base := p.Backoff
	if base <= 0 {
		base = t.retry.Backoff
	}
	if base <= 0 {
		return 0
	}
	d := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if t.retry.MaxBackoff > 0 && d > t.retry.MaxBackoff {
		d = t.retry.MaxBackoff
	}
	return d
}

func (t *stepTask) fail(kind FailureKind, msg string, err error) attemptResult {
	return attemptResult{err: NewStepError(kind, t.step.ID, t.version, msg, err)}
}

func (t *stepTask) gateFail(g models.Gate, reason string) attemptResult {
	se := NewStepError(GateFailure, t.step.ID, t.version, reason, nil)
	se.Gate = g.Type
	gc := g
	return attemptResult{err: se, gate: &gc}
}

func (t *stepTask) view(spent float64) gate.View {
	remaining := t.costRemaining
	if t.costLimited {
		remaining = math.Max(0, remaining-spent)
	}
	timeLeft := math.Inf(1)
	if t.timeRemaining >= 0 {
		timeLeft = t.timeRemaining.Seconds()
	}
	jobs := t.retroJobs
	retros := t.retros
	return gate.View{
		Inputs:        t.inputs,
		CostRemaining: remaining,
		TimeRemaining: timeLeft,
		CostEstimate:  t.step.CostEstimate.USD,
		LatencyBudget: t.step.LatencyBudgetSec,
		RetroGreen: func(id string) bool {
			jid, ok := jobs[id]
			return ok && retros != nil && retros.RetroGreen(jid)
		},
	}
}

// attempt runs preconditions, the retrospect wait, promotion gates, the
// invocation and every post-execution check once.
func (t *stepTask) attempt(ctx context.Context, out *stepOutcome) attemptResult {
	if err := ctx.Err(); err != nil {
		return t.fail(ExecutionFailure, "cancelled before start", err)
	}
	view := t.view(out.CostUSD)

	for _, g := range t.step.GatesOf(models.GatePrecondition) {
		if r := t.evaluator.Evaluate(g, view); !r.Passed {
			return t.gateFail(g, r.Reason)
		}
	}
	if ok, reason := t.evaluator.CheckAll(t.step.Preconditions, view.Env()); !ok {
		return t.fail(PreconditionFailure, reason, nil)
	}

	budgetGates := t.step.GatesOf(models.GateBudget)
	if t.hasBudgetCap {
		budgetGates = append([]models.Gate{{Type: models.GateBudget, Assertion: implicitBudgetAssertion(t.costLimited, t.timeRemaining >= 0)}}, budgetGates...)
	}
	for _, g := range budgetGates {
		if r := t.evaluator.Evaluate(g, view); !r.Passed {
			return t.gateFail(g, r.Reason)
		}
	}
	if !t.holdEstimate(out.CostUSD) {
		g := models.Gate{Type: models.GateBudget, Assertion: gate.DefaultBudgetAssertion}
		return t.gateFail(g, fmt.Sprintf("cost estimate %.4f does not fit in the unreserved budget", t.step.CostEstimate.USD))
	}

	if res, blocked := t.awaitRetrospects(ctx); blocked {
		return res
	}

	// promotion gates run last, immediately before side effects
	for _, g := range t.step.GatesOf(models.GatePromotion) {
		if r := t.evaluator.Evaluate(g, view); !r.Passed {
			return t.gateFail(g, r.Reason)
		}
	}

	outputs, err := t.invoke(ctx, out)
	if err != nil {
		return t.fail(ExecutionFailure, fmt.Sprintf("invoke %s", t.step.Capability), err)
	}

	for name := range t.step.Outputs {
		if _, ok := outputs[name]; !ok {
			return t.fail(PostconditionFailure, fmt.Sprintf("declared output %q missing", name), nil)
		}
	}

	view.Outputs = outputs
	env := view.Env()
	if ok, reason := t.evaluator.CheckAll(t.step.Postconditions, env); !ok {
		return t.fail(PostconditionFailure, reason, nil)
	}
	for _, g := range t.step.GatesOf(models.GatePostcondition) {
		if r := t.evaluator.Evaluate(g, view); !r.Passed {
			return t.gateFail(g, r.Reason)
		}
	}
	for _, v := range t.step.Validators {
		ok, err := t.evaluator.Check(v.Expr, env)
		if err != nil {
			return t.fail(ValidatorFailure, fmt.Sprintf("validator %s", v.Name), err)
		}
		if !ok {
			return t.fail(ValidatorFailure, fmt.Sprintf("validator %s: %q evaluated false", v.Name, v.Expr), nil)
		}
	}
	if t.step.ConfidenceFloor > 0 {
		if c, ok := toFloat(outputs["confidence"]); ok && c < t.step.ConfidenceFloor {
			return t.fail(ValidatorFailure, fmt.Sprintf("confidence %.3f below floor %.3f", c, t.step.ConfidenceFloor), nil)
		}
	}
	return attemptResult{value: outputs}
}

// awaitRetrospects blocks until every requires_retro_green job resolves.
// A failed job defers the step without invoking it.
func (t *stepTask) awaitRetrospects(ctx context.Context) (attemptResult, bool) {
	for _, id := range t.step.RequiresRetroGreen {
		jid, ok := t.retroJobs[id]
		if !ok || t.retros == nil {
			return t.fail(PreconditionFailure, fmt.Sprintf("retrospect %s was never submitted", id), nil), true
		}
		jobs, err := t.retros.Wait(ctx, jid)
		if err != nil {
			return t.fail(ExecutionFailure, fmt.Sprintf("waiting for retrospect %s", id), err), true
		}
		if jobs[0].Status != models.JobOK {
			se := NewStepError(GateFailure, t.step.ID, t.version,
				fmt.Sprintf("required retrospect %s failed: %s", id, jobs[0].Reason), nil)
			se.Gate = models.GatePromotion
			return attemptResult{err: se, deferred: true}, true
		}
	}
	return attemptResult{}, false
}

// holdEstimate makes sure the budget holds one more cost estimate on top of
// what the step already spent.
func (t *stepTask) holdEstimate(spent float64) bool {
	need := spent + t.step.CostEstimate.USD - t.reserved
	if t.budget == nil || need <= 0 {
		return true
	}
	if !t.budget.Reserve(t.step.ID, need) {
		return false
	}
	t.reserved += need
	return true
}

func (t *stepTask) invoke(ctx context.Context, out *stepOutcome) (map[string]any, error) {
	timeout := t.step.LatencyBudget()
	if t.timeRemaining > 0 && (timeout <= 0 || t.timeRemaining < timeout) {
		timeout = t.timeRemaining
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := t.invoker.Invoke(callCtx, t.step.Capability, models.CloneValues(t.inputs))
	out.Invocations++
	cost := res.CostUSD
	if cost <= 0 {
		cost = t.step.CostEstimate.USD
	}
	out.CostUSD += cost

	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, NewTimeoutError(t.step.ID, timeout)
		}
		return nil, err
	}
	if ctx.Err() == nil && callCtx.Err() != nil {
		return nil, NewTimeoutError(t.step.ID, timeout)
	}
	return res.Outputs, nil
}

func implicitBudgetAssertion(costCap, timeCap bool) string {
	switch {
	case costCap && timeCap:
		return gate.DefaultBudgetAssertion + " && budget.time_remaining_sec > 0"
	case timeCap:
		return "budget.time_remaining_sec > 0"
	default:
		return gate.DefaultBudgetAssertion
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
