package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/coordinator/internal/artifact"
	"github.com/harrison/coordinator/internal/budget"
	"github.com/harrison/coordinator/internal/capability"
	"github.com/harrison/coordinator/internal/compensation"
	"github.com/harrison/coordinator/internal/escalation"
	"github.com/harrison/coordinator/internal/gate"
	"github.com/harrison/coordinator/internal/lineage"
	"github.com/harrison/coordinator/internal/metrics"
	"github.com/harrison/coordinator/internal/models"
	"github.com/harrison/coordinator/internal/retrospect"
)

const (
	// DefaultMaxReplansPerStep bounds replanning of a single step.
	DefaultMaxReplansPerStep = 1
	// DefaultMaxReplays bounds retrospect-driven replays rooted at one step.
	DefaultMaxReplays = 2
)

// Options configures a Coordinator. Only Invoker is required.
type Options struct {
	Invoker           capability.Invoker
	Logger            Logger
	Sink              escalation.Sink
	Audit             AuditSink
	Persister         Persister
	Replanner         Replanner
	Metrics           *metrics.Metrics
	Checker           retrospect.Checker // Defaults to an ExprChecker over the run's artifacts
	MaxConcurrency    int
	Retry             RetryConfig
	MaxReplansPerStep int // 0 uses the default, negative disables replanning
	MaxReplays        int // 0 uses the default, negative disables replay
	Retrospect        retrospect.Config
}

// Coordinator executes plans batch by batch, recovering from failures with
// each step's declared policies and replaying invalidated sub-DAGs when a
// retrospect fails.
type Coordinator struct {
	opts      Options
	evaluator *gate.Evaluator

	mu        sync.Mutex
	histories map[string]*models.PlanHistory
}

// New creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Invoker == nil {
		return nil, errors.New("coordinator: invoker is required")
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.MaxReplansPerStep == 0 {
		opts.MaxReplansPerStep = DefaultMaxReplansPerStep
	}
	if opts.MaxReplays == 0 {
		opts.MaxReplays = DefaultMaxReplays
	}
	return &Coordinator{
		opts:      opts,
		evaluator: gate.NewEvaluator(),
		histories: make(map[string]*models.PlanHistory),
	}, nil
}

// ExecuteTask runs plan to completion. The returned result is populated
// even when an error is returned. The error is an *EscalatedError when any
// step escalated, or the context error on cancellation.
func (c *Coordinator) ExecuteTask(ctx context.Context, plan *models.Plan) (*models.ExecutionResult, error) {
	if plan == nil {
		return nil, errors.New("plan cannot be nil")
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if err := c.evaluator.ValidatePlan(plan); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", plan.ID, err)
	}
	history, err := models.NewPlanHistory(plan)
	if err != nil {
		return nil, err
	}
	c.remember(history)

	x := c.newExecution(history, newRunState(uuid.New().String(), plan),
		artifact.NewStore(), lineage.New(), budget.NewLedger(plan.Brief.Constraints.Budget))
	x.record(AuditRunStarted, "", plan.Brief.Objective, map[string]any{"steps": len(plan.Steps)})
	return x.execute(ctx)
}

// Resume continues the run captured by cp. Terminal retrospect jobs are
// restored as they were, pending ones are resubmitted, and failures that
// were never acted on are handled before the next batch.
func (c *Coordinator) Resume(ctx context.Context, cp *Checkpoint) (*models.ExecutionResult, error) {
	if cp == nil || len(cp.Plans) == 0 {
		return nil, errors.New("resume: checkpoint has no plan")
	}
	history, err := models.NewPlanHistory(cp.Plans[0])
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	for _, p := range cp.Plans[1:] {
		if err := history.Append(p); err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
	}
	graph, err := lineage.Restore(cp.Lineage)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	plan := history.Latest()
	rs := cp.Run
	if rs == nil {
		rs = newRunState(uuid.New().String(), plan)
	}
	rs.syncSteps(plan)
	rs.Version = plan.Version
	c.remember(history)

	x := c.newExecution(history, rs, artifact.Restore(cp.Artifacts), graph, budget.Restore(cp.Budget))
	for _, rec := range rs.Compensations {
		if rec.Success {
			x.comp.MarkCompensated(rec.ArtifactID)
		}
	}

	var unhandled []models.RetrospectJob
	for _, job := range cp.Jobs {
		if job.Terminal() {
			if err := x.retros.Load(job); err != nil {
				return nil, fmt.Errorf("resume: %w", err)
			}
			if job.Status == models.JobFail && x.store.IsValid(job.ArtifactID) {
				unhandled = append(unhandled, job)
			}
			continue
		}
		x.resubmit(job)
	}
	x.record(AuditRunStarted, "", "resumed from checkpoint", map[string]any{"version": plan.Version})
	for _, job := range unhandled {
		x.handleRetrospectFailure(ctx, job)
	}
	return x.execute(ctx)
}

// History returns the version history of a plan executed by this coordinator.
func (c *Coordinator) History(planID string) (*models.PlanHistory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.histories[planID]
	return h, ok
}

func (c *Coordinator) remember(h *models.PlanHistory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.histories[h.Latest().ID] = h
}

// execution is the state of one run. Every field is owned by the goroutine
// calling execute; step tasks only see immutable snapshots.
type execution struct {
	c       *Coordinator
	opts    Options
	plan    *models.Plan
	history *models.PlanHistory
	state   *RunState
	ledger  *budget.Ledger
	store   *artifact.Store
	graph   *lineage.Graph
	retros  *retrospect.Runner
	comp    *compensation.Manager
	batches *BatchExecutor
}

func (c *Coordinator) newExecution(history *models.PlanHistory, rs *RunState, store *artifact.Store, graph *lineage.Graph, ledger *budget.Ledger) *execution {
	x := &execution{
		c:       c,
		opts:    c.opts,
		plan:    history.Latest(),
		history: history,
		state:   rs,
		ledger:  ledger,
		store:   store,
		graph:   graph,
		batches: NewBatchExecutor(c.opts.MaxConcurrency, c.opts.Logger),
	}
	checker := c.opts.Checker
	if checker == nil {
		checker = &retrospect.ExprChecker{Evaluator: c.evaluator, Invoker: c.opts.Invoker, Artifacts: store}
	}
	x.retros = retrospect.NewRunner(checker, c.opts.Retrospect)
	m := c.opts.Metrics
	x.retros.SetObserver(func(job models.RetrospectJob) {
		m.RecordRetrospect(context.Background(), string(job.Status))
	})
	x.comp = compensation.NewManager(c.opts.Invoker, runSink{x}, nil)
	return x
}

// execute is the coordinator loop: drain retrospect failures, run the next
// ready batch, and wait for outstanding retrospects when nothing is ready.
func (x *execution) execute(ctx context.Context) (*models.ExecutionResult, error) {
	defer x.retros.Close()

	for {
		if err := ctx.Err(); err != nil {
			return x.finish(ctx, err)
		}
		x.handleRetrospectFailures(ctx)

		if ready := readySteps(x.plan, x.state, x.store.IsValid); len(ready) > 0 {
			x.runBatch(ctx, ready)
			x.checkpoint(ctx)
			continue
		}
		if len(x.retros.Pending()) == 0 {
			if failures := x.retros.DrainFailures(); len(failures) > 0 {
				for _, job := range failures {
					x.handleRetrospectFailure(ctx, job)
				}
				continue
			}
			break
		}
		if err := x.settle(ctx); err != nil {
			return x.finish(ctx, err)
		}
	}
	return x.finish(ctx, nil)
}

// settle blocks until every pending retrospect resolves or one fails.
func (x *execution) settle(ctx context.Context) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- x.retros.Settle(wctx) }()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	case <-x.retros.Failed():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *execution) runBatch(ctx context.Context, ready []string) {
	x.state.Batches++
	batch := Batch{
		Number:      x.state.Batches,
		Name:        fmt.Sprintf("Batch %d", x.state.Batches),
		PlanVersion: x.plan.Version,
		StepIDs:     ready,
	}
	x.record(AuditBatchStarted, "", batch.Name, map[string]any{"steps": ready})

	tasks := make([]*stepTask, 0, len(ready))
	var unresolved []stepOutcome
	for _, id := range ready {
		task, serr := x.newTask(id)
		if serr != nil {
			step, _ := x.plan.Step(id)
			unresolved = append(unresolved, stepOutcome{StepID: id, PlanVersion: x.plan.Version, Capability: step.Capability, Err: serr})
			continue
		}
		tasks = append(tasks, task)
	}

	start := time.Now()
	outcomes, launched := x.batches.Run(ctx, batch, tasks)
	outcomes = append(unresolved, outcomes...)

	results := make([]models.StepResult, 0, len(outcomes))
	for _, o := range outcomes {
		x.applyOutcome(ctx, o)
		results = append(results, x.stepResult(o.StepID))
	}
	if launched && x.opts.Logger != nil {
		x.opts.Logger.LogBatchComplete(batch, time.Since(start), results)
	}
}

// newTask snapshots everything a step needs and reserves its cost estimate,
// so steps of one batch see each other's holds. A refused reservation
// surfaces as a budget gate failure. Unresolvable input references are a
// precondition failure.
func (x *execution) newTask(id string) (*stepTask, *StepError) {
	step, ok := x.plan.Step(id)
	if !ok {
		return nil, NewStepError(PreconditionFailure, id, x.plan.Version, "step not in plan", nil)
	}
	contract := step.Clone()
	inputs, err := models.ResolveMap(contract.Inputs, x.lookupRef)
	if err != nil {
		return nil, NewStepError(PreconditionFailure, id, x.plan.Version, "resolve inputs", err)
	}

	remaining, costLimited := x.ledger.CostRemaining()
	timeRemaining := time.Duration(-1)
	if left, limited := x.ledger.TimeRemaining(); limited {
		timeRemaining = left
	}
	jobs := make(map[string]string, len(x.state.Jobs))
	for k, v := range x.state.Jobs {
		jobs[k] = v
	}
	var reserved float64
	if x.ledger.Reserve(id, contract.CostEstimate.USD) {
		reserved = max(contract.CostEstimate.USD, 0)
	}

	return &stepTask{
		planID:        x.plan.ID,
		version:       x.plan.Version,
		step:          contract,
		inputs:        inputs,
		retroJobs:     jobs,
		costRemaining: gate.Unlimited(remaining, costLimited),
		costLimited:   costLimited,
		timeRemaining: timeRemaining,
		hasBudgetCap:  costLimited || timeRemaining >= 0,
		budget:        x.ledger,
		reserved:      reserved,
		invoker:       x.opts.Invoker,
		evaluator:     x.c.evaluator,
		retros:        x.retros,
		retry:         x.opts.Retry,
	}, nil
}

func (x *execution) lookupRef(r models.Ref) (any, error) {
	if r.Step == models.RefBrief {
		v, ok := models.LookupPath(x.plan.Brief.Inputs, r.Path)
		if !ok {
			return nil, fmt.Errorf("brief has no input %s", r)
		}
		return v, nil
	}
	st, ok := x.state.Steps[r.Step]
	if !ok || st.Status != models.StepCompleted {
		return nil, fmt.Errorf("reference %s: step %s has not completed", r, r.Step)
	}
	a, ok := x.store.Get(st.ArtifactID)
	if !ok || !x.store.IsValid(a.ID) {
		return nil, fmt.Errorf("reference %s: artifact of step %s is not valid", r, r.Step)
	}
	v, ok := models.LookupPath(a.Value, r.Path)
	if !ok {
		return nil, fmt.Errorf("reference %s: no such field", r)
	}
	return v, nil
}

// applyOutcome folds one step outcome into the run state.
func (x *execution) applyOutcome(ctx context.Context, o stepOutcome) {
	st := x.state.step(o.StepID)
	st.Attempts += o.Invocations
	st.CostUSD += o.CostUSD
	st.Duration += o.Duration
	x.ledger.Settle(o.StepID, o.CostUSD)
	x.state.Metrics.Invocations += o.Invocations
	x.state.Metrics.Retries += o.Retries
	x.opts.Metrics.RecordRetries(ctx, o.Retries)

	if o.NotStarted {
		return
	}
	if o.ok() {
		x.materialize(ctx, o)
		return
	}

	x.setFailure(o.Err)
	if o.Deferred {
		st.Deferred = true
		x.record(AuditStepDeferred, o.StepID, o.Err.Message, nil)
		x.logStep(o.StepID)
		return
	}
	if ctx.Err() != nil {
		return
	}
	x.opts.Metrics.RecordStepFailed(ctx, o.Err.Kind.String(), o.Duration, o.CostUSD)
	x.record(AuditStepFailed, o.StepID, st.Error, map[string]any{"kind": o.Err.Kind.String(), "attempts": o.Invocations})
	x.decide(ctx, o)
	x.logStep(o.StepID)
}

// materialize stores a successful outcome as an artifact, records its
// lineage and submits the step's retrospects.
func (x *execution) materialize(ctx context.Context, o stepOutcome) {
	st := x.state.step(o.StepID)
	parents := x.parentArtifacts(o.StepID)
	a, err := x.store.Put(o.StepID, o.PlanVersion, o.Value, parents)
	if err == nil {
		x.graph.AddNode(a.ID, a.StepID)
		err = x.graph.AddEdge(a.ID, parents)
	}
	if err != nil {
		o.Err = NewStepError(ExecutionFailure, o.StepID, o.PlanVersion, "store artifact", err)
		x.setFailure(o.Err)
		x.record(AuditStepFailed, o.StepID, st.Error, map[string]any{"kind": o.Err.Kind.String()})
		x.decide(ctx, o)
		x.logStep(o.StepID)
		return
	}

	st.Status = models.StepCompleted
	st.ArtifactID = a.ID
	st.PlanVersion = o.PlanVersion
	st.Executions++
	st.Error = ""
	st.Failure = nil
	st.Deferred = false
	x.state.Executions[o.StepID] = append(x.state.Executions[o.StepID], a.ID)
	x.opts.Metrics.RecordStepExecuted(ctx, o.Capability, o.Duration, o.CostUSD)
	x.record(AuditStepCompleted, o.StepID, "", map[string]any{"artifact_id": a.ID, "cost_usd": o.CostUSD})

	step, _ := x.plan.Step(o.StepID)
	for _, spec := range step.Retrospects {
		jobID, err := x.retros.Submit(spec, a)
		if err != nil {
			x.record(AuditRetrospectFailed, o.StepID, err.Error(), map[string]any{"retrospect": spec.ID})
			continue
		}
		x.state.Jobs[spec.ID] = jobID
		x.state.Metrics.Retrospects++
		x.record(AuditRetrospectQueued, o.StepID, spec.ID, map[string]any{"job_id": jobID, "artifact_id": a.ID})
	}
	x.logStep(o.StepID)
}

// resubmit restarts a job that was pending when the checkpoint was taken.
func (x *execution) resubmit(job models.RetrospectJob) {
	a, ok := x.store.Get(job.ArtifactID)
	if !ok || !x.store.IsValid(a.ID) {
		return
	}
	owner, ok := x.plan.Step(job.StepID)
	if !ok {
		return
	}
	spec, ok := owner.Retrospect(job.SpecID)
	if !ok {
		return
	}
	id, err := x.retros.Submit(spec, a)
	if err != nil {
		return
	}
	if x.state.Jobs[spec.ID] == job.ID {
		x.state.Jobs[spec.ID] = id
	}
}

// parentArtifacts returns the current artifacts of the step's dependencies
// and of every step its inputs reference.
func (x *execution) parentArtifacts(stepID string) []string {
	step, _ := x.plan.Step(stepID)
	seen := make(map[string]bool)
	var parents []string
	add := func(id string) {
		st, ok := x.state.Steps[id]
		if !ok || st.ArtifactID == "" || seen[st.ArtifactID] {
			return
		}
		seen[st.ArtifactID] = true
		parents = append(parents, st.ArtifactID)
	}
	for _, dep := range x.plan.Dependencies(stepID) {
		add(dep)
	}
	if step != nil {
		for _, ref := range models.RefSteps(step.Inputs) {
			add(ref)
		}
	}
	return parents
}

// applyPatch moves the run to the next plan version.
func (x *execution) applyPatch(ctx context.Context, patch models.Patch, cause string) error {
	next, err := x.plan.ApplyPatch(patch)
	if err != nil {
		return err
	}
	if err := x.history.Append(next); err != nil {
		return err
	}
	prev := x.plan
	x.plan = next
	x.state.Version = next.Version
	x.state.Versions = append(x.state.Versions, next.Version)
	x.state.syncSteps(next)
	if cause == "replan" {
		x.state.Metrics.Replans++
	}
	x.opts.Metrics.RecordPlanVersion(ctx, cause)
	x.record(AuditPlanChanged, patch.StepID, next.Change, map[string]any{"from": prev.Version, "to": next.Version, "cause": cause})
	if x.opts.Logger != nil {
		x.opts.Logger.LogPlanChange(prev, next)
	}
	return nil
}

func (x *execution) checkpoint(ctx context.Context) {
	if x.opts.Persister == nil {
		return
	}
	if err := x.opts.Persister.Save(context.WithoutCancel(ctx), x.snapshot()); err != nil {
		x.record(AuditCheckpointFailed, "", err.Error(), nil)
	}
}

func (x *execution) snapshot() *Checkpoint {
	versions := x.history.Versions()
	plans := make([]*models.Plan, 0, len(versions))
	for _, v := range versions {
		if p, ok := x.history.Get(v); ok {
			plans = append(plans, p)
		}
	}
	return &Checkpoint{
		PlanID:    x.plan.ID,
		Version:   x.plan.Version,
		Plans:     plans,
		Run:       x.state,
		Budget:    x.ledger.Snapshot(),
		Artifacts: x.store.Snapshot(),
		Lineage:   x.graph.Snapshot(),
		Jobs:      x.retros.Jobs(),
		SavedAt:   time.Now(),
	}
}

func (x *execution) record(kind, stepID, msg string, fields map[string]any) {
	ev := x.state.audit(kind, stepID, msg, fields)
	if x.opts.Audit != nil {
		x.opts.Audit.Record(ev)
	}
}

// setFailure records err as the latest failure of its step.
func (x *execution) setFailure(err *StepError) {
	st := x.state.step(err.StepID)
	st.Failure = err
	st.Error = err.Error()
}

func (x *execution) logStep(id string) {
	if x.opts.Logger != nil {
		x.opts.Logger.LogStepResult(x.stepResult(id))
	}
}

func (x *execution) stepResult(id string) models.StepResult {
	st := x.state.step(id)
	res := models.StepResult{
		StepID:      id,
		Status:      st.Status,
		ArtifactID:  st.ArtifactID,
		PlanVersion: st.PlanVersion,
		Attempts:    st.Attempts,
		Executions:  st.Executions,
		CostUSD:     st.CostUSD,
		Duration:    st.Duration,
		Error:       st.Error,
	}
	if st.Failure != nil {
		res.Err = st.Failure
	}
	if step, ok := x.plan.Step(id); ok {
		res.Capability = step.Capability
	}
	return res
}

// finish settles leftover steps, runs acceptance tests and builds the result.
func (x *execution) finish(ctx context.Context, runErr error) (*models.ExecutionResult, error) {
	if runErr != nil {
		// persisted before pending steps are cancelled so Resume picks them up
		x.checkpoint(ctx)
	}
	for _, s := range x.plan.Steps {
		st := x.state.step(s.ID)
		switch st.Status {
		case models.StepPending:
			if runErr != nil {
				st.Status = models.StepCancelled
			} else {
				st.Status = models.StepBlocked
			}
		case models.StepInvalidated:
			st.Status = models.StepBlocked
		}
	}

	res := &models.ExecutionResult{
		RunID:         x.state.RunID,
		Plan:          x.plan,
		Versions:      append([]int(nil), x.state.Versions...),
		Artifacts:     make(map[string]*models.Artifact),
		Escalations:   append([]models.EscalationEvent(nil), x.state.Escalations...),
		Compensations: append([]models.CompensationRecord(nil), x.state.Compensations...),
	}
	allCompleted := true
	var escalated []string
	for _, s := range x.plan.Steps {
		st := x.state.step(s.ID)
		res.Steps = append(res.Steps, x.stepResult(s.ID))
		switch st.Status {
		case models.StepCompleted:
			if a, ok := x.store.Get(st.ArtifactID); ok && x.store.IsValid(a.ID) {
				res.Artifacts[s.ID] = a
			}
		case models.StepBlocked:
			res.Blocked = append(res.Blocked, s.ID)
		case models.StepEscalated:
			escalated = append(escalated, s.ID)
		}
		if st.Status != models.StepCompleted {
			allCompleted = false
		}
	}

	if allCompleted {
		res.Acceptance = x.acceptance(res.Artifacts)
	}
	res.Success = allCompleted && runErr == nil
	for _, a := range res.Acceptance {
		if !a.Passed {
			res.Success = false
		}
	}
	if x.ledger.Overspent() {
		res.Success = false
	}

	x.state.Metrics.CostUSD = x.ledger.Spent()
	x.state.Metrics.Duration = x.ledger.Elapsed()
	res.Metrics = x.state.Metrics

	x.record(AuditRunCompleted, "", "", map[string]any{"success": res.Success, "version": x.plan.Version})
	if runErr == nil {
		x.checkpoint(ctx)
	}
	if x.opts.Logger != nil {
		x.opts.Logger.LogSummary(*res)
	}

	if runErr != nil {
		return res, runErr
	}
	if len(escalated) > 0 {
		return res, &EscalatedError{
			PlanID:      x.plan.ID,
			PlanVersion: x.plan.Version,
			Steps:       escalated,
			Events:      res.Escalations,
		}
	}
	return res, nil
}

// acceptance evaluates the brief's acceptance tests over the final
// artifacts. Each step's value is bound under its id, and output fields are
// merged at top level in topological order. Required outputs must be
// present in the merged outputs.
func (x *execution) acceptance(final map[string]*models.Artifact) []models.AcceptanceResult {
	order, err := x.plan.TopologicalOrder()
	if err != nil {
		order = nil
	}
	merged := make(map[string]any)
	bySteps := make(map[string]any, len(final))
	for _, id := range order {
		a, ok := final[id]
		if !ok {
			continue
		}
		bySteps[id] = a.Value
		for k, v := range a.Value {
			merged[k] = v
		}
	}

	remaining, limited := x.ledger.CostRemaining()
	timeLeft := math.Inf(1)
	if left, ok := x.ledger.TimeRemaining(); ok {
		timeLeft = left.Seconds()
	}
	env := gate.View{
		Inputs:        x.plan.Brief.Inputs,
		Outputs:       merged,
		CostRemaining: gate.Unlimited(remaining, limited),
		TimeRemaining: timeLeft,
		Extra:         bySteps,
	}.Env()

	var results []models.AcceptanceResult
	for i, test := range x.plan.Brief.AcceptanceTests {
		name := test.Name
		if name == "" {
			name = fmt.Sprintf("acceptance_%d", i+1)
		}
		r := models.AcceptanceResult{Name: name}
		ok, err := x.c.evaluator.Check(test.Expr, env)
		switch {
		case err != nil:
			r.Reason = err.Error()
		case !ok:
			r.Reason = fmt.Sprintf("%q evaluated false", test.Expr)
		default:
			r.Passed = true
		}
		results = append(results, r)
	}

	names := make([]string, 0, len(x.plan.Brief.RequiredOutputs))
	for name := range x.plan.Brief.RequiredOutputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := models.AcceptanceResult{Name: "required_output:" + name}
		if _, ok := merged[name]; ok {
			r.Passed = true
		} else {
			r.Reason = "missing from final outputs"
		}
		results = append(results, r)
	}
	return results
}
