package executor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harrison/coordinator/internal/capability"
	"github.com/harrison/coordinator/internal/models"
	"github.com/harrison/coordinator/internal/retrospect"
)

// invocations records every capability call made through a registry.
type invocations struct {
	mu     sync.Mutex
	order  []string
	inputs map[string][]map[string]any
}

func newInvocations() *invocations {
	return &invocations{inputs: make(map[string][]map[string]any)}
}

// register installs fn under ref. fn receives the 1-based call number.
func (c *invocations) register(reg *capability.Registry, ref string, fn func(ctx context.Context, in map[string]any, call int) (capability.Result, error)) {
	reg.RegisterFunc(ref, func(ctx context.Context, in map[string]any) (capability.Result, error) {
		c.mu.Lock()
		c.order = append(c.order, ref)
		c.inputs[ref] = append(c.inputs[ref], models.CloneValues(in))
		call := len(c.inputs[ref])
		c.mu.Unlock()
		return fn(ctx, in, call)
	})
}

func (c *invocations) count(ref string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inputs[ref])
}

func (c *invocations) input(ref string, call int) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	calls := c.inputs[ref]
	if call < 1 || call > len(calls) {
		return nil
	}
	return calls[call-1]
}

func (c *invocations) sequence(refs ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keep := make(map[string]bool, len(refs))
	for _, r := range refs {
		keep[r] = true
	}
	var out []string
	for _, r := range c.order {
		if len(refs) == 0 || keep[r] {
			out = append(out, r)
		}
	}
	return out
}

func returns(outputs map[string]any) func(context.Context, map[string]any, int) (capability.Result, error) {
	return func(context.Context, map[string]any, int) (capability.Result, error) {
		return capability.Result{Outputs: models.CloneValues(outputs)}, nil
	}
}

// recordingLogger captures everything the coordinator reports.
type recordingLogger struct {
	mu            sync.Mutex
	batches       []Batch
	completed     int
	steps         []models.StepResult
	planChanges   [][2]int
	replays       []string
	escalations   []models.EscalationEvent
	compensations []models.CompensationRecord
	summary       *models.ExecutionResult
}

func (l *recordingLogger) LogBatchStart(batch Batch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batches = append(l.batches, batch)
}

func (l *recordingLogger) LogBatchComplete(Batch, time.Duration, []models.StepResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed++
}

func (l *recordingLogger) LogStepResult(r models.StepResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, r)
}

func (l *recordingLogger) LogPlanChange(from, to *models.Plan) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.planChanges = append(l.planChanges, [2]int{from.Version, to.Version})
}

func (l *recordingLogger) LogReplay(rootStep string, _ []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replays = append(l.replays, rootStep)
}

func (l *recordingLogger) LogEscalation(ev models.EscalationEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.escalations = append(l.escalations, ev)
}

func (l *recordingLogger) LogCompensation(rec models.CompensationRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.compensations = append(l.compensations, rec)
}

func (l *recordingLogger) LogSummary(res models.ExecutionResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary = &res
}

// lastError returns the error of the last reported result for a step.
func (l *recordingLogger) lastError(stepID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.steps) - 1; i >= 0; i-- {
		if l.steps[i].StepID == stepID && l.steps[i].Error != "" {
			return l.steps[i].Error
		}
	}
	return ""
}

// jsonPersister keeps a JSON copy of every checkpoint, the way a durable
// store would.
type jsonPersister struct {
	mu    sync.Mutex
	saved [][]byte
}

func (p *jsonPersister) Save(_ context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, data)
	return nil
}

func (p *jsonPersister) load(t *testing.T, i int) *Checkpoint {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Less(t, i, len(p.saved))
	var cp Checkpoint
	require.NoError(t, json.Unmarshal(p.saved[i], &cp))
	return &cp
}

func (p *jsonPersister) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saved)
}

// gatedChecker holds every retrospect until release is closed.
type gatedChecker struct {
	release <-chan struct{}
	inner   retrospect.Checker
}

func (g gatedChecker) Run(ctx context.Context, job models.RetrospectJob, target *models.Artifact) (bool, string, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
	return g.inner.Run(ctx, job, target)
}

type replannerFunc func(ctx context.Context, plan *models.Plan, stepID string, cause error) (*models.Patch, error)

func (f replannerFunc) Replan(ctx context.Context, plan *models.Plan, stepID string, cause error) (*models.Patch, error) {
	return f(ctx, plan, stepID, cause)
}

func newPlan(id string, steps []models.ActionContract, dag map[string][]string) *models.Plan {
	if dag == nil {
		dag = map[string][]string{}
	}
	return &models.Plan{
		ID:      id,
		Version: 1,
		Brief:   models.TaskBrief{Objective: "test " + id},
		Steps:   steps,
		DAG:     dag,
	}
}

func newCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
