package executor

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/harrison/coordinator/internal/capability"
	"github.com/harrison/coordinator/internal/gate"
	"github.com/harrison/coordinator/internal/models"
)

func newTestTask(invoker capability.Invoker, step models.ActionContract) *stepTask {
	return &stepTask{
		planID:        "p",
		version:       1,
		step:          step,
		inputs:        models.CloneValues(step.Inputs),
		retroJobs:     map[string]string{},
		costRemaining: math.Inf(1),
		timeRemaining: -1,
		invoker:       invoker,
		evaluator:     gate.NewEvaluator(),
	}
}

type concurrencyInvoker struct {
	mu       sync.Mutex
	current  int
	maxSeen  int
	duration time.Duration
}

func (c *concurrencyInvoker) Invoke(ctx context.Context, ref string, inputs map[string]any) (capability.Result, error) {
	c.mu.Lock()
	c.current++
	if c.current > c.maxSeen {
		c.maxSeen = c.current
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(c.duration):
	}

	c.mu.Lock()
	c.current--
	c.mu.Unlock()
	return capability.Result{Outputs: map[string]any{"ref": ref}}, nil
}

func TestBatchExecutor_RespectsMaxConcurrency(t *testing.T) {
	inv := &concurrencyInvoker{duration: 25 * time.Millisecond}
	var tasks []*stepTask
	for _, id := range []string{"a", "b", "c", "d"} {
		tasks = append(tasks, newTestTask(inv, models.ActionContract{ID: id, Capability: "work"}))
	}

	b := NewBatchExecutor(2, nil)
	outcomes, launched := b.Run(context.Background(), Batch{Number: 1, Name: "Batch 1"}, tasks)

	if !launched {
		t.Fatal("expected tasks to launch")
	}
	if len(outcomes) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(outcomes))
	}
	if inv.maxSeen > 2 {
		t.Errorf("max concurrency exceeded: saw %d concurrent invocations", inv.maxSeen)
	}
}

func TestBatchExecutor_OutcomesInBatchOrder(t *testing.T) {
	reg := capability.NewRegistry()
	reg.RegisterFunc("slow", func(ctx context.Context, in map[string]any) (capability.Result, error) {
		time.Sleep(30 * time.Millisecond)
		return capability.Result{Outputs: map[string]any{"n": 1}}, nil
	})
	reg.RegisterFunc("fast", func(ctx context.Context, in map[string]any) (capability.Result, error) {
		return capability.Result{Outputs: map[string]any{"n": 2}}, nil
	})
	tasks := []*stepTask{
		newTestTask(reg, models.ActionContract{ID: "first", Capability: "slow"}),
		newTestTask(reg, models.ActionContract{ID: "second", Capability: "fast"}),
	}

	outcomes, _ := NewBatchExecutor(0, nil).Run(context.Background(), Batch{Number: 1}, tasks)

	if len(outcomes) != 2 || outcomes[0].StepID != "first" || outcomes[1].StepID != "second" {
		t.Fatalf("outcomes not in batch order: %+v", outcomes)
	}
	for _, o := range outcomes {
		if !o.ok() {
			t.Errorf("step %s failed: %v", o.StepID, o.Err)
		}
		if o.Invocations != 1 {
			t.Errorf("step %s: expected 1 invocation, got %d", o.StepID, o.Invocations)
		}
	}
}

func TestBatchExecutor_CancelledBeforeLaunch(t *testing.T) {
	reg := capability.NewRegistry()
	called := false
	reg.RegisterFunc("work", func(ctx context.Context, in map[string]any) (capability.Result, error) {
		called = true
		return capability.Result{}, nil
	})
	logger := &recordingLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, launched := NewBatchExecutor(2, logger).Run(ctx, Batch{Number: 1}, []*stepTask{
		newTestTask(reg, models.ActionContract{ID: "a", Capability: "work"}),
	})

	if launched {
		t.Error("expected no task to launch")
	}
	if called {
		t.Error("capability invoked after cancellation")
	}
	if len(outcomes) != 1 || !outcomes[0].NotStarted {
		t.Fatalf("expected one NotStarted outcome, got %+v", outcomes)
	}
	if len(logger.batches) != 0 {
		t.Errorf("expected no batch start log, got %d", len(logger.batches))
	}
}

func TestBatchExecutor_LogsBatchStartOnce(t *testing.T) {
	reg := capability.NewRegistry()
	reg.RegisterFunc("work", func(ctx context.Context, in map[string]any) (capability.Result, error) {
		return capability.Result{}, nil
	})
	logger := &recordingLogger{}
	batch := Batch{Number: 3, Name: "Batch 3", PlanVersion: 2, StepIDs: []string{"a", "b"}}

	NewBatchExecutor(1, logger).Run(context.Background(), batch, []*stepTask{
		newTestTask(reg, models.ActionContract{ID: "a", Capability: "work"}),
		newTestTask(reg, models.ActionContract{ID: "b", Capability: "work"}),
	})

	if len(logger.batches) != 1 {
		t.Fatalf("expected 1 batch start, got %d", len(logger.batches))
	}
	if logger.batches[0].Name != "Batch 3" || logger.batches[0].PlanVersion != 2 {
		t.Errorf("unexpected batch logged: %+v", logger.batches[0])
	}
}

func TestBatchExecutor_EmptyBatch(t *testing.T) {
	outcomes, launched := NewBatchExecutor(2, &recordingLogger{}).Run(context.Background(), Batch{}, nil)
	if launched || len(outcomes) != 0 {
		t.Errorf("expected no outcomes, got %d (launched=%v)", len(outcomes), launched)
	}
}
