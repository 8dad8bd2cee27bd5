package executor

import (
	"context"
	"sync"
	"sync/atomic"
)

// BatchExecutor runs the step tasks of one batch with bounded parallelism.
// Tasks report outcomes over a channel; the executor never touches RunState.
type BatchExecutor struct {
	maxConcurrency int
	logger         Logger
}

// NewBatchExecutor constructs a BatchExecutor. The logger parameter is
// optional and can be nil to disable logging.
func NewBatchExecutor(maxConcurrency int, logger Logger) *BatchExecutor {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &BatchExecutor{maxConcurrency: maxConcurrency, logger: logger}
}

type taskExecutionResult struct {
	stepID  string
	outcome stepOutcome
}

// Run executes every task and returns the outcomes in batch order, and
// whether any task was launched. Tasks not launched because ctx was
// cancelled report NotStarted.
func (b *BatchExecutor) Run(ctx context.Context, batch Batch, tasks []*stepTask) ([]stepOutcome, bool) {
	taskCount := len(tasks)
	if taskCount == 0 {
		return []stepOutcome{}, false
	}

	// Track how many task goroutines actually started so a pre-cancelled
	// context does not log an empty batch.
	var tasksLaunched int32

	maxConcurrency := b.maxConcurrency
	if maxConcurrency > taskCount {
		maxConcurrency = taskCount
	}

	semaphore := make(chan struct{}, maxConcurrency)
	resultsCh := make(chan taskExecutionResult, taskCount)

	var wg sync.WaitGroup
	var batchLogged bool

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}

		select {
		case <-ctx.Done():
			goto launchComplete
		case semaphore <- struct{}{}:
		}

		wg.Add(1)

		if !batchLogged && b.logger != nil {
			b.logger.LogBatchStart(batch)
			batchLogged = true
		}

		go func(task *stepTask) {
			atomic.AddInt32(&tasksLaunched, 1)
			defer wg.Done()
			defer func() { <-semaphore }()

			resultsCh <- taskExecutionResult{stepID: task.step.ID, outcome: task.run(ctx)}
		}(task)
	}

launchComplete:
	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	resultMap := make(map[string]stepOutcome, taskCount)
	for r := range resultsCh {
		resultMap[r.stepID] = r.outcome
	}

	// Add results in original batch order
	outcomes := make([]stepOutcome, 0, taskCount)
	for _, task := range tasks {
		if o, ok := resultMap[task.step.ID]; ok {
			outcomes = append(outcomes, o)
			continue
		}
		outcomes = append(outcomes, stepOutcome{
			StepID:      task.step.ID,
			PlanVersion: task.version,
			Capability:  task.step.Capability,
			NotStarted:  true,
		})
	}

	return outcomes, atomic.LoadInt32(&tasksLaunched) > 0
}
