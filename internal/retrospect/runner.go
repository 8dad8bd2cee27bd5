// Package retrospect runs asynchronous deep validation of step artifacts on
// a worker pool separate from the DAG walk. The runner never changes the
// plan; it resolves jobs and reports failures.
package retrospect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/harrison/coordinator/internal/models"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("retrospect runner closed")

// Checker runs the checks of one job against its target artifact.
// A false ok with a reason is a validation failure; an error is treated
// the same way by the runner.
type Checker interface {
	Run(ctx context.Context, job models.RetrospectJob, target *models.Artifact) (ok bool, reason string, err error)
}

// Config tunes the runner.
type Config struct {
	Workers       int           // Concurrent jobs, default 4
	Timeout       time.Duration // Per-job timeout when the spec sets none, default 5m
	RatePerSecond float64       // Job starts per second, 0 = unlimited
}

// Runner executes retrospect jobs.
type Runner struct {
	checker Checker
	cfg     Config
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	jobs     map[string]*models.RetrospectJob
	done     map[string]chan struct{}
	byTarget map[string]string // spec id + artifact id -> job id
	artLocks map[string]*sync.Mutex
	failures []models.RetrospectJob
	notify   chan struct{}
	observer func(models.RetrospectJob)
}

// NewRunner creates a runner. Jobs start as soon as they are submitted.
func NewRunner(checker Checker, cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		checker:  checker,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, cfg.Workers),
		jobs:     make(map[string]*models.RetrospectJob),
		done:     make(map[string]chan struct{}),
		byTarget: make(map[string]string),
		artLocks: make(map[string]*sync.Mutex),
		notify:   make(chan struct{}, 1),
	}
	if cfg.RatePerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return r
}

// SetObserver registers a callback invoked once per resolved job.
func (r *Runner) SetObserver(fn func(models.RetrospectJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// Submit enqueues a job for spec against target and returns its id without
// waiting. Submitting the same spec for the same artifact again returns
// the existing job.
func (r *Runner) Submit(spec models.RetrospectSpec, target *models.Artifact) (string, error) {
	if target == nil {
		return "", errors.New("retrospect: nil target artifact")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	key := spec.ID + "\x00" + target.ID
	if id, ok := r.byTarget[key]; ok {
		r.mu.Unlock()
		return id, nil
	}
	job := &models.RetrospectJob{
		ID:          uuid.New().String(),
		SpecID:      spec.ID,
		StepID:      target.StepID,
		ArtifactID:  target.ID,
		PlanVersion: target.PlanVersion,
		Checks:      append([]models.Check(nil), spec.Checks...),
		Status:      models.JobPending,
		SubmittedAt: time.Now(),
	}
	r.jobs[job.ID] = job
	r.done[job.ID] = make(chan struct{})
	r.byTarget[key] = job.ID
	lock := r.artLocks[target.ID]
	if lock == nil {
		lock = &sync.Mutex{}
		r.artLocks[target.ID] = lock
	}
	r.wg.Add(1)
	r.mu.Unlock()

	timeout := spec.Timeout()
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	snapshot := *job
	artifactCopy := *target
	go r.run(snapshot, &artifactCopy, lock, timeout)
	return job.ID, nil
}

func (r *Runner) run(job models.RetrospectJob, target *models.Artifact, lock *sync.Mutex, timeout time.Duration) {
	defer r.wg.Done()

	// one active job per artifact
	lock.Lock()
	defer lock.Unlock()

	select {
	case r.sem <- struct{}{}:
	case <-r.ctx.Done():
		return
	}
	defer func() { <-r.sem }()

	if r.limiter != nil {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	ok, reason, err := r.checker.Run(ctx, job, target)
	switch {
	case r.ctx.Err() != nil:
		// runner closed mid-check; leave the job pending
		return
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.resolve(job.ID, false, fmt.Sprintf("timed out after %v", timeout))
	case err != nil:
		r.resolve(job.ID, false, err.Error())
	default:
		r.resolve(job.ID, ok, reason)
	}
}

// resolve moves a pending job to a terminal state. Terminal jobs never change.
func (r *Runner) resolve(id string, ok bool, reason string) {
	r.mu.Lock()
	job := r.jobs[id]
	if job == nil || job.Terminal() {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	job.ResolvedAt = &now
	if ok {
		job.Status = models.JobOK
	} else {
		job.Status = models.JobFail
		job.Reason = reason
		r.failures = append(r.failures, *job)
	}
	resolved := *job
	observer := r.observer
	close(r.done[id])
	r.mu.Unlock()

	if !ok {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
	if observer != nil {
		observer(resolved)
	}
}

// Status returns a copy of the job.
func (r *Runner) Status(id string) (models.RetrospectJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.RetrospectJob{}, false
	}
	return *job, true
}

// RetroGreen reports whether the job resolved ok.
func (r *Runner) RetroGreen(id string) bool {
	job, ok := r.Status(id)
	return ok && job.Status == models.JobOK
}

// Wait blocks until every named job is terminal or ctx is done.
func (r *Runner) Wait(ctx context.Context, ids ...string) ([]models.RetrospectJob, error) {
	out := make([]models.RetrospectJob, 0, len(ids))
	for _, id := range ids {
		r.mu.RLock()
		ch, ok := r.done[id]
		r.mu.RUnlock()
		if !ok {
			return out, fmt.Errorf("retrospect: unknown job %s", id)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return out, ctx.Err()
		}
		job, _ := r.Status(id)
		out = append(out, job)
	}
	return out, nil
}

// Pending returns the ids of jobs that have not resolved, sorted.
func (r *Runner) Pending() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, job := range r.jobs {
		if !job.Terminal() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Settle waits until no job is pending, including jobs submitted while
// waiting.
func (r *Runner) Settle(ctx context.Context) error {
	for {
		pending := r.Pending()
		if len(pending) == 0 {
			return nil
		}
		if _, err := r.Wait(ctx, pending...); err != nil {
			return err
		}
	}
}

// Failed returns a signal that fires after a job fails.
func (r *Runner) Failed() <-chan struct{} {
	return r.notify
}

// DrainFailures returns and clears the failed jobs reported since the last call.
func (r *Runner) DrainFailures() []models.RetrospectJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.failures
	r.failures = nil
	return out
}

// Jobs returns every job, ordered by submission.
func (r *Runner) Jobs() []models.RetrospectJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.RetrospectJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].SubmittedAt.Equal(out[k].SubmittedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].SubmittedAt.Before(out[k].SubmittedAt)
	})
	return out
}

// Load registers a terminal job restored from a checkpoint.
func (r *Runner) Load(job models.RetrospectJob) error {
	if !job.Terminal() {
		return fmt.Errorf("retrospect: cannot load pending job %s", job.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return nil
	}
	j := job
	r.jobs[j.ID] = &j
	ch := make(chan struct{})
	close(ch)
	r.done[j.ID] = ch
	r.byTarget[j.SpecID+"\x00"+j.ArtifactID] = j.ID
	return nil
}

// Close stops accepting jobs, cancels running checks and waits for workers.
// Jobs that had not resolved stay pending.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
