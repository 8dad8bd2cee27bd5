package retrospect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/coordinator/internal/artifact"
	"github.com/harrison/coordinator/internal/capability"
	"github.com/harrison/coordinator/internal/gate"
	"github.com/harrison/coordinator/internal/models"
)

// funcChecker adapts a function to Checker.
type funcChecker func(ctx context.Context, job models.RetrospectJob, target *models.Artifact) (bool, string, error)

func (f funcChecker) Run(ctx context.Context, job models.RetrospectJob, target *models.Artifact) (bool, string, error) {
	return f(ctx, job, target)
}

func spec(id string) models.RetrospectSpec {
	return models.RetrospectSpec{ID: id, Checks: []models.Check{{Name: id, Assertion: "true"}}}
}

func art(id string) *models.Artifact {
	return &models.Artifact{ID: id, StepID: "step_" + id, PlanVersion: 1, Value: map[string]any{"rows": 10}}
}

func TestRunner_SubmitDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	r := NewRunner(funcChecker(func(ctx context.Context, _ models.RetrospectJob, _ *models.Artifact) (bool, string, error) {
		<-release
		return true, "", nil
	}), Config{Workers: 1})
	defer r.Close()

	start := time.Now()
	id, err := r.Submit(spec("dedupe"), art("a1"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	job, ok := r.Status(id)
	require.True(t, ok)
	assert.Equal(t, models.JobPending, job.Status)
	assert.False(t, r.RetroGreen(id))

	close(release)
	jobs, err := r.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobOK, jobs[0].Status)
	assert.True(t, r.RetroGreen(id))
	assert.NotNil(t, jobs[0].ResolvedAt)
}

func TestRunner_SerializedPerArtifact(t *testing.T) {
	var active, maxActive int32
	r := NewRunner(funcChecker(func(ctx context.Context, job models.RetrospectJob, target *models.Artifact) (bool, string, error) {
		if target.ID == "shared" {
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}
		return true, "", nil
	}), Config{Workers: 4})
	defer r.Close()

	var ids []string
	for _, s := range []string{"r1", "r2", "r3"} {
		id, err := r.Submit(spec(s), art("shared"))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := r.Wait(context.Background(), ids...)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestRunner_FailuresAreReported(t *testing.T) {
	r := NewRunner(funcChecker(func(ctx context.Context, job models.RetrospectJob, _ *models.Artifact) (bool, string, error) {
		switch job.SpecID {
		case "bad":
			return false, "duplicates found", nil
		case "broken":
			return false, "", errors.New("warehouse unreachable")
		}
		return true, "", nil
	}), Config{})
	defer r.Close()

	good, _ := r.Submit(spec("good"), art("a"))
	bad, _ := r.Submit(spec("bad"), art("b"))
	broken, _ := r.Submit(spec("broken"), art("c"))
	require.NoError(t, r.Settle(context.Background()))

	select {
	case <-r.Failed():
	default:
		t.Fatal("expected failure signal")
	}

	failures := r.DrainFailures()
	require.Len(t, failures, 2)
	reasons := map[string]string{}
	for _, f := range failures {
		assert.Equal(t, models.JobFail, f.Status)
		reasons[f.ID] = f.Reason
	}
	assert.Equal(t, "duplicates found", reasons[bad])
	assert.Equal(t, "warehouse unreachable", reasons[broken])
	assert.True(t, r.RetroGreen(good))
	assert.Empty(t, r.DrainFailures())
}

func TestRunner_TerminalStatesAreImmutable(t *testing.T) {
	r := NewRunner(funcChecker(func(context.Context, models.RetrospectJob, *models.Artifact) (bool, string, error) {
		return false, "first", nil
	}), Config{})
	defer r.Close()

	id, _ := r.Submit(spec("s"), art("a"))
	_, err := r.Wait(context.Background(), id)
	require.NoError(t, err)

	r.resolve(id, true, "")
	job, _ := r.Status(id)
	assert.Equal(t, models.JobFail, job.Status)
	assert.Equal(t, "first", job.Reason)
	assert.Len(t, r.DrainFailures(), 1)
}

func TestRunner_SubmitIsIdempotentPerArtifact(t *testing.T) {
	var calls int32
	r := NewRunner(funcChecker(func(context.Context, models.RetrospectJob, *models.Artifact) (bool, string, error) {
		atomic.AddInt32(&calls, 1)
		return true, "", nil
	}), Config{})
	defer r.Close()

	a, _ := r.Submit(spec("s"), art("x"))
	b, _ := r.Submit(spec("s"), art("x"))
	c, _ := r.Submit(spec("s"), art("y"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	require.NoError(t, r.Settle(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Len(t, r.Jobs(), 2)
}

func TestRunner_Timeout(t *testing.T) {
	r := NewRunner(funcChecker(func(ctx context.Context, _ models.RetrospectJob, _ *models.Artifact) (bool, string, error) {
		<-ctx.Done()
		return false, "", ctx.Err()
	}), Config{Timeout: 20 * time.Millisecond})
	defer r.Close()

	id, _ := r.Submit(spec("slow"), art("a"))
	jobs, err := r.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFail, jobs[0].Status)
	assert.Contains(t, jobs[0].Reason, "timed out")
}

func TestRunner_WaitHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewRunner(funcChecker(func(ctx context.Context, _ models.RetrospectJob, _ *models.Artifact) (bool, string, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return true, "", nil
	}), Config{})
	defer r.Close()

	id, _ := r.Submit(spec("s"), art("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = r.Wait(context.Background(), "unknown")
	assert.ErrorContains(t, err, "unknown job")
}

func TestRunner_CloseRejectsSubmit(t *testing.T) {
	r := NewRunner(funcChecker(func(context.Context, models.RetrospectJob, *models.Artifact) (bool, string, error) {
		return true, "", nil
	}), Config{})
	r.Close()
	r.Close()
	_, err := r.Submit(spec("s"), art("a"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunner_Load(t *testing.T) {
	r := NewRunner(funcChecker(func(context.Context, models.RetrospectJob, *models.Artifact) (bool, string, error) {
		t.Fatal("loaded job must not run")
		return false, "", nil
	}), Config{})
	defer r.Close()

	now := time.Now()
	require.NoError(t, r.Load(models.RetrospectJob{ID: "j1", SpecID: "s", ArtifactID: "a", Status: models.JobOK, ResolvedAt: &now}))
	assert.Error(t, r.Load(models.RetrospectJob{ID: "j2", Status: models.JobPending}))

	assert.True(t, r.RetroGreen("j1"))
	id, err := r.Submit(spec("s"), art("a"))
	require.NoError(t, err)
	assert.Equal(t, "j1", id)
}

func TestRunner_ObserverAndRateLimit(t *testing.T) {
	var mu sync.Mutex
	var seen []models.JobStatus
	r := NewRunner(funcChecker(func(context.Context, models.RetrospectJob, *models.Artifact) (bool, string, error) {
		return true, "", nil
	}), Config{RatePerSecond: 1000})
	defer r.Close()
	r.SetObserver(func(j models.RetrospectJob) {
		mu.Lock()
		seen = append(seen, j.Status)
		mu.Unlock()
	})

	for _, s := range []string{"a", "b", "c"} {
		_, err := r.Submit(spec(s), art(s))
		require.NoError(t, err)
	}
	require.NoError(t, r.Settle(context.Background()))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestExprChecker(t *testing.T) {
	store := artifact.NewStore()
	parent, err := store.Put("load_b", 1, map[string]any{"rows": 100}, nil)
	require.NoError(t, err)
	target, err := store.Put("join", 1, map[string]any{"rows": 100, "dupes": 3, "batch_id": "b-7"}, []string{parent.ID})
	require.NoError(t, err)

	reg := capability.NewRegistry()
	var gotParams map[string]any
	reg.RegisterFunc("warehouse_audit", func(ctx context.Context, in map[string]any) (capability.Result, error) {
		gotParams = in
		return capability.Result{Outputs: map[string]any{"ok": in["batch"] == "b-7", "missing": 0}}, nil
	})

	checker := &ExprChecker{Evaluator: gate.NewEvaluator(), Invoker: reg, Artifacts: store}

	tests := []struct {
		name       string
		checks     []models.Check
		wantOK     bool
		wantReason string
		wantErr    bool
	}{
		{name: "value assertion", checks: []models.Check{{Name: "rows", Assertion: "rows >= 100"}}, wantOK: true},
		{name: "stricter dedupe fails", checks: []models.Check{{Name: "dedupe", Assertion: "dupes == 0"}}, wantReason: "check dedupe"},
		{name: "cross reference parents", checks: []models.Check{{Name: "count", Assertion: "rows == parents.load_b.rows"}}, wantOK: true},
		{name: "capability default assertion", checks: []models.Check{{Name: "audit", Capability: "warehouse_audit", Params: map[string]any{"batch": "{{ self.batch_id }}"}}}, wantOK: true},
		{name: "capability custom assertion", checks: []models.Check{{Name: "audit", Capability: "warehouse_audit", Assertion: "missing > 0"}}, wantReason: "check audit"},
		{name: "unknown capability", checks: []models.Check{{Name: "x", Capability: "nope"}}, wantErr: true},
		{name: "bad self reference", checks: []models.Check{{Name: "x", Capability: "warehouse_audit", Params: map[string]any{"b": "{{ self.nope }}"}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason, err := checker.Run(context.Background(), models.RetrospectJob{Checks: tt.checks}, target)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantReason != "" {
				assert.Contains(t, reason, tt.wantReason)
			}
		})
	}
	assert.Equal(t, target.ID, gotParams["artifact_id"])
}
