// Package compensation undoes the external side effects of steps whose
// artifacts were invalidated, saga style.
//
// Decision matrix for one execution:
//
//	| Side effects | Compensation | Already undone | Action             |
//	|--------------|--------------|----------------|--------------------|
//	| no           | any          | any            | not compensated    |
//	| yes          | none         | any            | not compensated    |
//	| yes          | declared     | yes            | skipped, recorded  |
//	| yes          | declared     | no             | invoke action      |
//
// A failed action escalates one severity level above the trigger.
package compensation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harrison/coordinator/internal/capability"
	"github.com/harrison/coordinator/internal/escalation"
	"github.com/harrison/coordinator/internal/models"
)

// Execution is one successful run of a side-effecting step.
type Execution struct {
	Contract models.ActionContract
	Artifact *models.Artifact
}

// Error reports a failed compensation.
type Error struct {
	StepID     string
	ArtifactID string
	Action     string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compensate step %s (artifact %s) with %s: %v", e.StepID, shortID(e.ArtifactID), e.Action, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Logger receives compensation records.
type Logger interface {
	LogCompensation(rec models.CompensationRecord)
}

// Result summarizes a CompensateAll call.
type Result struct {
	Records []models.CompensationRecord
	Err     *Error // First failure; later executions were not attempted
}

// Manager invokes compensation actions. Each artifact is compensated at
// most once, and work on the same artifact is serialized.
type Manager struct {
	invoker capability.Invoker
	sink    escalation.Sink
	logger  Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	done  map[string]bool
}

// NewManager creates a manager. sink and logger may be nil.
func NewManager(invoker capability.Invoker, sink escalation.Sink, logger Logger) *Manager {
	return &Manager{
		invoker: invoker,
		sink:    sink,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
		done:    make(map[string]bool),
	}
}

// NeedsCompensation reports whether the contract declares side effects and
// an action to undo them.
func NeedsCompensation(c models.ActionContract) bool {
	return c.HasSideEffects() && c.Compensation != nil && c.Compensation.Action != ""
}

// Compensate undoes one execution. A failure is escalated at trigger
// elevated by one level and returned.
func (m *Manager) Compensate(ctx context.Context, planID string, version int, exec Execution, trigger models.Severity) (models.CompensationRecord, error) {
	c := exec.Contract
	rec := models.CompensationRecord{StepID: c.ID, Timestamp: time.Now()}
	if exec.Artifact != nil {
		rec.ArtifactID = exec.Artifact.ID
	}
	if !NeedsCompensation(c) {
		rec.Skipped = true
		return rec, nil
	}
	rec.Action = c.Compensation.Action

	lock := m.lockFor(rec.ArtifactID)
	lock.Lock()
	defer lock.Unlock()

	if m.isDone(rec.ArtifactID) {
		rec.Skipped = true
		rec.Success = true
		m.log(rec)
		return rec, nil
	}

	err := m.invoke(ctx, c, exec.Artifact)
	if err != nil {
		cerr := &Error{StepID: c.ID, ArtifactID: rec.ArtifactID, Action: rec.Action, Err: err}
		rec.Error = err.Error()
		m.log(rec)
		m.escalate(ctx, planID, version, c, cerr, trigger)
		return rec, cerr
	}

	m.markDone(rec.ArtifactID)
	rec.Success = true
	m.log(rec)
	return rec, nil
}

// CompensateAll undoes executions in reverse topological order of plan, so
// a step's effects are undone before the effects it depended on. It stops
// at the first failure.
func (m *Manager) CompensateAll(ctx context.Context, plan *models.Plan, execs []Execution, trigger models.Severity) Result {
	ordered, err := ReverseTopological(plan, execs)
	if err != nil {
		return Result{Err: &Error{Err: err}}
	}

	var res Result
	for _, exec := range ordered {
		if !NeedsCompensation(exec.Contract) {
			continue
		}
		rec, err := m.Compensate(ctx, plan.ID, plan.Version, exec, trigger)
		res.Records = append(res.Records, rec)
		if err != nil {
			res.Err = err.(*Error)
			return res
		}
	}
	return res
}

// ReverseTopological orders executions so dependents come before their
// dependencies. Steps unknown to the plan sort last.
func ReverseTopological(plan *models.Plan, execs []Execution) ([]Execution, error) {
	order, err := plan.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	out := append([]Execution(nil), execs...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].Contract.ID]
		rj, jok := rank[out[j].Contract.ID]
		if iok != jok {
			return iok
		}
		return ri > rj
	})
	return out, nil
}

func (m *Manager) invoke(ctx context.Context, c models.ActionContract, a *models.Artifact) error {
	if m.invoker == nil {
		return fmt.Errorf("no capability invoker configured")
	}
	var value map[string]any
	if a != nil {
		value = a.Value
	}
	params, err := models.ResolveMap(c.Compensation.Params, func(r models.Ref) (any, error) {
		if r.Step != models.RefSelf {
			return nil, fmt.Errorf("compensation params may only reference {{ self.* }}, got %s", r)
		}
		v, ok := models.LookupPath(value, r.Path)
		if !ok {
			return nil, fmt.Errorf("original artifact has no field %s", r)
		}
		return v, nil
	})
	if err != nil {
		return err
	}
	_, err = m.invoker.Invoke(ctx, c.Compensation.Action, params)
	return err
}

func (m *Manager) escalate(ctx context.Context, planID string, version int, c models.ActionContract, cerr *Error, trigger models.Severity) {
	if m.sink == nil {
		return
	}
	if trigger == "" {
		trigger = c.Escalation.Severity
	}
	ev := escalation.NewEvent(trigger.Elevate(), c.Escalation.Notify,
		fmt.Sprintf("compensation failed for step %s; external state may be inconsistent", c.ID),
		planID, version, c.ID)
	ev.Cause = cerr.Error()
	_ = m.sink.Emit(context.WithoutCancel(ctx), ev)
}

// MarkCompensated records an artifact as already undone, for resumed runs.
func (m *Manager) MarkCompensated(artifactID string) {
	m.markDone(artifactID)
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) isDone(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done[id]
}

func (m *Manager) markDone(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done[id] = true
}

func (m *Manager) log(rec models.CompensationRecord) {
	if m.logger != nil {
		m.logger.LogCompensation(rec)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
