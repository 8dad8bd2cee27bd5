package executor

import (
	"fmt"

	"github.com/harrison/coordinator/internal/models"
)

const (
	// DefaultMaxConcurrency is the default maximum number of concurrent steps per batch
	DefaultMaxConcurrency = 10
)

// Batch is a set of steps whose dependencies are all satisfied.
type Batch struct {
	Number      int
	Name        string
	PlanVersion int
	StepIDs     []string
}

// CalculateBatches computes the static execution batches of a plan using
// Kahn's algorithm: steps with no dependencies go in Batch 1, steps
// depending only on Batch 1 go in Batch 2, and so on. Steps keep their
// declaration order within a batch.
func CalculateBatches(plan *models.Plan) ([]Batch, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan cannot be nil")
	}
	if len(plan.Steps) == 0 {
		return []Batch{}, nil
	}

	inDegree := make(map[string]int, len(plan.Steps))
	dependents := make(map[string][]string)
	for _, s := range plan.Steps {
		inDegree[s.ID] = 0
	}
	for _, s := range plan.Steps {
		for _, dep := range plan.Dependencies(s.ID) {
			if _, ok := inDegree[dep]; !ok {
				return nil, fmt.Errorf("step %s: depends on non-existent step %s", s.ID, dep)
			}
			dependents[dep] = append(dependents[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	var batches []Batch
	remaining := len(plan.Steps)
	for remaining > 0 {
		var current []string
		for _, s := range plan.Steps {
			if d, ok := inDegree[s.ID]; ok && d == 0 {
				current = append(current, s.ID)
			}
		}
		if len(current) == 0 {
			return nil, fmt.Errorf("circular dependency detected")
		}

		batches = append(batches, Batch{
			Number:      len(batches) + 1,
			Name:        fmt.Sprintf("Batch %d", len(batches)+1),
			PlanVersion: plan.Version,
			StepIDs:     current,
		})

		for _, id := range current {
			delete(inDegree, id)
			remaining--
			for _, dependent := range dependents[id] {
				if _, ok := inDegree[dependent]; ok {
					inDegree[dependent]--
				}
			}
		}
	}
	return batches, nil
}

// readySteps returns the pending steps whose dependencies all completed with
// a valid artifact, in declaration order.
func readySteps(plan *models.Plan, rs *RunState, valid func(artifactID string) bool) []string {
	var ready []string
	for _, s := range plan.Steps {
		st := rs.Steps[s.ID]
		if st == nil || st.Status != models.StepPending || st.Deferred {
			continue
		}
		ok := true
		for _, dep := range plan.Dependencies(s.ID) {
			ds := rs.Steps[dep]
			if ds == nil || ds.Status != models.StepCompleted || !valid(ds.ArtifactID) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s.ID)
		}
	}
	return ready
}
