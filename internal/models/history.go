package models

import (
	"fmt"
	"sort"
	"sync"
)

// PlanHistory keeps every version of a plan. Versions are append-only and
// strictly increasing; stored plans are never handed out for mutation.
type PlanHistory struct {
	mu       sync.RWMutex
	planID   string
	versions map[int]*Plan
	latest   int
}

// NewPlanHistory creates a history seeded with the initial plan.
func NewPlanHistory(initial *Plan) (*PlanHistory, error) {
	if initial == nil {
		return nil, fmt.Errorf("initial plan cannot be nil")
	}
	h := &PlanHistory{planID: initial.ID, versions: make(map[int]*Plan)}
	if err := h.Append(initial); err != nil {
		return nil, err
	}
	return h, nil
}

// Append records a new version. The version must be greater than every
// version already recorded.
func (h *PlanHistory) Append(p *Plan) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p.ID != h.planID {
		return fmt.Errorf("plan history %s: cannot append plan %s", h.planID, p.ID)
	}
	if p.Version <= h.latest {
		return fmt.Errorf("plan %s: version %d is not greater than latest %d", p.ID, p.Version, h.latest)
	}
	h.versions[p.Version] = p.Clone()
	h.latest = p.Version
	return nil
}

// Get returns a copy of the given version.
func (h *PlanHistory) Get(version int) (*Plan, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.versions[version]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Latest returns a copy of the newest version.
func (h *PlanHistory) Latest() *Plan {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.versions[h.latest].Clone()
}

// Versions returns all recorded version numbers in ascending order.
func (h *PlanHistory) Versions() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]int, 0, len(h.versions))
	for v := range h.versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
