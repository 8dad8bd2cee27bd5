// Package artifact provides the content-addressed store for step outputs.
package artifact

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harrison/coordinator/internal/models"
)

// Store holds artifacts by content address. Artifacts are never updated or
// removed; invalidation is recorded alongside them.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]*models.Artifact
	invalid   map[string]string // artifact id -> reason
	byStep    map[string][]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		artifacts: make(map[string]*models.Artifact),
		invalid:   make(map[string]string),
		byStep:    make(map[string][]string),
	}
}

// Put materializes an artifact for a step output. Putting the same
// (step, version, value) twice returns the existing artifact.
func (s *Store) Put(stepID string, version int, value map[string]any, parents []string) (*models.Artifact, error) {
	id, err := models.ArtifactID(stepID, version, value)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.artifacts[id]; ok {
		return copyArtifact(existing), nil
	}
	for _, p := range parents {
		if _, ok := s.artifacts[p]; !ok {
			return nil, fmt.Errorf("artifact %s: unknown parent %s", stepID, p)
		}
	}

	a := &models.Artifact{
		ID:          id,
		StepID:      stepID,
		PlanVersion: version,
		Value:       models.CloneValues(value),
		Parents:     dedupeSorted(parents),
		CreatedAt:   time.Now(),
	}
	s.artifacts[id] = a
	s.byStep[stepID] = append(s.byStep[stepID], id)
	return copyArtifact(a), nil
}

// Get returns a copy of the artifact.
func (s *Store) Get(id string) (*models.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, false
	}
	return copyArtifact(a), true
}

// Invalidate marks an artifact invalid. The first reason recorded wins.
func (s *Store) Invalidate(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[id]; !ok {
		return fmt.Errorf("invalidate: unknown artifact %s", id)
	}
	if _, already := s.invalid[id]; !already {
		s.invalid[id] = reason
	}
	return nil
}

// IsValid reports whether the artifact exists and has not been invalidated.
func (s *Store) IsValid(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.artifacts[id]
	_, bad := s.invalid[id]
	return exists && !bad
}

// InvalidReason returns why an artifact was invalidated.
func (s *Store) InvalidReason(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.invalid[id]
	return r, ok
}

// ByStep returns every artifact id a step has produced, oldest first.
func (s *Store) ByStep(stepID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.byStep[stepID]...)
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}

// Snapshot is the serializable content of a store.
type Snapshot struct {
	Artifacts []*models.Artifact `json:"artifacts"`
	Invalid   map[string]string  `json:"invalid,omitempty"`
}

// Snapshot returns every artifact ordered by creation time, with invalidation reasons.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Invalid: make(map[string]string, len(s.invalid))}
	for _, a := range s.artifacts {
		snap.Artifacts = append(snap.Artifacts, copyArtifact(a))
	}
	sort.Slice(snap.Artifacts, func(i, j int) bool {
		if snap.Artifacts[i].CreatedAt.Equal(snap.Artifacts[j].CreatedAt) {
			return snap.Artifacts[i].ID < snap.Artifacts[j].ID
		}
		return snap.Artifacts[i].CreatedAt.Before(snap.Artifacts[j].CreatedAt)
	})
	for id, r := range s.invalid {
		snap.Invalid[id] = r
	}
	return snap
}

// Restore rebuilds a store from a snapshot.
func Restore(snap Snapshot) *Store {
	s := NewStore()
	for _, a := range snap.Artifacts {
		s.artifacts[a.ID] = copyArtifact(a)
		s.byStep[a.StepID] = append(s.byStep[a.StepID], a.ID)
	}
	for id, r := range snap.Invalid {
		s.invalid[id] = r
	}
	return s
}

func copyArtifact(a *models.Artifact) *models.Artifact {
	out := *a
	out.Value = models.CloneValues(a.Value)
	out.Parents = append([]string(nil), a.Parents...)
	return &out
}

func dedupeSorted(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !set[id] {
			set[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
