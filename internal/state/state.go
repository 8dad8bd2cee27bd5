// Package state persists coordinator checkpoints keyed by (plan_id, version)
// so an interrupted run can be resumed and past versions inspected.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harrison/coordinator/internal/executor"
)

// ErrNotFound is returned when no checkpoint exists for a plan or version.
var ErrNotFound = errors.New("checkpoint not found")

// Store is a durable checkpoint backend. Every Store is an executor.Persister.
type Store interface {
	executor.Persister
	Load(ctx context.Context, planID string, version int) (*executor.Checkpoint, error)
	LoadLatest(ctx context.Context, planID string) (*executor.Checkpoint, error)
	Versions(ctx context.Context, planID string) ([]VersionInfo, error)
	Close() error
}

// VersionInfo describes one persisted plan version.
type VersionInfo struct {
	PlanID      string    `json:"plan_id"`
	Version     int       `json:"version"`
	RunID       string    `json:"run_id"`
	Change      string    `json:"change,omitempty"`
	Escalations int       `json:"escalations"` // Raised while this version was current
	SavedAt     time.Time `json:"saved_at"`
}

// Open returns the store for a backend name: "sqlite" or "file".
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "sqlite":
		return NewSQLiteStore(path)
	case "file":
		return NewFileStore(path)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", backend)
	}
}

// encode serializes cp immediately. Checkpoints share the live run state,
// so callers must not retain cp after Save returns.
func encode(cp *executor.Checkpoint) ([]byte, VersionInfo, error) {
	if cp == nil || cp.PlanID == "" {
		return nil, VersionInfo{}, errors.New("checkpoint has no plan id")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, VersionInfo{}, fmt.Errorf("marshal checkpoint: %w", err)
	}
	info := VersionInfo{PlanID: cp.PlanID, Version: cp.Version, SavedAt: cp.SavedAt}
	if cp.Run != nil {
		info.RunID = cp.Run.RunID
		for _, ev := range cp.Run.Escalations {
			if ev.PlanVersion == cp.Version {
				info.Escalations++
			}
		}
	}
	if p := cp.Latest(); p != nil {
		info.Change = p.Change
	}
	if info.SavedAt.IsZero() {
		info.SavedAt = time.Now()
	}
	return data, info, nil
}

func decode(data []byte) (*executor.Checkpoint, error) {
	var cp executor.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
