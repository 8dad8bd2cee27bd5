package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/harrison/coordinator/internal/executor"
)

// FileStore keeps one JSON file per plan version under
// <root>/<plan_id>/v<version>.json. Writers hold an flock on the plan
// directory and replace files atomically, so readers never see a partial
// checkpoint.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("file store root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) planDir(planID string) string {
	return filepath.Join(s.root, sanitize(planID))
}

func (s *FileStore) versionPath(planID string, version int) string {
	return filepath.Join(s.planDir(planID), fmt.Sprintf("v%d.json", version))
}

// Save writes the checkpoint for (plan_id, version), replacing any earlier
// checkpoint of the same version.
func (s *FileStore) Save(_ context.Context, cp *executor.Checkpoint) error {
	data, info, err := encode(cp)
	if err != nil {
		return err
	}
	dir := s.planDir(info.PlanID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", dir, err)
	}
	defer lock.Unlock()

	return atomicWrite(s.versionPath(info.PlanID, info.Version), data)
}

// Load returns the checkpoint saved for one plan version.
func (s *FileStore) Load(_ context.Context, planID string, version int) (*executor.Checkpoint, error) {
	data, err := os.ReadFile(s.versionPath(planID, version))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s v%d: %w", planID, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return decode(data)
}

// LoadLatest returns the checkpoint of the highest saved version.
func (s *FileStore) LoadLatest(ctx context.Context, planID string) (*executor.Checkpoint, error) {
	versions, err := s.versionNumbers(planID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%s: %w", planID, ErrNotFound)
	}
	return s.Load(ctx, planID, versions[len(versions)-1])
}

// Versions lists persisted versions of a plan in ascending order.
func (s *FileStore) Versions(ctx context.Context, planID string) ([]VersionInfo, error) {
	versions, err := s.versionNumbers(planID)
	if err != nil {
		return nil, err
	}
	out := make([]VersionInfo, 0, len(versions))
	for _, v := range versions {
		cp, err := s.Load(ctx, planID, v)
		if err != nil {
			return nil, err
		}
		_, info, err := encode(cp)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Close is a no-op; FileStore holds no open handles between calls.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) versionNumbers(planID string) ([]int, error) {
	entries, err := os.ReadDir(s.planDir(planID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var versions []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"))
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

// atomicWrite writes data to a temp file in the target directory and
// renames it into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	tempFile = nil
	return nil
}

// sanitize maps a plan id to a safe directory name.
func sanitize(planID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, planID)
	if strings.Trim(name, ".") == "" {
		name = strings.Repeat("_", len(name))
	}
	return name
}
