package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/coordinator/internal/executor"
)

// SQLiteStore keeps checkpoints and escalation history in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// applies pending migrations. ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000", // Must be first
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// execWithRetry executes a statement with exponential backoff on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save upserts the checkpoint for (plan_id, version) and records any
// escalation events not seen before.
func (s *SQLiteStore) Save(ctx context.Context, cp *executor.Checkpoint) error {
	data, info, err := encode(cp)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO checkpoints (plan_id, version, run_id, change, payload, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id, version) DO UPDATE SET
			run_id = excluded.run_id,
			change = excluded.change,
			payload = excluded.payload,
			saved_at = excluded.saved_at`
	if _, err := tx.ExecContext(ctx, query, info.PlanID, info.Version, info.RunID, info.Change, string(data), info.SavedAt); err != nil {
		return fmt.Errorf("save checkpoint %s v%d: %w", info.PlanID, info.Version, err)
	}

	if cp.Run != nil {
		for _, ev := range cp.Run.Escalations {
			_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO escalations
				(event_id, plan_id, plan_version, step_id, severity, message, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				ev.ID, ev.PlanID, ev.PlanVersion, ev.StepID, string(ev.Severity), ev.Message, ev.Timestamp)
			if err != nil {
				return fmt.Errorf("record escalation %s: %w", ev.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint saved for one plan version.
func (s *SQLiteStore) Load(ctx context.Context, planID string, version int) (*executor.Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE plan_id = ? AND version = ?`, planID, version).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s v%d: %w", planID, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s v%d: %w", planID, version, err)
	}
	return decode([]byte(payload))
}

// LoadLatest returns the checkpoint of the highest saved version.
func (s *SQLiteStore) LoadLatest(ctx context.Context, planID string) (*executor.Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE plan_id = ? ORDER BY version DESC LIMIT 1`, planID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", planID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint %s: %w", planID, err)
	}
	return decode([]byte(payload))
}

// Versions lists persisted versions of a plan in ascending order.
func (s *SQLiteStore) Versions(ctx context.Context, planID string) ([]VersionInfo, error) {
	query := `SELECT c.plan_id, c.version, COALESCE(c.run_id, ''), COALESCE(c.change, ''), c.saved_at,
			(SELECT COUNT(*) FROM escalations e WHERE e.plan_id = c.plan_id AND e.plan_version = c.version)
		FROM checkpoints c
		WHERE c.plan_id = ?
		ORDER BY c.version ASC`
	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		var v VersionInfo
		if err := rows.Scan(&v.PlanID, &v.Version, &v.RunID, &v.Change, &v.SavedAt, &v.Escalations); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}
