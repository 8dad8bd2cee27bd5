package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/harrison/coordinator/internal/executor"
)

// AuditLog writes one JSON line per audit event. Files are created as
// <dir>/audit-YYYYMMDD-HHMMSS.jsonl with latest.jsonl pointing at the
// newest run.
type AuditLog struct {
	zap  *zap.Logger
	file *os.File
	path string
	once sync.Once
}

var _ executor.AuditSink = (*AuditLog)(nil)

// NewAuditLog creates the log directory and a timestamped audit file.
func NewAuditLog(dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", time.Now().Format("20060102-150405")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log file: %w", err)
	}

	latest := filepath.Join(dir, "latest.jsonl")
	if _, err := os.Lstat(latest); err == nil {
		if err := os.Remove(latest); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	// symlinks are best effort; some filesystems do not support them
	_ = os.Symlink(filepath.Base(path), latest)

	a := NewAuditLogWriter(file)
	a.file = file
	a.path = path
	return a, nil
}

// NewAuditLogWriter writes audit lines to w.
func NewAuditLogWriter(w io.Writer) *AuditLog {
	core := zapcore.NewCore(newEncoder(), zapcore.AddSync(w), zapcore.InfoLevel)
	return &AuditLog{zap: zap.New(core)}
}

func newEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.MessageKey = "msg"
	return zapcore.NewJSONEncoder(cfg)
}

// Path returns the audit file path, or "" for writer-backed logs.
func (a *AuditLog) Path() string { return a.path }

// Record implements executor.AuditSink.
func (a *AuditLog) Record(ev executor.AuditEvent) {
	fields := []zap.Field{
		zap.String("kind", ev.Kind),
		zap.String("plan_id", ev.PlanID),
		zap.Int("plan_version", ev.PlanVersion),
		zap.Time("event_time", ev.Time),
	}
	if ev.StepID != "" {
		fields = append(fields, zap.String("step_id", ev.StepID))
	}
	if len(ev.Fields) > 0 {
		fields = append(fields, zap.Any("fields", ev.Fields))
	}
	level := zapcore.InfoLevel
	switch ev.Kind {
	case executor.AuditStepFailed, executor.AuditRetrospectFailed, executor.AuditInvalidated, executor.AuditCancelled:
		level = zapcore.WarnLevel
	case executor.AuditEscalation, executor.AuditCheckpointFailed:
		level = zapcore.ErrorLevel
	}
	if ce := a.zap.Check(level, ev.Message); ce != nil {
		ce.Write(fields...)
	}
}

// Close flushes and closes the underlying file.
func (a *AuditLog) Close() error {
	var err error
	a.once.Do(func() {
		_ = a.zap.Sync()
		if a.file != nil {
			err = a.file.Close()
		}
	})
	return err
}
