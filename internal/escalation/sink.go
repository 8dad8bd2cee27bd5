// Package escalation delivers escalation events to external notification
// sinks. The coordinator only produces events; delivery lives here.
package escalation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/coordinator/internal/models"
)

// Sink receives escalation events.
type Sink interface {
	Emit(ctx context.Context, ev models.EscalationEvent) error
}

// NewEvent fills the id and timestamp of an event.
func NewEvent(sev models.Severity, notify []string, message, planID string, version int, stepID string) models.EscalationEvent {
	return models.EscalationEvent{
		ID:          uuid.New().String(),
		Severity:    sev,
		Notify:      append([]string(nil), notify...),
		Message:     message,
		PlanID:      planID,
		PlanVersion: version,
		StepID:      stepID,
		Timestamp:   time.Now(),
	}
}

// MultiSink fans an event out to every sink. All sinks are attempted; the
// returned error joins the individual failures.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ctx context.Context, ev models.EscalationEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logger is the subset of the console logger used by LoggerSink.
type Logger interface {
	LogEscalation(ev models.EscalationEvent)
}

// LoggerSink writes events to a logger.
type LoggerSink struct {
	Logger Logger
}

// Emit implements Sink.
func (s LoggerSink) Emit(_ context.Context, ev models.EscalationEvent) error {
	if s.Logger != nil {
		s.Logger.LogEscalation(ev)
	}
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []models.EscalationEvent
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, ev models.EscalationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []models.EscalationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.EscalationEvent(nil), r.events...)
}
