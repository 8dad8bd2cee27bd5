package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/coordinator/internal/models"
)

// FailureKind classifies a step failure.
type FailureKind int

const (
	// PreconditionFailure means a precondition did not hold or inputs could not be resolved.
	PreconditionFailure FailureKind = iota
	// ExecutionFailure means the capability invocation failed or timed out.
	ExecutionFailure
	// PostconditionFailure means a postcondition or declared output did not hold.
	PostconditionFailure
	// ValidatorFailure means an inline validator or the confidence floor failed.
	ValidatorFailure
	// RetrospectFailure means an asynchronous retrospect rejected an artifact.
	RetrospectFailure
	// GateFailure means a typed gate did not pass.
	GateFailure
	// CompensationFailure means an undo action failed.
	CompensationFailure
)

// String returns the string representation of FailureKind.
func (k FailureKind) String() string {
	switch k {
	case PreconditionFailure:
		return "PreconditionFailure"
	case ExecutionFailure:
		return "ExecutionFailure"
	case PostconditionFailure:
		return "PostconditionFailure"
	case ValidatorFailure:
		return "ValidatorFailure"
	case RetrospectFailure:
		return "RetrospectFailure"
	case GateFailure:
		return "GateFailure"
	case CompensationFailure:
		return "CompensationFailure"
	default:
		return "unknown"
	}
}

// Retryable reports whether an in-step retry may change the outcome.
func (k FailureKind) Retryable() bool {
	switch k {
	case ExecutionFailure, PostconditionFailure, ValidatorFailure:
		return true
	default:
		return false
	}
}

// StepError is a failure of one step, carrying its step id and plan version.
// Checkpoints persist everything but the cause.
type StepError struct {
	Kind        FailureKind     `json:"kind"`
	StepID      string          `json:"step_id"`
	PlanVersion int             `json:"plan_version"`
	Gate        models.GateType `json:"gate,omitempty"` // Set for GateFailure
	Message     string          `json:"message,omitempty"`
	Err         error           `json:"-"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewStepError creates a StepError with the current timestamp.
func NewStepError(kind FailureKind, stepID string, version int, msg string, err error) *StepError {
	return &StepError{
		Kind:        kind,
		StepID:      stepID,
		PlanVersion: version,
		Message:     msg,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// Error implements the error interface for StepError.
func (e *StepError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("step %s (v%d): %s", e.StepID, e.PlanVersion, e.Kind))
	if e.Gate != "" {
		sb.WriteString(fmt.Sprintf(" [%s]", e.Gate))
	}
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *StepError) Unwrap() error {
	return e.Err
}

// TimeoutError represents a step exceeding its latency budget.
type TimeoutError struct {
	StepID          string
	TimeoutDuration time.Duration
	Timestamp       time.Time
}

// NewTimeoutError creates a new TimeoutError with the current timestamp.
func NewTimeoutError(stepID string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		StepID:          stepID,
		TimeoutDuration: duration,
		Timestamp:       time.Now(),
	}
}

// Error implements the error interface for TimeoutError.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s: timeout after %v", e.StepID, e.TimeoutDuration)
}

// Unwrap returns context.DeadlineExceeded to support error wrapping.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// EscalatedError is returned by ExecuteTask when at least one branch was
// escalated with no remaining recovery path. The ExecutionResult returned
// alongside it still describes the partial outcome.
type EscalatedError struct {
	PlanID      string
	PlanVersion int
	Steps       []string
	Events      []models.EscalationEvent
}

// Error implements the error interface for EscalatedError.
func (e *EscalatedError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("plan %s (v%d): %d step(s) escalated: %s",
		e.PlanID, e.PlanVersion, len(e.Steps), strings.Join(e.Steps, ", ")))
	for _, ev := range e.Events {
		sb.WriteString(fmt.Sprintf("\n  - [%s] %s: %s", ev.Severity, ev.StepID, ev.Message))
	}
	return sb.String()
}

// IsStepError checks if the error is or wraps a StepError.
func IsStepError(err error) bool {
	if err == nil {
		return false
	}
	var se *StepError
	return errors.As(err, &se)
}

// KindOf returns the failure kind of a wrapped StepError.
func KindOf(err error) (FailureKind, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsTimeoutError checks if the error is or wraps a TimeoutError or context.DeadlineExceeded.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// IsEscalatedError checks if the error is or wraps an EscalatedError.
func IsEscalatedError(err error) bool {
	if err == nil {
		return false
	}
	var ee *EscalatedError
	return errors.As(err, &ee)
}
