package models

import "time"

// Severity of an escalation. S1 is the most severe.
type Severity string

const (
	SeverityS1 Severity = "S1"
	SeverityS2 Severity = "S2"
	SeverityS3 Severity = "S3"
)

// Valid reports whether s is one of S1, S2 or S3.
func (s Severity) Valid() bool {
	return s == SeverityS1 || s == SeverityS2 || s == SeverityS3
}

// Rank returns 1 for S1 through 3 for S3; unknown severities rank as S3.
func (s Severity) Rank() int {
	switch s {
	case SeverityS1:
		return 1
	case SeverityS2:
		return 2
	default:
		return 3
	}
}

// Elevate returns the next more severe level. S1 stays S1.
func (s Severity) Elevate() Severity {
	switch s.Rank() {
	case 3:
		return SeverityS2
	default:
		return SeverityS1
	}
}

// AtLeast returns the more severe of s and other.
func (s Severity) AtLeast(other Severity) Severity {
	if other.Rank() < s.Rank() {
		return other
	}
	return s
}

// EscalationEvent is the structured event delivered to the notification sink.
type EscalationEvent struct {
	ID          string    `json:"id"`
	Severity    Severity  `json:"severity"`
	Notify      []string  `json:"notify,omitempty"`
	Message     string    `json:"message"`
	PlanID      string    `json:"plan_id"`
	PlanVersion int       `json:"plan_version"`
	StepID      string    `json:"step_id,omitempty"`
	Cause       string    `json:"cause,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
