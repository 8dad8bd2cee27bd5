package models

import (
	"errors"
	"time"
)

// TaskBrief is the immutable top-level request a Plan is derived from.
type TaskBrief struct {
	Objective       string            `json:"objective"`                  // Free-text objective
	Inputs          map[string]any    `json:"inputs,omitempty"`           // Request inputs, referenced as {{ brief.key }}
	RequiredOutputs map[string]string `json:"required_outputs,omitempty"` // Output name -> format
	AcceptanceTests []Assertion       `json:"acceptance_tests,omitempty"` // Assertions over final outputs
	Constraints     Constraints       `json:"constraints"`                // Budget and security constraints
	Metadata        map[string]any    `json:"metadata,omitempty"`         // Free-form metadata
}

// Constraints bound a whole execution.
type Constraints struct {
	Budget       Budget   `json:"budget"`
	SecurityTags []string `json:"security_tags,omitempty"`
}

// Budget is the cost and latency ceiling for one execution. Zero means unlimited.
type Budget struct {
	CostUSD    float64 `json:"cost_usd,omitempty"`
	LatencySec float64 `json:"latency_sec,omitempty"`
}

// Latency returns the latency ceiling as a duration, or 0 when unlimited.
func (b Budget) Latency() time.Duration {
	return secondsToDuration(b.LatencySec)
}

// Assertion is a named boolean expression.
type Assertion struct {
	Name string `json:"name"`
	Expr string `json:"assertion"`
}

// Validate checks that the brief is well formed.
func (b *TaskBrief) Validate() error {
	if b.Constraints.Budget.CostUSD < 0 {
		return errors.New("brief: budget cost_usd must be >= 0")
	}
	if b.Constraints.Budget.LatencySec < 0 {
		return errors.New("brief: budget latency_sec must be >= 0")
	}
	seen := make(map[string]bool, len(b.AcceptanceTests))
	for _, test := range b.AcceptanceTests {
		if test.Expr == "" {
			return errors.New("brief: acceptance test has empty assertion")
		}
		if test.Name != "" && seen[test.Name] {
			return errors.New("brief: duplicate acceptance test " + test.Name)
		}
		seen[test.Name] = true
	}
	return nil
}

func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}
