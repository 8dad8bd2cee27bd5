package models

import (
	"fmt"
	"time"
)

// PolicyKind names a RecoveryPolicy variant.
type PolicyKind string

const (
	PolicyRetry     PolicyKind = "retry"
	PolicyAlternate PolicyKind = "alternate"
	PolicyReplan    PolicyKind = "replan"
	PolicyCancel    PolicyKind = "cancel"
	PolicyEscalate  PolicyKind = "escalate"
)

// RecoveryPolicy is a closed set of recovery actions. The only
// implementations are RetryPolicy, AlternatePolicy, ReplanPolicy,
// CancelPolicy and EscalatePolicy.
type RecoveryPolicy interface {
	Kind() PolicyKind
	recoveryPolicy()
}

// RetryPolicy re-invokes the same capability with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int           // Total attempts including the first, 0 = configured default
	Backoff     time.Duration // Initial backoff, doubled per attempt, 0 = configured default
}

// AlternatePolicy substitutes a different capability or parameters.
type AlternatePolicy struct {
	Capability string         // Replacement capability, empty keeps the current one
	Params     map[string]any // Input overrides
}

// ReplanPolicy applies a structural patch producing a new plan version.
// A nil Patch defers to the configured replanner.
type ReplanPolicy struct {
	Patch *Patch
}

// CancelPolicy halts the branch without an escalation event.
type CancelPolicy struct {
	Reason string
}

// EscalatePolicy halts the branch and emits an escalation.
type EscalatePolicy struct {
	Severity Severity
	Notify   []string
	Message  string
}

func (RetryPolicy) Kind() PolicyKind     { return PolicyRetry }
func (AlternatePolicy) Kind() PolicyKind { return PolicyAlternate }
func (ReplanPolicy) Kind() PolicyKind    { return PolicyReplan }
func (CancelPolicy) Kind() PolicyKind    { return PolicyCancel }
func (EscalatePolicy) Kind() PolicyKind  { return PolicyEscalate }

func (RetryPolicy) recoveryPolicy()     {}
func (AlternatePolicy) recoveryPolicy() {}
func (ReplanPolicy) recoveryPolicy()    {}
func (CancelPolicy) recoveryPolicy()    {}
func (EscalatePolicy) recoveryPolicy()  {}

// PolicySpec is the declarative form of a RecoveryPolicy as it appears in
// plan files and persisted checkpoints.
type PolicySpec struct {
	Decision    string         `json:"decision"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	BackoffSec  float64        `json:"backoff_sec,omitempty"`
	Capability  string         `json:"agent_or_tool,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Patch       *Patch         `json:"patch,omitempty"`
	Severity    Severity       `json:"severity,omitempty"`
	Notify      []string       `json:"notify,omitempty"`
	Message     string         `json:"message,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// DecodePolicy converts a declarative spec into its typed variant.
func DecodePolicy(spec PolicySpec) (RecoveryPolicy, error) {
	switch PolicyKind(spec.Decision) {
	case PolicyRetry:
		// zero values fall back to the executor's retry defaults
		if spec.MaxAttempts < 0 {
			return nil, fmt.Errorf("retry: max_attempts must be >= 0")
		}
		if spec.BackoffSec < 0 {
			return nil, fmt.Errorf("retry: backoff_sec must be >= 0")
		}
		return RetryPolicy{MaxAttempts: spec.MaxAttempts, Backoff: secondsToDuration(spec.BackoffSec)}, nil
	case PolicyAlternate:
		if spec.Capability == "" && len(spec.Params) == 0 {
			return nil, fmt.Errorf("alternate: agent_or_tool or params required")
		}
		return AlternatePolicy{Capability: spec.Capability, Params: cloneMap(spec.Params)}, nil
	case PolicyReplan:
		var patch *Patch
		if spec.Patch != nil {
			p := spec.Patch.Clone()
			patch = &p
		}
		return ReplanPolicy{Patch: patch}, nil
	case PolicyCancel:
		return CancelPolicy{Reason: spec.Reason}, nil
	case PolicyEscalate:
		sev := spec.Severity
		if sev == "" {
			sev = SeverityS2
		}
		if !sev.Valid() {
			return nil, fmt.Errorf("escalate: invalid severity %q", spec.Severity)
		}
		return EscalatePolicy{Severity: sev, Notify: append([]string(nil), spec.Notify...), Message: spec.Message}, nil
	case "":
		return nil, fmt.Errorf("policy decision is required")
	default:
		return nil, fmt.Errorf("unknown policy decision %q", spec.Decision)
	}
}

// EncodePolicy converts a typed policy back to its declarative form.
func EncodePolicy(p RecoveryPolicy) PolicySpec {
	switch v := p.(type) {
	case RetryPolicy:
		return PolicySpec{Decision: string(PolicyRetry), MaxAttempts: v.MaxAttempts, BackoffSec: v.Backoff.Seconds()}
	case AlternatePolicy:
		return PolicySpec{Decision: string(PolicyAlternate), Capability: v.Capability, Params: cloneMap(v.Params)}
	case ReplanPolicy:
		spec := PolicySpec{Decision: string(PolicyReplan)}
		if v.Patch != nil {
			patch := v.Patch.Clone()
			spec.Patch = &patch
		}
		return spec
	case CancelPolicy:
		return PolicySpec{Decision: string(PolicyCancel), Reason: v.Reason}
	case EscalatePolicy:
		return PolicySpec{Decision: string(PolicyEscalate), Severity: v.Severity, Notify: append([]string(nil), v.Notify...), Message: v.Message}
	}
	return PolicySpec{}
}
