package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// GateType identifies when a gate is evaluated.
type GateType string

const (
	GatePrecondition  GateType = "precondition"
	GatePostcondition GateType = "postcondition"
	GatePromotion     GateType = "promotion"
	GateBudget        GateType = "budget"
)

// Valid reports whether t is a known gate type.
func (t GateType) Valid() bool {
	switch t {
	case GatePrecondition, GatePostcondition, GatePromotion, GateBudget:
		return true
	}
	return false
}

// ActionContract is the immutable description of one plan step.
type ActionContract struct {
	ID                 string            `json:"id"`                             // Unique within the plan
	Intent             string            `json:"intent,omitempty"`               // Human-readable purpose
	Capability         string            `json:"agent_or_tool"`                  // Opaque capability reference
	Inputs             map[string]any    `json:"inputs,omitempty"`               // Literal values or {{ step.field }} references
	Outputs            map[string]string `json:"outputs,omitempty"`              // Declared output name -> type
	Preconditions      []string          `json:"preconditions,omitempty"`        // Expressions over bound inputs
	Postconditions     []string          `json:"postconditions,omitempty"`       // Expressions over inputs and outputs
	Validators         []Assertion       `json:"validators,omitempty"`           // Inline checks run right after execution
	Retrospects        []RetrospectSpec  `json:"retrospects,omitempty"`          // Async deep validation jobs
	Gates              []Gate            `json:"gates,omitempty"`                // Typed gates with their own on_fail policy
	Fallbacks          []RecoveryPolicy  `json:"-"`                              // Ordered retry/alternate actions
	SideEffects        []string          `json:"side_effects,omitempty"`         // Named external effects
	Compensation       *Compensation     `json:"compensation,omitempty"`         // Undo action for side effects
	RequiresRetroGreen []string          `json:"requires_retro_green,omitempty"` // Retrospect ids that must be ok first
	CostEstimate       Cost              `json:"cost_estimate"`                  // Expected spend
	LatencyBudgetSec   float64           `json:"latency_budget_sec,omitempty"`   // Per-attempt timeout, 0 = none
	ConfidenceFloor    float64           `json:"confidence_floor,omitempty"`     // Minimum output confidence, 0 = none
	Escalation         EscalationSpec    `json:"escalation"`                     // Severity and notify targets on exhaustion
	Replan             *Patch            `json:"replan,omitempty"`               // Declared structural patch for replanning
}

// Cost is a monetary amount.
type Cost struct {
	USD float64 `json:"usd"`
}

// Compensation undoes a step's side effects.
type Compensation struct {
	Action string         `json:"action"`           // Capability reference invoked to undo
	Params map[string]any `json:"params,omitempty"` // May reference {{ self.field }} of the original artifact
}

// EscalationSpec describes how a step escalates.
type EscalationSpec struct {
	Severity Severity `json:"severity,omitempty"`
	Notify   []string `json:"notify,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// RetrospectSpec declares one async validation job.
type RetrospectSpec struct {
	ID         string           `json:"id"`
	Checks     []Check          `json:"checks"`
	OnFail     RetrospectOnFail `json:"on_fail"`
	TimeoutSec float64          `json:"timeout_sec,omitempty"`
}

// Timeout returns the job timeout, or 0 when the runner default applies.
func (r RetrospectSpec) Timeout() time.Duration {
	return secondsToDuration(r.TimeoutSec)
}

// RetrospectOnFail is applied by the coordinator when a retrospect fails.
type RetrospectOnFail struct {
	Patch    *Patch          `json:"patch,omitempty"`
	Escalate *EscalationSpec `json:"escalate,omitempty"`
}

// Check is one retrospect check. When Capability is set its outputs are
// evaluated by Assertion, which defaults to "ok == true".
type Check struct {
	Name       string         `json:"name"`
	Assertion  string         `json:"assertion,omitempty"`
	Capability string         `json:"agent_or_tool,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// Gate is an assertion evaluated at a fixed point of a step's lifecycle.
type Gate struct {
	Type      GateType       `json:"type"`
	Assertion string         `json:"assertion"`
	OnFail    RecoveryPolicy `json:"-"`
}

// LatencyBudget returns the per-attempt timeout.
func (c *ActionContract) LatencyBudget() time.Duration {
	return secondsToDuration(c.LatencyBudgetSec)
}

// HasSideEffects reports whether the step declares external effects.
func (c *ActionContract) HasSideEffects() bool {
	return len(c.SideEffects) > 0
}

// GatesOf returns the gates of the given type in declaration order.
func (c *ActionContract) GatesOf(t GateType) []Gate {
	var out []Gate
	for _, g := range c.Gates {
		if g.Type == t {
			out = append(out, g)
		}
	}
	return out
}

// Retrospect returns the retrospect spec with the given id.
func (c *ActionContract) Retrospect(id string) (RetrospectSpec, bool) {
	for _, r := range c.Retrospects {
		if r.ID == id {
			return r, true
		}
	}
	return RetrospectSpec{}, false
}

// Alternates returns the alternate fallbacks in declaration order.
func (c *ActionContract) Alternates() []AlternatePolicy {
	var out []AlternatePolicy
	for _, f := range c.Fallbacks {
		if alt, ok := f.(AlternatePolicy); ok {
			out = append(out, alt)
		}
	}
	return out
}

// RetryPolicy returns the step's retry fallback, if any.
func (c *ActionContract) RetryPolicy() (RetryPolicy, bool) {
	for _, f := range c.Fallbacks {
		if r, ok := f.(RetryPolicy); ok {
			return r, true
		}
	}
	return RetryPolicy{}, false
}

// Clone returns a deep copy of the contract.
func (c *ActionContract) Clone() ActionContract {
	out := *c
	out.Inputs = cloneMap(c.Inputs)
	out.Outputs = cloneStringMap(c.Outputs)
	out.Preconditions = append([]string(nil), c.Preconditions...)
	out.Postconditions = append([]string(nil), c.Postconditions...)
	out.Validators = append([]Assertion(nil), c.Validators...)
	out.SideEffects = append([]string(nil), c.SideEffects...)
	out.RequiresRetroGreen = append([]string(nil), c.RequiresRetroGreen...)
	out.Fallbacks = append([]RecoveryPolicy(nil), c.Fallbacks...)
	out.Gates = append([]Gate(nil), c.Gates...)
	out.Escalation.Notify = append([]string(nil), c.Escalation.Notify...)
	if c.Retrospects != nil {
		out.Retrospects = make([]RetrospectSpec, len(c.Retrospects))
		for i, r := range c.Retrospects {
			r.Checks = append([]Check(nil), r.Checks...)
			out.Retrospects[i] = r
		}
	}
	if c.Compensation != nil {
		comp := *c.Compensation
		comp.Params = cloneMap(comp.Params)
		out.Compensation = &comp
	}
	if c.Replan != nil {
		p := c.Replan.Clone()
		out.Replan = &p
	}
	return out
}

type contractAlias ActionContract

type contractWire struct {
	contractAlias
	Fallbacks []PolicySpec `json:"fallbacks,omitempty"`
}

// MarshalJSON encodes the contract with its fallbacks in their declarative form.
func (c ActionContract) MarshalJSON() ([]byte, error) {
	w := contractWire{contractAlias: contractAlias(c)}
	for _, f := range c.Fallbacks {
		w.Fallbacks = append(w.Fallbacks, EncodePolicy(f))
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a contract, decoding fallbacks into policies.
func (c *ActionContract) UnmarshalJSON(data []byte) error {
	var w contractWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = ActionContract(w.contractAlias)
	c.Fallbacks = nil
	for i, spec := range w.Fallbacks {
		p, err := DecodePolicy(spec)
		if err != nil {
			return fmt.Errorf("step %s: fallback %d: %w", c.ID, i, err)
		}
		c.Fallbacks = append(c.Fallbacks, p)
	}
	return nil
}

type gateWire struct {
	Type      GateType    `json:"type"`
	Assertion string      `json:"assertion"`
	OnFail    *PolicySpec `json:"on_fail,omitempty"`
}

// MarshalJSON encodes the gate with its on_fail policy in declarative form.
func (g Gate) MarshalJSON() ([]byte, error) {
	w := gateWire{Type: g.Type, Assertion: g.Assertion}
	if g.OnFail != nil {
		spec := EncodePolicy(g.OnFail)
		w.OnFail = &spec
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a gate.
func (g *Gate) UnmarshalJSON(data []byte) error {
	var w gateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	g.Type = w.Type
	g.Assertion = w.Assertion
	g.OnFail = nil
	if w.OnFail != nil {
		p, err := DecodePolicy(*w.OnFail)
		if err != nil {
			return fmt.Errorf("%s gate: %w", w.Type, err)
		}
		g.OnFail = p
	}
	return nil
}
