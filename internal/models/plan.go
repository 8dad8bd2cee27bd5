package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Plan is one immutable version of a DAG of ActionContracts.
// Structural changes go through ApplyPatch, which returns a new version.
type Plan struct {
	ID            string              `json:"plan_id"`                  // Stable across versions
	Version       int                 `json:"version"`                  // Strictly increasing, starts at 1
	Brief         TaskBrief           `json:"task_brief"`               // Originating request
	Steps         []ActionContract    `json:"steps"`                    // Ordered step contracts
	DAG           map[string][]string `json:"dag"`                      // step id -> dependency step ids
	Metadata      map[string]any      `json:"metadata,omitempty"`       // Free-form metadata
	ParentVersion int                 `json:"parent_version,omitempty"` // Version this one was patched from
	Change        string              `json:"change,omitempty"`         // Description of the structural change
	CreatedAt     time.Time           `json:"created_at"`
}

// Patch is a structural edit applied to one step of a plan.
type Patch struct {
	StepID       string          `json:"step_id,omitempty"`       // Target step; empty only bumps the version
	Capability   string          `json:"agent_or_tool,omitempty"` // Alternate binding
	Params       map[string]any  `json:"params,omitempty"`        // Input overrides merged into the step's inputs
	InsertBefore *ActionContract `json:"insert_before,omitempty"` // New step placed between StepID and its dependencies
	Reason       string          `json:"reason,omitempty"`
}

// Clone returns a deep copy of the patch.
func (p Patch) Clone() Patch {
	out := p
	out.Params = cloneMap(p.Params)
	if p.InsertBefore != nil {
		step := p.InsertBefore.Clone()
		out.InsertBefore = &step
	}
	return out
}

// IsStructural reports whether the patch changes any step.
func (p Patch) IsStructural() bool {
	return p.Capability != "" || len(p.Params) > 0 || p.InsertBefore != nil
}

// Step returns the contract with the given id.
func (p *Plan) Step(id string) (*ActionContract, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Dependencies returns the declared dependencies of a step.
func (p *Plan) Dependencies(id string) []string {
	return p.DAG[id]
}

// Dependents returns the steps that directly depend on id, sorted.
func (p *Plan) Dependents(id string) []string {
	var out []string
	for step, deps := range p.DAG {
		for _, dep := range deps {
			if dep == id {
				out = append(out, step)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Ancestors returns every step id reachable through dependencies of id.
func (p *Plan) Ancestors(id string) map[string]bool {
	out := make(map[string]bool)
	stack := append([]string(nil), p.DAG[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[n] {
			continue
		}
		out[n] = true
		stack = append(stack, p.DAG[n]...)
	}
	return out
}

// Descendants returns every step id that transitively depends on id.
func (p *Plan) Descendants(id string) map[string]bool {
	out := make(map[string]bool)
	queue := p.Dependents(id)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if out[n] {
			continue
		}
		out[n] = true
		queue = append(queue, p.Dependents(n)...)
	}
	return out
}

// TopologicalOrder returns step ids ordered so every step follows its
// dependencies. Ties keep declaration order.
func (p *Plan) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(p.Steps))
	for _, s := range p.Steps {
		inDegree[s.ID] = len(p.DAG[s.ID])
	}
	var order []string
	done := make(map[string]bool, len(p.Steps))
	for len(order) < len(p.Steps) {
		progressed := false
		for _, s := range p.Steps {
			if done[s.ID] || inDegree[s.ID] > 0 {
				continue
			}
			done[s.ID] = true
			order = append(order, s.ID)
			progressed = true
			for _, dependent := range p.Dependents(s.ID) {
				inDegree[dependent]--
			}
		}
		if !progressed {
			return nil, errors.New("circular dependency detected")
		}
	}
	return order, nil
}

// Validate checks ids, dependencies, acyclicity, references and policies.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return errors.New("plan id is required")
	}
	if p.Version < 1 {
		return fmt.Errorf("plan %s: version must be >= 1, got %d", p.ID, p.Version)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s: no steps", p.ID)
	}
	if err := p.Brief.Validate(); err != nil {
		return fmt.Errorf("plan %s: %w", p.ID, err)
	}

	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		switch {
		case s.ID == "":
			return fmt.Errorf("plan %s: step has empty id", p.ID)
		case s.ID == RefBrief || s.ID == RefSelf:
			return fmt.Errorf("plan %s: step id %q is reserved", p.ID, s.ID)
		case ids[s.ID]:
			return fmt.Errorf("plan %s: duplicate step id %s", p.ID, s.ID)
		case s.Capability == "":
			return fmt.Errorf("step %s: agent_or_tool is required", s.ID)
		}
		ids[s.ID] = true
	}

	for step, deps := range p.DAG {
		if !ids[step] {
			return fmt.Errorf("plan %s: dag references unknown step %s", p.ID, step)
		}
		seen := make(map[string]bool, len(deps))
		for _, dep := range deps {
			if seen[dep] {
				return fmt.Errorf("step %s: duplicate dependency %s", step, dep)
			}
			seen[dep] = true
			if dep == step {
				return fmt.Errorf("step %s: depends on itself", step)
			}
			if !ids[dep] {
				return fmt.Errorf("step %s: depends on non-existent step %s", step, dep)
			}
		}
	}
	if p.hasCycle() {
		return fmt.Errorf("plan %s: circular dependency detected", p.ID)
	}

	for i := range p.Steps {
		if err := p.validateStep(&p.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plan) validateStep(s *ActionContract) error {
	ancestors := p.Ancestors(s.ID)
	for _, ref := range ExtractRefs(s.Inputs) {
		switch {
		case ref.Step == RefBrief:
		case ref.Step == RefSelf:
			return fmt.Errorf("step %s: {{ self.* }} is only valid in compensation params", s.ID)
		case !ancestors[ref.Step]:
			return fmt.Errorf("step %s: input references %s, which is not an upstream dependency", s.ID, ref)
		}
	}

	retroIDs := make(map[string]bool)
	for _, r := range s.Retrospects {
		if r.ID == "" {
			return fmt.Errorf("step %s: retrospect has empty id", s.ID)
		}
		if owner, ok := p.retrospectOwner(r.ID); ok && owner != s.ID {
			return fmt.Errorf("step %s: retrospect id %s already declared by step %s", s.ID, r.ID, owner)
		}
		if retroIDs[r.ID] {
			return fmt.Errorf("step %s: duplicate retrospect id %s", s.ID, r.ID)
		}
		retroIDs[r.ID] = true
		if len(r.Checks) == 0 {
			return fmt.Errorf("step %s: retrospect %s has no checks", s.ID, r.ID)
		}
		if r.OnFail.Escalate != nil && r.OnFail.Escalate.Severity != "" && !r.OnFail.Escalate.Severity.Valid() {
			return fmt.Errorf("step %s: retrospect %s: invalid severity %q", s.ID, r.ID, r.OnFail.Escalate.Severity)
		}
	}
	for _, id := range s.RequiresRetroGreen {
		owner, ok := p.retrospectOwner(id)
		if !ok {
			return fmt.Errorf("step %s: requires_retro_green references unknown retrospect %s", s.ID, id)
		}
		if !ancestors[owner] {
			return fmt.Errorf("step %s: requires_retro_green %s is declared by %s, which is not an upstream dependency", s.ID, id, owner)
		}
	}

	for _, f := range s.Fallbacks {
		switch f.(type) {
		case RetryPolicy, AlternatePolicy:
		default:
			return fmt.Errorf("step %s: fallback %s not allowed, only retry and alternate", s.ID, f.Kind())
		}
	}
	for _, g := range s.Gates {
		if !g.Type.Valid() {
			return fmt.Errorf("step %s: unknown gate type %q", s.ID, g.Type)
		}
		if g.Assertion == "" && g.Type != GateBudget {
			return fmt.Errorf("step %s: %s gate has empty assertion", s.ID, g.Type)
		}
		if _, ok := g.OnFail.(AlternatePolicy); ok {
			return fmt.Errorf("step %s: %s gate on_fail cannot be alternate", s.ID, g.Type)
		}
	}
	if s.Escalation.Severity != "" && !s.Escalation.Severity.Valid() {
		return fmt.Errorf("step %s: invalid escalation severity %q", s.ID, s.Escalation.Severity)
	}
	if s.CostEstimate.USD < 0 {
		return fmt.Errorf("step %s: cost_estimate must be >= 0", s.ID)
	}
	if s.LatencyBudgetSec < 0 {
		return fmt.Errorf("step %s: latency_budget_sec must be >= 0", s.ID)
	}
	if s.Compensation != nil && s.Compensation.Action == "" {
		return fmt.Errorf("step %s: compensation action is required", s.ID)
	}
	return nil
}

func (p *Plan) retrospectOwner(id string) (string, bool) {
	for _, s := range p.Steps {
		for _, r := range s.Retrospects {
			if r.ID == id {
				return s.ID, true
			}
		}
	}
	return "", false
}

// hasCycle detects cycles using DFS with color marking.
func (p *Plan) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(p.Steps))

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		for _, dep := range p.DAG[node] {
			if colors[dep] == gray {
				return true
			}
			if colors[dep] == white && dfs(dep) {
				return true
			}
		}
		colors[node] = black
		return false
	}

	for _, s := range p.Steps {
		if colors[s.ID] == white && dfs(s.ID) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	out := *p
	out.Brief.Inputs = cloneMap(p.Brief.Inputs)
	out.Brief.RequiredOutputs = cloneStringMap(p.Brief.RequiredOutputs)
	out.Brief.AcceptanceTests = append([]Assertion(nil), p.Brief.AcceptanceTests...)
	out.Brief.Constraints.SecurityTags = append([]string(nil), p.Brief.Constraints.SecurityTags...)
	out.Brief.Metadata = cloneMap(p.Brief.Metadata)
	out.Metadata = cloneMap(p.Metadata)
	out.Steps = make([]ActionContract, len(p.Steps))
	for i := range p.Steps {
		out.Steps[i] = p.Steps[i].Clone()
	}
	out.DAG = make(map[string][]string, len(p.DAG))
	for k, deps := range p.DAG {
		out.DAG[k] = append([]string(nil), deps...)
	}
	return &out
}

// ApplyPatch returns version N+1 of the plan with patch applied. The
// receiver is not modified.
func (p *Plan) ApplyPatch(patch Patch) (*Plan, error) {
	next := p.Clone()
	next.Version = p.Version + 1
	next.ParentVersion = p.Version
	next.Change = patch.Reason
	next.CreatedAt = time.Now()

	if patch.StepID != "" {
		step, ok := next.Step(patch.StepID)
		if !ok {
			return nil, fmt.Errorf("patch: unknown step %s", patch.StepID)
		}
		if patch.Capability != "" {
			step.Capability = patch.Capability
		}
		if len(patch.Params) > 0 {
			if step.Inputs == nil {
				step.Inputs = make(map[string]any, len(patch.Params))
			}
			for k, v := range patch.Params {
				step.Inputs[k] = cloneValue(v)
			}
		}
		if patch.InsertBefore != nil {
			inserted := patch.InsertBefore.Clone()
			if _, exists := next.Step(inserted.ID); exists {
				return nil, fmt.Errorf("patch: step %s already exists", inserted.ID)
			}
			next.DAG[inserted.ID] = append([]string(nil), next.DAG[patch.StepID]...)
			next.DAG[patch.StepID] = []string{inserted.ID}
			idx := next.stepIndex(patch.StepID)
			next.Steps = append(next.Steps[:idx], append([]ActionContract{inserted}, next.Steps[idx:]...)...)
		}
	} else if patch.IsStructural() {
		return nil, errors.New("patch: structural change requires step_id")
	}

	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("patch produced invalid plan: %w", err)
	}
	return next, nil
}

func (p *Plan) stepIndex(id string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return i
		}
	}
	return len(p.Steps)
}
