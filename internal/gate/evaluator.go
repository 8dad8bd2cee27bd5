// Package gate evaluates the boolean assertions used by preconditions,
// postconditions, validators, retrospect checks and typed gates.
package gate

import (
	"fmt"
	"math"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/harrison/coordinator/internal/models"
)

// DefaultBudgetAssertion is used by budget gates that declare no assertion.
const DefaultBudgetAssertion = "cost_estimate.usd <= budget.cost_remaining"

// Result is the outcome of a gate evaluation.
type Result struct {
	Type   models.GateType
	Passed bool
	Reason string
}

// View is the slice of run state an assertion may observe.
type View struct {
	Inputs        map[string]any       // Resolved step inputs
	Outputs       map[string]any       // Capability outputs, nil before execution
	CostRemaining float64              // math.Inf(1) when unlimited
	TimeRemaining float64              // Seconds, math.Inf(1) when unlimited
	CostEstimate  float64              // Step cost estimate in USD
	LatencyBudget float64              // Step latency budget in seconds
	RetroGreen    func(id string) bool // Retrospect status lookup
	Extra         map[string]any       // Additional top-level bindings
}

// Env flattens the view into an expression environment. Input fields and
// then output fields are also bound at top level, so postconditions can be
// written as "error_rate <= 0.02".
func (v View) Env() map[string]any {
	env := make(map[string]any, len(v.Inputs)+len(v.Outputs)+8)
	for k, val := range v.Inputs {
		env[k] = val
	}
	for k, val := range v.Outputs {
		env[k] = val
	}
	for k, val := range v.Extra {
		env[k] = val
	}
	inputs := v.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	outputs := v.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	env["inputs"] = inputs
	env["outputs"] = outputs
	env["budget"] = map[string]any{
		"cost_remaining":     v.CostRemaining,
		"time_remaining_sec": v.TimeRemaining,
	}
	env["cost_estimate"] = map[string]any{"usd": v.CostEstimate}
	env["latency_budget_sec"] = v.LatencyBudget
	green := v.RetroGreen
	if green == nil {
		green = func(string) bool { return false }
	}
	env["retro_green"] = green
	return env
}

// Unlimited converts a zero ceiling into +Inf for expression environments.
func Unlimited(remaining float64, limited bool) float64 {
	if !limited {
		return math.Inf(1)
	}
	return remaining
}

// Evaluator compiles assertions once and caches the programs.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewEvaluator creates an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{programs: make(map[string]*vm.Program)}
}

// Compile parses an assertion and caches the program.
func (e *Evaluator) Compile(assertion string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[assertion]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(assertion)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", assertion, err)
	}
	e.mu.Lock()
	e.programs[assertion] = prog
	e.mu.Unlock()
	return prog, nil
}

// Check evaluates an assertion against env. A non-boolean result is an error.
func (e *Evaluator) Check(assertion string, env map[string]any) (bool, error) {
	prog, err := e.Compile(assertion)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", assertion, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("evaluate %q: expected bool, got %T", assertion, out)
	}
	return b, nil
}

// CheckAll evaluates assertions in order and stops at the first that does
// not hold. The returned string names the failing assertion.
func (e *Evaluator) CheckAll(assertions []string, env map[string]any) (bool, string) {
	for _, a := range assertions {
		ok, err := e.Check(a, env)
		if err != nil {
			return false, err.Error()
		}
		if !ok {
			return false, fmt.Sprintf("%q evaluated false", a)
		}
	}
	return true, ""
}

// Evaluate checks one gate against the view.
func (e *Evaluator) Evaluate(g models.Gate, view View) Result {
	assertion := g.Assertion
	if assertion == "" && g.Type == models.GateBudget {
		assertion = DefaultBudgetAssertion
	}
	res := Result{Type: g.Type}
	ok, err := e.Check(assertion, view.Env())
	switch {
	case err != nil:
		res.Reason = fmt.Sprintf("%s gate: %v", g.Type, err)
	case !ok:
		res.Reason = fmt.Sprintf("%s gate %q failed", g.Type, assertion)
	default:
		res.Passed = true
	}
	return res
}

// ValidatePlan compiles every assertion in the plan so syntax errors
// surface before execution.
func (e *Evaluator) ValidatePlan(p *models.Plan) error {
	for _, t := range p.Brief.AcceptanceTests {
		if _, err := e.Compile(t.Expr); err != nil {
			return fmt.Errorf("acceptance test %s: %w", t.Name, err)
		}
	}
	for _, s := range p.Steps {
		var all []string
		all = append(all, s.Preconditions...)
		all = append(all, s.Postconditions...)
		for _, v := range s.Validators {
			all = append(all, v.Expr)
		}
		for _, g := range s.Gates {
			if g.Assertion != "" {
				all = append(all, g.Assertion)
			}
		}
		for _, r := range s.Retrospects {
			for _, c := range r.Checks {
				if c.Assertion != "" {
					all = append(all, c.Assertion)
				}
			}
		}
		for _, a := range all {
			if _, err := e.Compile(a); err != nil {
				return fmt.Errorf("step %s: %w", s.ID, err)
			}
		}
	}
	return nil
}
