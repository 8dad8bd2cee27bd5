package retrospect

import (
	"context"
	"fmt"

	"github.com/harrison/coordinator/internal/capability"
	"github.com/harrison/coordinator/internal/gate"
	"github.com/harrison/coordinator/internal/models"
)

// DefaultCapabilityAssertion applies to checks backed by a capability
// that declare no assertion.
const DefaultCapabilityAssertion = "ok == true"

// ArtifactSource resolves cross-referenced artifacts.
type ArtifactSource interface {
	Get(id string) (*models.Artifact, bool)
}

// ExprChecker evaluates each check as an expression over the artifact
// value. Parent artifacts are bound as parents.<step_id>. A check with a
// capability first invokes it with the resolved params plus the artifact,
// and evaluates its assertion over the returned outputs.
type ExprChecker struct {
	Evaluator *gate.Evaluator
	Invoker   capability.Invoker // Optional, required for capability checks
	Artifacts ArtifactSource     // Optional, enables parents.* bindings
}

// Run implements Checker.
func (c *ExprChecker) Run(ctx context.Context, job models.RetrospectJob, target *models.Artifact) (bool, string, error) {
	parents := c.parentValues(target)
	for _, check := range job.Checks {
		if err := ctx.Err(); err != nil {
			return false, "", err
		}
		ok, reason, err := c.runCheck(ctx, check, target, parents)
		if err != nil {
			return false, "", fmt.Errorf("check %s: %w", check.Name, err)
		}
		if !ok {
			return false, fmt.Sprintf("check %s: %s", check.Name, reason), nil
		}
	}
	return true, "", nil
}

func (c *ExprChecker) runCheck(ctx context.Context, check models.Check, target *models.Artifact, parents map[string]any) (bool, string, error) {
	env := gate.View{
		Outputs: target.Value,
		Extra:   map[string]any{"parents": parents, "artifact_id": target.ID},
	}
	assertion := check.Assertion

	if check.Capability != "" {
		if c.Invoker == nil {
			return false, "", fmt.Errorf("no invoker for capability %s", check.Capability)
		}
		params, err := models.ResolveMap(check.Params, func(r models.Ref) (any, error) {
			if r.Step != models.RefSelf {
				return nil, fmt.Errorf("reference %s not allowed in retrospect params", r)
			}
			v, ok := models.LookupPath(target.Value, r.Path)
			if !ok {
				return nil, fmt.Errorf("artifact has no field %s", r)
			}
			return v, nil
		})
		if err != nil {
			return false, "", err
		}
		params["artifact"] = models.CloneValues(target.Value)
		params["artifact_id"] = target.ID
		res, err := c.Invoker.Invoke(ctx, check.Capability, params)
		if err != nil {
			return false, "", err
		}
		env.Inputs = target.Value
		env.Outputs = res.Outputs
		if assertion == "" {
			assertion = DefaultCapabilityAssertion
		}
	}
	if assertion == "" {
		return false, "", fmt.Errorf("empty assertion")
	}

	ok, err := c.Evaluator.Check(assertion, env.Env())
	if err != nil {
		return false, err.Error(), nil
	}
	if !ok {
		return false, fmt.Sprintf("%q evaluated false", assertion), nil
	}
	return true, "", nil
}

func (c *ExprChecker) parentValues(target *models.Artifact) map[string]any {
	out := make(map[string]any, len(target.Parents))
	if c.Artifacts == nil {
		return out
	}
	for _, id := range target.Parents {
		if p, ok := c.Artifacts.Get(id); ok {
			out[p.StepID] = p.Value
		}
	}
	return out
}
