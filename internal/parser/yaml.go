package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/coordinator/internal/models"
)

// YAMLParser parses YAML and JSON plan files.
//
// Example:
//
//	plan_id: quarterly-report
//	task_brief:
//	  objective: Publish the quarterly revenue dashboard
//	  constraints:
//	    budget: {cost_usd: 5}
//	steps:
//	  - id: fetch
//	    agent_or_tool: warehouse.query
//	    fallbacks:
//	      - {decision: retry, max_attempts: 3, backoff_sec: 2}
//	  - id: publish
//	    agent_or_tool: dashboard.publish
//	    depends_on: [fetch]
//	    inputs: {rows: "{{ fetch.rows }}"}
//
// Dependencies come from each step's depends_on or from a top-level dag map.
type YAMLParser struct{}

// NewYAMLParser creates a YAML parser.
func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

// Parse implements Parser.
func (p *YAMLParser) Parse(r io.Reader) (*models.Plan, error) {
	return parse(p, r)
}

// planWire is the document layout. Steps stay raw so the contract's own
// JSON decoding builds recovery policies.
type planWire struct {
	ID       string              `json:"plan_id"`
	Version  int                 `json:"version"`
	Brief    models.TaskBrief    `json:"task_brief"`
	Steps    []json.RawMessage   `json:"steps"`
	DAG      map[string][]string `json:"dag"`
	Metadata map[string]any      `json:"metadata"`
}

type stepDeps struct {
	ID        string   `json:"id"`
	DependsOn []string `json:"depends_on"`
}

func (p *YAMLParser) decode(content []byte) (*models.Plan, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, fmt.Errorf("empty plan")
	}
	var raw any
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	doc, ok := normalize(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("plan must be a mapping, got %T", raw)
	}
	return decodeDocument(doc)
}

// decodeDocument converts a generic plan document into a Plan.
func decodeDocument(doc map[string]any) (*models.Plan, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w planWire
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}

	plan := &models.Plan{
		ID:        w.ID,
		Version:   w.Version,
		Brief:     w.Brief,
		DAG:       make(map[string][]string, len(w.Steps)),
		Metadata:  w.Metadata,
		CreatedAt: time.Now(),
	}
	if plan.Version == 0 {
		plan.Version = 1
	}
	for step, deps := range w.DAG {
		plan.DAG[step] = append([]string(nil), deps...)
	}

	for i, rawStep := range w.Steps {
		var step models.ActionContract
		if err := json.Unmarshal(rawStep, &step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		var deps stepDeps
		if err := json.Unmarshal(rawStep, &deps); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		if len(deps.DependsOn) > 0 {
			if _, declared := w.DAG[step.ID]; declared {
				return nil, fmt.Errorf("step %s: dependencies declared in both depends_on and dag", step.ID)
			}
			plan.DAG[step.ID] = deps.DependsOn
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

// normalize converts YAML's map[any]any into JSON-compatible maps.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
