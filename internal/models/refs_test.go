package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractRefs(t *testing.T) {
	inputs := map[string]any{
		"left":   "{{ load_a.rows }}",
		"nested": map[string]any{"list": []any{"{{load_b.stats.count}}", 3}},
		"text":   "date={{ brief.date }}",
		"plain":  "no refs",
	}

	refs := ExtractRefs(inputs)
	assert.Len(t, refs, 3)
	assert.Equal(t, []string{"load_a", "load_b"}, RefSteps(inputs))
}

func TestResolveRefs(t *testing.T) {
	values := map[string]map[string]any{
		"load_a": {"rows": 42, "stats": map[string]any{"dupes": 0}},
		"brief":  {"date": "2024-01-01"},
	}
	lookup := func(r Ref) (any, error) {
		v, ok := LookupPath(values[r.Step], r.Path)
		if !ok {
			return nil, errors.New("missing " + r.String())
		}
		return v, nil
	}

	tests := []struct {
		name    string
		in      any
		want    any
		wantErr bool
	}{
		{name: "whole value keeps type", in: "{{ load_a.rows }}", want: 42},
		{name: "nested path", in: "{{ load_a.stats.dupes }}", want: 0},
		{name: "interpolation", in: "rows={{ load_a.rows }} on {{ brief.date }}", want: "rows=42 on 2024-01-01"},
		{name: "literal", in: 7, want: 7},
		{name: "slice", in: []any{"{{ load_a.rows }}", "x"}, want: []any{42, "x"}},
		{name: "missing field", in: "{{ load_a.nope }}", wantErr: true},
		{name: "missing inside text", in: "x {{ load_a.nope }}", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveRefs(tt.in, lookup)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveMapDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"a": "{{ brief.x }}"}
	out, err := ResolveMap(in, func(Ref) (any, error) { return "resolved", nil })
	require.NoError(t, err)
	assert.Equal(t, "resolved", out["a"])
	assert.Equal(t, "{{ brief.x }}", in["a"])
}
