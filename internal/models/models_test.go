package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactID_Deterministic(t *testing.T) {
	a, err := ArtifactID("join", 1, map[string]any{"rows": 10, "table": "t1"})
	require.NoError(t, err)
	b, err := ArtifactID("join", 1, map[string]any{"table": "t1", "rows": 10})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	tests := []struct {
		name    string
		stepID  string
		version int
		value   map[string]any
	}{
		{"different step", "load", 1, map[string]any{"rows": 10, "table": "t1"}},
		{"different version", "join", 2, map[string]any{"rows": 10, "table": "t1"}},
		{"different value", "join", 1, map[string]any{"rows": 11, "table": "t1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ArtifactID(tt.stepID, tt.version, tt.value)
			require.NoError(t, err)
			assert.NotEqual(t, a, id)
		})
	}
}

func TestArtifactID_FieldBoundaries(t *testing.T) {
	a, err := ArtifactID("ab", 1, nil)
	require.NoError(t, err)
	b, err := ArtifactID("a", 11, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestArtifactID_Unserializable(t *testing.T) {
	_, err := ArtifactID("s", 1, map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		in       Severity
		elevated Severity
		valid    bool
	}{
		{SeverityS3, SeverityS2, true},
		{SeverityS2, SeverityS1, true},
		{SeverityS1, SeverityS1, true},
		{"S7", SeverityS2, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.elevated, tt.in.Elevate())
			assert.Equal(t, tt.valid, tt.in.Valid())
		})
	}
	assert.Equal(t, SeverityS1, SeverityS3.AtLeast(SeverityS1))
	assert.Equal(t, SeverityS2, SeverityS2.AtLeast(SeverityS3))
}

func TestDecodePolicy(t *testing.T) {
	tests := []struct {
		name    string
		spec    PolicySpec
		want    RecoveryPolicy
		wantErr string
	}{
		{name: "retry leaves defaults to config", spec: PolicySpec{Decision: "retry"}, want: RetryPolicy{}},
		{name: "retry negative attempts", spec: PolicySpec{Decision: "retry", MaxAttempts: -1}, wantErr: "max_attempts must be >= 0"},
		{name: "retry with backoff", spec: PolicySpec{Decision: "retry", MaxAttempts: 5, BackoffSec: 0.5}, want: RetryPolicy{MaxAttempts: 5, Backoff: 500 * time.Millisecond}},
		{name: "alternate", spec: PolicySpec{Decision: "alternate", Capability: "backup"}, want: AlternatePolicy{Capability: "backup"}},
		{name: "alternate empty", spec: PolicySpec{Decision: "alternate"}, wantErr: "agent_or_tool or params required"},
		{name: "replan", spec: PolicySpec{Decision: "replan", Patch: &Patch{StepID: "a", Capability: "b"}}, want: ReplanPolicy{Patch: &Patch{StepID: "a", Capability: "b"}}},
		{name: "cancel", spec: PolicySpec{Decision: "cancel", Reason: "stop"}, want: CancelPolicy{Reason: "stop"}},
		{name: "escalate default severity", spec: PolicySpec{Decision: "escalate", Message: "m"}, want: EscalatePolicy{Severity: SeverityS2, Message: "m"}},
		{name: "escalate bad severity", spec: PolicySpec{Decision: "escalate", Severity: "S0"}, wantErr: "invalid severity"},
		{name: "missing decision", spec: PolicySpec{}, wantErr: "decision is required"},
		{name: "unknown decision", spec: PolicySpec{Decision: "pray"}, wantErr: "unknown policy decision"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePolicy(tt.spec)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := DecodePolicy(EncodePolicy(got))
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestPlanHistory(t *testing.T) {
	v1 := diamondPlan()
	h, err := NewPlanHistory(v1)
	require.NoError(t, err)

	v2, err := v1.ApplyPatch(Patch{StepID: "load_a", Capability: "strict_loader"})
	require.NoError(t, err)
	require.NoError(t, h.Append(v2))

	assert.ErrorContains(t, h.Append(v1), "not greater than latest")
	assert.ErrorContains(t, h.Append(&Plan{ID: "other", Version: 9}), "cannot append")

	assert.Equal(t, []int{1, 2}, h.Versions())
	assert.Equal(t, 2, h.Latest().Version)

	old, ok := h.Get(1)
	require.True(t, ok)
	step, _ := old.Step("load_a")
	assert.Equal(t, "loader", step.Capability)

	// mutating a returned copy leaves history intact
	step.Capability = "tampered"
	again, _ := h.Get(1)
	s, _ := again.Step("load_a")
	assert.Equal(t, "loader", s.Capability)

	_, ok = h.Get(7)
	assert.False(t, ok)
}
