package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/harrison/coordinator/internal/models"
)

// TestNewStepError verifies StepError creation and Error() formatting.
func TestNewStepError(t *testing.T) {
	tests := []struct {
		name        string
		kind        FailureKind
		gate        models.GateType
		message     string
		err         error
		wantContain []string
	}{
		{
			name:        "execution failure",
			kind:        ExecutionFailure,
			message:     "invoke loader",
			err:         errors.New("connection refused"),
			wantContain: []string{"step load_a (v3)", "ExecutionFailure", "invoke loader", "connection refused"},
		},
		{
			name:        "gate failure names the gate",
			kind:        GateFailure,
			gate:        models.GateBudget,
			message:     "budget gate failed",
			wantContain: []string{"GateFailure [budget]", "budget gate failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := NewStepError(tt.kind, "load_a", 3, tt.message, tt.err)
			se.Gate = tt.gate

			if se.Timestamp.IsZero() {
				t.Error("expected non-zero Timestamp")
			}
			errString := se.Error()
			for _, want := range tt.wantContain {
				if !strings.Contains(errString, want) {
					t.Errorf("Error() = %q, want to contain %q", errString, want)
				}
			}
		})
	}
}

// TestStepErrorWrapping verifies errors.Is, errors.As and KindOf through wrapping.
func TestStepErrorWrapping(t *testing.T) {
	base := errors.New("base error")
	wrapped := fmt.Errorf("batch 2: %w", NewStepError(PostconditionFailure, "join", 1, "", base))

	if !errors.Is(wrapped, base) {
		t.Error("errors.Is should find wrapped error")
	}
	if !IsStepError(wrapped) {
		t.Error("IsStepError should be true for wrapped StepError")
	}
	kind, ok := KindOf(wrapped)
	if !ok || kind != PostconditionFailure {
		t.Errorf("KindOf = %v, %v; want PostconditionFailure, true", kind, ok)
	}
	if _, ok := KindOf(base); ok {
		t.Error("KindOf should be false for a plain error")
	}
	if IsStepError(nil) {
		t.Error("IsStepError(nil) should be false")
	}
}

func TestFailureKind(t *testing.T) {
	tests := []struct {
		kind      FailureKind
		name      string
		retryable bool
	}{
		{PreconditionFailure, "PreconditionFailure", false},
		{ExecutionFailure, "ExecutionFailure", true},
		{PostconditionFailure, "PostconditionFailure", true},
		{ValidatorFailure, "ValidatorFailure", true},
		{RetrospectFailure, "RetrospectFailure", false},
		{GateFailure, "GateFailure", false},
		{CompensationFailure, "CompensationFailure", false},
		{FailureKind(99), "unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.kind.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

// TestTimeoutError verifies timeout detection through both error forms.
func TestTimeoutError(t *testing.T) {
	te := NewTimeoutError("slow_step", 0)
	if !errors.Is(te, context.DeadlineExceeded) {
		t.Error("TimeoutError should unwrap to context.DeadlineExceeded")
	}
	if !IsTimeoutError(NewStepError(ExecutionFailure, "slow_step", 1, "", te)) {
		t.Error("IsTimeoutError should see through StepError")
	}
	if !IsTimeoutError(context.DeadlineExceeded) {
		t.Error("IsTimeoutError should accept context.DeadlineExceeded")
	}
	if IsTimeoutError(errors.New("other")) || IsTimeoutError(nil) {
		t.Error("IsTimeoutError should reject unrelated errors")
	}
}

func TestEscalatedError(t *testing.T) {
	err := fmt.Errorf("execute: %w", &EscalatedError{
		PlanID:      "diamond",
		PlanVersion: 4,
		Steps:       []string{"publish"},
		Events:      []models.EscalationEvent{{Severity: models.SeverityS1, StepID: "publish", Message: "publish blocked"}},
	})
	if !IsEscalatedError(err) {
		t.Fatal("IsEscalatedError should be true")
	}
	for _, want := range []string{"plan diamond (v4)", "1 step(s) escalated: publish", "[S1] publish: publish blocked"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error() = %q, want to contain %q", err.Error(), want)
		}
	}
}
