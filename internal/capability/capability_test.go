package capability

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Invoke(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("echo", func(ctx context.Context, in map[string]any) (Result, error) {
		return Result{Outputs: map[string]any{"got": in["x"]}, CostUSD: 0.25}, nil
	})
	r.RegisterFunc("nil_outputs", func(ctx context.Context, in map[string]any) (Result, error) {
		return Result{}, nil
	})

	res, err := r.Invoke(context.Background(), "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outputs["got"])
	assert.Equal(t, 0.25, res.CostUSD)

	res, err = r.Invoke(context.Background(), "nil_outputs", nil)
	require.NoError(t, err)
	assert.NotNil(t, res.Outputs)

	_, err = r.Invoke(context.Background(), "missing", nil)
	assert.True(t, errors.Is(err, ErrUnknown))

	assert.True(t, r.Has("echo"))
	assert.Equal(t, []string{"echo", "nil_outputs"}, r.Refs())
}

func TestRegistry_CancelledContext(t *testing.T) {
	r := NewRegistry()
	called := false
	r.RegisterFunc("c", func(ctx context.Context, in map[string]any) (Result, error) {
		called = true
		return Result{}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Invoke(ctx, "c", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestNewExecCapability(t *testing.T) {
	c, err := NewExecCapability("python3 load.py --strict", 0.5, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "python3", c.Path)
	assert.Equal(t, []string{"load.py", "--strict"}, c.Args)

	_, err = NewExecCapability("   ", 0, 0)
	assert.Error(t, err)
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestExecCapability_Call(t *testing.T) {
	requireBinary(t, "cat")
	requireBinary(t, "sh")

	tests := []struct {
		name     string
		cap      *ExecCapability
		inputs   map[string]any
		want     map[string]any
		wantCost float64
		wantErr  string
	}{
		{
			name:     "echo inputs through cat",
			cap:      &ExecCapability{Path: "cat", CostUSD: 0.1},
			inputs:   map[string]any{"rows": 3.0},
			want:     map[string]any{"rows": 3.0},
			wantCost: 0.1,
		},
		{
			name:     "reported cost overrides",
			cap:      &ExecCapability{Path: "sh", Args: []string{"-c", `echo '{"ok": true, "cost_usd": 0.75}'`}, CostUSD: 0.1},
			want:     map[string]any{"ok": true},
			wantCost: 0.75,
		},
		{
			name: "empty output",
			cap:  &ExecCapability{Path: "sh", Args: []string{"-c", "true"}},
			want: map[string]any{},
		},
		{
			name:    "non json output",
			cap:     &ExecCapability{Path: "sh", Args: []string{"-c", "echo hello"}},
			wantErr: "not a JSON object",
		},
		{
			name:    "non zero exit",
			cap:     &ExecCapability{Path: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}},
			wantErr: "exited with code 3: boom",
		},
		{
			name:    "timeout",
			cap:     &ExecCapability{Path: "sh", Args: []string{"-c", "exec sleep 5"}, Timeout: 50 * time.Millisecond},
			wantErr: "deadline exceeded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.cap.Call(context.Background(), tt.inputs)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outputs)
			assert.Equal(t, tt.wantCost, res.CostUSD)
		})
	}
}

func TestExecCapability_ExitErrorType(t *testing.T) {
	requireBinary(t, "sh")
	c := &ExecCapability{Path: "sh", Args: []string{"-c", "exit 2"}}
	_, err := c.Call(context.Background(), nil)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.ExitCode)
}
