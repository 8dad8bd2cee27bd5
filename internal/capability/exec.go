package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// waitDelay bounds how long Wait keeps reading pipes after the process is killed.
const waitDelay = 2 * time.Second

// CostOutputKey lets a command report its own spend in its JSON output.
const CostOutputKey = "cost_usd"

// ExecCapability runs an external command. Inputs are written to stdin as
// a JSON object; stdout must be a JSON object, which becomes the outputs.
type ExecCapability struct {
	Path    string        // Executable
	Args    []string      // Fixed arguments
	CostUSD float64       // Cost charged when the command does not report one
	Timeout time.Duration // Optional per-call timeout
	Env     []string      // Extra environment, KEY=VALUE
}

// NewExecCapability builds a capability from a command line such as
// "python3 tools/load.py --strict".
func NewExecCapability(command string, costUSD float64, timeout time.Duration) (*ExecCapability, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("exec capability: empty command")
	}
	return &ExecCapability{
		Path:    fields[0],
		Args:    fields[1:],
		CostUSD: costUSD,
		Timeout: timeout,
	}, nil
}

// ExitError reports a non-zero exit status with the command's stderr.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Call implements Capability.
func (c *ExecCapability) Call(ctx context.Context, inputs map[string]any) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(inputs)
	if err != nil {
		return Result{}, fmt.Errorf("exec %s: encode inputs: %w", c.Path, err)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = waitDelay
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("exec %s: %w", c.Path, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, &ExitError{Command: c.Path, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return Result{}, fmt.Errorf("exec %s: %w", c.Path, err)
	}

	outputs, err := ParseOutput(stdout.Bytes())
	if err != nil {
		return Result{}, fmt.Errorf("exec %s: %w", c.Path, err)
	}
	cost := c.CostUSD
	if reported, ok := outputs[CostOutputKey].(float64); ok {
		cost = reported
		delete(outputs, CostOutputKey)
	}
	return Result{Outputs: outputs, CostUSD: cost}, nil
}

// ParseOutput decodes a command's stdout into an output map. Empty output
// yields an empty map.
func ParseOutput(out []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	var outputs map[string]any
	if err := json.Unmarshal(trimmed, &outputs); err != nil {
		return nil, fmt.Errorf("output is not a JSON object: %w", err)
	}
	if outputs == nil {
		outputs = map[string]any{}
	}
	return outputs, nil
}
