// Package logger provides logging implementations for coordinator runs.
//
// ConsoleLogger reports batch, step, plan-version, replay, escalation and
// compensation progress for humans. AuditLog writes every audit event as a
// JSON line for machines. Both are safe for concurrent use.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/harrison/coordinator/internal/executor"
	"github.com/harrison/coordinator/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs execution progress to a writer with timestamps.
// All output is prefixed with [HH:MM:SS]. Color is enabled for terminal
// output (os.Stdout/os.Stderr) unless NO_COLOR is set.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

var _ executor.Logger = (*ConsoleLogger)(nil)

// NewConsoleLogger creates a ConsoleLogger that writes to writer.
// A nil writer discards everything. logLevel is one of trace, debug, info,
// warn or error (case-insensitive) and defaults to info.
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// SetColor forces color output on or off.
func (cl *ConsoleLogger) SetColor(enabled bool) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cl.colorOutput = enabled
}

// isTerminal reports whether w is a standard stream with color support.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}
	if w == os.Stdout || w == os.Stderr {
		return !color.NoColor
	}
	return false
}

// normalizeLogLevel lowercases and validates a level, defaulting to info.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

// ValidLevel reports whether level names a known log level.
func ValidLevel(level string) bool {
	return normalizeLogLevel(level) == strings.ToLower(strings.TrimSpace(level))
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// LogTrace logs a trace-level message.
func (cl *ConsoleLogger) LogTrace(message string) { cl.logWithLevel("TRACE", message) }

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) { cl.logWithLevel("DEBUG", message) }

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) { cl.logWithLevel("INFO", message) }

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) { cl.logWithLevel("WARN", message) }

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) { cl.logWithLevel("ERROR", message) }

// logWithLevel writes "[HH:MM:SS] [LEVEL] message" if filtering allows it.
func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	label := level
	if cl.colorOutput {
		label = levelColor(level).Sprint(level)
	}
	fmt.Fprintf(cl.writer, "[%s] [%s] %s\n", timestamp(), label, message)
}

// write emits lines at the given level, each prefixed with the timestamp.
func (cl *ConsoleLogger) write(level string, lines ...string) {
	if cl.writer == nil || !cl.shouldLog(level) {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var sb strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&sb, "[%s] %s\n", ts, line)
	}
	io.WriteString(cl.writer, sb.String())
}

// paint applies c when color output is on.
func (cl *ConsoleLogger) paint(c *color.Color, s string) string {
	if !cl.colorOutput || c == nil {
		return s
	}
	return c.Sprint(s)
}

// LogBatchStart logs the start of a batch at INFO level.
// Format: "[HH:MM:SS] Starting <name> (v<version>): <count> steps [<id>, ...]"
func (cl *ConsoleLogger) LogBatchStart(batch executor.Batch) {
	name := cl.paint(color.New(color.Bold), batch.Name)
	cl.write("info", fmt.Sprintf("Starting %s (v%d): %d steps [%s]",
		name, batch.PlanVersion, len(batch.StepIDs), strings.Join(batch.StepIDs, ", ")))
}

// LogBatchComplete logs batch completion with a progress bar over its steps.
// Format: "[HH:MM:SS] <name> complete (<duration>) [====] n/m (p%)"
func (cl *ConsoleLogger) LogBatchComplete(batch executor.Batch, duration time.Duration, results []models.StepResult) {
	completed := 0
	for _, r := range results {
		if r.Status == models.StepCompleted {
			completed++
		}
	}
	pb := NewProgressBar(len(results), 10, cl.colorOutput)
	pb.Update(completed)

	word := "complete"
	if completed < len(results) {
		word = cl.paint(scheme.warn, word)
	} else {
		word = cl.paint(scheme.success, word)
	}
	name := cl.paint(color.New(color.Bold), batch.Name)
	cl.write("info", fmt.Sprintf("%s %s (%s) %s", name, word, formatDuration(duration), pb.Render()))
}

// LogStepResult logs one step outcome. Completed steps log at DEBUG, every
// other status at WARN.
// Format: "[HH:MM:SS] Step <id> (<capability>): <STATUS> [attempts=n cost=$x]"
func (cl *ConsoleLogger) LogStepResult(result models.StepResult) {
	level := "warn"
	if result.Status == models.StepCompleted {
		level = "debug"
	}
	status := cl.paint(statusColor(result.Status), strings.ToUpper(string(result.Status)))
	line := fmt.Sprintf("Step %s (%s): %s [attempts=%d cost=$%.4f]",
		result.StepID, result.Capability, status, result.Attempts, result.CostUSD)
	if result.Error != "" {
		line += " - " + result.Error
	}
	cl.write(level, line)
}

// LogPlanChange logs a new plan version at INFO level.
func (cl *ConsoleLogger) LogPlanChange(from, to *models.Plan) {
	if from == nil || to == nil {
		return
	}
	line := fmt.Sprintf("Plan %s: v%d -> v%d", to.ID, from.Version, to.Version)
	if to.Change != "" {
		line += " (" + to.Change + ")"
	}
	cl.write("info", cl.paint(scheme.label, line))
}

// LogReplay logs a retrospect-driven replay at WARN level.
func (cl *ConsoleLogger) LogReplay(rootStep string, invalidated []string) {
	cl.write("warn", fmt.Sprintf("%s from %s: %d artifacts invalidated",
		cl.paint(scheme.warn, "Replay"), rootStep, len(invalidated)))
}

// LogEscalation logs an escalation at ERROR level for S1 and WARN otherwise.
func (cl *ConsoleLogger) LogEscalation(ev models.EscalationEvent) {
	level := "warn"
	if ev.Severity == models.SeverityS1 {
		level = "error"
	}
	sev := cl.paint(severityColor(ev.Severity), "["+string(ev.Severity)+"]")
	lines := []string{fmt.Sprintf("Escalation %s %s: %s", sev, ev.StepID, ev.Message)}
	if len(ev.Notify) > 0 {
		lines = append(lines, "  notify: "+strings.Join(ev.Notify, ", "))
	}
	if ev.Cause != "" {
		lines = append(lines, "  cause: "+ev.Cause)
	}
	cl.write(level, lines...)
}

// LogCompensation logs a compensation at INFO level, or ERROR when it failed.
func (cl *ConsoleLogger) LogCompensation(rec models.CompensationRecord) {
	switch {
	case rec.Skipped:
		cl.write("debug", fmt.Sprintf("Compensation %s for step %s: already applied", rec.Action, rec.StepID))
	case rec.Success:
		cl.write("info", fmt.Sprintf("Compensation %s for step %s: %s", rec.Action, rec.StepID, cl.paint(scheme.success, "ok")))
	default:
		cl.write("error", fmt.Sprintf("Compensation %s for step %s: %s - %s", rec.Action, rec.StepID, cl.paint(scheme.fail, "FAILED"), rec.Error))
	}
}

// LogSummary logs the execution summary at INFO level.
func (cl *ConsoleLogger) LogSummary(result models.ExecutionResult) {
	counts := make(map[models.StepStatus]int)
	for _, s := range result.Steps {
		counts[s.Status]++
	}
	pb := NewProgressBar(len(result.Steps), 20, cl.colorOutput)
	pb.Update(counts[models.StepCompleted])

	outcome := cl.paint(scheme.success, "SUCCESS")
	if !result.Success {
		outcome = cl.paint(scheme.fail, "FAILED")
	}
	lines := []string{
		cl.paint(color.New(color.Bold), "=== Execution Summary ==="),
		"Outcome: " + outcome,
		"Steps: " + pb.Render(),
		fmt.Sprintf("Plan versions: %s", joinInts(result.Versions)),
		formatMetrics(result.Metrics),
	}
	for _, status := range []models.StepStatus{models.StepEscalated, models.StepCancelled, models.StepBlocked} {
		if counts[status] == 0 {
			continue
		}
		var ids []string
		for _, s := range result.Steps {
			if s.Status == status {
				ids = append(ids, s.StepID)
			}
		}
		lines = append(lines, cl.paint(statusColor(status), fmt.Sprintf("%s: %s", capitalize(string(status)), strings.Join(ids, ", "))))
	}
	for _, a := range result.Acceptance {
		mark := cl.paint(scheme.success, "PASS")
		if !a.Passed {
			mark = cl.paint(scheme.fail, "FAIL")
		}
		line := fmt.Sprintf("Acceptance %s: %s", a.Name, mark)
		if a.Reason != "" {
			line += " - " + a.Reason
		}
		lines = append(lines, line)
	}
	if n := len(result.Escalations); n > 0 {
		lines = append(lines, cl.paint(scheme.warn, fmt.Sprintf("Escalations: %d", n)))
	}
	cl.write("info", lines...)
}

func formatMetrics(m models.Metrics) string {
	return fmt.Sprintf("Cost: $%.4f  Duration: %s  Invocations: %d  Retries: %d  Replans: %d  Replays: %d",
		m.CostUSD, formatDuration(m.Duration), m.Invocations, m.Retries, m.Replans, m.Replays)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("v%d", v)
	}
	return strings.Join(parts, " -> ")
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, remainder/time.Second)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, remainder/time.Second)
	case d < time.Second && d > 0:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	}
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

var _ executor.Logger = NoOpLogger{}

func (NoOpLogger) LogBatchStart(executor.Batch) {}
func (NoOpLogger) LogBatchComplete(executor.Batch, time.Duration, []models.StepResult) {}
func (NoOpLogger) LogStepResult(models.StepResult) {}
func (NoOpLogger) LogPlanChange(from, to *models.Plan) {}
func (NoOpLogger) LogReplay(string, []string) {}
func (NoOpLogger) LogEscalation(models.EscalationEvent) {}
func (NoOpLogger) LogCompensation(models.CompensationRecord) {}
func (NoOpLogger) LogSummary(models.ExecutionResult) {}
