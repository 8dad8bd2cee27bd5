package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/harrison/coordinator/internal/executor"
	"github.com/harrison/coordinator/internal/models"
)

func TestNewConsoleLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewConsoleLogger(buf, " DEBUG ")
	assert.Equal(t, "debug", l.logLevel)
	assert.False(t, l.colorOutput, "buffers are never colored")

	assert.Equal(t, "info", NewConsoleLogger(buf, "verbose").logLevel)
}

func TestConsoleLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		log     func(l *ConsoleLogger)
		wantOut bool
	}{
		{level: "info", log: func(l *ConsoleLogger) { l.LogDebug("hidden") }, wantOut: false},
		{level: "debug", log: func(l *ConsoleLogger) { l.LogDebug("shown") }, wantOut: true},
		{level: "warn", log: func(l *ConsoleLogger) { l.LogInfo("hidden") }, wantOut: false},
		{level: "warn", log: func(l *ConsoleLogger) { l.LogError("shown") }, wantOut: true},
		{level: "trace", log: func(l *ConsoleLogger) { l.LogTrace("shown") }, wantOut: true},
	}
	for _, tt := range tests {
		buf := &bytes.Buffer{}
		tt.log(NewConsoleLogger(buf, tt.level))
		assert.Equal(t, tt.wantOut, buf.Len() > 0, "level %s", tt.level)
	}
}

func TestConsoleLogger_LogFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	NewConsoleLogger(buf, "info").LogWarn("disk almost full")

	out := buf.String()
	assert.Regexp(t, `^\[\d{2}:\d{2}:\d{2}\] \[WARN\] disk almost full\n$`, out)
}

func TestConsoleLogger_NilWriter(t *testing.T) {
	l := NewConsoleLogger(nil, "trace")
	assert.NotPanics(t, func() {
		l.LogInfo("x")
		l.LogBatchStart(executor.Batch{Name: "Batch 1"})
		l.LogSummary(models.ExecutionResult{})
	})
}

func TestConsoleLogger_Batches(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewConsoleLogger(buf, "info")
	batch := executor.Batch{Number: 2, Name: "Batch 2", PlanVersion: 3, StepIDs: []string{"a", "b"}}

	l.LogBatchStart(batch)
	l.LogBatchComplete(batch, 90*time.Second, []models.StepResult{
		{StepID: "a", Status: models.StepCompleted},
		{StepID: "b", Status: models.StepEscalated},
	})

	out := buf.String()
	assert.Contains(t, out, "Starting Batch 2 (v3): 2 steps [a, b]")
	assert.Contains(t, out, "Batch 2 complete (1m30s)")
	assert.Contains(t, out, "1/2 (50%)")
}

func TestConsoleLogger_StepResult(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		result  models.StepResult
		want    string
		wantOut bool
	}{
		{
			name:    "completed at debug",
			level:   "debug",
			result:  models.StepResult{StepID: "load", Capability: "warehouse.load", Status: models.StepCompleted, Attempts: 1, CostUSD: 0.25},
			want:    "Step load (warehouse.load): COMPLETED [attempts=1 cost=$0.2500]",
			wantOut: true,
		},
		{
			name:    "completed hidden at info",
			level:   "info",
			result:  models.StepResult{StepID: "load", Status: models.StepCompleted},
			wantOut: false,
		},
		{
			name:    "escalated at warn with error",
			level:   "warn",
			result:  models.StepResult{StepID: "train", Capability: "ml.train", Status: models.StepEscalated, Error: "budget exhausted"},
			want:    "ESCALATED [attempts=0 cost=$0.0000] - budget exhausted",
			wantOut: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			NewConsoleLogger(buf, tt.level).LogStepResult(tt.result)
			if !tt.wantOut {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestConsoleLogger_PlanChangeAndReplay(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewConsoleLogger(buf, "info")
	l.LogPlanChange(&models.Plan{ID: "etl", Version: 1}, &models.Plan{ID: "etl", Version: 2, Change: "alternate 1 for step fetch: mirror"})
	l.LogReplay("load_a", []string{"art-1", "art-2", "art-3"})

	out := buf.String()
	assert.Contains(t, out, "Plan etl: v1 -> v2 (alternate 1 for step fetch: mirror)")
	assert.Contains(t, out, "Replay from load_a: 3 artifacts invalidated")
}

func TestConsoleLogger_Escalation(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewConsoleLogger(buf, "error")
	l.LogEscalation(models.EscalationEvent{Severity: models.SeverityS3, StepID: "a", Message: "minor"})
	assert.Empty(t, buf.String(), "S3 logs at warn")

	l.LogEscalation(models.EscalationEvent{
		Severity: models.SeverityS1,
		StepID:   "train",
		Message:  "step train escalated",
		Notify:   []string{"ml-oncall", "pager"},
		Cause:    "budget gate failed",
	})
	out := buf.String()
	assert.Contains(t, out, "Escalation [S1] train: step train escalated")
	assert.Contains(t, out, "notify: ml-oncall, pager")
	assert.Contains(t, out, "cause: budget gate failed")
}

func TestConsoleLogger_Compensation(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewConsoleLogger(buf, "info")
	l.LogCompensation(models.CompensationRecord{StepID: "publish", Action: "dashboard.unpublish", Success: true})
	l.LogCompensation(models.CompensationRecord{StepID: "publish", Action: "dashboard.unpublish", Skipped: true})
	l.LogCompensation(models.CompensationRecord{StepID: "publish", Action: "dashboard.unpublish", Error: "api down"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2, "skipped compensations log at debug")
	assert.Contains(t, lines[0], "dashboard.unpublish for step publish: ok")
	assert.Contains(t, lines[1], "FAILED - api down")
}

func TestConsoleLogger_Summary(t *testing.T) {
	buf := &bytes.Buffer{}
	NewConsoleLogger(buf, "info").LogSummary(models.ExecutionResult{
		Versions: []int{1, 2},
		Steps: []models.StepResult{
			{StepID: "a", Status: models.StepCompleted},
			{StepID: "b", Status: models.StepEscalated},
			{StepID: "c", Status: models.StepBlocked},
			{StepID: "d", Status: models.StepBlocked},
		},
		Metrics:     models.Metrics{CostUSD: 1.5, Invocations: 3, Replays: 1},
		Acceptance:  []models.AcceptanceResult{{Name: "rows", Passed: false, Reason: "missing"}},
		Escalations: []models.EscalationEvent{{Severity: models.SeverityS2}},
	})

	out := buf.String()
	assert.Contains(t, out, "=== Execution Summary ===")
	assert.Contains(t, out, "Outcome: FAILED")
	assert.Contains(t, out, "1/4 (25%)")
	assert.Contains(t, out, "Plan versions: v1 -> v2")
	assert.Contains(t, out, "Cost: $1.5000")
	assert.Contains(t, out, "Replays: 1")
	assert.Contains(t, out, "Escalated: b")
	assert.Contains(t, out, "Blocked: c, d")
	assert.Contains(t, out, "Acceptance rows: FAIL - missing")
	assert.Contains(t, out, "Escalations: 1")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{250 * time.Millisecond, "250ms"},
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
		{time.Hour + time.Minute + time.Second, "1h1m1s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}

func TestValidLevel(t *testing.T) {
	assert.True(t, ValidLevel("warn"))
	assert.True(t, ValidLevel("ERROR"))
	assert.False(t, ValidLevel("verbose"))
}

func TestProgressBar(t *testing.T) {
	pb := NewProgressBar(4, 8, false)
	assert.Equal(t, "[        ] 0/4 (0%)", pb.Render())
	pb.Increment()
	pb.Increment()
	assert.Equal(t, 50, pb.Percentage())
	assert.Equal(t, "[====    ] 2/4 (50%)", pb.Render())
	pb.Update(9)
	assert.Equal(t, 100, pb.Percentage())

	empty := NewProgressBar(0, 0, false)
	assert.Equal(t, "[          ] 0/0 (0%)", empty.Render())
}
