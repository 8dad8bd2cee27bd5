package logger

import (
	"strings"

	"github.com/fatih/color"

	"github.com/harrison/coordinator/internal/models"
)

// colorScheme defines consistent colors across console output.
// Green: success, Red: failure, Yellow: warnings, Cyan: labels.
type colorScheme struct {
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	label   *color.Color
	muted   *color.Color
}

var scheme = colorScheme{
	success: color.New(color.FgGreen),
	fail:    color.New(color.FgRed),
	warn:    color.New(color.FgYellow),
	label:   color.New(color.FgCyan),
	muted:   color.New(color.FgHiBlack),
}

func levelColor(level string) *color.Color {
	switch strings.ToUpper(level) {
	case "TRACE":
		return scheme.muted
	case "DEBUG":
		return scheme.label
	case "WARN":
		return scheme.warn
	case "ERROR":
		return scheme.fail
	default:
		return color.New(color.FgBlue)
	}
}

func statusColor(status models.StepStatus) *color.Color {
	switch status {
	case models.StepCompleted:
		return scheme.success
	case models.StepEscalated:
		return scheme.fail
	case models.StepCancelled, models.StepInvalidated:
		return scheme.warn
	case models.StepBlocked:
		return scheme.muted
	default:
		return nil
	}
}

// severityColor: S1 bold red, S2 red, S3 yellow.
func severityColor(sev models.Severity) *color.Color {
	switch sev {
	case models.SeverityS1:
		return color.New(color.FgRed, color.Bold)
	case models.SeverityS2:
		return scheme.fail
	default:
		return scheme.warn
	}
}
