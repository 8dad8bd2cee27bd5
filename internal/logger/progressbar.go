package logger

import (
	"fmt"
	"strings"
	"sync"
)

// ProgressBar renders "[=====     ] n/m (p%)" for completed steps.
type ProgressBar struct {
	mu          sync.RWMutex
	current     int
	total       int
	width       int
	enableColor bool
}

// NewProgressBar creates a progress bar of the given width (default 10).
func NewProgressBar(total, width int, enableColor bool) *ProgressBar {
	if width < 1 {
		width = 10
	}
	return &ProgressBar{total: total, width: width, enableColor: enableColor}
}

// Update sets the current progress value.
func (pb *ProgressBar) Update(current int) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current = current
}

// Increment increments the current progress by 1.
func (pb *ProgressBar) Increment() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current++
}

// Percentage returns the progress percentage clamped to 0-100.
func (pb *ProgressBar) Percentage() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.percentage()
}

func (pb *ProgressBar) percentage() int {
	if pb.total <= 0 {
		return 0
	}
	return min(max((pb.current*100)/pb.total, 0), 100)
}

// Render returns the bar. Complete bars are green and partial ones cyan
// when color is enabled.
func (pb *ProgressBar) Render() string {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	perc := pb.percentage()
	filled := min((perc*pb.width)/100, pb.width)
	out := fmt.Sprintf("[%s%s] %d/%d (%d%%)",
		strings.Repeat("=", filled), strings.Repeat(" ", pb.width-filled), pb.current, pb.total, perc)

	if !pb.enableColor {
		return out
	}
	if perc == 100 {
		return scheme.success.Sprint(out)
	}
	return scheme.label.Sprint(out)
}
