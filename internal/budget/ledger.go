// Package budget tracks cost and wall-clock spend of one execution against
// the TaskBrief ceilings.
package budget

import (
	"sync"
	"time"

	"github.com/harrison/coordinator/internal/models"
)

// Entry is one charge against the ledger.
type Entry struct {
	StepID    string    `json:"step_id"`
	CostUSD   float64   `json:"cost_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger records spend. Zero limits mean unlimited.
//
// Steps hold their cost estimate with Reserve before they run and Settle
// it against the actual cost afterwards, so concurrent steps cannot
// together exceed the cost ceiling. Thread-safe.
type Ledger struct {
	mu        sync.RWMutex
	costLimit float64            // USD ceiling, 0 = unlimited
	timeLimit time.Duration      // Wall-clock ceiling, 0 = unlimited
	spent     float64            // USD charged so far
	held      float64            // USD reserved by in-flight steps
	reserved  map[string]float64 // step id -> USD reserved
	started   time.Time          // Start of the execution
	entries   []Entry            // Charge history
	now       func() time.Time
}

// NewLedger starts a ledger for the given budget.
func NewLedger(b models.Budget) *Ledger {
	return &Ledger{
		costLimit: b.CostUSD,
		timeLimit: b.Latency(),
		reserved:  make(map[string]float64),
		started:   time.Now(),
		now:       time.Now,
	}
}

func (l *Ledger) charge(stepID string, costUSD float64) {
	if costUSD <= 0 {
		return
	}
	l.spent += costUSD
	l.entries = append(l.entries, Entry{StepID: stepID, CostUSD: costUSD, Timestamp: l.now()})
}

// Reserve holds costUSD for a step until Settle. It holds nothing and
// returns false when the amount does not fit in the remaining budget.
func (l *Ledger) Reserve(stepID string, costUSD float64) bool {
	if costUSD <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.costLimit > 0 && costUSD > l.costLimit-l.spent-l.held {
		return false
	}
	l.reserved[stepID] += costUSD
	l.held += costUSD
	return true
}

// Settle releases everything reserved for a step and charges its actual cost.
func (l *Ledger) Settle(stepID string, actualUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = max(l.held-l.reserved[stepID], 0)
	delete(l.reserved, stepID)
	l.charge(stepID, actualUSD)
}

// Spent returns the total charged.
func (l *Ledger) Spent() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spent
}

// CostRemaining returns the cost budget neither spent nor reserved, and
// whether one is set. The remaining amount never goes below zero.
func (l *Ledger) CostRemaining() (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.costLimit <= 0 {
		return 0, false
	}
	return max(l.costLimit-l.spent-l.held, 0), true
}

// TimeRemaining returns the remaining wall-clock budget and whether one is set.
func (l *Ledger) TimeRemaining() (time.Duration, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.timeLimit <= 0 {
		return 0, false
	}
	return max(l.timeLimit-l.now().Sub(l.started), 0), true
}

// Elapsed returns the wall-clock time since the ledger started.
func (l *Ledger) Elapsed() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.now().Sub(l.started)
}

// Overspent reports whether actual spend went past the cost ceiling.
func (l *Ledger) Overspent() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.costLimit > 0 && l.spent > l.costLimit
}

// Snapshot is the serializable ledger state.
type Snapshot struct {
	CostLimitUSD float64       `json:"cost_limit_usd"`
	TimeLimit    time.Duration `json:"time_limit"`
	SpentUSD     float64       `json:"spent_usd"`
	Elapsed      time.Duration `json:"elapsed"`
	Entries      []Entry       `json:"entries,omitempty"`
}

// Snapshot captures the ledger. Reservations are not captured.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{
		CostLimitUSD: l.costLimit,
		TimeLimit:    l.timeLimit,
		SpentUSD:     l.spent,
		Elapsed:      l.now().Sub(l.started),
		Entries:      append([]Entry(nil), l.entries...),
	}
}

// Restore resumes a ledger from a snapshot; elapsed time carries over.
func Restore(s Snapshot) *Ledger {
	now := time.Now()
	return &Ledger{
		costLimit: s.CostLimitUSD,
		timeLimit: s.TimeLimit,
		spent:     s.SpentUSD,
		reserved:  make(map[string]float64),
		started:   now.Add(-s.Elapsed),
		entries:   append([]Entry(nil), s.Entries...),
		now:       time.Now,
	}
}
