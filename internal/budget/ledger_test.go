package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/harrison/coordinator/internal/models"
)

func TestLedger_CostRemaining(t *testing.T) {
	tests := []struct {
		name        string
		limit       float64
		charges     []float64
		wantRemain  float64
		wantLimited bool
		reserve     float64
		wantReserve bool
	}{
		{name: "unlimited", limit: 0, charges: []float64{5}, wantLimited: false, reserve: 1000, wantReserve: true},
		{name: "within budget", limit: 3, charges: []float64{1, 1}, wantRemain: 1, wantLimited: true, reserve: 1, wantReserve: true},
		{name: "step over remaining", limit: 3, charges: []float64{2}, wantRemain: 1, wantLimited: true, reserve: 2, wantReserve: false},
		{name: "overspent clamps to zero", limit: 1, charges: []float64{1.5}, wantRemain: 0, wantLimited: true, reserve: 0.1, wantReserve: false},
		{name: "non-positive charges ignored", limit: 2, charges: []float64{0, -1}, wantRemain: 2, wantLimited: true, reserve: 2, wantReserve: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger(models.Budget{CostUSD: tt.limit})
			for _, c := range tt.charges {
				l.Settle("s", c)
			}
			remain, limited := l.CostRemaining()
			assert.Equal(t, tt.wantLimited, limited)
			assert.InDelta(t, tt.wantRemain, remain, 1e-9)
			assert.Equal(t, tt.wantReserve, l.Reserve("next", tt.reserve))
		})
	}
}

func TestLedger_TimeRemaining(t *testing.T) {
	l := NewLedger(models.Budget{LatencySec: 10})
	start := l.started
	l.now = func() time.Time { return start.Add(4 * time.Second) }

	remain, limited := l.TimeRemaining()
	assert.True(t, limited)
	assert.Equal(t, 6*time.Second, remain)

	l.now = func() time.Time { return start.Add(11 * time.Second) }
	remain, _ = l.TimeRemaining()
	assert.Equal(t, time.Duration(0), remain)
}

func TestLedger_ReserveAndSettle(t *testing.T) {
	l := NewLedger(models.Budget{CostUSD: 1})

	assert.True(t, l.Reserve("extract", 0.8))
	remain, _ := l.CostRemaining()
	assert.InDelta(t, 0.2, remain, 1e-9)
	assert.False(t, l.Reserve("load", 0.8), "a second estimate must not fit in what the first left")
	assert.Zero(t, l.Spent())

	l.Settle("load", 0)
	remain, _ = l.CostRemaining()
	assert.InDelta(t, 0.2, remain, 1e-9, "settling a step with no reservation leaves others held")

	l.Settle("extract", 0.5)
	assert.InDelta(t, 0.5, l.Spent(), 1e-9)
	remain, _ = l.CostRemaining()
	assert.InDelta(t, 0.5, remain, 1e-9)
	assert.True(t, l.Reserve("load", 0.5))
	assert.False(t, l.Overspent())

	l.Settle("load", 0.7)
	assert.True(t, l.Overspent())
	remain, _ = l.CostRemaining()
	assert.Zero(t, remain)
}

func TestLedger_SnapshotRestore(t *testing.T) {
	l := NewLedger(models.Budget{CostUSD: 5, LatencySec: 60})
	l.Settle("load", 1.5)
	l.Settle("join", 0.5)

	r := Restore(l.Snapshot())
	assert.Equal(t, 2.0, r.Spent())
	entries := r.Snapshot().Entries
	assert.Len(t, entries, 2)
	assert.Equal(t, "load", entries[0].StepID)
	remain, _ := r.CostRemaining()
	assert.InDelta(t, 3.0, remain, 1e-9)
	assert.GreaterOrEqual(t, r.Elapsed(), time.Duration(0))
}
