package loop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBudgetDefaults(t *testing.T) {
	tracker := NewBudgetTracker(Budget{})
	b := tracker.Budget()
	assert.Equal(t, 50, b.MaxIterations)
	assert.Equal(t, 10.0, b.MaxCost)
	assert.Equal(t, 4*time.Hour, b.Timeout.Duration())
	assert.Equal(t, 100000, b.MaxTokensPerIteration)
}

func TestBudgetCheckOrder(t *testing.T) {
	tracker := NewBudgetTracker(Budget{MaxIterations: 3, MaxCost: 1.0, Timeout: Timeout(time.Nanosecond)})
	state := NewState("run")
	state.StartedAt = time.Now().Add(-time.Hour)
	state.Iteration = 3
	state.Cost = 5.0

	// All three limits are exceeded; iterations must win.
	reason, hit := tracker.Check(state)
	assert.True(t, hit)
	assert.Equal(t, ReasonMaxIterations, reason)

	// Cost beats timeout.
	state.Iteration = 0
	reason, hit = tracker.Check(state)
	assert.True(t, hit)
	assert.Equal(t, ReasonMaxCost, reason)

	// Timeout alone.
	state.Cost = 0
	reason, hit = tracker.Check(state)
	assert.True(t, hit)
	assert.Equal(t, ReasonTimeout, reason)

	state.StartedAt = time.Now()
	tracker = NewBudgetTracker(Budget{MaxIterations: 3, MaxCost: 1.0})
	_, hit = tracker.Check(state)
	assert.False(t, hit)
}

func TestBudgetCostAccrual(t *testing.T) {
	tracker := NewBudgetTracker(Budget{})
	state := NewState("run")

	// 1M input + 500k output at $3/M in and $15/M out is $10.50,
	// which crosses the default $10 limit.
	delta := tracker.AddUsage(state, 1_000_000, 500_000)
	assert.InDelta(t, 10.5, delta, 1e-9)
	assert.InDelta(t, 10.5, state.Cost, 1e-9)
	assert.Equal(t, 1_500_000, state.Tokens.Total)

	reason, hit := tracker.Check(state)
	assert.True(t, hit)
	assert.Equal(t, ReasonMaxCost, reason)
}

func TestBudgetCountersMonotonic(t *testing.T) {
	tracker := NewBudgetTracker(Budget{})
	state := NewState("run")

	prevCost := 0.0
	prevTokens := 0
	for i := 0; i < 10; i++ {
		tracker.AddUsage(state, 1000, 200)
		assert.GreaterOrEqual(t, state.Cost, prevCost)
		assert.GreaterOrEqual(t, state.Tokens.Total, prevTokens)
		prevCost = state.Cost
		prevTokens = state.Tokens.Total
	}
	assert.Equal(t, 12000, state.Tokens.Total)
}
