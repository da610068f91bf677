package loop

// Per-token pricing for the default agent model ($3/M input, $15/M output).
// Cost is derived from token usage, never tracked independently.
const (
	RateInputPerToken  = 3.0 / 1_000_000
	RateOutputPerToken = 15.0 / 1_000_000
)

// BudgetTracker evaluates limit predicates against run state and accumulates
// derived cost. It has no side effects beyond reading and updating the state
// counters it is handed.
type BudgetTracker struct {
	budget Budget
}

// NewBudgetTracker creates a tracker for the given (default-merged) budget.
func NewBudgetTracker(budget Budget) *BudgetTracker {
	return &BudgetTracker{budget: budget.merged()}
}

// Budget returns the effective limits.
func (t *BudgetTracker) Budget() Budget { return t.budget }

// Check evaluates the limits in fixed order: iterations, cost, wall clock.
// The first limit hit wins.
func (t *BudgetTracker) Check(state *State) (StopReason, bool) {
	if state.Iteration >= t.budget.MaxIterations {
		return ReasonMaxIterations, true
	}
	if state.Cost >= t.budget.MaxCost {
		return ReasonMaxCost, true
	}
	if t.budget.Timeout > 0 && state.Elapsed() >= t.budget.Timeout.Duration() {
		return ReasonTimeout, true
	}
	return "", false
}

// AddUsage accumulates token counts and derives cost from the fixed rates.
// Counters are monotonic non-decreasing; callers must not pass negative
// deltas.
func (t *BudgetTracker) AddUsage(state *State, inputTokens, outputTokens int) float64 {
	delta := float64(inputTokens)*RateInputPerToken + float64(outputTokens)*RateOutputPerToken
	state.Cost += delta
	state.Tokens.Input += inputTokens
	state.Tokens.Output += outputTokens
	state.Tokens.Total += inputTokens + outputTokens
	return delta
}
