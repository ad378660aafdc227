package domain

import "time"

// FilterChainStats is one archived filter-chain run: the statistics
// snapshot of a single task's evaluation pass, keyed by the task grid
// coordinates. Stored append-only for cross-run analytics.
type FilterChainStats struct {
	ExecutionID string
	Symbol      string
	Timeframe   string
	Strategy    string
	RunAt       time.Time

	TotalEvaluations    int
	ValidTrades         int
	PerFilterExclusions []int // one slot per filter, chain order

	FilterNames     []string
	ExecutionCounts []int
	SuccessCounts   []int
	FailureCounts   []int

	ExecutionTimeMs int64
}
