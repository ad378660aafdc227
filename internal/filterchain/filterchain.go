// Package filterchain implements the nine-stage trade filter chain:
// an ordered evaluator that judges, per evaluation point, whether a
// leveraged long entry is justified. The first failing filter excludes
// the point; a trade is built only when all nine pass.
package filterchain

import (
	"time"
)

// Weight is the cost class of a filter.
type Weight string

// Filter weight classes
const (
	WeightLight  Weight = "light"
	WeightMedium Weight = "medium"
	WeightHeavy  Weight = "heavy"
)

// FilterResult is the verdict of one filter on one evaluation point.
type FilterResult struct {
	Passed    bool
	Reason    string
	Metrics   map[string]float64
	Timestamp time.Time
}

// Filter is one stage of the chain.
type Filter interface {
	// Name identifies the filter in statistics and logs.
	Name() string

	// Weight classifies the filter's expected cost.
	Weight() Weight

	// MaxExecutionTime is a soft budget. Exceeding it is logged, not
	// fatal.
	MaxExecutionTime() time.Duration

	// Execute judges one evaluation point. Errors are translated by
	// the chain into a failed result; they never cross evaluation
	// points.
	Execute(data *PreparedData, strat *Strategy, evalTime time.Time) (FilterResult, error)
}

// ValidTrade is an evaluation point that survived all nine filters.
type ValidTrade struct {
	TradeID         string
	Symbol          string
	Timeframe       string
	StrategyName    string
	EntryTimeMs     int64
	EntryPrice      float64
	Leverage        float64
	ProfitPotential float64
	DownsideRisk    float64
	RiskReward      float64
	Confidence      float64
}

func pass(metrics map[string]float64, at time.Time) FilterResult {
	return FilterResult{Passed: true, Metrics: metrics, Timestamp: at}
}

func reject(reason string, metrics map[string]float64, at time.Time) FilterResult {
	return FilterResult{Passed: false, Reason: reason, Metrics: metrics, Timestamp: at}
}
