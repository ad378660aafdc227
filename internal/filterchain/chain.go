package filterchain

import (
	"fmt"
	"log"
	"sync"
	"time"

	"leverage-lab/internal/filterparams"
	"leverage-lab/internal/idhash"
	"leverage-lab/internal/observability"
)

// Chain runs the nine filters in fixed order over evaluation points.
// A point is excluded at the first failing filter; the exclusion is
// charged to exactly that filter.
type Chain struct {
	strategy *Strategy
	filters  []Filter

	mu    sync.Mutex
	stats *Statistics
}

// NewChain assembles the canonical nine-filter chain for a strategy.
// Tunable filters read the ambient parameter channel once, here, so a
// whole batch sees one consistent parameter set.
func NewChain(strat *Strategy) *Chain {
	params := filterparams.Load()

	filters := []Filter{
		&DataQualityFilter{},
		&MarketConditionFilter{},
		NewSupportResistanceFilter(params.SupportResistance),
		NewDistanceAnalysisFilter(params.SupportResistance),
		&MLConfidenceFilter{},
		&VolatilityFilter{},
		&LeverageFilter{},
		&RiskRewardFilter{},
		&StrategySpecificFilter{},
	}

	return &Chain{
		strategy: strat,
		filters:  filters,
		stats:    newStatistics(filters),
	}
}

// newChainWithFilters assembles a chain over an explicit filter list,
// for accounting tests.
func newChainWithFilters(strat *Strategy, filters []Filter) *Chain {
	return &Chain{
		strategy: strat,
		filters:  filters,
		stats:    newStatistics(filters),
	}
}

// Filters exposes the assembled chain, in order.
func (c *Chain) Filters() []Filter {
	return c.filters
}

// Execute runs the chain over the evaluation points and returns the
// trades that passed every filter. Statistics accumulate across calls
// until ResetStatistics.
func (c *Chain) Execute(data *PreparedData, evalTimes []time.Time) []ValidTrade {
	started := time.Now()
	var trades []ValidTrade

	for _, at := range evalTimes {
		c.mu.Lock()
		c.stats.TotalEvaluations++
		c.mu.Unlock()

		if excludedBy := c.evaluate(data, at); excludedBy >= 0 {
			continue
		}

		trade, ok := c.buildTrade(data, at)
		if !ok {
			continue
		}

		c.mu.Lock()
		c.stats.ValidTrades++
		c.mu.Unlock()
		trades = append(trades, trade)
	}

	c.mu.Lock()
	c.stats.ExecutionTimeMs += time.Since(started).Milliseconds()
	c.mu.Unlock()
	observability.RecordChainRun(time.Since(started).Seconds(), len(trades))

	return trades
}

// evaluate runs the filters in order for one point. Returns the index
// of the excluding filter, or -1 when all pass.
func (c *Chain) evaluate(data *PreparedData, at time.Time) int {
	for i, f := range c.filters {
		result := c.runFilter(f, data, at)

		c.mu.Lock()
		c.stats.PerFilter[i].ExecutionCount++
		if result.Passed {
			c.stats.PerFilter[i].SuccessCount++
		} else {
			c.stats.PerFilter[i].FailureCount++
			c.stats.PerFilterExclusions[i]++
		}
		c.mu.Unlock()
		observability.RecordFilterResult(f.Name(), result.Passed)

		if !result.Passed {
			return i
		}
	}
	return -1
}

// runFilter executes one filter with timing, error translation and
// panic containment. Nothing a filter does may cross evaluation points.
func (c *Chain) runFilter(f Filter, data *PreparedData, at time.Time) (result FilterResult) {
	defer func() {
		if r := recover(); r != nil {
			result = reject(fmt.Sprintf("execution error: %v", r), nil, at)
		}
	}()

	started := time.Now()
	result, err := f.Execute(data, c.strategy, at)
	elapsed := time.Since(started)

	if elapsed > f.MaxExecutionTime() {
		log.Printf("[filterchain] %s exceeded budget: %v > %v", f.Name(), elapsed, f.MaxExecutionTime())
	}
	if err != nil {
		return reject(fmt.Sprintf("execution error: %v", err), nil, at)
	}
	return result
}

// buildTrade constructs the trade record for a point that passed all
// nine filters.
func (c *Chain) buildTrade(data *PreparedData, at time.Time) (ValidTrade, bool) {
	price, ok := data.PriceAt(at)
	if !ok {
		return ValidTrade{}, false
	}

	confidence := 1.0
	if pred, ok := data.BestPrediction(); ok {
		confidence = pred.Confidence
	}

	var profit, risk, rr float64
	if res, ok := data.NearestResistance(price); ok {
		profit = (res.Price - price) / price
	}
	if sup, ok := data.NearestSupport(price); ok {
		risk = (price - sup.Price) / price
	}
	if risk > 0 {
		rr = profit / risk
	}

	entryMs := at.UnixMilli()
	return ValidTrade{
		TradeID:         idhash.ComputeTradeID(data.Symbol, data.Timeframe, c.strategy.Name, entryMs),
		Symbol:          data.Symbol,
		Timeframe:       data.Timeframe,
		StrategyName:    c.strategy.Name,
		EntryTimeMs:     entryMs,
		EntryPrice:      price,
		Leverage:        c.strategy.Leverage,
		ProfitPotential: profit,
		DownsideRisk:    risk,
		RiskReward:      rr,
		Confidence:      confidence,
	}, true
}

// GetStatistics returns a snapshot of the accumulated accounting.
func (c *Chain) GetStatistics() *Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.clone()
}

// ResetStatistics zeroes the accounting.
func (c *Chain) ResetStatistics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = newStatistics(c.filters)
}
