package filterchain

import (
	"fmt"
	"hash/fnv"
	"time"

	"leverage-lab/internal/domain"
)

// StrategySpecificFilter applies per-base-strategy quality checks and a
// strategy-type suitability gate.
type StrategySpecificFilter struct{}

func (f *StrategySpecificFilter) Name() string                    { return "strategy_specific" }
func (f *StrategySpecificFilter) Weight() Weight                  { return WeightHeavy }
func (f *StrategySpecificFilter) MaxExecutionTime() time.Duration { return 2 * time.Second }

const minSuitabilityScore = 0.1

func (f *StrategySpecificFilter) Execute(data *PreparedData, strat *Strategy, at time.Time) (FilterResult, error) {
	switch strat.BaseStrategy {
	case domain.BaseStrategyMLBreakout:
		pred, ok := data.BestPrediction()
		if !ok || pred.Direction != "up" {
			return reject("breakout strategy needs an upward prediction", nil, at), nil
		}
	case domain.BaseStrategyMLReversal:
		// Reversal entries want price pressed against support, which
		// distance_analysis already bounds; here the regime must not
		// be trending away from the level.
		if data.MarketContext != nil && data.MarketContext.TrendDirection == "down" {
			return reject("reversal entry against a falling market", nil, at), nil
		}
	case domain.BaseStrategyTABreakout:
		if data.MarketContext == nil || data.MarketContext.TrendDirection != "up" {
			return reject("TA breakout requires a confirmed uptrend", nil, at), nil
		}
	}

	// TODO: replace the hash-seeded suitability score with the scored
	// (symbol, strategy) fitness table once the research backfill in
	// the strategy catalog lands.
	score := suitabilityScore(data.Symbol, strat.Name)
	metrics := map[string]float64{"suitability": score}
	if score < minSuitabilityScore {
		return reject(fmt.Sprintf("suitability %.3f below %.2f", score, minSuitabilityScore), metrics, at), nil
	}

	return pass(metrics, at), nil
}

// suitabilityScore derives a deterministic [0, 1) score from the
// (symbol, strategy) pair, so the gate is stable across runs.
func suitabilityScore(symbol, strategy string) float64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte{0})
	h.Write([]byte(strategy))
	return float64(h.Sum64()%1000) / 1000.0
}
