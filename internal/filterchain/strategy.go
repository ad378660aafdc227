package filterchain

import (
	"encoding/json"
	"errors"
	"fmt"

	"leverage-lab/internal/domain"
)

// Strategy parameter errors
var (
	ErrUnknownBaseStrategy = errors.New("unknown base strategy")
	ErrMissingLeverage     = errors.New("strategy requires leverage > 0")
	ErrMissingMLConfidence = errors.New("ML strategy requires min_ml_confidence in (0, 1]")
	ErrMissingVolumeFloor  = errors.New("strategy requires min_volume_usd > 0")
	ErrInvalidMaxSpread    = errors.New("strategy requires max_spread_pct in (0, 1)")
	ErrMalformedParameters = errors.New("strategy parameters are not valid JSON")
)

// Strategy is the decoded parameter bundle the filters evaluate
// against. Built from a catalog configuration's opaque JSON document.
type Strategy struct {
	Name         string
	BaseStrategy string
	Timeframe    string

	Leverage        float64 `json:"leverage"`
	MinMLConfidence float64 `json:"min_ml_confidence"`
	MinVolumeUSD    float64 `json:"min_volume_usd"`
	MaxSpreadPct    float64 `json:"max_spread_pct"`
}

// IsML reports whether the base strategy consumes model predictions.
func (s *Strategy) IsML() bool {
	return s.BaseStrategy == domain.BaseStrategyMLBreakout || s.BaseStrategy == domain.BaseStrategyMLReversal
}

// StrategyFromConfig decodes and validates a catalog configuration.
// Validation is per base strategy; ML variants additionally require a
// confidence floor.
func StrategyFromConfig(cfg *domain.StrategyConfiguration) (*Strategy, error) {
	if cfg == nil {
		return nil, fmt.Errorf("strategy config is nil")
	}

	switch cfg.BaseStrategy {
	case domain.BaseStrategyMLBreakout, domain.BaseStrategyTABreakout, domain.BaseStrategyMLReversal:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBaseStrategy, cfg.BaseStrategy)
	}

	strat := &Strategy{
		Name:         cfg.Name,
		BaseStrategy: cfg.BaseStrategy,
		Timeframe:    cfg.Timeframe,
	}
	if cfg.Parameters != "" {
		if err := json.Unmarshal([]byte(cfg.Parameters), strat); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedParameters, err)
		}
	}

	if strat.Leverage <= 0 {
		return nil, ErrMissingLeverage
	}
	if strat.MinVolumeUSD <= 0 {
		return nil, ErrMissingVolumeFloor
	}
	if strat.MaxSpreadPct <= 0 || strat.MaxSpreadPct >= 1 {
		return nil, ErrInvalidMaxSpread
	}
	if strat.IsML() && (strat.MinMLConfidence <= 0 || strat.MinMLConfidence > 1) {
		return nil, ErrMissingMLConfidence
	}

	return strat, nil
}
