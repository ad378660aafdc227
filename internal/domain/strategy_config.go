package domain

import "time"

// StrategyConfiguration is a named parameter bundle from the strategy
// catalog. Corresponds to the strategy_configurations table; unique on
// (name, base_strategy, timeframe). Parameters is an opaque JSON document
// validated at the request boundary, not here.
type StrategyConfiguration struct {
	ID           int64
	Name         string
	BaseStrategy string
	Timeframe    string // e.g. "15m", "1h", "4h"
	Parameters   string // JSON document
	Description  string

	IsDefault bool
	IsActive  bool

	CreatedBy string
	Version   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Base strategy constants
const (
	BaseStrategyMLBreakout = "ML_BREAKOUT"
	BaseStrategyTABreakout = "TA_BREAKOUT"
	BaseStrategyMLReversal = "ML_REVERSAL"
)
