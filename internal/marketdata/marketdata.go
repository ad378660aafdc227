// Package marketdata defines the boundary to the external data and
// model collaborators: OHLCV fetching, level detection, ML prediction,
// BTC correlation, market phase analysis and leverage math. The core
// pipeline consumes these through the Provider interface only.
package marketdata

import (
	"context"
	"errors"
	"time"
)

// ErrInsufficientData signals the provider could not assemble enough
// real input for a request. Callers must treat it as an early-exit
// condition, never substitute synthetic data.
var ErrInsufficientData = errors.New("marketdata: insufficient data")

// Candle is one OHLCV bar.
type Candle struct {
	TimestampMs int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// Level is one detected support or resistance level.
type Level struct {
	Price      float64
	Strength   float64 // [0, 1]
	TouchCount int
}

// Prediction is one ML breakout prediction for a level.
type Prediction struct {
	LevelPrice float64
	Confidence float64 // [0, 1]
	Direction  string  // "up" or "down"
	Strength   float64
}

// CorrelationRisk describes the modeled impact of a BTC shock on the
// analyzed symbol.
type CorrelationRisk struct {
	Correlation    float64
	ExpectedImpact float64
	SampleSize     int
}

// MarketContext is the detected market regime around a timestamp.
type MarketContext struct {
	TrendDirection string // "up", "down", "sideways"
	MarketPhase    string // "accumulation", "markup", "distribution", "markdown"
	Volatility     float64
	VolumeProfile  float64
}

// Recommendation is the leverage engine's verdict.
type Recommendation struct {
	RecommendedLeverage float64
	ConfidenceLevel     float64 // [0, 1]
	RiskRewardRatio     float64
	StopLossPrice       float64
	TakeProfitPrice     float64
	PositionSizePct     float64
}

// Provider is the external collaborator surface the orchestrator and
// filter chain consume.
type Provider interface {
	// FetchOHLCV returns candles for a symbol and timeframe within
	// [from, to]. An empty slice means no data; ErrInsufficientData
	// means the feed could not serve the request.
	FetchOHLCV(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Candle, error)

	// DetectSupportResistance extracts levels from candles.
	DetectSupportResistance(ctx context.Context, candles []Candle) (supports, resistances []Level, err error)

	// PredictBreakout runs the ML model against one level.
	PredictBreakout(ctx context.Context, candles []Candle, level Level) (*Prediction, error)

	// PredictBTCImpact models how a BTC move of shockPct would hit the
	// symbol. Both insufficient-data and network failures are errors.
	PredictBTCImpact(ctx context.Context, symbol string, shockPct float64) (*CorrelationRisk, error)

	// AnalyzeMarketPhase classifies the market regime at a timestamp.
	AnalyzeMarketPhase(ctx context.Context, candles []Candle, at time.Time) (*MarketContext, error)

	// CalculateSafeLeverage combines levels, predictions and context
	// into a leverage recommendation.
	CalculateSafeLeverage(ctx context.Context, supports, resistances []Level, predictions []Prediction, mc *MarketContext, risk *CorrelationRisk) (*Recommendation, error)
}
