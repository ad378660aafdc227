// Package stub provides a deterministic in-process marketdata.Provider
// for tests and local runs without exchange connectivity. Each failure
// knob forces one stage to misbehave so early-exit paths can be driven
// deliberately.
package stub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leverage-lab/internal/marketdata"
)

// Provider implements marketdata.Provider with canned data.
type Provider struct {
	// Candles returned by FetchOHLCV. Nil means a generated series.
	Candles []marketdata.Candle

	// Failure knobs. Zero values mean the happy path.
	EmptyData          bool
	FailFetch          error
	NoLevels           bool
	FailPrediction     error
	FailBTC            error
	FailMarketContext  error
	FailLeverage       error
	Leverage           float64 // 0 means default 3.0
	LeverageConfidence float64 // 0 means default 0.6
}

var _ marketdata.Provider = (*Provider)(nil)

// FetchOHLCV returns the configured candles, or a generated 200-bar
// rising series anchored at from.
func (p *Provider) FetchOHLCV(_ context.Context, symbol, timeframe string, from, _ time.Time) ([]marketdata.Candle, error) {
	if p.FailFetch != nil {
		return nil, p.FailFetch
	}
	if p.EmptyData {
		return nil, nil
	}
	if p.Candles != nil {
		return p.Candles, nil
	}

	candles := make([]marketdata.Candle, 200)
	base := from.UnixMilli()
	for i := range candles {
		price := 100.0 + float64(i)*0.1
		candles[i] = marketdata.Candle{
			TimestampMs: base + int64(i)*60_000,
			Open:        price,
			High:        price * 1.004,
			Low:         price * 0.996,
			Close:       price + 0.05,
			Volume:      1_000_000,
		}
	}
	return candles, nil
}

func (p *Provider) DetectSupportResistance(_ context.Context, candles []marketdata.Candle) ([]marketdata.Level, []marketdata.Level, error) {
	if p.NoLevels {
		return nil, nil, nil
	}
	if len(candles) == 0 {
		return nil, nil, marketdata.ErrInsufficientData
	}

	last := candles[len(candles)-1].Close
	supports := []marketdata.Level{
		{Price: last * 0.97, Strength: 0.8, TouchCount: 4},
		{Price: last * 0.94, Strength: 0.6, TouchCount: 2},
	}
	resistances := []marketdata.Level{
		{Price: last * 1.04, Strength: 0.7, TouchCount: 3},
	}
	return supports, resistances, nil
}

func (p *Provider) PredictBreakout(_ context.Context, _ []marketdata.Candle, level marketdata.Level) (*marketdata.Prediction, error) {
	if p.FailPrediction != nil {
		return nil, p.FailPrediction
	}
	return &marketdata.Prediction{
		LevelPrice: level.Price,
		Confidence: 0.65,
		Direction:  "up",
		Strength:   level.Strength,
	}, nil
}

func (p *Provider) PredictBTCImpact(_ context.Context, symbol string, shockPct float64) (*marketdata.CorrelationRisk, error) {
	if p.FailBTC != nil {
		return nil, p.FailBTC
	}
	return &marketdata.CorrelationRisk{
		Correlation:    0.72,
		ExpectedImpact: shockPct * 0.72,
		SampleSize:     500,
	}, nil
}

func (p *Provider) AnalyzeMarketPhase(_ context.Context, candles []marketdata.Candle, _ time.Time) (*marketdata.MarketContext, error) {
	if p.FailMarketContext != nil {
		return nil, p.FailMarketContext
	}
	if len(candles) == 0 {
		return nil, marketdata.ErrInsufficientData
	}
	return &marketdata.MarketContext{
		TrendDirection: "up",
		MarketPhase:    "markup",
		Volatility:     0.03,
		VolumeProfile:  1.2,
	}, nil
}

func (p *Provider) CalculateSafeLeverage(_ context.Context, supports, _ []marketdata.Level, predictions []marketdata.Prediction, mc *marketdata.MarketContext, risk *marketdata.CorrelationRisk) (*marketdata.Recommendation, error) {
	if p.FailLeverage != nil {
		return nil, p.FailLeverage
	}
	if len(supports) == 0 || mc == nil || risk == nil {
		return nil, errors.New("stub: missing leverage inputs")
	}

	leverage := p.Leverage
	if leverage == 0 {
		leverage = 3.0
	}
	confidence := p.LeverageConfidence
	if confidence == 0 {
		confidence = 0.6
	}

	nearest := supports[0].Price
	return &marketdata.Recommendation{
		RecommendedLeverage: leverage,
		ConfidenceLevel:     confidence,
		RiskRewardRatio:     2.1,
		StopLossPrice:       nearest,
		TakeProfitPrice:     nearest * 1.1,
		PositionSizePct:     0.05,
	}, nil
}

// NetworkError builds an error that reads like a transport failure, for
// driving the BTC-correlation early exit in tests.
func NetworkError(host string) error {
	return fmt.Errorf("dial tcp %s: connection refused", host)
}
