package filterchain

import (
	"time"

	"leverage-lab/internal/marketdata"
)

// PreparedData is the assembled market view the chain evaluates
// against: candles, detected levels, per-level predictions, the market
// context and the BTC correlation risk for one (symbol, timeframe).
// It is read-only during chain execution.
type PreparedData struct {
	Symbol    string
	Timeframe string

	Candles     []marketdata.Candle
	Supports    []marketdata.Level
	Resistances []marketdata.Level
	Predictions []marketdata.Prediction

	MarketContext   *marketdata.MarketContext
	CorrelationRisk *marketdata.CorrelationRisk

	byTimestamp map[int64]int
}

// NewPreparedData builds the candle index eagerly so per-point lookups
// stay O(1) across thousands of evaluation points.
func NewPreparedData(symbol, timeframe string, candles []marketdata.Candle) *PreparedData {
	idx := make(map[int64]int, len(candles))
	for i, c := range candles {
		idx[c.TimestampMs] = i
	}
	return &PreparedData{
		Symbol:      symbol,
		Timeframe:   timeframe,
		Candles:     candles,
		byTimestamp: idx,
	}
}

// CandleAt returns the candle at an exact timestamp.
func (d *PreparedData) CandleAt(at time.Time) (marketdata.Candle, bool) {
	i, ok := d.byTimestamp[at.UnixMilli()]
	if !ok {
		return marketdata.Candle{}, false
	}
	return d.Candles[i], true
}

// PriceAt returns the close price at an exact timestamp.
func (d *PreparedData) PriceAt(at time.Time) (float64, bool) {
	c, ok := d.CandleAt(at)
	if !ok {
		return 0, false
	}
	return c.Close, true
}

// CandlesBefore returns up to n candles strictly before the timestamp,
// oldest first. Used by the volatility filter for trailing windows.
func (d *PreparedData) CandlesBefore(at time.Time, n int) []marketdata.Candle {
	i, ok := d.byTimestamp[at.UnixMilli()]
	if !ok || i == 0 {
		return nil
	}
	start := i - n
	if start < 0 {
		start = 0
	}
	return d.Candles[start:i]
}

// NearestSupport returns the closest support below the price.
func (d *PreparedData) NearestSupport(price float64) (marketdata.Level, bool) {
	var best marketdata.Level
	found := false
	for _, lvl := range d.Supports {
		if lvl.Price >= price {
			continue
		}
		if !found || lvl.Price > best.Price {
			best = lvl
			found = true
		}
	}
	return best, found
}

// NearestResistance returns the closest resistance above the price.
func (d *PreparedData) NearestResistance(price float64) (marketdata.Level, bool) {
	var best marketdata.Level
	found := false
	for _, lvl := range d.Resistances {
		if lvl.Price <= price {
			continue
		}
		if !found || lvl.Price < best.Price {
			best = lvl
			found = true
		}
	}
	return best, found
}

// BestPrediction returns the highest-confidence prediction, if any.
func (d *PreparedData) BestPrediction() (marketdata.Prediction, bool) {
	var best marketdata.Prediction
	found := false
	for _, p := range d.Predictions {
		if !found || p.Confidence > best.Confidence {
			best = p
			found = true
		}
	}
	return best, found
}
