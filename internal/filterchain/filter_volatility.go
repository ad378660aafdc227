package filterchain

import (
	"fmt"
	"math"
	"time"
)

// VolatilityFilter rejects points whose trailing window shows realised
// volatility or average true range out of the tradeable band. Dead
// markets give leverage nothing to work with; chaotic ones give it too
// much.
type VolatilityFilter struct{}

func (f *VolatilityFilter) Name() string                    { return "volatility" }
func (f *VolatilityFilter) Weight() Weight                  { return WeightMedium }
func (f *VolatilityFilter) MaxExecutionTime() time.Duration { return 500 * time.Millisecond }

const (
	volatilityWindow = 20
	minRealisedVol   = 0.0005
	maxRealisedVol   = 0.08
	maxATRRatio      = 0.05
)

func (f *VolatilityFilter) Execute(data *PreparedData, _ *Strategy, at time.Time) (FilterResult, error) {
	window := data.CandlesBefore(at, volatilityWindow)
	if len(window) < 2 {
		return reject("not enough history for volatility window", nil, at), nil
	}

	// Realised volatility: stddev of close-to-close returns.
	var returns []float64
	for i := 1; i < len(window); i++ {
		if window[i-1].Close == 0 {
			continue
		}
		returns = append(returns, window[i].Close/window[i-1].Close-1)
	}
	if len(returns) == 0 {
		return reject("no usable returns in window", nil, at), nil
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	realised := math.Sqrt(variance / float64(len(returns)))

	// Average true range over the window, relative to last close.
	var atr float64
	for i := 1; i < len(window); i++ {
		tr := math.Max(window[i].High-window[i].Low,
			math.Max(math.Abs(window[i].High-window[i-1].Close),
				math.Abs(window[i].Low-window[i-1].Close)))
		atr += tr
	}
	atr /= float64(len(window) - 1)
	atrRatio := atr / window[len(window)-1].Close

	metrics := map[string]float64{
		"realised_vol": realised,
		"atr_ratio":    atrRatio,
	}
	if realised < minRealisedVol {
		return reject(fmt.Sprintf("realised volatility %.5f below band", realised), metrics, at), nil
	}
	if realised > maxRealisedVol {
		return reject(fmt.Sprintf("realised volatility %.5f above band", realised), metrics, at), nil
	}
	if atrRatio > maxATRRatio {
		return reject(fmt.Sprintf("ATR/price %.4f above limit %.4f", atrRatio, maxATRRatio), metrics, at), nil
	}

	return pass(metrics, at), nil
}
