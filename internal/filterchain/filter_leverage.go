package filterchain

import (
	"fmt"
	"time"
)

// LeverageFilter computes the effective leverage for the point and
// rejects extreme or low-confidence recommendations.
type LeverageFilter struct{}

func (f *LeverageFilter) Name() string                    { return "leverage" }
func (f *LeverageFilter) Weight() Weight                  { return WeightHeavy }
func (f *LeverageFilter) MaxExecutionTime() time.Duration { return 2 * time.Second }

const (
	maxEffectiveLeverage  = 20.0
	minEffectiveLeverage  = 1.0
	minLeverageConfidence = 0.3
)

func (f *LeverageFilter) Execute(data *PreparedData, strat *Strategy, at time.Time) (FilterResult, error) {
	confidence := 1.0
	if strat.IsML() {
		pred, ok := data.BestPrediction()
		if !ok {
			return reject("no prediction to size leverage from", nil, at), nil
		}
		confidence = pred.Confidence
	}

	// Scale the strategy's target leverage by model confidence so a
	// weak signal never carries the full configured exposure.
	effective := strat.Leverage * confidence

	metrics := map[string]float64{
		"effective_leverage": effective,
		"confidence":         confidence,
	}
	if confidence < minLeverageConfidence {
		return reject(fmt.Sprintf("confidence %.2f below %.2f", confidence, minLeverageConfidence), metrics, at), nil
	}
	if effective > maxEffectiveLeverage {
		return reject(fmt.Sprintf("effective leverage %.1fx above cap %.0fx", effective, maxEffectiveLeverage), metrics, at), nil
	}
	if effective < minEffectiveLeverage {
		return reject(fmt.Sprintf("effective leverage %.2fx below %.0fx, spot entry instead", effective, minEffectiveLeverage), metrics, at), nil
	}

	return pass(metrics, at), nil
}
