package filterchain

import (
	"fmt"
	"time"
)

// MLConfidenceFilter rejects points where the best model prediction
// fails the strategy's confidence floor, points the wrong way, or has
// negligible strength. TA strategies pass through untouched.
type MLConfidenceFilter struct{}

func (f *MLConfidenceFilter) Name() string                    { return "ml_confidence" }
func (f *MLConfidenceFilter) Weight() Weight                  { return WeightMedium }
func (f *MLConfidenceFilter) MaxExecutionTime() time.Duration { return 500 * time.Millisecond }

const minPredictionStrength = 0.1

func (f *MLConfidenceFilter) Execute(data *PreparedData, strat *Strategy, at time.Time) (FilterResult, error) {
	if !strat.IsML() {
		return pass(nil, at), nil
	}

	pred, ok := data.BestPrediction()
	if !ok {
		return reject("no ML predictions available", nil, at), nil
	}

	metrics := map[string]float64{
		"confidence": pred.Confidence,
		"strength":   pred.Strength,
	}
	if pred.Confidence < strat.MinMLConfidence {
		return reject(fmt.Sprintf("confidence %.2f below floor %.2f",
			pred.Confidence, strat.MinMLConfidence), metrics, at), nil
	}
	if pred.Direction != "up" {
		return reject(fmt.Sprintf("prediction direction %q, long entries need up", pred.Direction), metrics, at), nil
	}
	if pred.Strength < minPredictionStrength {
		return reject(fmt.Sprintf("prediction strength %.2f negligible", pred.Strength), metrics, at), nil
	}

	return pass(metrics, at), nil
}
