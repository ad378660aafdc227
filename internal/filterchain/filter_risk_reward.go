package filterchain

import (
	"fmt"
	"time"
)

// RiskRewardFilter computes reward-to-risk, expected value and the
// Kelly fraction from the nearest levels and rejects negative
// expectation entries.
type RiskRewardFilter struct{}

func (f *RiskRewardFilter) Name() string                    { return "risk_reward" }
func (f *RiskRewardFilter) Weight() Weight                  { return WeightHeavy }
func (f *RiskRewardFilter) MaxExecutionTime() time.Duration { return 2 * time.Second }

const minRiskReward = 1.0

func (f *RiskRewardFilter) Execute(data *PreparedData, strat *Strategy, at time.Time) (FilterResult, error) {
	price, ok := data.PriceAt(at)
	if !ok {
		return reject("no price at evaluation time", nil, at), nil
	}
	support, okS := data.NearestSupport(price)
	resistance, okR := data.NearestResistance(price)
	if !okS || !okR {
		return reject("need both a support and a resistance to frame the trade", nil, at), nil
	}

	reward := (resistance.Price - price) / price
	risk := (price - support.Price) / price
	if risk <= 0 {
		return reject("zero downside distance, cannot size risk", nil, at), nil
	}
	rr := reward / risk

	winProb := 0.5
	if strat.IsML() {
		if pred, ok := data.BestPrediction(); ok {
			winProb = pred.Confidence
		}
	}
	expectedValue := winProb*reward - (1-winProb)*risk
	kelly := winProb - (1-winProb)/rr

	metrics := map[string]float64{
		"risk_reward":    rr,
		"expected_value": expectedValue,
		"kelly_fraction": kelly,
	}
	if rr < minRiskReward {
		return reject(fmt.Sprintf("reward/risk %.2f below %.1f", rr, minRiskReward), metrics, at), nil
	}
	if expectedValue <= 0 {
		return reject(fmt.Sprintf("negative expectation (%.4f)", expectedValue), metrics, at), nil
	}
	if kelly <= 0 {
		return reject(fmt.Sprintf("kelly fraction %.3f non-positive", kelly), metrics, at), nil
	}

	return pass(metrics, at), nil
}
