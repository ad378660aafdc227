package filterchain

import (
	"fmt"
	"time"

	"leverage-lab/internal/filterparams"
)

// SupportResistanceFilter rejects points when no level satisfies the
// per-request strength and touch-count thresholds.
type SupportResistanceFilter struct {
	params filterparams.SupportResistanceParams
}

// NewSupportResistanceFilter builds the filter with its per-request
// parameter bundle.
func NewSupportResistanceFilter(params filterparams.SupportResistanceParams) *SupportResistanceFilter {
	return &SupportResistanceFilter{params: params}
}

// Params exposes the effective parameters, for introspection and tests.
func (f *SupportResistanceFilter) Params() filterparams.SupportResistanceParams { return f.params }

func (f *SupportResistanceFilter) Name() string                    { return "support_resistance" }
func (f *SupportResistanceFilter) Weight() Weight                  { return WeightLight }
func (f *SupportResistanceFilter) MaxExecutionTime() time.Duration { return 200 * time.Millisecond }

func (f *SupportResistanceFilter) Execute(data *PreparedData, _ *Strategy, at time.Time) (FilterResult, error) {
	supports := 0
	for _, lvl := range data.Supports {
		if lvl.Strength >= f.params.MinSupportStrength && lvl.TouchCount >= f.params.MinTouchCount {
			supports++
		}
	}
	resistances := 0
	for _, lvl := range data.Resistances {
		if lvl.Strength >= f.params.MinResistanceStrength && lvl.TouchCount >= f.params.MinTouchCount {
			resistances++
		}
	}

	metrics := map[string]float64{
		"qualified_supports":    float64(supports),
		"qualified_resistances": float64(resistances),
	}
	if supports == 0 && resistances == 0 {
		return reject(
			fmt.Sprintf("no levels with strength >= %.2f and touches >= %d",
				f.params.MinSupportStrength, f.params.MinTouchCount),
			metrics, at,
		), nil
	}

	return pass(metrics, at), nil
}
