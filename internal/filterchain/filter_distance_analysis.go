package filterchain

import (
	"fmt"
	"time"

	"leverage-lab/internal/filterparams"
)

// DistanceAnalysisFilter rejects points where the current price sits
// too close to or too far from the nearest support, or where that
// support is too weak to anchor a stop.
type DistanceAnalysisFilter struct {
	params filterparams.SupportResistanceParams
}

// NewDistanceAnalysisFilter builds the filter with its per-request
// parameter bundle.
func NewDistanceAnalysisFilter(params filterparams.SupportResistanceParams) *DistanceAnalysisFilter {
	return &DistanceAnalysisFilter{params: params}
}

func (f *DistanceAnalysisFilter) Name() string                    { return "distance_analysis" }
func (f *DistanceAnalysisFilter) Weight() Weight                  { return WeightMedium }
func (f *DistanceAnalysisFilter) MaxExecutionTime() time.Duration { return 500 * time.Millisecond }

func (f *DistanceAnalysisFilter) Execute(data *PreparedData, _ *Strategy, at time.Time) (FilterResult, error) {
	price, ok := data.PriceAt(at)
	if !ok {
		return reject("no price at evaluation time", nil, at), nil
	}

	support, ok := data.NearestSupport(price)
	if !ok {
		return reject("no support below current price", nil, at), nil
	}

	distancePct := (price - support.Price) / price
	metrics := map[string]float64{
		"support_distance_pct": distancePct,
		"support_strength":     support.Strength,
	}

	// Entries sitting on top of the level leave no room for a stop;
	// entries far above it carry the whole gap as risk.
	if distancePct < f.params.TolerancePct {
		return reject(fmt.Sprintf("price within tolerance band of support (%.4f < %.4f)",
			distancePct, f.params.TolerancePct), metrics, at), nil
	}
	if distancePct > f.params.MaxDistancePct {
		return reject(fmt.Sprintf("support too far below price (%.4f > %.4f)",
			distancePct, f.params.MaxDistancePct), metrics, at), nil
	}
	if support.Strength < f.params.MinSupportStrength {
		return reject(fmt.Sprintf("nearest support too weak (%.2f < %.2f)",
			support.Strength, f.params.MinSupportStrength), metrics, at), nil
	}

	return pass(metrics, at), nil
}
