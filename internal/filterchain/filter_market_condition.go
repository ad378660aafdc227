package filterchain

import (
	"fmt"
	"time"
)

// MarketConditionFilter rejects points where traded volume or the
// candle spread fail the strategy's liquidity thresholds.
type MarketConditionFilter struct{}

func (f *MarketConditionFilter) Name() string                    { return "market_condition" }
func (f *MarketConditionFilter) Weight() Weight                  { return WeightLight }
func (f *MarketConditionFilter) MaxExecutionTime() time.Duration { return 100 * time.Millisecond }

func (f *MarketConditionFilter) Execute(data *PreparedData, strat *Strategy, at time.Time) (FilterResult, error) {
	c, ok := data.CandleAt(at)
	if !ok {
		return reject("no candle at evaluation time", nil, at), nil
	}

	volumeUSD := c.Volume * c.Close
	if volumeUSD < strat.MinVolumeUSD {
		return reject(
			fmt.Sprintf("volume %.0f USD below floor %.0f", volumeUSD, strat.MinVolumeUSD),
			map[string]float64{"volume_usd": volumeUSD},
			at,
		), nil
	}

	// Candle range as a spread proxy; the live spread is not part of
	// historical OHLCV.
	spreadPct := (c.High - c.Low) / c.Close
	if spreadPct > strat.MaxSpreadPct {
		return reject(
			fmt.Sprintf("spread %.4f above limit %.4f", spreadPct, strat.MaxSpreadPct),
			map[string]float64{"spread_pct": spreadPct},
			at,
		), nil
	}

	return pass(map[string]float64{"volume_usd": volumeUSD, "spread_pct": spreadPct}, at), nil
}
