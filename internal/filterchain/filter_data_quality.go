package filterchain

import "time"

// DataQualityFilter rejects evaluation points with missing candles,
// non-positive prices, inverted ranges or closes outside the bar.
type DataQualityFilter struct{}

func (f *DataQualityFilter) Name() string                    { return "data_quality" }
func (f *DataQualityFilter) Weight() Weight                  { return WeightLight }
func (f *DataQualityFilter) MaxExecutionTime() time.Duration { return 100 * time.Millisecond }

func (f *DataQualityFilter) Execute(data *PreparedData, _ *Strategy, at time.Time) (FilterResult, error) {
	c, ok := data.CandleAt(at)
	if !ok {
		return reject("no candle at evaluation time", nil, at), nil
	}

	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return reject("non-positive price", nil, at), nil
	}
	if c.High < c.Low {
		return reject("inverted candle range", nil, at), nil
	}
	if c.Close > c.High || c.Close < c.Low {
		return reject("close outside candle range", nil, at), nil
	}
	if c.Volume <= 0 {
		return reject("zero volume", nil, at), nil
	}

	return pass(map[string]float64{"close": c.Close, "volume": c.Volume}, at), nil
}
