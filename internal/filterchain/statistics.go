package filterchain

// FilterCounters are the per-filter incremental counts.
type FilterCounters struct {
	ExecutionCount int `json:"execution_count"`
	SuccessCount   int `json:"success_count"`
	FailureCount   int `json:"failure_count"`
}

// Statistics is the chain accounting snapshot. Maintained incrementally
// during execution so rates are available without a second pass.
type Statistics struct {
	TotalEvaluations    int   `json:"total_evaluations"`
	ValidTrades         int   `json:"valid_trades"`
	PerFilterExclusions []int `json:"per_filter_exclusions"`
	ExecutionTimeMs     int64 `json:"execution_time_ms"`

	FilterNames []string         `json:"filter_names"`
	PerFilter   []FilterCounters `json:"per_filter"`
}

// PassRate returns valid trades over total evaluations in [0, 1].
func (s *Statistics) PassRate() float64 {
	if s.TotalEvaluations == 0 {
		return 0
	}
	return float64(s.ValidTrades) / float64(s.TotalEvaluations)
}

func newStatistics(filters []Filter) *Statistics {
	names := make([]string, len(filters))
	for i, f := range filters {
		names[i] = f.Name()
	}
	return &Statistics{
		PerFilterExclusions: make([]int, len(filters)),
		FilterNames:         names,
		PerFilter:           make([]FilterCounters, len(filters)),
	}
}

func (s *Statistics) clone() *Statistics {
	cp := *s
	cp.PerFilterExclusions = append([]int(nil), s.PerFilterExclusions...)
	cp.FilterNames = append([]string(nil), s.FilterNames...)
	cp.PerFilter = append([]FilterCounters(nil), s.PerFilter...)
	return &cp
}
