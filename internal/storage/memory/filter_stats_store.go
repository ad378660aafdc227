package memory

import (
	"context"
	"sort"
	"sync"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage"
)

// FilterStatsStore is an in-memory implementation of storage.FilterStatsStore.
type FilterStatsStore struct {
	mu   sync.RWMutex
	data []*domain.FilterChainStats
}

// NewFilterStatsStore creates a new in-memory filter stats store.
func NewFilterStatsStore() *FilterStatsStore {
	return &FilterStatsStore{}
}

// Compile-time interface check.
var _ storage.FilterStatsStore = (*FilterStatsStore)(nil)

// Insert appends one chain run snapshot.
func (s *FilterStatsStore) Insert(_ context.Context, stats *domain.FilterChainStats) error {
	if stats == nil || stats.Symbol == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = append(s.data, copyStats(stats))
	return nil
}

// GetBySymbol retrieves archived snapshots for a symbol, newest first.
func (s *FilterStatsStore) GetBySymbol(_ context.Context, symbol string) ([]*domain.FilterChainStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.FilterChainStats
	for _, st := range s.data {
		if st.Symbol == symbol {
			out = append(out, copyStats(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.After(out[j].RunAt) })
	return out, nil
}

func copyStats(st *domain.FilterChainStats) *domain.FilterChainStats {
	cp := *st
	cp.PerFilterExclusions = append([]int(nil), st.PerFilterExclusions...)
	cp.FilterNames = append([]string(nil), st.FilterNames...)
	cp.ExecutionCounts = append([]int(nil), st.ExecutionCounts...)
	cp.SuccessCounts = append([]int(nil), st.SuccessCounts...)
	cp.FailureCounts = append([]int(nil), st.FailureCounts...)
	return &cp
}
