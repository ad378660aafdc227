package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage"
)

// StrategyCatalog is an in-memory implementation of storage.StrategyCatalog.
// Unlike the database-backed catalog it is writable through Seed, which
// test fixtures and the one-shot CLI use to load configurations.
type StrategyCatalog struct {
	mu     sync.RWMutex
	data   map[int64]*domain.StrategyConfiguration
	nextID int64
}

// NewStrategyCatalog creates an empty in-memory catalog.
func NewStrategyCatalog() *StrategyCatalog {
	return &StrategyCatalog{
		data:   make(map[int64]*domain.StrategyConfiguration),
		nextID: 1,
	}
}

// Compile-time interface check.
var _ storage.StrategyCatalog = (*StrategyCatalog)(nil)

// Seed loads a configuration into the catalog, assigning an ID when the
// record has none. Duplicate (name, base_strategy, timeframe) is rejected.
func (s *StrategyCatalog) Seed(_ context.Context, cfg *domain.StrategyConfiguration) (int64, error) {
	if cfg == nil || cfg.Name == "" || cfg.BaseStrategy == "" || cfg.Timeframe == "" {
		return 0, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data {
		if existing.Name == cfg.Name && existing.BaseStrategy == cfg.BaseStrategy && existing.Timeframe == cfg.Timeframe {
			return 0, storage.ErrDuplicateKey
		}
	}

	cp := *cfg
	if cp.ID == 0 {
		cp.ID = s.nextID
	}
	if cp.ID >= s.nextID {
		s.nextID = cp.ID + 1
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.data[cp.ID] = &cp
	return cp.ID, nil
}

// GetDefaults retrieves all active default configurations.
func (s *StrategyCatalog) GetDefaults(_ context.Context) ([]*domain.StrategyConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.StrategyConfiguration
	for _, cfg := range s.data {
		if cfg.IsActive && cfg.IsDefault {
			cp := *cfg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetByIDs retrieves active configurations by ID, preserving the
// requested order. Unknown or inactive IDs are silently dropped.
func (s *StrategyCatalog) GetByIDs(_ context.Context, ids []int64) ([]*domain.StrategyConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.StrategyConfiguration, 0, len(ids))
	for _, id := range ids {
		cfg, ok := s.data[id]
		if !ok || !cfg.IsActive {
			continue
		}
		cp := *cfg
		out = append(out, &cp)
	}
	return out, nil
}

// DefaultStrategyConfigurations returns the stock strategy set, the same
// records the database migration seeds. Memory-mode binaries load these
// through Seed so default-mode requests resolve without a database.
func DefaultStrategyConfigurations() []*domain.StrategyConfiguration {
	return []*domain.StrategyConfiguration{
		{
			Name:         "Conservative_ML",
			BaseStrategy: domain.BaseStrategyMLBreakout,
			Timeframe:    "1h",
			Parameters:   `{"leverage": 3.0, "min_ml_confidence": 0.70, "min_volume_usd": 500000, "max_spread_pct": 0.015}`,
			Description:  "Low-leverage ML breakout on hourly candles",
			IsDefault:    true,
			IsActive:     true,
		},
		{
			Name:         "Aggressive_ML",
			BaseStrategy: domain.BaseStrategyMLBreakout,
			Timeframe:    "4h",
			Parameters:   `{"leverage": 8.0, "min_ml_confidence": 0.55, "min_volume_usd": 250000, "max_spread_pct": 0.03}`,
			Description:  "High-leverage ML breakout on 4h candles",
			IsDefault:    true,
			IsActive:     true,
		},
		{
			Name:         "Balanced_ML",
			BaseStrategy: domain.BaseStrategyMLBreakout,
			Timeframe:    "15m",
			Parameters:   `{"leverage": 5.0, "min_ml_confidence": 0.60, "min_volume_usd": 750000, "max_spread_pct": 0.02}`,
			Description:  "Mid-leverage ML breakout on 15m candles",
			IsDefault:    true,
			IsActive:     true,
		},
		{
			Name:         "Swing_TA",
			BaseStrategy: domain.BaseStrategyTABreakout,
			Timeframe:    "4h",
			Parameters:   `{"leverage": 2.5, "min_volume_usd": 100000, "max_spread_pct": 0.025}`,
			Description:  "Technical breakout for swing entries",
			IsDefault:    true,
			IsActive:     true,
		},
		{
			Name:         "Scalp_TA",
			BaseStrategy: domain.BaseStrategyTABreakout,
			Timeframe:    "15m",
			Parameters:   `{"leverage": 4.0, "min_volume_usd": 1000000, "max_spread_pct": 0.01}`,
			Description:  "Technical breakout for scalp entries",
			IsActive:     true,
		},
		{
			Name:         "Reversal_ML",
			BaseStrategy: domain.BaseStrategyMLReversal,
			Timeframe:    "1h",
			Parameters:   `{"leverage": 3.5, "min_ml_confidence": 0.65, "min_volume_usd": 400000, "max_spread_pct": 0.02}`,
			Description:  "ML mean-reversion at strong levels",
			IsActive:     true,
		},
	}
}

// ListActive retrieves all active configurations.
func (s *StrategyCatalog) ListActive(_ context.Context) ([]*domain.StrategyConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.StrategyConfiguration
	for _, cfg := range s.data {
		if cfg.IsActive {
			cp := *cfg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
