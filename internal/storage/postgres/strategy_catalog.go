package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage"
)

// StrategyCatalog implements storage.StrategyCatalog using PostgreSQL.
// Read-only: catalog writes happen through the admin path.
type StrategyCatalog struct {
	pool *Pool
}

// NewStrategyCatalog creates a new StrategyCatalog.
func NewStrategyCatalog(pool *Pool) *StrategyCatalog {
	return &StrategyCatalog{pool: pool}
}

// Compile-time interface check.
var _ storage.StrategyCatalog = (*StrategyCatalog)(nil)

const strategyColumns = `
	id, name, base_strategy, timeframe, parameters,
	COALESCE(description, ''), is_default, is_active,
	created_by, version, created_at, updated_at
`

// GetDefaults retrieves all active default configurations.
func (s *StrategyCatalog) GetDefaults(ctx context.Context) ([]*domain.StrategyConfiguration, error) {
	query := `
		SELECT ` + strategyColumns + `
		FROM strategy_configurations
		WHERE is_default AND is_active
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get default strategies: %w", err)
	}
	defer rows.Close()

	return scanStrategyConfigurations(rows)
}

// GetByIDs retrieves active configurations by ID, preserving request order.
func (s *StrategyCatalog) GetByIDs(ctx context.Context, ids []int64) ([]*domain.StrategyConfiguration, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + strategyColumns + `
		FROM strategy_configurations
		WHERE id = ANY($1) AND is_active
	`

	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("get strategies by ids: %w", err)
	}
	defer rows.Close()

	configs, err := scanStrategyConfigurations(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*domain.StrategyConfiguration, len(configs))
	for _, c := range configs {
		byID[c.ID] = c
	}

	ordered := make([]*domain.StrategyConfiguration, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

// ListActive retrieves all active configurations.
func (s *StrategyCatalog) ListActive(ctx context.Context) ([]*domain.StrategyConfiguration, error) {
	query := `
		SELECT ` + strategyColumns + `
		FROM strategy_configurations
		WHERE is_active
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active strategies: %w", err)
	}
	defer rows.Close()

	return scanStrategyConfigurations(rows)
}

// scanStrategyConfigurations scans rows into StrategyConfiguration slices.
func scanStrategyConfigurations(rows pgx.Rows) ([]*domain.StrategyConfiguration, error) {
	var configs []*domain.StrategyConfiguration

	for rows.Next() {
		var c domain.StrategyConfiguration
		err := rows.Scan(
			&c.ID, &c.Name, &c.BaseStrategy, &c.Timeframe, &c.Parameters,
			&c.Description, &c.IsDefault, &c.IsActive,
			&c.CreatedBy, &c.Version, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan strategy configuration row: %w", err)
		}
		configs = append(configs, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strategy configuration rows: %w", err)
	}

	return configs, nil
}
