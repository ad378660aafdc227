package clickhouse

import (
	"context"
	"fmt"
	"time"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage"
)

// FilterStatsStore implements storage.FilterStatsStore using ClickHouse.
// Append-only: every chain run adds one row.
type FilterStatsStore struct {
	conn *Conn
}

// NewFilterStatsStore creates a new FilterStatsStore.
func NewFilterStatsStore(conn *Conn) *FilterStatsStore {
	return &FilterStatsStore{conn: conn}
}

// Compile-time interface check.
var _ storage.FilterStatsStore = (*FilterStatsStore)(nil)

// Insert appends one chain run snapshot.
func (s *FilterStatsStore) Insert(ctx context.Context, st *domain.FilterChainStats) error {
	if st == nil || st.ExecutionID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO filter_chain_stats (
			execution_id, symbol, timeframe, strategy, run_at,
			total_evaluations, valid_trades, per_filter_exclusions,
			filter_names, execution_counts, success_counts, failure_counts,
			execution_time_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := s.conn.Exec(ctx, query,
		st.ExecutionID, st.Symbol, st.Timeframe, st.Strategy, st.RunAt,
		uint32(st.TotalEvaluations), uint32(st.ValidTrades), toUint32s(st.PerFilterExclusions),
		st.FilterNames, toUint32s(st.ExecutionCounts), toUint32s(st.SuccessCounts), toUint32s(st.FailureCounts),
		uint64(st.ExecutionTimeMs),
	)
	if err != nil {
		return fmt.Errorf("insert filter chain stats: %w", err)
	}
	return nil
}

// GetBySymbol retrieves archived snapshots for a symbol, newest first.
func (s *FilterStatsStore) GetBySymbol(ctx context.Context, symbol string) ([]*domain.FilterChainStats, error) {
	query := `
		SELECT
			execution_id, symbol, timeframe, strategy, run_at,
			total_evaluations, valid_trades, per_filter_exclusions,
			filter_names, execution_counts, success_counts, failure_counts,
			execution_time_ms
		FROM filter_chain_stats
		WHERE symbol = ?
		ORDER BY run_at DESC
	`

	rows, err := s.conn.Query(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("get filter chain stats by symbol: %w", err)
	}
	defer rows.Close()

	var out []*domain.FilterChainStats
	for rows.Next() {
		var (
			st                   domain.FilterChainStats
			runAt                time.Time
			totalEval, validTr   uint32
			exclusions           []uint32
			execCounts, okCounts []uint32
			failCounts           []uint32
			execTimeMs           uint64
		)

		err := rows.Scan(
			&st.ExecutionID, &st.Symbol, &st.Timeframe, &st.Strategy, &runAt,
			&totalEval, &validTr, &exclusions,
			&st.FilterNames, &execCounts, &okCounts, &failCounts,
			&execTimeMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan filter chain stats row: %w", err)
		}

		st.RunAt = runAt
		st.TotalEvaluations = int(totalEval)
		st.ValidTrades = int(validTr)
		st.PerFilterExclusions = toInts(exclusions)
		st.ExecutionCounts = toInts(execCounts)
		st.SuccessCounts = toInts(okCounts)
		st.FailureCounts = toInts(failCounts)
		st.ExecutionTimeMs = int64(execTimeMs)

		out = append(out, &st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filter chain stats rows: %w", err)
	}
	return out, nil
}

func toUint32s(in []int) []uint32 {
	out := make([]uint32, len(in))
	for i, v := range in {
		out[i] = uint32(v)
	}
	return out
}

func toInts(in []uint32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
