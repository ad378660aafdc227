package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage"
)

// AnalysisStore implements storage.AnalysisStore using PostgreSQL.
type AnalysisStore struct {
	pool *Pool
}

// NewAnalysisStore creates a new AnalysisStore.
func NewAnalysisStore(pool *Pool) *AnalysisStore {
	return &AnalysisStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AnalysisStore = (*AnalysisStore)(nil)

const analysisColumns = `
	id, execution_id, symbol, timeframe, config,
	strategy_config_id, strategy_name,
	task_status, task_created_at, task_started_at, task_completed_at,
	error_message, retry_count,
	total_trades, win_rate, total_return, sharpe_ratio, max_drawdown, avg_leverage,
	chart_path, compressed_path, generated_at
`

// InsertPendingTask inserts one pending task row and returns its ID.
func (s *AnalysisStore) InsertPendingTask(ctx context.Context, t *domain.AnalysisTask) (int64, error) {
	if t == nil || t.ExecutionID == "" || t.Symbol == "" {
		return 0, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO analyses (
			execution_id, symbol, timeframe, config,
			strategy_config_id, strategy_name,
			task_status, task_created_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending', NOW())
		RETURNING id
	`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		t.ExecutionID, t.Symbol, t.Timeframe, t.Config,
		t.StrategyConfigID, t.StrategyName,
	).Scan(&id)
	if err != nil {
		if isForeignKeyError(err) {
			return 0, fmt.Errorf("insert pending task: unknown execution %s: %w", t.ExecutionID, storage.ErrInvalidInput)
		}
		return 0, fmt.Errorf("insert pending task: %w", err)
	}
	return id, nil
}

// MarkTaskRunning transitions a task to running.
func (s *AnalysisStore) MarkTaskRunning(ctx context.Context, taskID int64) error {
	query := `
		UPDATE analyses
		SET task_status = 'running', task_started_at = NOW()
		WHERE id = $1
	`
	ct, err := s.pool.Exec(ctx, query, taskID)
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkTaskCompleted transitions a task to completed with its results.
func (s *AnalysisStore) MarkTaskCompleted(ctx context.Context, taskID int64, res *domain.TaskResults) error {
	if res == nil {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE analyses
		SET task_status = 'completed', task_completed_at = NOW(),
		    total_trades = $2, win_rate = $3, total_return = $4,
		    sharpe_ratio = $5, max_drawdown = $6, avg_leverage = $7,
		    chart_path = NULLIF($8, ''), compressed_path = NULLIF($9, '')
		WHERE id = $1
	`
	ct, err := s.pool.Exec(ctx, query, taskID,
		res.TotalTrades, res.WinRate, res.TotalReturn,
		res.SharpeRatio, res.MaxDrawdown, res.AvgLeverage,
		res.ChartPath, res.CompressedPath,
	)
	if err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkTaskFailed transitions a task to failed with an error message.
func (s *AnalysisStore) MarkTaskFailed(ctx context.Context, taskID int64, errMsg string) error {
	query := `
		UPDATE analyses
		SET task_status = 'failed', task_completed_at = NOW(), error_message = $2
		WHERE id = $1
	`
	ct, err := s.pool.Exec(ctx, query, taskID, domain.TruncateErrorMessage(errMsg))
	if err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkTasksFailedByExecution mass-fails every pending task of one
// (execution, symbol) in a single statement. Idempotent under retry:
// rows already failed are not touched again.
func (s *AnalysisStore) MarkTasksFailedByExecution(ctx context.Context, executionID, symbol, errMsg string) (int64, error) {
	query := `
		UPDATE analyses
		SET task_status = 'failed', task_completed_at = NOW(), error_message = $3
		WHERE execution_id = $1 AND symbol = $2 AND task_status = 'pending'
	`
	ct, err := s.pool.Exec(ctx, query, executionID, symbol, domain.TruncateErrorMessage(errMsg))
	if err != nil {
		return 0, fmt.Errorf("mass-fail tasks: %w", err)
	}
	return ct.RowsAffected(), nil
}

// CountByStatus returns per-status task counts for an execution.
func (s *AnalysisStore) CountByStatus(ctx context.Context, executionID string) (map[domain.TaskStatus]int, error) {
	query := `
		SELECT task_status, COUNT(*)
		FROM analyses
		WHERE execution_id = $1
		GROUP BY task_status
	`

	rows, err := s.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// FetchTasks retrieves all tasks of an execution ordered by ID.
func (s *AnalysisStore) FetchTasks(ctx context.Context, executionID string) ([]*domain.AnalysisTask, error) {
	query := `
		SELECT ` + analysisColumns + `
		FROM analyses
		WHERE execution_id = $1
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	defer rows.Close()

	return scanAnalysisTasks(rows)
}

// DeleteByExecution removes all tasks of an execution.
func (s *AnalysisStore) DeleteByExecution(ctx context.Context, executionID string) (int64, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM analyses WHERE execution_id = $1`, executionID)
	if err != nil {
		return 0, fmt.Errorf("delete tasks by execution: %w", err)
	}
	return ct.RowsAffected(), nil
}

// CountOrphanAnalyses counts analyses rows whose execution no longer
// exists. Used by the startup consistency check; with the native FK in
// place the count can only be non-zero after an out-of-band restore.
func CountOrphanAnalyses(ctx context.Context, pool *Pool) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM analyses a
		LEFT JOIN execution_logs e ON e.execution_id = a.execution_id
		WHERE e.execution_id IS NULL
	`
	var n int
	if err := pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count orphan analyses: %w", err)
	}
	return n, nil
}

// scanAnalysisTask scans a single row into an AnalysisTask.
func scanAnalysisTask(row pgx.Row) (*domain.AnalysisTask, error) {
	var (
		t      domain.AnalysisTask
		status string
	)

	err := row.Scan(
		&t.ID, &t.ExecutionID, &t.Symbol, &t.Timeframe, &t.Config,
		&t.StrategyConfigID, &t.StrategyName,
		&status, &t.TaskCreatedAt, &t.TaskStartedAt, &t.TaskCompletedAt,
		&t.ErrorMessage, &t.RetryCount,
		&t.TotalTrades, &t.WinRate, &t.TotalReturn, &t.SharpeRatio, &t.MaxDrawdown, &t.AvgLeverage,
		&t.ChartPath, &t.CompressedPath, &t.GeneratedAt,
	)
	if err != nil {
		return nil, err
	}

	t.TaskStatus = domain.TaskStatus(status)
	return &t, nil
}

// scanAnalysisTasks scans multiple rows into a slice of AnalysisTask.
func scanAnalysisTasks(rows pgx.Rows) ([]*domain.AnalysisTask, error) {
	var tasks []*domain.AnalysisTask

	for rows.Next() {
		t, err := scanAnalysisTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis row: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analysis rows: %w", err)
	}

	return tasks, nil
}
