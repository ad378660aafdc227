package storage

import (
	"context"

	"leverage-lab/internal/domain"
)

// ExecutionLogStore provides access to execution_logs storage.
type ExecutionLogStore interface {
	// CreateExecution persists a new execution row.
	// Returns ErrDuplicateKey if execution_id exists.
	CreateExecution(ctx context.Context, e *domain.Execution) error

	// MarkRunning transitions an execution to RUNNING.
	MarkRunning(ctx context.Context, executionID string) error

	// MarkSuccess transitions an execution to SUCCESS and stamps its end time.
	MarkSuccess(ctx context.Context, executionID string) error

	// MarkFailed transitions an execution to FAILED, stamps its end time
	// and records the accumulated error messages.
	MarkFailed(ctx context.Context, executionID string, errs []string) error

	// MarkDataDeleted transitions an execution to DATA_DELETED.
	MarkDataDeleted(ctx context.Context, executionID string) error

	// UpdateProgress updates progress percentage and the current operation text.
	UpdateProgress(ctx context.Context, executionID string, pct float64, operation string) error

	// Lookup retrieves an execution by ID. Returns ErrNotFound if not exists.
	Lookup(ctx context.Context, executionID string) (*domain.Execution, error)

	// ListRecent retrieves up to limit executions, newest first.
	ListRecent(ctx context.Context, limit int) ([]*domain.Execution, error)

	// ListForSymbol retrieves all executions for a symbol, newest first.
	ListForSymbol(ctx context.Context, symbol string) ([]*domain.Execution, error)

	// Delete removes execution rows by ID. Returns the number removed.
	// Rows still referenced by analyses must be deleted last by the caller.
	Delete(ctx context.Context, executionIDs []string) (int64, error)
}

// AnalysisStore provides access to the analyses task grid.
type AnalysisStore interface {
	// InsertPendingTask inserts one task row with task_status=pending
	// and returns its generated ID.
	InsertPendingTask(ctx context.Context, t *domain.AnalysisTask) (int64, error)

	// MarkTaskRunning transitions a task to running and stamps task_started_at.
	MarkTaskRunning(ctx context.Context, taskID int64) error

	// MarkTaskCompleted transitions a task to completed, stamps
	// task_completed_at and writes the backtest result fields.
	MarkTaskCompleted(ctx context.Context, taskID int64, res *domain.TaskResults) error

	// MarkTaskFailed transitions a task to failed with an error message
	// (truncated to 500 chars) and stamps task_completed_at.
	MarkTaskFailed(ctx context.Context, taskID int64, errMsg string) error

	// MarkTasksFailedByExecution mass-fails every pending task of one
	// (execution, symbol) in a single statement and returns the number of
	// rows updated. Zero pending rows is not an error.
	MarkTasksFailedByExecution(ctx context.Context, executionID, symbol, errMsg string) (int64, error)

	// CountByStatus returns per-status task counts for an execution.
	CountByStatus(ctx context.Context, executionID string) (map[domain.TaskStatus]int, error)

	// FetchTasks retrieves all tasks of an execution ordered by ID.
	FetchTasks(ctx context.Context, executionID string) ([]*domain.AnalysisTask, error)

	// DeleteByExecution removes all tasks of an execution.
	// Returns the number of rows removed.
	DeleteByExecution(ctx context.Context, executionID string) (int64, error)
}

// StrategyCatalog provides read access to strategy_configurations.
// The catalog is written through an admin path outside this system.
type StrategyCatalog interface {
	// GetDefaults retrieves all active default configurations.
	GetDefaults(ctx context.Context) ([]*domain.StrategyConfiguration, error)

	// GetByIDs retrieves active configurations by ID, preserving the
	// requested order. Unknown or inactive IDs are silently dropped.
	GetByIDs(ctx context.Context, ids []int64) ([]*domain.StrategyConfiguration, error)

	// ListActive retrieves all active configurations.
	ListActive(ctx context.Context) ([]*domain.StrategyConfiguration, error)
}

// FilterStatsStore archives filter-chain statistics snapshots.
type FilterStatsStore interface {
	// Insert appends one chain run snapshot.
	Insert(ctx context.Context, s *domain.FilterChainStats) error

	// GetBySymbol retrieves archived snapshots for a symbol, newest first.
	GetBySymbol(ctx context.Context, symbol string) ([]*domain.FilterChainStats, error)
}

// Maintenance is implemented by backends that support space reclamation
// after bulk deletes.
type Maintenance interface {
	// Vacuum reclaims storage space.
	Vacuum(ctx context.Context) error
}
