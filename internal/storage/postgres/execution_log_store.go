package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage"
)

// ExecutionLogStore implements storage.ExecutionLogStore using PostgreSQL.
type ExecutionLogStore struct {
	pool *Pool
}

// NewExecutionLogStore creates a new ExecutionLogStore.
func NewExecutionLogStore(pool *Pool) *ExecutionLogStore {
	return &ExecutionLogStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ExecutionLogStore = (*ExecutionLogStore)(nil)

const executionColumns = `
	execution_id, execution_type, symbol, status,
	timestamp_start, timestamp_end,
	selected_strategy_ids, execution_mode, estimated_patterns,
	progress_percentage, current_operation, errors, created_at
`

// CreateExecution persists a new execution row.
func (s *ExecutionLogStore) CreateExecution(ctx context.Context, e *domain.Execution) error {
	if e == nil || e.ExecutionID == "" {
		return storage.ErrInvalidInput
	}

	ids, err := marshalJSONText(e.SelectedStrategyIDs)
	if err != nil {
		return fmt.Errorf("marshal strategy ids: %w", err)
	}
	errs, err := marshalJSONText(e.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}

	query := `
		INSERT INTO execution_logs (
			execution_id, execution_type, symbol, status,
			timestamp_start, timestamp_end,
			selected_strategy_ids, execution_mode, estimated_patterns,
			progress_percentage, current_operation, errors
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = s.pool.Exec(ctx, query,
		e.ExecutionID, string(e.ExecutionType), e.Symbol, string(e.Status),
		e.TimestampStart, e.TimestampEnd,
		ids, string(e.ExecutionMode), e.EstimatedPatterns,
		e.ProgressPercentage, e.CurrentOperation, errs,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// MarkRunning transitions an execution to RUNNING.
func (s *ExecutionLogStore) MarkRunning(ctx context.Context, executionID string) error {
	return s.setStatus(ctx, executionID, domain.ExecutionStatusRunning, false, nil)
}

// MarkSuccess transitions an execution to SUCCESS and stamps its end time.
func (s *ExecutionLogStore) MarkSuccess(ctx context.Context, executionID string) error {
	return s.setStatus(ctx, executionID, domain.ExecutionStatusSuccess, true, nil)
}

// MarkFailed transitions an execution to FAILED with accumulated errors.
func (s *ExecutionLogStore) MarkFailed(ctx context.Context, executionID string, errs []string) error {
	return s.setStatus(ctx, executionID, domain.ExecutionStatusFailed, true, errs)
}

// MarkDataDeleted transitions an execution to DATA_DELETED.
func (s *ExecutionLogStore) MarkDataDeleted(ctx context.Context, executionID string) error {
	return s.setStatus(ctx, executionID, domain.ExecutionStatusDataDeleted, true, nil)
}

// setStatus performs a single-statement status transition.
func (s *ExecutionLogStore) setStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, stampEnd bool, errs []string) error {
	var tag string
	args := []any{string(status), executionID}

	switch {
	case errs != nil:
		encoded, err := marshalJSONText(errs)
		if err != nil {
			return fmt.Errorf("marshal errors: %w", err)
		}
		args = append(args, encoded)
		tag = `UPDATE execution_logs SET status = $1, timestamp_end = NOW(), errors = $3 WHERE execution_id = $2`
	case stampEnd:
		tag = `UPDATE execution_logs SET status = $1, timestamp_end = NOW() WHERE execution_id = $2`
	default:
		tag = `UPDATE execution_logs SET status = $1 WHERE execution_id = $2`
	}

	ct, err := s.pool.Exec(ctx, tag, args...)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateProgress updates progress percentage and current operation text.
func (s *ExecutionLogStore) UpdateProgress(ctx context.Context, executionID string, pct float64, operation string) error {
	query := `
		UPDATE execution_logs
		SET progress_percentage = $2, current_operation = $3
		WHERE execution_id = $1
	`
	ct, err := s.pool.Exec(ctx, query, executionID, pct, operation)
	if err != nil {
		return fmt.Errorf("update execution progress: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Lookup retrieves an execution by ID.
func (s *ExecutionLogStore) Lookup(ctx context.Context, executionID string) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_logs WHERE execution_id = $1`

	row := s.pool.QueryRow(ctx, query, executionID)
	e, err := scanExecution(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("lookup execution: %w", err)
	}
	return e, nil
}

// ListRecent retrieves up to limit executions, newest first.
func (s *ExecutionLogStore) ListRecent(ctx context.Context, limit int) ([]*domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM execution_logs
		ORDER BY timestamp_start DESC, execution_id DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent executions: %w", err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// ListForSymbol retrieves all executions for a symbol, newest first.
func (s *ExecutionLogStore) ListForSymbol(ctx context.Context, symbol string) ([]*domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM execution_logs
		WHERE symbol = $1
		ORDER BY timestamp_start DESC, execution_id DESC
	`

	rows, err := s.pool.Query(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("list executions for symbol: %w", err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// Delete removes execution rows by ID.
func (s *ExecutionLogStore) Delete(ctx context.Context, executionIDs []string) (int64, error) {
	if len(executionIDs) == 0 {
		return 0, nil
	}

	ct, err := s.pool.Exec(ctx,
		`DELETE FROM execution_logs WHERE execution_id = ANY($1)`, executionIDs)
	if err != nil {
		if isForeignKeyError(err) {
			return 0, fmt.Errorf("delete executions: dependent analyses still present: %w", err)
		}
		return 0, fmt.Errorf("delete executions: %w", err)
	}
	return ct.RowsAffected(), nil
}

// scanExecution scans a single row into an Execution.
func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var (
		e        domain.Execution
		execType string
		status   string
		mode     string
		idsText  *string
		errsText *string
	)

	err := row.Scan(
		&e.ExecutionID, &execType, &e.Symbol, &status,
		&e.TimestampStart, &e.TimestampEnd,
		&idsText, &mode, &e.EstimatedPatterns,
		&e.ProgressPercentage, &e.CurrentOperation, &errsText, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.ExecutionType = domain.ExecutionType(execType)
	e.Status = domain.ExecutionStatus(status)
	e.ExecutionMode = domain.ExecutionMode(mode)
	if err := unmarshalJSONText(idsText, &e.SelectedStrategyIDs); err != nil {
		return nil, fmt.Errorf("decode strategy ids: %w", err)
	}
	if err := unmarshalJSONText(errsText, &e.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}

	return &e, nil
}

// scanExecutions scans multiple rows into a slice of Execution.
func scanExecutions(rows pgx.Rows) ([]*domain.Execution, error) {
	var executions []*domain.Execution

	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		executions = append(executions, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}

	return executions, nil
}

// marshalJSONText encodes a value as a JSON TEXT column payload.
// Nil slices encode as empty arrays so readers never see SQL NULL
// where the schema promises a JSON array.
func marshalJSONText(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

// unmarshalJSONText decodes a nullable JSON TEXT column.
func unmarshalJSONText(text *string, out any) error {
	if text == nil || *text == "" {
		return nil
	}
	return json.Unmarshal([]byte(*text), out)
}
