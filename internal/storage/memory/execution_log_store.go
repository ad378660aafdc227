package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage"
)

// ExecutionLogStore is an in-memory implementation of storage.ExecutionLogStore.
type ExecutionLogStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Execution
	now  func() time.Time
}

// NewExecutionLogStore creates a new in-memory execution log store.
func NewExecutionLogStore() *ExecutionLogStore {
	return &ExecutionLogStore{
		data: make(map[string]*domain.Execution),
		now:  time.Now,
	}
}

// Compile-time interface check.
var _ storage.ExecutionLogStore = (*ExecutionLogStore)(nil)

// CreateExecution persists a new execution row.
func (s *ExecutionLogStore) CreateExecution(_ context.Context, e *domain.Execution) error {
	if e == nil || e.ExecutionID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[e.ExecutionID]; exists {
		return storage.ErrDuplicateKey
	}

	cp := copyExecution(e)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.data[e.ExecutionID] = cp
	return nil
}

// MarkRunning transitions an execution to RUNNING.
func (s *ExecutionLogStore) MarkRunning(_ context.Context, executionID string) error {
	return s.mutate(executionID, func(e *domain.Execution) {
		e.Status = domain.ExecutionStatusRunning
	})
}

// MarkSuccess transitions an execution to SUCCESS.
func (s *ExecutionLogStore) MarkSuccess(_ context.Context, executionID string) error {
	return s.mutate(executionID, func(e *domain.Execution) {
		e.Status = domain.ExecutionStatusSuccess
		end := s.now()
		e.TimestampEnd = &end
	})
}

// MarkFailed transitions an execution to FAILED with accumulated errors.
func (s *ExecutionLogStore) MarkFailed(_ context.Context, executionID string, errs []string) error {
	return s.mutate(executionID, func(e *domain.Execution) {
		e.Status = domain.ExecutionStatusFailed
		end := s.now()
		e.TimestampEnd = &end
		e.Errors = append([]string(nil), errs...)
	})
}

// MarkDataDeleted transitions an execution to DATA_DELETED.
func (s *ExecutionLogStore) MarkDataDeleted(_ context.Context, executionID string) error {
	return s.mutate(executionID, func(e *domain.Execution) {
		e.Status = domain.ExecutionStatusDataDeleted
		end := s.now()
		e.TimestampEnd = &end
	})
}

// UpdateProgress updates progress percentage and current operation text.
func (s *ExecutionLogStore) UpdateProgress(_ context.Context, executionID string, pct float64, operation string) error {
	return s.mutate(executionID, func(e *domain.Execution) {
		e.ProgressPercentage = pct
		e.CurrentOperation = operation
	})
}

// Lookup retrieves an execution by ID.
func (s *ExecutionLogStore) Lookup(_ context.Context, executionID string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[executionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyExecution(e), nil
}

// ListRecent retrieves up to limit executions, newest first.
func (s *ExecutionLogStore) ListRecent(_ context.Context, limit int) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sortedDesc()
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListForSymbol retrieves all executions for a symbol, newest first.
func (s *ExecutionLogStore) ListForSymbol(_ context.Context, symbol string) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Execution
	for _, e := range s.sortedDesc() {
		if e.Symbol == symbol {
			out = append(out, e)
		}
	}
	return out, nil
}

// Delete removes execution rows by ID.
func (s *ExecutionLogStore) Delete(_ context.Context, executionIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range executionIDs {
		if _, ok := s.data[id]; ok {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}

func (s *ExecutionLogStore) mutate(executionID string, fn func(*domain.Execution)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[executionID]
	if !ok {
		return storage.ErrNotFound
	}
	fn(e)
	return nil
}

// sortedDesc returns copies of all executions, newest first.
// Caller must hold at least a read lock.
func (s *ExecutionLogStore) sortedDesc() []*domain.Execution {
	out := make([]*domain.Execution, 0, len(s.data))
	for _, e := range s.data {
		out = append(out, copyExecution(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TimestampStart.Equal(out[j].TimestampStart) {
			return out[i].TimestampStart.After(out[j].TimestampStart)
		}
		return out[i].ExecutionID > out[j].ExecutionID
	})
	return out
}

func copyExecution(e *domain.Execution) *domain.Execution {
	cp := *e
	cp.SelectedStrategyIDs = append([]int64(nil), e.SelectedStrategyIDs...)
	cp.Errors = append([]string(nil), e.Errors...)
	if e.TimestampEnd != nil {
		end := *e.TimestampEnd
		cp.TimestampEnd = &end
	}
	return &cp
}
