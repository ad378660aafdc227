package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage"
)

// AnalysisStore is an in-memory implementation of storage.AnalysisStore.
type AnalysisStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.AnalysisTask
	nextID int64
	now    func() time.Time
}

// NewAnalysisStore creates a new in-memory analysis store.
func NewAnalysisStore() *AnalysisStore {
	return &AnalysisStore{
		data:   make(map[int64]*domain.AnalysisTask),
		nextID: 1,
		now:    time.Now,
	}
}

// Compile-time interface check.
var _ storage.AnalysisStore = (*AnalysisStore)(nil)

// InsertPendingTask inserts one pending task row and returns its ID.
func (s *AnalysisStore) InsertPendingTask(_ context.Context, t *domain.AnalysisTask) (int64, error) {
	if t == nil || t.ExecutionID == "" || t.Symbol == "" {
		return 0, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyTask(t)
	cp.ID = s.nextID
	s.nextID++
	cp.TaskStatus = domain.TaskStatusPending
	cp.TaskCreatedAt = s.now()
	cp.GeneratedAt = s.now()
	s.data[cp.ID] = cp
	return cp.ID, nil
}

// MarkTaskRunning transitions a task to running.
func (s *AnalysisStore) MarkTaskRunning(_ context.Context, taskID int64) error {
	return s.mutate(taskID, func(t *domain.AnalysisTask) {
		t.TaskStatus = domain.TaskStatusRunning
		started := s.now()
		t.TaskStartedAt = &started
	})
}

// MarkTaskCompleted transitions a task to completed with its results.
func (s *AnalysisStore) MarkTaskCompleted(_ context.Context, taskID int64, res *domain.TaskResults) error {
	if res == nil {
		return storage.ErrInvalidInput
	}
	return s.mutate(taskID, func(t *domain.AnalysisTask) {
		t.TaskStatus = domain.TaskStatusCompleted
		completed := s.now()
		t.TaskCompletedAt = &completed

		trades := res.TotalTrades
		winRate := res.WinRate
		totalReturn := res.TotalReturn
		sharpe := res.SharpeRatio
		drawdown := res.MaxDrawdown
		leverage := res.AvgLeverage
		t.TotalTrades = &trades
		t.WinRate = &winRate
		t.TotalReturn = &totalReturn
		t.SharpeRatio = &sharpe
		t.MaxDrawdown = &drawdown
		t.AvgLeverage = &leverage
		if res.ChartPath != "" {
			chart := res.ChartPath
			t.ChartPath = &chart
		}
		if res.CompressedPath != "" {
			compressed := res.CompressedPath
			t.CompressedPath = &compressed
		}
	})
}

// MarkTaskFailed transitions a task to failed with an error message.
func (s *AnalysisStore) MarkTaskFailed(_ context.Context, taskID int64, errMsg string) error {
	return s.mutate(taskID, func(t *domain.AnalysisTask) {
		t.TaskStatus = domain.TaskStatusFailed
		completed := s.now()
		t.TaskCompletedAt = &completed
		msg := domain.TruncateErrorMessage(errMsg)
		t.ErrorMessage = &msg
	})
}

// MarkTasksFailedByExecution mass-fails every pending task of one
// (execution, symbol) and returns the number of rows updated.
func (s *AnalysisStore) MarkTasksFailedByExecution(_ context.Context, executionID, symbol, errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := domain.TruncateErrorMessage(errMsg)
	var n int64
	for _, t := range s.data {
		if t.ExecutionID != executionID || t.Symbol != symbol || t.TaskStatus != domain.TaskStatusPending {
			continue
		}
		t.TaskStatus = domain.TaskStatusFailed
		completed := s.now()
		t.TaskCompletedAt = &completed
		m := msg
		t.ErrorMessage = &m
		n++
	}
	return n, nil
}

// CountByStatus returns per-status task counts for an execution.
func (s *AnalysisStore) CountByStatus(_ context.Context, executionID string) (map[domain.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.TaskStatus]int)
	for _, t := range s.data {
		if t.ExecutionID == executionID {
			counts[t.TaskStatus]++
		}
	}
	return counts, nil
}

// FetchTasks retrieves all tasks of an execution ordered by ID.
func (s *AnalysisStore) FetchTasks(_ context.Context, executionID string) ([]*domain.AnalysisTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AnalysisTask
	for _, t := range s.data {
		if t.ExecutionID == executionID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteByExecution removes all tasks of an execution.
func (s *AnalysisStore) DeleteByExecution(_ context.Context, executionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, t := range s.data {
		if t.ExecutionID == executionID {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}

func (s *AnalysisStore) mutate(taskID int64, fn func(*domain.AnalysisTask)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	fn(t)
	return nil
}

func copyTask(t *domain.AnalysisTask) *domain.AnalysisTask {
	cp := *t
	cp.StrategyConfigID = copyPtr(t.StrategyConfigID)
	cp.TaskStartedAt = copyPtr(t.TaskStartedAt)
	cp.TaskCompletedAt = copyPtr(t.TaskCompletedAt)
	cp.ErrorMessage = copyPtr(t.ErrorMessage)
	cp.TotalTrades = copyPtr(t.TotalTrades)
	cp.WinRate = copyPtr(t.WinRate)
	cp.TotalReturn = copyPtr(t.TotalReturn)
	cp.SharpeRatio = copyPtr(t.SharpeRatio)
	cp.MaxDrawdown = copyPtr(t.MaxDrawdown)
	cp.AvgLeverage = copyPtr(t.AvgLeverage)
	cp.ChartPath = copyPtr(t.ChartPath)
	cp.CompressedPath = copyPtr(t.CompressedPath)
	return &cp
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
