package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage"
)

func createTestExecution(id, symbol string) *domain.Execution {
	return &domain.Execution{
		ExecutionID:         id,
		ExecutionType:       domain.ExecutionTypeSymbolAddition,
		Symbol:              symbol,
		Status:              domain.ExecutionStatusPending,
		TimestampStart:      time.Now().UTC().Truncate(time.Millisecond),
		SelectedStrategyIDs: []int64{1, 2},
		ExecutionMode:       domain.ExecutionModeSelective,
		EstimatedPatterns:   6,
	}
}

func TestExecutionLogStore_CreateAndLookup(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionLogStore(pool)

	e := createTestExecution("sym-add-pg-1", "BTCUSDT")
	require.NoError(t, store.CreateExecution(ctx, e))

	got, err := store.Lookup(ctx, "sym-add-pg-1")
	require.NoError(t, err)

	assert.Equal(t, e.ExecutionID, got.ExecutionID)
	assert.Equal(t, domain.ExecutionTypeSymbolAddition, got.ExecutionType)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, domain.ExecutionStatusPending, got.Status)
	assert.Equal(t, []int64{1, 2}, got.SelectedStrategyIDs)
	assert.Equal(t, domain.ExecutionModeSelective, got.ExecutionMode)
	assert.Equal(t, 6, got.EstimatedPatterns)
	assert.Nil(t, got.TimestampEnd)
	assert.Empty(t, got.Errors)
}

func TestExecutionLogStore_DuplicateKey(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionLogStore(pool)

	require.NoError(t, store.CreateExecution(ctx, createTestExecution("sym-add-pg-1", "BTCUSDT")))

	err := store.CreateExecution(ctx, createTestExecution("sym-add-pg-1", "ETHUSDT"))
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey), "expected ErrDuplicateKey, got %v", err)
}

func TestExecutionLogStore_NotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionLogStore(pool)

	_, err := store.Lookup(ctx, "nonexistent")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	err = store.MarkRunning(ctx, "nonexistent")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestExecutionLogStore_Lifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionLogStore(pool)

	require.NoError(t, store.CreateExecution(ctx, createTestExecution("sym-add-pg-1", "BTCUSDT")))

	require.NoError(t, store.MarkRunning(ctx, "sym-add-pg-1"))
	got, err := store.Lookup(ctx, "sym-add-pg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, got.Status)
	assert.Nil(t, got.TimestampEnd)

	require.NoError(t, store.UpdateProgress(ctx, "sym-add-pg-1", 50.0, "running task 3/6"))
	got, err = store.Lookup(ctx, "sym-add-pg-1")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, got.ProgressPercentage, 0.001)
	assert.Equal(t, "running task 3/6", got.CurrentOperation)

	require.NoError(t, store.MarkSuccess(ctx, "sym-add-pg-1"))
	got, err = store.Lookup(ctx, "sym-add-pg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusSuccess, got.Status)
	require.NotNil(t, got.TimestampEnd)
	assert.False(t, got.TimestampEnd.IsZero())
}

func TestExecutionLogStore_MarkFailedStoresErrors(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionLogStore(pool)

	require.NoError(t, store.CreateExecution(ctx, createTestExecution("sym-add-pg-1", "BTCUSDT")))

	errs := []string{"BTCUSDT/1h/Conservative_ML: no_support_resistance", "BTCUSDT/4h/Aggressive_ML: execution error"}
	require.NoError(t, store.MarkFailed(ctx, "sym-add-pg-1", errs))

	got, err := store.Lookup(ctx, "sym-add-pg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	assert.Equal(t, errs, got.Errors)
	assert.NotNil(t, got.TimestampEnd)
}

func TestExecutionLogStore_MarkDataDeleted(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionLogStore(pool)

	require.NoError(t, store.CreateExecution(ctx, createTestExecution("sym-add-pg-1", "BTCUSDT")))
	require.NoError(t, store.MarkDataDeleted(ctx, "sym-add-pg-1"))

	got, err := store.Lookup(ctx, "sym-add-pg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusDataDeleted, got.Status)
}

func TestExecutionLogStore_ListRecentAndForSymbol(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionLogStore(pool)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, spec := range []struct{ id, symbol string }{
		{"sym-add-pg-1", "BTCUSDT"},
		{"sym-add-pg-2", "ETHUSDT"},
		{"sym-add-pg-3", "BTCUSDT"},
	} {
		e := createTestExecution(spec.id, spec.symbol)
		e.TimestampStart = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateExecution(ctx, e))
	}

	recent, err := store.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "sym-add-pg-3", recent[0].ExecutionID)
	assert.Equal(t, "sym-add-pg-2", recent[1].ExecutionID)

	btc, err := store.ListForSymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, btc, 2)
	assert.Equal(t, "sym-add-pg-3", btc[0].ExecutionID)
}

func TestExecutionLogStore_Delete(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionLogStore(pool)

	require.NoError(t, store.CreateExecution(ctx, createTestExecution("sym-add-pg-1", "BTCUSDT")))
	require.NoError(t, store.CreateExecution(ctx, createTestExecution("sym-add-pg-2", "ETHUSDT")))

	n, err := store.Delete(ctx, []string{"sym-add-pg-1", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Lookup(ctx, "sym-add-pg-1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = store.Lookup(ctx, "sym-add-pg-2")
	assert.NoError(t, err)
}
