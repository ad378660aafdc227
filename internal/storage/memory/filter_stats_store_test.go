package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage"
)

func TestFilterStatsStore_InsertAndGet(t *testing.T) {
	store := NewFilterStatsStore()
	ctx := context.Background()

	base := time.Now()
	snapshots := []*domain.FilterChainStats{
		{ExecutionID: "sym-add-1", Symbol: "BTCUSDT", Timeframe: "1h", Strategy: "Conservative_ML", RunAt: base, TotalEvaluations: 50, ValidTrades: 4},
		{ExecutionID: "sym-add-2", Symbol: "BTCUSDT", Timeframe: "4h", Strategy: "Aggressive_ML", RunAt: base.Add(time.Minute), TotalEvaluations: 20, ValidTrades: 1},
		{ExecutionID: "sym-add-3", Symbol: "ETHUSDT", Timeframe: "1h", Strategy: "Conservative_ML", RunAt: base, TotalEvaluations: 30, ValidTrades: 2},
	}
	for _, s := range snapshots {
		if err := store.Insert(ctx, s); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := store.GetBySymbol(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetBySymbol failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(got))
	}
	if got[0].Timeframe != "4h" {
		t.Errorf("Expected newest first, got %s", got[0].Timeframe)
	}
}

func TestFilterStatsStore_GetBySymbolEmpty(t *testing.T) {
	store := NewFilterStatsStore()

	got, err := store.GetBySymbol(context.Background(), "NOPE")
	if err != nil {
		t.Fatalf("GetBySymbol failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty result, got %d", len(got))
	}
}

func TestFilterStatsStore_InsertCopiesSlices(t *testing.T) {
	store := NewFilterStatsStore()
	ctx := context.Background()

	exclusions := []int{1, 0, 2}
	s := &domain.FilterChainStats{
		ExecutionID:         "sym-add-1",
		Symbol:              "BTCUSDT",
		RunAt:               time.Now(),
		PerFilterExclusions: exclusions,
	}
	if err := store.Insert(ctx, s); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	exclusions[0] = 99

	got, _ := store.GetBySymbol(ctx, "BTCUSDT")
	if got[0].PerFilterExclusions[0] != 1 {
		t.Error("Stored snapshot aliased to caller slice")
	}
}

func TestFilterStatsStore_InvalidInput(t *testing.T) {
	store := NewFilterStatsStore()
	ctx := context.Background()

	if err := store.Insert(ctx, nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for nil, got %v", err)
	}
	if err := store.Insert(ctx, &domain.FilterChainStats{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty symbol, got %v", err)
	}
}
