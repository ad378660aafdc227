package progress

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Options{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func TestStore_StartAnalysis(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.StartAnalysis("BTCUSDT", "sym-add-1")
	if err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}
	if rec.CurrentStage != domain.StageInitializing {
		t.Errorf("Expected initializing, got %s", rec.CurrentStage)
	}
	if rec.OverallStatus != domain.OverallStatusRunning {
		t.Errorf("Expected running, got %s", rec.OverallStatus)
	}
	if rec.FinalSignal != domain.FinalSignalAnalyzing {
		t.Errorf("Expected analyzing, got %s", rec.FinalSignal)
	}

	got, err := store.GetProgress("sym-add-1")
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if got.Symbol != "BTCUSDT" {
		t.Errorf("Symbol mismatch: %s", got.Symbol)
	}
	if got.SupportResistance.Status != domain.StageStatusPending {
		t.Errorf("Sub-record should start pending, got %s", got.SupportResistance.Status)
	}
}

func TestStore_StageAndSubRecordUpdates(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.StartAnalysis("BTCUSDT", "sym-add-1"); err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}

	if err := store.UpdateStage("sym-add-1", domain.StageSupportResistance); err != nil {
		t.Fatalf("UpdateStage failed: %v", err)
	}
	if err := store.UpdateSupportResistance("sym-add-1", domain.SupportResistanceResult{
		Status:           domain.StageStatusSuccess,
		SupportsCount:    2,
		ResistancesCount: 1,
		Supports:         []domain.SRLevel{{Price: 100, Strength: 0.8, TouchCount: 3}, {Price: 95, Strength: 0.6, TouchCount: 2}},
		Resistances:      []domain.SRLevel{{Price: 110, Strength: 0.7, TouchCount: 4}},
	}); err != nil {
		t.Fatalf("UpdateSupportResistance failed: %v", err)
	}

	got, err := store.GetProgress("sym-add-1")
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if got.CurrentStage != domain.StageSupportResistance {
		t.Errorf("Expected support_resistance stage, got %s", got.CurrentStage)
	}
	if got.SupportResistance.SupportsCount != 2 || len(got.SupportResistance.Supports) != 2 {
		t.Errorf("S/R sub-record not persisted: %+v", got.SupportResistance)
	}
}

func TestStore_CompleteAnalysis(t *testing.T) {
	store := newTestStore(t)

	store.StartAnalysis("BTCUSDT", "sym-add-1")
	if err := store.CompleteAnalysis("sym-add-1", domain.FinalSignalDetected, "Leverage 3.0x recommended"); err != nil {
		t.Fatalf("CompleteAnalysis failed: %v", err)
	}

	got, _ := store.GetProgress("sym-add-1")
	if got.OverallStatus != domain.OverallStatusSuccess {
		t.Errorf("Expected success, got %s", got.OverallStatus)
	}
	// success implies current_stage=completed
	if got.CurrentStage != domain.StageCompleted {
		t.Errorf("Expected completed stage, got %s", got.CurrentStage)
	}
	if got.FinalSignal != domain.FinalSignalDetected {
		t.Errorf("Expected signal_detected, got %s", got.FinalSignal)
	}
}

func TestStore_FailAnalysisSetsFailureStage(t *testing.T) {
	store := newTestStore(t)

	store.StartAnalysis("BTCUSDT", "sym-add-1")
	if err := store.FailAnalysis("sym-add-1", domain.StageMLPrediction, "ML prediction failed"); err != nil {
		t.Fatalf("FailAnalysis failed: %v", err)
	}

	got, _ := store.GetProgress("sym-add-1")
	if got.OverallStatus != domain.OverallStatusFailed {
		t.Errorf("Expected failed, got %s", got.OverallStatus)
	}
	// failed implies failure_stage set
	if got.FailureStage != domain.StageMLPrediction {
		t.Errorf("Expected failure stage ml_prediction, got %s", got.FailureStage)
	}
	if got.CurrentStage != domain.StageFailed {
		t.Errorf("Expected failed stage, got %s", got.CurrentStage)
	}
}

func TestStore_GetProgressAbsent(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetProgress("nonexistent")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_GetProgressCorruptFile(t *testing.T) {
	store := newTestStore(t)

	store.StartAnalysis("BTCUSDT", "sym-add-1")
	path := filepath.Join(store.root, progressDir, "sym-add-1.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt write failed: %v", err)
	}

	_, err := store.GetProgress("sym-add-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Corrupt file should read as absent, got %v", err)
	}
}

func TestStore_MutatorRecoversCorruptFile(t *testing.T) {
	store := newTestStore(t)

	store.StartAnalysis("BTCUSDT", "sym-add-1")
	path := filepath.Join(store.root, progressDir, "sym-add-1.json")
	os.WriteFile(path, []byte("garbage"), 0o644)

	if err := store.UpdateStage("sym-add-1", domain.StageDataFetch); err != nil {
		t.Fatalf("UpdateStage on corrupt record failed: %v", err)
	}

	got, err := store.GetProgress("sym-add-1")
	if err != nil {
		t.Fatalf("GetProgress after recovery failed: %v", err)
	}
	if got.CurrentStage != domain.StageDataFetch {
		t.Errorf("Expected data_fetch, got %s", got.CurrentStage)
	}
}

func TestStore_GetAllRecentFiltersAndSorts(t *testing.T) {
	now := time.Now()
	clock := now
	store, err := NewStore(Options{Root: t.TempDir(), Now: func() time.Time { return clock }})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	clock = now.Add(-48 * time.Hour)
	store.StartAnalysis("OLDUSDT", "sym-add-old")

	clock = now.Add(-2 * time.Hour)
	store.StartAnalysis("BTCUSDT", "sym-add-1")

	clock = now.Add(-1 * time.Hour)
	store.StartAnalysis("ETHUSDT", "sym-add-2")

	clock = now
	recent, err := store.GetAllRecent(24)
	if err != nil {
		t.Fatalf("GetAllRecent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 recent records, got %d", len(recent))
	}
	if recent[0].Symbol != "ETHUSDT" {
		t.Errorf("Expected newest first, got %s", recent[0].Symbol)
	}
}

func TestStore_GetActiveExecutions(t *testing.T) {
	store := newTestStore(t)

	store.StartAnalysis("BTCUSDT", "sym-add-1")
	store.StartAnalysis("ETHUSDT", "sym-add-2")
	store.CompleteAnalysis("sym-add-2", domain.FinalSignalNoSignal, "no levels")

	active, err := store.GetActiveExecutions()
	if err != nil {
		t.Fatalf("GetActiveExecutions failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("Expected 1 active execution, got %d", len(active))
	}
	if active[0].ExecutionID != "sym-add-1" {
		t.Errorf("Unexpected active execution: %s", active[0].ExecutionID)
	}
}

func TestStore_CleanupOld(t *testing.T) {
	store := newTestStore(t)

	store.StartAnalysis("BTCUSDT", "sym-add-1")
	store.StartAnalysis("ETHUSDT", "sym-add-2")

	// Age one file by rewinding its mtime.
	old := time.Now().Add(-48 * time.Hour)
	path := filepath.Join(store.root, progressDir, "sym-add-1.json")
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	removed, err := store.CleanupOld(24)
	if err != nil {
		t.Fatalf("CleanupOld failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 record removed, got %d", removed)
	}

	if _, err := store.GetProgress("sym-add-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("Aged record should be gone")
	}
	if _, err := store.GetProgress("sym-add-2"); err != nil {
		t.Errorf("Fresh record removed: %v", err)
	}
}

func TestStore_NoPartialWritesVisible(t *testing.T) {
	store := newTestStore(t)

	store.StartAnalysis("BTCUSDT", "sym-add-1")

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			store.UpdateMLPrediction("sym-add-1", domain.MLPredictionResult{
				Status:           domain.StageStatusRunning,
				PredictionsCount: i,
				Confidence:       0.5,
			})
		}
		close(stop)
	}()

	// Readers must see whole documents only.
	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		data, err := os.ReadFile(filepath.Join(store.root, progressDir, "sym-add-1.json"))
		if err != nil {
			continue
		}
		var rec domain.ProgressRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			t.Fatalf("Reader observed a partial write: %v", err)
		}
	}
}

func TestStore_InvalidInput(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.StartAnalysis("", "sym-add-1"); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty symbol, got %v", err)
	}
	if err := store.UpdateStage("", domain.StageDataFetch); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty execution ID, got %v", err)
	}
}
