// Package progress implements a file-coordinated progress store. Each
// execution owns one JSON document that the owning worker mutates and
// any process (the dashboard included) may read without locking.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/observability"
	"leverage-lab/internal/storage"
)

const (
	progressDir = "progress"
	locksDir    = "locks"
	indexDir    = "index"

	// lockWait bounds how long a mutator waits for the per-record lock
	// before giving up.
	lockWait     = 5 * time.Second
	lockPollBase = 50 * time.Millisecond
)

// Options configures a Store.
type Options struct {
	// Root is the directory tree holding progress records, locks and
	// the index hint file.
	Root string

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store reads and writes per-execution progress records under a root
// directory. All mutators are read-modify-write under a per-record
// advisory file lock; reads are lock-free and rely on atomic renames.
type Store struct {
	root string
	now  func() time.Time
}

// NewStore creates the directory layout under opts.Root.
func NewStore(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("progress store: root directory required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	for _, dir := range []string{progressDir, locksDir, indexDir} {
		if err := os.MkdirAll(filepath.Join(opts.Root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("progress store: create %s dir: %w", dir, err)
		}
	}

	return &Store{root: opts.Root, now: now}, nil
}

// StartAnalysis creates the initial record for an execution. An existing
// record for the same execution is overwritten; retries of the same task
// own the same file.
func (s *Store) StartAnalysis(symbol, executionID string) (*domain.ProgressRecord, error) {
	if symbol == "" || executionID == "" {
		return nil, storage.ErrInvalidInput
	}

	rec := domain.NewProgressRecord(symbol, executionID, s.now().UTC())
	if err := s.withLock(executionID, func() error {
		return s.writeRecord(rec)
	}); err != nil {
		return nil, err
	}
	s.updateActiveHint()
	return rec, nil
}

// UpdateStage moves the record to a new pipeline stage.
func (s *Store) UpdateStage(executionID string, stage domain.Stage) error {
	return s.mutate(executionID, func(rec *domain.ProgressRecord) {
		rec.CurrentStage = stage
	})
}

// UpdateSupportResistance writes the S/R stage sub-record.
func (s *Store) UpdateSupportResistance(executionID string, result domain.SupportResistanceResult) error {
	return s.mutate(executionID, func(rec *domain.ProgressRecord) {
		rec.SupportResistance = result
	})
}

// UpdateMLPrediction writes the ML stage sub-record.
func (s *Store) UpdateMLPrediction(executionID string, result domain.MLPredictionResult) error {
	return s.mutate(executionID, func(rec *domain.ProgressRecord) {
		rec.MLPrediction = result
	})
}

// UpdateMarketContext writes the market context stage sub-record.
func (s *Store) UpdateMarketContext(executionID string, result domain.MarketContextResult) error {
	return s.mutate(executionID, func(rec *domain.ProgressRecord) {
		rec.MarketContext = result
	})
}

// UpdateLeverageDecision writes the leverage decision stage sub-record.
func (s *Store) UpdateLeverageDecision(executionID string, result domain.LeverageDecisionResult) error {
	return s.mutate(executionID, func(rec *domain.ProgressRecord) {
		rec.LeverageDecision = result
	})
}

// CompleteAnalysis marks the record terminal-successful.
func (s *Store) CompleteAnalysis(executionID string, signal domain.FinalSignal, message string) error {
	err := s.mutate(executionID, func(rec *domain.ProgressRecord) {
		rec.CurrentStage = domain.StageCompleted
		rec.OverallStatus = domain.OverallStatusSuccess
		rec.FinalSignal = signal
		rec.FinalMessage = message
	})
	if err == nil {
		s.updateActiveHint()
	}
	return err
}

// FailAnalysis marks the record terminal-failed at a stage.
func (s *Store) FailAnalysis(executionID string, stage domain.Stage, message string) error {
	err := s.mutate(executionID, func(rec *domain.ProgressRecord) {
		rec.CurrentStage = domain.StageFailed
		rec.OverallStatus = domain.OverallStatusFailed
		rec.FinalSignal = domain.FinalSignalNoSignal
		rec.FailureStage = stage
		rec.FinalMessage = message
	})
	if err == nil {
		s.updateActiveHint()
	}
	return err
}

// GetProgress reads the record for an execution without locking.
// Missing or unparseable files return storage.ErrNotFound; readers
// never block writers.
func (s *Store) GetProgress(executionID string) (*domain.ProgressRecord, error) {
	rec, err := s.readRecord(executionID)
	if err != nil {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

// GetAllRecent returns records started within the last N hours,
// newest first. Files that disappear or fail to parse mid-scan are
// skipped.
func (s *Store) GetAllRecent(hours int) ([]*domain.ProgressRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, progressDir))
	if err != nil {
		return nil, fmt.Errorf("progress store: scan: %w", err)
	}

	cutoff := s.now().UTC().Add(-time.Duration(hours) * time.Hour)
	var out []*domain.ProgressRecord
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		rec, err := s.readRecord(id)
		if err != nil {
			continue
		}
		if rec.StartTime.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

// GetActiveExecutions returns all records still in the running state.
func (s *Store) GetActiveExecutions() ([]*domain.ProgressRecord, error) {
	// The index hint is advisory; the file set is the source of truth.
	all, err := s.GetAllRecent(24 * 365)
	if err != nil {
		return nil, err
	}

	var active []*domain.ProgressRecord
	for _, rec := range all {
		if rec.OverallStatus == domain.OverallStatusRunning {
			active = append(active, rec)
		}
	}
	return active, nil
}

// CleanupOld removes record files whose mtime is older than the
// threshold. Returns the number of files removed.
func (s *Store) CleanupOld(hours int) (int, error) {
	dir := filepath.Join(s.root, progressDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("progress store: cleanup scan: %w", err)
	}

	cutoff := s.now().Add(-time.Duration(hours) * time.Hour)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			log.Printf("[progress] cleanup: remove %s: %v", entry.Name(), err)
			continue
		}
		// Drop the lock file too; a stale lock blocks nothing but
		// accumulates.
		_ = os.Remove(filepath.Join(s.root, locksDir, entry.Name()[:len(entry.Name())-len(".json")]+".lock"))
		removed++
	}

	if removed > 0 {
		s.updateActiveHint()
	}
	return removed, nil
}

// mutate runs a read-modify-write cycle under the per-record lock.
// A missing or corrupt record is treated as absent and recreated from
// an empty shell so a crashed predecessor never wedges the pipeline.
func (s *Store) mutate(executionID string, fn func(*domain.ProgressRecord)) error {
	if executionID == "" {
		return storage.ErrInvalidInput
	}

	return s.withLock(executionID, func() error {
		rec, err := s.readRecord(executionID)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Printf("[progress] corrupt record %s, resetting: %v", executionID, err)
			}
			rec = domain.NewProgressRecord("", executionID, s.now().UTC())
		}
		fn(rec)
		return s.writeRecord(rec)
	})
}

// withLock acquires the per-record advisory lock with a bounded wait
// and jittered polling.
func (s *Store) withLock(executionID string, fn func() error) error {
	lockPath := filepath.Join(s.root, locksDir, executionID+".lock")
	lock := flock.New(lockPath)

	deadline := time.Now().Add(lockWait)
	for {
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("progress store: lock %s: %w", executionID, err)
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("progress store: lock %s: timed out after %v", executionID, lockWait)
		}
		observability.DefaultMetrics.ProgressLockWaits.Inc()
		time.Sleep(lockPollBase + time.Duration(rand.Int63n(int64(lockPollBase))))
	}
	defer lock.Unlock()

	return fn()
}

// readRecord parses progress/<id>.json. Corruption surfaces as an error
// for the caller to classify.
func (s *Store) readRecord(executionID string) (*domain.ProgressRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.root, progressDir, executionID+".json"))
	if err != nil {
		return nil, err
	}
	var rec domain.ProgressRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse progress record %s: %w", executionID, err)
	}
	return &rec, nil
}

// writeRecord writes the record atomically: temp file, fsync, rename.
func (s *Store) writeRecord(rec *domain.ProgressRecord) error {
	started := time.Now()
	defer func() { observability.RecordProgressWrite(time.Since(started).Seconds()) }()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress record %s: %w", rec.ExecutionID, err)
	}

	final := filepath.Join(s.root, progressDir, rec.ExecutionID+".json")
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp progress file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write progress record %s: %w", rec.ExecutionID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync progress record %s: %w", rec.ExecutionID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close progress record %s: %w", rec.ExecutionID, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish progress record %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// updateActiveHint rewrites index/active.json with the IDs of running
// records. Best effort; readers that need correctness scan progress/.
func (s *Store) updateActiveHint() {
	active, err := s.GetActiveExecutions()
	if err != nil {
		return
	}

	ids := make([]string, 0, len(active))
	for _, rec := range active {
		ids = append(ids, rec.ExecutionID)
	}
	data, err := json.Marshal(map[string]any{
		"active":     ids,
		"updated_at": s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	path := filepath.Join(s.root, indexDir, "active.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
	}
}
