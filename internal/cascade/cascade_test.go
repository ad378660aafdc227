package cascade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage/memory"
)

type vacuumRecorder struct {
	calls int
}

func (v *vacuumRecorder) Vacuum(context.Context) error {
	v.calls++
	return nil
}

type fixture struct {
	executions *memory.ExecutionLogStore
	analyses   *memory.AnalysisStore
	vacuum     *vacuumRecorder
	artifacts  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		executions: memory.NewExecutionLogStore(),
		analyses:   memory.NewAnalysisStore(),
		vacuum:     &vacuumRecorder{},
		artifacts:  t.TempDir(),
	}
}

func (f *fixture) deleter(t *testing.T) *Deleter {
	t.Helper()
	return NewDeleter(DeleterOptions{
		ExecutionLogStore: f.executions,
		AnalysisStore:     f.analyses,
		Maintenance:       f.vacuum,
		BackupRoot:        t.TempDir(),
	})
}

// seedExecution creates an execution with n completed tasks, each
// owning one chart artifact on disk.
func (f *fixture) seedExecution(t *testing.T, executionID string, status domain.ExecutionStatus, taskCount int) []string {
	t.Helper()
	ctx := context.Background()

	exec := &domain.Execution{
		ExecutionID:   executionID,
		ExecutionType: domain.ExecutionTypeSymbolAddition,
		Symbol:        "SOLUSDT",
		Status:        domain.ExecutionStatusPending,
		ExecutionMode: domain.ExecutionModeDefault,
	}
	if err := f.executions.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if status == domain.ExecutionStatusRunning || status == domain.ExecutionStatusSuccess {
		if err := f.executions.MarkRunning(ctx, executionID); err != nil {
			t.Fatalf("MarkRunning: %v", err)
		}
	}
	if status == domain.ExecutionStatusSuccess {
		if err := f.executions.MarkSuccess(ctx, executionID); err != nil {
			t.Fatalf("MarkSuccess: %v", err)
		}
	}

	var files []string
	for i := 0; i < taskCount; i++ {
		task := &domain.AnalysisTask{
			ExecutionID:  executionID,
			Symbol:       "SOLUSDT",
			Timeframe:    "1h",
			Config:       domain.BaseStrategyTABreakout,
			StrategyName: "Moderate_TA",
		}
		id, err := f.analyses.InsertPendingTask(ctx, task)
		if err != nil {
			t.Fatalf("InsertPendingTask: %v", err)
		}
		if err := f.analyses.MarkTaskRunning(ctx, id); err != nil {
			t.Fatalf("MarkTaskRunning: %v", err)
		}

		chart := filepath.Join(f.artifacts, fmt.Sprintf("%s-%d.png", executionID, i))
		if err := os.WriteFile(chart, []byte("chart"), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
		files = append(files, chart)

		if err := f.analyses.MarkTaskCompleted(ctx, id, &domain.TaskResults{
			TotalTrades: 2,
			ChartPath:   chart,
		}); err != nil {
			t.Fatalf("MarkTaskCompleted: %v", err)
		}
	}
	return files
}

func TestDelete_RunningGuardSkipsLiveExecution(t *testing.T) {
	f := newFixture(t)
	f.seedExecution(t, "sym-add-e1", domain.ExecutionStatusRunning, 2)
	e2Files := f.seedExecution(t, "sym-add-e2", domain.ExecutionStatusSuccess, 7)
	d := f.deleter(t)
	ctx := context.Background()

	report, err := d.Delete(ctx, []string{"sym-add-e1", "sym-add-e2"}, Options{DeleteFiles: true})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if len(report.SkippedRunning) != 1 || report.SkippedRunning[0] != "sym-add-e1" {
		t.Fatalf("SkippedRunning = %v", report.SkippedRunning)
	}
	if report.DeletedAnalyses != 7 {
		t.Fatalf("DeletedAnalyses = %d, want 7", report.DeletedAnalyses)
	}
	if report.DeletedExecutions != 1 {
		t.Fatalf("DeletedExecutions = %d, want 1", report.DeletedExecutions)
	}
	if report.DeletedFiles != 7 {
		t.Fatalf("DeletedFiles = %d, want 7", report.DeletedFiles)
	}
	if !report.Vacuumed || f.vacuum.calls != 1 {
		t.Fatalf("vacuum not run: vacuumed=%t calls=%d", report.Vacuumed, f.vacuum.calls)
	}

	for _, path := range e2Files {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("artifact %s survived deletion", path)
		}
	}

	// The live execution and its rows are untouched.
	if _, err := f.executions.Lookup(ctx, "sym-add-e1"); err != nil {
		t.Fatalf("running execution deleted: %v", err)
	}
	tasks, err := f.analyses.FetchTasks(ctx, "sym-add-e1")
	if err != nil {
		t.Fatalf("FetchTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("running execution lost rows: %d left", len(tasks))
	}
}

func TestDelete_DryRunMutatesNothing(t *testing.T) {
	f := newFixture(t)
	files := f.seedExecution(t, "sym-add-e2", domain.ExecutionStatusSuccess, 7)
	d := f.deleter(t)
	ctx := context.Background()

	report, err := d.Delete(ctx, []string{"sym-add-e2"}, Options{DryRun: true, DeleteFiles: true})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !report.DryRun {
		t.Fatal("report not marked dry-run")
	}
	if report.DeletedAnalyses != 0 || report.DeletedExecutions != 0 || report.DeletedFiles != 0 {
		t.Fatalf("dry run reported mutations: %+v", report)
	}
	if len(report.Impacts) != 1 || report.Impacts[0].AnalysisRows != 7 {
		t.Fatalf("impact forecast wrong: %+v", report.Impacts)
	}
	if report.Impacts[0].ArtifactBytes == 0 {
		t.Fatal("impact missed artifact bytes")
	}

	if _, err := f.executions.Lookup(ctx, "sym-add-e2"); err != nil {
		t.Fatalf("dry run deleted the execution: %v", err)
	}
	tasks, err := f.analyses.FetchTasks(ctx, "sym-add-e2")
	if err != nil {
		t.Fatalf("FetchTasks: %v", err)
	}
	if len(tasks) != 7 {
		t.Fatalf("dry run deleted rows: %d left", len(tasks))
	}
	for _, path := range files {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("dry run removed artifact %s", path)
		}
	}
	if f.vacuum.calls != 0 {
		t.Fatal("dry run ran vacuum")
	}
}

func TestDelete_BackupWritesManifest(t *testing.T) {
	f := newFixture(t)
	f.seedExecution(t, "sym-add-e2", domain.ExecutionStatusSuccess, 3)
	d := f.deleter(t)

	report, err := d.Delete(context.Background(), []string{"sym-add-e2"}, Options{})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if report.BackupPath == "" {
		t.Fatal("no backup path in report")
	}
	for _, name := range []string{"executions.json", "analyses.json", "manifest.json"} {
		if _, err := os.Stat(filepath.Join(report.BackupPath, name)); err != nil {
			t.Fatalf("backup missing %s: %v", name, err)
		}
	}
}

func TestDelete_SkipBackup(t *testing.T) {
	f := newFixture(t)
	f.seedExecution(t, "sym-add-e2", domain.ExecutionStatusSuccess, 1)
	d := f.deleter(t)

	report, err := d.Delete(context.Background(), []string{"sym-add-e2"}, Options{SkipBackup: true})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if report.BackupPath != "" {
		t.Fatalf("backup written despite SkipBackup: %s", report.BackupPath)
	}
	if report.DeletedExecutions != 1 {
		t.Fatalf("DeletedExecutions = %d, want 1", report.DeletedExecutions)
	}
}

func TestDelete_AllRunningFails(t *testing.T) {
	f := newFixture(t)
	f.seedExecution(t, "sym-add-e1", domain.ExecutionStatusRunning, 2)
	d := f.deleter(t)

	report, err := d.Delete(context.Background(), []string{"sym-add-e1"}, Options{})
	if !errors.Is(err, ErrExecutionInProgress) {
		t.Fatalf("err = %v, want ErrExecutionInProgress", err)
	}
	if len(report.SkippedRunning) != 1 {
		t.Fatalf("SkippedRunning = %v", report.SkippedRunning)
	}
}

func TestDelete_UnknownIDsAreFlagged(t *testing.T) {
	f := newFixture(t)
	f.seedExecution(t, "sym-add-e2", domain.ExecutionStatusSuccess, 1)
	d := f.deleter(t)

	report, err := d.Delete(context.Background(), []string{"sym-add-missing", "sym-add-e2"}, Options{SkipBackup: true})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(report.UnknownIDs) != 1 || report.UnknownIDs[0] != "sym-add-missing" {
		t.Fatalf("UnknownIDs = %v", report.UnknownIDs)
	}
	if report.DeletedExecutions != 1 {
		t.Fatalf("DeletedExecutions = %d, want 1", report.DeletedExecutions)
	}
}

func TestDelete_EmptyInput(t *testing.T) {
	f := newFixture(t)
	d := f.deleter(t)

	report, err := d.Delete(context.Background(), nil, Options{})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(report.Impacts) != 0 || report.DeletedExecutions != 0 {
		t.Fatalf("empty input produced work: %+v", report)
	}
	if f.vacuum.calls != 0 {
		t.Fatal("empty input ran vacuum")
	}
}
