// Package cascade removes executions together with their analysis rows
// and artifact files, in an order that never leaves orphaned analyses
// behind.
package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/storage"
)

// ErrExecutionInProgress is returned when every requested execution is
// still RUNNING. Live state is never force-deleted.
var ErrExecutionInProgress = errors.New("execution in progress")

// Options control one Delete call.
type Options struct {
	// DryRun computes the impact report without mutating anything.
	DryRun bool

	// DeleteFiles also removes chart and compressed artifacts from disk.
	DeleteFiles bool

	// SkipBackup suppresses the JSON backup step.
	SkipBackup bool
}

// ExecutionImpact describes what deleting one execution would touch.
type ExecutionImpact struct {
	ExecutionID   string                 `json:"execution_id"`
	Status        domain.ExecutionStatus `json:"status"`
	Unknown       bool                   `json:"unknown"`
	Running       bool                   `json:"running"`
	AnalysisRows  int                    `json:"analysis_rows"`
	ArtifactFiles []string               `json:"artifact_files"`
	ArtifactBytes int64                  `json:"artifact_bytes"`
}

// Report summarizes one Delete call.
type Report struct {
	DryRun  bool              `json:"dry_run"`
	Impacts []ExecutionImpact `json:"impacts"`

	SkippedRunning []string `json:"skipped_running"`
	UnknownIDs     []string `json:"unknown_ids"`

	DeletedAnalyses   int64  `json:"deleted_analyses"`
	DeletedFiles      int    `json:"deleted_files"`
	DeletedExecutions int64  `json:"deleted_executions"`
	BackupPath        string `json:"backup_path,omitempty"`
	Vacuumed          bool   `json:"vacuumed"`

	Errors []string `json:"errors,omitempty"`
}

// Deleter performs cascade deletion against the execution log and
// analysis stores.
type Deleter struct {
	executions  storage.ExecutionLogStore
	analyses    storage.AnalysisStore
	maintenance storage.Maintenance
	backupRoot  string
	now         func() time.Time
	verbose     bool
}

// DeleterOptions for creating Deleter.
type DeleterOptions struct {
	ExecutionLogStore storage.ExecutionLogStore
	AnalysisStore     storage.AnalysisStore

	// Maintenance reclaims space after deletion. Optional.
	Maintenance storage.Maintenance

	// BackupRoot is where backup directories are created.
	// Empty means "backups" under the working directory.
	BackupRoot string

	// Now overrides the clock, for tests.
	Now func() time.Time

	Verbose bool
}

// NewDeleter creates a new Deleter.
func NewDeleter(opts DeleterOptions) *Deleter {
	root := opts.BackupRoot
	if root == "" {
		root = "backups"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Deleter{
		executions:  opts.ExecutionLogStore,
		analyses:    opts.AnalysisStore,
		maintenance: opts.Maintenance,
		backupRoot:  root,
		now:         now,
		verbose:     opts.Verbose,
	}
}

// Delete removes the named executions and everything they own.
//
// RUNNING executions are skipped and flagged in the report; the call
// fails with ErrExecutionInProgress only when nothing else remains.
// Deletion order is fixed: analysis rows, artifact files, execution
// rows. Per-file errors are recorded and do not stop the run.
func (d *Deleter) Delete(ctx context.Context, executionIDs []string, opts Options) (*Report, error) {
	report := &Report{DryRun: opts.DryRun}
	if len(executionIDs) == 0 {
		return report, nil
	}

	deletable, err := d.analyzeImpact(ctx, executionIDs, report)
	if err != nil {
		return report, err
	}
	if len(deletable) == 0 {
		if len(report.SkippedRunning) > 0 {
			return report, fmt.Errorf("%w: %v", ErrExecutionInProgress, report.SkippedRunning)
		}
		return report, nil
	}

	if !opts.SkipBackup {
		path, err := d.writeBackup(ctx, deletable, report)
		if err != nil {
			return report, fmt.Errorf("backup: %w", err)
		}
		report.BackupPath = path
	}

	if opts.DryRun {
		return report, nil
	}

	for _, impact := range deletable {
		n, err := d.analyses.DeleteByExecution(ctx, impact.ExecutionID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("delete analyses of %s: %v", impact.ExecutionID, err))
			continue
		}
		report.DeletedAnalyses += n

		if opts.DeleteFiles {
			for _, path := range impact.ArtifactFiles {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					report.Errors = append(report.Errors, fmt.Sprintf("remove %s: %v", path, err))
					continue
				}
				report.DeletedFiles++
			}
		}
	}

	ids := make([]string, 0, len(deletable))
	for _, impact := range deletable {
		ids = append(ids, impact.ExecutionID)
	}
	n, err := d.executions.Delete(ctx, ids)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("delete executions: %v", err))
	}
	report.DeletedExecutions = n

	if d.maintenance != nil {
		if err := d.maintenance.Vacuum(ctx); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("vacuum: %v", err))
		} else {
			report.Vacuumed = true
		}
	}

	d.log("deleted %d executions, %d analyses, %d files (%d errors)",
		report.DeletedExecutions, report.DeletedAnalyses, report.DeletedFiles, len(report.Errors))
	return report, nil
}

// analyzeImpact resolves each id and enumerates the rows and artifacts
// it owns. The returned slice holds only executions safe to delete.
func (d *Deleter) analyzeImpact(ctx context.Context, executionIDs []string, report *Report) ([]ExecutionImpact, error) {
	var deletable []ExecutionImpact
	for _, id := range executionIDs {
		impact := ExecutionImpact{ExecutionID: id}

		exec, err := d.executions.Lookup(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			impact.Unknown = true
			report.UnknownIDs = append(report.UnknownIDs, id)
			report.Impacts = append(report.Impacts, impact)
			log.Printf("[cascade] unknown execution id %s", id)
			continue
		case err != nil:
			return nil, fmt.Errorf("lookup %s: %w", id, err)
		}
		impact.Status = exec.Status

		tasks, err := d.analyses.FetchTasks(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch tasks of %s: %w", id, err)
		}
		impact.AnalysisRows = len(tasks)
		for _, task := range tasks {
			for _, path := range artifactPaths(task) {
				impact.ArtifactFiles = append(impact.ArtifactFiles, path)
				if info, err := os.Stat(path); err == nil {
					impact.ArtifactBytes += info.Size()
				}
			}
		}

		if exec.Status == domain.ExecutionStatusRunning {
			impact.Running = true
			report.SkippedRunning = append(report.SkippedRunning, id)
			report.Impacts = append(report.Impacts, impact)
			continue
		}

		report.Impacts = append(report.Impacts, impact)
		deletable = append(deletable, impact)
	}
	return deletable, nil
}

// backupManifest indexes one backup directory.
type backupManifest struct {
	CreatedAt    time.Time `json:"created_at"`
	ExecutionIDs []string  `json:"execution_ids"`
	Executions   int       `json:"executions"`
	Analyses     int       `json:"analyses"`
}

// writeBackup exports the affected rows as JSON next to a manifest, in
// a timestamped directory under the backup root.
func (d *Deleter) writeBackup(ctx context.Context, deletable []ExecutionImpact, report *Report) (string, error) {
	dir := filepath.Join(d.backupRoot, "backup-"+d.now().UTC().Format("20060102-150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	var execs []*domain.Execution
	var tasks []*domain.AnalysisTask
	ids := make([]string, 0, len(deletable))
	for _, impact := range deletable {
		ids = append(ids, impact.ExecutionID)
		exec, err := d.executions.Lookup(ctx, impact.ExecutionID)
		if err != nil {
			return "", fmt.Errorf("lookup %s: %w", impact.ExecutionID, err)
		}
		execs = append(execs, exec)

		t, err := d.analyses.FetchTasks(ctx, impact.ExecutionID)
		if err != nil {
			return "", fmt.Errorf("fetch tasks of %s: %w", impact.ExecutionID, err)
		}
		tasks = append(tasks, t...)
	}

	if err := writeJSON(filepath.Join(dir, "executions.json"), execs); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(dir, "analyses.json"), tasks); err != nil {
		return "", err
	}
	manifest := backupManifest{
		CreatedAt:    d.now().UTC(),
		ExecutionIDs: ids,
		Executions:   len(execs),
		Analyses:     len(tasks),
	}
	if err := writeJSON(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return "", err
	}

	d.log("backup written to %s (%d executions, %d analyses)", dir, len(execs), len(tasks))
	return dir, nil
}

func artifactPaths(task *domain.AnalysisTask) []string {
	var paths []string
	if task.ChartPath != nil && *task.ChartPath != "" {
		paths = append(paths, *task.ChartPath)
	}
	if task.CompressedPath != nil && *task.CompressedPath != "" {
		paths = append(paths, *task.CompressedPath)
	}
	return paths
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (d *Deleter) log(format string, args ...interface{}) {
	if d.verbose {
		log.Printf("[cascade] "+format, args...)
	}
}
