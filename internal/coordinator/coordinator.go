// Package coordinator fans one symbol-addition request out into the
// analysis task grid and drives it to a terminal execution state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/filterchain"
	"leverage-lab/internal/filterparams"
	"leverage-lab/internal/observability"
	"leverage-lab/internal/orchestrator"
	"leverage-lab/internal/progress"
	"leverage-lab/internal/storage"
)

// CurrentExecutionEnvVar carries the active execution id to worker
// contexts, next to the FILTER_PARAMS document.
const CurrentExecutionEnvVar = "CURRENT_EXECUTION_ID"

// executionIDPrefix marks symbol-addition executions.
const executionIDPrefix = "sym-add-"

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,12}$`)

// ErrAlreadyRunning is returned when a second request arrives for a
// (symbol, mode) pair whose execution is still RUNNING.
var ErrAlreadyRunning = errors.New("symbol addition already running")

// ErrNoStrategies is returned when the request resolves to an empty
// strategy set.
var ErrNoStrategies = errors.New("no active strategies resolved")

// Notifier receives task terminal events. Delivery problems are the
// implementation's responsibility and must never fail the task.
type Notifier interface {
	TaskTerminated(ctx context.Context, result *domain.AnalysisResult, taskErr error)
}

// AddSymbolRequest describes one symbol-addition request.
type AddSymbolRequest struct {
	Symbol string
	Mode   domain.ExecutionMode

	// StrategyIDs selects strategies for selective and custom modes.
	StrategyIDs []int64

	// FilterParams is the raw parameter JSON published to the ambient
	// channel for this batch. Empty means compiled defaults.
	FilterParams string

	// PeriodDays overrides the analysis history length.
	PeriodDays int
}

// Coordinator owns the fan-out: it materializes the task grid, runs it
// on a bounded worker pool and settles the execution row.
type Coordinator struct {
	executions storage.ExecutionLogStore
	analyses   storage.AnalysisStore
	catalog    storage.StrategyCatalog
	orch       *orchestrator.Orchestrator
	progress   *progress.Store
	notifier   Notifier
	workers    int
	verbose    bool

	wg sync.WaitGroup
}

// Options for creating Coordinator.
type Options struct {
	// Required stores and the per-task orchestrator.
	ExecutionLogStore storage.ExecutionLogStore
	AnalysisStore     storage.AnalysisStore
	StrategyCatalog   storage.StrategyCatalog
	Orchestrator      *orchestrator.Orchestrator

	// Progress receives the per-execution record. Optional.
	Progress *progress.Store

	// Notifier receives task terminal events. Optional.
	Notifier Notifier

	// Workers bounds the pool; 0 means min(NumCPU, 4).
	Workers int

	Verbose bool
}

// New creates a new Coordinator.
func New(opts Options) *Coordinator {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > 4 {
			workers = 4
		}
	}
	return &Coordinator{
		executions: opts.ExecutionLogStore,
		analyses:   opts.AnalysisStore,
		catalog:    opts.StrategyCatalog,
		orch:       opts.Orchestrator,
		progress:   opts.Progress,
		notifier:   opts.Notifier,
		workers:    workers,
		verbose:    opts.Verbose,
	}
}

// AddSymbol validates the request, pre-materializes the task grid and
// dispatches it asynchronously. The returned execution id is live in
// the execution log and the progress store before AddSymbol returns,
// so the dashboard sees the whole grid from t=0.
func (c *Coordinator) AddSymbol(ctx context.Context, req AddSymbolRequest) (string, error) {
	if !symbolPattern.MatchString(req.Symbol) {
		return "", fmt.Errorf("%w: symbol %q must match %s", storage.ErrInvalidInput, req.Symbol, symbolPattern)
	}

	if err := c.rejectDuplicateRunning(ctx, req); err != nil {
		return "", err
	}

	configs, err := c.resolveStrategies(ctx, req)
	if err != nil {
		return "", err
	}

	executionID := executionIDPrefix + uuid.New().String()
	exec := &domain.Execution{
		ExecutionID:         executionID,
		ExecutionType:       domain.ExecutionTypeSymbolAddition,
		Symbol:              req.Symbol,
		Status:              domain.ExecutionStatusPending,
		TimestampStart:      time.Now().UTC(),
		SelectedStrategyIDs: req.StrategyIDs,
		ExecutionMode:       req.Mode,
		EstimatedPatterns:   len(configs),
	}
	if err := c.executions.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	tasks, err := c.materializeTasks(ctx, executionID, req.Symbol, configs)
	if err != nil {
		c.settleFailed(context.WithoutCancel(ctx), executionID, []string{err.Error()})
		return "", err
	}

	if err := c.executions.MarkRunning(ctx, executionID); err != nil {
		return "", fmt.Errorf("mark running: %w", err)
	}

	if err := filterparams.Publish(req.FilterParams); err != nil {
		log.Printf("[coordinator] publish filter params: %v", err)
	}
	if err := os.Setenv(CurrentExecutionEnvVar, executionID); err != nil {
		log.Printf("[coordinator] publish execution id: %v", err)
	}

	if c.progress != nil {
		if _, err := c.progress.StartAnalysis(req.Symbol, executionID); err != nil {
			log.Printf("[coordinator] start progress %s: %v", executionID, err)
		}
	}

	batch := &batchState{
		executionID: executionID,
		symbol:      req.Symbol,
		tasks:       tasks,
		configs:     configs,
		periodDays:  req.PeriodDays,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runBatch(ctx, batch)
	}()

	observability.RecordSymbolAddition(string(req.Mode), "dispatched")
	observability.DefaultMetrics.TasksMaterialized.Add(float64(len(tasks)))
	observability.DefaultMetrics.ActiveExecutions.Inc()

	c.log("dispatched %s: %d tasks for %s (%s mode)", executionID, len(tasks), req.Symbol, req.Mode)
	return executionID, nil
}

// Wait blocks until every dispatched batch has settled. Intended for
// one-shot binaries and tests.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) rejectDuplicateRunning(ctx context.Context, req AddSymbolRequest) error {
	existing, err := c.executions.ListForSymbol(ctx, req.Symbol)
	if err != nil {
		return fmt.Errorf("list executions for %s: %w", req.Symbol, err)
	}
	for _, e := range existing {
		if e.Status == domain.ExecutionStatusRunning && e.ExecutionMode == req.Mode {
			return fmt.Errorf("%w: %s in %s mode (execution %s)", ErrAlreadyRunning, req.Symbol, req.Mode, e.ExecutionID)
		}
	}
	return nil
}

func (c *Coordinator) resolveStrategies(ctx context.Context, req AddSymbolRequest) ([]*domain.StrategyConfiguration, error) {
	var configs []*domain.StrategyConfiguration
	var err error

	switch req.Mode {
	case domain.ExecutionModeDefault:
		configs, err = c.catalog.GetDefaults(ctx)
	case domain.ExecutionModeSelective, domain.ExecutionModeCustom:
		if len(req.StrategyIDs) == 0 {
			return nil, fmt.Errorf("%w: %s mode requires strategy ids", storage.ErrInvalidInput, req.Mode)
		}
		configs, err = c.catalog.GetByIDs(ctx, req.StrategyIDs)
	default:
		return nil, fmt.Errorf("%w: unknown execution mode %q", storage.ErrInvalidInput, req.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve strategies: %w", err)
	}
	if len(configs) == 0 {
		return nil, ErrNoStrategies
	}
	return configs, nil
}

// materializeTasks inserts one pending row per strategy so the whole
// grid is queryable before any worker starts.
func (c *Coordinator) materializeTasks(ctx context.Context, executionID, symbol string, configs []*domain.StrategyConfiguration) ([]*domain.AnalysisTask, error) {
	tasks := make([]*domain.AnalysisTask, 0, len(configs))
	for _, cfg := range configs {
		id := cfg.ID
		task := &domain.AnalysisTask{
			ExecutionID:      executionID,
			Symbol:           symbol,
			Timeframe:        cfg.Timeframe,
			Config:           cfg.BaseStrategy,
			StrategyConfigID: &id,
			StrategyName:     cfg.Name,
		}
		taskID, err := c.analyses.InsertPendingTask(ctx, task)
		if err != nil {
			return nil, fmt.Errorf("materialize task %s/%s: %w", cfg.Timeframe, cfg.Name, err)
		}
		task.ID = taskID
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// batchState is the per-execution work unit handed to the pool.
type batchState struct {
	executionID string
	symbol      string
	tasks       []*domain.AnalysisTask
	configs     []*domain.StrategyConfiguration
	periodDays  int

	mu        sync.Mutex
	completed int
	failed    int
	errs      []string
	aborted   bool
}

// abort stops further scheduling; rows still pending were already
// mass-failed by the caller.
func (b *batchState) abort() {
	b.mu.Lock()
	b.aborted = true
	b.mu.Unlock()
}

func (b *batchState) isAborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

func (b *batchState) recordTerminal(completed bool, errMsg string) (done, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if completed {
		b.completed++
	} else {
		b.failed++
		if errMsg != "" {
			b.errs = append(b.errs, errMsg)
		}
	}
	return b.completed + b.failed, len(b.tasks)
}

// runBatch drains the task grid through the worker pool and settles the
// execution row. Store writes during settlement must survive request
// cancellation, so they run on a detached context.
func (c *Coordinator) runBatch(ctx context.Context, batch *batchState) {
	queue := make(chan int)
	var workers sync.WaitGroup
	for w := 0; w < c.workers; w++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for idx := range queue {
				c.runTask(ctx, batch, idx)
			}
		}()
	}

feed:
	for i := range batch.tasks {
		select {
		case <-ctx.Done():
			break feed
		case queue <- i:
		}
	}
	close(queue)
	workers.Wait()

	settleCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if n, err := c.analyses.MarkTasksFailedByExecution(settleCtx, batch.executionID, batch.symbol, "cancelled before start"); err != nil {
			log.Printf("[coordinator] mass-fail on cancel %s: %v", batch.executionID, err)
		} else if n > 0 {
			batch.recordTerminal(false, fmt.Sprintf("%d tasks cancelled before start", n))
		}
	}
	c.settle(settleCtx, batch)
}

// runTask drives one task to a terminal row state. A panic anywhere in
// the analysis fails the task and mass-fails the execution's remaining
// pending rows.
func (c *Coordinator) runTask(ctx context.Context, batch *batchState, idx int) {
	task := batch.tasks[idx]
	cfg := batch.configs[idx]

	if batch.isAborted() {
		// The row was already mass-failed; only account for it.
		batch.recordTerminal(false, "")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			msg := domain.TruncateErrorMessage(fmt.Sprintf("worker crashed: %v", r))
			detached := context.WithoutCancel(ctx)
			if err := c.analyses.MarkTaskFailed(detached, task.ID, msg); err != nil {
				log.Printf("[coordinator] mark task %d failed: %v", task.ID, err)
			}
			batch.abort()
			if n, err := c.analyses.MarkTasksFailedByExecution(detached, batch.executionID, batch.symbol, msg); err != nil {
				log.Printf("[coordinator] mass-fail %s: %v", batch.executionID, err)
			} else {
				c.log("mass-failed %d pending tasks of %s after crash", n, batch.executionID)
			}
			c.finishTask(detached, batch, nil, fmt.Errorf("%s", msg))
		}
	}()

	if err := c.analyses.MarkTaskRunning(ctx, task.ID); err != nil {
		log.Printf("[coordinator] mark task %d running: %v", task.ID, err)
		c.finishTask(ctx, batch, nil, err)
		return
	}
	observability.RecordTaskStarted()

	strat, err := filterchain.StrategyFromConfig(cfg)
	if err != nil {
		msg := domain.TruncateErrorMessage(fmt.Sprintf("invalid strategy configuration: %v", err))
		if markErr := c.analyses.MarkTaskFailed(ctx, task.ID, msg); markErr != nil {
			log.Printf("[coordinator] mark task %d failed: %v", task.ID, markErr)
		}
		c.finishTask(ctx, batch, nil, err)
		return
	}

	result, summary, err := c.orch.Analyze(ctx, orchestrator.Request{
		Symbol:      batch.symbol,
		Timeframe:   cfg.Timeframe,
		Strategy:    strat,
		ExecutionID: batch.executionID,
		IsBacktest:  true,
		PeriodDays:  batch.periodDays,
	})

	switch {
	case err != nil:
		// Unexpected failure: this task's error poisons the rest of the
		// grid, which shares its data and parameters.
		msg := domain.TruncateErrorMessage(err.Error())
		if markErr := c.analyses.MarkTaskFailed(ctx, task.ID, msg); markErr != nil {
			log.Printf("[coordinator] mark task %d failed: %v", task.ID, markErr)
		}
		batch.abort()
		if n, massErr := c.analyses.MarkTasksFailedByExecution(ctx, batch.executionID, batch.symbol, msg); massErr != nil {
			log.Printf("[coordinator] mass-fail %s: %v", batch.executionID, massErr)
		} else if n > 0 {
			c.log("mass-failed %d pending tasks of %s", n, batch.executionID)
		}
	case result.Completed:
		if summary == nil {
			summary = &domain.TaskResults{}
		}
		if markErr := c.analyses.MarkTaskCompleted(ctx, task.ID, summary); markErr != nil {
			log.Printf("[coordinator] mark task %d completed: %v", task.ID, markErr)
		}
	default:
		// Early exit: a no-signal verdict for this strategy only.
		msg := domain.TruncateErrorMessage(result.UserMessage())
		if markErr := c.analyses.MarkTaskFailed(ctx, task.ID, msg); markErr != nil {
			log.Printf("[coordinator] mark task %d failed: %v", task.ID, markErr)
		}
	}
	c.finishTask(ctx, batch, result, err)
}

// finishTask accounts the terminal event, advances the progress
// percentage and notifies.
func (c *Coordinator) finishTask(ctx context.Context, batch *batchState, result *domain.AnalysisResult, taskErr error) {
	completed := taskErr == nil && result != nil && result.Completed
	var errMsg string
	if taskErr != nil {
		errMsg = taskErr.Error()
	} else if result != nil && !completed {
		errMsg = result.UserMessage()
	}

	outcome := "error"
	switch {
	case completed:
		outcome = "completed"
	case result != nil && result.EarlyExit:
		outcome = "early_exit"
	}
	var seconds float64
	if result != nil {
		seconds = result.CompletedAt.Sub(result.StartedAt).Seconds()
	}
	observability.RecordTaskTerminated(outcome, seconds)

	done, total := batch.recordTerminal(completed, errMsg)
	pct := float64(done) / float64(total) * 100
	op := fmt.Sprintf("task %d/%d", done, total)
	if err := c.executions.UpdateProgress(ctx, batch.executionID, pct, op); err != nil {
		log.Printf("[coordinator] update progress %s: %v", batch.executionID, err)
	}

	if c.notifier != nil && result != nil {
		c.notifier.TaskTerminated(ctx, result, taskErr)
	}
}

// settle marks the execution SUCCESS when at least one task completed,
// FAILED otherwise.
func (c *Coordinator) settle(ctx context.Context, batch *batchState) {
	observability.DefaultMetrics.ActiveExecutions.Dec()

	batch.mu.Lock()
	completed := batch.completed
	errs := append([]string(nil), batch.errs...)
	batch.mu.Unlock()

	if completed > 0 {
		if err := c.executions.MarkSuccess(ctx, batch.executionID); err != nil {
			log.Printf("[coordinator] mark success %s: %v", batch.executionID, err)
		}
		observability.RecordExecutionSuccess()
		c.log("execution %s settled: %d/%d tasks completed", batch.executionID, completed, len(batch.tasks))
		return
	}
	c.settleFailed(ctx, batch.executionID, errs)
	c.log("execution %s settled: all %d tasks failed", batch.executionID, len(batch.tasks))
}

func (c *Coordinator) settleFailed(ctx context.Context, executionID string, errs []string) {
	if len(errs) == 0 {
		errs = []string{"no tasks completed"}
	}
	if err := c.executions.MarkFailed(ctx, executionID, errs); err != nil {
		log.Printf("[coordinator] mark failed %s: %v", executionID, err)
	}
}

func (c *Coordinator) log(format string, args ...interface{}) {
	if c.verbose {
		log.Printf("[coordinator] "+format, args...)
	}
}
