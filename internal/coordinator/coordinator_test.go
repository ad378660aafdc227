package coordinator

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/marketdata/stub"
	"leverage-lab/internal/orchestrator"
	"leverage-lab/internal/storage/memory"
)

const taParams = `{"leverage":3,"min_volume_usd":10000,"max_spread_pct":0.02}`
const mlParams = `{"leverage":5,"min_ml_confidence":0.6,"min_volume_usd":50000,"max_spread_pct":0.015}`

type fixture struct {
	executions *memory.ExecutionLogStore
	analyses   *memory.AnalysisStore
	catalog    *memory.StrategyCatalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		executions: memory.NewExecutionLogStore(),
		analyses:   memory.NewAnalysisStore(),
		catalog:    memory.NewStrategyCatalog(),
	}

	seed := []*domain.StrategyConfiguration{
		{Name: "Conservative_ML", BaseStrategy: domain.BaseStrategyMLBreakout, Timeframe: "1h", Parameters: mlParams, IsDefault: true, IsActive: true},
		{Name: "Moderate_TA", BaseStrategy: domain.BaseStrategyTABreakout, Timeframe: "1h", Parameters: taParams, IsDefault: true, IsActive: true},
		{Name: "Aggressive_TA", BaseStrategy: domain.BaseStrategyTABreakout, Timeframe: "15m", Parameters: taParams, IsDefault: true, IsActive: true},
		{Name: "Experimental_Reversal", BaseStrategy: domain.BaseStrategyMLReversal, Timeframe: "4h", Parameters: mlParams, IsActive: true},
	}
	for _, cfg := range seed {
		if _, err := f.catalog.Seed(context.Background(), cfg); err != nil {
			t.Fatalf("seed %s: %v", cfg.Name, err)
		}
	}
	return f
}

func (f *fixture) coordinator(provider *stub.Provider, opts Options) *Coordinator {
	opts.ExecutionLogStore = f.executions
	opts.AnalysisStore = f.analyses
	opts.StrategyCatalog = f.catalog
	opts.Orchestrator = orchestrator.New(orchestrator.Options{Provider: provider})
	if opts.Workers == 0 {
		opts.Workers = 1
	}
	return New(opts)
}

// recordingNotifier captures task terminal events.
type recordingNotifier struct {
	mu      sync.Mutex
	results []*domain.AnalysisResult
	errs    []error
}

func (n *recordingNotifier) TaskTerminated(_ context.Context, result *domain.AnalysisResult, taskErr error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, result)
	n.errs = append(n.errs, taskErr)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.results)
}

func TestAddSymbol_PreMaterializesGrid(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(&stub.Provider{}, Options{})
	ctx := context.Background()

	executionID, err := c.AddSymbol(ctx, AddSymbolRequest{Symbol: "SOLUSDT", Mode: domain.ExecutionModeDefault})
	if err != nil {
		t.Fatalf("AddSymbol: %v", err)
	}

	// The whole grid is queryable as soon as AddSymbol returns; the
	// three defaults each get a row.
	tasks, err := f.analyses.FetchTasks(ctx, executionID)
	if err != nil {
		t.Fatalf("FetchTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("materialized %d tasks, want 3", len(tasks))
	}
	for _, task := range tasks {
		if task.Symbol != "SOLUSDT" {
			t.Fatalf("task %d symbol = %q", task.ID, task.Symbol)
		}
		if task.StrategyConfigID == nil {
			t.Fatalf("task %d missing strategy config id", task.ID)
		}
	}

	exec, err := f.executions.Lookup(ctx, executionID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if exec.EstimatedPatterns != 3 {
		t.Fatalf("EstimatedPatterns = %d, want 3", exec.EstimatedPatterns)
	}

	c.Wait()
}

func TestAddSymbol_StampsStartTime(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(&stub.Provider{}, Options{})
	ctx := context.Background()

	before := time.Now().UTC()
	executionID, err := c.AddSymbol(ctx, AddSymbolRequest{Symbol: "SOLUSDT", Mode: domain.ExecutionModeDefault})
	if err != nil {
		t.Fatalf("AddSymbol: %v", err)
	}
	c.Wait()

	exec, err := f.executions.Lookup(ctx, executionID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	// Newest-first listings order on this field, so a zero value would
	// silently degrade them.
	if exec.TimestampStart.IsZero() {
		t.Fatalf("execution %s persisted with zero timestamp_start", executionID)
	}
	if exec.TimestampStart.Before(before.Add(-time.Second)) || exec.TimestampStart.After(time.Now().UTC().Add(time.Second)) {
		t.Fatalf("timestamp_start %v outside the dispatch window", exec.TimestampStart)
	}
}

func TestAddSymbol_AllTasksComplete(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{}
	c := f.coordinator(&stub.Provider{}, Options{Notifier: notifier})
	ctx := context.Background()

	executionID, err := c.AddSymbol(ctx, AddSymbolRequest{Symbol: "SOLUSDT", Mode: domain.ExecutionModeDefault})
	if err != nil {
		t.Fatalf("AddSymbol: %v", err)
	}
	c.Wait()

	counts, err := f.analyses.CountByStatus(ctx, executionID)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[domain.TaskStatusCompleted] != 3 {
		t.Fatalf("completed = %d, want 3 (counts %v)", counts[domain.TaskStatusCompleted], counts)
	}

	exec, err := f.executions.Lookup(ctx, executionID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if exec.Status != domain.ExecutionStatusSuccess {
		t.Fatalf("Status = %s, want %s", exec.Status, domain.ExecutionStatusSuccess)
	}
	if exec.ProgressPercentage != 100 {
		t.Fatalf("ProgressPercentage = %v, want 100", exec.ProgressPercentage)
	}
	if notifier.count() != 3 {
		t.Fatalf("notifier saw %d events, want 3", notifier.count())
	}

	// Completed rows carry the backtest summary.
	tasks, err := f.analyses.FetchTasks(ctx, executionID)
	if err != nil {
		t.Fatalf("FetchTasks: %v", err)
	}
	for _, task := range tasks {
		if task.TaskStatus != domain.TaskStatusCompleted {
			t.Fatalf("task %d status = %s", task.ID, task.TaskStatus)
		}
		if task.TotalTrades == nil {
			t.Fatalf("task %d missing total_trades", task.ID)
		}
	}
}

func TestAddSymbol_ExecutionErrorMassFailsGrid(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(&stub.Provider{FailLeverage: errors.New("engine down")}, Options{Workers: 1})
	ctx := context.Background()

	executionID, err := c.AddSymbol(ctx, AddSymbolRequest{Symbol: "SOLUSDT", Mode: domain.ExecutionModeDefault})
	if err != nil {
		t.Fatalf("AddSymbol: %v", err)
	}
	c.Wait()

	counts, err := f.analyses.CountByStatus(ctx, executionID)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[domain.TaskStatusFailed] != 3 {
		t.Fatalf("failed = %d, want 3 (counts %v)", counts[domain.TaskStatusFailed], counts)
	}
	if counts[domain.TaskStatusPending] != 0 || counts[domain.TaskStatusRunning] != 0 {
		t.Fatalf("grid left unfinished rows: %v", counts)
	}

	exec, err := f.executions.Lookup(ctx, executionID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if exec.Status != domain.ExecutionStatusFailed {
		t.Fatalf("Status = %s, want %s", exec.Status, domain.ExecutionStatusFailed)
	}
	if len(exec.Errors) == 0 {
		t.Fatal("failed execution recorded no errors")
	}
}

func TestAddSymbol_EarlyExitFailsOnlyThatTask(t *testing.T) {
	f := newFixture(t)
	// Leverage below the decision threshold drives every task to an
	// early exit, but never to a mass-fail.
	c := f.coordinator(&stub.Provider{Leverage: 1.5}, Options{})
	ctx := context.Background()

	executionID, err := c.AddSymbol(ctx, AddSymbolRequest{Symbol: "SOLUSDT", Mode: domain.ExecutionModeDefault})
	if err != nil {
		t.Fatalf("AddSymbol: %v", err)
	}
	c.Wait()

	tasks, err := f.analyses.FetchTasks(ctx, executionID)
	if err != nil {
		t.Fatalf("FetchTasks: %v", err)
	}
	for _, task := range tasks {
		if task.TaskStatus != domain.TaskStatusFailed {
			t.Fatalf("task %d status = %s", task.ID, task.TaskStatus)
		}
		if task.ErrorMessage == nil || *task.ErrorMessage == "" {
			t.Fatalf("task %d has no failure message", task.ID)
		}
	}

	exec, err := f.executions.Lookup(ctx, executionID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if exec.Status != domain.ExecutionStatusFailed {
		t.Fatalf("Status = %s, want %s", exec.Status, domain.ExecutionStatusFailed)
	}
}

func TestAddSymbol_SelectiveMode(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(&stub.Provider{}, Options{})
	ctx := context.Background()

	// ID 4 is active but not a default; selective mode may use it.
	executionID, err := c.AddSymbol(ctx, AddSymbolRequest{
		Symbol:      "ETHUSDT",
		Mode:        domain.ExecutionModeSelective,
		StrategyIDs: []int64{2, 4},
	})
	if err != nil {
		t.Fatalf("AddSymbol: %v", err)
	}
	c.Wait()

	tasks, err := f.analyses.FetchTasks(ctx, executionID)
	if err != nil {
		t.Fatalf("FetchTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("materialized %d tasks, want 2", len(tasks))
	}
	names := map[string]bool{}
	for _, task := range tasks {
		names[task.StrategyName] = true
	}
	if !names["Moderate_TA"] || !names["Experimental_Reversal"] {
		t.Fatalf("unexpected strategy set: %v", names)
	}
}

func TestAddSymbol_Validation(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(&stub.Provider{}, Options{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  AddSymbolRequest
	}{
		{"lowercase symbol", AddSymbolRequest{Symbol: "solusdt", Mode: domain.ExecutionModeDefault}},
		{"too short", AddSymbolRequest{Symbol: "A", Mode: domain.ExecutionModeDefault}},
		{"too long", AddSymbolRequest{Symbol: "ABCDEFGHIJKLM", Mode: domain.ExecutionModeDefault}},
		{"punctuation", AddSymbolRequest{Symbol: "SOL-USDT", Mode: domain.ExecutionModeDefault}},
		{"selective without ids", AddSymbolRequest{Symbol: "SOLUSDT", Mode: domain.ExecutionModeSelective}},
		{"unknown mode", AddSymbolRequest{Symbol: "SOLUSDT", Mode: domain.ExecutionMode("turbo")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.AddSymbol(ctx, tc.req); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestAddSymbol_NoStrategiesResolved(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(&stub.Provider{}, Options{})

	_, err := c.AddSymbol(context.Background(), AddSymbolRequest{
		Symbol:      "SOLUSDT",
		Mode:        domain.ExecutionModeSelective,
		StrategyIDs: []int64{999},
	})
	if !errors.Is(err, ErrNoStrategies) {
		t.Fatalf("err = %v, want ErrNoStrategies", err)
	}
}

func TestAddSymbol_RejectsDuplicateRunning(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(&stub.Provider{}, Options{})
	ctx := context.Background()

	running := &domain.Execution{
		ExecutionID:   "sym-add-existing",
		ExecutionType: domain.ExecutionTypeSymbolAddition,
		Symbol:        "SOLUSDT",
		Status:        domain.ExecutionStatusPending,
		ExecutionMode: domain.ExecutionModeDefault,
	}
	if err := f.executions.CreateExecution(ctx, running); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := f.executions.MarkRunning(ctx, running.ExecutionID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	if _, err := c.AddSymbol(ctx, AddSymbolRequest{Symbol: "SOLUSDT", Mode: domain.ExecutionModeDefault}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}

	// A different mode for the same symbol is allowed.
	if _, err := c.AddSymbol(ctx, AddSymbolRequest{
		Symbol:      "SOLUSDT",
		Mode:        domain.ExecutionModeSelective,
		StrategyIDs: []int64{2},
	}); err != nil {
		t.Fatalf("different mode rejected: %v", err)
	}
	c.Wait()
}

func TestAddSymbol_PublishesAmbientChannel(t *testing.T) {
	t.Setenv("FILTER_PARAMS", "")
	t.Setenv(CurrentExecutionEnvVar, "")

	f := newFixture(t)
	c := f.coordinator(&stub.Provider{}, Options{})
	ctx := context.Background()

	doc := `{"support_resistance":{"min_touch_count":3}}`
	executionID, err := c.AddSymbol(ctx, AddSymbolRequest{
		Symbol:       "SOLUSDT",
		Mode:         domain.ExecutionModeDefault,
		FilterParams: doc,
	})
	if err != nil {
		t.Fatalf("AddSymbol: %v", err)
	}
	c.Wait()

	if got := os.Getenv("FILTER_PARAMS"); got != doc {
		t.Fatalf("FILTER_PARAMS = %q, want %q", got, doc)
	}
	if got := os.Getenv(CurrentExecutionEnvVar); got != executionID {
		t.Fatalf("%s = %q, want %q", CurrentExecutionEnvVar, got, executionID)
	}
}

func TestAddSymbol_Cancellation(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(&stub.Provider{}, Options{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before any task is scheduled

	executionID, err := c.AddSymbol(ctx, AddSymbolRequest{Symbol: "SOLUSDT", Mode: domain.ExecutionModeDefault})
	if err != nil {
		t.Fatalf("AddSymbol: %v", err)
	}
	c.Wait()

	counts, err := f.analyses.CountByStatus(context.Background(), executionID)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[domain.TaskStatusPending] != 0 {
		t.Fatalf("cancelled batch left %d pending rows", counts[domain.TaskStatusPending])
	}

	exec, err := f.executions.Lookup(context.Background(), executionID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !exec.Status.Terminal() {
		t.Fatalf("cancelled execution not terminal: %s", exec.Status)
	}
}
