// Command addsymbol dispatches a single symbol-addition batch and waits
// for it to settle. Useful for scripted runs and local experiments
// without the HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"leverage-lab/internal/coordinator"
	"leverage-lab/internal/domain"
	"leverage-lab/internal/marketdata/stub"
	"leverage-lab/internal/notify"
	"leverage-lab/internal/orchestrator"
	"leverage-lab/internal/progress"
	"leverage-lab/internal/storage"
	"leverage-lab/internal/storage/memory"
	"leverage-lab/internal/storage/migrations"
	pgstore "leverage-lab/internal/storage/postgres"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	mode := flag.String("mode", string(domain.ExecutionModeDefault), "Strategy selection mode (default, selective, custom)")
	strategyIDs := flag.String("strategy-ids", "", "Comma-separated strategy configuration IDs (selective/custom modes)")
	filterParams := flag.String("filter-params", "", "JSON filter parameter overrides for this batch")
	periodDays := flag.Int("period-days", 0, "Analysis window in days (0 = default)")
	progressRoot := flag.String("progress-root", "progress_data", "Progress store root directory")
	workers := flag.Int("workers", 0, "Worker pool size (0 = min(NumCPU, 4))")
	verbose := flag.Bool("verbose", false, "Verbose component logging")

	flag.Parse()

	logger := log.New(os.Stdout, "[addsymbol] ", log.LstdFlags)

	if flag.NArg() != 1 {
		logger.Fatal("usage: addsymbol [flags] SYMBOL")
	}
	symbol := flag.Arg(0)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		executionLogStore storage.ExecutionLogStore
		analysisStore     storage.AnalysisStore
		catalog           storage.StrategyCatalog
		filterStats       storage.FilterStatsStore
	)
	if *useMemory {
		memCatalog := memory.NewStrategyCatalog()
		for _, cfg := range memory.DefaultStrategyConfigurations() {
			if _, err := memCatalog.Seed(ctx, cfg); err != nil {
				logger.Fatalf("Seed catalog: %v", err)
			}
		}
		executionLogStore = memory.NewExecutionLogStore()
		analysisStore = memory.NewAnalysisStore()
		catalog = memCatalog
		filterStats = memory.NewFilterStatsStore()
	} else {
		if *postgresDSN == "" {
			logger.Fatal("--postgres-dsn is required (use --use-memory for in-memory storage)")
		}
		pool, err := pgstore.NewPool(ctx, *postgresDSN)
		if err != nil {
			logger.Fatalf("Connect to postgres: %v", err)
		}
		defer pool.Close()
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			logger.Fatalf("Run migrations: %v", err)
		}
		executionLogStore = pgstore.NewExecutionLogStore(pool)
		analysisStore = pgstore.NewAnalysisStore(pool)
		catalog = pgstore.NewStrategyCatalog(pool)
	}

	progressStore, err := progress.NewStore(progress.Options{Root: *progressRoot})
	if err != nil {
		logger.Fatalf("Create progress store: %v", err)
	}

	orch := orchestrator.New(orchestrator.Options{
		Provider:    &stub.Provider{},
		Progress:    progressStore,
		FilterStats: filterStats,
		Verbose:     *verbose,
	})

	webhook := notify.NewWebhook(notify.Options{Verbose: *verbose})
	var notifier coordinator.Notifier
	if webhook.Enabled() {
		notifier = webhook
	}

	coord := coordinator.New(coordinator.Options{
		ExecutionLogStore: executionLogStore,
		AnalysisStore:     analysisStore,
		StrategyCatalog:   catalog,
		Orchestrator:      orch,
		Progress:          progressStore,
		Notifier:          notifier,
		Workers:           *workers,
		Verbose:           *verbose,
	})

	ids, err := parseIDs(*strategyIDs)
	if err != nil {
		logger.Fatalf("Parse --strategy-ids: %v", err)
	}

	executionID, err := coord.AddSymbol(ctx, coordinator.AddSymbolRequest{
		Symbol:       symbol,
		Mode:         domain.ExecutionMode(*mode),
		StrategyIDs:  ids,
		FilterParams: *filterParams,
		PeriodDays:   *periodDays,
	})
	if err != nil {
		logger.Fatalf("Dispatch failed: %v", err)
	}
	logger.Printf("Dispatched execution %s, waiting for the batch to settle", executionID)

	coord.Wait()

	execution, err := executionLogStore.Lookup(context.Background(), executionID)
	if err != nil {
		logger.Fatalf("Lookup execution: %v", err)
	}

	fmt.Printf("\nExecution %s finished with status %s\n", execution.ExecutionID, execution.Status)
	counts, err := analysisStore.CountByStatus(context.Background(), executionID)
	if err == nil {
		fmt.Printf("Tasks: %d completed, %d failed\n",
			counts[domain.TaskStatusCompleted], counts[domain.TaskStatusFailed])
	}
	for _, msg := range execution.Errors {
		fmt.Printf("  error: %s\n", msg)
	}

	if execution.Status != domain.ExecutionStatusSuccess {
		os.Exit(1)
	}
}

func parseIDs(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
