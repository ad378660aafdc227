// Package main provides the unified analysis service:
// - HTTP API for symbol addition and progress inspection
// - Worker pool executing the analysis task grid
// - Progress WebSocket feed and Prometheus metrics
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"leverage-lab/internal/coordinator"
	"leverage-lab/internal/domain"
	"leverage-lab/internal/marketdata"
	"leverage-lab/internal/marketdata/stub"
	"leverage-lab/internal/notify"
	"leverage-lab/internal/observability"
	"leverage-lab/internal/orchestrator"
	"leverage-lab/internal/progress"
	"leverage-lab/internal/storage"
	chstore "leverage-lab/internal/storage/clickhouse"
	"leverage-lab/internal/storage/memory"
	"leverage-lab/internal/storage/migrations"
	pgstore "leverage-lab/internal/storage/postgres"
)

// Server holds all components of the unified service.
type Server struct {
	stores      *allStores
	coordinator *coordinator.Coordinator
	progress    *progress.Store
	logger      *log.Logger
	started     time.Time
	upgrader    websocket.Upgrader

	mu         sync.Mutex
	dispatches int
}

// allStores holds all storage implementations.
type allStores struct {
	executionLogStore storage.ExecutionLogStore
	analysisStore     storage.AnalysisStore
	strategyCatalog   storage.StrategyCatalog
	filterStatsStore  storage.FilterStatsStore
}

func main() {
	loadEnvFile()

	// Parse flags (env vars as defaults)
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (optional)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	progressRoot := flag.String("progress-root", "progress_data", "Progress store root directory")
	listenAddr := flag.String("listen-addr", ":8080", "HTTP listen address")
	workers := flag.Int("workers", 0, "Worker pool size (0 = min(NumCPU, 4))")
	allowOrphans := flag.Bool("allow-orphans", false, "Start even when orphaned analysis rows exist")
	cleanupHours := flag.Int("progress-retention-hours", 72, "Progress record retention in hours")
	verbose := flag.Bool("verbose", false, "Verbose component logging")

	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags)

	// TEST_MODE redirects the databases so integration harnesses never
	// touch production data.
	if isTestMode() {
		if dsn := os.Getenv("TEST_EXECUTION_DB"); dsn != "" {
			*postgresDSN = dsn
		} else if dsn := os.Getenv("TEST_ANALYSIS_DB"); dsn != "" {
			*postgresDSN = dsn
		}
		logger.Println("TEST_MODE enabled, using test database overrides")
	}

	if !*useMemory && *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, pool, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory, logger)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	// Startup consistency check: the two tables historically lived in
	// separate databases, so orphaned analyses are possible after a
	// partial cascade delete.
	if pool != nil {
		orphans, err := pgstore.CountOrphanAnalyses(ctx, pool)
		if err != nil {
			logger.Fatalf("Orphan check failed: %v", err)
		}
		if orphans > 0 {
			if !*allowOrphans {
				logger.Fatalf("Found %d orphaned analysis rows; run cmd/cleanup or pass --allow-orphans", orphans)
			}
			logger.Printf("WARNING: %d orphaned analysis rows (continuing due to --allow-orphans)", orphans)
		}
	}

	progressStore, err := progress.NewStore(progress.Options{Root: *progressRoot})
	if err != nil {
		logger.Fatalf("Failed to create progress store: %v", err)
	}

	var provider marketdata.Provider = &stub.Provider{}

	orch := orchestrator.New(orchestrator.Options{
		Provider:    provider,
		Progress:    progressStore,
		FilterStats: stores.filterStatsStore,
		Verbose:     *verbose,
	})

	webhook := notify.NewWebhook(notify.Options{Verbose: *verbose})
	var notifier coordinator.Notifier
	if webhook.Enabled() {
		notifier = webhook
		logger.Println("Webhook notifications enabled")
	}

	coord := coordinator.New(coordinator.Options{
		ExecutionLogStore: stores.executionLogStore,
		AnalysisStore:     stores.analysisStore,
		StrategyCatalog:   stores.strategyCatalog,
		Orchestrator:      orch,
		Progress:          progressStore,
		Notifier:          notifier,
		Workers:           *workers,
		Verbose:           *verbose,
	})

	server := &Server{
		stores:      stores,
		coordinator: coord,
		progress:    progressStore,
		logger:      logger,
		started:     time.Now(),
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		}
	}()

	go server.runProgressJanitor(ctx, *cleanupHours)
	go runUptimeCounter(ctx)

	httpServer := &http.Server{Addr: *listenAddr, Handler: server.routes(ctx)}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Printf("Listening on %s", *listenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("HTTP server error: %v", err)
	}

	logger.Println("Draining in-flight executions...")
	coord.Wait()
	logger.Println("Shutdown complete")
}

// createStores creates all required stores. The returned pool is nil in
// memory mode.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool, logger *log.Logger) (*allStores, *pgstore.Pool, func(), error) {
	if useMemory {
		catalog := memory.NewStrategyCatalog()
		if err := seedDefaultCatalog(ctx, catalog); err != nil {
			return nil, nil, nil, fmt.Errorf("seed catalog: %w", err)
		}
		stores := &allStores{
			executionLogStore: memory.NewExecutionLogStore(),
			analysisStore:     memory.NewAnalysisStore(),
			strategyCatalog:   catalog,
			filterStatsStore:  memory.NewFilterStatsStore(),
		}
		return stores, nil, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("run postgres migrations: %w", err)
	}

	stores := &allStores{
		executionLogStore: pgstore.NewExecutionLogStore(pool),
		analysisStore:     pgstore.NewAnalysisStore(pool),
		strategyCatalog:   pgstore.NewStrategyCatalog(pool),
	}

	cleanup := func() { pool.Close() }

	// ClickHouse archives filter-chain statistics; the service runs
	// without it.
	if clickhouseDSN != "" {
		chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
		if err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		stores.filterStatsStore = chstore.NewFilterStatsStore(chConn)
		cleanup = func() {
			chConn.Close()
			pool.Close()
		}
	} else {
		logger.Println("No ClickHouse DSN; filter statistics archiving disabled")
	}

	return stores, pool, cleanup, nil
}

// routes builds the HTTP mux. The request context for dispatches is the
// server lifetime context, not the HTTP request, so batches outlive the
// POST that started them.
func (s *Server) routes(lifetime context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/status", s.handleStatus)

	mux.HandleFunc("/api/symbols", func(w http.ResponseWriter, r *http.Request) {
		s.handleAddSymbol(lifetime, w, r)
	})
	mux.HandleFunc("/api/executions", s.handleListExecutions)
	mux.HandleFunc("/api/progress", s.handleProgressList)
	mux.HandleFunc("/api/progress/", s.handleProgressGet)
	mux.HandleFunc("/ws/progress", s.handleProgressFeed)

	return mux
}

// addSymbolRequest is the POST /api/symbols body.
type addSymbolRequest struct {
	Symbol       string  `json:"symbol"`
	Mode         string  `json:"mode"`
	StrategyIDs  []int64 `json:"strategy_ids,omitempty"`
	FilterParams string  `json:"filter_params,omitempty"`
	PeriodDays   int     `json:"period_days,omitempty"`
}

func (s *Server) handleAddSymbol(lifetime context.Context, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req addSymbolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	mode := domain.ExecutionMode(req.Mode)
	if req.Mode == "" {
		mode = domain.ExecutionModeDefault
	}

	executionID, err := s.coordinator.AddSymbol(lifetime, coordinator.AddSymbolRequest{
		Symbol:       req.Symbol,
		Mode:         mode,
		StrategyIDs:  req.StrategyIDs,
		FilterParams: req.FilterParams,
		PeriodDays:   req.PeriodDays,
	})
	switch {
	case errors.Is(err, coordinator.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, storage.ErrInvalidInput), errors.Is(err, coordinator.ErrNoStrategies):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Printf("add symbol: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.dispatches++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"execution_id": executionID})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	executions, err := s.stores.executionLogStore.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Printf("list executions: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(executions)
}

func (s *Server) handleProgressList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	records, err := s.progress.GetAllRecent(hours)
	if err != nil {
		s.logger.Printf("list progress: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (s *Server) handleProgressGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	executionID := strings.TrimPrefix(r.URL.Path, "/api/progress/")
	if executionID == "" {
		http.Error(w, "missing execution id", http.StatusBadRequest)
		return
	}
	if executionID == "active" {
		records, err := s.progress.GetActiveExecutions()
		if err != nil {
			s.logger.Printf("active progress: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
		return
	}
	record, err := s.progress.GetProgress(executionID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Printf("get progress %s: %v", executionID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

// handleProgressFeed streams active progress records over a WebSocket
// until the client disconnects.
func (s *Server) handleProgressFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Reader goroutine detects client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		records, err := s.progress.GetActiveExecutions()
		if err != nil {
			s.logger.Printf("ws progress read: %v", err)
			return
		}
		if err := conn.WriteJSON(records); err != nil {
			return
		}
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// statusResponse is the JSON response for the /status endpoint.
type statusResponse struct {
	Status     string `json:"status"`
	Uptime     string `json:"uptime"`
	Dispatches int    `json:"dispatches"`
	Active     int    `json:"active_executions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.progress.GetActiveExecutions()
	if err != nil {
		s.logger.Printf("status: %v", err)
	}

	s.mu.Lock()
	dispatches := s.dispatches
	s.mu.Unlock()

	resp := statusResponse{
		Status:     "running",
		Uptime:     time.Since(s.started).String(),
		Dispatches: dispatches,
		Active:     len(active),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// runProgressJanitor removes stale progress records periodically.
func (s *Server) runProgressJanitor(ctx context.Context, retentionHours int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.progress.CleanupOld(retentionHours)
			if err != nil {
				s.logger.Printf("progress cleanup: %v", err)
				continue
			}
			if removed > 0 {
				s.logger.Printf("progress cleanup removed %d records", removed)
			}
		}
	}
}

// runUptimeCounter feeds the uptime metric.
func runUptimeCounter(ctx context.Context) {
	const step = 15 * time.Second
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.RecordUptime(step.Seconds())
		}
	}
}

// seedDefaultCatalog loads the stock strategy set into a memory
// catalog, mirroring the database migration seed.
func seedDefaultCatalog(ctx context.Context, catalog *memory.StrategyCatalog) error {
	for _, cfg := range memory.DefaultStrategyConfigurations() {
		if _, err := catalog.Seed(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func isTestMode() bool {
	v := strings.ToLower(os.Getenv("TEST_MODE"))
	return v == "1" || v == "true" || v == "yes"
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"`)
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
