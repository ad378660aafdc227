// Command cleanup cascade-deletes execution data: analysis rows, chart
// artifacts and the execution rows themselves, with a JSON backup and a
// dry-run mode.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"leverage-lab/internal/cascade"
	"leverage-lab/internal/storage/migrations"
	pgstore "leverage-lab/internal/storage/postgres"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	dryRun := flag.Bool("dry-run", false, "Report impact without deleting anything")
	deleteFiles := flag.Bool("delete-files", true, "Remove chart artifact files from disk")
	skipBackup := flag.Bool("skip-backup", false, "Skip the JSON backup before deleting")
	backupRoot := flag.String("backup-root", "backups", "Directory for backup exports")
	verbose := flag.Bool("verbose", false, "Verbose component logging")

	flag.Parse()

	logger := log.New(os.Stderr, "[cleanup] ", log.LstdFlags)

	ids := flag.Args()
	if len(ids) == 0 {
		logger.Fatal("usage: cleanup [flags] EXECUTION_ID [EXECUTION_ID...]")
	}
	if *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		logger.Fatalf("Connect to postgres: %v", err)
	}
	defer pool.Close()
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		logger.Fatalf("Run migrations: %v", err)
	}

	deleter := cascade.NewDeleter(cascade.DeleterOptions{
		ExecutionLogStore: pgstore.NewExecutionLogStore(pool),
		AnalysisStore:     pgstore.NewAnalysisStore(pool),
		Maintenance:       pool,
		BackupRoot:        *backupRoot,
		Verbose:           *verbose,
	})

	report, err := deleter.Delete(ctx, ids, cascade.Options{
		DryRun:      *dryRun,
		DeleteFiles: *deleteFiles,
		SkipBackup:  *skipBackup,
	})
	switch {
	case errors.Is(err, cascade.ErrExecutionInProgress):
		logger.Fatalf("Nothing deletable: %v", err)
	case err != nil:
		logger.Fatalf("Cascade delete failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Fatalf("Encode report: %v", err)
	}
}
