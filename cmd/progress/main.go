// Command progress inspects the file-based progress store: recent
// records, active executions, or one execution in full.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/progress"
	"leverage-lab/internal/storage"
)

func main() {
	progressRoot := flag.String("progress-root", "progress_data", "Progress store root directory")
	hours := flag.Int("hours", 24, "How far back to list records")
	activeOnly := flag.Bool("active", false, "List only currently running executions")
	asJSON := flag.Bool("json", false, "Emit records as JSON instead of a table")

	flag.Parse()

	logger := log.New(os.Stderr, "[progress] ", log.LstdFlags)

	store, err := progress.NewStore(progress.Options{Root: *progressRoot})
	if err != nil {
		logger.Fatalf("Open progress store: %v", err)
	}

	// With an execution ID argument, dump that record in full.
	if flag.NArg() == 1 {
		record, err := store.GetProgress(flag.Arg(0))
		if errors.Is(err, storage.ErrNotFound) {
			logger.Fatalf("No progress record for %s", flag.Arg(0))
		}
		if err != nil {
			logger.Fatalf("Read progress: %v", err)
		}
		printJSON(record, logger)
		return
	}

	var records []*domain.ProgressRecord
	if *activeOnly {
		records, err = store.GetActiveExecutions()
	} else {
		records, err = store.GetAllRecent(*hours)
	}
	if err != nil {
		logger.Fatalf("List progress: %v", err)
	}

	if *asJSON {
		printJSON(records, logger)
		return
	}

	if len(records) == 0 {
		fmt.Println("No progress records found")
		return
	}
	fmt.Printf("%-28s %-10s %-22s %-10s %s\n", "EXECUTION", "SYMBOL", "STAGE", "STATUS", "STARTED")
	for _, r := range records {
		fmt.Printf("%-28s %-10s %-22s %-10s %s\n",
			r.ExecutionID, r.Symbol, r.CurrentStage, r.OverallStatus,
			r.StartTime.Format("2006-01-02 15:04:05"))
	}
}

func printJSON(v any, logger *log.Logger) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Fatalf("Encode: %v", err)
	}
}
