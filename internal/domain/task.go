package domain

import (
	"time"
	"unicode/utf8"
)

// TaskStatus is the lifecycle state of one analysis task row.
type TaskStatus string

// Task status constants
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// MaxErrorMessageLen is the storage limit for task error messages.
const MaxErrorMessageLen = 500

// AnalysisTask is one (execution, symbol, timeframe, strategy) combination.
// Corresponds to the analyses table.
type AnalysisTask struct {
	ID          int64
	ExecutionID string

	Symbol    string
	Timeframe string
	Config    string // base strategy name

	StrategyConfigID *int64 // nullable for legacy rows
	StrategyName     string

	TaskStatus      TaskStatus
	TaskCreatedAt   time.Time
	TaskStartedAt   *time.Time
	TaskCompletedAt *time.Time
	ErrorMessage    *string
	RetryCount      int

	// Backtest result fields, populated when TaskStatus is completed.
	TotalTrades    *int
	WinRate        *float64
	TotalReturn    *float64
	SharpeRatio    *float64
	MaxDrawdown    *float64
	AvgLeverage    *float64
	ChartPath      *string
	CompressedPath *string

	GeneratedAt time.Time
}

// TaskResults carries the backtest performance summary written to a
// completed task row.
type TaskResults struct {
	TotalTrades    int
	WinRate        float64
	TotalReturn    float64
	SharpeRatio    float64
	MaxDrawdown    float64
	AvgLeverage    float64
	ChartPath      string
	CompressedPath string
}

// TruncateErrorMessage clips a message to the storage limit without
// splitting a UTF-8 rune; the column is TEXT and Postgres rejects
// invalid UTF-8.
func TruncateErrorMessage(msg string) string {
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	cut := MaxErrorMessageLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
