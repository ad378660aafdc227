package domain

import "time"

// ExecutionType identifies what kind of run an execution log row records.
type ExecutionType string

// Execution type constants
const (
	ExecutionTypeSymbolAddition ExecutionType = "SYMBOL_ADDITION"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

// Execution status constants
const (
	ExecutionStatusPending     ExecutionStatus = "PENDING"
	ExecutionStatusRunning     ExecutionStatus = "RUNNING"
	ExecutionStatusSuccess     ExecutionStatus = "SUCCESS"
	ExecutionStatusFailed      ExecutionStatus = "FAILED"
	ExecutionStatusDataDeleted ExecutionStatus = "DATA_DELETED"
)

// Terminal reports whether the status is a terminal state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusDataDeleted:
		return true
	}
	return false
}

// ExecutionMode selects how the strategy set for a request is resolved.
type ExecutionMode string

// Execution mode constants
const (
	ExecutionModeDefault   ExecutionMode = "default"
	ExecutionModeSelective ExecutionMode = "selective"
	ExecutionModeCustom    ExecutionMode = "custom"
)

// Execution represents one symbol-addition request and its run state.
// Corresponds to the execution_logs table.
type Execution struct {
	ExecutionID   string
	ExecutionType ExecutionType
	Symbol        string
	Status        ExecutionStatus

	TimestampStart time.Time
	TimestampEnd   *time.Time

	SelectedStrategyIDs []int64 // empty = all defaults
	ExecutionMode       ExecutionMode
	EstimatedPatterns   int

	ProgressPercentage float64
	CurrentOperation   string
	Errors             []string

	CreatedAt time.Time
}
