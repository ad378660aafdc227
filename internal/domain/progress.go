package domain

import "time"

// Stage is the coarse pipeline position shown on a progress record.
type Stage string

// Stage constants
const (
	StageInitializing      Stage = "initializing"
	StageDataFetch         Stage = "data_fetch"
	StageSupportResistance Stage = "support_resistance"
	StageMLPrediction      Stage = "ml_prediction"
	StageMarketContext     Stage = "market_context"
	StageLeverageDecision  Stage = "leverage_decision"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

// OverallStatus is the terminal-or-running state of a progress record.
type OverallStatus string

// Overall status constants
const (
	OverallStatusRunning OverallStatus = "running"
	OverallStatusSuccess OverallStatus = "success"
	OverallStatusFailed  OverallStatus = "failed"
)

// StageStatus is the state of one per-stage sub-record.
type StageStatus string

// Stage status constants
const (
	StageStatusPending StageStatus = "pending"
	StageStatusRunning StageStatus = "running"
	StageStatusSuccess StageStatus = "success"
	StageStatusFailed  StageStatus = "failed"
)

// FinalSignal is the user-facing outcome of an analysis.
type FinalSignal string

// Final signal constants
const (
	FinalSignalAnalyzing FinalSignal = "analyzing"
	FinalSignalDetected  FinalSignal = "signal_detected"
	FinalSignalNoSignal  FinalSignal = "no_signal"
)

// SRLevel is one detected support or resistance level on a progress record.
type SRLevel struct {
	Price      float64 `json:"price"`
	Strength   float64 `json:"strength"`
	TouchCount int     `json:"touch_count"`
}

// SupportResistanceResult is the S/R stage sub-record.
type SupportResistanceResult struct {
	Status           StageStatus `json:"status"`
	SupportsCount    int         `json:"supports_count"`
	ResistancesCount int         `json:"resistances_count"`
	Supports         []SRLevel   `json:"supports"`
	Resistances      []SRLevel   `json:"resistances"`
	ErrorMessage     string      `json:"error_message,omitempty"`
}

// MLPredictionResult is the ML stage sub-record.
type MLPredictionResult struct {
	Status           StageStatus `json:"status"`
	PredictionsCount int         `json:"predictions_count"`
	Confidence       float64     `json:"confidence"`
	ErrorMessage     string      `json:"error_message,omitempty"`
}

// MarketContextResult is the market context stage sub-record.
type MarketContextResult struct {
	Status         StageStatus `json:"status"`
	TrendDirection string      `json:"trend_direction"`
	MarketPhase    string      `json:"market_phase"`
	ErrorMessage   string      `json:"error_message,omitempty"`
}

// LeverageDecisionResult is the leverage decision stage sub-record.
type LeverageDecisionResult struct {
	Status              StageStatus `json:"status"`
	RecommendedLeverage float64     `json:"recommended_leverage"`
	ConfidenceLevel     float64     `json:"confidence_level"`
	RiskRewardRatio     float64     `json:"risk_reward_ratio"`
	ErrorMessage        string      `json:"error_message,omitempty"`
}

// ProgressRecord is the live, cross-process-readable state of one
// execution. Serialized as one JSON document per execution; the field
// names are the on-disk wire format consumed by the dashboard process.
type ProgressRecord struct {
	Symbol      string    `json:"symbol"`
	ExecutionID string    `json:"execution_id"`
	StartTime   time.Time `json:"start_time"`

	CurrentStage  Stage         `json:"current_stage"`
	OverallStatus OverallStatus `json:"overall_status"`

	SupportResistance SupportResistanceResult `json:"support_resistance"`
	MLPrediction      MLPredictionResult      `json:"ml_prediction"`
	MarketContext     MarketContextResult     `json:"market_context"`
	LeverageDecision  LeverageDecisionResult  `json:"leverage_decision"`

	FinalSignal  FinalSignal `json:"final_signal"`
	FailureStage Stage       `json:"failure_stage,omitempty"`
	FinalMessage string      `json:"final_message,omitempty"`
}

// NewProgressRecord returns a record in its initial state.
func NewProgressRecord(symbol, executionID string, now time.Time) *ProgressRecord {
	return &ProgressRecord{
		Symbol:            symbol,
		ExecutionID:       executionID,
		StartTime:         now,
		CurrentStage:      StageInitializing,
		OverallStatus:     OverallStatusRunning,
		SupportResistance: SupportResistanceResult{Status: StageStatusPending},
		MLPrediction:      MLPredictionResult{Status: StageStatusPending},
		MarketContext:     MarketContextResult{Status: StageStatusPending},
		LeverageDecision:  LeverageDecisionResult{Status: StageStatusPending},
		FinalSignal:       FinalSignalAnalyzing,
	}
}
