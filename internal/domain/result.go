package domain

import (
	"fmt"
	"strings"
	"time"
)

// ExitStage identifies the analysis stage at which a task terminated.
type ExitStage string

// Exit stage constants, in canonical execution order.
const (
	ExitStageDataFetch         ExitStage = "data_fetch"
	ExitStageSupportResistance ExitStage = "support_resistance"
	ExitStageMLPrediction      ExitStage = "ml_prediction"
	ExitStageBTCCorrelation    ExitStage = "btc_correlation"
	ExitStageMarketContext     ExitStage = "market_context"
	ExitStageLeverageDecision  ExitStage = "leverage_decision"
)

// CanonicalStageOrder is the only order stages may execute in. Any
// stage trace is a prefix of this sequence.
var CanonicalStageOrder = []ExitStage{
	ExitStageDataFetch,
	ExitStageSupportResistance,
	ExitStageMLPrediction,
	ExitStageBTCCorrelation,
	ExitStageMarketContext,
	ExitStageLeverageDecision,
}

// ExitReason is the documented data condition behind an early exit.
type ExitReason string

// Exit reason constants
const (
	ExitReasonNoSupportResistance      ExitReason = "no_support_resistance"
	ExitReasonInsufficientData         ExitReason = "insufficient_data"
	ExitReasonMLPredictionFailed       ExitReason = "ml_prediction_failed"
	ExitReasonBTCDataInsufficient      ExitReason = "btc_data_insufficient"
	ExitReasonMarketContextFailed      ExitReason = "market_context_failed"
	ExitReasonLeverageConditionsNotMet ExitReason = "leverage_conditions_not_met"
	ExitReasonDataQualityPoor          ExitReason = "data_quality_poor"
	ExitReasonExecutionError           ExitReason = "execution_error"
)

// StageResult records the outcome and timing of one orchestrator stage.
type StageResult struct {
	Stage           ExitStage `json:"stage"`
	Success         bool      `json:"success"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	DataProcessed   int       `json:"data_processed"`
	ItemsFound      int       `json:"items_found"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// AnalysisResult is the per-task outcome the orchestrator returns.
// Exactly one of Completed, EarlyExit, or a returned error describes
// the outcome; ExitStage/ExitReason are set iff EarlyExit.
type AnalysisResult struct {
	Symbol      string `json:"symbol"`
	Timeframe   string `json:"timeframe"`
	Strategy    string `json:"strategy"`
	ExecutionID string `json:"execution_id"`

	Completed  bool       `json:"completed"`
	EarlyExit  bool       `json:"early_exit"`
	ExitStage  ExitStage  `json:"exit_stage,omitempty"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`

	StageResults    []StageResult `json:"stage_results"`
	TotalDataPoints int           `json:"total_data_points"`

	// Recommendation is present only on success.
	Recommendation map[string]any `json:"recommendation,omitempty"`

	ErrorDetails string    `json:"error_details,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// UserMessage renders a one-line human summary of the outcome.
func (r *AnalysisResult) UserMessage() string {
	switch {
	case r.Completed:
		return fmt.Sprintf("%s %s/%s: signal detected, recommendation ready", r.Symbol, r.Timeframe, r.Strategy)
	case r.EarlyExit:
		return fmt.Sprintf("%s %s/%s: no signal (%s at %s)", r.Symbol, r.Timeframe, r.Strategy, r.ExitReason, r.ExitStage)
	default:
		return fmt.Sprintf("%s %s/%s: analysis error", r.Symbol, r.Timeframe, r.Strategy)
	}
}

// DetailedLogMessage renders a developer-facing summary including data
// counts and the stage trace.
func (r *AnalysisResult) DetailedLogMessage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "analysis %s %s/%s exec=%s points=%d",
		r.Symbol, r.Timeframe, r.Strategy, r.ExecutionID, r.TotalDataPoints)
	switch {
	case r.Completed:
		b.WriteString(" outcome=completed")
	case r.EarlyExit:
		fmt.Fprintf(&b, " outcome=early_exit stage=%s reason=%s", r.ExitStage, r.ExitReason)
	default:
		fmt.Fprintf(&b, " outcome=error details=%q", r.ErrorDetails)
	}
	for _, sr := range r.StageResults {
		fmt.Fprintf(&b, " [%s ok=%t %dms]", sr.Stage, sr.Success, sr.ExecutionTimeMs)
	}
	return b.String()
}

// exitSuggestions maps each exit reason to remediation hints shown to
// users by the notifier and the dashboard.
var exitSuggestions = map[ExitReason][]string{
	ExitReasonNoSupportResistance: {
		"try a longer timeframe",
		"lower support_resistance.min_touch_count",
		"widen support_resistance.tolerance_pct",
	},
	ExitReasonInsufficientData: {
		"check the symbol is listed on the exchange",
		"extend the analysis period",
	},
	ExitReasonMLPredictionFailed: {
		"retry later; the model may be retraining",
		"verify the symbol has enough history for the model",
	},
	ExitReasonBTCDataInsufficient: {
		"retry once BTC market data catches up",
	},
	ExitReasonMarketContextFailed: {
		"retry later",
		"try a longer timeframe for phase detection",
	},
	ExitReasonLeverageConditionsNotMet: {
		"current conditions do not justify a leveraged entry",
		"re-run when volatility settles",
	},
	ExitReasonDataQualityPoor: {
		"the feed returned anomalous candles; retry later",
	},
	ExitReasonExecutionError: {
		"inspect the task error message and worker logs",
	},
}

// SuggestionsFor returns remediation hints for an exit reason.
// Unknown reasons yield nil.
func SuggestionsFor(reason ExitReason) []string {
	return exitSuggestions[reason]
}

// Suggestions returns remediation hints for this result's exit reason.
func (r *AnalysisResult) Suggestions() []string {
	if !r.EarlyExit {
		return nil
	}
	return SuggestionsFor(r.ExitReason)
}
