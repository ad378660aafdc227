// Package orchestrator drives one analysis task through its staged
// state machine: data fetch → support/resistance → ML prediction →
// BTC correlation → market context → leverage decision. Stages run in
// strict order and any stage may end the task with a documented early
// exit.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/filterchain"
	"leverage-lab/internal/marketdata"
	"leverage-lab/internal/observability"
	"leverage-lab/internal/progress"
	"leverage-lab/internal/storage"
)

// Decision thresholds. Variability beyond these lives in the strategy
// catalog, never in code forks.
const (
	minRecommendedLeverage = 2.0
	minDecisionConfidence  = 0.3

	// btcShockPct is the modeled BTC drop used for correlation risk.
	btcShockPct = -10.0

	// defaultPeriodDays bounds the fetched history when the request
	// carries no custom period.
	defaultPeriodDays = 30
)

// Request names one task: a (symbol, timeframe, strategy) combination
// within an execution.
type Request struct {
	Symbol      string
	Timeframe   string
	Strategy    *filterchain.Strategy
	ExecutionID string

	// IsBacktest additionally runs the filter chain over the fetched
	// history and produces a performance summary.
	IsBacktest bool

	// TargetTime anchors the analysis window; zero means now.
	TargetTime time.Time

	// PeriodDays overrides the fetched history length.
	PeriodDays int
}

// Orchestrator runs analysis tasks. Safe for concurrent use; each
// Analyze call is independent.
type Orchestrator struct {
	provider    marketdata.Provider
	progress    *progress.Store
	filterStats storage.FilterStatsStore
	now         func() time.Time
	verbose     bool
}

// Options for creating Orchestrator.
type Options struct {
	// Provider supplies market data and model calls. Required.
	Provider marketdata.Provider

	// Progress receives stage-boundary updates. Optional.
	Progress *progress.Store

	// FilterStats archives chain statistics from backtest runs.
	// Optional; archive failures are logged, never fatal.
	FilterStats storage.FilterStatsStore

	// Now overrides the clock, for tests.
	Now func() time.Time

	Verbose bool
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		provider:    opts.Provider,
		progress:    opts.Progress,
		filterStats: opts.FilterStats,
		now:         now,
		verbose:     opts.Verbose,
	}
}

// Analyze runs the staged state machine for one task.
//
// The result classifies the outcome as completed, early exit with a
// documented reason, or execution error. Early exits return a nil
// error; only unexpected failures return a non-nil error, mirrored in
// the result's ErrorDetails so the worker can record it. The backtest
// summary is non-nil only for completed backtest requests.
func (o *Orchestrator) Analyze(ctx context.Context, req Request) (*domain.AnalysisResult, *domain.TaskResults, error) {
	result := &domain.AnalysisResult{
		Symbol:      req.Symbol,
		Timeframe:   req.Timeframe,
		Strategy:    req.Strategy.Name,
		ExecutionID: req.ExecutionID,
		StartedAt:   o.now().UTC(),
	}
	defer func() { result.CompletedAt = o.now().UTC() }()

	target := req.TargetTime
	if target.IsZero() {
		target = o.now().UTC()
	}

	o.updateStage(req.ExecutionID, domain.StageDataFetch)
	candles, stageErr := o.fetchData(ctx, req, target, result)
	if stageErr != nil {
		return o.earlyExit(req, result, domain.ExitStageDataFetch, domain.ExitReasonInsufficientData, stageErr.Error()), nil, nil
	}
	result.TotalDataPoints = len(candles)

	o.updateStage(req.ExecutionID, domain.StageSupportResistance)
	supports, resistances, stageErr := o.detectLevels(ctx, candles, req, result)
	if stageErr != nil {
		return o.earlyExit(req, result, domain.ExitStageSupportResistance, domain.ExitReasonNoSupportResistance, stageErr.Error()), nil, nil
	}

	o.updateStage(req.ExecutionID, domain.StageMLPrediction)
	predictions, stageErr := o.predict(ctx, candles, supports, resistances, req, result)
	if stageErr != nil {
		return o.earlyExit(req, result, domain.ExitStageMLPrediction, domain.ExitReasonMLPredictionFailed, stageErr.Error()), nil, nil
	}

	// BTC correlation has no progress sub-record; its failures report
	// under the market context stage.
	risk, stageErr := o.assessBTCImpact(ctx, req, result)
	if stageErr != nil {
		return o.earlyExit(req, result, domain.ExitStageBTCCorrelation, domain.ExitReasonBTCDataInsufficient, stageErr.Error()), nil, nil
	}

	o.updateStage(req.ExecutionID, domain.StageMarketContext)
	mc, stageErr := o.analyzeContext(ctx, candles, target, req, result)
	if stageErr != nil {
		return o.earlyExit(req, result, domain.ExitStageMarketContext, domain.ExitReasonMarketContextFailed, stageErr.Error()), nil, nil
	}

	o.updateStage(req.ExecutionID, domain.StageLeverageDecision)
	rec, stageErr, engineErr := o.decideLeverage(ctx, supports, resistances, predictions, mc, risk, req, result)
	if engineErr != nil {
		return o.executionError(req, result, domain.ExitStageLeverageDecision, engineErr), nil, engineErr
	}
	if stageErr != nil {
		return o.earlyExit(req, result, domain.ExitStageLeverageDecision, domain.ExitReasonLeverageConditionsNotMet, stageErr.Error()), nil, nil
	}

	result.Completed = true
	result.Recommendation = map[string]any{
		"recommended_leverage": rec.RecommendedLeverage,
		"confidence_level":     rec.ConfidenceLevel,
		"risk_reward_ratio":    rec.RiskRewardRatio,
		"stop_loss_price":      rec.StopLossPrice,
		"take_profit_price":    rec.TakeProfitPrice,
		"position_size_pct":    rec.PositionSizePct,
		"trend_direction":      mc.TrendDirection,
		"market_phase":         mc.MarketPhase,
	}

	var summary *domain.TaskResults
	if req.IsBacktest {
		summary = o.runBacktest(ctx, req, candles, supports, resistances, predictions, mc, risk)
	}

	if o.progress != nil {
		msg := fmt.Sprintf("leverage %.1fx, confidence %.2f", rec.RecommendedLeverage, rec.ConfidenceLevel)
		if err := o.progress.CompleteAnalysis(req.ExecutionID, domain.FinalSignalDetected, msg); err != nil {
			log.Printf("[orchestrator] progress complete %s: %v", req.ExecutionID, err)
		}
	}

	o.log("completed %s %s/%s leverage=%.1f", req.Symbol, req.Timeframe, req.Strategy.Name, rec.RecommendedLeverage)
	return result, summary, nil
}

// fetchData runs the data fetch stage. Empty data and fetch errors
// both end the task; no fallback data is ever synthesized.
func (o *Orchestrator) fetchData(ctx context.Context, req Request, target time.Time, result *domain.AnalysisResult) ([]marketdata.Candle, error) {
	started := o.now()

	days := req.PeriodDays
	if days <= 0 {
		days = defaultPeriodDays
	}
	from := target.Add(-time.Duration(days) * 24 * time.Hour)

	candles, err := o.provider.FetchOHLCV(ctx, req.Symbol, req.Timeframe, from, target)
	stage := o.stageResult(domain.ExitStageDataFetch, started)
	stage.DataProcessed = len(candles)

	switch {
	case err != nil:
		stage.ErrorMessage = err.Error()
		result.StageResults = append(result.StageResults, stage)
		return nil, fmt.Errorf("fetch failed: %v", err)
	case len(candles) == 0:
		stage.ErrorMessage = "no candles returned"
		result.StageResults = append(result.StageResults, stage)
		return nil, fmt.Errorf("no market data for %s %s", req.Symbol, req.Timeframe)
	}

	stage.Success = true
	result.StageResults = append(result.StageResults, stage)
	return candles, nil
}

// detectLevels runs the support/resistance stage. Zero detected levels
// is an early exit, not a fault.
func (o *Orchestrator) detectLevels(ctx context.Context, candles []marketdata.Candle, req Request, result *domain.AnalysisResult) ([]marketdata.Level, []marketdata.Level, error) {
	started := o.now()

	supports, resistances, err := o.provider.DetectSupportResistance(ctx, candles)
	stage := o.stageResult(domain.ExitStageSupportResistance, started)
	stage.DataProcessed = len(candles)
	stage.ItemsFound = len(supports) + len(resistances)

	sub := domain.SupportResistanceResult{
		SupportsCount:    len(supports),
		ResistancesCount: len(resistances),
		Supports:         toSRLevels(supports),
		Resistances:      toSRLevels(resistances),
	}

	if err != nil || len(supports)+len(resistances) == 0 {
		msg := "no support or resistance levels detected"
		if err != nil {
			msg = err.Error()
		}
		stage.ErrorMessage = msg
		result.StageResults = append(result.StageResults, stage)
		sub.Status = domain.StageStatusFailed
		sub.ErrorMessage = msg
		o.updateSupportResistance(req.ExecutionID, sub)
		return nil, nil, fmt.Errorf("%s", msg)
	}

	stage.Success = true
	result.StageResults = append(result.StageResults, stage)
	sub.Status = domain.StageStatusSuccess
	o.updateSupportResistance(req.ExecutionID, sub)
	return supports, resistances, nil
}

// predict runs the ML stage across every detected level. A single
// per-level error fails the whole stage; partial predictions are never
// acted on.
func (o *Orchestrator) predict(ctx context.Context, candles []marketdata.Candle, supports, resistances []marketdata.Level, req Request, result *domain.AnalysisResult) ([]marketdata.Prediction, error) {
	started := o.now()

	levels := make([]marketdata.Level, 0, len(supports)+len(resistances))
	levels = append(levels, supports...)
	levels = append(levels, resistances...)

	var predictions []marketdata.Prediction
	var best float64
	for _, lvl := range levels {
		pred, err := o.provider.PredictBreakout(ctx, candles, lvl)
		if err != nil {
			stage := o.stageResult(domain.ExitStageMLPrediction, started)
			stage.DataProcessed = len(levels)
			stage.ErrorMessage = err.Error()
			result.StageResults = append(result.StageResults, stage)
			o.updateMLPrediction(req.ExecutionID, domain.MLPredictionResult{
				Status:       domain.StageStatusFailed,
				ErrorMessage: err.Error(),
			})
			return nil, fmt.Errorf("prediction for level %.4f: %v", lvl.Price, err)
		}
		if pred != nil {
			predictions = append(predictions, *pred)
			if pred.Confidence > best {
				best = pred.Confidence
			}
		}
	}

	stage := o.stageResult(domain.ExitStageMLPrediction, started)
	stage.DataProcessed = len(levels)
	stage.ItemsFound = len(predictions)
	stage.Success = true
	result.StageResults = append(result.StageResults, stage)
	o.updateMLPrediction(req.ExecutionID, domain.MLPredictionResult{
		Status:           domain.StageStatusSuccess,
		PredictionsCount: len(predictions),
		Confidence:       best,
	})
	return predictions, nil
}

// assessBTCImpact runs the BTC correlation stage. Insufficient data
// and network failures are both fatal to the stage.
func (o *Orchestrator) assessBTCImpact(ctx context.Context, req Request, result *domain.AnalysisResult) (*marketdata.CorrelationRisk, error) {
	started := o.now()

	risk, err := o.provider.PredictBTCImpact(ctx, req.Symbol, btcShockPct)
	stage := o.stageResult(domain.ExitStageBTCCorrelation, started)
	if err != nil {
		stage.ErrorMessage = err.Error()
		result.StageResults = append(result.StageResults, stage)
		return nil, fmt.Errorf("btc correlation: %v", err)
	}

	stage.Success = true
	stage.DataProcessed = risk.SampleSize
	result.StageResults = append(result.StageResults, stage)
	return risk, nil
}

// analyzeContext runs the market context stage.
func (o *Orchestrator) analyzeContext(ctx context.Context, candles []marketdata.Candle, target time.Time, req Request, result *domain.AnalysisResult) (*marketdata.MarketContext, error) {
	started := o.now()

	mc, err := o.provider.AnalyzeMarketPhase(ctx, candles, target)
	stage := o.stageResult(domain.ExitStageMarketContext, started)
	stage.DataProcessed = len(candles)
	if err != nil {
		stage.ErrorMessage = err.Error()
		result.StageResults = append(result.StageResults, stage)
		o.updateMarketContext(req.ExecutionID, domain.MarketContextResult{
			Status:       domain.StageStatusFailed,
			ErrorMessage: err.Error(),
		})
		return nil, fmt.Errorf("market context: %v", err)
	}

	stage.Success = true
	result.StageResults = append(result.StageResults, stage)
	o.updateMarketContext(req.ExecutionID, domain.MarketContextResult{
		Status:         domain.StageStatusSuccess,
		TrendDirection: mc.TrendDirection,
		MarketPhase:    mc.MarketPhase,
	})
	return mc, nil
}

// decideLeverage runs the final stage. Threshold misses are early
// exits; an engine failure is an execution error.
func (o *Orchestrator) decideLeverage(ctx context.Context, supports, resistances []marketdata.Level, predictions []marketdata.Prediction, mc *marketdata.MarketContext, risk *marketdata.CorrelationRisk, req Request, result *domain.AnalysisResult) (rec *marketdata.Recommendation, rejection, engineErr error) {
	started := o.now()

	rec, err := o.provider.CalculateSafeLeverage(ctx, supports, resistances, predictions, mc, risk)
	stage := o.stageResult(domain.ExitStageLeverageDecision, started)
	if err != nil {
		stage.ErrorMessage = err.Error()
		result.StageResults = append(result.StageResults, stage)
		o.updateLeverageDecision(req.ExecutionID, domain.LeverageDecisionResult{
			Status:       domain.StageStatusFailed,
			ErrorMessage: err.Error(),
		})
		return nil, nil, fmt.Errorf("leverage engine: %w", err)
	}

	sub := domain.LeverageDecisionResult{
		RecommendedLeverage: rec.RecommendedLeverage,
		ConfidenceLevel:     rec.ConfidenceLevel,
		RiskRewardRatio:     rec.RiskRewardRatio,
	}

	var msg string
	switch {
	case rec.RecommendedLeverage < minRecommendedLeverage:
		msg = fmt.Sprintf("recommended leverage %.2f below %.1f", rec.RecommendedLeverage, minRecommendedLeverage)
	case rec.ConfidenceLevel < minDecisionConfidence:
		msg = fmt.Sprintf("decision confidence %.2f below %.1f", rec.ConfidenceLevel, minDecisionConfidence)
	}
	if msg != "" {
		stage.ErrorMessage = msg
		result.StageResults = append(result.StageResults, stage)
		sub.Status = domain.StageStatusFailed
		sub.ErrorMessage = msg
		o.updateLeverageDecision(req.ExecutionID, sub)
		return nil, fmt.Errorf("%s", msg), nil
	}

	stage.Success = true
	result.StageResults = append(result.StageResults, stage)
	sub.Status = domain.StageStatusSuccess
	o.updateLeverageDecision(req.ExecutionID, sub)
	return rec, nil, nil
}

// runBacktest evaluates the filter chain over the fetched history and
// folds chain output into a performance summary. The statistics
// snapshot is archived when a stats store is configured.
func (o *Orchestrator) runBacktest(ctx context.Context, req Request, candles []marketdata.Candle, supports, resistances []marketdata.Level, predictions []marketdata.Prediction, mc *marketdata.MarketContext, risk *marketdata.CorrelationRisk) *domain.TaskResults {
	data := filterchain.NewPreparedData(req.Symbol, req.Timeframe, candles)
	data.Supports = supports
	data.Resistances = resistances
	data.Predictions = predictions
	data.MarketContext = mc
	data.CorrelationRisk = risk

	evalTimes := make([]time.Time, len(candles))
	for i, c := range candles {
		evalTimes[i] = time.UnixMilli(c.TimestampMs).UTC()
	}

	chain := filterchain.NewChain(req.Strategy)
	trades := chain.Execute(data, evalTimes)
	stats := chain.GetStatistics()

	o.archiveStats(ctx, req, stats)
	o.log("backtest %s %s/%s: %d/%d points became trades",
		req.Symbol, req.Timeframe, req.Strategy.Name, stats.ValidTrades, stats.TotalEvaluations)

	return summarizeTrades(trades)
}

func (o *Orchestrator) archiveStats(ctx context.Context, req Request, stats *filterchain.Statistics) {
	if o.filterStats == nil {
		return
	}

	execCounts := make([]int, len(stats.PerFilter))
	okCounts := make([]int, len(stats.PerFilter))
	failCounts := make([]int, len(stats.PerFilter))
	for i, c := range stats.PerFilter {
		execCounts[i] = c.ExecutionCount
		okCounts[i] = c.SuccessCount
		failCounts[i] = c.FailureCount
	}

	snapshot := &domain.FilterChainStats{
		ExecutionID:         req.ExecutionID,
		Symbol:              req.Symbol,
		Timeframe:           req.Timeframe,
		Strategy:            req.Strategy.Name,
		RunAt:               o.now().UTC(),
		TotalEvaluations:    stats.TotalEvaluations,
		ValidTrades:         stats.ValidTrades,
		PerFilterExclusions: stats.PerFilterExclusions,
		FilterNames:         stats.FilterNames,
		ExecutionCounts:     execCounts,
		SuccessCounts:       okCounts,
		FailureCounts:       failCounts,
		ExecutionTimeMs:     stats.ExecutionTimeMs,
	}
	if err := o.filterStats.Insert(ctx, snapshot); err != nil {
		log.Printf("[orchestrator] archive filter stats %s: %v", req.ExecutionID, err)
	}
}

// summarizeTrades projects chain output into the task result columns.
// Returns and drawdowns are projections from level geometry, not
// simulated fills.
func summarizeTrades(trades []filterchain.ValidTrade) *domain.TaskResults {
	summary := &domain.TaskResults{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return summary
	}

	var confSum, retSum, levSum, maxDD float64
	for _, tr := range trades {
		confSum += tr.Confidence
		retSum += tr.ProfitPotential * tr.Leverage
		levSum += tr.Leverage
		if dd := tr.DownsideRisk * tr.Leverage; dd > maxDD {
			maxDD = dd
		}
	}

	n := float64(len(trades))
	mean := retSum / n
	var variance float64
	for _, tr := range trades {
		d := tr.ProfitPotential*tr.Leverage - mean
		variance += d * d
	}
	variance /= n

	summary.WinRate = confSum / n
	summary.TotalReturn = retSum
	summary.AvgLeverage = levSum / n
	summary.MaxDrawdown = maxDD
	if variance > 0 {
		summary.SharpeRatio = mean / math.Sqrt(variance)
	}
	return summary
}

// earlyExit finalizes the result for a documented data condition.
func (o *Orchestrator) earlyExit(req Request, result *domain.AnalysisResult, stage domain.ExitStage, reason domain.ExitReason, msg string) *domain.AnalysisResult {
	result.EarlyExit = true
	result.ExitStage = stage
	result.ExitReason = reason
	observability.RecordEarlyExit(string(stage), string(reason))

	if o.progress != nil {
		if err := o.progress.FailAnalysis(req.ExecutionID, progressStage(stage), msg); err != nil {
			log.Printf("[orchestrator] progress fail %s: %v", req.ExecutionID, err)
		}
	}
	o.log("early exit %s %s/%s at %s: %s", req.Symbol, req.Timeframe, req.Strategy.Name, stage, msg)
	return result
}

// executionError finalizes the result for an unexpected failure.
func (o *Orchestrator) executionError(req Request, result *domain.AnalysisResult, stage domain.ExitStage, err error) *domain.AnalysisResult {
	result.ExitStage = stage
	result.ExitReason = domain.ExitReasonExecutionError
	result.ErrorDetails = err.Error()

	if o.progress != nil {
		if perr := o.progress.FailAnalysis(req.ExecutionID, progressStage(stage), err.Error()); perr != nil {
			log.Printf("[orchestrator] progress fail %s: %v", req.ExecutionID, perr)
		}
	}
	return result
}

func (o *Orchestrator) stageResult(stage domain.ExitStage, started time.Time) domain.StageResult {
	return domain.StageResult{
		Stage:           stage,
		ExecutionTimeMs: o.now().Sub(started).Milliseconds(),
	}
}

// progressStage maps result stages onto the progress record's stage
// enum. BTC correlation has no sub-record and reports under market
// context.
func progressStage(stage domain.ExitStage) domain.Stage {
	switch stage {
	case domain.ExitStageDataFetch:
		return domain.StageDataFetch
	case domain.ExitStageSupportResistance:
		return domain.StageSupportResistance
	case domain.ExitStageMLPrediction:
		return domain.StageMLPrediction
	case domain.ExitStageBTCCorrelation, domain.ExitStageMarketContext:
		return domain.StageMarketContext
	case domain.ExitStageLeverageDecision:
		return domain.StageLeverageDecision
	}
	return domain.StageFailed
}

func toSRLevels(levels []marketdata.Level) []domain.SRLevel {
	out := make([]domain.SRLevel, len(levels))
	for i, lvl := range levels {
		out[i] = domain.SRLevel{Price: lvl.Price, Strength: lvl.Strength, TouchCount: lvl.TouchCount}
	}
	return out
}

func (o *Orchestrator) updateStage(executionID string, stage domain.Stage) {
	if o.progress == nil {
		return
	}
	if err := o.progress.UpdateStage(executionID, stage); err != nil {
		log.Printf("[orchestrator] progress stage %s: %v", executionID, err)
	}
}

func (o *Orchestrator) updateSupportResistance(executionID string, r domain.SupportResistanceResult) {
	if o.progress == nil {
		return
	}
	if err := o.progress.UpdateSupportResistance(executionID, r); err != nil {
		log.Printf("[orchestrator] progress s/r %s: %v", executionID, err)
	}
}

func (o *Orchestrator) updateMLPrediction(executionID string, r domain.MLPredictionResult) {
	if o.progress == nil {
		return
	}
	if err := o.progress.UpdateMLPrediction(executionID, r); err != nil {
		log.Printf("[orchestrator] progress ml %s: %v", executionID, err)
	}
}

func (o *Orchestrator) updateMarketContext(executionID string, r domain.MarketContextResult) {
	if o.progress == nil {
		return
	}
	if err := o.progress.UpdateMarketContext(executionID, r); err != nil {
		log.Printf("[orchestrator] progress context %s: %v", executionID, err)
	}
}

func (o *Orchestrator) updateLeverageDecision(executionID string, r domain.LeverageDecisionResult) {
	if o.progress == nil {
		return
	}
	if err := o.progress.UpdateLeverageDecision(executionID, r); err != nil {
		log.Printf("[orchestrator] progress leverage %s: %v", executionID, err)
	}
}

func (o *Orchestrator) log(format string, args ...interface{}) {
	if o.verbose {
		log.Printf("[orchestrator] "+format, args...)
	}
}
