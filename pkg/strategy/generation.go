package strategy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/backtest"
	"mastertrade-core/pkg/generator"
	"mastertrade-core/pkg/marketdata"
)

// ProgressFunc receives live job snapshots for dashboards.
type ProgressFunc func(topic string, snapshot JobProgress)

// JobProgress is the broadcast view of a running generation job.
type JobProgress struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	Total           int    `json:"total"`
	Generated       int    `json:"generated"`
	Backtested      int    `json:"backtested"`
	Passed          int    `json:"passed"`
	Failed          int    `json:"failed"`
	CurrentStrategy string `json:"current_strategy,omitempty"`
}

// GenerationManager runs strategy generation jobs: produce candidates,
// backtest each, persist the survivors.
type GenerationManager struct {
	cfg        *Config
	strategies model.StrategiesModel
	jobs       model.GenerationJobsModel
	backtests  model.BacktestResultsModel
	candles    marketdata.CandleSource
	sentiment  marketdata.SentimentSource
	advanced   generator.Generator // optional; nil falls straight to templates
	fallback   generator.Generator
	broadcast  ProgressFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	now func() time.Time
}

// NewGenerationManager wires the manager. advanced and broadcast may be nil.
func NewGenerationManager(cfg *Config, strategies model.StrategiesModel, jobs model.GenerationJobsModel, backtests model.BacktestResultsModel, candles marketdata.CandleSource, sentiment marketdata.SentimentSource, advanced generator.Generator, broadcast ProgressFunc) *GenerationManager {
	return &GenerationManager{
		cfg:        cfg,
		strategies: strategies,
		jobs:       jobs,
		backtests:  backtests,
		candles:    candles,
		sentiment:  sentiment,
		advanced:   advanced,
		fallback:   generator.NewTemplateLibrary(),
		broadcast:  broadcast,
		cancels:    make(map[string]context.CancelFunc),
		now:        time.Now,
	}
}

// StartGenerationJob creates the job row and launches the background task.
func (g *GenerationManager) StartGenerationJob(ctx context.Context, numStrategies int, types []string) (string, error) {
	if numStrategies < 0 {
		return "", fmt.Errorf("strategy: numStrategies must be >= 0")
	}
	job := &model.GenerationJobs{
		JobId:     uuid.NewString(),
		Status:    model.JobStatusPending,
		Total:     numStrategies,
		StartedAt: g.now().UTC(),
	}
	if err := g.jobs.Insert(ctx, job); err != nil {
		return "", err
	}

	// Zero requested strategies: the job completes immediately with no
	// results.
	if numStrategies == 0 {
		job.Status = model.JobStatusCompleted
		job.CompletedAt = sql.NullTime{Valid: true, Time: g.now().UTC()}
		if err := g.jobs.Update(ctx, job); err != nil {
			return "", err
		}
		return job.JobId, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.cancels[job.JobId] = cancel
	g.mu.Unlock()

	threading.GoSafe(func() {
		defer func() {
			g.mu.Lock()
			delete(g.cancels, job.JobId)
			g.mu.Unlock()
		}()
		g.run(runCtx, job, types)
	})
	logx.Infof("strategy: generation job started job_id=%s total=%d", job.JobId, numStrategies)
	return job.JobId, nil
}

// Cancel requests a job stop; partial results remain stored.
func (g *GenerationManager) Cancel(jobID string) bool {
	g.mu.Lock()
	cancel, ok := g.cancels[jobID]
	g.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (g *GenerationManager) run(ctx context.Context, job *model.GenerationJobs, types []string) {
	finish := func(status string) {
		job.Status = status
		job.CurrentStrategy = sql.NullString{}
		job.CompletedAt = sql.NullTime{Valid: true, Time: g.now().UTC()}
		if err := g.jobs.Update(context.Background(), job); err != nil {
			logx.Errorf("strategy: finalize job job_id=%s: %v", job.JobId, err)
		}
		g.emit(job)
		logx.Infof("strategy: generation job %s job_id=%s generated=%d passed=%d failed=%d", status, job.JobId, job.Generated, job.Passed, job.Failed)
	}

	job.Status = model.JobStatusGenerating
	g.update(job)

	candidates := g.produceCandidates(ctx, job.Total, types)
	ids := make([]string, 0, len(candidates))
	for i := range candidates {
		if ctx.Err() != nil {
			finish(model.JobStatusCancelled)
			return
		}
		id, err := g.persistCandidate(ctx, &candidates[i])
		if err != nil {
			logx.Errorf("strategy: persist candidate name=%s: %v", candidates[i].Name, err)
			job.Failed++
			continue
		}
		ids = append(ids, id)
		job.Generated++
		if job.Generated%g.cfg.ProgressEveryGen == 0 {
			g.update(job)
			g.emit(job)
		}
	}
	g.update(job)

	job.Status = model.JobStatusBacktesting
	g.update(job)
	for i, id := range ids {
		// Cancellation is checked before each strategy and after each
		// backtest so a cancel unwinds promptly.
		if ctx.Err() != nil {
			finish(model.JobStatusCancelled)
			return
		}
		job.CurrentStrategy = sql.NullString{Valid: true, String: id}
		passed, err := g.backtestOne(ctx, id, &candidates[i], job.JobId)
		if ctx.Err() != nil {
			finish(model.JobStatusCancelled)
			return
		}
		job.Backtested++
		if err != nil {
			job.Failed++
			logx.Errorf("strategy: backtest failed strategy=%s: %v", id, err)
		} else if passed {
			job.Passed++
		} else {
			job.Failed++
		}
		if job.Backtested%g.cfg.ProgressEveryBT == 0 {
			g.update(job)
			g.emit(job)
		}
	}
	finish(model.JobStatusCompleted)
}

// produceCandidates prefers the advanced generator and tops up from
// templates; generator failure is degradation, not job failure.
func (g *GenerationManager) produceCandidates(ctx context.Context, count int, types []string) []generator.Candidate {
	var out []generator.Candidate
	if g.advanced != nil {
		candidates, err := g.advanced.GenerateSystematic(ctx, count, types)
		if err != nil {
			logx.Slowf("strategy: advanced generator failed, falling back to templates: %v", err)
		} else {
			out = candidates
		}
	}
	if missing := count - len(out); missing > 0 {
		fill, err := g.fallback.GenerateSystematic(ctx, missing, types)
		if err == nil {
			out = append(out, fill...)
		}
	}
	return out
}

func (g *GenerationManager) persistCandidate(ctx context.Context, c *generator.Candidate) (string, error) {
	params, err := json.Marshal(c.Parameters)
	if err != nil {
		return "", err
	}
	meta, err := json.Marshal(map[string]any{
		"generated_at": g.now().UTC().Format(time.RFC3339),
		"symbol":       c.Symbol,
		"timeframe":    c.Timeframe,
	})
	if err != nil {
		return "", err
	}
	row := &model.Strategies{
		Id:         uuid.NewString(),
		Name:       c.Name,
		Type:       c.Type,
		Parameters: params,
		Status:     model.StrategyStatusPaper,
		Enabled:    true,
		Metadata:   meta,
		CreatedAt:  g.now().UTC(),
		UpdatedAt:  g.now().UTC(),
	}
	if err := g.strategies.Insert(ctx, row); err != nil {
		return "", err
	}
	return row.Id, nil
}

// backtestOne fetches history, runs the engine and persists the summary.
// Insufficient data fails closed: the summary is marked and never passes.
func (g *GenerationManager) backtestOne(ctx context.Context, strategyID string, c *generator.Candidate, jobID string) (bool, error) {
	limit := candleLimit(c.Timeframe, g.cfg.BacktestWindowDays)
	candles, err := g.candles.Candles(ctx, c.Symbol, c.Timeframe, limit)
	if err != nil {
		return false, fmt.Errorf("fetch candles: %w", err)
	}
	end := g.now().UTC()
	start := end.AddDate(0, 0, -g.cfg.BacktestWindowDays)

	if len(candles) < g.cfg.MinCandles {
		summary := map[string]any{
			"insufficient_data": true,
			"candles":           len(candles),
			"required":          g.cfg.MinCandles,
		}
		return false, g.persistSummary(ctx, strategyID, jobID, summary, false, start, end)
	}

	var symSent, globSent []marketdata.SentimentPoint
	if g.sentiment != nil {
		if pts, err := g.sentiment.Sentiment(ctx, c.Symbol, start, end); err == nil {
			symSent = pts
		}
		if pts, err := g.sentiment.Sentiment(ctx, "", start, end); err == nil {
			globSent = pts
		}
	}

	strat, err := BuildStrategy(c)
	if err != nil {
		return false, err
	}
	engine := &backtest.Engine{
		InitialEquity: g.cfg.InitialEquity,
		FeeBps:        g.cfg.FeeBps,
		SlippageBps:   g.cfg.SlippageBps,
	}
	res, err := engine.Run(ctx, strat, candles, symSent, globSent)
	if err != nil {
		return false, err
	}

	passed := g.passes(&res.Metrics)
	summary := map[string]any{
		"win_rate":        res.Metrics.WinRate,
		"sharpe":          res.Metrics.Sharpe,
		"sortino":         res.Metrics.Sortino,
		"max_drawdown":    res.Metrics.MaxDrawdown,
		"total_return":    res.Metrics.TotalReturn,
		"cagr":            res.Metrics.CAGR,
		"profit_factor":   res.Metrics.ProfitFactor,
		"total_trades":    res.Metrics.TotalTrades,
		"monthly_returns": res.Metrics.MonthlyReturns,
		"duration_days":   g.cfg.BacktestWindowDays,
	}
	return passed, g.persistSummary(ctx, strategyID, jobID, summary, passed, start, end)
}

// passes checks every criterion; all must hold.
func (g *GenerationManager) passes(m *backtest.Metrics) bool {
	return m.WinRate >= g.cfg.PassWinRate &&
		m.Sharpe >= g.cfg.PassSharpe &&
		m.MaxDrawdown >= g.cfg.PassMaxDrawdown &&
		m.ProfitFactor >= g.cfg.PassProfitFactor &&
		m.TotalTrades >= g.cfg.PassMinTrades
}

func (g *GenerationManager) persistSummary(ctx context.Context, strategyID, jobID string, metrics map[string]any, passed bool, start, end time.Time) error {
	body, err := json.Marshal(metrics)
	if err != nil {
		return err
	}
	return g.backtests.Insert(ctx, &model.BacktestResults{
		Id:             uuid.NewString(),
		StrategyId:     strategyID,
		JobId:          jobID,
		Metrics:        body,
		PassedCriteria: passed,
		StartDate:      start,
		EndDate:        end,
		CreatedAt:      g.now().UTC(),
	})
}

func (g *GenerationManager) update(job *model.GenerationJobs) {
	if err := g.jobs.Update(context.Background(), job); err != nil {
		logx.Errorf("strategy: update job job_id=%s: %v", job.JobId, err)
	}
}

func (g *GenerationManager) emit(job *model.GenerationJobs) {
	if g.broadcast == nil {
		return
	}
	snap := JobProgress{
		JobID:      job.JobId,
		Status:     job.Status,
		Total:      job.Total,
		Generated:  job.Generated,
		Backtested: job.Backtested,
		Passed:     job.Passed,
		Failed:     job.Failed,
	}
	if job.CurrentStrategy.Valid {
		snap.CurrentStrategy = job.CurrentStrategy.String
	}
	g.broadcast("strategy.generation.progress", snap)
}

func candleLimit(timeframe string, days int) int {
	perDay := 24
	switch timeframe {
	case "4h":
		perDay = 6
	case "1d":
		perDay = 1
	}
	return perDay * days
}
