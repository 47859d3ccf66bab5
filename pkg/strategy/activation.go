package strategy

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeromicro/go-zero/core/logx"

	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/marketdata"
)

// CandidateScore is the evaluated view of one strategy.
type CandidateScore struct {
	StrategyID         string  `json:"strategy_id"`
	Overall            float64 `json:"overall"`
	Performance        float64 `json:"performance"`
	Backtest           float64 `json:"backtest"`
	MarketAlignment    float64 `json:"market_alignment"`
	Risk               float64 `json:"risk"`
	SentimentAlignment float64 `json:"sentiment_alignment"` // 0..1
	Suitable           bool    `json:"suitable"`
	Active             bool    `json:"active"`
}

// ChangeSet describes one activation decision.
type ChangeSet struct {
	Activated   []string `json:"activated"`
	Deactivated []string `json:"deactivated"`
	Reason      string   `json:"reason"`
}

// ActivationManager keeps the top-N strategies active under the stability
// window.
type ActivationManager struct {
	cfg        *Config
	strategies model.StrategiesModel
	trades     model.TradesModel
	backtests  model.BacktestResultsModel
	settings   model.SettingsModel
	sentiment  marketdata.SentimentSource

	mu        sync.Mutex
	lastCheck time.Time

	// scoreFn defaults to EvaluateAll; replaceable for alternative scorers.
	scoreFn func(ctx context.Context) ([]CandidateScore, error)

	cron *cron.Cron
	now  func() time.Time
}

// NewActivationManager wires the manager.
func NewActivationManager(cfg *Config, strategies model.StrategiesModel, trades model.TradesModel, backtests model.BacktestResultsModel, settings model.SettingsModel, sentiment marketdata.SentimentSource) *ActivationManager {
	a := &ActivationManager{
		cfg:        cfg,
		strategies: strategies,
		trades:     trades,
		backtests:  backtests,
		settings:   settings,
		sentiment:  sentiment,
		now:        time.Now,
	}
	a.scoreFn = a.EvaluateAll
	return a
}

// Start schedules periodic checks. Implements service.Service.
func (a *ActivationManager) Start() {
	a.cron = cron.New()
	_, err := a.cron.AddFunc(a.cfg.ActivationCron, func() {
		if _, err := a.CheckAndUpdate(context.Background()); err != nil {
			logx.Errorf("strategy: activation check failed: %v", err)
		}
	})
	if err != nil {
		logx.Errorf("strategy: schedule activation cron=%q: %v", a.cfg.ActivationCron, err)
		return
	}
	a.cron.Start()
	logx.Infof("strategy: activation scheduled cron=%q", a.cfg.ActivationCron)
}

// Stop halts the schedule.
func (a *ActivationManager) Stop() {
	if a.cron != nil {
		a.cron.Stop()
	}
}

// CheckAndUpdate evaluates all candidates and swaps the active set to the
// top-N. Returns nil (no change set) inside the stability window.
func (a *ActivationManager) CheckAndUpdate(ctx context.Context) (*ChangeSet, error) {
	a.mu.Lock()
	if !a.lastCheck.IsZero() && a.now().Sub(a.lastCheck) < time.Duration(a.cfg.MinStabilityHours)*time.Hour {
		a.mu.Unlock()
		logx.Infof("strategy: activation skipped, inside stability window of %dh", a.cfg.MinStabilityHours)
		return nil, nil
	}
	a.lastCheck = a.now()
	a.mu.Unlock()

	maxActive, err := a.settings.GetInt(ctx, SettingMaxActiveStrategies, a.cfg.DefaultMaxActive)
	if err != nil {
		logx.Errorf("strategy: read %s, using default %d: %v", SettingMaxActiveStrategies, a.cfg.DefaultMaxActive, err)
		maxActive = a.cfg.DefaultMaxActive
	}

	scores, err := a.scoreFn(ctx)
	if err != nil {
		return nil, err
	}

	// Select the top-N suitable candidates.
	sort.Slice(scores, func(i, j int) bool { return scores[i].Overall > scores[j].Overall })
	optimal := make(map[string]struct{}, maxActive)
	for _, s := range scores {
		if len(optimal) >= maxActive {
			break
		}
		if s.Suitable {
			optimal[s.StrategyID] = struct{}{}
		}
	}
	current := make(map[string]struct{})
	for _, s := range scores {
		if s.Active {
			current[s.StrategyID] = struct{}{}
		}
	}

	change := &ChangeSet{Reason: "automatic_optimization"}
	for id := range current {
		if _, keep := optimal[id]; !keep {
			change.Deactivated = append(change.Deactivated, id)
		}
	}
	for id := range optimal {
		if _, have := current[id]; !have {
			change.Activated = append(change.Activated, id)
		}
	}
	sort.Strings(change.Activated)
	sort.Strings(change.Deactivated)
	if len(change.Activated) == 0 && len(change.Deactivated) == 0 {
		return change, nil
	}

	// Deactivate first so the active count never exceeds the limit.
	for _, id := range change.Deactivated {
		meta, _ := json.Marshal(map[string]any{
			"auto_deactivated": true,
			"ts":               a.now().UTC().Format(time.RFC3339),
		})
		if err := a.strategies.SetActivation(ctx, id, false, model.StrategyStatusInactive, meta); err != nil {
			return nil, err
		}
	}
	for _, id := range change.Activated {
		meta, _ := json.Marshal(map[string]any{
			"auto_activated": true,
			"ts":             a.now().UTC().Format(time.RFC3339),
		})
		if err := a.strategies.SetActivation(ctx, id, true, model.StrategyStatusActive, meta); err != nil {
			return nil, err
		}
	}
	logx.Infof("strategy: activation change reason=%s activated=%v deactivated=%v max_active=%d", change.Reason, change.Activated, change.Deactivated, maxActive)
	return change, nil
}

// EvaluateAll scores every non-terminal strategy.
func (a *ActivationManager) EvaluateAll(ctx context.Context) ([]CandidateScore, error) {
	var all []model.Strategies
	for _, status := range []string{model.StrategyStatusActive, model.StrategyStatusPaper, model.StrategyStatusInactive} {
		rows, err := a.strategies.ByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
	}
	scores := make([]CandidateScore, 0, len(all))
	for i := range all {
		score := a.evaluate(ctx, &all[i])
		scores = append(scores, score)
	}
	return scores, nil
}

// evaluate produces the weighted composite score on the 0..10 scale.
func (a *ActivationManager) evaluate(ctx context.Context, strat *model.Strategies) CandidateScore {
	score := CandidateScore{StrategyID: strat.Id, Active: strat.IsActive}

	since := a.now().UTC().AddDate(0, 0, -a.cfg.ReviewWindowDays)
	trades, err := a.trades.ByStrategySince(ctx, strat.Id, since)
	if err != nil {
		logx.Errorf("strategy: evaluate trades id=%s: %v", strat.Id, err)
		return score
	}

	live := liveStats(trades, a.now().UTC())
	score.Performance = performanceScore(live)
	score.Backtest = a.backtestScore(ctx, strat.Id)
	score.MarketAlignment = marketAlignmentScore(live)
	score.Risk = 0.7*drawdownScore(live.maxDrawdown) + 0.3*live.winRate*10
	score.SentimentAlignment = a.sentimentAlignment(ctx, strat)

	score.Overall = 0.35*score.Performance +
		0.20*score.Backtest +
		0.15*score.MarketAlignment +
		0.15*score.Risk +
		0.15*score.SentimentAlignment*10

	score.Suitable = live.sharpe >= 0.5 &&
		live.maxDrawdown >= -0.30 &&
		live.trades >= 5 &&
		live.inactiveDays <= 14 &&
		score.Overall > 0 &&
		score.SentimentAlignment >= 0.45
	return score
}

type liveView struct {
	sharpe       float64
	winRate      float64
	maxDrawdown  float64
	totalReturn  float64
	trades       int
	tradesLast7d int
	pnl7d        float64
	inactiveDays float64
}

func liveStats(trades []model.Trades, now time.Time) liveView {
	v := liveView{trades: len(trades)}
	if len(trades) == 0 {
		v.inactiveDays = math.Inf(1)
		return v
	}
	var wins int
	var rets []float64
	last := time.Time{}
	weekAgo := now.AddDate(0, 0, -7)
	for _, t := range trades {
		if t.Pnl.Valid && t.Pnl.Float64 > 0 {
			wins++
		}
		if t.PnlPct.Valid {
			rets = append(rets, t.PnlPct.Float64/100)
			v.totalReturn += t.PnlPct.Float64 / 100
		}
		ts := t.EntryTime
		if t.ExitTime.Valid {
			ts = t.ExitTime.Time
		}
		if ts.After(last) {
			last = ts
		}
		if ts.After(weekAgo) {
			v.tradesLast7d++
			if t.Pnl.Valid {
				v.pnl7d += t.Pnl.Float64
			}
		}
	}
	v.winRate = float64(wins) / float64(len(trades))
	if len(rets) > 1 {
		mean, sd := meanStd(rets)
		if sd > 0 {
			v.sharpe = mean / sd * math.Sqrt(252)
		}
		v.maxDrawdown = -equityDrawdown(rets)
	}
	v.inactiveDays = now.Sub(last).Hours() / 24
	return v
}

// performanceScore combines sharpe, drawdown, win rate and total return.
func performanceScore(v liveView) float64 {
	sharpe := clamp01((v.sharpe + 1) / 3)
	dd := clamp01(1 + v.maxDrawdown/0.4)
	win := clamp01(v.winRate / 0.6)
	ret := clamp01((v.totalReturn + 0.1) / 0.3)
	return (0.4*sharpe + 0.25*dd + 0.15*win + 0.2*ret) * 10
}

// backtestScore weights the stored backtest sharpe and return.
func (a *ActivationManager) backtestScore(ctx context.Context, strategyID string) float64 {
	row, err := a.backtests.LatestByStrategy(ctx, strategyID)
	if err != nil {
		return 0
	}
	var metrics struct {
		Sharpe      float64 `json:"sharpe"`
		TotalReturn float64 `json:"total_return"`
	}
	if err := json.Unmarshal(row.Metrics, &metrics); err != nil {
		return 0
	}
	return (0.6*clamp01(metrics.Sharpe/2) + 0.4*clamp01((metrics.TotalReturn+0.1)/0.4)) * 10
}

// marketAlignmentScore weights trade recency and the 7-day PnL.
func marketAlignmentScore(v liveView) float64 {
	recency := clamp01(float64(v.tradesLast7d) / 5)
	pnl := 0.5
	if v.pnl7d > 0 {
		pnl = 1
	} else if v.pnl7d < 0 {
		pnl = 0
	}
	return (0.6*recency + 0.4*pnl) * 10
}

func drawdownScore(maxDrawdown float64) float64 {
	return clamp01(1+maxDrawdown/0.4) * 10
}

// sentimentAlignment converts aggregated polarity to [0,1], discounted by
// staleness: samples older than 12h halve the score.
func (a *ActivationManager) sentimentAlignment(ctx context.Context, strat *model.Strategies) float64 {
	if a.sentiment == nil {
		return 0.5 // neutral when no sentiment feed is wired
	}
	var meta struct {
		Symbol string `json:"symbol"`
	}
	_ = json.Unmarshal(strat.Metadata, &meta)
	if meta.Symbol == "" {
		meta.Symbol = "BTC/USDT"
	}
	to := a.now().UTC()
	from := to.Add(-24 * time.Hour)
	symPoints, err := a.sentiment.Sentiment(ctx, meta.Symbol, from, to)
	if err != nil {
		return 0.5
	}
	globPoints, err := a.sentiment.Sentiment(ctx, "", from, to)
	if err != nil {
		return 0.5
	}
	polarity := 0.65*weightedPolarity(symPoints) + 0.35*weightedPolarity(globPoints)
	alignment := clamp01((polarity + 1) / 2)

	latest := latestTs(symPoints, globPoints)
	if !latest.IsZero() && to.Sub(latest) > 12*time.Hour {
		alignment /= 2
	}
	return alignment
}

func weightedPolarity(points []marketdata.SentimentPoint) float64 {
	var num, den float64
	for _, p := range points {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		num += p.Polarity * w
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func latestTs(series ...[]marketdata.SentimentPoint) time.Time {
	var latest time.Time
	for _, points := range series {
		for _, p := range points {
			if p.Ts.After(latest) {
				latest = p.Ts
			}
		}
	}
	return latest
}
