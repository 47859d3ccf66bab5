package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeromicro/go-zero/core/logx"

	"mastertrade-core/internal/model"
)

// Review grades.
const (
	GradeAPlus = "A+"
	GradeA     = "A"
	GradeB     = "B"
	GradeC     = "C"
	GradeD     = "D"
)

// Review decisions.
const (
	DecisionKeep     = "KEEP_AS_IS"
	DecisionOptimize = "OPTIMIZE"
	DecisionModify   = "MODIFY_LOGIC"
	DecisionReplace  = "REPLACE"
	DecisionPause    = "PAUSE_STRATEGY"
	DecisionIncAlloc = "INCREASE_ALLOCATION"
	DecisionDecAlloc = "DECREASE_ALLOCATION"
)

// Performance is the measured live view of one strategy.
type Performance struct {
	Sharpe       float64            `json:"sharpe"`
	Sortino      float64            `json:"sortino"`
	MaxDrawdown  float64            `json:"max_drawdown"`
	Calmar       float64            `json:"calmar"`
	WinRate      float64            `json:"win_rate"`
	ProfitFactor float64            `json:"profit_factor"`
	TotalTrades  int                `json:"total_trades"`
	AvgDuration  time.Duration      `json:"avg_duration"`
	AvgSlippage  float64            `json:"avg_slippage"`
	RegimePnl    map[string]float64 `json:"regime_pnl,omitempty"`
	InactiveDays float64            `json:"inactive_days"`
	Degradation  float64            `json:"degradation"`
}

// ReviewOutcome is the full result of reviewing one strategy.
type ReviewOutcome struct {
	StrategyID            string
	Grade                 string
	Decision              string
	Confidence            float64
	Score                 float64
	Performance           Performance
	Strengths             []string
	Weaknesses            []string
	ParamAdjustments      map[string]any
	AllocationChange      float64
	ReplacementCandidates []string
}

// Reviewer runs the daily strategy review.
type Reviewer struct {
	cfg        *Config
	strategies model.StrategiesModel
	reviews    model.StrategyReviewsModel
	trades     model.TradesModel
	backtests  model.BacktestResultsModel

	cron *cron.Cron
	now  func() time.Time
}

// NewReviewer wires the reviewer.
func NewReviewer(cfg *Config, strategies model.StrategiesModel, reviews model.StrategyReviewsModel, trades model.TradesModel, backtests model.BacktestResultsModel) *Reviewer {
	return &Reviewer{
		cfg:        cfg,
		strategies: strategies,
		reviews:    reviews,
		trades:     trades,
		backtests:  backtests,
		now:        time.Now,
	}
}

// Start schedules the daily run. Implements service.Service.
func (r *Reviewer) Start() {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.cfg.ReviewCron, func() {
		if err := r.ReviewAll(context.Background()); err != nil {
			logx.Errorf("strategy: daily review failed: %v", err)
		}
	})
	if err != nil {
		logx.Errorf("strategy: schedule review cron=%q: %v", r.cfg.ReviewCron, err)
		return
	}
	r.cron.Start()
	logx.Infof("strategy: reviewer scheduled cron=%q", r.cfg.ReviewCron)
}

// Stop halts the schedule.
func (r *Reviewer) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// ReviewAll reviews every active strategy once.
func (r *Reviewer) ReviewAll(ctx context.Context) error {
	active, err := r.strategies.Active(ctx)
	if err != nil {
		return err
	}
	for i := range active {
		outcome, err := r.ReviewOne(ctx, &active[i])
		if err != nil {
			logx.Errorf("strategy: review id=%s: %v", active[i].Id, err)
			continue
		}
		if outcome == nil {
			continue // not enough trades
		}
		if err := r.executeDecision(ctx, &active[i], outcome); err != nil {
			logx.Errorf("strategy: execute decision id=%s decision=%s: %v", active[i].Id, outcome.Decision, err)
		}
	}
	return nil
}

// ReviewOne measures, grades and decides for one strategy. Returns nil when
// the trade sample is too small to judge.
func (r *Reviewer) ReviewOne(ctx context.Context, strat *model.Strategies) (*ReviewOutcome, error) {
	since := r.now().UTC().AddDate(0, 0, -r.cfg.ReviewWindowDays)
	trades, err := r.trades.ByStrategySince(ctx, strat.Id, since)
	if err != nil {
		return nil, err
	}
	if len(trades) < r.cfg.ReviewMinTrades {
		logx.Infof("strategy: review skipped id=%s trades=%d min=%d", strat.Id, len(trades), r.cfg.ReviewMinTrades)
		return nil, nil
	}

	perf := r.measure(trades)
	perf.Degradation = r.degradation(ctx, strat.Id, perf.Sharpe)

	outcome := &ReviewOutcome{
		StrategyID:  strat.Id,
		Performance: perf,
	}
	outcome.Score = gradeScore(&perf)
	outcome.Grade = scoreGrade(outcome.Score)
	outcome.Decision = r.decide(outcome.Grade, &perf)
	outcome.Confidence = r.confidence(&perf)
	outcome.Strengths, outcome.Weaknesses = narrate(&perf)
	outcome.ParamAdjustments = r.paramAdjustments(&perf)
	outcome.AllocationChange = allocationDelta(outcome.Decision)
	if outcome.Decision == DecisionReplace {
		outcome.ReplacementCandidates = r.replacementCandidates(ctx, strat, perf.Sharpe)
	}

	if err := r.persist(ctx, outcome); err != nil {
		return nil, err
	}
	logx.Infof("strategy: reviewed id=%s grade=%s decision=%s sharpe=%.2f degradation=%.2f confidence=%.2f", strat.Id, outcome.Grade, outcome.Decision, perf.Sharpe, perf.Degradation, outcome.Confidence)
	return outcome, nil
}

// measure computes the live performance bundle from the trade sample.
func (r *Reviewer) measure(trades []model.Trades) Performance {
	perf := Performance{TotalTrades: len(trades), RegimePnl: make(map[string]float64)}

	// Daily returns from per-trade pnl pct grouped by entry day.
	daily := make(map[string]float64)
	var wins int
	var grossWin, grossLoss, slippage float64
	var durations time.Duration
	var durN int
	lastTrade := time.Time{}
	for _, t := range trades {
		pnl := t.Pnl.Float64
		if t.Pnl.Valid && pnl > 0 {
			wins++
			grossWin += pnl
		} else if t.Pnl.Valid {
			grossLoss += -pnl
		}
		if t.PnlPct.Valid {
			day := t.EntryTime.Format("2006-01-02")
			daily[day] += t.PnlPct.Float64 / 100
		}
		if t.Slippage.Valid {
			slippage += t.Slippage.Float64
		}
		if t.ExitTime.Valid {
			durations += t.ExitTime.Time.Sub(t.EntryTime)
			durN++
			if t.ExitTime.Time.After(lastTrade) {
				lastTrade = t.ExitTime.Time
			}
		} else if t.EntryTime.After(lastTrade) {
			lastTrade = t.EntryTime
		}
		if t.MarketState.Valid && t.Pnl.Valid {
			perf.RegimePnl[t.MarketState.String] += pnl
		}
	}

	perf.WinRate = float64(wins) / float64(len(trades))
	switch {
	case grossLoss > 0:
		perf.ProfitFactor = grossWin / grossLoss
	case grossWin > 0:
		perf.ProfitFactor = math.Inf(1)
	}
	perf.AvgSlippage = slippage / float64(len(trades))
	if durN > 0 {
		perf.AvgDuration = durations / time.Duration(durN)
	}
	if !lastTrade.IsZero() {
		perf.InactiveDays = r.now().UTC().Sub(lastTrade).Hours() / 24
	}

	// Order days and build the return series.
	days := make([]string, 0, len(daily))
	for d := range daily {
		days = append(days, d)
	}
	sort.Strings(days)
	rets := make([]float64, 0, len(days))
	for _, d := range days {
		rets = append(rets, daily[d])
	}
	if len(rets) > 1 {
		excess := make([]float64, len(rets))
		for i, ret := range rets {
			excess[i] = ret - r.cfg.RiskFreeDaily
		}
		mean, sd := meanStd(excess)
		if sd > 0 {
			perf.Sharpe = mean / sd * math.Sqrt(252)
		}
		if dsd := downsideStd(excess); dsd > 0 {
			perf.Sortino = mean / dsd * math.Sqrt(252)
		}
		perf.MaxDrawdown = -equityDrawdown(rets)
		if perf.MaxDrawdown < 0 {
			annual := mean * 252
			perf.Calmar = annual / -perf.MaxDrawdown
		}
	}
	return perf
}

// degradation is |real-backtest|/|backtest| of Sharpe.
func (r *Reviewer) degradation(ctx context.Context, strategyID string, realSharpe float64) float64 {
	row, err := r.backtests.LatestByStrategy(ctx, strategyID)
	if err != nil {
		return 0
	}
	var metrics struct {
		Sharpe float64 `json:"sharpe"`
	}
	if err := json.Unmarshal(row.Metrics, &metrics); err != nil || metrics.Sharpe == 0 {
		return 0
	}
	return math.Abs(realSharpe-metrics.Sharpe) / math.Abs(metrics.Sharpe)
}

// gradeScore blends sharpe 40, drawdown 25, win rate 15, degradation 20.
func gradeScore(p *Performance) float64 {
	sharpeScore := clamp01((p.Sharpe+1)/3) * 40      // -1..2 -> 0..40
	ddScore := clamp01(1+p.MaxDrawdown/0.4) * 25     // 0..-40% -> 25..0
	winScore := clamp01(p.WinRate/0.6) * 15          // 60%+ is full marks
	degScore := clamp01(1-p.Degradation) * 20
	return sharpeScore + ddScore + winScore + degScore
}

func scoreGrade(score float64) string {
	switch {
	case score >= 90:
		return GradeAPlus
	case score >= 75:
		return GradeA
	case score >= 60:
		return GradeB
	case score >= 45:
		return GradeC
	default:
		return GradeD
	}
}

// decide applies the decision table.
func (r *Reviewer) decide(grade string, p *Performance) string {
	switch grade {
	case GradeAPlus:
		if p.Degradation < 0.10 {
			return DecisionIncAlloc
		}
		return DecisionKeep
	case GradeA:
		if p.Degradation > 0.20 {
			return DecisionOptimize
		}
		return DecisionKeep
	case GradeB:
		switch {
		case p.Degradation > 0.30:
			return DecisionModify
		case p.InactiveDays > 7:
			return DecisionOptimize
		default:
			return DecisionDecAlloc
		}
	case GradeC:
		switch {
		case p.Degradation > 0.50:
			return DecisionReplace
		case p.MaxDrawdown < -0.30:
			return DecisionPause
		default:
			return DecisionModify
		}
	default: // D
		if p.Sharpe < -0.5 || p.MaxDrawdown < -0.40 {
			return DecisionPause
		}
		return DecisionReplace
	}
}

// confidence starts high and is reduced 20% on thin samples and 30% on
// stale strategies.
func (r *Reviewer) confidence(p *Performance) float64 {
	conf := 0.95
	if p.TotalTrades < 20 {
		conf *= 0.8
	}
	if p.InactiveDays > 14 {
		conf *= 0.7
	}
	return conf
}

func narrate(p *Performance) (strengths, weaknesses []string) {
	if p.Sharpe >= 1.5 {
		strengths = append(strengths, fmt.Sprintf("strong risk-adjusted returns (sharpe %.2f)", p.Sharpe))
	}
	if p.WinRate >= 0.55 {
		strengths = append(strengths, fmt.Sprintf("high win rate %.0f%%", p.WinRate*100))
	}
	if p.MaxDrawdown > -0.10 {
		strengths = append(strengths, "shallow drawdowns")
	}
	if p.Sharpe < 0.5 {
		weaknesses = append(weaknesses, fmt.Sprintf("weak risk-adjusted returns (sharpe %.2f)", p.Sharpe))
	}
	if p.WinRate < 0.45 {
		weaknesses = append(weaknesses, fmt.Sprintf("low win rate %.0f%%", p.WinRate*100))
	}
	if p.MaxDrawdown < -0.25 {
		weaknesses = append(weaknesses, fmt.Sprintf("deep drawdown %.0f%%", p.MaxDrawdown*100))
	}
	if p.Degradation > 0.30 {
		weaknesses = append(weaknesses, fmt.Sprintf("live sharpe degraded %.0f%% vs backtest", p.Degradation*100))
	}
	return strengths, weaknesses
}

// paramAdjustments applies the tuning heuristics.
func (r *Reviewer) paramAdjustments(p *Performance) map[string]any {
	out := make(map[string]any)
	if p.WinRate < 0.45 {
		out["entry_threshold_factor"] = 1.15 // tighten entries
	}
	if p.InactiveDays > 7 {
		out["entry_threshold_factor"] = 0.9 // loosen for activity
	}
	if len(p.RegimePnl) > 0 {
		if pnl, ok := p.RegimePnl["volatile"]; ok && pnl < 0 {
			out["vol_threshold_factor"] = 1.2
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func allocationDelta(decision string) float64 {
	switch decision {
	case DecisionIncAlloc:
		return 0.05
	case DecisionDecAlloc:
		return -0.05
	default:
		return 0
	}
}

// replacementCandidates prefers similar-type strategies with Sharpe at least
// 1.2x the incumbent's.
func (r *Reviewer) replacementCandidates(ctx context.Context, strat *model.Strategies, incumbentSharpe float64) []string {
	peers, err := r.strategies.ByType(ctx, strat.Type)
	if err != nil {
		return nil
	}
	threshold := incumbentSharpe * 1.2
	var out []string
	for i := range peers {
		if peers[i].Id == strat.Id {
			continue
		}
		row, err := r.backtests.LatestByStrategy(ctx, peers[i].Id)
		if err != nil {
			continue
		}
		var metrics struct {
			Sharpe float64 `json:"sharpe"`
		}
		if json.Unmarshal(row.Metrics, &metrics) == nil && metrics.Sharpe >= threshold {
			out = append(out, peers[i].Id)
		}
	}
	return out
}

// executeDecision applies the outcome atomically for the strategy.
func (r *Reviewer) executeDecision(ctx context.Context, strat *model.Strategies, outcome *ReviewOutcome) error {
	switch outcome.Decision {
	case DecisionPause:
		return r.strategies.SetActivation(ctx, strat.Id, false, model.StrategyStatusPaused, reviewMeta("paused_by_review", r.now))
	case DecisionIncAlloc, DecisionDecAlloc:
		alloc := clamp01(strat.Allocation + outcome.AllocationChange)
		return r.strategies.UpdateAllocation(ctx, strat.Id, alloc)
	case DecisionOptimize, DecisionModify:
		if len(outcome.ParamAdjustments) == 0 {
			return nil
		}
		params, err := json.Marshal(outcome.ParamAdjustments)
		if err != nil {
			return err
		}
		return r.strategies.MergeParameters(ctx, strat.Id, params)
	case DecisionReplace:
		if len(outcome.ReplacementCandidates) == 0 {
			return nil
		}
		return r.swap(ctx, strat, outcome.ReplacementCandidates[0])
	default:
		return nil
	}
}

// swap retires the incumbent in favour of the replacement, cross-linking the
// two records.
func (r *Reviewer) swap(ctx context.Context, old *model.Strategies, replacementID string) error {
	oldMeta, err := mergeMeta(old.Metadata, map[string]any{"replaced_by": replacementID})
	if err != nil {
		return err
	}
	if err := r.strategies.SetActivation(ctx, old.Id, false, model.StrategyStatusReplaced, oldMeta); err != nil {
		return err
	}
	repl, err := r.strategies.FindOne(ctx, replacementID)
	if err != nil {
		return err
	}
	replMeta, err := mergeMeta(repl.Metadata, map[string]any{"replaces": old.Id})
	if err != nil {
		return err
	}
	if err := r.strategies.SetActivation(ctx, replacementID, true, model.StrategyStatusActive, replMeta); err != nil {
		return err
	}
	if err := r.strategies.UpdateAllocation(ctx, replacementID, old.Allocation); err != nil {
		return err
	}
	logx.Infof("strategy: replaced id=%s with id=%s", old.Id, replacementID)
	return nil
}

func (r *Reviewer) persist(ctx context.Context, outcome *ReviewOutcome) error {
	strengths, _ := json.Marshal(outcome.Strengths)
	weaknesses, _ := json.Marshal(outcome.Weaknesses)
	adjustments, _ := json.Marshal(outcome.ParamAdjustments)
	candidates, _ := json.Marshal(outcome.ReplacementCandidates)
	return r.reviews.Insert(ctx, &model.StrategyReviews{
		StrategyId:            outcome.StrategyID,
		Ts:                    r.now().UTC(),
		Grade:                 outcome.Grade,
		Decision:              outcome.Decision,
		Confidence:            outcome.Confidence,
		Strengths:             strengths,
		Weaknesses:            weaknesses,
		ParamAdjustments:      adjustments,
		AllocationChange:      outcome.AllocationChange,
		ReplacementCandidates: candidates,
	})
}

func reviewMeta(reason string, now func() time.Time) []byte {
	b, _ := json.Marshal(map[string]any{
		"review_action": reason,
		"ts":            now().UTC().Format(time.RFC3339),
	})
	return b
}

func mergeMeta(existing []byte, add map[string]any) ([]byte, error) {
	out := make(map[string]any)
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &out); err != nil {
			return nil, err
		}
	}
	for k, v := range add {
		out[k] = v
	}
	return json.Marshal(out)
}

func equityDrawdown(rets []float64) float64 {
	equity := 1.0
	peak := 1.0
	mdd := 0.0
	for _, ret := range rets {
		equity *= 1 + ret
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > mdd {
			mdd = dd
		}
	}
	return mdd
}

func meanStd(rets []float64) (float64, float64) {
	if len(rets) == 0 {
		return 0, 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var v float64
	for _, r := range rets {
		v += (r - mean) * (r - mean)
	}
	return mean, math.Sqrt(v / float64(len(rets)))
}

func downsideStd(rets []float64) float64 {
	var v float64
	var n int
	for _, r := range rets {
		if r < 0 {
			v += r * r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(v / float64(n))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
