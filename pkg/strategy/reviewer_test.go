package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastertrade-core/internal/model"
)

func seedTrades(trades *memTrades, strategyID string, pnlPcts []float64, base time.Time) {
	for i, pct := range pnlPcts {
		entry := base.Add(time.Duration(i) * 26 * time.Hour)
		_ = trades.Insert(context.Background(), &model.Trades{
			Id:         fmt.Sprintf("%s-t%d", strategyID, i),
			StrategyId: strategyID,
			Symbol:     "BTC/USDT",
			Side:       "long",
			Quantity:   1,
			EntryPrice: 100,
			ExitPrice:  nullFloat(100 * (1 + pct/100)),
			Pnl:        nullFloat(pct * 10),
			PnlPct:     nullFloat(pct),
			EntryTime:  entry,
			ExitTime:   nullTime(entry.Add(4 * time.Hour)),
		})
	}
}

func newReviewer(strategies *memStrategies, trades *memTrades, backtests *memBacktests, reviews *memReviews) *Reviewer {
	r := NewReviewer(testLifecycleConfig(), strategies, reviews, trades, backtests)
	return r
}

func seedStrategy(strategies *memStrategies, id, typ string, active bool) {
	status := model.StrategyStatusActive
	if !active {
		status = model.StrategyStatusPaper
	}
	_ = strategies.Insert(context.Background(), &model.Strategies{
		Id: id, Name: id, Type: typ, Status: status,
		IsActive: active, Enabled: true, Allocation: 0.3,
		Parameters: []byte(`{}`), Metadata: []byte(`{}`),
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})
}

func TestReviewSkipsThinSamples(t *testing.T) {
	strategies, trades, backtests, reviews := newMemStrategies(), newMemTrades(), newMemBacktests(), newMemReviews()
	seedStrategy(strategies, "s1", "momentum", true)
	seedTrades(trades, "s1", []float64{1, -1, 2}, time.Now().UTC().AddDate(0, 0, -5))

	r := newReviewer(strategies, trades, backtests, reviews)
	strat, _ := strategies.FindOne(context.Background(), "s1")
	outcome, err := r.ReviewOne(context.Background(), strat)
	require.NoError(t, err)
	assert.Nil(t, outcome, "fewer than 10 trades skips the review")
}

func TestReviewEscalationScenario(t *testing.T) {
	// Persistent losses: sharpe deeply negative, drawdown past -40%.
	strategies, trades, backtests, reviews := newMemStrategies(), newMemTrades(), newMemBacktests(), newMemReviews()
	seedStrategy(strategies, "s1", "momentum", true)
	losses := make([]float64, 25)
	for i := range losses {
		losses[i] = -3.0 // steady -3% per trade
	}
	seedTrades(trades, "s1", losses, time.Now().UTC().AddDate(0, 0, -28))

	r := newReviewer(strategies, trades, backtests, reviews)
	strat, _ := strategies.FindOne(context.Background(), "s1")
	outcome, err := r.ReviewOne(context.Background(), strat)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.Equal(t, GradeD, outcome.Grade)
	assert.Equal(t, DecisionPause, outcome.Decision)
	assert.InDelta(t, 0.95, outcome.Confidence, 1e-9)
	assert.NotEmpty(t, outcome.Weaknesses)

	// The decision executes: the strategy is paused and inactive.
	require.NoError(t, r.executeDecision(context.Background(), strat, outcome))
	updated, _ := strategies.FindOne(context.Background(), "s1")
	assert.Equal(t, model.StrategyStatusPaused, updated.Status)
	assert.False(t, updated.IsActive)

	// The review row is appended.
	rev, err := reviews.LatestByStrategy(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, DecisionPause, rev.Decision)
}

func TestConfidenceReductions(t *testing.T) {
	r := newReviewer(newMemStrategies(), newMemTrades(), newMemBacktests(), newMemReviews())
	assert.InDelta(t, 0.95, r.confidence(&Performance{TotalTrades: 30}), 1e-9)
	assert.InDelta(t, 0.95*0.8, r.confidence(&Performance{TotalTrades: 15}), 1e-9)
	assert.InDelta(t, 0.95*0.7, r.confidence(&Performance{TotalTrades: 30, InactiveDays: 20}), 1e-9)
	assert.InDelta(t, 0.95*0.8*0.7, r.confidence(&Performance{TotalTrades: 15, InactiveDays: 20}), 1e-9)
}

func TestDecisionTable(t *testing.T) {
	r := newReviewer(newMemStrategies(), newMemTrades(), newMemBacktests(), newMemReviews())
	cases := []struct {
		grade string
		perf  Performance
		want  string
	}{
		{GradeAPlus, Performance{Degradation: 0.05}, DecisionIncAlloc},
		{GradeAPlus, Performance{Degradation: 0.15}, DecisionKeep},
		{GradeA, Performance{Degradation: 0.25}, DecisionOptimize},
		{GradeA, Performance{Degradation: 0.10}, DecisionKeep},
		{GradeB, Performance{Degradation: 0.35}, DecisionModify},
		{GradeB, Performance{Degradation: 0.10, InactiveDays: 9}, DecisionOptimize},
		{GradeB, Performance{Degradation: 0.10}, DecisionDecAlloc},
		{GradeC, Performance{Degradation: 0.55}, DecisionReplace},
		{GradeC, Performance{MaxDrawdown: -0.35}, DecisionPause},
		{GradeC, Performance{}, DecisionModify},
		{GradeD, Performance{Sharpe: -0.6}, DecisionPause},
		{GradeD, Performance{MaxDrawdown: -0.45}, DecisionPause},
		{GradeD, Performance{Sharpe: 0.1, MaxDrawdown: -0.2}, DecisionReplace},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, r.decide(tc.grade, &tc.perf), "grade=%s perf=%+v", tc.grade, tc.perf)
	}
}

func TestDegradationAgainstBacktest(t *testing.T) {
	strategies, trades, backtests, reviews := newMemStrategies(), newMemTrades(), newMemBacktests(), newMemReviews()
	metrics, _ := json.Marshal(map[string]any{"sharpe": 2.0})
	_ = backtests.Insert(context.Background(), &model.BacktestResults{
		Id: "bt1", StrategyId: "s1", Metrics: metrics, CreatedAt: time.Now().UTC(),
	})
	r := newReviewer(strategies, trades, backtests, reviews)
	// Live sharpe 1.0 vs backtest 2.0 -> degradation 0.5.
	assert.InDelta(t, 0.5, r.degradation(context.Background(), "s1", 1.0), 1e-9)
	// No backtest on record -> zero.
	assert.Zero(t, r.degradation(context.Background(), "missing", 1.0))
}

func TestReplacementSwapLinksRecords(t *testing.T) {
	strategies, trades, backtests, reviews := newMemStrategies(), newMemTrades(), newMemBacktests(), newMemReviews()
	seedStrategy(strategies, "old", "momentum", true)
	seedStrategy(strategies, "new", "momentum", false)
	r := newReviewer(strategies, trades, backtests, reviews)

	old, _ := strategies.FindOne(context.Background(), "old")
	require.NoError(t, r.swap(context.Background(), old, "new"))

	oldRow, _ := strategies.FindOne(context.Background(), "old")
	assert.Equal(t, model.StrategyStatusReplaced, oldRow.Status)
	assert.False(t, oldRow.IsActive)
	assert.Contains(t, string(oldRow.Metadata), `"replaced_by":"new"`)

	newRow, _ := strategies.FindOne(context.Background(), "new")
	assert.Equal(t, model.StrategyStatusActive, newRow.Status)
	assert.True(t, newRow.IsActive)
	assert.Contains(t, string(newRow.Metadata), `"replaces":"old"`)
	assert.Equal(t, old.Allocation, newRow.Allocation)
}

func TestParamAdjustmentHeuristics(t *testing.T) {
	r := newReviewer(newMemStrategies(), newMemTrades(), newMemBacktests(), newMemReviews())

	adj := r.paramAdjustments(&Performance{WinRate: 0.40})
	assert.Equal(t, 1.15, adj["entry_threshold_factor"], "low win rate tightens entries")

	adj = r.paramAdjustments(&Performance{WinRate: 0.55, InactiveDays: 9})
	assert.Equal(t, 0.9, adj["entry_threshold_factor"], "low activity loosens entries")

	adj = r.paramAdjustments(&Performance{WinRate: 0.55, RegimePnl: map[string]float64{"volatile": -120}})
	assert.Equal(t, 1.2, adj["vol_threshold_factor"])

	assert.Nil(t, r.paramAdjustments(&Performance{WinRate: 0.55}))
}
