package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastertrade-core/internal/model"
)

func newActivation(strategies *memStrategies, settings *memSettings) *ActivationManager {
	a := NewActivationManager(testLifecycleConfig(), strategies, newMemTrades(), newMemBacktests(), settings, noSentiment{})
	a.now = func() time.Time { return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) }
	return a
}

func fixedScores(scores []CandidateScore) func(context.Context) ([]CandidateScore, error) {
	return func(context.Context) ([]CandidateScore, error) {
		out := make([]CandidateScore, len(scores))
		copy(out, scores)
		return out, nil
	}
}

func TestActivationSwapScenario(t *testing.T) {
	// Current {A,B} with 5.2 and 4.1; candidates add C=6.0, D=4.5.
	// Expected: deactivate B, activate C; active set {A,C}.
	strategies := newMemStrategies()
	seedStrategy(strategies, "A", "momentum", true)
	seedStrategy(strategies, "B", "momentum", true)
	seedStrategy(strategies, "C", "breakout", false)
	seedStrategy(strategies, "D", "breakout", false)
	settings := newMemSettings()

	a := newActivation(strategies, settings)
	a.scoreFn = fixedScores([]CandidateScore{
		{StrategyID: "A", Overall: 5.2, Suitable: true, Active: true},
		{StrategyID: "B", Overall: 4.1, Suitable: true, Active: true},
		{StrategyID: "C", Overall: 6.0, Suitable: true},
		{StrategyID: "D", Overall: 4.5, Suitable: true},
	})

	change, err := a.CheckAndUpdate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, []string{"C"}, change.Activated)
	assert.Equal(t, []string{"B"}, change.Deactivated)
	assert.Equal(t, "automatic_optimization", change.Reason)

	rowA, _ := strategies.FindOne(context.Background(), "A")
	assert.True(t, rowA.IsActive)
	rowB, _ := strategies.FindOne(context.Background(), "B")
	assert.False(t, rowB.IsActive)
	assert.Equal(t, model.StrategyStatusInactive, rowB.Status)
	assert.Contains(t, string(rowB.Metadata), "auto_deactivated")
	rowC, _ := strategies.FindOne(context.Background(), "C")
	assert.True(t, rowC.IsActive)
	assert.Equal(t, model.StrategyStatusActive, rowC.Status)

	assert.LessOrEqual(t, strategies.activeCount(), 2)
}

func TestActivationRespectsMaxActiveSetting(t *testing.T) {
	strategies := newMemStrategies()
	for _, id := range []string{"A", "B", "C", "D"} {
		seedStrategy(strategies, id, "momentum", false)
	}
	settings := newMemSettings()
	require.NoError(t, settings.Set(context.Background(), SettingMaxActiveStrategies, "3"))

	a := newActivation(strategies, settings)
	a.scoreFn = fixedScores([]CandidateScore{
		{StrategyID: "A", Overall: 9, Suitable: true},
		{StrategyID: "B", Overall: 8, Suitable: true},
		{StrategyID: "C", Overall: 7, Suitable: true},
		{StrategyID: "D", Overall: 6, Suitable: true},
	})
	change, err := a.CheckAndUpdate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, []string{"A", "B", "C"}, change.Activated)
	assert.Equal(t, 3, strategies.activeCount())
}

func TestActivationDefaultPersistedOnMiss(t *testing.T) {
	strategies := newMemStrategies()
	settings := newMemSettings()
	a := newActivation(strategies, settings)
	a.scoreFn = fixedScores(nil)

	_, err := a.CheckAndUpdate(context.Background())
	require.NoError(t, err)
	v, err := settings.Get(context.Background(), SettingMaxActiveStrategies)
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestStabilityWindowBlocksChurn(t *testing.T) {
	strategies := newMemStrategies()
	seedStrategy(strategies, "A", "momentum", false)
	settings := newMemSettings()
	a := newActivation(strategies, settings)
	a.scoreFn = fixedScores([]CandidateScore{{StrategyID: "A", Overall: 9, Suitable: true}})

	first, err := a.CheckAndUpdate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)

	// Second check inside the 4h window is a no-op.
	second, err := a.CheckAndUpdate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestUnsuitableCandidatesNeverActivate(t *testing.T) {
	strategies := newMemStrategies()
	seedStrategy(strategies, "A", "momentum", false)
	seedStrategy(strategies, "B", "momentum", false)
	settings := newMemSettings()
	a := newActivation(strategies, settings)
	a.scoreFn = fixedScores([]CandidateScore{
		{StrategyID: "A", Overall: 9.5, Suitable: false}, // high score, inadmissible
		{StrategyID: "B", Overall: 3.0, Suitable: true},
	})
	change, err := a.CheckAndUpdate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, []string{"B"}, change.Activated)
}

func TestSuitabilityGates(t *testing.T) {
	strategies := newMemStrategies()
	trades := newMemTrades()
	backtests := newMemBacktests()
	a := NewActivationManager(testLifecycleConfig(), strategies, trades, backtests, newMemSettings(), noSentiment{})
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	seedStrategy(strategies, "S", "momentum", false)
	// Alternating profitable pattern: decent sharpe, enough trades, recent.
	pnls := []float64{2, -0.5, 1.5, -0.4, 2.2, -0.3, 1.8, -0.2, 2.1, 1.0}
	seedTrades(trades, "S", pnls, now.AddDate(0, 0, -12))

	strat, _ := strategies.FindOne(context.Background(), "S")
	score := a.evaluate(context.Background(), strat)
	assert.Greater(t, score.Overall, 0.0)
	assert.True(t, score.Suitable, "score=%+v", score)

	// Stale strategies are inadmissible.
	strategies2 := newMemStrategies()
	trades2 := newMemTrades()
	seedStrategy(strategies2, "S2", "momentum", false)
	seedTrades(trades2, "S2", pnls, now.AddDate(0, 0, -29))
	a2 := NewActivationManager(testLifecycleConfig(), strategies2, trades2, backtests, newMemSettings(), noSentiment{})
	a2.now = a.now
	strat2, _ := strategies2.FindOne(context.Background(), "S2")
	score2 := a2.evaluate(context.Background(), strat2)
	assert.False(t, score2.Suitable)
}
