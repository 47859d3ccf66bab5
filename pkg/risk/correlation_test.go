package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func correlatedMarket() *fakeMarket {
	base := []float64{0.01, -0.02, 0.015, 0.005, -0.01, 0.02, -0.005, 0.01, -0.015, 0.008}
	inverse := make([]float64, len(base))
	for i, r := range base {
		inverse[i] = -r
	}
	noise := []float64{0.002, 0.001, -0.003, 0.004, -0.001, 0.0, 0.002, -0.002, 0.001, -0.001}
	return &fakeMarket{returns: map[string][]float64{
		"BTC/USDT": base,
		"WBTC/USD": base, // perfectly correlated
		"SHORT":    inverse,
		"NOISE":    noise,
	}}
}

func TestCorrelationTrackerUpdate(t *testing.T) {
	tr := NewCorrelationTracker(correlatedMarket(), 30)
	require.NoError(t, tr.Update(context.Background(), []string{"BTC/USDT", "WBTC/USD", "SHORT"}))

	snap := tr.Current()
	rho, ok := snap.Correlation("BTC/USDT", "WBTC/USD")
	require.True(t, ok)
	assert.InDelta(t, 1.0, rho, 1e-9)

	rho, ok = snap.Correlation("BTC/USDT", "SHORT")
	require.True(t, ok)
	assert.InDelta(t, -1.0, rho, 1e-9)

	_, ok = snap.Correlation("BTC/USDT", "UNKNOWN")
	assert.False(t, ok)
	assert.False(t, snap.Stale())
}

func TestCorrelationMetricsAndClusters(t *testing.T) {
	tr := NewCorrelationTracker(correlatedMarket(), 30)
	require.NoError(t, tr.Update(context.Background(), []string{"BTC/USDT", "WBTC/USD", "NOISE"}))

	m := tr.Current().Metrics()
	assert.Greater(t, m.AvgCorrelation, 0.0)
	assert.Greater(t, m.EffectiveAssets, 1.0)
	assert.LessOrEqual(t, m.EffectiveAssets, 3.0)
	assert.GreaterOrEqual(t, m.RiskScore, 0.0)
	assert.LessOrEqual(t, m.RiskScore, 100.0)

	// BTC and WBTC cluster above the 0.7 threshold; NOISE stays out.
	require.Len(t, m.Clusters, 1)
	assert.Equal(t, []string{"BTC/USDT", "WBTC/USD"}, m.Clusters[0])
}

func TestCorrelationUpdateFailureKeepsPrevious(t *testing.T) {
	market := correlatedMarket()
	tr := NewCorrelationTracker(market, 30)
	require.NoError(t, tr.Update(context.Background(), []string{"BTC/USDT", "WBTC/USD"}))

	// A symbol with no history fails the refresh; prior snapshot survives,
	// flagged stale. No synthetic data is substituted.
	market.returns["EMPTY"] = []float64{}
	err := tr.Update(context.Background(), []string{"BTC/USDT", "EMPTY"})
	require.Error(t, err)

	snap := tr.Current()
	assert.True(t, snap.Stale())
	rho, ok := snap.Correlation("BTC/USDT", "WBTC/USD")
	require.True(t, ok)
	assert.InDelta(t, 1.0, rho, 1e-9)
}

func TestEmptySnapshotMetrics(t *testing.T) {
	tr := NewCorrelationTracker(correlatedMarket(), 30)
	m := tr.Current().Metrics()
	assert.Zero(t, m.AvgCorrelation)
	assert.Equal(t, 1.0, m.DiversificationRatio)
}
