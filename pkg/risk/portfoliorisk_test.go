package risk

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSnapshotBasics(t *testing.T) {
	portfolio := &fakePortfolio{
		balance: 40000, value: 100000, peak: 110000,
		positions: []Position{
			{Symbol: "BTC/USDT", ValueUSD: 40000, Volatility: 0.02, AvgVolumeUSD: 50_000_000},
			{Symbol: "ETH/USDT", ValueUSD: 20000, Volatility: 0.03, AvgVolumeUSD: 20_000_000},
		},
	}
	corr := fakeCorrelation{{"BTC/USDT", "ETH/USDT"}: 0.8}
	c := NewPortfolioRiskController(testRiskConfig(), portfolio, corr, nil, nil, nil)
	c.now = middayUTC

	snap, err := c.ComputeSnapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 60000.0, snap.Exposure)
	assert.InDelta(t, 0.6, snap.Leverage, 1e-9)

	// dollarVol = 40000*0.02 + 20000*0.03 = 1400; var_1d = 1.645*1400.
	assert.InDelta(t, 1.645*1400, snap.Var1d, 1e-6)
	assert.InDelta(t, snap.Var1d*math.Sqrt(5), snap.Var5d, 1e-6)
	assert.InDelta(t, 1.3*snap.Var1d, snap.ExpectedShortfall, 1e-6)

	// weights 2/3 and 1/3 -> HHI = 4/9 + 1/9 = 5/9.
	assert.InDelta(t, 5.0/9.0, snap.HHI, 1e-9)
	// corr risk = 0.8 * (2/3)*(1/3).
	assert.InDelta(t, 0.8*2.0/9.0, snap.CorrelationRisk, 1e-9)

	// drawdown = (110000-100000)/110000.
	assert.InDelta(t, 1.0/11.0, snap.CurrentDrawdown, 1e-9)
	assert.Contains(t, []string{"low", "medium", "high", "critical"}, snap.Level)
}

func TestSnapshotDrawdownNeverNegative(t *testing.T) {
	portfolio := &fakePortfolio{balance: 10, value: 120000, peak: 100000}
	c := NewPortfolioRiskController(testRiskConfig(), portfolio, nil, nil, nil, nil)
	c.now = middayUTC
	snap, err := c.ComputeSnapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.CurrentDrawdown)
	// Peak advanced by the CAS.
	assert.Equal(t, 120000.0, portfolio.peak)
}

func TestCheckAndAlertBreaches(t *testing.T) {
	portfolio := &fakePortfolio{balance: 10, value: 100000, peak: 100000}
	c := NewPortfolioRiskController(testRiskConfig(), portfolio, nil, nil, nil, nil)
	c.now = middayUTC

	positions := []Position{
		{Symbol: "BTC/USDT", ValueUSD: 50000, Volatility: 0.02, AvgVolumeUSD: 100},
	}
	snap := &Snapshot{
		PortfolioValue:  100000,
		Exposure:        50000,
		Var1d:           6000, // 6% > 5% limit
		CurrentDrawdown: 0.25, // 25% > 20% limit
		HHI:             0.8,
		IlliquidPct:     100,
		CorrelationRisk: 0.5,
	}
	alerts := c.CheckAndAlert(context.Background(), snap, positions)
	types := make(map[string]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types["single_position"]) // 100% of exposure > 20%
	assert.True(t, types["var"])
	assert.True(t, types["drawdown"])
	assert.True(t, types["hhi"])
	assert.True(t, types["liquidity"])
	assert.True(t, types["correlation"])
}

func TestPersistPublishesPortfolioUpdate(t *testing.T) {
	bus := &recordingBus{}
	c := NewPortfolioRiskController(testRiskConfig(), &fakePortfolio{}, nil, nil, nil, bus)
	c.now = middayUTC
	snap := &Snapshot{Ts: middayUTC(), PortfolioValue: 100000, Score: 33, Level: "medium"}
	require.NoError(t, c.Persist(context.Background(), snap))
	assert.Len(t, bus.byKey("portfolio.risk.update"), 1)
}

func TestRiskScoreLevelMapping(t *testing.T) {
	assert.Equal(t, "low", scoreLevel(10))
	assert.Equal(t, "medium", scoreLevel(25))
	assert.Equal(t, "high", scoreLevel(60))
	assert.Equal(t, "critical", scoreLevel(80))
}
