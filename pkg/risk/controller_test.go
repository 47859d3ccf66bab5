package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSentiment struct{ value float64 }

func (f fakeSentiment) FearGreed(context.Context) (float64, error) { return f.value, nil }

type recordingAdjuster struct {
	closed  []string
	reduced map[string]float64
}

func newRecordingAdjuster() *recordingAdjuster {
	return &recordingAdjuster{reduced: make(map[string]float64)}
}

func (a *recordingAdjuster) ClosePosition(_ context.Context, id string) error {
	a.closed = append(a.closed, id)
	return nil
}

func (a *recordingAdjuster) ReducePosition(_ context.Context, id string, fraction float64) error {
	a.reduced[id] = fraction
	return nil
}

func newController(portfolio *fakePortfolio, market *fakeMarket, sentiment SentimentIndex, adjuster PositionAdjuster) *Controller {
	c := NewController(testRiskConfig(), portfolio, market, NewCorrelationTracker(market, 30), nil, sentiment, adjuster)
	c.now = middayUTC
	return c
}

func TestDrawdownBucketsRightClosed(t *testing.T) {
	cases := []struct {
		pv    float64
		level CircuitBreakerLevel
	}{
		{100000, BreakerNone},
		{95000, BreakerWarning}, // exactly 5%
		{90000, BreakerLevel1},  // exactly 10%
		{85000, BreakerLevel2},  // exactly 15%
		{80000, BreakerLevel3},  // exactly 20%
	}
	for _, tc := range cases {
		portfolio := &fakePortfolio{value: tc.pv, peak: 100000}
		c := newController(portfolio, &fakeMarket{}, nil, nil)
		dd, err := c.RefreshDrawdown(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tc.level, dd.Level, "pv=%v", tc.pv)
	}
}

func TestCircuitBreakerScenario(t *testing.T) {
	// Peak 200k, pv 170k -> 15% drawdown -> level_2, positions blocked.
	portfolio := &fakePortfolio{value: 170000, peak: 200000, balance: 170000}
	c := newController(portfolio, &fakeMarket{}, nil, nil)

	res := c.ApproveNewPosition(context.Background(), "BTC/USDT", "s1", 0.9, 5000, 30000, nil)
	assert.False(t, res.Approved)
	assert.Equal(t, 0.0, res.PositionSizeAdjustment)
	require.NotEmpty(t, res.Rejections)
	assert.Equal(t, "Circuit breaker level_2 active", res.Rejections[0])
	// Stop-loss params still supplied on rejection.
	assert.Greater(t, res.StopLossParams.InitialStopPct, 0.0)
}

func TestApproveHealthyPortfolio(t *testing.T) {
	portfolio := &fakePortfolio{value: 100000, peak: 100000, balance: 100000}
	c := newController(portfolio, &fakeMarket{}, nil, nil)
	res := c.ApproveNewPosition(context.Background(), "BTC/USDT", "s1", 0.9, 5000, 30000, nil)
	assert.True(t, res.Approved, "rejections: %v", res.Rejections)
	assert.Equal(t, 1.0, res.PositionSizeAdjustment)
	assert.Equal(t, 5000.0, res.AdjustedSizeUSD)
}

func TestWarningLevelScalesSize(t *testing.T) {
	portfolio := &fakePortfolio{value: 94000, peak: 100000, balance: 94000}
	c := newController(portfolio, &fakeMarket{}, nil, nil)
	res := c.ApproveNewPosition(context.Background(), "BTC/USDT", "s1", 0.9, 5000, 30000, nil)
	assert.True(t, res.Approved)
	assert.InDelta(t, 0.75, res.PositionSizeAdjustment, 1e-9)
}

func TestHighVolRegimeScalesSize(t *testing.T) {
	portfolio := &fakePortfolio{value: 100000, peak: 100000, balance: 100000}
	market := &fakeMarket{vol: map[string]float64{"DOGE/USDT": 0.07}}
	c := newController(portfolio, market, nil, nil)
	res := c.ApproveNewPosition(context.Background(), "DOGE/USDT", "s1", 0.9, 5000, 0.1, nil)
	assert.True(t, res.Approved)
	assert.InDelta(t, 0.5, res.PositionSizeAdjustment, 1e-9)
}

func TestCrisisRegimeFromFearGreed(t *testing.T) {
	portfolio := &fakePortfolio{value: 100000, peak: 100000, balance: 100000}
	c := newController(portfolio, &fakeMarket{}, fakeSentiment{value: 10}, nil)
	regime := c.DetermineRegime(context.Background(), "BTC/USDT")
	assert.Equal(t, RegimeCrisis, regime)

	// Crisis factor 0.25 still clears the 0.1 floor.
	res := c.ApproveNewPosition(context.Background(), "BTC/USDT", "s1", 0.9, 4000, 30000, nil)
	assert.True(t, res.Approved)
	assert.InDelta(t, 0.25, res.PositionSizeAdjustment, 1e-9)
}

func TestMultiplierFloorRejects(t *testing.T) {
	// Warning breaker (0.75) * extreme regime (0.25) * leverage guard (0.5)
	// = 0.094 < 0.1 -> rejected.
	portfolio := &fakePortfolio{
		value: 91000, peak: 100000, balance: 91000, // 9% -> warning
		positions: []Position{{ID: "p1", Symbol: "BTC/USDT", ValueUSD: 250000, Volatility: 0.01}},
	}
	market := &fakeMarket{vol: map[string]float64{"PEPE/USDT": 0.2}} // extreme
	c := newController(portfolio, market, nil, nil)
	res := c.ApproveNewPosition(context.Background(), "PEPE/USDT", "s1", 0.9, 1000, 0.001, nil)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Rejections[0], "multiplier")
}

func TestAdjustLevel3ClosesAll(t *testing.T) {
	adjuster := newRecordingAdjuster()
	portfolio := &fakePortfolio{
		value: 75000, peak: 100000, balance: 75000,
		positions: []Position{
			{ID: "p1", Symbol: "BTC/USDT", ValueUSD: 30000, Volatility: 0.02, CurrentPrice: 30000},
			{ID: "p2", Symbol: "ETH/USDT", ValueUSD: 20000, Volatility: 0.02, CurrentPrice: 2000},
		},
	}
	c := newController(portfolio, &fakeMarket{}, nil, adjuster)
	require.NoError(t, c.AdjustExistingPositions(context.Background()))
	assert.ElementsMatch(t, []string{"p1", "p2"}, adjuster.closed)
}

func TestAdjustCrisisReducesHalf(t *testing.T) {
	adjuster := newRecordingAdjuster()
	portfolio := &fakePortfolio{
		value: 100000, peak: 100000, balance: 100000,
		positions: []Position{{ID: "p1", Symbol: "BTC/USDT", ValueUSD: 30000, Volatility: 0.01, CurrentPrice: 30000}},
	}
	c := newController(portfolio, &fakeMarket{}, fakeSentiment{value: 5}, adjuster)
	require.NoError(t, c.AdjustExistingPositions(context.Background()))
	assert.Equal(t, 0.5, adjuster.reduced["p1"])
}

func TestAdjustVarOvershootReduces30(t *testing.T) {
	adjuster := newRecordingAdjuster()
	// dollarVol = 100000*0.08 = 8000 -> var1d = 13160 > 1.2*5000
	portfolio := &fakePortfolio{
		value: 100000, peak: 100000, balance: 100000,
		positions: []Position{{ID: "p1", Symbol: "BTC/USDT", ValueUSD: 100000, Volatility: 0.08, CurrentPrice: 30000}},
	}
	market := &fakeMarket{vol: map[string]float64{"BTC/USDT": 0.02}}
	c := newController(portfolio, market, nil, adjuster)
	require.NoError(t, c.AdjustExistingPositions(context.Background()))
	assert.Equal(t, 0.3, adjuster.reduced["p1"])
}

func TestPeakIsMonotone(t *testing.T) {
	portfolio := &fakePortfolio{value: 120000, peak: 100000}
	c := newController(portfolio, &fakeMarket{}, nil, nil)
	_, err := c.RefreshDrawdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120000.0, portfolio.peak)

	portfolio.value = 90000
	_, err = c.RefreshDrawdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120000.0, portfolio.peak, "peak never decreases")
}
