package risk

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastertrade-core/pkg/fabric"
)

func newStopManager(bus fabric.Bus) *StopLossManager {
	m := NewStopLossManager(testRiskConfig(), nil, bus)
	m.now = middayUTC
	return m
}

func TestTrailingStopScenario(t *testing.T) {
	bus := &recordingBus{}
	m := newStopManager(bus)
	ctx := context.Background()

	o, err := m.CreateStop(ctx, "pos-1", "BTC/USDT", "long", StopTrailing, 100, 1, 0.02, StopConfig{
		InitialStopPct:       3,
		TrailingDistPct:      2,
		MinProfitBeforeTrail: 1,
	})
	require.NoError(t, err)
	assert.InDelta(t, 97.0, o.StopPrice, 1e-9)

	// 100: nothing moves.
	require.Empty(t, m.OnPriceTick(ctx, "BTC/USDT", 100, 0.02))
	assert.InDelta(t, 97.0, o.StopPrice, 1e-9)

	// 101.2: 1.2% profit activates the trail -> 101.2*0.98 = 99.176.
	require.Empty(t, m.OnPriceTick(ctx, "BTC/USDT", 101.2, 0.02))
	assert.InDelta(t, 99.176, o.StopPrice, 1e-9)

	// 99.5: stop holds (never widens).
	require.Empty(t, m.OnPriceTick(ctx, "BTC/USDT", 99.5, 0.02))
	assert.InDelta(t, 99.176, o.StopPrice, 1e-9)

	// 99.1 <= 99.176: trigger.
	triggered := m.OnPriceTick(ctx, "BTC/USDT", 99.1, 0.02)
	require.Len(t, triggered, 1)
	assert.Equal(t, "triggered", triggered[0].Status)
	assert.Zero(t, m.ActiveCount())

	msgs := bus.byKey(fabric.KeyStopLossTrigger)
	require.Len(t, msgs, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Body, &payload))
	assert.Equal(t, "stop_loss_triggered", payload["reason"])
	assert.Equal(t, "market_sell", payload["order_type"])
	assert.Equal(t, "pos-1", payload["position_id"])
}

func TestStopMonotonicityAcrossTicks(t *testing.T) {
	m := newStopManager(&recordingBus{})
	ctx := context.Background()
	o, err := m.CreateStop(ctx, "pos-2", "ETH/USDT", "long", StopTrailing, 2000, 1, 0.02, StopConfig{
		InitialStopPct: 3, TrailingDistPct: 2, MinProfitBeforeTrail: 1,
	})
	require.NoError(t, err)

	prices := []float64{2000, 2040, 2100, 2080, 2060, 2120, 2090}
	last := o.StopPrice
	for _, p := range prices {
		m.OnPriceTick(ctx, "ETH/USDT", p, 0.02)
		assert.GreaterOrEqual(t, o.StopPrice, last, "stop widened at price %v", p)
		if o.Status == "active" {
			assert.LessOrEqual(t, o.StopPrice, o.CurrentPrice, "stop above price at %v", p)
		}
		last = o.StopPrice
	}
}

func TestBreakevenProtection(t *testing.T) {
	m := newStopManager(&recordingBus{})
	ctx := context.Background()
	o, err := m.CreateStop(ctx, "pos-3", "BTC/USDT", "long", StopFixed, 100, 1, 0.02, StopConfig{InitialStopPct: 5})
	require.NoError(t, err)
	assert.InDelta(t, 95.0, o.StopPrice, 1e-9)

	// 2.5% profit pulls the stop to breakeven + 0.1%.
	m.OnPriceTick(ctx, "BTC/USDT", 102.5, 0.02)
	assert.InDelta(t, 100.1, o.StopPrice, 1e-9)
}

func TestVolatilitySpikeBuffer(t *testing.T) {
	m := newStopManager(&recordingBus{})
	ctx := context.Background()
	o, err := m.CreateStop(ctx, "pos-4", "SOL/USDT", "long", StopFixed, 100, 1, 0.02, StopConfig{InitialStopPct: 3})
	require.NoError(t, err)

	// sigma 0.09 > 1.5*0.05: trigger line moves 0.5% below the stop.
	// Stop 97: buffered trigger at 96.515. 96.8 must NOT trigger.
	triggered := m.OnPriceTick(ctx, "SOL/USDT", 96.8, 0.09)
	assert.Empty(t, triggered)
	assert.Equal(t, "active", o.Status)

	triggered = m.OnPriceTick(ctx, "SOL/USDT", 96.4, 0.09)
	assert.Len(t, triggered, 1)
}

func TestShortStopMirrorsLong(t *testing.T) {
	m := newStopManager(&recordingBus{})
	ctx := context.Background()
	o, err := m.CreateStop(ctx, "pos-5", "BTC/USDT", "short", StopTrailing, 100, 1, 0.02, StopConfig{
		InitialStopPct: 3, TrailingDistPct: 2, MinProfitBeforeTrail: 1,
	})
	require.NoError(t, err)
	assert.InDelta(t, 103.0, o.StopPrice, 1e-9)

	// Price falls 2%: trail activates, stop ratchets down to 98*1.02 = 99.96.
	m.OnPriceTick(ctx, "BTC/USDT", 98, 0.02)
	assert.InDelta(t, 99.96, o.StopPrice, 1e-9)

	// Price recovery cannot widen the stop.
	m.OnPriceTick(ctx, "BTC/USDT", 99.0, 0.02)
	assert.InDelta(t, 99.96, o.StopPrice, 1e-9)

	// Cross above: trigger, publishing a market buy.
	triggered := m.OnPriceTick(ctx, "BTC/USDT", 100.1, 0.02)
	require.Len(t, triggered, 1)
}

func TestVolatilityStopType(t *testing.T) {
	m := newStopManager(&recordingBus{})
	o, err := m.CreateStop(context.Background(), "pos-6", "BTC/USDT", "long", StopVolatility, 100, 1, 0.03, StopConfig{VolMultiplier: 2})
	require.NoError(t, err)
	// 0.03*2*100 = 6% -> stop 94.
	assert.InDelta(t, 94.0, o.StopPrice, 1e-9)
}

func TestATRStopType(t *testing.T) {
	m := newStopManager(&recordingBus{})
	o, err := m.CreateStop(context.Background(), "pos-7", "BTC/USDT", "long", StopATR, 100, 1, 0.02, StopConfig{ATR: 2, ATRMultiplier: 1.5})
	require.NoError(t, err)
	// 2/100*1.5*100 = 3% -> 97.
	assert.InDelta(t, 97.0, o.StopPrice, 1e-9)
}

func TestSRStopType(t *testing.T) {
	m := newStopManager(&recordingBus{})
	o, err := m.CreateStop(context.Background(), "pos-8", "BTC/USDT", "long", StopSR, 100, 1, 0.02, StopConfig{
		SupportLevels:    []float64{90, 96, 104},
		SupportBufferPct: 1,
	})
	require.NoError(t, err)
	// Nearest support below 100 is 96; with 1% buffer -> 95.04 -> 4.96%.
	assert.InDelta(t, 95.04, o.StopPrice, 1e-6)
}

func TestCancelAndModify(t *testing.T) {
	m := newStopManager(&recordingBus{})
	ctx := context.Background()
	o, err := m.CreateStop(ctx, "pos-9", "BTC/USDT", "long", StopFixed, 100, 1, 0.02, StopConfig{InitialStopPct: 3})
	require.NoError(t, err)

	require.NoError(t, m.Modify(ctx, o.ID, StopConfig{InitialStopPct: 3, TrailingDistPct: 1.5}))
	assert.Equal(t, 1.5, o.Config.TrailingDistPct)
	assert.Equal(t, "active", o.Status)

	require.NoError(t, m.Cancel(ctx, o.ID))
	assert.Zero(t, m.ActiveCount())
	assert.Error(t, m.Cancel(ctx, o.ID))
}

func TestTimeDecayTightensStaleLosers(t *testing.T) {
	m := newStopManager(&recordingBus{})
	ctx := context.Background()
	o, err := m.CreateStop(ctx, "pos-10", "BTC/USDT", "long", StopFixed, 100, 1, 0.02, StopConfig{
		InitialStopPct: 5, TimeDecayEnabled: true,
	})
	require.NoError(t, err)
	// Age the position two days, still under water.
	o.CreatedAt = middayUTC().Add(-48 * time.Hour)
	m.OnPriceTick(ctx, "BTC/USDT", 99, 0.02)
	// Tightened by 0.1%/day * 2 days over the 95 base.
	assert.InDelta(t, 95*1.002, o.StopPrice, 1e-6)
}
