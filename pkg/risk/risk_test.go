package risk

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"mastertrade-core/pkg/fabric"
)

// Shared in-memory fakes for the risk package tests.

type fakePortfolio struct {
	mu        sync.Mutex
	balance   float64
	value     float64
	peak      float64
	positions []Position
}

func (f *fakePortfolio) AvailableBalance(context.Context) (float64, error) { return f.balance, nil }
func (f *fakePortfolio) PortfolioValue(context.Context) (float64, error)   { return f.value, nil }
func (f *fakePortfolio) OpenPositions(context.Context) ([]Position, error) {
	return append([]Position(nil), f.positions...), nil
}
func (f *fakePortfolio) PeakValue(context.Context) (float64, error) { return f.peak, nil }
func (f *fakePortfolio) RecordPeak(_ context.Context, pv float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pv > f.peak {
		f.peak = pv
	}
	return nil
}

type fakeMarket struct {
	vol     map[string]float64
	volume  map[string]float64
	returns map[string][]float64
}

func (f *fakeMarket) Volatility(_ context.Context, symbol string) (float64, error) {
	if v, ok := f.vol[symbol]; ok {
		return v, nil
	}
	return 0.02, nil
}

func (f *fakeMarket) AvgVolumeUSD(_ context.Context, symbol string) (float64, error) {
	if v, ok := f.volume[symbol]; ok {
		return v, nil
	}
	return 50_000_000, nil
}

func (f *fakeMarket) RecentReturns(_ context.Context, symbol string, _ int) ([]float64, error) {
	if r, ok := f.returns[symbol]; ok {
		return r, nil
	}
	return []float64{0.001, -0.001, 0.0005, -0.0005}, nil
}

type fakePerformance struct {
	winRate, avgWin, avgLoss float64
	active                   int
}

func (f *fakePerformance) WinStats(context.Context, string) (float64, float64, float64, error) {
	return f.winRate, f.avgWin, f.avgLoss, nil
}

func (f *fakePerformance) ActiveStrategyCount(context.Context) (int, error) {
	if f.active <= 0 {
		return 1, nil
	}
	return f.active, nil
}

type fakeCorrelation map[[2]string]float64

func (f fakeCorrelation) Correlation(a, b string) (float64, bool) {
	if v, ok := f[[2]string{a, b}]; ok {
		return v, true
	}
	if v, ok := f[[2]string{b, a}]; ok {
		return v, true
	}
	return 0, false
}

type recordingBus struct {
	mu        sync.Mutex
	published []busMsg
}

type busMsg struct {
	Exchange string
	Key      string
	Body     []byte
}

func (b *recordingBus) Publish(_ context.Context, exchange, key string, payload any, _ ...fabric.PublishOption) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, busMsg{exchange, key, body})
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) Subscribe(string, []fabric.Binding, fabric.Handler, ...fabric.SubscribeOption) error {
	return nil
}

func (b *recordingBus) Request(context.Context, string, string, any, any) error { return nil }

func (b *recordingBus) byKey(key string) []busMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busMsg
	for _, m := range b.published {
		if m.Key == key {
			out = append(out, m)
		}
	}
	return out
}

func testRiskConfig() *Config {
	cfg := &Config{
		MinAccountBalance:        1000,
		MinPositionSizeUSD:       10,
		MaxPositionSizeUSD:       50000,
		TargetRiskPct:            0.01,
		MaxPortfolioRisk:         2.0,
		HighVolThreshold:         0.05,
		DefaultVolLookbackDays:   14,
		MaxSinglePositionPct:     20,
		MaxCorrelatedExposurePct: 40,
		CryptoMaxPct:             80,
		StablecoinMaxPct:         50,
		DefiMaxPct:               30,
		MaxVarPercent:            5,
		MaxDrawdownPercent:       20,
		MaxLeverage:              3,
		MinStopLossPct:           0.5,
		MaxStopLossPct:           15,
		RiskScoreThreshold:       7,
		AdjustInterval:           time.Minute,
		RPCQueue:                 "risk_check_requests",
		RequestTTL:               30 * time.Second,
		CrisisFearGreed:          20,
	}
	return cfg
}

// middayUTC pins clocks away from the off-hours window.
func middayUTC() time.Time {
	return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
}
