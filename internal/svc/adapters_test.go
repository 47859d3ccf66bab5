package svc

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/marketdata"
)

type memSettings struct {
	mu   sync.Mutex
	vals map[string]string
}

func newMemSettings() *memSettings { return &memSettings{vals: make(map[string]string)} }

func (m *memSettings) Get(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[name]
	if !ok {
		return "", model.ErrNotFound
	}
	return v, nil
}

func (m *memSettings) Set(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[name] = value
	return nil
}

func (m *memSettings) GetInt(_ context.Context, _ string, def int) (int, error) { return def, nil }

type memPositions struct {
	rows []model.Positions
}

func (m *memPositions) Insert(context.Context, *model.Positions) error { return nil }

func (m *memPositions) FindOne(context.Context, string) (*model.Positions, error) {
	return nil, model.ErrNotFound
}

func (m *memPositions) Open(context.Context) ([]model.Positions, error) {
	return append([]model.Positions(nil), m.rows...), nil
}

func (m *memPositions) OpenBySymbol(context.Context, string) ([]model.Positions, error) {
	return nil, nil
}

func (m *memPositions) UpdateQuantity(context.Context, string, float64) error { return nil }
func (m *memPositions) MarkPrice(context.Context, string, float64, float64) error {
	return nil
}
func (m *memPositions) Close(context.Context, string, time.Time) (bool, error) { return false, nil }

func TestPortfolioAdapterPeakCAS(t *testing.T) {
	settings := newMemSettings()
	p := NewPortfolioAdapter(&memPositions{}, settings, nil)
	ctx := context.Background()

	require.NoError(t, p.RecordPeak(ctx, 100000))
	peak, err := p.PeakValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100000.0, peak)

	// Lower values never move the peak.
	require.NoError(t, p.RecordPeak(ctx, 90000))
	peak, _ = p.PeakValue(ctx)
	assert.Equal(t, 100000.0, peak)

	require.NoError(t, p.RecordPeak(ctx, 120000))
	peak, _ = p.PeakValue(ctx)
	assert.Equal(t, 120000.0, peak)
}

func TestPortfolioAdapterValueMarksPositions(t *testing.T) {
	settings := newMemSettings()
	require.NoError(t, settings.Set(context.Background(), settingAccountBalance, "50000"))
	positions := &memPositions{rows: []model.Positions{
		{
			Id: "p1", StrategyId: "s1", Symbol: "BTC/USDT", Side: "long",
			Status: "open", Quantity: 0.5, EntryPrice: 28000,
			CurrentPrice: sql.NullFloat64{Valid: true, Float64: 30000}, AssetClass: "crypto",
		},
	}}
	p := NewPortfolioAdapter(positions, settings, nil)

	pv, err := p.PortfolioValue(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 50000+0.5*30000, pv, 1e-9)

	open, err := p.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 15000.0, open[0].ValueUSD)
	assert.Equal(t, 30000.0, open[0].CurrentPrice)
}

func TestMarketStatsAdapterFromSim(t *testing.T) {
	m := NewMarketStatsAdapter(marketdata.NewSimSource(), 14)
	ctx := context.Background()

	sigma, err := m.Volatility(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Greater(t, sigma, 0.0)
	assert.Less(t, sigma, 0.5)

	vol, err := m.AvgVolumeUSD(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Greater(t, vol, 0.0)

	rets, err := m.RecentReturns(ctx, "BTC/USDT", 14)
	require.NoError(t, err)
	assert.Len(t, rets, 14)
}

