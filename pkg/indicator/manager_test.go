package indicator

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/fabric"
	"mastertrade-core/pkg/marketdata"
)

// fakeBus records publishes; Subscribe and Request are inert.
type fakeBus struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	Exchange string
	Key      string
	Body     []byte
}

func (b *fakeBus) Publish(_ context.Context, exchange, key string, payload any, _ ...fabric.PublishOption) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, publishedMsg{exchange, key, body})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Subscribe(string, []fabric.Binding, fabric.Handler, ...fabric.SubscribeOption) error {
	return nil
}

func (b *fakeBus) Request(context.Context, string, string, any, any) error { return nil }

func (b *fakeBus) byKey(key string) []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMsg
	for _, m := range b.published {
		if m.Key == key {
			out = append(out, m)
		}
	}
	return out
}

// memConfigs is an in-memory IndicatorConfigsModel.
type memConfigs struct {
	mu   sync.Mutex
	rows map[string]model.IndicatorConfigs
}

func newMemConfigs() *memConfigs {
	return &memConfigs{rows: make(map[string]model.IndicatorConfigs)}
}

func (m *memConfigs) Upsert(_ context.Context, data *model.IndicatorConfigs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[data.Id]; ok && existing.UpdatedAt.After(data.UpdatedAt) {
		return nil
	}
	m.rows[data.Id] = *data
	return nil
}

func (m *memConfigs) FindOne(_ context.Context, id string) (*model.IndicatorConfigs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := row
	return &cp, nil
}

func (m *memConfigs) Delete(_ context.Context, id, strategyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.StrategyId != strategyID {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

func (m *memConfigs) AllActive(_ context.Context) ([]model.IndicatorConfigs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.IndicatorConfigs
	for _, r := range m.rows {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memConfigs) DueForCalculation(_ context.Context, olderThan time.Time) ([]model.IndicatorConfigs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.IndicatorConfigs
	for _, r := range m.rows {
		if !r.Active || !r.Continuous {
			continue
		}
		if !r.LastCalculated.Valid || r.LastCalculated.Time.Before(olderThan) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memConfigs) RecordCalculation(_ context.Context, id string, at time.Time, calcMs float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil
	}
	row.LastCalculated.Valid = true
	row.LastCalculated.Time = at
	row.AvgCalcMs = (row.AvgCalcMs*float64(row.CalcCount) + calcMs) / float64(row.CalcCount+1)
	row.CalcCount++
	row.ErrorCount = 0
	m.rows[id] = row
	return nil
}

func (m *memConfigs) RecordError(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil
	}
	row.ErrorCount++
	m.rows[id] = row
	return nil
}

// syntheticCandles produces a smooth sine-wave price series.
type syntheticCandles struct{}

func (syntheticCandles) Candles(_ context.Context, _ string, _ string, limit int) ([]marketdata.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]marketdata.Candle, limit)
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		price := 100 + 10*math.Sin(float64(i)/10)
		out[i] = marketdata.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     price,
			High:     price * 1.01,
			Low:      price * 0.99,
			Close:    price,
			Volume:   1000 + float64(i%7)*100,
		}
	}
	return out, nil
}

func newTestManager(t *testing.T) (*Manager, *memConfigs, *fakeBus) {
	t.Helper()
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	configs := newMemConfigs()
	bus := &fakeBus{}
	m := NewManager(cfg, configs, NewTalibCalculator(syntheticCandles{}), bus)
	return m, configs, bus
}

func delivery(t *testing.T, key string, body any) fabric.Delivery {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	return fabric.Delivery{Exchange: fabric.ExchangeIndicatorConfig, RoutingKey: key, Body: b}
}

func TestAddThenRemoveRoundTrip(t *testing.T) {
	m, configs, bus := newTestManager(t)
	ctx := context.Background()

	out := m.HandleRequest(ctx, delivery(t, "config.request.add", addRequest{
		Configuration: Configuration{
			ID: "cfg-1", StrategyID: "strat-1", IndicatorType: "rsi",
			Symbol: "BTC/USDT", Interval: "1h", Active: true,
			Parameters: map[string]any{"period": float64(14)},
		},
		ReplyTo: "reply.strat-1",
	}))
	assert.Equal(t, fabric.Ack, out)
	_, err := configs.FindOne(ctx, "cfg-1")
	require.NoError(t, err)

	out = m.HandleRequest(ctx, delivery(t, "config.request.remove", removeRequest{
		ConfigurationID: "cfg-1", StrategyID: "strat-1", ReplyTo: "reply.strat-1",
	}))
	assert.Equal(t, fabric.Ack, out)
	_, err = configs.FindOne(ctx, "cfg-1")
	assert.Equal(t, model.ErrNotFound, err, "store state identical to pre-add")

	replies := bus.byKey("reply.strat-1")
	require.Len(t, replies, 2)
	var resp response
	require.NoError(t, json.Unmarshal(replies[1].Body, &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "remove", resp.Action)
}

func TestAddValidationError(t *testing.T) {
	m, _, bus := newTestManager(t)
	out := m.HandleRequest(context.Background(), delivery(t, "config.request.add", addRequest{
		Configuration: Configuration{ID: "bad", StrategyID: "s"},
		ReplyTo:       "reply.s",
	}))
	assert.Equal(t, fabric.Ack, out)
	replies := bus.byKey("reply.s")
	require.Len(t, replies, 1)
	var resp response
	require.NoError(t, json.Unmarshal(replies[0].Body, &resp))
	assert.Equal(t, "error", resp.Status)
	assert.NotEmpty(t, resp.Error)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestUnparseableRequestNacked(t *testing.T) {
	m, _, _ := newTestManager(t)
	out := m.HandleRequest(context.Background(), fabric.Delivery{
		RoutingKey: "config.request.add",
		Body:       []byte("{not json"),
	})
	assert.Equal(t, fabric.NackDiscard, out)
}

func TestCalculateImmediatelyPublishes(t *testing.T) {
	m, _, bus := newTestManager(t)
	out := m.HandleRequest(context.Background(), delivery(t, "config.request.add", addRequest{
		Configuration: Configuration{
			ID: "cfg-pub", StrategyID: "s", IndicatorType: "ema",
			Symbol: "ETH/USDT", Interval: "4h", Active: true, Publish: true,
			Parameters:      map[string]any{"period": float64(20)},
			PeriodsRequired: 120,
		},
		CalculateImmediately: true,
	}))
	assert.Equal(t, fabric.Ack, out)
	results := bus.byKey("result.ETH/USDT.4h")
	require.Len(t, results, 1)
	var res Result
	require.NoError(t, json.Unmarshal(results[0].Body, &res))
	assert.Equal(t, "cfg-pub", res.ConfigurationID)
	assert.NotEmpty(t, res.Latest["ema"])
}

func TestUpdateMergesParameters(t *testing.T) {
	m, configs, _ := newTestManager(t)
	ctx := context.Background()
	m.HandleRequest(ctx, delivery(t, "config.request.add", addRequest{
		Configuration: Configuration{
			ID: "cfg-u", StrategyID: "s", IndicatorType: "rsi", Symbol: "BTC/USDT",
			Interval: "1h", Active: true, Parameters: map[string]any{"period": float64(14)},
		},
	}))
	out := m.HandleRequest(ctx, delivery(t, "config.request.update", updateRequest{
		ConfigurationID: "cfg-u", StrategyID: "s",
		Updates: map[string]any{"parameters": map[string]any{"period": float64(21)}, "priority": float64(5)},
	}))
	assert.Equal(t, fabric.Ack, out)
	row, err := configs.FindOne(ctx, "cfg-u")
	require.NoError(t, err)
	cfg, err := fromModel(row)
	require.NoError(t, err)
	assert.Equal(t, float64(21), cfg.Parameters["period"])
	assert.Equal(t, 5, cfg.Priority)
}

func TestConsecutiveErrorsPauseConfig(t *testing.T) {
	cfgStruct := &Config{}
	require.NoError(t, cfgStruct.Validate())
	configs := newMemConfigs()
	bus := &fakeBus{}
	m := NewManager(cfgStruct, configs, failingCalculator{}, bus)

	cfg := &Configuration{ID: "cfg-err", StrategyID: "s", IndicatorType: "rsi", Symbol: "X", Interval: "1h"}
	row, err := toModel(cfg)
	require.NoError(t, err)
	require.NoError(t, configs.Upsert(context.Background(), row))

	for i := 0; i < 3; i++ {
		m.calculateOne(context.Background(), cfg)
	}
	assert.True(t, m.isPaused("cfg-err"))

	// A refresh lifts the pause for the next cycle.
	require.NoError(t, m.refresh(context.Background()))
	assert.False(t, m.isPaused("cfg-err"))
}

type failingCalculator struct{}

func (failingCalculator) Calculate(context.Context, *Configuration) (*Result, error) {
	return nil, assert.AnError
}

func TestBulkBounded(t *testing.T) {
	m, configs, bus := newTestManager(t)
	ctx := context.Background()
	ids := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		id := "bulk-" + string(rune('a'+i))
		cfg := &Configuration{
			ID: id, StrategyID: "s", IndicatorType: "sma", Symbol: "BTC/USDT",
			Interval: "1h", Active: true, Publish: true,
			Parameters: map[string]any{"period": float64(10)},
		}
		row, err := toModel(cfg)
		require.NoError(t, err)
		require.NoError(t, configs.Upsert(ctx, row))
		m.mu.Lock()
		m.cache[id] = cfg
		m.mu.Unlock()
		ids = append(ids, id)
	}
	out := m.HandleRequest(ctx, delivery(t, "config.request.bulk", bulkRequest{ConfigurationIDs: ids}))
	assert.Equal(t, fabric.Ack, out)
	// batch_size=20: only the first 20 results are published.
	assert.Len(t, bus.byKey("result.BTC/USDT.1h"), 20)
}

func TestSubscriptionFanout(t *testing.T) {
	m, _, bus := newTestManager(t)
	ctx := context.Background()
	m.HandleRequest(ctx, delivery(t, "config.request.add", addRequest{
		Configuration: Configuration{
			ID: "cfg-sub", StrategyID: "s", IndicatorType: "sma", Symbol: "BTC/USDT",
			Interval: "1h", Active: true, Parameters: map[string]any{"period": float64(10)},
		},
	}))
	m.HandleRequest(ctx, delivery(t, "config.request.subscribe", subscribeRequest{
		SubscriptionName: "momentum-set", ConfigurationIDs: []string{"cfg-sub"},
	}))
	m.mu.RLock()
	cfg := m.cache["cfg-sub"]
	m.mu.RUnlock()
	require.NotNil(t, cfg)
	m.calculateOne(ctx, cfg)
	assert.Len(t, bus.byKey("result.subscription.momentum-set"), 1)
}
