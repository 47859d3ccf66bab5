package strategy

import (
	"context"
	"database/sql"
	"math"
	"sync"
	"time"

	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/marketdata"
)

// In-memory model fakes shared by the lifecycle tests.

type memStrategies struct {
	mu   sync.Mutex
	rows map[string]model.Strategies
}

func newMemStrategies() *memStrategies {
	return &memStrategies{rows: make(map[string]model.Strategies)}
}

func (m *memStrategies) Insert(_ context.Context, data *model.Strategies) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[data.Id] = *data
	return nil
}

func (m *memStrategies) FindOne(_ context.Context, id string) (*model.Strategies, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := row
	return &cp, nil
}

func (m *memStrategies) Update(_ context.Context, data *model.Strategies) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[data.Id] = *data
	return nil
}

func (m *memStrategies) Active(_ context.Context) ([]model.Strategies, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Strategies
	for _, r := range m.rows {
		if r.IsActive && r.Enabled && r.Status == model.StrategyStatusActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStrategies) ByStatus(_ context.Context, status string) ([]model.Strategies, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Strategies
	for _, r := range m.rows {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStrategies) ByType(_ context.Context, strategyType string) ([]model.Strategies, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Strategies
	for _, r := range m.rows {
		if r.Type == strategyType && r.Status != model.StrategyStatusRetired && r.Status != model.StrategyStatusReplaced {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStrategies) SetActivation(_ context.Context, id string, active bool, status string, metadata []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return model.ErrNotFound
	}
	row.IsActive = active
	row.Status = status
	if len(metadata) > 0 {
		row.Metadata = metadata
	}
	row.UpdatedAt = time.Now().UTC()
	m.rows[id] = row
	return nil
}

func (m *memStrategies) UpdateAllocation(_ context.Context, id string, allocation float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return model.ErrNotFound
	}
	row.Allocation = allocation
	m.rows[id] = row
	return nil
}

func (m *memStrategies) MergeParameters(_ context.Context, id string, parameters []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return model.ErrNotFound
	}
	row.Parameters = parameters
	m.rows[id] = row
	return nil
}

func (m *memStrategies) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.IsActive {
			n++
		}
	}
	return n
}

type memJobs struct {
	mu   sync.Mutex
	rows map[string]model.GenerationJobs
}

func newMemJobs() *memJobs { return &memJobs{rows: make(map[string]model.GenerationJobs)} }

func (m *memJobs) Insert(_ context.Context, data *model.GenerationJobs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[data.JobId] = *data
	return nil
}

func (m *memJobs) FindOne(_ context.Context, jobID string) (*model.GenerationJobs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[jobID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := row
	return &cp, nil
}

func (m *memJobs) Update(_ context.Context, data *model.GenerationJobs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[data.JobId] = *data
	return nil
}

type memBacktests struct {
	mu   sync.Mutex
	rows []model.BacktestResults
}

func newMemBacktests() *memBacktests { return &memBacktests{} }

func (m *memBacktests) Insert(_ context.Context, data *model.BacktestResults) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *data)
	return nil
}

func (m *memBacktests) LatestByStrategy(_ context.Context, strategyID string) (*model.BacktestResults, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].StrategyId == strategyID {
			cp := m.rows[i]
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *memBacktests) ByJob(_ context.Context, jobID string) ([]model.BacktestResults, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.BacktestResults
	for _, r := range m.rows {
		if r.JobId == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

type memTrades struct {
	mu   sync.Mutex
	rows []model.Trades
}

func newMemTrades() *memTrades { return &memTrades{} }

func (m *memTrades) Insert(_ context.Context, data *model.Trades) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *data)
	return nil
}

func (m *memTrades) ByStrategySince(_ context.Context, strategyID string, since time.Time) ([]model.Trades, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Trades
	for _, r := range m.rows {
		if r.StrategyId == strategyID && !r.EntryTime.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memTrades) RecentCount(ctx context.Context, strategyID string, since time.Time) (int, error) {
	rows, err := m.ByStrategySince(ctx, strategyID, since)
	return len(rows), err
}

type memReviews struct {
	mu   sync.Mutex
	rows []model.StrategyReviews
}

func newMemReviews() *memReviews { return &memReviews{} }

func (m *memReviews) Insert(_ context.Context, data *model.StrategyReviews) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *data)
	return nil
}

func (m *memReviews) LatestByStrategy(_ context.Context, strategyID string) (*model.StrategyReviews, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].StrategyId == strategyID {
			cp := m.rows[i]
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *memReviews) ByStrategySince(_ context.Context, strategyID string, since time.Time) ([]model.StrategyReviews, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.StrategyReviews
	for _, r := range m.rows {
		if r.StrategyId == strategyID && !r.Ts.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

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

func (m *memSettings) GetInt(ctx context.Context, name string, def int) (int, error) {
	if v, err := m.Get(ctx, name); err == nil {
		var n int
		for _, c := range v {
			n = n*10 + int(c-'0')
		}
		return n, nil
	}
	_ = m.Set(ctx, name, itoa(def))
	return def, nil
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

// trendCandles rises steadily so momentum strategies trade.
type trendCandles struct {
	n int
}

func (t trendCandles) Candles(_ context.Context, _ string, _ string, limit int) ([]marketdata.Candle, error) {
	n := t.n
	if n <= 0 {
		n = limit
	}
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	out := make([]marketdata.Candle, n)
	for i := range out {
		price := 100 * (1 + 0.002*float64(i) + 0.05*math.Sin(float64(i)/8))
		out[i] = marketdata.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     price, High: price * 1.005, Low: price * 0.995, Close: price,
			Volume: 1000,
		}
	}
	return out, nil
}

type noSentiment struct{}

func (noSentiment) Sentiment(context.Context, string, time.Time, time.Time) ([]marketdata.SentimentPoint, error) {
	return nil, nil
}

func testLifecycleConfig() *Config {
	cfg := &Config{
		BacktestWindowDays: 90, MinCandles: 100, ProgressEveryGen: 10, ProgressEveryBT: 5,
		InitialEquity: 100000, FeeBps: 10, SlippageBps: 5,
		PassWinRate: 0.45, PassSharpe: 1.0, PassMaxDrawdown: -0.25, PassProfitFactor: 1.2, PassMinTrades: 50,
		ReviewInterval: 24 * time.Hour, ReviewCron: "0 3 * * *", ReviewMinTrades: 10, ReviewWindowDays: 30, RiskFreeDaily: 0.0001,
		DefaultMaxActive: 2, MinStabilityHours: 4, ActivationCron: "30 */1 * * *", ActivationTimeout: 2 * time.Minute,
	}
	_ = cfg.Validate()
	return cfg
}

func nullFloat(v float64) sql.NullFloat64 { return sql.NullFloat64{Valid: true, Float64: v} }
func nullTime(t time.Time) sql.NullTime   { return sql.NullTime{Valid: true, Time: t} }
