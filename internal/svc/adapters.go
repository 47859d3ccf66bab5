package svc

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/marketcache"
	"mastertrade-core/pkg/marketdata"
	"mastertrade-core/pkg/risk"
)

// Settings keys backing the portfolio adapter.
const (
	settingAccountBalance = "ACCOUNT_BALANCE"
	settingPeakValue      = "PEAK_PORTFOLIO_VALUE"
)

// PortfolioAdapter bridges the positions and settings tables to the risk
// core's PortfolioSource. Every read goes through the store so the gate sees
// the freshest durable view.
type PortfolioAdapter struct {
	positions model.PositionsModel
	settings  model.SettingsModel
	market    *MarketStatsAdapter

	peakMu sync.Mutex
}

// NewPortfolioAdapter wires the adapter.
func NewPortfolioAdapter(positions model.PositionsModel, settings model.SettingsModel, market *MarketStatsAdapter) *PortfolioAdapter {
	return &PortfolioAdapter{positions: positions, settings: settings, market: market}
}

// AvailableBalance implements risk.PortfolioSource.
func (p *PortfolioAdapter) AvailableBalance(ctx context.Context) (float64, error) {
	return p.settingFloat(ctx, settingAccountBalance, 0)
}

// PortfolioValue implements risk.PortfolioSource: cash plus marked exposure.
func (p *PortfolioAdapter) PortfolioValue(ctx context.Context) (float64, error) {
	cash, err := p.AvailableBalance(ctx)
	if err != nil {
		return 0, err
	}
	positions, err := p.OpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	total := cash
	for _, pos := range positions {
		total += pos.ValueUSD
	}
	return total, nil
}

// OpenPositions implements risk.PortfolioSource, enriching rows with market
// statistics.
func (p *PortfolioAdapter) OpenPositions(ctx context.Context) ([]risk.Position, error) {
	rows, err := p.positions.Open(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]risk.Position, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		price := row.EntryPrice
		if row.CurrentPrice.Valid && row.CurrentPrice.Float64 > 0 {
			price = row.CurrentPrice.Float64
		}
		pos := risk.Position{
			ID:           row.Id,
			StrategyID:   row.StrategyId,
			Symbol:       row.Symbol,
			Side:         row.Side,
			Quantity:     row.Quantity,
			EntryPrice:   row.EntryPrice,
			CurrentPrice: price,
			ValueUSD:     row.Quantity * price,
			AssetClass:   row.AssetClass,
			OpenedAt:     row.OpenedAt,
		}
		if p.market != nil {
			if sigma, err := p.market.Volatility(ctx, row.Symbol); err == nil {
				pos.Volatility = sigma
			}
			if vol, err := p.market.AvgVolumeUSD(ctx, row.Symbol); err == nil {
				pos.AvgVolumeUSD = vol
			}
		}
		out = append(out, pos)
	}
	return out, nil
}

// PeakValue implements risk.PortfolioSource.
func (p *PortfolioAdapter) PeakValue(ctx context.Context) (float64, error) {
	return p.settingFloat(ctx, settingPeakValue, 0)
}

// RecordPeak implements risk.PortfolioSource with peak = max(peak, pv)
// semantics; the mutex serialises the read-modify-write within this process,
// and the monotone update keeps concurrent writers safe.
func (p *PortfolioAdapter) RecordPeak(ctx context.Context, pv float64) error {
	p.peakMu.Lock()
	defer p.peakMu.Unlock()
	peak, err := p.settingFloat(ctx, settingPeakValue, 0)
	if err != nil {
		return err
	}
	if pv <= peak {
		return nil
	}
	return p.settings.Set(ctx, settingPeakValue, strconv.FormatFloat(pv, 'f', 8, 64))
}

func (p *PortfolioAdapter) settingFloat(ctx context.Context, name string, def float64) (float64, error) {
	raw, err := p.settings.Get(ctx, name)
	if err == model.ErrNotFound {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	v, convErr := strconv.ParseFloat(raw, 64)
	if convErr != nil {
		return def, convErr
	}
	return v, nil
}

// MarketStatsAdapter derives volatility, liquidity and return series from a
// candle source.
type MarketStatsAdapter struct {
	candles  marketdata.CandleSource
	lookback int
}

// NewMarketStatsAdapter wires the adapter.
func NewMarketStatsAdapter(candles marketdata.CandleSource, lookbackDays int) *MarketStatsAdapter {
	if lookbackDays <= 0 {
		lookbackDays = 14
	}
	return &MarketStatsAdapter{candles: candles, lookback: lookbackDays}
}

// Volatility implements risk.MarketStats as the daily return sigma.
func (m *MarketStatsAdapter) Volatility(ctx context.Context, symbol string) (float64, error) {
	rets, err := m.RecentReturns(ctx, symbol, m.lookback)
	if err != nil {
		return 0, err
	}
	if len(rets) < 2 {
		return 0.02, nil
	}
	sigma := stat.StdDev(rets, nil)
	if math.IsNaN(sigma) || sigma <= 0 {
		return 0.02, nil
	}
	return sigma, nil
}

// AvgVolumeUSD implements risk.MarketStats.
func (m *MarketStatsAdapter) AvgVolumeUSD(ctx context.Context, symbol string) (float64, error) {
	candles, err := m.candles.Candles(ctx, symbol, "1d", m.lookback)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, nil
	}
	var total float64
	for _, c := range candles {
		total += c.Volume * c.Close
	}
	return total / float64(len(candles)), nil
}

// RecentReturns implements risk.MarketStats.
func (m *MarketStatsAdapter) RecentReturns(ctx context.Context, symbol string, days int) ([]float64, error) {
	candles, err := m.candles.Candles(ctx, symbol, "1d", days+1)
	if err != nil {
		return nil, err
	}
	return marketdata.Returns(candles), nil
}

// SimQuoteSource adapts the synthetic candle source to the feed's quote
// surface for the test environment.
type SimQuoteSource struct {
	Source marketdata.CandleSource
	Venue  string
}

// Quote implements feed.PriceSource from the most recent synthetic candle.
func (s *SimQuoteSource) Quote(ctx context.Context, symbol string) (*marketcache.PricePoint, error) {
	candles, err := s.Source.Candles(ctx, symbol, "1m", 2)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, nil
	}
	last := candles[len(candles)-1]
	return &marketcache.PricePoint{
		Kind:      marketcache.KindCEX,
		Venue:     s.Venue,
		Symbol:    symbol,
		Price:     last.Close,
		Bid:       last.Close * 0.9995,
		Ask:       last.Close * 1.0005,
		Liquidity: last.Volume * last.Close,
		Timestamp: last.OpenTime,
	}, nil
}

// StrategyStatsAdapter derives Kelly inputs from the trades table.
type StrategyStatsAdapter struct {
	trades     model.TradesModel
	strategies model.StrategiesModel
	windowDays int
}

// NewStrategyStatsAdapter wires the adapter.
func NewStrategyStatsAdapter(trades model.TradesModel, strategies model.StrategiesModel, windowDays int) *StrategyStatsAdapter {
	if windowDays <= 0 {
		windowDays = 90
	}
	return &StrategyStatsAdapter{trades: trades, strategies: strategies, windowDays: windowDays}
}

// WinStats implements risk.StrategyPerformance.
func (s *StrategyStatsAdapter) WinStats(ctx context.Context, strategyID string) (winRate, avgWin, avgLoss float64, err error) {
	since := time.Now().UTC().AddDate(0, 0, -s.windowDays)
	rows, err := s.trades.ByStrategySince(ctx, strategyID, since)
	if err != nil {
		return 0, 0, 0, err
	}
	var wins, losses int
	var winSum, lossSum float64
	for _, t := range rows {
		if !t.Pnl.Valid {
			continue
		}
		if t.Pnl.Float64 > 0 {
			wins++
			winSum += t.Pnl.Float64
		} else {
			losses++
			lossSum += -t.Pnl.Float64
		}
	}
	total := wins + losses
	if total == 0 {
		return 0, 0, 0, nil
	}
	winRate = float64(wins) / float64(total)
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	return winRate, avgWin, avgLoss, nil
}

// ActiveStrategyCount implements risk.StrategyPerformance.
func (s *StrategyStatsAdapter) ActiveStrategyCount(ctx context.Context) (int, error) {
	rows, err := s.strategies.Active(ctx)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
