// Package backtest simulates a strategy over historical candles and sentiment
// and reports the metric bundle the lifecycle services grade against.
package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"mastertrade-core/pkg/marketdata"
)

// Signal is a strategy's per-candle intent.
type Signal int

const (
	Hold Signal = iota
	Buy
	Sell
)

// Strategy maps the candle window seen so far (plus sentiment) to a signal.
// window[len-1] is the current candle.
type Strategy interface {
	Decide(ctx context.Context, window []marketdata.Candle, symbolSentiment, globalSentiment float64) (Signal, error)
}

// Trade is one completed round trip.
type Trade struct {
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	Pnl        float64   `json:"pnl"`
}

// Metrics is the graded summary of a run.
type Metrics struct {
	WinRate        float64   `json:"win_rate"`
	Sharpe         float64   `json:"sharpe"`
	Sortino        float64   `json:"sortino"`
	MaxDrawdown    float64   `json:"max_drawdown"` // <= 0, fraction
	TotalReturn    float64   `json:"total_return"` // fraction
	CAGR           float64   `json:"cagr"`
	ProfitFactor   float64   `json:"profit_factor"`
	TotalTrades    int       `json:"total_trades"`
	MonthlyReturns []float64 `json:"monthly_returns"`
}

// Result bundles metrics with the raw artifacts.
type Result struct {
	Metrics     Metrics   `json:"metrics"`
	Trades      []Trade   `json:"trades"`
	EquityCurve []float64 `json:"equity_curve"`
}

// Engine runs one strategy over one candle series.
type Engine struct {
	InitialEquity float64 // defaults to 100000
	FeeBps        float64 // per-trade fee in basis points
	SlippageBps   float64 // execution slippage in bps
	// PositionFraction of equity committed per entry; defaults to 0.95.
	PositionFraction float64
}

// Run simulates the strategy. Sentiment series are sampled at each candle's
// open time; missing windows contribute zero polarity.
func (e *Engine) Run(ctx context.Context, strat Strategy, candles []marketdata.Candle, symbolSentiment, globalSentiment []marketdata.SentimentPoint) (*Result, error) {
	if strat == nil {
		return nil, fmt.Errorf("backtest: strategy is required")
	}
	if len(candles) < 2 {
		return nil, fmt.Errorf("backtest: need at least 2 candles, got %d", len(candles))
	}
	eq0 := e.InitialEquity
	if eq0 <= 0 {
		eq0 = 100000
	}
	frac := e.PositionFraction
	if frac <= 0 || frac > 1 {
		frac = 0.95
	}

	pf := &portfolio{cash: eq0, feeBps: e.FeeBps, slippageBps: e.SlippageBps}
	res := &Result{}

	symCursor := newSentimentCursor(symbolSentiment)
	globCursor := newSentimentCursor(globalSentiment)

	for i := 1; i < len(candles); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		c := candles[i]
		sig, err := strat.Decide(ctx, candles[:i+1], symCursor.at(c.OpenTime), globCursor.at(c.OpenTime))
		if err != nil {
			return nil, fmt.Errorf("backtest: strategy decide: %w", err)
		}
		switch sig {
		case Buy:
			if pf.pos == 0 {
				qty := pf.cash * frac / c.Close
				pf.open(qty, c.Close, c.OpenTime)
			}
		case Sell:
			if pf.pos > 0 {
				if trade := pf.close(c.Close, c.OpenTime); trade != nil {
					res.Trades = append(res.Trades, *trade)
				}
			}
		}
		res.EquityCurve = append(res.EquityCurve, pf.equity(c.Close))
	}
	// Force-close at the final candle so open PnL is realised.
	last := candles[len(candles)-1]
	if pf.pos > 0 {
		if trade := pf.close(last.Close, last.OpenTime); trade != nil {
			res.Trades = append(res.Trades, *trade)
		}
		res.EquityCurve[len(res.EquityCurve)-1] = pf.equity(last.Close)
	}

	res.Metrics = computeMetrics(eq0, res.EquityCurve, res.Trades, candles)
	return res, nil
}

// sentimentCursor walks a time-ordered sentiment series alongside candles.
type sentimentCursor struct {
	points []marketdata.SentimentPoint
	idx    int
}

func newSentimentCursor(points []marketdata.SentimentPoint) *sentimentCursor {
	return &sentimentCursor{points: points}
}

// at returns the most recent polarity at or before ts, zero when none.
func (s *sentimentCursor) at(ts time.Time) float64 {
	for s.idx < len(s.points) && !s.points[s.idx].Ts.After(ts) {
		s.idx++
	}
	if s.idx == 0 {
		return 0
	}
	return s.points[s.idx-1].Polarity
}

func computeMetrics(eq0 float64, equity []float64, trades []Trade, candles []marketdata.Candle) Metrics {
	m := Metrics{TotalTrades: len(trades)}
	if len(equity) == 0 {
		return m
	}
	final := equity[len(equity)-1]
	m.TotalReturn = final/eq0 - 1

	days := candles[len(candles)-1].OpenTime.Sub(candles[0].OpenTime).Hours() / 24
	if days > 0 && final > 0 {
		m.CAGR = math.Pow(final/eq0, 365/days) - 1
	}

	// Per-candle returns drive Sharpe/Sortino; annualised at 252 periods.
	rets := seriesReturns(append([]float64{eq0}, equity...))
	mean, sd := meanStd(rets)
	if sd > 0 {
		m.Sharpe = mean / sd * math.Sqrt(252)
	}
	if dsd := downsideStd(rets); dsd > 0 {
		m.Sortino = mean / dsd * math.Sqrt(252)
	}

	m.MaxDrawdown = -maxDrawdown(append([]float64{eq0}, equity...))

	var wins int
	var grossWin, grossLoss float64
	for _, t := range trades {
		if t.Pnl > 0 {
			wins++
			grossWin += t.Pnl
		} else {
			grossLoss += -t.Pnl
		}
	}
	if len(trades) > 0 {
		m.WinRate = float64(wins) / float64(len(trades))
	}
	switch {
	case grossLoss > 0:
		m.ProfitFactor = grossWin / grossLoss
	case grossWin > 0:
		m.ProfitFactor = math.Inf(1)
	}

	m.MonthlyReturns = monthlyReturns(eq0, equity, candles)
	return m
}

// monthlyReturns resamples the equity curve to month-end values and takes the
// percentage change, capped at twelve trailing months.
func monthlyReturns(eq0 float64, equity []float64, candles []marketdata.Candle) []float64 {
	if len(equity) == 0 || len(candles) < len(equity) {
		return nil
	}
	type monthEnd struct {
		key   string
		value float64
	}
	var months []monthEnd
	for i, v := range equity {
		key := candles[i+len(candles)-len(equity)].OpenTime.Format("2006-01")
		if len(months) > 0 && months[len(months)-1].key == key {
			months[len(months)-1].value = v
		} else {
			months = append(months, monthEnd{key: key, value: v})
		}
	}
	prev := eq0
	out := make([]float64, 0, len(months))
	for _, me := range months {
		if prev > 0 {
			out = append(out, me.value/prev-1)
		}
		prev = me.value
	}
	if len(out) > 12 {
		out = out[len(out)-12:]
	}
	return out
}

func seriesReturns(series []float64) []float64 {
	out := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		if series[i-1] == 0 {
			continue
		}
		out = append(out, series[i]/series[i-1]-1)
	}
	return out
}

func meanStd(rets []float64) (float64, float64) {
	if len(rets) == 0 {
		return 0, 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var v float64
	for _, r := range rets {
		v += (r - mean) * (r - mean)
	}
	return mean, math.Sqrt(v / float64(len(rets)))
}

func downsideStd(rets []float64) float64 {
	var v float64
	var n int
	for _, r := range rets {
		if r < 0 {
			v += r * r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(v / float64(n))
}

func maxDrawdown(series []float64) float64 {
	peak := series[0]
	mdd := 0.0
	for _, v := range series {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > mdd {
				mdd = dd
			}
		}
	}
	return mdd
}
