package marketdata

import (
	"context"
	"hash/fnv"
	"math"
	"time"
)

// SimSource is a deterministic synthetic candle and sentiment source used in
// the test environment, where the real feed services are not wired. Series
// are seeded per symbol so distinct symbols stay distinct but reproducible.
type SimSource struct {
	BasePrice float64
	Now       func() time.Time
}

// NewSimSource constructs the source.
func NewSimSource() *SimSource {
	return &SimSource{BasePrice: 100, Now: time.Now}
}

// Candles implements CandleSource.
func (s *SimSource) Candles(_ context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	step := intervalDuration(interval)
	seed := float64(symbolSeed(symbol)%97) / 97
	end := s.Now().UTC().Truncate(step)
	out := make([]Candle, limit)
	for i := 0; i < limit; i++ {
		t := float64(i)
		price := s.BasePrice * (1 + 0.3*seed) *
			(1 + 0.001*t + 0.04*math.Sin(t/9+seed*6) + 0.015*math.Sin(t/2.7+seed*11))
		out[i] = Candle{
			OpenTime: end.Add(-time.Duration(limit-i) * step),
			Open:     price * 0.999,
			High:     price * 1.006,
			Low:      price * 0.994,
			Close:    price,
			Volume:   5_000_000 * (1 + 0.5*math.Sin(t/5+seed)),
		}
	}
	return out, nil
}

// Sentiment implements SentimentSource with a slow polarity wave.
func (s *SimSource) Sentiment(_ context.Context, symbol string, from, to time.Time) ([]SentimentPoint, error) {
	if !to.After(from) {
		return nil, nil
	}
	seed := float64(symbolSeed(symbol)%89) / 89
	var out []SentimentPoint
	for t := from; t.Before(to); t = t.Add(time.Hour) {
		phase := float64(t.Unix()/3600) / 24
		out = append(out, SentimentPoint{
			Ts:       t,
			Symbol:   symbol,
			Polarity: 0.4*math.Sin(phase+seed*5) + 0.1*seed,
			Weight:   1,
		})
	}
	return out, nil
}

func symbolSeed(symbol string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum32()
}

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
