// Package marketdata defines the candle/sentiment types and source
// interfaces shared by the indicator, backtest and strategy services.
package marketdata

import (
	"context"
	"time"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// SentimentPoint is one aggregated sentiment observation. Polarity is in
// [-1, 1]; Weight reflects source volume.
type SentimentPoint struct {
	Ts       time.Time `json:"ts"`
	Symbol   string    `json:"symbol,omitempty"` // empty for global sentiment
	Polarity float64   `json:"polarity"`
	Weight   float64   `json:"weight"`
}

// CandleSource yields historical OHLCV bars, most recent last.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// SentimentSource yields sentiment windows. An empty symbol requests the
// global series.
type SentimentSource interface {
	Sentiment(ctx context.Context, symbol string, from, to time.Time) ([]SentimentPoint, error)
}

// Closes extracts the close series from candles.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Returns computes simple period-over-period returns of the close series.
func Returns(candles []Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			continue
		}
		out = append(out, candles[i].Close/prev-1)
	}
	return out
}
