package strategy

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"mastertrade-core/pkg/backtest"
	"mastertrade-core/pkg/generator"
	"mastertrade-core/pkg/marketdata"
)

// BuildStrategy instantiates the executable strategy for a candidate.
func BuildStrategy(c *generator.Candidate) (backtest.Strategy, error) {
	switch c.Type {
	case "momentum":
		return &momentumStrategy{
			lookback:  paramInt(c.Parameters, "lookback", 14),
			threshold: paramFloat(c.Parameters, "entry_threshold", 0.02),
		}, nil
	case "mean_reversion":
		return &meanReversionStrategy{
			lookback: paramInt(c.Parameters, "lookback", 20),
			entryZ:   paramFloat(c.Parameters, "entry_z", 1.5),
			exitZ:    paramFloat(c.Parameters, "exit_z", 0.25),
		}, nil
	case "breakout":
		return &breakoutStrategy{
			channel: paramInt(c.Parameters, "channel_period", 20),
		}, nil
	case "btc_correlation":
		return &sentimentTiltStrategy{
			lookback: paramInt(c.Parameters, "lookback", 30),
			minTilt:  paramFloat(c.Parameters, "min_corr", 0.6) - 0.5,
		}, nil
	default:
		return nil, fmt.Errorf("strategy: unknown type %q", c.Type)
	}
}

// momentumStrategy buys sustained upward drift and exits when it fades.
type momentumStrategy struct {
	lookback  int
	threshold float64
}

func (s *momentumStrategy) Decide(_ context.Context, window []marketdata.Candle, _, _ float64) (backtest.Signal, error) {
	if len(window) <= s.lookback {
		return backtest.Hold, nil
	}
	ref := window[len(window)-1-s.lookback].Close
	if ref <= 0 {
		return backtest.Hold, nil
	}
	drift := window[len(window)-1].Close/ref - 1
	switch {
	case drift > s.threshold:
		return backtest.Buy, nil
	case drift < -s.threshold/2:
		return backtest.Sell, nil
	default:
		return backtest.Hold, nil
	}
}

// meanReversionStrategy fades z-score extremes against the rolling mean.
type meanReversionStrategy struct {
	lookback int
	entryZ   float64
	exitZ    float64
}

func (s *meanReversionStrategy) Decide(_ context.Context, window []marketdata.Candle, _, _ float64) (backtest.Signal, error) {
	if len(window) <= s.lookback {
		return backtest.Hold, nil
	}
	closes := make([]float64, s.lookback)
	for i := 0; i < s.lookback; i++ {
		closes[i] = window[len(window)-s.lookback+i].Close
	}
	mean, sd := stat.MeanStdDev(closes, nil)
	if sd == 0 || math.IsNaN(sd) {
		return backtest.Hold, nil
	}
	z := (window[len(window)-1].Close - mean) / sd
	switch {
	case z < -s.entryZ:
		return backtest.Buy, nil
	case z > s.exitZ:
		return backtest.Sell, nil
	default:
		return backtest.Hold, nil
	}
}

// breakoutStrategy buys closes above the channel high and exits below the
// channel midpoint.
type breakoutStrategy struct {
	channel int
}

func (s *breakoutStrategy) Decide(_ context.Context, window []marketdata.Candle, _, _ float64) (backtest.Signal, error) {
	if len(window) <= s.channel+1 {
		return backtest.Hold, nil
	}
	hi, lo := -math.MaxFloat64, math.MaxFloat64
	for _, c := range window[len(window)-1-s.channel : len(window)-1] {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	price := window[len(window)-1].Close
	switch {
	case price > hi:
		return backtest.Buy, nil
	case price < (hi+lo)/2:
		return backtest.Sell, nil
	default:
		return backtest.Hold, nil
	}
}

// sentimentTiltStrategy trades market-wide tilt: it holds while combined
// sentiment stays constructive and steps aside when it sours.
type sentimentTiltStrategy struct {
	lookback int
	minTilt  float64
}

func (s *sentimentTiltStrategy) Decide(_ context.Context, window []marketdata.Candle, symbolSentiment, globalSentiment float64) (backtest.Signal, error) {
	if len(window) <= s.lookback {
		return backtest.Hold, nil
	}
	tilt := 0.65*symbolSentiment + 0.35*globalSentiment
	ref := window[len(window)-1-s.lookback].Close
	if ref <= 0 {
		return backtest.Hold, nil
	}
	drift := window[len(window)-1].Close/ref - 1
	switch {
	case tilt > s.minTilt && drift > 0:
		return backtest.Buy, nil
	case tilt < -s.minTilt || drift < -0.02:
		return backtest.Sell, nil
	default:
		return backtest.Hold, nil
	}
}

func paramInt(params map[string]any, key string, def int) int {
	if v, ok := params[key].(float64); ok && v > 0 {
		return int(v)
	}
	if v, ok := params[key].(int); ok && v > 0 {
		return v
	}
	return def
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	if v, ok := params[key].(float64); ok && v > 0 {
		return v
	}
	return def
}
