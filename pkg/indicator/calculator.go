package indicator

import (
	"context"
	"fmt"
	"strings"

	"github.com/markcheno/go-talib"

	"mastertrade-core/pkg/marketdata"
)

// Calculator computes one indicator over a candle window.
type Calculator interface {
	Calculate(ctx context.Context, cfg *Configuration) (*Result, error)
}

// TalibCalculator is the default Calculator, backed by go-talib over a
// CandleSource.
type TalibCalculator struct {
	source marketdata.CandleSource
}

// NewTalibCalculator wraps a candle source.
func NewTalibCalculator(source marketdata.CandleSource) *TalibCalculator {
	return &TalibCalculator{source: source}
}

// Calculate fetches the required window and dispatches on indicator type.
func (t *TalibCalculator) Calculate(ctx context.Context, cfg *Configuration) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("indicator: nil configuration")
	}
	limit := cfg.PeriodsRequired
	if limit < 2 {
		limit = 100
	}
	candles, err := t.source.Candles(ctx, cfg.Symbol, cfg.Interval, limit)
	if err != nil {
		return nil, fmt.Errorf("indicator: fetch candles %s/%s: %w", cfg.Symbol, cfg.Interval, err)
	}
	if len(candles) < minPeriods(cfg) {
		return nil, fmt.Errorf("indicator: insufficient candles for %s: got %d need %d", cfg.IndicatorType, len(candles), minPeriods(cfg))
	}

	closes := marketdata.Closes(candles)
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}

	values := make(map[string][]float64)
	switch strings.ToLower(cfg.IndicatorType) {
	case "rsi":
		values["rsi"] = talib.Rsi(closes, paramInt(cfg, "period", 14))
	case "ema":
		values["ema"] = talib.Ema(closes, paramInt(cfg, "period", 20))
	case "sma":
		values["sma"] = talib.Sma(closes, paramInt(cfg, "period", 20))
	case "macd":
		macd, signal, hist := talib.Macd(closes,
			paramInt(cfg, "fast_period", 12),
			paramInt(cfg, "slow_period", 26),
			paramInt(cfg, "signal_period", 9))
		values["macd"], values["signal"], values["histogram"] = macd, signal, hist
	case "atr":
		values["atr"] = talib.Atr(highs, lows, closes, paramInt(cfg, "period", 14))
	case "bollinger", "bbands":
		upper, middle, lower := talib.BBands(closes,
			paramInt(cfg, "period", 20),
			paramFloat(cfg, "std_dev", 2.0),
			paramFloat(cfg, "std_dev", 2.0),
			talib.SMA)
		values["upper"], values["middle"], values["lower"] = upper, middle, lower
	case "stochastic", "stoch":
		k, d := talib.Stoch(highs, lows, closes,
			paramInt(cfg, "k_period", 14), paramInt(cfg, "smooth_k", 3), talib.SMA,
			paramInt(cfg, "d_period", 3), talib.SMA)
		values["k"], values["d"] = k, d
	case "obv":
		volumes := make([]float64, len(candles))
		for i, c := range candles {
			volumes[i] = c.Volume
		}
		values["obv"] = talib.Obv(closes, volumes)
	default:
		return nil, fmt.Errorf("indicator: unsupported type %q", cfg.IndicatorType)
	}

	if len(cfg.OutputFields) > 0 {
		filtered := make(map[string][]float64, len(cfg.OutputFields))
		for _, f := range cfg.OutputFields {
			if series, ok := values[f]; ok {
				filtered[f] = series
			}
		}
		if len(filtered) > 0 {
			values = filtered
		}
	}

	latest := make(map[string]float64, len(values))
	for field, series := range values {
		if len(series) > 0 {
			latest[field] = series[len(series)-1]
		}
	}
	return &Result{
		ConfigurationID: cfg.ID,
		StrategyID:      cfg.StrategyID,
		IndicatorType:   cfg.IndicatorType,
		Symbol:          cfg.Symbol,
		Interval:        cfg.Interval,
		Values:          values,
		Latest:          latest,
	}, nil
}

func minPeriods(cfg *Configuration) int {
	switch strings.ToLower(cfg.IndicatorType) {
	case "macd":
		return paramInt(cfg, "slow_period", 26) + paramInt(cfg, "signal_period", 9)
	case "rsi", "atr":
		return paramInt(cfg, "period", 14) + 1
	default:
		return paramInt(cfg, "period", 20)
	}
}

func paramInt(cfg *Configuration, key string, def int) int {
	if cfg.Parameters == nil {
		return def
	}
	switch v := cfg.Parameters[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return def
}

func paramFloat(cfg *Configuration, key string, def float64) float64 {
	if cfg.Parameters == nil {
		return def
	}
	switch v := cfg.Parameters[key].(type) {
	case float64:
		if v > 0 {
			return v
		}
	case int:
		if v > 0 {
			return float64(v)
		}
	}
	return def
}
