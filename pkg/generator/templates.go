package generator

import (
	"context"
	"fmt"
)

// TemplateLibrary is the deterministic fallback Generator. Parameter grids
// are varied by candidate index so repeated runs are reproducible.
type TemplateLibrary struct {
	Symbols    []string
	Timeframes []string
}

// NewTemplateLibrary constructs the library with default universes.
func NewTemplateLibrary() *TemplateLibrary {
	return &TemplateLibrary{
		Symbols:    []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
		Timeframes: []string{"1h", "4h"},
	}
}

// GenerateSystematic implements Generator.
func (t *TemplateLibrary) GenerateSystematic(_ context.Context, count int, types []string) ([]Candidate, error) {
	if count <= 0 {
		return nil, nil
	}
	if len(types) == 0 {
		types = KnownTypes()
	}
	out := make([]Candidate, 0, count)
	for i := 0; i < count; i++ {
		typ := types[i%len(types)]
		symbol := t.Symbols[i%len(t.Symbols)]
		timeframe := t.Timeframes[i%len(t.Timeframes)]
		out = append(out, Candidate{
			Name:       fmt.Sprintf("%s_%s_%d", typ, shortSymbol(symbol), i+1),
			Type:       typ,
			Symbol:     symbol,
			Timeframe:  timeframe,
			Parameters: templateParams(typ, i),
		})
	}
	return out, nil
}

// GenerateImproved implements Generator by nudging the base parameters in the
// direction that historically helps the named target.
func (t *TemplateLibrary) GenerateImproved(_ context.Context, base Candidate, target string, count int) ([]Candidate, error) {
	if count <= 0 {
		return nil, nil
	}
	out := make([]Candidate, 0, count)
	for i := 0; i < count; i++ {
		params := make(map[string]any, len(base.Parameters))
		for k, v := range base.Parameters {
			params[k] = v
		}
		step := float64(i + 1)
		switch target {
		case "win_rate":
			// Tighter entries trade less but win more.
			scaleParam(params, "entry_threshold", 1+0.1*step)
		case "drawdown":
			scaleParam(params, "stop_loss_pct", 1-0.1*step)
		case "activity":
			scaleParam(params, "entry_threshold", 1-0.1*step)
		default:
			scaleParam(params, "lookback", 1+0.2*step)
		}
		out = append(out, Candidate{
			Name:       fmt.Sprintf("%s_improved_%s_%d", base.Name, target, i+1),
			Type:       base.Type,
			Symbol:     base.Symbol,
			Timeframe:  base.Timeframe,
			Parameters: params,
		})
	}
	return out, nil
}

func templateParams(typ string, i int) map[string]any {
	switch typ {
	case "momentum":
		return map[string]any{
			"lookback":        float64(10 + 5*(i%4)),
			"entry_threshold": 0.02 + 0.01*float64(i%3),
			"stop_loss_pct":   3.0,
		}
	case "mean_reversion":
		return map[string]any{
			"lookback":        float64(20 + 10*(i%3)),
			"entry_z":         1.5 + 0.25*float64(i%3),
			"exit_z":          0.25,
			"stop_loss_pct":   2.5,
		}
	case "breakout":
		return map[string]any{
			"channel_period":  float64(20 + 10*(i%3)),
			"confirm_candles": float64(1 + i%2),
			"stop_loss_pct":   3.5,
		}
	case "btc_correlation":
		return map[string]any{
			"lookback":       float64(30),
			"min_corr":       0.6 + 0.1*float64(i%3),
			"lag_candles":    float64(1 + i%3),
			"stop_loss_pct":  3.0,
		}
	default:
		return map[string]any{"lookback": float64(20)}
	}
}

func scaleParam(params map[string]any, key string, factor float64) {
	if v, ok := params[key].(float64); ok {
		params[key] = v * factor
	}
}

func shortSymbol(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' || symbol[i] == '-' {
			return symbol[:i]
		}
	}
	return symbol
}
