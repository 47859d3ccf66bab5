package indicator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastertrade-core/pkg/marketdata"
)

func TestTalibCalculatorRSIBounds(t *testing.T) {
	calc := NewTalibCalculator(syntheticCandles{})
	res, err := calc.Calculate(context.Background(), &Configuration{
		ID: "c", IndicatorType: "rsi", Symbol: "BTC/USDT", Interval: "1h",
		PeriodsRequired: 120, Parameters: map[string]any{"period": float64(14)},
	})
	require.NoError(t, err)
	series := res.Values["rsi"]
	require.NotEmpty(t, series)
	for _, v := range series[20:] {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
	assert.Contains(t, res.Latest, "rsi")
}

func TestTalibCalculatorMACDFields(t *testing.T) {
	calc := NewTalibCalculator(syntheticCandles{})
	res, err := calc.Calculate(context.Background(), &Configuration{
		ID: "c", IndicatorType: "macd", Symbol: "BTC/USDT", Interval: "1h", PeriodsRequired: 200,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Values, "macd")
	assert.Contains(t, res.Values, "signal")
	assert.Contains(t, res.Values, "histogram")
}

func TestTalibCalculatorOutputFieldFilter(t *testing.T) {
	calc := NewTalibCalculator(syntheticCandles{})
	res, err := calc.Calculate(context.Background(), &Configuration{
		ID: "c", IndicatorType: "bollinger", Symbol: "BTC/USDT", Interval: "1h",
		PeriodsRequired: 120, OutputFields: []string{"upper", "lower"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Values, "upper")
	assert.Contains(t, res.Values, "lower")
	assert.NotContains(t, res.Values, "middle")
}

func TestTalibCalculatorInsufficientData(t *testing.T) {
	calc := NewTalibCalculator(shortCandles{})
	_, err := calc.Calculate(context.Background(), &Configuration{
		ID: "c", IndicatorType: "rsi", Symbol: "BTC/USDT", Interval: "1h", PeriodsRequired: 5,
	})
	assert.Error(t, err)
}

type shortCandles struct{}

func (shortCandles) Candles(context.Context, string, string, int) ([]marketdata.Candle, error) {
	return []marketdata.Candle{{Close: 1}, {Close: 2}, {Close: 3}}, nil
}

func TestTalibCalculatorUnsupportedType(t *testing.T) {
	calc := NewTalibCalculator(syntheticCandles{})
	_, err := calc.Calculate(context.Background(), &Configuration{
		ID: "c", IndicatorType: "vwapx", Symbol: "BTC/USDT", Interval: "1h", PeriodsRequired: 120,
	})
	assert.Error(t, err)
}
