package generator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateLibraryCyclesTypes(t *testing.T) {
	lib := NewTemplateLibrary()
	out, err := lib.GenerateSystematic(context.Background(), 8, nil)
	require.NoError(t, err)
	require.Len(t, out, 8)

	counts := make(map[string]int)
	for _, c := range out {
		counts[c.Type]++
		assert.NotEmpty(t, c.Name)
		assert.NotEmpty(t, c.Parameters)
		assert.NotEmpty(t, c.Symbol)
	}
	for _, typ := range KnownTypes() {
		assert.Equal(t, 2, counts[typ])
	}
}

func TestTemplateLibraryDeterministic(t *testing.T) {
	lib := NewTemplateLibrary()
	a, err := lib.GenerateSystematic(context.Background(), 4, []string{"momentum"})
	require.NoError(t, err)
	b, err := lib.GenerateSystematic(context.Background(), 4, []string{"momentum"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerateImprovedTargets(t *testing.T) {
	lib := NewTemplateLibrary()
	base := Candidate{
		Name: "m1", Type: "momentum", Symbol: "BTC/USDT", Timeframe: "1h",
		Parameters: map[string]any{"entry_threshold": 0.02, "stop_loss_pct": 3.0},
	}
	improved, err := lib.GenerateImproved(context.Background(), base, "win_rate", 2)
	require.NoError(t, err)
	require.Len(t, improved, 2)
	// Tighter entries for win-rate improvement.
	assert.InDelta(t, 0.022, improved[0].Parameters["entry_threshold"].(float64), 1e-9)
	assert.InDelta(t, 0.024, improved[1].Parameters["entry_threshold"].(float64), 1e-9)
	// Base untouched.
	assert.Equal(t, 0.02, base.Parameters["entry_threshold"])
}

func TestValidateCandidate(t *testing.T) {
	ok := Candidate{Name: "n", Type: "momentum", Symbol: "BTC/USDT", Timeframe: "1h", Parameters: map[string]any{"x": 1.0}}
	assert.NoError(t, validate(&ok))

	bad := ok
	bad.Timeframe = "7m"
	assert.Error(t, validate(&bad))

	bad = ok
	bad.Type = "martingale"
	assert.Error(t, validate(&bad))
}
