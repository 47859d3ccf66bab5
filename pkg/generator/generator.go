// Package generator produces trading strategy candidates. The advanced
// generator calls an LLM; its absence degrades to the deterministic template
// library, yielding fewer-but-valid strategies rather than errors.
package generator

import "context"

// Candidate is one proposed strategy configuration.
type Candidate struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"` // momentum | mean_reversion | breakout | btc_correlation
	Symbol     string         `json:"symbol"`
	Timeframe  string         `json:"timeframe"`
	Parameters map[string]any `json:"parameters"`
}

// Generator is the pluggable strategy producer capability set.
type Generator interface {
	// GenerateSystematic proposes count candidates across the given types.
	GenerateSystematic(ctx context.Context, count int, types []string) ([]Candidate, error)
	// GenerateImproved proposes variations of base targeting the named
	// weakness (e.g. "win_rate", "drawdown").
	GenerateImproved(ctx context.Context, base Candidate, target string, count int) ([]Candidate, error)
}

// KnownTypes lists the template families every generator supports.
func KnownTypes() []string {
	return []string{"momentum", "mean_reversion", "breakout", "btc_correlation"}
}
