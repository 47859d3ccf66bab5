package arbitrage

import (
	"errors"
	"time"

	"mastertrade-core/pkg/confkit"
)

// Config tunes opportunity detection and execution.
type Config struct {
	// Detection gates.
	MinProfitPercent float64 `json:",default=0.5"`
	MinProfitUSD     float64 `json:",default=50"`

	// Auto-execution gates; both must pass.
	AutoExecuteMinProfitUSD float64 `json:",default=100"`
	AutoExecuteMinPercent   float64 `json:",default=1.0"`
	AutoExecute             bool    `json:",default=false"`

	// Sizing.
	MaxTradeAmountUSD float64 `json:",default=10000"`
	// DepthFraction bounds trade size to a fraction of the thinner venue's
	// visible liquidity.
	DepthFraction float64 `json:",default=0.1"`

	// Bookkeeping.
	ExecutionTimeout time.Duration `json:",default=2m"`
	ScanInterval     time.Duration `json:",default=5s"`

	// Universe.
	Pairs  []string `json:",optional"`
	Chains []string `json:",optional"`

	// Triangular detection.
	TriangularFeePct float64 `json:",default=0.1"` // per leg

	// Gas fallbacks (USD per swap) when no live gas feed is available.
	DefaultGasUSD map[string]float64 `json:",optional"`
}

// LoadConfig reads an arbitrage config file.
func LoadConfig(path string) (*Config, error) {
	cfg, err := confkit.LoadFile[Config](path, true)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies bounds.
func (c *Config) Validate() error {
	if c.MinProfitPercent < 0 || c.MinProfitUSD < 0 {
		return errors.New("arbitrage: profit gates must be non-negative")
	}
	if c.DepthFraction <= 0 || c.DepthFraction > 1 {
		c.DepthFraction = 0.1
	}
	if c.MaxTradeAmountUSD <= 0 {
		c.MaxTradeAmountUSD = 10000
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 2 * time.Minute
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Second
	}
	if c.TriangularFeePct < 0 {
		return errors.New("arbitrage: triangularFeePct must be non-negative")
	}
	return nil
}
