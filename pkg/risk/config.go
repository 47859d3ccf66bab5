package risk

import (
	"errors"
	"time"

	"mastertrade-core/pkg/confkit"
)

// Config carries every tunable of the risk decision core. Defaults mirror the
// production settings the platform has run with.
type Config struct {
	// Account / position bounds.
	MinAccountBalance  float64 `json:",default=1000"`
	MinPositionSizeUSD float64 `json:",default=10"`
	MaxPositionSizeUSD float64 `json:",default=50000"`
	TargetRiskPct      float64 `json:",default=0.01"` // fraction of balance risked per trade
	MaxPortfolioRisk   float64 `json:",default=2.0"`  // percent of balance, max loss per trade

	// Volatility.
	HighVolThreshold float64 `json:",default=0.05"` // daily sigma
	DefaultVolLookbackDays int `json:",default=14"`

	// Concentration / correlation.
	MaxSinglePositionPct     float64 `json:",default=20"` // percent of portfolio
	MaxCorrelatedExposurePct float64 `json:",default=40"`
	CryptoMaxPct             float64 `json:",default=80"`
	StablecoinMaxPct         float64 `json:",default=50"`
	DefiMaxPct               float64 `json:",default=30"`

	// Portfolio risk limits.
	MaxVarPercent      float64 `json:",default=5"`
	MaxDrawdownPercent float64 `json:",default=20"`
	MaxLeverage        float64 `json:",default=3"`

	// Stop-loss bounds (percent).
	MinStopLossPct float64 `json:",default=0.5"`
	MaxStopLossPct float64 `json:",default=15"`

	// Approval.
	RiskScoreThreshold float64 `json:",default=7"` // avg risk factor 0..10

	// Scheduling.
	AdjustInterval time.Duration `json:",default=60s"`
	RPCQueue       string        `json:",default=risk_check_requests"`
	RequestTTL     time.Duration `json:",default=30s"`

	// Fear & greed style market sentiment index (0..100); sourced externally,
	// used for crisis detection when < CrisisFearGreed.
	CrisisFearGreed float64 `json:",default=20"`
}

// DefaultConfig returns the built-in production defaults.
func DefaultConfig() *Config {
	return &Config{
		MinAccountBalance:        1000,
		MinPositionSizeUSD:       10,
		MaxPositionSizeUSD:       50000,
		TargetRiskPct:            0.01,
		MaxPortfolioRisk:         2.0,
		HighVolThreshold:         0.05,
		DefaultVolLookbackDays:   14,
		MaxSinglePositionPct:     20,
		MaxCorrelatedExposurePct: 40,
		CryptoMaxPct:             80,
		StablecoinMaxPct:         50,
		DefiMaxPct:               30,
		MaxVarPercent:            5,
		MaxDrawdownPercent:       20,
		MaxLeverage:              3,
		MinStopLossPct:           0.5,
		MaxStopLossPct:           15,
		RiskScoreThreshold:       7,
		AdjustInterval:           time.Minute,
		RPCQueue:                 "risk_check_requests",
		RequestTTL:               30 * time.Second,
		CrisisFearGreed:          20,
	}
}

// LoadConfig reads a risk config file.
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

// Validate enforces internally consistent bounds.
func (c *Config) Validate() error {
	if c.MinAccountBalance < 0 {
		return errors.New("risk: minAccountBalance must be >= 0")
	}
	if c.MinPositionSizeUSD <= 0 || c.MaxPositionSizeUSD <= c.MinPositionSizeUSD {
		return errors.New("risk: position size bounds invalid")
	}
	if c.TargetRiskPct <= 0 || c.TargetRiskPct > 0.1 {
		return errors.New("risk: targetRiskPct must be in (0, 0.1]")
	}
	if c.MinStopLossPct <= 0 || c.MaxStopLossPct <= c.MinStopLossPct {
		return errors.New("risk: stop loss bounds invalid")
	}
	if c.RiskScoreThreshold <= 0 || c.RiskScoreThreshold > 10 {
		return errors.New("risk: riskScoreThreshold must be in (0, 10]")
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = time.Minute
	}
	if c.RPCQueue == "" {
		c.RPCQueue = "risk_check_requests"
	}
	if c.RequestTTL <= 0 {
		c.RequestTTL = 30 * time.Second
	}
	return nil
}
