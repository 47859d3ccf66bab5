package strategy

import (
	"errors"
	"time"

	"mastertrade-core/pkg/confkit"
)

// SettingMaxActiveStrategies is the settings-store key governing activation.
const SettingMaxActiveStrategies = "MAX_ACTIVE_STRATEGIES"

// Config tunes the strategy lifecycle services.
type Config struct {
	// Generation.
	BacktestWindowDays int     `json:",default=90"`
	MinCandles         int     `json:",default=100"`
	ProgressEveryGen   int     `json:",default=10"`
	ProgressEveryBT    int     `json:",default=5"`
	InitialEquity      float64 `json:",default=100000"`
	FeeBps             float64 `json:",default=10"`
	SlippageBps        float64 `json:",default=5"`

	// Pass criteria; all must hold.
	PassWinRate      float64 `json:",default=0.45"`
	PassSharpe       float64 `json:",default=1.0"`
	PassMaxDrawdown  float64 `json:",default=-0.25"`
	PassProfitFactor float64 `json:",default=1.2"`
	PassMinTrades    int     `json:",default=50"`

	// Review.
	ReviewInterval   time.Duration `json:",default=24h"`
	ReviewCron       string        `json:",default=0 3 * * *"`
	ReviewMinTrades  int           `json:",default=10"`
	ReviewWindowDays int           `json:",default=30"`
	RiskFreeDaily    float64       `json:",default=0.0001"`

	// Activation.
	DefaultMaxActive  int           `json:",default=2"`
	MinStabilityHours int           `json:",default=4"`
	ActivationCron    string        `json:",default=30 */1 * * *"`
	ActivationTimeout time.Duration `json:",default=2m"`
}

// LoadConfig reads a lifecycle config file.
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
	if c.BacktestWindowDays <= 0 {
		c.BacktestWindowDays = 90
	}
	if c.MinCandles <= 0 {
		c.MinCandles = 100
	}
	if c.ProgressEveryGen <= 0 {
		c.ProgressEveryGen = 10
	}
	if c.ProgressEveryBT <= 0 {
		c.ProgressEveryBT = 5
	}
	if c.PassMinTrades <= 0 {
		return errors.New("strategy: passMinTrades must be positive")
	}
	if c.DefaultMaxActive <= 0 {
		c.DefaultMaxActive = 2
	}
	if c.MinStabilityHours < 0 {
		c.MinStabilityHours = 4
	}
	if c.ReviewInterval <= 0 {
		c.ReviewInterval = 24 * time.Hour
	}
	if c.ReviewWindowDays <= 0 {
		c.ReviewWindowDays = 30
	}
	if c.ReviewMinTrades <= 0 {
		c.ReviewMinTrades = 10
	}
	return nil
}
