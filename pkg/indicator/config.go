package indicator

import (
	"errors"
	"time"

	"mastertrade-core/pkg/confkit"
)

// Config tunes the indicator configuration manager.
type Config struct {
	// UpdateInterval is the continuous calculation cadence.
	UpdateInterval time.Duration `json:",default=60s"`
	// DBRefreshInterval rehydrates the in-process config cache.
	DBRefreshInterval time.Duration `json:",default=5m"`
	// BatchSize bounds bulk calculation jobs.
	BatchSize int `json:",default=20"`
	// Queue is the fabric queue consuming config requests.
	Queue string `json:",default=indicator_config_requests"`
	// PauseAfterErrors pauses a config for one refresh cycle after this many
	// consecutive calculation failures.
	PauseAfterErrors int `json:",default=3"`
}

// LoadConfig reads an indicator manager config file.
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

// Validate applies bounds and defaults.
func (c *Config) Validate() error {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = time.Minute
	}
	if c.DBRefreshInterval <= 0 {
		c.DBRefreshInterval = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.BatchSize > 100 {
		return errors.New("indicator: batchSize must be <= 100")
	}
	if c.Queue == "" {
		c.Queue = "indicator_config_requests"
	}
	if c.PauseAfterErrors <= 0 {
		c.PauseAfterErrors = 3
	}
	return nil
}
