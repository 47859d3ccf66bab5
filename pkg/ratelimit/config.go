package ratelimit

import (
	"errors"

	"mastertrade-core/pkg/confkit"
)

// Config holds tuning for a named adaptive limiter.
type Config struct {
	Name        string  `json:",default=default"`
	DefaultRate float64 `json:",default=10.0"` // requests per second
	MaxRate     float64 `json:",default=100.0"`
	MinRate     float64 `json:",default=0.1"`
	WindowSize  int     `json:",default=60"` // sliding window, seconds
	// MirrorTTLSeconds bounds how long mirrored state lives in redis.
	MirrorTTLSeconds int `json:",default=3600"`
}

// LoadConfig reads a limiter config file.
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

// Validate checks rate bounds.
func (c *Config) Validate() error {
	if c.DefaultRate <= 0 {
		return errors.New("ratelimit: defaultRate must be positive")
	}
	if c.MinRate <= 0 || c.MinRate > c.DefaultRate {
		return errors.New("ratelimit: minRate must be in (0, defaultRate]")
	}
	if c.MaxRate < c.DefaultRate {
		return errors.New("ratelimit: maxRate must be >= defaultRate")
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 60
	}
	if c.MirrorTTLSeconds <= 0 {
		c.MirrorTTLSeconds = 3600
	}
	return nil
}
