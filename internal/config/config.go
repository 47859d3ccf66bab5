package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/service"

	"mastertrade-core/pkg/arbitrage"
	"mastertrade-core/pkg/confkit"
	"mastertrade-core/pkg/fabric"
	"mastertrade-core/pkg/generator"
	"mastertrade-core/pkg/indicator"
	"mastertrade-core/pkg/ratelimit"
	"mastertrade-core/pkg/risk"
	"mastertrade-core/pkg/strategy"
)

// PostgresConf carries database settings with pool tuning.
type PostgresConf struct {
	DataSource  string        `json:",optional,env=POSTGRES_DSN"`
	MaxOpen     int           `json:",default=10"`
	MaxIdle     int           `json:",default=5"`
	MaxLifetime time.Duration `json:",default=5m"`
}

// RedisConf carries the optional limiter-mirror redis.
type RedisConf struct {
	Addr     string `json:",optional,env=REDIS_ADDR"`
	Password string `json:",optional,env=REDIS_PASSWORD"`
	DB       int    `json:",default=0"`
}

// ChainRPCConf names one chain RPC endpoint for the gas tracker.
type ChainRPCConf struct {
	Chain string
	URL   string
}

// Config is the root configuration of the trading core. Heavyweight sections
// live in their own files and are hydrated via confkit.Section.
type Config struct {
	service.ServiceConf
	// Env indicates the running environment: test | dev | prod.
	Env string `json:",default=test"`

	Postgres PostgresConf   `json:",optional"`
	Redis    RedisConf      `json:",optional"`
	Chains   []ChainRPCConf `json:",optional"`

	JournalDir string `json:",default=journal/risk"`

	Fabric    confkit.Section[fabric.Config]       `json:",optional"`
	RateLimit confkit.Section[ratelimit.Config]    `json:",optional"`
	Risk      confkit.Section[risk.Config]         `json:",optional"`
	Indicator confkit.Section[indicator.Config]    `json:",optional"`
	Arbitrage confkit.Section[arbitrage.Config]    `json:",optional"`
	Strategy  confkit.Section[strategy.Config]     `json:",optional"`
	Generator confkit.Section[generator.LLMConfig] `json:",optional"`

	mainPath string
	baseDir  string
}

// MustLoad reads the config or panics.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads, validates and hydrates the full configuration tree.
func Load(path string) (*Config, error) {
	confkit.LoadDotenvOnce()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}

	var cfg Config
	if err := conf.Load(absPath, &cfg, conf.UseEnv()); err != nil {
		return nil, fmt.Errorf("load config %s: %w", absPath, err)
	}
	cfg.mainPath = absPath
	cfg.baseDir = filepath.Dir(absPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.hydrateSections(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the root fields.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "", "test", "dev", "prod":
		if strings.TrimSpace(c.Env) == "" {
			c.Env = "test"
		}
	default:
		return errors.New("config: env must be one of test|dev|prod")
	}
	return nil
}

// IsTestEnv reports whether the core runs against sim venues.
func (c *Config) IsTestEnv() bool {
	return c.Env == "test" || c.Env == ""
}

func (c *Config) hydrateSections() error {
	base := c.baseDir

	if err := c.Fabric.Hydrate(base, fabric.LoadConfig); err != nil {
		return fmt.Errorf("load fabric config: %w", err)
	}
	if err := c.RateLimit.Hydrate(base, ratelimit.LoadConfig); err != nil {
		return fmt.Errorf("load ratelimit config: %w", err)
	}
	if err := c.Risk.Hydrate(base, risk.LoadConfig); err != nil {
		return fmt.Errorf("load risk config: %w", err)
	}
	if err := c.Indicator.Hydrate(base, indicator.LoadConfig); err != nil {
		return fmt.Errorf("load indicator config: %w", err)
	}
	if err := c.Arbitrage.Hydrate(base, arbitrage.LoadConfig); err != nil {
		return fmt.Errorf("load arbitrage config: %w", err)
	}
	if err := c.Strategy.Hydrate(base, strategy.LoadConfig); err != nil {
		return fmt.Errorf("load strategy config: %w", err)
	}
	if err := c.Generator.Hydrate(base, generator.LoadLLMConfig); err != nil {
		return fmt.Errorf("load generator config: %w", err)
	}
	return nil
}

// MainPath returns the absolute path of the loaded config file.
func (c *Config) MainPath() string { return c.mainPath }

// BaseDir returns the directory of the loaded config file.
func (c *Config) BaseDir() string { return c.baseDir }
