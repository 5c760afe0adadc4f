package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clearstake/attest-engine/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Consensus ConsensusConfig `yaml:"consensus" mapstructure:"consensus"`
	Anchor    AnchorConfig    `yaml:"anchor" mapstructure:"anchor"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// ConsensusConfig configures registration and expiry behavior.
type ConsensusConfig struct {
	// MinimumStake is the stake bond floor, in minor currency units.
	MinimumStake int64 `yaml:"minimum_stake" mapstructure:"minimum_stake"`

	// SweepIntervalSecs is how often the expiry sweeper runs.
	SweepIntervalSecs int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
}

// AnchorConfig configures the ledger anchoring pipeline.
type AnchorConfig struct {
	Endpoint      string  `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey        string  `yaml:"api_key" mapstructure:"api_key"`
	MaxAttempts   int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	QueueDepth    int     `yaml:"queue_depth" mapstructure:"queue_depth"`
}

// AuthConfig lists the principals granted each capability.
type AuthConfig struct {
	Admins    []string `yaml:"admins" mapstructure:"admins"`
	Reviewers []string `yaml:"reviewers" mapstructure:"reviewers"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ATTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "attest.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("consensus.minimum_stake", 100_000)
	v.SetDefault("consensus.sweep_interval_secs", 60)
	v.SetDefault("anchor.max_attempts", 5)
	v.SetDefault("anchor.rate_per_second", 5.0)
	v.SetDefault("anchor.rate_burst", 10)
	v.SetDefault("anchor.queue_depth", 1024)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration required by the given mode is
// present and within bounds.
func (c *Config) Validate(mode string) error {
	var problems []string

	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.Consensus.MinimumStake > 0, "consensus.minimum_stake must be > 0")
	check(c.Store.Driver == "sqlite" || c.Store.Driver == "postgres",
		"store.driver must be sqlite or postgres")
	check(c.Store.DatabaseURL != "", "store.database_url is required")

	switch mode {
	case "serve":
		check(c.Server.Port > 0, "server.port must be > 0")
		check(c.Consensus.SweepIntervalSecs > 0, "consensus.sweep_interval_secs must be > 0")
		if c.Anchor.Endpoint != "" {
			check(c.Anchor.RatePerSecond > 0, "anchor.rate_per_second must be > 0")
			check(c.Anchor.QueueDepth > 0, "anchor.queue_depth must be > 0")
		}
	case "cli":
		// Store checks above are sufficient.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
