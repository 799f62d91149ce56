package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Market  MarketConfig  `yaml:"market" mapstructure:"market"`
	Advisor AdvisorConfig `yaml:"advisor" mapstructure:"advisor"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MarketConfig configures the price sync pipeline.
type MarketConfig struct {
	Workers         int    `yaml:"workers" mapstructure:"workers"`
	DefaultUnit     string `yaml:"default_unit" mapstructure:"default_unit"`
	SyncInterval    string `yaml:"sync_interval" mapstructure:"sync_interval"`
	FetchTimeoutSec int    `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	FetchRetries    int    `yaml:"fetch_retries" mapstructure:"fetch_retries"`
	UserAgent       string `yaml:"user_agent" mapstructure:"user_agent"`
	SourcesFile     string `yaml:"sources_file" mapstructure:"sources_file"`
}

// AdvisorConfig holds the completion model settings.
type AdvisorConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks the fields a run mode requires. Modes: "serve", "sync",
// "ask".
func (c *Config) Validate(mode string) error {
	var missing []string

	requireStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				missing = append(missing, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.SQLitePath == "" {
				missing = append(missing, "store.sqlite_path is required for the sqlite driver")
			}
		default:
			missing = append(missing, "store.driver must be postgres or sqlite")
		}
	}

	switch mode {
	case "serve":
		requireStore()
		if c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
	case "sync":
		requireStore()
		if c.Market.Workers < 1 || c.Market.Workers > 32 {
			missing = append(missing, "market.workers must be between 1 and 32")
		}
		if _, err := time.ParseDuration(c.Market.SyncInterval); err != nil {
			missing = append(missing, "market.sync_interval must be a duration")
		}
	case "ask":
		if c.Advisor.Key == "" {
			missing = append(missing, "advisor.key is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AGRISENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "agrisense.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("market.workers", 4)
	v.SetDefault("market.default_unit", "kg")
	v.SetDefault("market.sync_interval", "15m")
	v.SetDefault("market.fetch_timeout_secs", 15)
	v.SetDefault("market.fetch_retries", 3)
	v.SetDefault("market.user_agent", "agrisense-cli/1.0")
	v.SetDefault("market.sources_file", "sources.yaml")
	v.SetDefault("advisor.model", "claude-haiku-4-5-20251001")
	v.SetDefault("advisor.max_tokens", 2048)
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
