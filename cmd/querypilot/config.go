package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all querypilot configuration.
// Priority: flags > env vars (QUERYPILOT_*) > settings.yaml > defaults.
type Config struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	PoolSize       int      `mapstructure:"pool_size"`
	Dialect        string   `mapstructure:"dialect"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Store struct {
		Driver string `mapstructure:"driver"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"store"`

	Approval struct {
		Required  bool   `mapstructure:"required"`
		Condition string `mapstructure:"condition"`
	} `mapstructure:"approval"`

	Clarify struct {
		Score            string `mapstructure:"score"`
		AutoResolveAfter int    `mapstructure:"auto_resolve_after"`
	} `mapstructure:"clarify"`

	Summary struct {
		Program string `mapstructure:"program"`
	} `mapstructure:"summary"`

	Oracle struct {
		BaseURL string        `mapstructure:"base_url"`
		Model   string        `mapstructure:"model"`
		APIKey  string        `mapstructure:"api_key"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"oracle"`

	Gateway struct {
		Driver  string `mapstructure:"driver"`
		DSN     string `mapstructure:"dsn"`
		MaxRows int    `mapstructure:"max_rows"`
	} `mapstructure:"gateway"`

	Schema struct {
		Catalog     string `mapstructure:"catalog"`
		RefreshCron string `mapstructure:"refresh_cron"`
		Watch       bool   `mapstructure:"watch"`
	} `mapstructure:"schema"`

	Safety struct {
		DenyFunctions []string `mapstructure:"deny_functions"`
	} `mapstructure:"safety"`
}

func querypilotDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".querypilot"
	}
	return filepath.Join(home, ".querypilot")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4100")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("pool_size", 10)
	v.SetDefault("dialect", "postgresql")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", filepath.Join(querypilotDir(), "querypilot.db"))
	v.SetDefault("approval.required", false)
	v.SetDefault("approval.condition", "")
	v.SetDefault("clarify.score", "")
	v.SetDefault("clarify.auto_resolve_after", 1)
	v.SetDefault("summary.program", "")
	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.model", "gpt-4o-mini")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.timeout", 30*time.Second)
	v.SetDefault("gateway.driver", "postgres")
	v.SetDefault("gateway.dsn", "")
	v.SetDefault("gateway.max_rows", 1000)
	v.SetDefault("schema.catalog", "")
	v.SetDefault("schema.refresh_cron", "*/15 * * * *")
	v.SetDefault("schema.watch", true)
	v.SetDefault("safety.deny_functions", []string{})
}

// loadConfig layers settings.yaml and the environment over the defaults.
// An explicit path must exist; the default settings file is optional.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("settings")
		v.SetConfigType("yaml")
		v.AddConfigPath(querypilotDir())
	}

	v.SetEnvPrefix("QUERYPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Dialect {
	case "postgresql", "mysql":
	default:
		return fmt.Errorf("config: dialect must be postgresql or mysql, got %q", c.Dialect)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("config: pool_size must be at least 1")
	}
	if c.Gateway.MaxRows < 1 {
		return fmt.Errorf("config: gateway.max_rows must be at least 1")
	}
	return nil
}
