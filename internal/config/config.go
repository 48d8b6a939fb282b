// Package config loads ledgersync configuration from flags, environment, and
// an optional YAML file, in that precedence order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full ledgersync configuration. Flag bindings in the cmd layer
// override environment variables, which override the config file, which
// overrides the defaults set here.
type Config struct {
	// DBPath locates the SQLite database holding targets, transactions,
	// runs, and leases.
	DBPath string `mapstructure:"db_path"`

	// Lock tunes the distributed lease.
	Lock LockConfig `mapstructure:"lock"`

	// Sync tunes the page loop and its retry bounds.
	Sync SyncConfig `mapstructure:"sync"`

	// Daemon tunes the background scheduler.
	Daemon DaemonConfig `mapstructure:"daemon"`

	// CategoryRules is an optional TOML rules file for category mapping;
	// empty means the built-in default ruleset.
	CategoryRules string `mapstructure:"category_rules"`

	// FeedScript is an optional YAML feed script; empty means the CLI
	// requires --feed-script or a real adapter.
	FeedScript string `mapstructure:"feed_script"`
}

// LockConfig tunes lease acquisition and renewal.
type LockConfig struct {
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	TTL           time.Duration `mapstructure:"ttl"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
}

// SyncConfig tunes the page loop.
type SyncConfig struct {
	PageSize      int           `mapstructure:"page_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	MaxRestarts   int           `mapstructure:"max_restarts"`
	CommitRetries int           `mapstructure:"commit_retries"`
}

// DaemonConfig tunes the background scheduler.
type DaemonConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	PidFile       string        `mapstructure:"pid_file"`
	LogFile       string        `mapstructure:"log_file"`
	LogMaxSizeMB  int           `mapstructure:"log_max_size_mb"`
	LogMaxBackups int           `mapstructure:"log_max_backups"`
	LogMaxAgeDays int           `mapstructure:"log_max_age_days"`
}

// setDefaults registers every default on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(".ledgersync", "ledger.db"))
	v.SetDefault("category_rules", "")
	v.SetDefault("feed_script", "")

	v.SetDefault("lock.wait_timeout", 5*time.Second)
	v.SetDefault("lock.ttl", 60*time.Second)
	v.SetDefault("lock.renew_interval", 20*time.Second)

	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.base_delay", 500*time.Millisecond)
	v.SetDefault("sync.max_delay", 30*time.Second)
	v.SetDefault("sync.max_restarts", 2)
	v.SetDefault("sync.commit_retries", 2)

	v.SetDefault("daemon.interval", 15*time.Minute)
	v.SetDefault("daemon.max_concurrent", 4)
	v.SetDefault("daemon.pid_file", filepath.Join(".ledgersync", "daemon.pid"))
	v.SetDefault("daemon.log_file", "")
	v.SetDefault("daemon.log_max_size_mb", 20)
	v.SetDefault("daemon.log_max_backups", 3)
	v.SetDefault("daemon.log_max_age_days", 14)
}

// Load reads configuration with the standard sources. configFile may be
// empty, in which case ledgersync.yaml is searched in the working directory
// and $HOME/.config/ledgersync. A missing file is not an error; a present but
// malformed file is.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEDGERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("ledgersync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "ledgersync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}
	if c.Lock.RenewInterval >= c.Lock.TTL {
		return fmt.Errorf("lock.renew_interval (%v) must be shorter than lock.ttl (%v)",
			c.Lock.RenewInterval, c.Lock.TTL)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.Daemon.Interval <= 0 {
		return fmt.Errorf("daemon.interval must be positive")
	}
	if c.Daemon.MaxConcurrent <= 0 {
		return fmt.Errorf("daemon.max_concurrent must be positive")
	}
	return nil
}
