// Package config holds the settings consumed by the collector and store.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix is prepended to every environment override, e.g.
// BWTRACK_STORE_PATH for store.path.
const EnvPrefix = "BWTRACK"

// Config is the full runtime configuration.
type Config struct {
	Collector CollectorConfig `mapstructure:"collector" yaml:"collector"`
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type CollectorConfig struct {
	// Period between two drains of the capture map.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Extra attempts for a failed batch insert before the tick is dropped.
	PersistRetries int `mapstructure:"persist_retries" yaml:"persist_retries"`
}

type CaptureConfig struct {
	MaxEntries int  `mapstructure:"max_entries" yaml:"max_entries"`
	Synthetic  bool `mapstructure:"synthetic" yaml:"synthetic"`
}

type StoreConfig struct {
	Path            string `mapstructure:"path" yaml:"path"`
	RetentionDays   int    `mapstructure:"retention_days" yaml:"retention_days"`
	CleanupSchedule string `mapstructure:"cleanup_schedule" yaml:"cleanup_schedule"`
}

type MetricsConfig struct {
	// Listen address for /metrics. Empty disables the endpoint.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("collector.interval", 2*time.Second)
	v.SetDefault("collector.persist_retries", 1)
	v.SetDefault("capture.max_entries", 10240)
	v.SetDefault("capture.synthetic", false)
	v.SetDefault("store.path", "bandwidth.db")
	v.SetDefault("store.retention_days", 7)
	v.SetDefault("store.cleanup_schedule", "@every 1h")
	v.SetDefault("metrics.listen", ":9477")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// New returns a viper instance with defaults and environment overrides wired.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes v into a validated Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default is the configuration with nothing overridden.
func Default() *Config {
	cfg, err := Load(New(), "")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error
	if c.Collector.Interval <= 0 {
		errs = append(errs, fmt.Errorf("collector.interval must be positive, got %s", c.Collector.Interval))
	}
	if c.Collector.PersistRetries < 0 {
		errs = append(errs, fmt.Errorf("collector.persist_retries must not be negative"))
	}
	if c.Capture.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("capture.max_entries must be positive"))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Store.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("store.retention_days must be positive"))
	}
	return multierr.Combine(errs...)
}
