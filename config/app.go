package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding app settings.
const EnvPrefix = "HALCORE"

// AppConfig holds the process-level settings.
type AppConfig struct {
	LogLevel      string        `mapstructure:"log_level"`
	LogFormat     string        `mapstructure:"log_format"`
	SetupFile     string        `mapstructure:"setup_file"`
	ShowGUI       bool          `mapstructure:"show_gui"`
	SyncBackoff   time.Duration `mapstructure:"sync_backoff"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	StuckTimeout  time.Duration `mapstructure:"stuck_timeout"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
}

// Default returns the settings used when nothing overrides them.
func Default() *AppConfig {
	return &AppConfig{
		LogLevel:      "info",
		LogFormat:     "text",
		SetupFile:     "setup.hcl",
		SyncBackoff:   50 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		StuckTimeout:  30 * time.Second,
	}
}

// NewViper returns a viper instance carrying the defaults and reading
// HALCORE_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default of every setting with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("setup_file", d.SetupFile)
	v.SetDefault("show_gui", d.ShowGUI)
	v.SetDefault("sync_backoff", d.SyncBackoff)
	v.SetDefault("sweep_interval", d.SweepInterval)
	v.SetDefault("stuck_timeout", d.StuckTimeout)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// Load reads the optional config file named by configFile and unmarshals
// the merged settings.
func Load(v *viper.Viper, configFile string) (*AppConfig, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *AppConfig) Validate() error {
	var errs []error
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.LogLevel)) {
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	if !slices.Contains([]string{"text", "json"}, strings.ToLower(c.LogFormat)) {
		errs = append(errs, fmt.Errorf("log_format: unknown format %q", c.LogFormat))
	}
	if c.SetupFile == "" {
		errs = append(errs, errors.New("setup_file: must be set"))
	}
	if c.SyncBackoff <= 0 {
		errs = append(errs, fmt.Errorf("sync_backoff: must be positive, got %s", c.SyncBackoff))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep_interval: must be positive, got %s", c.SweepInterval))
	}
	if c.StuckTimeout < 0 {
		errs = append(errs, fmt.Errorf("stuck_timeout: must not be negative, got %s", c.StuckTimeout))
	}
	return errors.Join(errs...)
}
