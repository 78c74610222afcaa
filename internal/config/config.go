// Package config handles the udpcap CLI's configuration loading: a YAML
// file with environment-variable overrides, unmarshaled into a typed
// struct with defaults applied via v.SetDefault.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/kestrelnet/udpcap/internal/log"
)

// Config is the top-level configuration for cmd/udpcap. It only covers
// ambient concerns (logging) and CLI convenience defaults; the core
// pkg/udpcap package takes no file or environment configuration of its
// own.
type Config struct {
	Log     log.LoggerConfig `mapstructure:"log"`
	Receive ReceiveConfig    `mapstructure:"receive"`
}

// ReceiveConfig holds settings for `udpcap receive`. The receive command
// has no flags for these; they come from the config file or environment.
type ReceiveConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
	TimeoutMS  int `mapstructure:"timeout_ms"`
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	return &Config{
		Log: *log.DefaultConfig(),
		Receive: ReceiveConfig{
			BufferSize: 1024 * 1024,
			TimeoutMS:  1000,
		},
	}
}

// Load reads path (if non-empty) with environment overrides under the
// UDPCAP_ prefix, e.g. UDPCAP_LOG_LEVEL, and unmarshals into Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("udpcap")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pattern", d.Log.Pattern)
	v.SetDefault("log.time", d.Log.Time)
	v.SetDefault("receive.buffer_size", d.Receive.BufferSize)
	v.SetDefault("receive.timeout_ms", d.Receive.TimeoutMS)
}
