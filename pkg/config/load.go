package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the file and environment leave a field unset.
const (
	DefaultListen           = ":8700"
	DefaultPath             = "/mcp"
	DefaultSeparator        = "__"
	DefaultInitTimeout      = 30 * time.Second
	DefaultFetchTimeout     = 10 * time.Second
	DefaultCallTimeout      = 60 * time.Second
	DefaultHealthInterval   = 30 * time.Second
	DefaultProbeTimeout     = 10 * time.Second
	DefaultDegradedLatency  = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultCooldown         = 60 * time.Second
	DefaultEventCapacity    = 1024
)

// Load reads, merges, and validates the configuration at path. Environment
// variables with the MESHGATE_ prefix override file values
// (MESHGATE_LISTEN=:9000 overrides "listen").
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MESHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", DefaultListen)
	v.SetDefault("path", DefaultPath)
	v.SetDefault("conflict.strategy", StrategyPrefix)
	v.SetDefault("conflict.separator", DefaultSeparator)
	v.SetDefault("health.interval", DefaultHealthInterval)
	v.SetDefault("health.probe_timeout", DefaultProbeTimeout)
	v.SetDefault("health.degraded_latency", DefaultDegradedLatency)
	v.SetDefault("health.failure_threshold", DefaultFailureThreshold)
	v.SetDefault("health.cooldown", DefaultCooldown)
	v.SetDefault("auth.mode", "anonymous")
	v.SetDefault("auth.default_effect", EffectAllow)
	v.SetDefault("event_capacity", DefaultEventCapacity)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	applyBackendDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyBackendDefaults(cfg *Config) {
	for name, b := range cfg.Backends {
		b.Name = name
		if b.Transport == "" {
			if b.Command != "" {
				b.Transport = TransportStdio
			} else {
				b.Transport = TransportHTTP
			}
		}
		if b.InitTimeout <= 0 {
			b.InitTimeout = DefaultInitTimeout
		}
		if b.FetchTimeout <= 0 {
			b.FetchTimeout = DefaultFetchTimeout
		}
		if b.CallTimeout <= 0 {
			b.CallTimeout = DefaultCallTimeout
		}
		if b.ReadyDelay < 0 {
			b.ReadyDelay = 0
		}
	}
}
