package stitchz

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the environment variable prefix read by LoadConfig.
const DefaultEnvPrefix = "STITCHZ_"

// ErrInvalidConfig is returned by Validate for out-of-range settings.
var ErrInvalidConfig = errors.New("stitchz: invalid config")

// Config controls the aggregator of a Tracer.
type Config struct {
	// ReportInterval is the time between two periodic aggregation cycles.
	ReportInterval time.Duration `koanf:"report_interval"`
	// TailSampled holds every trace until its root span ends, so a
	// cancelled root suppresses the whole trace.
	TailSampled bool `koanf:"tail_sampled"`
	// ChannelCapacity is the ring size of each producer channel.
	ChannelCapacity int `koanf:"channel_capacity"`
	// SenderPoolSize bounds the number of idle producer channels kept for reuse.
	SenderPoolSize int `koanf:"sender_pool_size"`
	// ShutdownTimeout bounds how long Close waits for the final cycle.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		ReportInterval:  time.Second,
		TailSampled:     false,
		ChannelCapacity: 10240,
		SenderPoolSize:  4 * runtime.GOMAXPROCS(0),
		ShutdownTimeout: 100 * time.Millisecond,
	}
}

// Validate checks that every setting is usable.
func (c Config) Validate() error {
	switch {
	case c.ReportInterval <= 0:
		return fmt.Errorf("%w: report_interval must be positive, got %s", ErrInvalidConfig, c.ReportInterval)
	case c.ChannelCapacity < 2:
		return fmt.Errorf("%w: channel_capacity must be at least 2, got %d", ErrInvalidConfig, c.ChannelCapacity)
	case c.SenderPoolSize < 1:
		return fmt.Errorf("%w: sender_pool_size must be at least 1, got %d", ErrInvalidConfig, c.SenderPoolSize)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown_timeout must be positive, got %s", ErrInvalidConfig, c.ShutdownTimeout)
	}
	return nil
}

// withDefaults replaces unusable settings with their defaults. Tracing must
// keep working even when handed a bad config.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReportInterval <= 0 {
		c.ReportInterval = d.ReportInterval
	}
	if c.ChannelCapacity < 2 {
		c.ChannelCapacity = d.ChannelCapacity
	}
	if c.SenderPoolSize < 1 {
		c.SenderPoolSize = d.SenderPoolSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// LoadConfig reads settings on top of DefaultConfig.
// Loading order (later sources override earlier):
//  1. Defaults
//  2. YAML file at path, if path is not empty
//  3. Environment variables, e.g. STITCHZ_REPORT_INTERVAL=250ms
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envTransformer := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, DefaultEnvPrefix))
	}
	if err := k.Load(env.Provider(DefaultEnvPrefix, ".", envTransformer), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
