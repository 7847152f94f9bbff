// Package config loads worker settings from an optional YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the outbox worker configuration.
type Config struct {
	Dispatcher struct {
		PollInterval   time.Duration `yaml:"poll_interval"`
		BatchSize      int           `yaml:"batch_size"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
		StaleAfter     time.Duration `yaml:"stale_after"`
	} `yaml:"dispatcher"`

	Sweeper struct {
		Interval      time.Duration `yaml:"interval"`
		RetentionDays int           `yaml:"retention_days"`
	} `yaml:"sweeper"`

	Broker struct {
		// NATSURL selects the broker; empty means the local in-memory
		// publisher (no delivery infrastructure).
		NATSURL         string        `yaml:"nats_url"`
		MaxAge          time.Duration `yaml:"max_age"`
		Replicas        int           `yaml:"replicas"`
		DuplicateWindow time.Duration `yaml:"duplicate_window"`
	} `yaml:"broker"`

	Router struct {
		Enabled     bool   `yaml:"enabled"`
		GlobalTopic string `yaml:"global_topic"`
	} `yaml:"router"`

	Listener struct {
		Enabled bool   `yaml:"enabled"`
		Channel string `yaml:"channel"`
	} `yaml:"listener"`

	Ops struct {
		Addr string `yaml:"addr"`
	} `yaml:"ops"`
}

// Default returns the production defaults.
func Default() Config {
	var cfg Config
	cfg.Dispatcher.PollInterval = 5 * time.Second
	cfg.Dispatcher.BatchSize = 100
	cfg.Dispatcher.PublishTimeout = 30 * time.Second
	cfg.Dispatcher.StaleAfter = 5 * time.Minute
	cfg.Sweeper.Interval = 6 * time.Hour
	cfg.Sweeper.RetentionDays = 30
	cfg.Broker.MaxAge = 7 * 24 * time.Hour
	cfg.Broker.Replicas = 1
	cfg.Broker.DuplicateWindow = 2 * time.Hour
	cfg.Router.Enabled = true
	cfg.Router.GlobalTopic = "all-events"
	cfg.Listener.Enabled = true
	cfg.Listener.Channel = "outbox_wakeup"
	cfg.Ops.Addr = ":8090"
	return cfg
}

// Load reads the YAML file at path (skipped when path is empty) over the
// defaults, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Broker.NATSURL = v
	}
	if v := os.Getenv("OPS_ADDR"); v != "" {
		c.Ops.Addr = v
	}
	if v := os.Getenv("OUTBOX_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Dispatcher.PollInterval = d
		}
	}
	if v := os.Getenv("OUTBOX_RETENTION_DAYS"); v != "" {
		var days int
		if _, err := fmt.Sscanf(v, "%d", &days); err == nil && days > 0 {
			c.Sweeper.RetentionDays = days
		}
	}
}

func (c *Config) validate() error {
	if c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("dispatcher batch_size must be positive")
	}
	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("dispatcher poll_interval must be positive")
	}
	if c.Sweeper.RetentionDays <= 0 {
		return fmt.Errorf("sweeper retention_days must be positive")
	}
	return nil
}
