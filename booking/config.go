package booking

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ReconnectConfig controls the realtime transport's backoff policy.
// Delays are in milliseconds so the file stays plain YAML integers.
type ReconnectConfig struct {
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	MaxAttempts    int     `yaml:"max_attempts"`
}

func (r ReconnectConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// HeartbeatConfig controls the app-level ping/pong liveness check.
type HeartbeatConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	TimeoutMS  int `yaml:"timeout_ms"`
}

func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalMS) * time.Millisecond
}

func (h HeartbeatConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMS) * time.Millisecond
}

// Config carries everything the SDK needs to talk to the platform.
type Config struct {
	APIBaseURL    string          `yaml:"api_base_url"`
	RealtimeURL   string          `yaml:"realtime_url"`
	HTTPTimeoutMS int             `yaml:"http_timeout_ms"`
	TokenPath     string          `yaml:"token_path"`
	Reconnect     ReconnectConfig `yaml:"reconnect"`
	Heartbeat     HeartbeatConfig `yaml:"heartbeat"`
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMS) * time.Millisecond
}

// Defaults returns the production configuration. Load starts from these, so
// a partial file only overrides what it names.
func Defaults() *Config {
	return &Config{
		APIBaseURL:    "https://api.freightline.in/v1",
		RealtimeURL:   "https://realtime.freightline.in/v1/socket",
		HTTPTimeoutMS: 15000,
		TokenPath:     "data/token.json",
		Reconnect: ReconnectConfig{
			InitialDelayMS: 1000,
			Multiplier:     2.0,
			MaxDelayMS:     30000,
			MaxAttempts:    5,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMS: 25000,
			TimeoutMS:  10000,
		},
	}
}

// Load reads a YAML config file on top of the defaults. A missing file is
// not an error; you just get the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
