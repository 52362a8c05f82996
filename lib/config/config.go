// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Offermesh
// components.
//
// Configuration is loaded from a single file specified by:
//   - OFFERMESH_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables do not override
// values. The only expansion performed is ${HOME} and similar path
// variables for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for Offermesh.
type Config struct {
	// Relay configures the wallet relay connection.
	Relay RelayConfig `yaml:"relay"`

	// Index configures the external offer index client.
	Index IndexConfig `yaml:"index"`

	// Store configures the local offer record store.
	Store StoreConfig `yaml:"store"`

	// Poll configures the offer state poller.
	Poll PollConfig `yaml:"poll"`
}

// RelayConfig configures the relay transport and connection manager.
// Durations are strings in time.ParseDuration syntax ("10s", "1m").
type RelayConfig struct {
	// Address is the relay's TCP address (host:port).
	Address string `yaml:"address"`

	// Topic is the pairing topic identifying this session.
	Topic string `yaml:"topic"`

	// ChainNamespace scopes the pairing to one chain (e.g. "chia:mainnet").
	ChainNamespace string `yaml:"chain_namespace"`

	// AccountFingerprint is the wallet account the session is bound to.
	AccountFingerprint uint32 `yaml:"account_fingerprint"`

	// ConnectTimeout is the readiness wait for a connect attempt.
	// Default: 10s
	ConnectTimeout string `yaml:"connect_timeout"`

	// ConnectGrace is the additional readiness wait granted after
	// ConnectTimeout elapses. Default: 2s
	ConnectGrace string `yaml:"connect_grace"`

	// RequestTimeout bounds each dispatched request. Default: 30s
	RequestTimeout string `yaml:"request_timeout"`

	// Backoff configures automatic reconnection.
	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig configures reconnect backoff.
type BackoffConfig struct {
	// InitialDelay before the first reconnect attempt. Default: 1s
	InitialDelay string `yaml:"initial_delay"`

	// MaxDelay caps the exponential growth. Default: 30s
	MaxDelay string `yaml:"max_delay"`

	// MaxAttempts before reconnection gives up. Default: 5
	MaxAttempts int `yaml:"max_attempts"`
}

// IndexConfig configures the offer index client.
type IndexConfig struct {
	// BaseURL of the index service. Required.
	BaseURL string `yaml:"base_url"`
}

// StoreConfig configures the record store.
type StoreConfig struct {
	// Path is the SQLite database file.
	// Default: ${HOME}/.local/share/offermesh/offers.db
	Path string `yaml:"path"`

	// PoolSize is the SQLite connection pool size. Default: 4
	PoolSize int `yaml:"pool_size"`
}

// PollConfig configures the offer state poller.
type PollConfig struct {
	// Interval between poll ticks. Default: 30s
	Interval string `yaml:"interval"`

	// LongPollInterval between single-offer long-poll attempts.
	// Default: 20s
	LongPollInterval string `yaml:"long_poll_interval"`

	// LongPollAttempts bounds a long poll. Default: 30
	LongPollAttempts int `yaml:"long_poll_attempts"`
}

// Default returns the default configuration. Defaults exist to give
// every field a sensible zero-value before the file is merged in; the
// config file itself is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Relay: RelayConfig{
			Address:        "127.0.0.1:9360",
			ConnectTimeout: "10s",
			ConnectGrace:   "2s",
			RequestTimeout: "30s",
			Backoff: BackoffConfig{
				InitialDelay: "1s",
				MaxDelay:     "30s",
				MaxAttempts:  5,
			},
		},
		Store: StoreConfig{
			Path:     filepath.Join(homeDir, ".local", "share", "offermesh", "offers.db"),
			PoolSize: 4,
		},
		Poll: PollConfig{
			Interval:         "30s",
			LongPollInterval: "20s",
			LongPollAttempts: 30,
		},
	}
}

// Load loads configuration from the OFFERMESH_CONFIG environment
// variable. There are no fallbacks — if OFFERMESH_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("OFFERMESH_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("OFFERMESH_CONFIG environment variable not set; " +
			"set it to the path of your offermesh.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Store.Path = expandVars(c.Store.Path, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Relay.Address == "" {
		errs = append(errs, fmt.Errorf("relay.address is required"))
	}
	if c.Relay.Topic == "" {
		errs = append(errs, fmt.Errorf("relay.topic is required"))
	}
	if c.Index.BaseURL == "" {
		errs = append(errs, fmt.Errorf("index.base_url is required"))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}

	durations := map[string]string{
		"relay.connect_timeout":       c.Relay.ConnectTimeout,
		"relay.connect_grace":         c.Relay.ConnectGrace,
		"relay.request_timeout":       c.Relay.RequestTimeout,
		"relay.backoff.initial_delay": c.Relay.Backoff.InitialDelay,
		"relay.backoff.max_delay":     c.Relay.Backoff.MaxDelay,
		"poll.interval":               c.Poll.Interval,
		"poll.long_poll_interval":     c.Poll.LongPollInterval,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, value))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration parses a duration field, returning fallback when the field
// is empty. Call Validate first; a malformed value here returns the
// fallback rather than an error.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// EnsureStoreDir creates the directory holding the store database.
func (c *Config) EnsureStoreDir() error {
	dir := filepath.Dir(c.Store.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}
