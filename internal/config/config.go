// Package config defines process configuration and its loading order:
// defaults, then an optional YAML file, then RACESYNC_ environment
// variables.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/racesync/racesync/internal/race/debounce"
	"github.com/racesync/racesync/internal/race/stream"
	"github.com/racesync/racesync/internal/race/winner"
)

// Transport names for the push channel.
const (
	TransportWebsocket = "websocket"
	TransportNATS      = "nats"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// APIBaseURL is the snapshot service, e.g. "http://localhost:4000/api".
	APIBaseURL string `koanf:"api_base_url"`

	// APITimeoutMS bounds each snapshot request.
	APITimeoutMS int `koanf:"api_timeout_ms"`

	// StreamTransport selects the push channel: websocket or nats.
	StreamTransport string `koanf:"stream_transport"`

	// StreamURL is the websocket feed or the NATS server URL.
	StreamURL string `koanf:"stream_url"`

	// NATS consumer settings, used when stream_transport is nats.
	NATSStream        string `koanf:"nats_stream"`
	NATSConsumer      string `koanf:"nats_consumer"`
	NATSSubjectFilter string `koanf:"nats_subject_filter"`

	// Debounce window for dirty-triggered snapshot refetches.
	DebounceQuietMS   int `koanf:"debounce_quiet_ms"`
	DebounceMaxWaitMS int `koanf:"debounce_max_wait_ms"`

	// Winner resolution timings.
	WinnerSettleDelayMS  int `koanf:"winner_settle_delay_ms"`
	WinnerMaxAttempts    int `koanf:"winner_max_attempts"`
	WinnerRetryBackoffMS int `koanf:"winner_retry_backoff_ms"`

	// Snapshot fetch retry settings for transient API failures.
	SnapshotMaxAttempts    int `koanf:"snapshot_max_attempts"`
	SnapshotRetryBackoffMS int `koanf:"snapshot_retry_backoff_ms"`

	// MetricsAddr serves Prometheus metrics when non-empty, e.g. ":9090".
	MetricsAddr string `koanf:"metrics_addr"`
}

// New returns the defaults.
func New() *Config {
	return &Config{
		LogLevel:               "info",
		APIBaseURL:             "http://localhost:4000/api",
		APITimeoutMS:           30_000,
		StreamTransport:        TransportWebsocket,
		StreamURL:              "ws://localhost:4001/stream",
		NATSStream:             "RACE_EVENTS",
		NATSConsumer:           "racesync-engine",
		NATSSubjectFilter:      "race.events.>",
		DebounceQuietMS:        int(debounce.DefaultQuiet / time.Millisecond),
		DebounceMaxWaitMS:      int(debounce.DefaultMaxWait / time.Millisecond),
		WinnerSettleDelayMS:    500,
		WinnerMaxAttempts:      4,
		WinnerRetryBackoffMS:   1000,
		SnapshotMaxAttempts:    3,
		SnapshotRetryBackoffMS: 500,
	}
}

// Load builds a Config by layering defaults, an optional file, and env
// vars. Order of precedence (low -> high):
//  1. defaults (New)
//  2. file (YAML) if RACESYNC_CONFIG is set
//  3. env (prefix RACESYNC_)
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("RACESYNC_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// RACESYNC_API_BASE_URL -> api_base_url, flat keys preserving
	// underscores to match the koanf tags on the struct.
	envProvider := env.Provider("RACESYNC_", ".", func(s string) string {
		s = strings.ToLower(s)
		return strings.TrimPrefix(s, "racesync_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := *New()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}

	if cfg.APIBaseURL == "" {
		return nil, errors.New("api_base_url must not be empty")
	}
	if cfg.StreamTransport != TransportWebsocket && cfg.StreamTransport != TransportNATS {
		return nil, errors.New("stream_transport must be websocket or nats")
	}
	return &cfg, nil
}

// APITimeout returns the snapshot request timeout.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutMS) * time.Millisecond
}

// DebounceQuiet returns the debounce quiet window.
func (c *Config) DebounceQuiet() time.Duration {
	return time.Duration(c.DebounceQuietMS) * time.Millisecond
}

// DebounceMaxWait returns the debounce starvation ceiling.
func (c *Config) DebounceMaxWait() time.Duration {
	return time.Duration(c.DebounceMaxWaitMS) * time.Millisecond
}

// SnapshotRetryBackoff returns the wait before a snapshot fetch retry.
func (c *Config) SnapshotRetryBackoff() time.Duration {
	return time.Duration(c.SnapshotRetryBackoffMS) * time.Millisecond
}

// WinnerConfig returns the winner resolver timings.
func (c *Config) WinnerConfig() winner.Config {
	return winner.Config{
		SettleDelay:  time.Duration(c.WinnerSettleDelayMS) * time.Millisecond,
		MaxAttempts:  c.WinnerMaxAttempts,
		RetryBackoff: time.Duration(c.WinnerRetryBackoffMS) * time.Millisecond,
	}
}

// ListenerConfig returns the websocket listener settings.
func (c *Config) ListenerConfig() stream.ListenerConfig {
	lc := stream.DefaultListenerConfig()
	lc.URL = c.StreamURL
	return lc
}

// JetStreamConfig returns the NATS source settings.
func (c *Config) JetStreamConfig() stream.JetStreamConfig {
	jc := stream.DefaultJetStreamConfig()
	if c.StreamTransport == TransportNATS && c.StreamURL != "" {
		jc.URL = c.StreamURL
	}
	jc.StreamName = c.NATSStream
	jc.ConsumerName = c.NATSConsumer
	jc.SubjectFilter = c.NATSSubjectFilter
	return jc
}
