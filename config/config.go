// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

// Package config loads the client configuration from YAML with
// environment-independent defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/collabwire/deltasync/protocol"
)

// Config holds all configuration for a document session client.
type Config struct {
	Service Service `yaml:"service"`
	Session Session `yaml:"session"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

// Service holds the ordering service endpoints and credentials.
type Service struct {
	// StreamURL is the websocket endpoint of the delta stream.
	StreamURL string `yaml:"stream_url"`

	// StorageURL is the REST endpoint serving historical deltas.
	StorageURL string `yaml:"storage_url"`

	DocumentID string `yaml:"document_id"`
	Token      string `yaml:"token"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// StorageRequestsPerSecond bounds the delta-storage request rate;
	// zero disables the limiter.
	StorageRequestsPerSecond float64 `yaml:"storage_requests_per_second"`
	StorageBurst             int     `yaml:"storage_burst"`
}

// Session holds client identity and delta-manager tuning.
type Session struct {
	ClientType string `yaml:"client_type"` // browser, agent

	// Reconnect overrides the type-derived policy: "", "always", "never".
	Reconnect string `yaml:"reconnect"`

	MaxContentSize    int           `yaml:"max_content_size"`
	ContentBufferSize int           `yaml:"content_buffer_size"`
	AckInterval       time.Duration `yaml:"ack_interval"`
}

// Log holds logging configuration.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Metrics holds OpenTelemetry export configuration.
type Metrics struct {
	Enabled        bool   `yaml:"enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Service: Service{
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Session: Session{
			ClientType:        protocol.ClientTypeBrowser,
			MaxContentSize:    protocol.DefaultMaxContentSize,
			ContentBufferSize: protocol.DefaultContentBufferSize,
			AckInterval:       100 * time.Millisecond,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Metrics: Metrics{
			ServiceName: "deltasync",
		},
	}
}

// Load reads configuration from a YAML file, applied over defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Service.StreamURL == "" {
		return fmt.Errorf("service.stream_url cannot be empty")
	}
	if c.Service.DocumentID == "" {
		return fmt.Errorf("service.document_id cannot be empty")
	}
	switch c.Session.Reconnect {
	case "", "always", "never":
	default:
		return fmt.Errorf("session.reconnect must be empty, always, or never")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}

// Client builds the protocol client descriptor.
func (c *Config) Client() protocol.Client {
	client := protocol.Client{Type: c.Session.ClientType}
	switch c.Session.Reconnect {
	case "always":
		client.Reconnect = protocol.ReconnectAlways
	case "never":
		client.Reconnect = protocol.ReconnectNever
	}
	return client
}

// Logger builds a slog logger per the log configuration.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
