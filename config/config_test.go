// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabwire/deltasync/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, protocol.ClientTypeBrowser, cfg.Session.ClientType)
	assert.Equal(t, protocol.DefaultMaxContentSize, cfg.Session.MaxContentSize)
	assert.Equal(t, protocol.DefaultContentBufferSize, cfg.Session.ContentBufferSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Session.AckInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadAppliesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
service:
  stream_url: ws://example.com/deltas
  storage_url: http://example.com
  document_id: doc-42
session:
  client_type: agent
  reconnect: always
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://example.com/deltas", cfg.Service.StreamURL)
	assert.Equal(t, "doc-42", cfg.Service.DocumentID)
	assert.Equal(t, "agent", cfg.Session.ClientType)
	// Untouched values keep their defaults.
	assert.Equal(t, protocol.DefaultMaxContentSize, cfg.Session.MaxContentSize)
	assert.Equal(t, 10*time.Second, cfg.Service.ConnectTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := DefaultConfig()
		cfg.Service.StreamURL = "ws://example.com"
		cfg.Service.DocumentID = "doc"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing stream url", func(c *Config) { c.Service.StreamURL = "" }, true},
		{"missing document id", func(c *Config) { c.Service.DocumentID = "" }, true},
		{"bad reconnect", func(c *Config) { c.Session.Reconnect = "sometimes" }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"reconnect never", func(c *Config) { c.Session.Reconnect = "never" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientDescriptor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.ClientType = "agent"
	cfg.Session.Reconnect = "always"

	client := cfg.Client()
	assert.Equal(t, "agent", client.Type)
	assert.Equal(t, protocol.ReconnectAlways, client.Reconnect)
	assert.True(t, client.ShouldReconnect())
}
