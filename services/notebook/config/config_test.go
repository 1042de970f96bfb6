// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notebook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12400, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 24*time.Hour, cfg.Relay.PayloadTTL)
	assert.Equal(t, 1000, cfg.Relay.GCBatchSize)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
port: 9000
logLevel: debug
dataDir: /var/lib/notebook
relay:
  payloadTtl: 1h
  gcInterval: 30s
  gcBatchSize: 250
registry:
  capacity: 16
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/notebook", cfg.DataDir)
	assert.Equal(t, time.Hour, cfg.Relay.PayloadTTL)
	assert.Equal(t, 250, cfg.Relay.GCBatchSize)
	assert.Equal(t, 16, cfg.Registry.Capacity)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "port: 9000\nlogLevel: debug\ndataDir: ./d\n")
	t.Setenv("NOTEBOOK_PORT", "9100")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "sk-test", cfg.AI.APIKey)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "logLevel: loud\ndataDir: ./d\n"},
		{"bad port", "port: -1\ndataDir: ./d\n"},
		{"zero gc batch", "dataDir: ./d\nrelay:\n  gcBatchSize: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "port: [not a number\n"))
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("unknown"))
}

func TestWatchLogLevel_AppliesChanges(t *testing.T) {
	path := writeConfig(t, "logLevel: info\ndataDir: ./d\n")

	var lvl slog.LevelVar
	lvl.Set(slog.LevelInfo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, WatchLogLevel(ctx, path, &lvl, slog.Default()))

	require.NoError(t, os.WriteFile(path, []byte("logLevel: debug\ndataDir: ./d\n"), 0640))

	require.Eventually(t, func() bool {
		return lvl.Level() == slog.LevelDebug
	}, 2*time.Second, 10*time.Millisecond)
}
