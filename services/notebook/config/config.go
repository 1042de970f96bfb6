// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the notebook service configuration from a YAML file
// with environment-variable overrides, and hot-reloads the log level when
// the file changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full notebook service configuration.
type Config struct {
	// Port the HTTP surface listens on.
	Port int `yaml:"port" validate:"gt=0,lte=65535"`

	// LogLevel is debug, info, warn, or error. Hot-reloadable.
	LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`

	// DataDir is the BadgerDB directory.
	DataDir string `yaml:"dataDir" validate:"required"`

	// LogDir enables JSON file logging when set.
	LogDir string `yaml:"logDir"`

	// InstanceID identifies this instance on the relay; defaults to the
	// hostname when empty.
	InstanceID string `yaml:"instanceId"`

	Relay     RelayConfig     `yaml:"relay"`
	Execution ExecutionConfig `yaml:"execution"`
	Registry  RegistryConfig  `yaml:"registry"`
	AI        AIConfig        `yaml:"ai"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RelayConfig tunes the update relay and its payload garbage collector.
type RelayConfig struct {
	// PeerURL is the websocket address of a relay peer to dial; empty
	// runs the hub locally.
	PeerURL string `yaml:"peerUrl"`

	PayloadTTL  time.Duration `yaml:"payloadTtl" validate:"gt=0"`
	GCInterval  time.Duration `yaml:"gcInterval" validate:"gt=0"`
	GCBatchSize int           `yaml:"gcBatchSize" validate:"gt=0"`
}

// ExecutionConfig tunes the bridge to the remote compute host.
type ExecutionConfig struct {
	// JobAPIURL is the job-orchestration endpoint; defaults to this
	// instance's own jobs API.
	JobAPIURL string `yaml:"jobApiUrl"`

	// ScriptBucket is the GCS bucket for uploaded scripts; empty uses
	// the local filesystem store under ScriptDir.
	ScriptBucket string `yaml:"scriptBucket"`
	ScriptDir    string `yaml:"scriptDir"`

	PollInterval time.Duration `yaml:"pollInterval" validate:"gt=0"`
	WorkspaceID  string        `yaml:"workspaceId"`
}

// RegistryConfig tunes the open-document registry.
type RegistryConfig struct {
	Capacity int `yaml:"capacity" validate:"gt=0"`
}

// AIConfig configures the suggestion flows.
type AIConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC collector address; empty disables traces.
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:     12400,
		LogLevel: "info",
		DataDir:  "./data",
		Relay: RelayConfig{
			PayloadTTL:  24 * time.Hour,
			GCInterval:  time.Minute,
			GCBatchSize: 1000,
		},
		Execution: ExecutionConfig{
			ScriptDir:    "./scripts",
			PollInterval: time.Second,
		},
		Registry: RegistryConfig{Capacity: 128},
	}
}

// Load reads path (optional), applies environment overrides, validates,
// and returns the configuration.
//
// Outputs:
//
//	Config - The effective configuration.
//	error - Non-nil when the file is unreadable, malformed, or invalid.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("resolve hostname: %w", err)
		}
		cfg.InstanceID = host
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables, following the names of the
// original deployment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NOTEBOOK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DataDir, "NOTEBOOK_DATA_DIR")
	setString(&cfg.LogDir, "NOTEBOOK_LOG_DIR")
	setString(&cfg.InstanceID, "NOTEBOOK_INSTANCE_ID")
	setString(&cfg.Relay.PeerURL, "RELAY_PEER_URL")
	setString(&cfg.Execution.JobAPIURL, "JOBS_API_URL")
	setString(&cfg.Execution.ScriptBucket, "SCRIPTS_BUCKET")
	setString(&cfg.Execution.ScriptDir, "SCRIPTS_DIR")
	setString(&cfg.Execution.WorkspaceID, "WORKSPACE_ID")
	setString(&cfg.AI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.AI.Model, "OPENAI_MODEL")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
