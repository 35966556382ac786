// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CAPSULE_CONFIG"

// DefaultConfigPaths lists where config files are searched, first match wins.
func DefaultConfigPaths() []string {
	paths := []string{"config.yaml", "config.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "capsule", "config.yaml"),
			filepath.Join(home, ".config", "capsule", "config.yml"),
		)
	}
	return paths
}

// Load builds the configuration from layered sources:
//  1. built-in defaults
//  2. optional YAML config file
//  3. environment variables (highest priority)
func Load() (*Config, error) {
	return loadFrom(findConfigFile())
}

// LoadFile loads configuration with an explicit config file path. An empty
// path skips the file layer.
func LoadFile(path string) (*Config, error) {
	return loadFrom(path)
}

func loadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated env strings.
var sliceConfigPaths = []string{
	"api.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf paths. Unmapped
// variables are dropped so stray environment noise cannot pollute config.
func envTransformFunc(key string) string {
	mappings := map[string]string{
		"OBS_EXECUTABLE_PATH":    "obs.executable_path",
		"OBS_PROCESS_NAME":       "obs.process_name",
		"OBS_PROFILE":            "obs.profile",
		"OBS_COLLECTION":         "obs.collection",
		"OBS_WORKING_DIR":        "obs.working_dir",
		"OBS_WS_HOST":            "obs.host",
		"OBS_WS_PORT":            "obs.port",
		"OBS_WS_PASSWORD":        "obs.password",
		"OBS_AUTO_RESTART":       "obs.auto_restart",
		"OBS_START_SETTLE_DELAY": "obs.start_settle_delay",
		"OBS_STOP_GRACE_PERIOD":  "obs.stop_grace_period",

		"GAME_INSTALL_PATH":  "game.install_path",
		"GAME_PROCESS_NAME":  "game.process_name",
		"GAME_LOG_FILENAME":  "game.log_filename",
		"GAME_POLL_INTERVAL": "game.poll_interval",
		"GAME_RACE_TIMEOUT":  "game.race_timeout",

		"RECORDING_AUTO_START":  "recording.auto_start",
		"RECORDING_SHADOW_PLAY": "recording.shadow_play",
		"RECORDING_SPLIT_EVERY": "recording.split_duration",
		"RECORDING_MAX_GB":      "recording.max_storage_gb",
		"RECORDING_MIN_FILES":   "recording.min_files_to_keep",
		"RECORDING_MAX_FILES":   "recording.max_files_to_keep",
		"RECORDING_OUTPUT_DIR":  "recording.output_dir",

		"PATTERNS_PATH":            "patterns.path",
		"PATTERNS_REMOTE_URL":      "patterns.remote_url",
		"PATTERNS_SUPPORTED_MAJOR": "patterns.supported_major",
		"PATTERNS_REFRESH_TIMEOUT": "patterns.refresh_timeout",

		"API_HOST":            "api.host",
		"API_PORT":            "api.port",
		"API_CORS_ORIGINS":    "api.cors_origins",
		"API_RATE_LIMIT_REQS": "api.rate_limit_reqs",

		"LOG_LEVEL":  "logging.level",
		"LOG_FORMAT": "logging.format",
		"LOG_CALLER": "logging.caller",
	}

	if mapped, ok := mappings[key]; ok {
		return mapped
	}
	return ""
}
