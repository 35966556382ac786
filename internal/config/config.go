// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads Capsule configuration from layered sources:
// built-in defaults, an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration.
type Config struct {
	OBS       OBSConfig       `koanf:"obs"`
	Game      GameConfig      `koanf:"game"`
	Recording RecordingConfig `koanf:"recording"`
	Patterns  PatternsConfig  `koanf:"patterns"`
	API       APIConfig       `koanf:"api"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// OBSConfig configures the capture engine process and its RPC endpoint.
type OBSConfig struct {
	// ExecutablePath is the OBS binary launched and supervised by Capsule.
	ExecutablePath string `koanf:"executable_path" validate:"required"`
	// ProcessName is the engine's process-table name, used for stray-instance
	// sweeps and health checks.
	ProcessName string `koanf:"process_name" validate:"required"`
	// Profile and Collection select the dedicated OBS profile/scene
	// collection Capsule launches with.
	Profile    string `koanf:"profile"`
	Collection string `koanf:"collection"`
	// WorkingDir is the directory OBS is launched from; some OBS builds
	// resolve plugin paths relative to it.
	WorkingDir string `koanf:"working_dir"`

	Host     string `koanf:"host" validate:"required"`
	Port     int    `koanf:"port" validate:"gt=0,lte=65535"`
	Password string `koanf:"password"`

	// AutoRestart enables crash recovery for the engine process.
	AutoRestart bool `koanf:"auto_restart"`
	// StartSettleDelay is how long to wait after launch before verifying the
	// process is present in the process table.
	StartSettleDelay time.Duration `koanf:"start_settle_delay"`
	// StopGracePeriod is how long a graceful stop may take before escalating
	// to a forceful kill.
	StopGracePeriod time.Duration `koanf:"stop_grace_period"`
}

// GameConfig configures game-process detection and log discovery.
type GameConfig struct {
	// InstallPath is the root folder containing the build-variant subfolders
	// (LIVE, PTU, ...).
	InstallPath string `koanf:"install_path" validate:"required"`
	// ProcessName is the game's process-table name.
	ProcessName string `koanf:"process_name" validate:"required"`
	// LogFilename is the log file name inside each build-variant folder.
	LogFilename string `koanf:"log_filename" validate:"required"`
	// PollInterval is the process-table polling cadence.
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	// RaceTimeout is how long race mode waits for a candidate log to grow
	// before falling back to the most recently modified one.
	RaceTimeout time.Duration `koanf:"race_timeout" validate:"gt=0"`
}

// RecordingConfig configures auto-start, splitting, and retention.
type RecordingConfig struct {
	AutoStart bool `koanf:"auto_start"`
	// ShadowPlay enables rolling-buffer mode: periodic splits plus
	// oldest-first retention cleanup.
	ShadowPlay bool `koanf:"shadow_play"`
	// SplitDuration is the rolling-buffer split cadence; 0 disables the
	// split timer.
	SplitDuration time.Duration `koanf:"split_duration"`
	// MaxStorageGB bounds total recording disk usage; 0 disables the size
	// budget.
	MaxStorageGB float64 `koanf:"max_storage_gb" validate:"gte=0"`
	// MinFilesToKeep is never deleted below, regardless of budget.
	MinFilesToKeep int `koanf:"min_files_to_keep" validate:"gte=0"`
	// MaxFilesToKeep bounds the file count; 0 means unlimited.
	MaxFilesToKeep int `koanf:"max_files_to_keep" validate:"gte=0"`
	// OutputDir is where the engine writes recordings; retention cleanup
	// enumerates it.
	OutputDir string `koanf:"output_dir" validate:"required"`
}

// PatternsConfig configures the log-event pattern definitions.
type PatternsConfig struct {
	// Path is the local pattern-definition JSON file. Empty means builtin
	// detectors only.
	Path string `koanf:"path"`
	// RemoteURL is the optional refresh source.
	RemoteURL string `koanf:"remote_url" validate:"omitempty,url"`
	// SupportedMajor is the accepted definition major version.
	SupportedMajor uint64 `koanf:"supported_major" validate:"gt=0"`
	// RefreshTimeout bounds the remote fetch.
	RefreshTimeout time.Duration `koanf:"refresh_timeout" validate:"gt=0"`
}

// APIConfig configures the localhost GUI surface.
type APIConfig struct {
	Host        string   `koanf:"host" validate:"required"`
	Port        int      `koanf:"port" validate:"gt=0,lte=65535"`
	CORSOrigins []string `koanf:"cors_origins"`
	// RateLimitReqs caps requests per client IP per minute.
	RateLimitReqs int `koanf:"rate_limit_reqs" validate:"gt=0"`
}

// LoggingConfig configures the zerolog pipeline.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. File and env
// layers override these.
func defaultConfig() *Config {
	return &Config{
		OBS: OBSConfig{
			ExecutablePath:   `C:\Program Files\obs-studio\bin\64bit\obs64.exe`,
			ProcessName:      "obs64.exe",
			Profile:          "capsule",
			Collection:       "capsule",
			Host:             "127.0.0.1",
			Port:             4455,
			AutoRestart:      true,
			StartSettleDelay: 3 * time.Second,
			StopGracePeriod:  5 * time.Second,
		},
		Game: GameConfig{
			InstallPath:  `C:\Program Files\Roberts Space Industries\StarCitizen`,
			ProcessName:  "StarCitizen.exe",
			LogFilename:  "Game.log",
			PollInterval: 5 * time.Second,
			RaceTimeout:  10 * time.Second,
		},
		Recording: RecordingConfig{
			AutoStart:      false,
			ShadowPlay:     false,
			SplitDuration:  0,
			MaxStorageGB:   0,
			MinFilesToKeep: 3,
			MaxFilesToKeep: 0,
			OutputDir:      `C:\Users\Public\Videos\Capsule`,
		},
		Patterns: PatternsConfig{
			Path:           "",
			RemoteURL:      "",
			SupportedMajor: 1,
			RefreshTimeout: 15 * time.Second,
		},
		API: APIConfig{
			Host:          "127.0.0.1",
			Port:          3857,
			CORSOrigins:   []string{"http://localhost:5173"},
			RateLimitReqs: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Caller: false,
		},
	}
}

// Validate checks the configuration with validator struct tags plus
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Recording.MaxFilesToKeep > 0 && c.Recording.MaxFilesToKeep < c.Recording.MinFilesToKeep {
		return fmt.Errorf("config validation: max_files_to_keep (%d) below min_files_to_keep (%d)",
			c.Recording.MaxFilesToKeep, c.Recording.MinFilesToKeep)
	}
	if c.Recording.ShadowPlay && c.Recording.SplitDuration > 0 && c.Recording.SplitDuration < time.Minute {
		return fmt.Errorf("config validation: split_duration below 1m would thrash the encoder")
	}
	return nil
}
