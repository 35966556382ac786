// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.OBS.Port != 4455 {
		t.Errorf("obs port = %d, want 4455", cfg.OBS.Port)
	}
	if cfg.Game.PollInterval != 5*time.Second {
		t.Errorf("poll interval = %v", cfg.Game.PollInterval)
	}
	if cfg.Game.RaceTimeout != 10*time.Second {
		t.Errorf("race timeout = %v", cfg.Game.RaceTimeout)
	}
	if cfg.Patterns.SupportedMajor != 1 {
		t.Errorf("supported major = %d", cfg.Patterns.SupportedMajor)
	}
	if cfg.OBS.StopGracePeriod != 5*time.Second {
		t.Errorf("stop grace = %v", cfg.OBS.StopGracePeriod)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
obs:
  port: 4466
recording:
  auto_start: true
  output_dir: /tmp/recordings
game:
  poll_interval: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.OBS.Port != 4466 {
		t.Errorf("obs port = %d, want 4466", cfg.OBS.Port)
	}
	if !cfg.Recording.AutoStart {
		t.Error("auto_start not applied")
	}
	if cfg.Game.PollInterval != 2*time.Second {
		t.Errorf("poll interval = %v", cfg.Game.PollInterval)
	}
	// untouched keys keep defaults
	if cfg.OBS.Host != "127.0.0.1" {
		t.Errorf("obs host = %q", cfg.OBS.Host)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("obs:\n  port: 4466\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OBS_WS_PORT", "4477")
	t.Setenv("API_CORS_ORIGINS", "http://localhost:3000, http://localhost:5173")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.OBS.Port != 4477 {
		t.Errorf("obs port = %d, want 4477 (env wins)", cfg.OBS.Port)
	}
	if len(cfg.API.CORSOrigins) != 2 || cfg.API.CORSOrigins[1] != "http://localhost:5173" {
		t.Errorf("cors origins = %v", cfg.API.CORSOrigins)
	}
}

func TestLoad_UnmappedEnvIgnored(t *testing.T) {
	t.Setenv("OBS_RANDOM_UNKNOWN", "junk")
	if _, err := LoadFile(""); err != nil {
		t.Fatalf("unmapped env broke load: %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing executable", func(c *Config) { c.OBS.ExecutablePath = "" }},
		{"bad port", func(c *Config) { c.OBS.Port = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"max below min files", func(c *Config) {
			c.Recording.MinFilesToKeep = 5
			c.Recording.MaxFilesToKeep = 2
		}},
		{"split thrash", func(c *Config) {
			c.Recording.ShadowPlay = true
			c.Recording.SplitDuration = 10 * time.Second
		}},
		{"bad remote url", func(c *Config) { c.Patterns.RemoteURL = "::not-a-url" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
