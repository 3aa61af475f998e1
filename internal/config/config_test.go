package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STREAMRANK_TIMEOUT", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeout() != 10*time.Second || cfg.MinResolutionValue() != 1920*1080 || !cfg.OpenSupply {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.UseIPv6Proxy() {
		t.Fatal("ipv6 proxy enabled by default")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Setenv("STREAMRANK_TIMEOUT", "")
	t.Setenv("LOG_LEVEL", "")

	path := writeConfig(t, `
sort_timeout: 5
min_resolution: 1280x720
open_supply: false
min_speed: 1.5
ipv6_proxy: http://proxy.test
whitelist:
  - mine.example
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SortTimeout != 5 || cfg.MinResolution != "1280x720" || cfg.OpenSupply || cfg.MinSpeed != 1.5 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !cfg.OpenFilterSpeed || cfg.SortConcurrency != 10 {
		t.Fatalf("defaults lost for unset keys: %+v", cfg)
	}
	if !cfg.UseIPv6Proxy() {
		t.Fatal("ipv6 proxy not enabled")
	}
	if !cfg.Whitelisted("http://mine.example/live.m3u8") || cfg.Whitelisted("http://other.example/live.m3u8") {
		t.Fatal("whitelist matching is wrong")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STREAMRANK_TIMEOUT", "3")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load(writeConfig(t, "sort_timeout: 5\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SortTimeout != 3 || cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Fatalf("env not applied: %+v", cfg)
	}

	t.Setenv("STREAMRANK_TIMEOUT", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for a non-numeric timeout")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.SortTimeout = 0 }},
		{"zero concurrency", func(c *Config) { c.SortConcurrency = 0 }},
		{"negative redirects", func(c *Config) { c.MaxRedirects = -1 }},
		{"negative speed", func(c *Config) { c.MinSpeed = -1 }},
		{"bad resolution", func(c *Config) { c.MinResolution = "hd" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if _, err := Load(writeConfig(t, "sort_timeout: [")); err == nil {
		t.Fatal("expected an error for malformed yaml")
	}
}
