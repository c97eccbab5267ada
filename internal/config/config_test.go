package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOOKWISE_DOTENV", filepath.Join(t.TempDir(), "missing.env"))
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Voice != "nova" {
		t.Fatalf("expected default voice nova, got %q", cfg.API.Voice)
	}
	if cfg.API.Language != "en" {
		t.Fatalf("expected default language en, got %q", cfg.API.Language)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BOOKWISE_DOTENV", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("BOOKWISE_API_BASE_URL", "https://books.example")
	t.Setenv("BOOKWISE_API_VOICE", "onyx")
	t.Setenv("BOOKWISE_CAPTURE_MODE", "mock")
	t.Setenv("BOOKWISE_PLAYBACK_CACHE_ENTRIES", "4")
	t.Setenv("BOOKWISE_BUS_ENABLED", "true")
	t.Setenv("BOOKWISE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("BOOKWISE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("BOOKWISE_EVENT_STORE_RETENTION_DAYS", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.BaseURL != "https://books.example" {
		t.Fatalf("expected base url override, got %q", cfg.API.BaseURL)
	}
	if cfg.API.Voice != "onyx" {
		t.Fatalf("expected voice override, got %q", cfg.API.Voice)
	}
	if cfg.Capture.Mode != "mock" {
		t.Fatalf("expected capture mode override")
	}
	if cfg.Playback.CacheEntries != 4 {
		t.Fatalf("expected cache entries override, got %d", cfg.Playback.CacheEntries)
	}
	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 3 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
}

func TestLoadYAMLAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bookwise.yaml")
	yamlDoc := "api:\n  base_url: http://yaml.example\n  voice: shimmer\nplayback:\n  mode: mock\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("BOOKWISE_API_LANGUAGE=ro\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("BOOKWISE_DOTENV", envPath)
	t.Cleanup(func() { os.Unsetenv("BOOKWISE_API_LANGUAGE") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.BaseURL != "http://yaml.example" || cfg.API.Voice != "shimmer" {
		t.Fatalf("expected yaml values, got %+v", cfg.API)
	}
	if cfg.Playback.Mode != "mock" {
		t.Fatalf("expected playback mode from yaml")
	}
	if cfg.API.Language != "ro" {
		t.Fatalf("expected language from .env, got %q", cfg.API.Language)
	}
}

func TestValidateRejectsUnknownModes(t *testing.T) {
	cfg := Default()
	cfg.Capture.Mode = "portaudio"
	if err := validate(cfg); err == nil {
		t.Fatal("expected capture mode error")
	}

	cfg = Default()
	cfg.Telemetry.TraceExporter = "otlp"
	if err := validate(cfg); err == nil {
		t.Fatal("expected missing otlp endpoint error")
	}

	cfg = Default()
	cfg.EventStore.RetentionMode = "forever"
	if err := validate(cfg); err == nil {
		t.Fatal("expected retention mode error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
