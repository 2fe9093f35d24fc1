package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatvault/chatvault/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("a missing config file must fall back to defaults: %v", err)
	}

	if cfg.Ingest.ChunkSize != 100 {
		t.Errorf("expected default chunk size 100, got %d", cfg.Ingest.ChunkSize)
	}
	if cfg.Ingest.MinChunkDelay != time.Second || cfg.Ingest.MaxChunkDelay != 3*time.Second {
		t.Errorf("unexpected default chunk delays: %v .. %v", cfg.Ingest.MinChunkDelay, cfg.Ingest.MaxChunkDelay)
	}
	if cfg.Ingest.MaxAttempts != 5 {
		t.Errorf("expected default retry budget 5, got %d", cfg.Ingest.MaxAttempts)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("expected default port 8765, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Log.Level)
	}
	if !cfg.Maintenance.Enabled {
		t.Error("expected maintenance enabled by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: "test-token"
  chat_id: -100123456
database:
  path: "/tmp/archive.db"
server:
  port: 9000
ingest:
  chunk_size: 50
  backfill_limit: 1000
log:
  level: debug
  json: false
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Telegram.Token != "test-token" || cfg.Telegram.ChatID != -100123456 {
		t.Errorf("unexpected telegram section: %+v", cfg.Telegram)
	}
	if cfg.Database.Path != "/tmp/archive.db" {
		t.Errorf("unexpected database path: %q", cfg.Database.Path)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Ingest.ChunkSize != 50 || cfg.Ingest.BackfillLimit != 1000 {
		t.Errorf("unexpected ingest section: %+v", cfg.Ingest)
	}
	if cfg.Log.Level != "debug" || cfg.Log.JSON {
		t.Errorf("unexpected log section: %+v", cfg.Log)
	}
	// Untouched sections keep their defaults.
	if cfg.Ingest.MaxAttempts != 5 {
		t.Errorf("expected default retry budget to survive partial config, got %d", cfg.Ingest.MaxAttempts)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CHATVAULT_TELEGRAM_TOKEN", "env-token")
	t.Setenv("CHATVAULT_SERVER_PORT", "9100")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("expected env token, got %q", cfg.Telegram.Token)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("expected env port 9100, got %d", cfg.Server.Port)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "chunk size above ceiling", content: "ingest:\n  chunk_size: 500\n"},
		{name: "zero chunk size", content: "ingest:\n  chunk_size: 0\n"},
		{name: "bad log level", content: "log:\n  level: verbose\n"},
		{name: "port out of range", content: "server:\n  port: 99999\n"},
		{name: "max delay below min", content: "ingest:\n  min_chunk_delay: 5s\n  max_chunk_delay: 1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := config.Load(path); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}
