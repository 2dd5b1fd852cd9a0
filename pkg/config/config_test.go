package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Admission.MaxConnectionsPerRoom != 50 {
		t.Errorf("Expected per-room cap 50, got %d", cfg.Admission.MaxConnectionsPerRoom)
	}
	if cfg.Admission.MaxConnectionsGlobal != 1000 {
		t.Errorf("Expected global cap 1000, got %d", cfg.Admission.MaxConnectionsGlobal)
	}
	if cfg.Admission.ConnectionTimeout != 30*time.Second {
		t.Errorf("Expected queue TTL 30s, got %v", cfg.Admission.ConnectionTimeout)
	}
	if cfg.RateLimit.PlayNote != 2400 {
		t.Errorf("Expected play_note cap 2400, got %d", cfg.RateLimit.PlayNote)
	}
	if cfg.Cleanup.InactiveThreshold != 30*time.Minute {
		t.Errorf("Expected inactive threshold 30m, got %v", cfg.Cleanup.InactiveThreshold)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := []byte(`
server:
  port: 9100
admission:
  max_connections_per_room: 8
  queue_size: 4
rate_limit:
  chat_message: 10
logging:
  level: debug
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Expected port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Admission.MaxConnectionsPerRoom != 8 {
		t.Errorf("Expected per-room cap 8, got %d", cfg.Admission.MaxConnectionsPerRoom)
	}
	if cfg.RateLimit.ChatMessage != 10 {
		t.Errorf("Expected chat cap 10, got %d", cfg.RateLimit.ChatMessage)
	}
	// Untouched keys keep their defaults
	if cfg.RateLimit.PlayNote != 2400 {
		t.Errorf("Expected default play_note cap, got %d", cfg.RateLimit.PlayNote)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JAMCORE_PORT", "9200")
	t.Setenv("REDIS_URL", "redis.internal:6379")

	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}

	if cfg.Server.Port != 9200 {
		t.Errorf("Expected env port 9200, got %d", cfg.Server.Port)
	}
	if cfg.Cache.Type != "redis" || cfg.Cache.Address != "redis.internal:6379" {
		t.Errorf("Expected redis cache from env, got %s %s", cfg.Cache.Type, cfg.Cache.Address)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Admission.MaxConnectionsGlobal = 10
	cfg.Admission.MaxConnectionsPerRoom = 50
	if err := cfg.Validate(); err == nil {
		t.Error("Global cap below room cap should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Storage.Type = "ftp"
	if err := cfg.Validate(); err == nil {
		t.Error("Unknown storage type should fail validation")
	}
}
