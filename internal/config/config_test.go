package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Client.AckTimeout = Duration{45 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Client.AckTimeout.Duration != 45*time.Second {
		t.Errorf("AckTimeout = %v, want 45s", loaded.Client.AckTimeout)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[server]\nlisten = \":9090\"\nstats_ttl = \"1h\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":9090" {
		t.Errorf("Listen = %q, want :9090", cfg.Server.Listen)
	}
	if cfg.Server.StatsTTL.Duration != time.Hour {
		t.Errorf("StatsTTL = %v, want 1h", cfg.Server.StatsTTL)
	}
	if cfg.Server.ListTTL.Duration != 5*time.Minute {
		t.Errorf("ListTTL = %v, want default 5m", cfg.Server.ListTTL)
	}
	if cfg.Client.BatchWindow.Duration != 25*time.Millisecond {
		t.Errorf("BatchWindow = %v, want default 25ms", cfg.Client.BatchWindow)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[client]\nack_timeout = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() should reject an unparseable duration")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("Listen = %q, want default", cfg.Server.Listen)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("CHATSYNC_REDIS_URL=redis://localhost:6379/1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATSYNC_REDIS_URL", "")
	os.Unsetenv("CHATSYNC_REDIS_URL")
	t.Setenv("CHATSYNC_USER", "alice")
	t.Setenv("CHATSYNC_ACK_TIMEOUT", "10s")

	cfg := Default()
	if err := ApplyEnv(cfg, envFile, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Server.RedisURL != "redis://localhost:6379/1" {
		t.Errorf("RedisURL = %q, want value from .env", cfg.Server.RedisURL)
	}
	if cfg.Client.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", cfg.Client.UserID)
	}
	if cfg.Client.AckTimeout.Duration != 10*time.Second {
		t.Errorf("AckTimeout = %v, want 10s", cfg.Client.AckTimeout)
	}
}

func TestApplyEnvBadRate(t *testing.T) {
	t.Setenv("CHATSYNC_RATE_LIMIT", "fast")
	if err := ApplyEnv(Default()); err == nil {
		t.Error("ApplyEnv() should reject a non-numeric rate")
	}
}
