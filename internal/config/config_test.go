package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsThenOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.toml")
	body := `
[server]
name = "test-realm"

[network]
max_clients = 50
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Name != "test-realm" {
		t.Fatalf("expected overridden server name, got %q", cfg.Server.Name)
	}
	if cfg.Network.MaxClients != 50 {
		t.Fatalf("expected overridden max_clients, got %d", cfg.Network.MaxClients)
	}
	// Untouched fields keep their defaults.
	if cfg.Network.BindAddress != "0.0.0.0:10033" {
		t.Fatalf("expected default bind address, got %q", cfg.Network.BindAddress)
	}
	if cfg.RateLimit.PacketsPerSecond != 100 {
		t.Fatalf("expected default packet rate, got %d", cfg.RateLimit.PacketsPerSecond)
	}
	if cfg.Server.StartTime == 0 {
		t.Fatal("expected StartTime to be stamped at load")
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestDefaultsAreInternallyConsistent(t *testing.T) {
	cfg := defaults()
	if cfg.Database.ConnMaxLifetime != 30*time.Minute {
		t.Fatalf("unexpected default ConnMaxLifetime: %v", cfg.Database.ConnMaxLifetime)
	}
	if cfg.Network.MaxClients <= 0 {
		t.Fatal("expected a positive default max_clients")
	}
}
