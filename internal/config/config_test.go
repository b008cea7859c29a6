package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("OPENCAST_HOST", "media.example.org")
	t.Setenv("WEBHOOK_CLIENT_STATE", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr() != "0.0.0.0:8080" {
		t.Fatalf("unexpected http addr %s", cfg.HTTP.Addr())
	}
	if cfg.HTTP.BasePath != "/obs-api" {
		t.Fatalf("unexpected base path %q", cfg.HTTP.BasePath)
	}
	if cfg.Webhook.Debounce != 10*time.Second {
		t.Fatalf("unexpected debounce %s", cfg.Webhook.Debounce)
	}
	if cfg.Vula.ToolLaunchURL != "https://media.example.org/lti" {
		t.Fatalf("launch url not derived: %q", cfg.Vula.ToolLaunchURL)
	}
	if cfg.Webhook.ClientState != "secret" {
		t.Fatalf("client state not read from env")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
env: prod
http:
  port: "9090"
  base_path: /
webhook:
  debounce: 5s
  renew_every: 24h
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "prod" || cfg.HTTP.Port != "9090" {
		t.Fatalf("file values not applied: %+v", cfg.HTTP)
	}
	if cfg.HTTP.BasePath != "" {
		t.Fatalf("root base path should normalise to empty, got %q", cfg.HTTP.BasePath)
	}
	if cfg.Webhook.RenewEvery != 24*time.Hour {
		t.Fatalf("unexpected renew interval %s", cfg.Webhook.RenewEvery)
	}
}

func TestValidateRejectsShortRenewal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("webhook:\n  renew_every: 10s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
