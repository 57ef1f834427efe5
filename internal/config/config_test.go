package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(FileEnvVar, "")
	t.Setenv("API_URL", "https://deck.example.com/api/")
	t.Setenv("TOKEN_PATH", filepath.Join(t.TempDir(), "token"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIURL != "https://deck.example.com/api" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.APIURL)
	}
	if cfg.HubURL != "wss://deck.example.com/hubs/log" {
		t.Errorf("unexpected derived hub url %q", cfg.HubURL)
	}
	if cfg.Chat.ExchangeTimeout != 2*time.Minute {
		t.Errorf("expected default exchange timeout, got %v", cfg.Chat.ExchangeTimeout)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vpsdeck.toml")
	content := `
port = "9090"
api_url = "http://backend:5000/api"

[chat]
exchange_timeout = "45s"
streaming = true

[docker]
port = 2376
tls_verify = true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(FileEnvVar, path)
	t.Setenv("PORT", "7070")
	t.Setenv("TOKEN_PATH", filepath.Join(dir, "token"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "7070" {
		t.Errorf("expected env to override file port, got %q", cfg.Port)
	}
	if cfg.Chat.ExchangeTimeout != 45*time.Second {
		t.Errorf("expected file exchange timeout, got %v", cfg.Chat.ExchangeTimeout)
	}
	if !cfg.Chat.Streaming {
		t.Error("expected streaming enabled from file")
	}
	if cfg.Docker.Port != 2376 || !cfg.Docker.TLSVerify {
		t.Errorf("unexpected docker config %+v", cfg.Docker)
	}
	if cfg.HubURL != "ws://backend:5000/hubs/log" {
		t.Errorf("unexpected derived hub url %q", cfg.HubURL)
	}
}

func TestValidateRejectsZeroTimeout(t *testing.T) {
	cfg := Default()
	cfg.Chat.ExchangeTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero exchange timeout")
	}
}

func TestLoadRejectsBadFileDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[chat]\nexchange_timeout = \"soon\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(FileEnvVar, path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}
