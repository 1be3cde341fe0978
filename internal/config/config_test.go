package config

import "testing"

func TestLoadServerAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := LoadServer(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "stackfall.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
}

func TestLoadServerRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := LoadServer(configViper); err == nil {
		t.Fatalf("expected missing signing secret error")
	}
}

func TestLoadClientAppliesDefaults(t *testing.T) {
	configViper := NewViper()

	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.StoreURL != "http://127.0.0.1:8080" {
		t.Fatalf("unexpected store url %q", cfg.StoreURL)
	}
	if cfg.PeerAddress != "127.0.0.1:0" {
		t.Fatalf("unexpected peer address %q", cfg.PeerAddress)
	}
	if cfg.Nickname != "" {
		t.Fatalf("nickname must default to empty, got %q", cfg.Nickname)
	}
}

func TestLoadClientRejectsBlankStoreURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("store.url", "   ")
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected missing store url error")
	}
}
