package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("expected default HTTP port 3000, got %d", cfg.HTTPPort)
	}
	if cfg.PollInterval != 5*time.Minute {
		t.Errorf("expected default poll interval 5m, got %s", cfg.PollInterval)
	}
	if cfg.RetentionDays != 30 {
		t.Errorf("expected default retention 30 days, got %d", cfg.RetentionDays)
	}
	if cfg.Providers.Growatt.BaseURL != "https://openapi.growatt.com" {
		t.Errorf("unexpected default growatt base URL: %s", cfg.Providers.Growatt.BaseURL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("POLL_INTERVAL", "1m")
	t.Setenv("SITE_TZ_OFFSET_MINUTES", "120")
	t.Setenv("GROWATT_API_TOKEN", "tok-123")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.HTTPPort != 8080 {
		t.Errorf("expected HTTP port 8080, got %d", cfg.HTTPPort)
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("expected poll interval 1m, got %s", cfg.PollInterval)
	}
	if cfg.SiteTZOffsetMinutes != 120 {
		t.Errorf("expected tz offset 120, got %d", cfg.SiteTZOffsetMinutes)
	}
	if !cfg.Providers.Growatt.Configured() {
		t.Error("expected growatt to be configured")
	}
	if cfg.Providers.FusionSolar.Configured() {
		t.Error("expected fusionsolar to not be configured")
	}
}

func TestLoad_ProvidersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	content := []byte(`
fusionsolar:
  username: apiuser
  password: secret
solis:
  api_id: "1300386381676"
  api_secret: deadbeef
`)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("failed to write providers file: %v", err)
	}
	t.Setenv("PROVIDERS_FILE", path)
	// Env var should win over the file value.
	t.Setenv("SOLIS_API_SECRET", "cafef00d")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if !cfg.Providers.FusionSolar.Configured() {
		t.Error("expected fusionsolar to be configured from file")
	}
	if cfg.Providers.FusionSolar.Username != "apiuser" {
		t.Errorf("expected username 'apiuser', got %q", cfg.Providers.FusionSolar.Username)
	}
	if !cfg.Providers.Solis.Configured() {
		t.Error("expected solis to be configured from file")
	}
	if cfg.Providers.Solis.KeyID != "1300386381676" {
		t.Errorf("expected key id from file, got %q", cfg.Providers.Solis.KeyID)
	}
	if cfg.Providers.Solis.KeySecret != "cafef00d" {
		t.Errorf("expected env to override file secret, got %q", cfg.Providers.Solis.KeySecret)
	}
	if cfg.Providers.FusionSolar.BaseURL != "https://intl.fusionsolar.huawei.com" {
		t.Errorf("expected default base URL to be applied, got %q", cfg.Providers.FusionSolar.BaseURL)
	}
}

func TestLoad_ProvidersFileMissing(t *testing.T) {
	t.Setenv("PROVIDERS_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing providers file")
	}
}
