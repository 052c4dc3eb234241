package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadProfile_Overlay(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "prod", `
name: Production
delivery:
  batch_size: 50
  max_attempts: 8
  backoff_base_seconds: 120
rate_limit:
  requests_per_second: 100
  burst: 200
evidence:
  deep_verify: true
  allowed_schemes: [s3, gs]
`)

	p, err := LoadProfile(dir, "prod")
	if err != nil {
		t.Fatalf("LoadProfile(prod): %v", err)
	}
	if p.Name != "Production" {
		t.Errorf("expected name 'Production', got %q", p.Name)
	}
	if p.Code != "prod" {
		t.Errorf("expected code from filename, got %q", p.Code)
	}

	cfg := &Config{WebhookBatchSize: 10, WebhookMaxAttempts: 5, BackoffBase: 60 * time.Second, BackoffCap: 24 * time.Hour}
	p.Apply(cfg)
	if cfg.WebhookBatchSize != 50 {
		t.Errorf("batch size not applied, got %d", cfg.WebhookBatchSize)
	}
	if cfg.WebhookMaxAttempts != 8 {
		t.Errorf("max attempts not applied, got %d", cfg.WebhookMaxAttempts)
	}
	if cfg.BackoffBase != 120*time.Second {
		t.Errorf("backoff base not applied, got %v", cfg.BackoffBase)
	}
	if cfg.BackoffCap != 24*time.Hour {
		t.Errorf("unset cap should keep env value, got %v", cfg.BackoffCap)
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	if _, err := LoadProfile(t.TempDir(), "nope"); err == nil {
		t.Error("expected error for missing profile")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "dev", "name: Development\n")
	writeProfile(t, dir, "prod", "name: Production\n")

	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	for code, p := range profiles {
		if p.Name == "" {
			t.Errorf("profile %s has empty name", code)
		}
	}
}

func TestSchemeAllowed(t *testing.T) {
	p := &DeploymentProfile{
		Evidence: EvidenceConfig{AllowedSchemes: []string{"s3"}},
	}
	if !p.SchemeAllowed("s3") {
		t.Error("should allow s3")
	}
	if p.SchemeAllowed("file") {
		t.Error("should deny file")
	}

	open := &DeploymentProfile{}
	if !open.SchemeAllowed("file") {
		t.Error("empty allowlist should permit everything")
	}
}
