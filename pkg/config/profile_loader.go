package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is an optional YAML overlay applied on top of the
// environment configuration. Profiles capture per-deployment policy that
// does not belong in env vars: delivery tuning, rate limits, evidence
// storage policy.
type DeploymentProfile struct {
	Name      string          `yaml:"name" json:"name"`
	Code      string          `yaml:"code" json:"code"`
	Delivery  DeliveryConfig  `yaml:"delivery" json:"delivery"`
	RateLimit RateConfig      `yaml:"rate_limit" json:"rate_limit"`
	Evidence  EvidenceConfig  `yaml:"evidence" json:"evidence"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
}

// DeliveryConfig tunes the webhook delivery engine per deployment.
type DeliveryConfig struct {
	BatchSize          int `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	MaxAttempts        int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds,omitempty" json:"backoff_base_seconds,omitempty"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds,omitempty" json:"backoff_cap_seconds,omitempty"`
}

// RateConfig tunes the protective API rate limiter.
type RateConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// EvidenceConfig controls evidence deep verification policy.
type EvidenceConfig struct {
	DeepVerify bool `yaml:"deep_verify" json:"deep_verify"`
	// AllowedSchemes restricts storage_ref fetching ("file", "s3", "gs").
	AllowedSchemes []string `yaml:"allowed_schemes,omitempty" json:"allowed_schemes,omitempty"`
}

// RetentionConfig defines retention policy for derived rows. Ledger entries
// themselves are never deleted.
type RetentionConfig struct {
	AuditLogDays   int `yaml:"audit_log_days,omitempty" json:"audit_log_days,omitempty"`
	DeadLetterDays int `yaml:"dead_letter_days,omitempty" json:"dead_letter_days,omitempty"`
}

// LoadProfile loads a deployment profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*DeploymentProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*DeploymentProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*DeploymentProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile DeploymentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_prod.yaml -> prod
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// Apply overlays the profile's non-zero values onto cfg.
func (p *DeploymentProfile) Apply(cfg *Config) {
	if p.Delivery.BatchSize > 0 {
		cfg.WebhookBatchSize = p.Delivery.BatchSize
	}
	if p.Delivery.MaxAttempts > 0 {
		cfg.WebhookMaxAttempts = p.Delivery.MaxAttempts
	}
	if p.Delivery.BackoffBaseSeconds > 0 {
		cfg.BackoffBase = time.Duration(p.Delivery.BackoffBaseSeconds) * time.Second
	}
	if p.Delivery.BackoffCapSeconds > 0 {
		cfg.BackoffCap = time.Duration(p.Delivery.BackoffCapSeconds) * time.Second
	}
}

// SchemeAllowed checks whether a storage_ref scheme may be fetched during
// deep verification. An empty allowlist permits everything.
func (p *DeploymentProfile) SchemeAllowed(scheme string) bool {
	if len(p.Evidence.AllowedSchemes) == 0 {
		return true
	}
	for _, s := range p.Evidence.AllowedSchemes {
		if s == scheme {
			return true
		}
	}
	return false
}
