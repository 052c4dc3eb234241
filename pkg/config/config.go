package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string
	// LogFormat selects the slog handler: "text" or "json".
	LogFormat string

	// DatabaseURL is the Postgres DSN. When empty the server runs in Lite
	// Mode against a local SQLite file.
	DatabaseURL string
	// LitePath is the SQLite file used in Lite Mode.
	LitePath string

	// ActiveSchemaVersion is the single canonical-envelope schema version
	// accepted on writes. AllowedSchemaVersions is the read-side tolerance
	// list and always includes the active version.
	ActiveSchemaVersion   string
	AllowedSchemaVersions []string

	// AdminAPIKey authenticates administrative callers. JWTSecret, when set,
	// additionally enables HS256 bearer tokens for subscribers.
	AdminAPIKey string
	JWTSecret   string

	WebhookBatchSize   int
	WebhookMaxAttempts int
	BackoffBase        time.Duration
	BackoffCap         time.Duration

	// RedisURL enables the Redis-backed subscription cache when set.
	RedisURL string

	// OTLPEndpoint enables OpenTelemetry metric export when set.
	OTLPEndpoint string
	ServiceName  string

	// ProfilesDir points at optional deployment profile YAML overlays.
	ProfilesDir string
	Profile     string
}

// Load loads configuration from environment variables. Missing required
// values are reported together so operators fix them in one pass.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                envOr("PORT", "8080"),
		LogLevel:            envOr("LOG_LEVEL", "INFO"),
		LogFormat:           envOr("LOG_FORMAT", "text"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		LitePath:            envOr("LITE_DB_PATH", "proveniq-ledger.db"),
		ActiveSchemaVersion: envOr("ACTIVE_SCHEMA_VERSION", "1.0.0"),
		AdminAPIKey:         os.Getenv("ADMIN_API_KEY"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		RedisURL:            os.Getenv("REDIS_URL"),
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"),
		ServiceName:         envOr("SERVICE_NAME", "proveniq-ledger"),
		ProfilesDir:         envOr("PROFILES_DIR", "profiles"),
		Profile:             os.Getenv("DEPLOY_PROFILE"),
	}

	allowed := envOr("ALLOWED_SCHEMA_VERSIONS", cfg.ActiveSchemaVersion)
	for _, v := range strings.Split(allowed, ",") {
		if v = strings.TrimSpace(v); v != "" {
			cfg.AllowedSchemaVersions = append(cfg.AllowedSchemaVersions, v)
		}
	}
	if !contains(cfg.AllowedSchemaVersions, cfg.ActiveSchemaVersion) {
		cfg.AllowedSchemaVersions = append(cfg.AllowedSchemaVersions, cfg.ActiveSchemaVersion)
	}

	var errs []string
	var err error
	if cfg.WebhookBatchSize, err = envInt("WEBHOOK_BATCH_SIZE", 10); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.WebhookMaxAttempts, err = envInt("WEBHOOK_MAX_ATTEMPTS", 5); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.BackoffBase, err = envSeconds("BACKOFF_BASE_SECONDS", 60*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.BackoffCap, err = envSeconds("BACKOFF_CAP_SECONDS", 24*time.Hour); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.AdminAPIKey == "" {
		errs = append(errs, "ADMIN_API_KEY is required")
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// LiteMode reports whether the server should run against SQLite.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == "" || strings.HasPrefix(c.DatabaseURL, "sqlite:")
}

// LiteDatabasePath resolves the SQLite file path, honoring a sqlite: DSN.
func (c *Config) LiteDatabasePath() string {
	if p, ok := strings.CutPrefix(c.DatabaseURL, "sqlite:"); ok && p != "" {
		return p
	}
	return c.LitePath
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive number of seconds, got %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
