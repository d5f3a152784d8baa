// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example GEMINI_BASE_URL becomes
// gemini_base_url in YAML. Structured seed data (virtual keys, presets,
// rewrite rules) is YAML-only.
//
// At least one upstream Gemini key is required. Redis is optional — set
// STORE_MODE=memory to run single-instance with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Upstream controls the connection to the Gemini API.
	Upstream UpstreamConfig

	// Store selects the persistence backend.
	Store StoreConfig

	// Redis holds the connection URL for the Redis-backed store and rate
	// limiter. Required only when Store.Mode is "redis".
	Redis RedisConfig

	// ClickHouse configures the optional analytics sink for request logs.
	// Leave Addr empty to log to stdout instead.
	ClickHouse ClickHouseConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// Seed is the declarative state loaded into the store on startup:
	// virtual keys, presets, and rewrite rules. YAML-only.
	Seed SeedConfig
}

// UpstreamConfig holds the Gemini API connection settings and the key pool.
type UpstreamConfig struct {
	// BaseURL overrides the default Gemini endpoint. Useful for local mocks.
	BaseURL string

	// Keys is the pool of real API keys, in rotation order.
	// Env form: GEMINI_API_KEYS, comma-separated.
	Keys []string

	// VerifyOnStart probes every key against the live API at startup and
	// logs the ones that fail. Default: false.
	VerifyOnStart bool

	// ConnectTimeout bounds TCP+TLS establishment. Default: 10s.
	ConnectTimeout time.Duration

	// RequestTimeout bounds a full non-streaming exchange. Default: 120s.
	RequestTimeout time.Duration

	// StreamTimeout bounds an entire streaming exchange. Default: 300s.
	StreamTimeout time.Duration
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Mode selects the store backend:
	//   "redis"  — Redis-backed (requires REDIS_URL). Recommended for replicas.
	//   "memory" — In-process. No external deps; not shared across replicas.
	// Default: "memory".
	Mode string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the analytics sink connection settings.
type ClickHouseConfig struct {
	// Addr is "host:port" for the native protocol. Empty disables the sink.
	Addr     string
	Database string
	Username string
	Password string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed gateway-wide.
	// 0 disables the global window. Default: 0.
	RPMLimit int

	// PerKeyRPMLimit is the maximum requests per minute per virtual key.
	// 0 disables the per-key window. Default: 0.
	PerKeyRPMLimit int
}

// SeedConfig is the declarative store content, loaded at startup.
type SeedConfig struct {
	VirtualKeys []SeedVirtualKey `mapstructure:"virtual_keys"`
	Presets     []SeedPreset     `mapstructure:"presets"`
	GlobalRules []SeedRule       `mapstructure:"global_rules"`
}

// SeedVirtualKey declares one gateway-issued credential.
type SeedVirtualKey struct {
	ID           int64  `mapstructure:"id"`
	Secret       string `mapstructure:"secret"`
	OwnerID      int64  `mapstructure:"owner_id"`
	IsActive     bool   `mapstructure:"is_active"`
	PresetID     int64  `mapstructure:"preset_id"`
	RegexEnabled bool   `mapstructure:"regex_enabled"`
}

// SeedPreset declares one prompt-injection template with its scoped rules.
type SeedPreset struct {
	ID        int64            `mapstructure:"id"`
	OwnerID   int64            `mapstructure:"owner_id"`
	Name      string           `mapstructure:"name"`
	IsActive  bool             `mapstructure:"is_active"`
	SortOrder int              `mapstructure:"sort_order"`
	Items     []SeedPresetItem `mapstructure:"items"`
	Rules     []SeedRule       `mapstructure:"rules"`
}

// SeedPresetItem declares one preset entry.
type SeedPresetItem struct {
	Type    string `mapstructure:"type"`
	Role    string `mapstructure:"role"`
	Content string `mapstructure:"content"`
	Enabled bool   `mapstructure:"enabled"`
	Order   int    `mapstructure:"order"`
}

// SeedRule declares one rewrite rule.
type SeedRule struct {
	ID          int64  `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Pattern     string `mapstructure:"pattern"`
	Replacement string `mapstructure:"replacement"`
	Kind        string `mapstructure:"kind"`
	IsActive    bool   `mapstructure:"is_active"`
	SortOrder   int    `mapstructure:"sort_order"`
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_MODE", "memory")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Upstream defaults.
	v.SetDefault("GEMINI_BASE_URL", "")
	v.SetDefault("VERIFY_KEYS_ON_START", false)
	v.SetDefault("UPSTREAM_CONNECT_TIMEOUT", "10s")
	v.SetDefault("UPSTREAM_REQUEST_TIMEOUT", "120s")
	v.SetDefault("UPSTREAM_STREAM_TIMEOUT", "300s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("PER_KEY_RPM_LIMIT", 0)

	// ClickHouse defaults.
	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Upstream: UpstreamConfig{
			BaseURL:        v.GetString("GEMINI_BASE_URL"),
			Keys:           splitKeys(v.GetString("GEMINI_API_KEYS")),
			VerifyOnStart:  v.GetBool("VERIFY_KEYS_ON_START"),
			ConnectTimeout: v.GetDuration("UPSTREAM_CONNECT_TIMEOUT"),
			RequestTimeout: v.GetDuration("UPSTREAM_REQUEST_TIMEOUT"),
			StreamTimeout:  v.GetDuration("UPSTREAM_STREAM_TIMEOUT"),
		},

		Store: StoreConfig{
			Mode: strings.ToLower(v.GetString("STORE_MODE")),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit:       v.GetInt("RPM_LIMIT"),
			PerKeyRPMLimit: v.GetInt("PER_KEY_RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// YAML-only structured seed data.
	if err := v.UnmarshalKey("seed", &cfg.Seed); err != nil {
		return nil, fmt.Errorf("config: invalid seed section: %w", err)
	}
	// YAML key list supplements the env form.
	if yamlKeys := v.GetStringSlice("upstream_keys"); len(yamlKeys) > 0 && len(cfg.Upstream.Keys) == 0 {
		cfg.Upstream.Keys = yamlKeys
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Upstream.Keys) == 0 {
		return fmt.Errorf(
			"config: at least one upstream key is required " +
				"(GEMINI_API_KEYS env var, comma-separated, or upstream_keys in config.yaml)",
		)
	}

	// Redis URL is required when the store mode is "redis".
	if c.Store.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when STORE_MODE=redis; " +
				"set STORE_MODE=memory to use the built-in in-process store",
		)
	}

	switch c.Store.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid STORE_MODE %q; must be one of: redis, memory",
			c.Store.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Timeout ordering: connect < request < stream.
	up := c.Upstream
	if up.ConnectTimeout <= 0 || up.RequestTimeout <= 0 || up.StreamTimeout <= 0 {
		return fmt.Errorf("config: upstream timeouts must be positive durations")
	}
	if up.ConnectTimeout >= up.RequestTimeout || up.RequestTimeout > up.StreamTimeout {
		return fmt.Errorf(
			"config: upstream timeouts must satisfy connect < request <= stream, got %s / %s / %s",
			up.ConnectTimeout, up.RequestTimeout, up.StreamTimeout,
		)
	}

	for _, vk := range c.Seed.VirtualKeys {
		if !strings.HasPrefix(vk.Secret, "gapi-") {
			return fmt.Errorf("config: virtual key %d secret must start with \"gapi-\"", vk.ID)
		}
	}

	return nil
}

// splitKeys parses a comma-separated key list, dropping empty entries.
func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
