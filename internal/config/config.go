// Package config loads application configuration from .env files and
// APP_-prefixed environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/cruxstack/oauth2-capture/internal/provider"
	"github.com/cruxstack/oauth2-capture/internal/store"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultOwnerHeader carries the local user ID set by the host application.
const DefaultOwnerHeader = "X-Owner-ID"

// ProviderConfig represents an OAuth 2.0 provider configuration.
type ProviderConfig struct {
	Name         string   `json:"name"`                   // Unique provider identifier, used in URLs (e.g., "github", "google-work")
	Type         string   `json:"type,omitempty"`         // Implementation: "twitter", "linkedin", "github", "reddit", "pinterest", "facebook", "google" (defaults to Name)
	ClientID     string   `json:"client_id"`              // OAuth client ID
	ClientSecret string   `json:"client_secret"`          // OAuth client secret
	CallbackURL  string   `json:"callback_url,omitempty"` // Defaults to {base.url}/connect/{name}/callback
	AuthURL      string   `json:"auth_url,omitempty"`     // Custom auth URL (optional)
	TokenURL     string   `json:"token_url,omitempty"`    // Custom token URL (optional)
	UserURL      string   `json:"user_url,omitempty"`     // Custom user info URL (optional)
	ValidateURL  string   `json:"validate_url,omitempty"` // Custom token validation URL (optional)
	Scopes       []string `json:"scopes,omitempty"`       // Custom scopes (optional)
	UserAgent    string   `json:"user_agent,omitempty"`   // Custom User-Agent (reddit requires one)
}

// Config holds all application configuration.
type Config struct {
	Port    int
	BaseURL string

	// OAuth Providers
	Providers []ProviderConfig

	// Session
	SessionSecret       string
	SessionSecureCookie bool // Set to true in production (HTTPS only)

	// Owner identity and policy
	OwnerHeader     string
	OwnershipPolicy store.OwnershipPolicy

	// Token storage
	DatabaseDriver string
	DatabaseDSN    string

	// Flow state store
	StateRedisStoreEnabled bool
	StateRedisStorePrefix  string

	// Redis
	RedisHost  string
	RedisPort  int
	RedisProto string
	RedisPass  string
	RedisDB    int

	// Outbound calls and refresh
	HTTPTimeout        time.Duration
	RefreshMaxAttempts int
	RefreshMaxDelay    time.Duration
	RefreshLeaseTTL    time.Duration

	// Background refresh; zero SweepInterval disables it in serve
	SweepInterval time.Duration
	SweepWindow   time.Duration

	// Rate limiting on /connect routes
	RateLimitRPS   float64
	RateLimitBurst int
}

// envKeyTransform transforms environment variable names to koanf keys.
// APP_DATABASE_DRIVER -> database.driver
func envKeyTransform(s string) string {
	return strings.ReplaceAll(
		strings.ToLower(strings.TrimPrefix(s, "APP_")),
		"_",
		".",
	)
}

// Load loads configuration from .env files and environment variables.
// The loading order is:
// 1. .env file (if exists)
// 2. .env.local file (if exists)
// 3. Environment variables (override files)
func Load() (*Config, error) {
	return LoadFromPath("")
}

// LoadFromPath loads configuration from the specified directory.
// If path is empty, uses current directory.
func LoadFromPath(path string) (*Config, error) {
	k := koanf.New(".")

	envFile := ".env"
	envLocalFile := ".env.local"
	if path != "" {
		envFile = path + "/" + envFile
		envLocalFile = path + "/" + envLocalFile
	}

	for _, f := range []string{envFile, envLocalFile} {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := k.Load(file.Provider(f), dotenv.ParserEnv("APP_", ".", envKeyTransform)); err != nil {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	if err := k.Load(env.Provider("APP_", ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Also load PORT without prefix (common convention)
	_ = k.Load(env.Provider("", ".", func(s string) string {
		if s == "PORT" {
			return "port"
		}
		return ""
	}), nil)

	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{
		Port:    k.Int("port"),
		BaseURL: strings.TrimSuffix(k.String("base.url"), "/"),

		SessionSecret:       k.String("session.secret"),
		SessionSecureCookie: k.String("session.secure.cookie") == "1",

		OwnerHeader: k.String("owner.header"),

		DatabaseDriver: strings.ToLower(k.String("database.driver")),
		DatabaseDSN:    k.String("database.dsn"),

		StateRedisStoreEnabled: k.String("state.redis.store.enabled") == "1",
		StateRedisStorePrefix:  k.String("state.redis.store.prefix"),

		RedisHost:  k.String("redis.host"),
		RedisPort:  k.Int("redis.port"),
		RedisProto: k.String("redis.proto"),
		RedisPass:  k.String("redis.pass"),
		RedisDB:    k.Int("redis.db"),

		RefreshMaxAttempts: k.Int("refresh.max.attempts"),
		RateLimitRPS:       k.Float64("ratelimit.rps"),
		RateLimitBurst:     k.Int("ratelimit.burst"),
	}

	policy, err := store.ParseOwnershipPolicy(k.String("ownership.policy"))
	if err != nil {
		return nil, err
	}
	cfg.OwnershipPolicy = policy

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"http.timeout", &cfg.HTTPTimeout},
		{"refresh.max.delay", &cfg.RefreshMaxDelay},
		{"refresh.lease.ttl", &cfg.RefreshLeaseTTL},
		{"sweep.interval", &cfg.SweepInterval},
		{"sweep.window", &cfg.SweepWindow},
	}
	for _, d := range durations {
		if v := k.String(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	// Set defaults
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.OwnerHeader == "" {
		cfg.OwnerHeader = DefaultOwnerHeader
	}
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = DriverMemory
	}
	if cfg.RedisPort == 0 {
		cfg.RedisPort = 6379
	}
	if cfg.RedisProto == "" {
		cfg.RedisProto = "rediss"
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = provider.DefaultTimeout
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 1
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 10
	}

	providersJSON := k.String("providers")
	if providersJSON != "" {
		var providers []ProviderConfig
		if err := json.Unmarshal([]byte(providersJSON), &providers); err != nil {
			return nil, fmt.Errorf("parsing providers JSON: %w", err)
		}
		cfg.Providers = providers
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Type == "" {
			p.Type = p.Name
		}
		if p.CallbackURL == "" && cfg.BaseURL != "" {
			p.CallbackURL = cfg.BaseURL + "/connect/" + p.Name + "/callback"
		}
	}

	return cfg, nil
}

// Validate checks that required configuration is present. Every missing key
// is reported at once.
func (c *Config) Validate() error {
	var missing []string

	if c.SessionSecret == "" {
		missing = append(missing, "APP_SESSION_SECRET")
	}
	if len(c.Providers) == 0 {
		missing = append(missing, "APP_PROVIDERS")
	}
	for _, p := range c.Providers {
		if p.Name == "" {
			missing = append(missing, "APP_PROVIDERS[].name")
			continue
		}
		if p.ClientID == "" {
			missing = append(missing, "APP_PROVIDERS["+p.Name+"].client_id")
		}
		if p.ClientSecret == "" {
			missing = append(missing, "APP_PROVIDERS["+p.Name+"].client_secret")
		}
		if p.CallbackURL == "" {
			missing = append(missing, "APP_PROVIDERS["+p.Name+"].callback_url or APP_BASE_URL")
		}
	}
	switch c.DatabaseDriver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.DatabaseDSN == "" {
			missing = append(missing, "APP_DATABASE_DSN")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.DatabaseDriver)
	}
	if c.StateRedisStoreEnabled && c.RedisHost == "" {
		missing = append(missing, "APP_REDIS_HOST")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ProviderConfigs converts the configured providers for the registry.
func (c *Config) ProviderConfigs() []provider.Config {
	retry := provider.RetryPolicy{
		MaxAttempts: c.RefreshMaxAttempts,
		MaxDelay:    c.RefreshMaxDelay,
	}
	out := make([]provider.Config, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, provider.Config{
			Name:         p.Name,
			Type:         p.Type,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			CallbackURL:  p.CallbackURL,
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			UserURL:      p.UserURL,
			ValidateURL:  p.ValidateURL,
			Scopes:       p.Scopes,
			UserAgent:    p.UserAgent,
			HTTPClient:   &http.Client{Timeout: c.HTTPTimeout},
			Retry:        retry,
		})
	}
	return out
}

// RedisConfig returns the Redis settings for the flow state store.
func (c *Config) RedisConfig() *store.RedisConfig {
	return &store.RedisConfig{
		Host:   c.RedisHost,
		Port:   c.RedisPort,
		Proto:  c.RedisProto,
		Pass:   c.RedisPass,
		DB:     c.RedisDB,
		Prefix: c.StateRedisStorePrefix,
	}
}

// LogConfig logs the configuration (with secrets redacted).
func (c *Config) LogConfig(logger *slog.Logger) {
	providerNames := make([]string, len(c.Providers))
	for i, p := range c.Providers {
		providerNames[i] = p.Name
	}

	logger.Info("configuration loaded",
		"port", c.Port,
		"base_url", c.BaseURL,
		"providers", providerNames,
		"database_driver", c.DatabaseDriver,
		"ownership_policy", string(c.OwnershipPolicy),
		"owner_header", c.OwnerHeader,
		"state_redis_store_enabled", c.StateRedisStoreEnabled,
		"http_timeout", c.HTTPTimeout.String(),
		"sweep_interval", c.SweepInterval.String(),
	)
}
