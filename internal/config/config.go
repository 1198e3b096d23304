// Package config loads and validates all runtime configuration for the relay.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example MASTER_KEY becomes master_key
// in YAML.
//
// Two keys are strictly required: MASTER_KEY (credential encryption) and
// JWT_SECRET (admin auth), both at least 32 bytes. Redis and ClickHouse are
// optional — the relay degrades to in-process equivalents without them.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// ListenAddr is the address the HTTP server binds, e.g. ":8080".
	ListenAddr string

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// MasterKey encrypts upstream credentials at rest. Must be ≥ 32 bytes.
	MasterKey string

	// JWTSecret authenticates admin management calls. Must be ≥ 32 bytes.
	JWTSecret string

	// WorkerPool bounds concurrent in-flight proxy requests. Default: 256.
	WorkerPool int

	// Database holds the embedded SQLite settings.
	Database DatabaseConfig

	// Redis holds the optional Redis connection for the KV layer.
	Redis RedisConfig

	// ClickHouse holds the optional usage-analytics sink settings.
	ClickHouse ClickHouseConfig

	// Backup controls periodic database snapshots into the blob sink.
	Backup BackupConfig

	// Timeouts holds all per-phase deadlines.
	Timeouts TimeoutConfig

	// Pool controls snapshot caching and load balancing.
	Pool PoolConfig

	// Probe controls the background health prober.
	Probe ProbeConfig

	// OAuth holds per-provider OAuth endpoints and client IDs.
	OAuth OAuthConfig

	// Proxies is the named outbound HTTP proxy list. Accounts reference
	// entries by name via their proxy binding.
	Proxies map[string]string

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// DatabaseConfig holds the embedded database settings.
type DatabaseConfig struct {
	// Path is the SQLite file path. ":memory:" runs fully in-process.
	Path string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Empty disables Redis; the KV layer
	// falls back to the in-process implementation.
	URL string
}

// ClickHouseConfig holds the optional analytics sink settings.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// DSN. Empty disables the analytics mirror.
	DSN string
	// Table is the destination table name. Default: "usage_records".
	Table string
}

// BackupConfig controls periodic database snapshots.
type BackupConfig struct {
	// Dir is the blob sink root directory. Empty disables backups.
	Dir string
	// Interval between snapshots. Default: 1h.
	Interval time.Duration
	// Keep is how many snapshots to retain. Default: 24.
	Keep int
}

// TimeoutConfig holds every per-phase deadline. All are configurable.
type TimeoutConfig struct {
	// Connect is the outbound TCP connect deadline. Default: 10s.
	Connect time.Duration
	// Unary is the full-request deadline for non-streaming calls. Default: 60s.
	Unary time.Duration
	// StreamIdle is the max gap between bytes on a streaming response. Default: 60s.
	StreamIdle time.Duration
	// Probe is the per-probe deadline. Default: 10s.
	Probe time.Duration
	// OAuthExchange is the code-exchange deadline. Default: 30s.
	OAuthExchange time.Duration
	// TokenRefresh is the refresh-call deadline. Default: 15s.
	TokenRefresh time.Duration
}

// PoolConfig controls snapshot caching and load balancing.
type PoolConfig struct {
	// SnapshotTTL is how long a cached snapshot stays fresh. Default: 60s.
	SnapshotTTL time.Duration
	// Strategy is the default load-balance strategy. One of:
	// priority_first, least_connections, weighted_round_robin, adaptive.
	Strategy string
	// MinHealthScore drops low-scoring accounts under adaptive selection.
	// Default: 0.5.
	MinHealthScore float64
}

// ProbeConfig controls the background health prober.
type ProbeConfig struct {
	// Interval between probe sweeps. Default: 5m.
	Interval time.Duration
	// Concurrency bounds parallel probes per sweep. Default: 5.
	Concurrency int
}

// OAuthConfig holds per-provider OAuth settings. Endpoint URLs ship here so
// nothing is hardcoded in the flow code.
type OAuthConfig struct {
	Anthropic AnthropicOAuthConfig
	Qwen      QwenOAuthConfig
}

// AnthropicOAuthConfig configures the authorization-code + PKCE flow.
type AnthropicOAuthConfig struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	Scopes       string
}

// QwenOAuthConfig configures the device-code flow.
type QwenOAuthConfig struct {
	ClientID      string
	DeviceCodeURL string
	TokenURL      string
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
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("WORKER_POOL", 256)

	v.SetDefault("DB_PATH", "llm-relay.db")
	v.SetDefault("CLICKHOUSE_TABLE", "usage_records")

	v.SetDefault("BACKUP_INTERVAL", "1h")
	v.SetDefault("BACKUP_KEEP", 24)

	// Per-phase timeouts.
	v.SetDefault("CONNECT_TIMEOUT", "10s")
	v.SetDefault("UNARY_TIMEOUT", "60s")
	v.SetDefault("STREAM_IDLE_TIMEOUT", "60s")
	v.SetDefault("PROBE_TIMEOUT", "10s")
	v.SetDefault("OAUTH_EXCHANGE_TIMEOUT", "30s")
	v.SetDefault("TOKEN_REFRESH_TIMEOUT", "15s")

	// Pool defaults.
	v.SetDefault("SNAPSHOT_TTL", "60s")
	v.SetDefault("LB_STRATEGY", "adaptive")
	v.SetDefault("MIN_HEALTH_SCORE", 0.5)

	// Prober defaults.
	v.SetDefault("PROBE_INTERVAL", "5m")
	v.SetDefault("PROBE_CONCURRENCY", 5)

	// Anthropic OAuth — the public first-party client, overridable.
	v.SetDefault("ANTHROPIC_OAUTH_CLIENT_ID", "9d1c250a-e61b-44d9-88ed-5944d1962f5e")
	v.SetDefault("ANTHROPIC_OAUTH_AUTHORIZE_URL", "https://claude.ai/oauth/authorize")
	v.SetDefault("ANTHROPIC_OAUTH_TOKEN_URL", "https://console.anthropic.com/v1/oauth/token")
	v.SetDefault("ANTHROPIC_OAUTH_REDIRECT_URI", "https://console.anthropic.com/oauth/code/callback")
	v.SetDefault("ANTHROPIC_OAUTH_SCOPES", "org:create_api_key user:profile user:inference")

	// Qwen OAuth device flow.
	v.SetDefault("QWEN_OAUTH_CLIENT_ID", "f0304373b74a44d2b584a3fb70ca9e56")
	v.SetDefault("QWEN_OAUTH_DEVICE_CODE_URL", "https://chat.qwen.ai/api/v1/oauth2/device/code")
	v.SetDefault("QWEN_OAUTH_TOKEN_URL", "https://chat.qwen.ai/api/v1/oauth2/token")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		ListenAddr: v.GetString("LISTEN_ADDR"),
		LogLevel:   strings.ToLower(v.GetString("LOG_LEVEL")),
		MasterKey:  v.GetString("MASTER_KEY"),
		JWTSecret:  v.GetString("JWT_SECRET"),
		WorkerPool: v.GetInt("WORKER_POOL"),

		Database: DatabaseConfig{Path: v.GetString("DB_PATH")},
		Redis:    RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			DSN:   v.GetString("CLICKHOUSE_DSN"),
			Table: v.GetString("CLICKHOUSE_TABLE"),
		},

		Backup: BackupConfig{
			Dir:      v.GetString("BACKUP_DIR"),
			Interval: v.GetDuration("BACKUP_INTERVAL"),
			Keep:     v.GetInt("BACKUP_KEEP"),
		},

		Timeouts: TimeoutConfig{
			Connect:       v.GetDuration("CONNECT_TIMEOUT"),
			Unary:         v.GetDuration("UNARY_TIMEOUT"),
			StreamIdle:    v.GetDuration("STREAM_IDLE_TIMEOUT"),
			Probe:         v.GetDuration("PROBE_TIMEOUT"),
			OAuthExchange: v.GetDuration("OAUTH_EXCHANGE_TIMEOUT"),
			TokenRefresh:  v.GetDuration("TOKEN_REFRESH_TIMEOUT"),
		},

		Pool: PoolConfig{
			SnapshotTTL:    v.GetDuration("SNAPSHOT_TTL"),
			Strategy:       strings.ToLower(v.GetString("LB_STRATEGY")),
			MinHealthScore: v.GetFloat64("MIN_HEALTH_SCORE"),
		},

		Probe: ProbeConfig{
			Interval:    v.GetDuration("PROBE_INTERVAL"),
			Concurrency: v.GetInt("PROBE_CONCURRENCY"),
		},

		OAuth: OAuthConfig{
			Anthropic: AnthropicOAuthConfig{
				ClientID:     v.GetString("ANTHROPIC_OAUTH_CLIENT_ID"),
				AuthorizeURL: v.GetString("ANTHROPIC_OAUTH_AUTHORIZE_URL"),
				TokenURL:     v.GetString("ANTHROPIC_OAUTH_TOKEN_URL"),
				RedirectURI:  v.GetString("ANTHROPIC_OAUTH_REDIRECT_URI"),
				Scopes:       v.GetString("ANTHROPIC_OAUTH_SCOPES"),
			},
			Qwen: QwenOAuthConfig{
				ClientID:      v.GetString("QWEN_OAUTH_CLIENT_ID"),
				DeviceCodeURL: v.GetString("QWEN_OAUTH_DEVICE_CODE_URL"),
				TokenURL:      v.GetString("QWEN_OAUTH_TOKEN_URL"),
			},
		},

		Proxies:     v.GetStringMapString("OUTBOUND_PROXIES"),
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.MasterKey) < 32 {
		return fmt.Errorf("config: MASTER_KEY must be at least 32 bytes (got %d)", len(c.MasterKey))
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("config: JWT_SECRET must be at least 32 bytes (got %d)", len(c.JWTSecret))
	}

	if c.WorkerPool < 1 {
		return fmt.Errorf("config: WORKER_POOL must be ≥ 1, got %d", c.WorkerPool)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Pool.Strategy {
	case "priority_first", "least_connections", "weighted_round_robin", "adaptive":
	default:
		return fmt.Errorf(
			"config: invalid LB_STRATEGY %q; must be one of: priority_first, least_connections, weighted_round_robin, adaptive",
			c.Pool.Strategy,
		)
	}

	if c.Pool.MinHealthScore < 0 || c.Pool.MinHealthScore > 1 {
		return fmt.Errorf("config: MIN_HEALTH_SCORE must be in [0,1], got %g", c.Pool.MinHealthScore)
	}

	if c.Probe.Concurrency < 1 {
		return fmt.Errorf("config: PROBE_CONCURRENCY must be ≥ 1, got %d", c.Probe.Concurrency)
	}

	for name, raw := range c.Proxies {
		if raw == "" {
			return fmt.Errorf("config: outbound proxy %q has an empty URL", name)
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("config: invalid outbound proxy %q: %w", name, err)
		}
	}

	return nil
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
