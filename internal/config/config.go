package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Polling   PollingConfig   `yaml:"polling"`
	Providers ProvidersConfig `yaml:"providers"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Admin     AdminConfig     `yaml:"admin"`

	// EncryptionKey is the base64-encoded 32-byte AES key for token storage.
	// Env-only (ENCRYPTION_KEY); never read from the YAML file.
	EncryptionKey string `yaml:"-"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis configuration for locks, quota, rate limits, and caches.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// PollingConfig holds the scheduler's tunables.
type PollingConfig struct {
	CronSchedule           string `yaml:"cron_schedule"`            // worker cadence, cron syntax
	BatchSize              int    `yaml:"batch_size"`               // due subscriptions per cycle
	UserConcurrency        int    `yaml:"user_concurrency"`         // parallel users per provider batch
	CronLockTTLSeconds     int    `yaml:"cron_lock_ttl_seconds"`    // poll-cycle lock TTL
	DefaultIntervalSeconds int    `yaml:"default_interval_seconds"` // subscription poll interval fallback
}

// CronLockTTL returns the poll-cycle lock TTL as a duration.
func (c PollingConfig) CronLockTTL() time.Duration {
	return time.Duration(c.CronLockTTLSeconds) * time.Second
}

// ProvidersConfig holds per-provider OAuth and quota settings.
type ProvidersConfig struct {
	YouTube OAuthProviderConfig `yaml:"youtube"`
	Spotify OAuthProviderConfig `yaml:"spotify"`
	Gmail   OAuthProviderConfig `yaml:"gmail"`
	WebFeed WebFeedConfig       `yaml:"webfeed"`
}

// OAuthProviderConfig holds one provider's OAuth app credentials and limits.
type OAuthProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"` // optional under PKCE flows
	TokenURL     string `yaml:"token_url"`
	APIBaseURL   string `yaml:"api_base_url"`
	DailyQuota   int    `yaml:"daily_quota"` // units/day; 0 = no quota tracking
}

// WebFeedConfig holds RSS/Atom fetch limits.
type WebFeedConfig struct {
	TimeoutSeconds int   `yaml:"timeout_seconds"`
	MaxBodyBytes   int64 `yaml:"max_body_bytes"`
	MaxEntries     int   `yaml:"max_entries"`
	ErrorThreshold int   `yaml:"error_threshold"`
}

// Timeout returns the feed fetch timeout as a duration.
func (c WebFeedConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ArchiveConfig holds optional S3 raw-payload archival settings.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	Region   string `yaml:"region"`
}

// AdminConfig gates the admin/cron HTTP endpoints.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Polling.CronSchedule == "" {
		cfg.Polling.CronSchedule = "*/5 * * * *"
	}
	if cfg.Polling.BatchSize == 0 {
		cfg.Polling.BatchSize = 50
	}
	if cfg.Polling.UserConcurrency == 0 {
		cfg.Polling.UserConcurrency = 10
	}
	if cfg.Polling.CronLockTTLSeconds == 0 {
		cfg.Polling.CronLockTTLSeconds = 900
	}
	if cfg.Polling.DefaultIntervalSeconds == 0 {
		cfg.Polling.DefaultIntervalSeconds = 3600
	}
	if cfg.Providers.YouTube.TokenURL == "" {
		cfg.Providers.YouTube.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if cfg.Providers.YouTube.APIBaseURL == "" {
		cfg.Providers.YouTube.APIBaseURL = "https://www.googleapis.com/youtube/v3"
	}
	if cfg.Providers.YouTube.DailyQuota == 0 {
		cfg.Providers.YouTube.DailyQuota = 10000
	}
	if cfg.Providers.Spotify.TokenURL == "" {
		cfg.Providers.Spotify.TokenURL = "https://accounts.spotify.com/api/token"
	}
	if cfg.Providers.Spotify.APIBaseURL == "" {
		cfg.Providers.Spotify.APIBaseURL = "https://api.spotify.com/v1"
	}
	if cfg.Providers.Gmail.TokenURL == "" {
		cfg.Providers.Gmail.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if cfg.Providers.Gmail.APIBaseURL == "" {
		cfg.Providers.Gmail.APIBaseURL = "https://gmail.googleapis.com/gmail/v1"
	}
	if cfg.Providers.WebFeed.TimeoutSeconds == 0 {
		cfg.Providers.WebFeed.TimeoutSeconds = 10
	}
	if cfg.Providers.WebFeed.MaxBodyBytes == 0 {
		cfg.Providers.WebFeed.MaxBodyBytes = 1536 * 1024
	}
	if cfg.Providers.WebFeed.MaxEntries == 0 {
		cfg.Providers.WebFeed.MaxEntries = 20
	}
	if cfg.Providers.WebFeed.ErrorThreshold == 0 {
		cfg.Providers.WebFeed.ErrorThreshold = 10
	}
	if cfg.Archive.S3Prefix == "" {
		cfg.Archive.S3Prefix = "raw/"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := os.Getenv("USER_PROCESSING_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Polling.UserConcurrency = n
		}
	}
	if v := os.Getenv("YOUTUBE_CLIENT_ID"); v != "" {
		cfg.Providers.YouTube.ClientID = v
	}
	if v := os.Getenv("YOUTUBE_CLIENT_SECRET"); v != "" {
		cfg.Providers.YouTube.ClientSecret = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_ID"); v != "" {
		cfg.Providers.Spotify.ClientID = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		cfg.Providers.Spotify.ClientSecret = v
	}
	if v := os.Getenv("GMAIL_CLIENT_ID"); v != "" {
		cfg.Providers.Gmail.ClientID = v
	}
	if v := os.Getenv("GMAIL_CLIENT_SECRET"); v != "" {
		cfg.Providers.Gmail.ClientSecret = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
		cfg.Archive.Enabled = true
	}

	return cfg, nil
}

// ForProvider returns the OAuth settings for a provider name, and whether the
// provider uses OAuth at all (web feeds do not).
func (c ProvidersConfig) ForProvider(name string) (OAuthProviderConfig, bool) {
	switch name {
	case "youtube":
		return c.YouTube, true
	case "spotify":
		return c.Spotify, true
	case "gmail":
		return c.Gmail, true
	}
	return OAuthProviderConfig{}, false
}
