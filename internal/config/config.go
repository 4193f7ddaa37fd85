package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"mailcore/internal/models"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	OAuth    map[models.ProviderKind]OAuthConfig
	Limits   LimitsConfig
	Sync     SyncConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// OAuthConfig holds the OAuth2 client settings for one provider.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// LimitsConfig holds the per-account rate limiting constants. These are
// configuration constants, not derived at runtime.
type LimitsConfig struct {
	BaseBackoff  time.Duration // first backoff step after a failure
	MaxBackoff   time.Duration // ceiling for the exponential term
	MaxInFlight  int           // concurrent requests per account
	MaxPerWindow int           // requests per rolling window per account
	Window       time.Duration // rolling window size
	MinSpacing   time.Duration // minimum gap between two calls for one account
}

// SyncConfig holds staleness thresholds and fetch tuning.
type SyncConfig struct {
	HardStaleness  time.Duration // older than this: synchronous sync before returning
	SoftStaleness  time.Duration // older than this: return cache, refresh in background
	PageCeiling    int           // safety ceiling on list pages per sync pass
	PageSize       int           // thread ids requested per list page
	DetailBatch    int           // concurrent detail fetches per batch
	BatchDelay     time.Duration // pause between detail batches
	NetworkTimeout time.Duration // per-call timeout, independent of backoff
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "localhost"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "mailcore"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "mailcore.db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		OAuth: map[models.ProviderKind]OAuthConfig{
			models.ProviderGmail: {
				ClientID:     getEnv("GMAIL_CLIENT_ID", ""),
				ClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
				RedirectURI:  getEnv("GMAIL_REDIRECT_URI", "http://127.0.0.1:8089/oauth/callback"),
				Scopes: getEnvAsSlice("GMAIL_SCOPES",
					"https://www.googleapis.com/auth/gmail.modify",
					"https://www.googleapis.com/auth/userinfo.email",
					"https://www.googleapis.com/auth/userinfo.profile"),
			},
			models.ProviderOutlook: {
				ClientID:     getEnv("OUTLOOK_CLIENT_ID", ""),
				ClientSecret: getEnv("OUTLOOK_CLIENT_SECRET", ""),
				RedirectURI:  getEnv("OUTLOOK_REDIRECT_URI", "http://127.0.0.1:8089/oauth/callback"),
				Scopes: getEnvAsSlice("OUTLOOK_SCOPES",
					"https://graph.microsoft.com/Mail.ReadWrite",
					"https://graph.microsoft.com/Mail.Send",
					"offline_access"),
			},
		},
		Limits: LimitsConfig{
			BaseBackoff:  getEnvAsDuration("RATE_BASE_BACKOFF", 2*time.Second),
			MaxBackoff:   getEnvAsDuration("RATE_MAX_BACKOFF", 5*time.Minute),
			MaxInFlight:  getEnvAsInt("RATE_MAX_IN_FLIGHT", 4),
			MaxPerWindow: getEnvAsInt("RATE_MAX_PER_WINDOW", 60),
			Window:       getEnvAsDuration("RATE_WINDOW", time.Minute),
			MinSpacing:   getEnvAsDuration("RATE_MIN_SPACING", 100*time.Millisecond),
		},
		Sync: SyncConfig{
			HardStaleness:  getEnvAsDuration("SYNC_HARD_STALENESS", 15*time.Minute),
			SoftStaleness:  getEnvAsDuration("SYNC_SOFT_STALENESS", 3*time.Minute),
			PageCeiling:    getEnvAsInt("SYNC_PAGE_CEILING", 20),
			PageSize:       getEnvAsInt("SYNC_PAGE_SIZE", 50),
			DetailBatch:    getEnvAsInt("SYNC_DETAIL_BATCH", 5),
			BatchDelay:     getEnvAsDuration("SYNC_BATCH_DELAY", 200*time.Millisecond),
			NetworkTimeout: getEnvAsDuration("SYNC_NETWORK_TIMEOUT", 30*time.Second),
		},
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsSlice gets a comma-separated environment variable or returns the defaults
func getEnvAsSlice(key string, defaultValues ...string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValues
	}
	parts := strings.Split(valueStr, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// ServerAddress returns the full server address
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}
