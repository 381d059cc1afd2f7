package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/authrelay/authrelay/pkg/auth"
	"github.com/authrelay/authrelay/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Session configuration
	Session SessionConfig

	// Provider secrets and overrides
	Providers ProvidersConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	BaseURL         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Metrics server (separate port for k8s probes)
	MetricsPort string
}

// SessionConfig holds session lifecycle and backing-store settings.
type SessionConfig struct {
	Settings auth.SessionSettings

	// RedisURL selects the Redis-backed store and broadcaster when set;
	// empty means in-process store and broadcast.
	RedisURL      string
	RedisPassword string
	RedisDB       int
}

// ProvidersConfig carries secrets and per-provider overrides loaded from the
// environment rather than stored configuration.
type ProvidersConfig struct {
	// PostgresURL enables SQL-backed provider configuration when set.
	PostgresURL string

	GoogleClientID     string
	GoogleClientSecret string
	GitHubClientID     string
	GitHubClientSecret string

	OAuthRedirectURI string

	LDAPBindPassword string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Session:       loadSessionConfig(),
		Providers:     loadProvidersConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("AUTHRELAY_HOST", "0.0.0.0"),
		Port:            getEnv("AUTHRELAY_PORT", "8080"),
		BaseURL:         getEnv("AUTHRELAY_BASE_URL", "http://localhost:8080"),
		ReadTimeout:     getEnvDuration("AUTHRELAY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("AUTHRELAY_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("AUTHRELAY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("AUTHRELAY_SHUTDOWN_TIMEOUT", 30*time.Second),
		MetricsPort:     getEnv("AUTHRELAY_METRICS_PORT", "9090"),
	}
}

// loadSessionConfig loads session configuration from environment
func loadSessionConfig() SessionConfig {
	settings := auth.DefaultSessionSettings()
	if timeout := getEnvDuration("AUTHRELAY_SESSION_TIMEOUT", 0); timeout > 0 {
		settings.SessionTimeout = timeout
	}
	if interval := getEnvDuration("AUTHRELAY_REFRESH_INTERVAL", 0); interval > 0 {
		settings.RefreshInterval = interval
	}
	if name := getEnv("AUTHRELAY_COOKIE_NAME", ""); name != "" {
		settings.CookieName = name
	}
	settings.Secure = getEnvBool("AUTHRELAY_COOKIE_SECURE", settings.Secure)
	settings.EnableAutoRefresh = getEnvBool("AUTHRELAY_AUTO_REFRESH", settings.EnableAutoRefresh)
	settings.EnableCrossTabSync = getEnvBool("AUTHRELAY_CROSS_INSTANCE_SYNC", settings.EnableCrossTabSync)

	return SessionConfig{
		Settings:      settings,
		RedisURL:      getEnv("AUTHRELAY_REDIS_URL", ""),
		RedisPassword: getEnv("AUTHRELAY_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("AUTHRELAY_REDIS_DB", 0),
	}
}

// loadProvidersConfig loads provider secrets from environment
func loadProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		PostgresURL:        getEnv("AUTHRELAY_POSTGRES_URL", ""),
		GoogleClientID:     getEnv("AUTHRELAY_GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("AUTHRELAY_GOOGLE_CLIENT_SECRET", ""),
		GitHubClientID:     getEnv("AUTHRELAY_GITHUB_CLIENT_ID", ""),
		GitHubClientSecret: getEnv("AUTHRELAY_GITHUB_CLIENT_SECRET", ""),
		OAuthRedirectURI:   getEnv("AUTHRELAY_OAUTH_REDIRECT_URI", ""),
		LDAPBindPassword:   getEnv("AUTHRELAY_LDAP_BIND_PASSWORD", ""),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("AUTHRELAY_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("AUTHRELAY_METRICS_ENABLED", true),
	}
}

// ProviderSettings folds the environment overrides into a partial settings
// value ready for Registry.ConfigureAll.
func (c *Config) ProviderSettings() auth.Settings {
	settings := auth.Settings{Session: &c.Session.Settings}

	oauth := make(map[string]auth.OAuthProviderConfig)
	if c.Providers.GoogleClientID != "" {
		oauth["google"] = auth.OAuthProviderConfig{
			ClientID:     c.Providers.GoogleClientID,
			ClientSecret: c.Providers.GoogleClientSecret,
			RedirectURI:  c.Providers.OAuthRedirectURI,
		}
	}
	if c.Providers.GitHubClientID != "" {
		oauth["github"] = auth.OAuthProviderConfig{
			ClientID:     c.Providers.GitHubClientID,
			ClientSecret: c.Providers.GitHubClientSecret,
			RedirectURI:  c.Providers.OAuthRedirectURI,
		}
	}
	if len(oauth) > 0 {
		settings.OAuth = oauth
	}
	return settings
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MetricsPort == "" {
		return fmt.Errorf("metrics port is required")
	}
	if c.Server.Port == c.Server.MetricsPort {
		return fmt.Errorf("server port and metrics port must be different")
	}

	if c.Session.Settings.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}
	if c.Session.Settings.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}
	if c.Session.Settings.RefreshInterval >= c.Session.Settings.SessionTimeout {
		return fmt.Errorf("refresh interval must be shorter than the session timeout")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
