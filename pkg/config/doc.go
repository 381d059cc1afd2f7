// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	AUTHRELAY_HOST="0.0.0.0"
//	AUTHRELAY_PORT="8080"
//	AUTHRELAY_METRICS_PORT="9090"
//	AUTHRELAY_BASE_URL="https://auth.example.com"
//
// Session settings:
//
//	AUTHRELAY_SESSION_TIMEOUT="30m"
//	AUTHRELAY_REFRESH_INTERVAL="5m"
//	AUTHRELAY_COOKIE_NAME="authrelay_session"
//	AUTHRELAY_REDIS_URL="localhost:6379"  # empty selects in-process store
//
// Provider settings:
//
//	AUTHRELAY_POSTGRES_URL="postgres://localhost/authrelay"
//	AUTHRELAY_GOOGLE_CLIENT_ID="..."
//	AUTHRELAY_GOOGLE_CLIENT_SECRET="..."
//	AUTHRELAY_OAUTH_REDIRECT_URI="https://auth.example.com/auth/callback/google"
//	AUTHRELAY_LDAP_BIND_PASSWORD="..."
//
// Observability settings:
//
//	AUTHRELAY_LOG_LEVEL="info"  # debug, info, warn, error
//	AUTHRELAY_METRICS_ENABLED="true"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Related Packages
//
//   - pkg/auth: Consumes provider settings
//   - pkg/session: Consumes session settings
//   - pkg/observability: Uses observability configuration
package config
