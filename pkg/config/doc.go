// Package config loads tenantauth configuration.
//
// Values start from built-in defaults, are overlaid by the YAML file named in
// TENANTAUTH_CONFIG_FILE (if set), and finally by TENANTAUTH_* environment
// variables:
//
//	TENANTAUTH_PORT="8080"
//	TENANTAUTH_POSTGRES_URL="postgres://tenantauth@localhost/tenantauth?sslmode=disable"
//	TENANTAUTH_REDIS_URL="redis://localhost:6379/0"
//	TENANTAUTH_KEYS_DIR="/etc/tenantauth/keys"
//	TENANTAUTH_EXCHANGE_ISSUER="https://login.example.com"
//	TENANTAUTH_EXCHANGE_AUDIENCE="tenantauth"
//	TENANTAUTH_EXCHANGE_PUBLIC_KEY_FILE="/etc/tenantauth/exchange.pub"
//	TENANTAUTH_ACCESS_TOKEN_TTL="10m"
//	TENANTAUTH_STORE_TIMEOUT="3s"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//	    log.Fatalf("Failed to load configuration: %v", err)
//	}
package config
