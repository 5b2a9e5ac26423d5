package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	AuthMode string `mapstructure:"AUTH_MODE"`

	CouchbaseConnString string `mapstructure:"COUCHBASE_CONN_STRING"`
	CouchbaseUsername    string `mapstructure:"COUCHBASE_USERNAME"`
	CouchbasePassword    string `mapstructure:"COUCHBASE_PASSWORD"`

	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS  float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled    bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile   string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile    string   `mapstructure:"TLS_KEY_FILE"`

	// FastpathEnabled is loaded from FHIR_BUNDLE_FASTPATH_ENABLED. Nothing
	// outside this package reads it: the search engine chooses the Bundle
	// Fastpath per request (CanUseFastpath), and setting this to false does
	// not turn the fastpath off.
	FastpathEnabled bool `mapstructure:"FHIR_BUNDLE_FASTPATH_ENABLED"`
	// CircuitResetTimeoutMS is the gateway circuit breaker's OPEN cool-down.
	CircuitResetTimeoutMS int `mapstructure:"CIRCUIT_RESET_TIMEOUT_MS"`
	// SearchMaxCountPerPage bounds a search's _count.
	SearchMaxCountPerPage int `mapstructure:"SEARCH_MAX_COUNT_PER_PAGE"`
	// SearchMaxBundleSize bounds primaries+includes in one searchset Bundle.
	SearchMaxBundleSize int `mapstructure:"SEARCH_MAX_BUNDLE_SIZE"`
	// GroupMaxMembers bounds a Group's member list on create/refresh.
	GroupMaxMembers int `mapstructure:"GROUP_MAX_MEMBERS"`
	// APITokenValidityDays bounds the lifetime of an issued admin API token.
	APITokenValidityDays int `mapstructure:"API_TOKEN_VALIDITY_DAYS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("COUCHBASE_CONN_STRING", "couchbase://localhost")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("FHIR_BUNDLE_FASTPATH_ENABLED", true)
	v.SetDefault("CIRCUIT_RESET_TIMEOUT_MS", 30000)
	v.SetDefault("SEARCH_MAX_COUNT_PER_PAGE", 50)
	v.SetDefault("SEARCH_MAX_BUNDLE_SIZE", 100)
	v.SetDefault("GROUP_MAX_MEMBERS", 10000)
	v.SetDefault("API_TOKEN_VALIDITY_DAYS", 90)

	for _, key := range []string{
		"PORT", "ENV", "AUTH_MODE",
		"COUCHBASE_CONN_STRING", "COUCHBASE_USERNAME", "COUCHBASE_PASSWORD",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
		"FHIR_BUNDLE_FASTPATH_ENABLED", "CIRCUIT_RESET_TIMEOUT_MS",
		"SEARCH_MAX_COUNT_PER_PAGE", "SEARCH_MAX_BUNDLE_SIZE",
		"GROUP_MAX_MEMBERS", "API_TOKEN_VALIDITY_DAYS",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.CouchbaseConnString == "" {
		return nil, fmt.Errorf("COUCHBASE_CONN_STRING is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - AUTH_ISSUER set → "external" (Keycloak, Auth0, etc.)
//   - Otherwise       → "standalone" (JWT bearer tokens, no issuer configured)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "standalone"
}

// Validate checks that the configuration is safe to run. ENV=production and
// AUTH_MODE=external both require AUTH_ISSUER; any other non-development
// deployment without an issuer resolves to standalone mode.
func (c *Config) Validate() error {
	if c.IsProduction() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set when ENV=production")
	}
	mode := c.ResolvedAuthMode()
	if mode == "external" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
				"Refusing to start without authentication configuration. "+
				"Use AUTH_MODE=standalone for JWT verification without an issuer", c.Env)
	}
	if mode != "development" && mode != "standalone" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\", \"standalone\", or \"external\", got %q", mode)
	}

	if c.CircuitResetTimeoutMS <= 0 {
		return fmt.Errorf("CIRCUIT_RESET_TIMEOUT_MS must be positive, got %d", c.CircuitResetTimeoutMS)
	}
	if c.SearchMaxCountPerPage <= 0 {
		return fmt.Errorf("SEARCH_MAX_COUNT_PER_PAGE must be positive, got %d", c.SearchMaxCountPerPage)
	}
	if c.SearchMaxBundleSize <= 0 {
		return fmt.Errorf("SEARCH_MAX_BUNDLE_SIZE must be positive, got %d", c.SearchMaxBundleSize)
	}
	if c.GroupMaxMembers <= 0 {
		return fmt.Errorf("GROUP_MAX_MEMBERS must be positive, got %d", c.GroupMaxMembers)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
