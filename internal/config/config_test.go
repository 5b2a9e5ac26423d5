package config

import (
	"os"
	"testing"
)

func TestLoad_RequiresCouchbaseConnString(t *testing.T) {
	os.Setenv("COUCHBASE_CONN_STRING", "")
	defer os.Unsetenv("COUCHBASE_CONN_STRING")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when COUCHBASE_CONN_STRING is empty")
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("COUCHBASE_CONN_STRING")
	defer os.Unsetenv("COUCHBASE_CONN_STRING")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.CouchbaseConnString != "couchbase://localhost" {
		t.Errorf("expected default conn string, got %s", cfg.CouchbaseConnString)
	}
	if !cfg.FastpathEnabled {
		t.Error("expected FHIR_BUNDLE_FASTPATH_ENABLED to default true")
	}
	if cfg.CircuitResetTimeoutMS != 30000 {
		t.Errorf("expected default circuit reset timeout 30000, got %d", cfg.CircuitResetTimeoutMS)
	}
	if cfg.SearchMaxCountPerPage != 50 {
		t.Errorf("expected default search max count 50, got %d", cfg.SearchMaxCountPerPage)
	}
	if cfg.SearchMaxBundleSize != 100 {
		t.Errorf("expected default search max bundle size 100, got %d", cfg.SearchMaxBundleSize)
	}
	if cfg.GroupMaxMembers != 10000 {
		t.Errorf("expected default group max members 10000, got %d", cfg.GroupMaxMembers)
	}
	if cfg.APITokenValidityDays != 90 {
		t.Errorf("expected default API token validity 90 days, got %d", cfg.APITokenValidityDays)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestConfig_IsProduction(t *testing.T) {
	c := &Config{Env: "production"}
	if !c.IsProduction() {
		t.Error("expected IsProduction() to return true for production")
	}

	c.Env = "development"
	if c.IsProduction() {
		t.Error("expected IsProduction() to return false for development")
	}

	c.Env = "staging"
	if c.IsProduction() {
		t.Error("expected IsProduction() to return false for staging")
	}
}

func TestLoad_DefaultIsDevelopment(t *testing.T) {
	os.Unsetenv("ENV")
	os.Unsetenv("COUCHBASE_CONN_STRING")
	defer os.Unsetenv("COUCHBASE_CONN_STRING")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("expected default ENV to be 'development', got %q", cfg.Env)
	}
	if !cfg.IsDev() {
		t.Error("expected IsDev() to return true with default ENV")
	}
}

func validConfig() *Config {
	return &Config{
		Env:                   "staging",
		CircuitResetTimeoutMS: 30000,
		SearchMaxCountPerPage: 50,
		SearchMaxBundleSize:   100,
		GroupMaxMembers:       10000,
	}
}

func TestValidate_ProductionRequiresAuthIssuer(t *testing.T) {
	c := validConfig()
	c.Env = "production"
	c.AuthIssuer = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate() to return error when ENV=production and AUTH_ISSUER is empty")
	}
}

func TestValidate_ProductionWithAuthIssuer(t *testing.T) {
	c := validConfig()
	c.Env = "production"
	c.AuthIssuer = "https://auth.example.com"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected Validate() error: %v", err)
	}
}

func TestValidate_StagingWithoutAuthIssuerUsesStandalone(t *testing.T) {
	c := validConfig()
	c.AuthIssuer = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected Validate() error: standalone mode should be valid: %v", err)
	}
	if c.ResolvedAuthMode() != "standalone" {
		t.Fatalf("expected standalone auth mode, got %q", c.ResolvedAuthMode())
	}
}

func TestValidate_ExternalModeRequiresAuthIssuer(t *testing.T) {
	c := validConfig()
	c.AuthMode = "external"
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate() to return error when AUTH_MODE=external and AUTH_ISSUER is empty")
	}
}

func TestValidate_DevelopmentDoesNotRequireAuthIssuer(t *testing.T) {
	c := validConfig()
	c.Env = "development"
	c.AuthIssuer = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected Validate() error in development: %v", err)
	}
}

func TestValidate_RejectsNonPositiveTuning(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
	}{
		{"circuit reset timeout", func(c *Config) { c.CircuitResetTimeoutMS = 0 }},
		{"search max count per page", func(c *Config) { c.SearchMaxCountPerPage = 0 }},
		{"search max bundle size", func(c *Config) { c.SearchMaxBundleSize = -1 }},
		{"group max members", func(c *Config) { c.GroupMaxMembers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected Validate() to reject non-positive %s", tt.name)
			}
		})
	}
}

func TestValidate_TLSRequiresCertAndKey(t *testing.T) {
	c := validConfig()
	c.TLSEnabled = true
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate() to require TLS_CERT_FILE and TLS_KEY_FILE when TLS_ENABLED")
	}

	c.TLSCertFile = "/tmp/cert.pem"
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate() to still require TLS_KEY_FILE")
	}

	c.TLSKeyFile = "/tmp/key.pem"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected Validate() error with both TLS files set: %v", err)
	}
}
