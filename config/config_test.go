package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost/onboard"},
		App:      AppConfig{BaseURL: "https://agents.example.com"},
		Auth:     AuthConfig{JWTSecret: strings.Repeat("s", 32)},
		Onboarding: OnboardingConfig{
			TokenTTL:          72 * time.Hour,
			PDFURLTTL:         time.Hour,
			DefaultCommission: "10",
		},
		Storage: StorageConfig{SigningKey: strings.Repeat("k", 32)},
		SMTP:    SMTPConfig{Mode: "tls"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing database", mutate: func(c *Config) { c.Database.URL = "" }, wantErr: "database.url"},
		{name: "short jwt secret", mutate: func(c *Config) { c.Auth.JWTSecret = "short" }, wantErr: "auth.jwt_secret"},
		{name: "short signing key", mutate: func(c *Config) { c.Storage.SigningKey = "short" }, wantErr: "storage.signing_key"},
		{name: "bad commission", mutate: func(c *Config) { c.Onboarding.DefaultCommission = "ten" }, wantErr: "default_commission"},
		{name: "commission over 100", mutate: func(c *Config) { c.Onboarding.DefaultCommission = "120" }, wantErr: "between 0 and 100"},
		{name: "smtp without from", mutate: func(c *Config) { c.SMTP.Host = "smtp.example.com" }, wantErr: "smtp.from"},
		{name: "smtp bad mode", mutate: func(c *Config) { c.SMTP.Mode = "ssl" }, wantErr: "smtp.mode"},
		{name: "zero token ttl", mutate: func(c *Config) { c.Onboarding.TokenTTL = 0 }, wantErr: "token_ttl"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/onboard")
	t.Setenv("AUTH_JWT_SECRET", strings.Repeat("a", 40))
	t.Setenv("STORAGE_SIGNING_KEY", strings.Repeat("b", 40))
	t.Setenv("ONBOARDING_TOKEN_TTL", "48h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://env/onboard" {
		t.Fatalf("database url = %q", cfg.Database.URL)
	}
	if cfg.Onboarding.TokenTTL != 48*time.Hour {
		t.Fatalf("token ttl = %s, want 48h", cfg.Onboarding.TokenTTL)
	}
	if cfg.Onboarding.PDFURLTTL != time.Hour {
		t.Fatalf("pdf url ttl = %s, want default 1h", cfg.Onboarding.PDFURLTTL)
	}
	rate, err := cfg.Onboarding.Commission()
	if err != nil || rate.String() != "10" {
		t.Fatalf("default commission = %v (%v), want 10", rate, err)
	}
}
