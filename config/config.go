// Package config loads service configuration.
//
// Sources, lowest to highest precedence: defaults, config.yaml, a local .env
// file, process environment (database.url -> DATABASE_URL).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	App        AppConfig        `mapstructure:"app"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Onboarding OnboardingConfig `mapstructure:"onboarding"`
	Storage    StorageConfig    `mapstructure:"storage"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
	Redis      RedisConfig      `mapstructure:"redis"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	River      RiverConfig      `mapstructure:"river"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// AppConfig holds values that appear in agent-facing output.
type AppConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	CompanyName string `mapstructure:"company_name"`
}

// AuthConfig configures verification of identity-provider bearer tokens.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

type OnboardingConfig struct {
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	PDFURLTTL         time.Duration `mapstructure:"pdf_url_ttl"`
	DefaultCommission string        `mapstructure:"default_commission"`
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	TokenRetention    time.Duration `mapstructure:"token_retention"`
}

// Commission parses DefaultCommission.
func (c OnboardingConfig) Commission() (decimal.Decimal, error) {
	return decimal.NewFromString(c.DefaultCommission)
}

type StorageConfig struct {
	Root          string `mapstructure:"root"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	SigningKey    string `mapstructure:"signing_key"`
}

type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	Mode     string        `mapstructure:"mode"` // tls, starttls, plain
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether an SMTP relay is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
	Block  time.Duration `mapstructure:"block"`
}

type RiverConfig struct {
	MaxWorkers      int           `mapstructure:"max_workers"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// Load reads configuration from defaults, file and environment.
func Load() (*Config, error) {
	// A missing .env file is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/agentonboard")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.max_conn_idle_time", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("app.base_url", "http://localhost:3000")
	v.SetDefault("app.company_name", "Agent Network")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")

	v.SetDefault("onboarding.token_ttl", 72*time.Hour)
	v.SetDefault("onboarding.pdf_url_ttl", time.Hour)
	v.SetDefault("onboarding.default_commission", "10")
	v.SetDefault("onboarding.step_timeout", 30*time.Second)
	v.SetDefault("onboarding.token_retention", 30*24*time.Hour)

	v.SetDefault("storage.root", "./data/blobs")
	v.SetDefault("storage.public_base_url", "http://localhost:8080")
	v.SetDefault("storage.signing_key", "")

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 465)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.mode", "tls")
	v.SetDefault("smtp.timeout", 20*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limit.limit", 30)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.block", 5*time.Minute)

	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.cleanup_interval", 6*time.Hour)
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url must not be empty")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if len(c.Storage.SigningKey) < 32 {
		return fmt.Errorf("storage.signing_key must be at least 32 characters")
	}
	if c.App.BaseURL == "" {
		return fmt.Errorf("app.base_url must not be empty")
	}
	if c.Onboarding.TokenTTL <= 0 {
		return fmt.Errorf("onboarding.token_ttl must be positive")
	}
	if c.Onboarding.PDFURLTTL <= 0 {
		return fmt.Errorf("onboarding.pdf_url_ttl must be positive")
	}
	rate, err := c.Onboarding.Commission()
	if err != nil {
		return fmt.Errorf("onboarding.default_commission: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("onboarding.default_commission must be between 0 and 100")
	}
	if c.SMTP.Enabled() && c.SMTP.From == "" {
		return fmt.Errorf("smtp.from is required when smtp.host is set")
	}
	switch c.SMTP.Mode {
	case "tls", "starttls", "plain":
	default:
		return fmt.Errorf("smtp.mode must be one of tls, starttls, plain")
	}
	return nil
}
