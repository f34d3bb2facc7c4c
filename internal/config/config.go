// Package config loads server configuration from environment variables and an
// optional YAML file. Environment variables win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration of the authorization server.
type Config struct {
	// Environment is "development", "staging" or "production".
	Environment string `yaml:"environment"`

	// Port the HTTP server listens on.
	Port int `yaml:"port"`

	// DatabaseURL selects the postgres repository when set; otherwise the
	// in-memory repository is used.
	DatabaseURL string `yaml:"database_url"`

	// RedisAddr enables the redis JTI blacklist and rate limiter when set.
	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPassword string `yaml:"redis_password"`

	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`
}

// JWTConfig configures the signing key service and token engine.
type JWTConfig struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	// Algorithm is informational; only RS256 is supported.
	Algorithm string `yaml:"algorithm"`
	KeyID     string `yaml:"key_id"`

	// Inline PEM material takes priority over file paths.
	PrivateKeyPEM  string `yaml:"-"`
	PublicKeyPEM   string `yaml:"-"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`

	// Previous key pair kept verifiable through a rotation window.
	OldPrivateKeyPEM string `yaml:"-"`
	OldPublicKeyPEM  string `yaml:"-"`

	AccessTokenTTL   time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL  time.Duration `yaml:"refresh_token_ttl"`
	IDTokenTTL       time.Duration `yaml:"id_token_ttl"`
	RotationInterval time.Duration `yaml:"rotation_interval"`
}

// RateLimitConfig configures the token endpoint rate limiter.
type RateLimitConfig struct {
	Disabled bool          `yaml:"disabled"`
	Limit    int           `yaml:"limit"`
	Window   time.Duration `yaml:"window"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	// FilePath enables the rotating file sink when set; stdout otherwise.
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	BufferSize int    `yaml:"buffer_size"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Environment: "development",
		Port:        8080,
		JWT: JWTConfig{
			Issuer:           "http://localhost:8080",
			Audience:         "oauth-core",
			Algorithm:        "RS256",
			KeyID:            "v1",
			AccessTokenTTL:   time.Hour,
			RefreshTokenTTL:  30 * 24 * time.Hour,
			IDTokenTTL:       time.Hour,
			RotationInterval: 0, // disabled unless configured
		},
		RateLimit: RateLimitConfig{
			Limit:  10,
			Window: time.Minute,
		},
		Audit: AuditConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			BufferSize: 1024,
		},
	}
}

// Load builds the configuration from an optional YAML file and the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.RedisDB = db
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}

	if v := os.Getenv("JWT_ISSUER"); v != "" {
		c.JWT.Issuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		c.JWT.Audience = v
	}
	if v := os.Getenv("JWT_ALGORITHM"); v != "" {
		c.JWT.Algorithm = v
	}
	if v := os.Getenv("JWT_KEY_ID"); v != "" {
		c.JWT.KeyID = v
	}
	if v := os.Getenv("JWT_PRIVATE_KEY"); v != "" {
		c.JWT.PrivateKeyPEM = v
	}
	if v := os.Getenv("JWT_PUBLIC_KEY"); v != "" {
		c.JWT.PublicKeyPEM = v
	}
	if v := os.Getenv("JWT_PRIVATE_KEY_PATH"); v != "" {
		c.JWT.PrivateKeyPath = v
	}
	if v := os.Getenv("JWT_PUBLIC_KEY_PATH"); v != "" {
		c.JWT.PublicKeyPath = v
	}
	if v := os.Getenv("JWT_OLD_PRIVATE_KEY"); v != "" {
		c.JWT.OldPrivateKeyPEM = v
	}
	if v := os.Getenv("JWT_OLD_PUBLIC_KEY"); v != "" {
		c.JWT.OldPublicKeyPEM = v
	}
	if v := os.Getenv("JWT_ACCESS_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.JWT.AccessTokenTTL = d
		}
	}
	if v := os.Getenv("JWT_REFRESH_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.JWT.RefreshTokenTTL = d
		}
	}
	if v := os.Getenv("JWT_ROTATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.JWT.RotationInterval = d
		}
	}

	if v := os.Getenv("DISABLE_RATE_LIMITING"); v != "" {
		c.RateLimit.Disabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.Limit = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RateLimit.Window = d
		}
	}

	if v := os.Getenv("AUDIT_LOG_FILE"); v != "" {
		c.Audit.FilePath = v
	}
}

// IsProduction reports whether the server runs with production constraints.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate rejects configurations that must not reach production.
func (c *Config) Validate() error {
	if c.JWT.Algorithm != "" && c.JWT.Algorithm != "RS256" {
		return fmt.Errorf("unsupported JWT algorithm %q, only RS256 is supported", c.JWT.Algorithm)
	}
	if c.JWT.Issuer == "" {
		return fmt.Errorf("jwt issuer is required")
	}
	if c.JWT.AccessTokenTTL <= 0 || c.JWT.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if !c.IsProduction() {
		return nil
	}
	if c.JWT.PrivateKeyPEM == "" && c.JWT.PrivateKeyPath == "" {
		return fmt.Errorf("production requires JWT_PRIVATE_KEY or JWT_PRIVATE_KEY_PATH")
	}
	if c.JWT.Audience == "" {
		return fmt.Errorf("production requires JWT_AUDIENCE")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("production requires DATABASE_URL")
	}
	if c.RateLimit.Disabled {
		return fmt.Errorf("rate limiting cannot be disabled in production")
	}
	return nil
}
