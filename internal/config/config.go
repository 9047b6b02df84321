package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32    `mapstructure:"DB_MIN_CONNS"`
	BaseURL            string   `mapstructure:"BASE_URL"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
	PHIEncryptionKey   string   `mapstructure:"PHI_ENCRYPTION_KEY"`
	JWTSecret          string   `mapstructure:"JWT_SECRET"`
	RateLimitRequests  int      `mapstructure:"RATE_LIMIT_REQUESTS"`
	RateLimitWindowMin int      `mapstructure:"RATE_LIMIT_WINDOW_MINUTES"`
	AuditBufferSize    int      `mapstructure:"AUDIT_BUFFER_SIZE"`
	ScanTimeoutSec     int      `mapstructure:"SCAN_TIMEOUT_SECONDS"`
	SignedURLTTLSec    int      `mapstructure:"SIGNED_URL_TTL_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_WINDOW_MINUTES", 15)
	v.SetDefault("AUDIT_BUFFER_SIZE", 256)
	v.SetDefault("SCAN_TIMEOUT_SECONDS", 10)
	v.SetDefault("SIGNED_URL_TTL_SECONDS", 3600)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("BASE_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("PHI_ENCRYPTION_KEY")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("RATE_LIMIT_REQUESTS")
	v.BindEnv("RATE_LIMIT_WINDOW_MINUTES")
	v.BindEnv("AUDIT_BUFFER_SIZE")
	v.BindEnv("SCAN_TIMEOUT_SECONDS")
	v.BindEnv("SIGNED_URL_TTL_SECONDS")

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

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: PHI field encryption may be disabled if no key is set.")
		log.Println("WARNING: Do NOT use this configuration in production.")
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

// RateLimitWindow returns the sliding-window duration for the gatekeeper.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMin) * time.Minute
}

// ScanTimeout returns the bounded timeout applied to classifier and key
// manager calls on the write path.
func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutSec) * time.Second
}

// Validate checks that the configuration is safe to run. In production
// PHI_ENCRYPTION_KEY is required and must be a valid 64-character hex string
// (32 bytes when decoded); persisting plaintext patient identifiers is never
// an acceptable fallback outside development.
func (c *Config) Validate() error {
	if c.IsProduction() && c.PHIEncryptionKey == "" {
		return fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
	}
	if c.PHIEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.PHIEncryptionKey)
		if err != nil {
			return fmt.Errorf("PHI_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("PHI_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}

	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests)
	}
	if c.RateLimitWindowMin <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_MINUTES must be positive, got %d", c.RateLimitWindowMin)
	}

	return nil
}
