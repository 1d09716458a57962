// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Store          string   `env:"STORE" envDefault:"postgres"`
	DatabaseURL    string   `env:"DATABASE_URL"`
	ServiceToken   string   `env:"SERVICE_TOKEN"`
	ListenAddr     string   `env:"LISTEN_ADDR" envDefault:":5200"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	Currency       string   `env:"CURRENCY" envDefault:"USD"`

	ClaimWindow       time.Duration `env:"CLAIM_WINDOW" envDefault:"2h"`
	DuplicateRadiusM  float64       `env:"DUPLICATE_RADIUS_M" envDefault:"50"`
	DuplicateWindow   time.Duration `env:"DUPLICATE_WINDOW" envDefault:"24h"`
	ReportTTL         time.Duration `env:"REPORT_TTL" envDefault:"720h"`
	MaxPayoutAttempts int           `env:"MAX_PAYOUT_ATTEMPTS" envDefault:"3"`

	PayoutServiceURL   string `env:"PAYOUT_SERVICE_URL"`
	PayoutServiceToken string `env:"PAYOUT_SERVICE_TOKEN"`

	R2                  R2Config `envPrefix:"R2_"`
	CloudflareAccountID string   `env:"CLOUDFLARE_ACCOUNT_ID"`
	CDNBaseURL          string   `env:"CDN_BASE_URL"`

	RedisURL         string  `env:"REDIS_URL"`
	ReportRatePerMin float64 `env:"REPORT_RATE_PER_MIN" envDefault:"10"`
	ReportRateBurst  int     `env:"REPORT_RATE_BURST" envDefault:"5"`

	ClaimSweepInterval     time.Duration `env:"CLAIM_SWEEP_INTERVAL" envDefault:"1m"`
	RetentionSweepInterval time.Duration `env:"RETENTION_SWEEP_INTERVAL" envDefault:"1h"`
	PayoutRetryInterval    time.Duration `env:"PAYOUT_RETRY_INTERVAL" envDefault:"2m"`
	RepairInterval         time.Duration `env:"REPAIR_INTERVAL" envDefault:"15m"`
}

type R2Config struct {
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	Bucket          string `env:"BUCKET"`
	Endpoint        string `env:"ENDPOINT"`
}

// Enabled reports whether proof uploads can go to R2.
func (c R2Config) Enabled() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Bucket != ""
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}
	return &cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable not set")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE must be postgres or memory, got %q", c.Store)
	}
	if c.ClaimWindow <= 0 || c.DuplicateWindow <= 0 || c.ReportTTL <= 0 {
		return fmt.Errorf("CLAIM_WINDOW, DUPLICATE_WINDOW and REPORT_TTL must be positive")
	}
	if c.DuplicateRadiusM <= 0 {
		return fmt.Errorf("DUPLICATE_RADIUS_M must be positive")
	}
	if c.MaxPayoutAttempts < 1 {
		return fmt.Errorf("MAX_PAYOUT_ATTEMPTS must be at least 1")
	}
	if c.ReportRatePerMin <= 0 || c.ReportRateBurst < 1 {
		return fmt.Errorf("REPORT_RATE_PER_MIN and REPORT_RATE_BURST must be positive")
	}
	return nil
}

// R2Endpoint is the S3 endpoint for the configured account.
func (c *Config) R2Endpoint() string {
	if c.R2.Endpoint != "" {
		return c.R2.Endpoint
	}
	if c.CloudflareAccountID == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.CloudflareAccountID)
}
