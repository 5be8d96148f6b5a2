// Package config provides configuration management for the payment service
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Tegro    TegroConfig
	Limits   LimitsConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	JWTSecret         string
	TokenExpiry       time.Duration
	SessionTimeout    time.Duration
	MaxFailedAttempts int
	LockoutDuration   time.Duration

	// BootstrapUser is created at startup with BootstrapPassword when
	// it does not exist yet.
	BootstrapUser     string
	BootstrapPassword string
}

// TegroConfig holds the gateway credentials. The keys are secrets and
// must never be logged.
type TegroConfig struct {
	BaseURL   string
	PayURL    string
	ShopID    string
	APIKey    string
	SecretKey string
	Timeout   time.Duration
	Test      bool
}

// LimitsConfig holds withdrawal limits in major units, keyed by currency
type LimitsConfig struct {
	PerWithdrawal map[string]float64
	Daily         map[string]float64
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment with defaults.
// A .env file in the working directory is read first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("TEGRO_PORT", "8080"),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: getEnv("TEGRO_DB_DRIVER", "postgres"),
			DSN:    getEnv("TEGRO_DB_DSN", "host=localhost dbname=tegro sslmode=disable"),
		},
		Auth: AuthConfig{
			JWTSecret:         getEnv("TEGRO_JWT_SECRET", ""),
			TokenExpiry:       getDuration("TEGRO_TOKEN_EXPIRY", 12*time.Hour),
			SessionTimeout:    getDuration("TEGRO_SESSION_TIMEOUT", 30*time.Minute),
			MaxFailedAttempts: getInt("TEGRO_MAX_FAILED_LOGINS", 5),
			LockoutDuration:   getDuration("TEGRO_LOCKOUT_DURATION", 30*time.Minute),
			BootstrapUser:     getEnv("TEGRO_BOOTSTRAP_USER", ""),
			BootstrapPassword: getEnv("TEGRO_BOOTSTRAP_PASSWORD", ""),
		},
		Tegro: TegroConfig{
			BaseURL:   getEnv("TEGRO_BASE_URL", "https://tegro.money/api"),
			PayURL:    getEnv("TEGRO_PAY_URL", "https://tegro.money/pay/"),
			ShopID:    getEnv("TEGRO_SHOP_ID", ""),
			APIKey:    getEnv("TEGRO_API_KEY", ""),
			SecretKey: getEnv("TEGRO_SECRET_KEY", ""),
			Timeout:   getDuration("TEGRO_TIMEOUT", 30*time.Second),
			Test:      getBool("TEGRO_TEST_MODE", false),
		},
		Limits: LimitsConfig{
			PerWithdrawal: getAmounts("TEGRO_LIMIT_PER_WITHDRAWAL"),
			Daily:         getAmounts("TEGRO_LIMIT_DAILY"),
		},
		Log: LogConfig{
			Level:  getEnv("TEGRO_LOG_LEVEL", "info"),
			Format: getEnv("TEGRO_LOG_FORMAT", "console"),
		},
	}
}

// Validate reports missing required settings
func (c *Config) Validate() error {
	var errs []error
	if c.Tegro.ShopID == "" {
		errs = append(errs, errors.New("TEGRO_SHOP_ID is required"))
	}
	if c.Tegro.APIKey == "" {
		errs = append(errs, errors.New("TEGRO_API_KEY is required"))
	}
	if c.Tegro.SecretKey == "" {
		errs = append(errs, errors.New("TEGRO_SECRET_KEY is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("TEGRO_JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

// getAmounts parses "RUB=50000,USD=500" into a currency map.
// Malformed entries are skipped.
func getAmounts(key string) map[string]float64 {
	amounts := make(map[string]float64)
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		currency, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		amount, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || amount <= 0 {
			continue
		}
		amounts[strings.ToUpper(strings.TrimSpace(currency))] = amount
	}
	return amounts
}
