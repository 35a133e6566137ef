// Package config loads gateway configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings for the gateway process.
type Config struct {
	Port        string
	Environment string

	JWTSecret string

	Database DatabaseConfig
	Redis    RedisConfig

	// HistoryLimit bounds how many prior conversation turns are included in a
	// completion prompt.
	HistoryLimit int

	// ProviderTimeout bounds a single streaming completion call.
	ProviderTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	TimeZone string
}

// RedisConfig holds Redis connection settings. Redis is optional; when no
// address is configured the gateway runs with the in-process broadcaster only.
type RedisConfig struct {
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
}

// Load reads configuration from environment variables with defaults suitable
// for local development.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "agenthub"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			TimeZone: getEnv("DB_TIMEZONE", "UTC"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		HistoryLimit:    getEnvInt("CHAT_HISTORY_LIMIT", 10),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 120*time.Second),
	}
}

// IsProduction reports whether the process runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
