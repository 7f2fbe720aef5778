package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Port string

	// Database configuration
	DBType            string // mysql, postgres, sqlite, sqlserver, etc.
	DBHost            string
	DBPort            string
	DBDatabase        string
	DBUser            string
	DBPassword        string
	DBConnectionLimit int

	// Authorizer configuration
	AuthzURL      string
	AuthzClientID string

	// Ingest source / push-back target (external system of record)
	SourceURL      string
	SourceAPIKey   string
	IngestPageSize int

	// Push-back retry policy. Operational policy values, deliberately
	// configuration rather than constants.
	SyncMaxAttempts int
	SyncBaseBackoff time.Duration
	SyncMaxBackoff  time.Duration

	// Worker loop cadence
	PushbackInterval time.Duration
	PushbackBatch    int
}

// Load loads configuration from the environment, honoring a local .env file
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "3000"),
		DBType:            getEnv("DB_TYPE", "mysql"),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "3306"),
		DBDatabase:        getEnv("DB_DATABASE", ""),
		DBUser:            getEnv("DB_USER", ""),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBConnectionLimit: getEnvAsInt("DB_CONNECTION_LIMIT", 5),
		AuthzURL:          getEnv("AUTHZ_URL", ""),
		AuthzClientID:     getEnv("AUTHZ_CLIENT_ID", ""),
		SourceURL:         getEnv("SOURCE_URL", ""),
		SourceAPIKey:      getEnv("SOURCE_API_KEY", ""),
		IngestPageSize:    getEnvAsInt("INGEST_PAGE_SIZE", 200),
		SyncMaxAttempts:   getEnvAsInt("SYNC_MAX_ATTEMPTS", 5),
		SyncBaseBackoff:   getEnvAsSeconds("SYNC_BASE_BACKOFF_SECONDS", 5),
		SyncMaxBackoff:    getEnvAsSeconds("SYNC_MAX_BACKOFF_SECONDS", 600),
		PushbackInterval:  getEnvAsSeconds("PUSHBACK_INTERVAL_SECONDS", 30),
		PushbackBatch:     getEnvAsInt("PUSHBACK_BATCH", 100),
	}

	// Validate required fields
	if cfg.DBDatabase == "" {
		return nil, fmt.Errorf("DB_DATABASE is required")
	}
	if cfg.DBType != "sqlite" && cfg.DBUser == "" {
		return nil, fmt.Errorf("DB_USER is required")
	}
	if cfg.AuthzURL == "" {
		return nil, fmt.Errorf("AUTHZ_URL is required")
	}
	if cfg.AuthzClientID == "" {
		return nil, fmt.Errorf("AUTHZ_CLIENT_ID is required")
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSeconds gets an environment variable as a duration in whole seconds
func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}
