package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port        string
	Mode        string
	ServiceName string
	LogLevel    string
	AdminAPIKey string

	// Database configuration
	DatabaseURL string
	SQLitePath  string
	CatalogPath string

	// Redis configuration
	RedisURL    string
	LockBackend string // memory | redis
	LockTTL     time.Duration

	// Reconciliation engine
	SweepInterval           time.Duration
	SweepBatchSize          int
	DefaultGracePeriod      time.Duration
	ReactivateSameRowApple  bool
	ReactivateSameRowGoogle bool
	RefundScope             string // lineage | period
	PersistenceRetries      int

	// Apple JWS verification; empty disables the check
	AppleRootCAPath string

	// Brevo email configuration
	BrevoAPIKey      string
	BrevoFromEmail   string
	BrevoFromName    string
	ReviewAlertEmail string
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:        getEnv("PORT", "8080"),
		Mode:        getEnv("GIN_MODE", "debug"),
		ServiceName: getEnv("SERVICE_NAME", "Entitlement Reconciler"),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		AdminAPIKey: getEnv("ADMIN_API_KEY", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "entitlement-reconciler.db"),
		CatalogPath: getEnv("CATALOG_PATH", ""),

		RedisURL:    getEnv("REDIS_URL", ""),
		LockBackend: strings.ToLower(getEnv("LOCK_BACKEND", "memory")),
		LockTTL:     getEnvDuration("LOCK_TTL", 30*time.Second),

		SweepInterval:           getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		SweepBatchSize:          getEnvInt("SWEEP_BATCH_SIZE", 200),
		DefaultGracePeriod:      getEnvDuration("DEFAULT_GRACE_PERIOD", 16*24*time.Hour),
		ReactivateSameRowApple:  getEnvBool("REACTIVATE_SAME_ROW_APPLE", true),
		ReactivateSameRowGoogle: getEnvBool("REACTIVATE_SAME_ROW_GOOGLE", false),
		RefundScope:             strings.ToLower(getEnv("REFUND_SCOPE", "lineage")),
		PersistenceRetries:      getEnvInt("PERSISTENCE_RETRIES", 3),

		AppleRootCAPath: getEnv("APPLE_ROOT_CA_PATH", ""),

		BrevoAPIKey:      getEnv("BREVO_API_KEY", ""),
		BrevoFromEmail:   getEnv("BREVO_FROM_EMAIL", ""),
		BrevoFromName:    getEnv("BREVO_FROM_NAME", "Entitlement Reconciler"),
		ReviewAlertEmail: getEnv("REVIEW_ALERT_EMAIL", ""),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "16h") or a plain number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
