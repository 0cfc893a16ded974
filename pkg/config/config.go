package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the engine.
type Config struct {
	Port string

	// Database
	DBPath string

	// Exchange registry
	ExchangesPath string

	// Reconciliation
	TrackedAssets        []string
	SnapshotInterval     time.Duration
	OrderPollInterval    time.Duration
	EnableReconciliation bool

	// Compliance
	PlatformName     string
	EnableCompliance bool

	// Auth
	JWTSecret string

	// Write queue
	QueueCapacity int

	// API
	RateLimitRPS   float64
	RequestTimeout time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/omnex.db")
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               dbPath,
		ExchangesPath:        getEnv("EXCHANGES_CONFIG", "./config/exchanges.yaml"),
		TrackedAssets:        splitAndTrim(getEnv("TRACKED_ASSETS", "USDT,BTC,ETH")),
		SnapshotInterval:     getEnvDuration("RECON_SNAPSHOT_INTERVAL", 10*time.Minute),
		OrderPollInterval:    getEnvDuration("RECON_ORDER_POLL_INTERVAL", 15*time.Second),
		EnableReconciliation: getEnv("ENABLE_RECONCILIATION", "true") == "true",
		PlatformName:         getEnv("PLATFORM_NAME", "Omni-Exchange"),
		EnableCompliance:     getEnv("ENABLE_COMPLIANCE", "true") == "true",
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		QueueCapacity:        getEnvInt("WRITE_QUEUE_CAPACITY", 1024),
		RateLimitRPS:         getEnvFloat("API_RATE_LIMIT_RPS", 20),
		RequestTimeout:       getEnvDuration("API_REQUEST_TIMEOUT", 30*time.Second),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
