package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the order engine.
type Config struct {
	Port     string
	GRPCPort string

	// Storage
	DBPath            string
	OrderStorePath    string
	LedgerJournalPath string

	// Trading limits (instruments, tiers, fees, seed accounts)
	LimitsFile string
	Limits     *Limits

	// Logging
	LogLevel string
	LogFile  string

	// Auth
	JWTSecret string

	// Kafka audit stream; disabled when no brokers are set.
	KafkaBrokers         []string
	KafkaComplianceTopic string
	KafkaFillsTopic      string

	// Redis order cache; disabled when no address is set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Market data
	UseMockFeed bool
	FeedURL     string
	Symbols     []string

	// Execution
	WorkerPoolSize      int
	ExpirySweepInterval time.Duration
	MarketBuffer        string // extra lock fraction for market buys, e.g. "0.05"
}

// Load reads environment variables (optionally via .env) into Config and loads
// the limits file it points to.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		GRPCPort:             getEnv("GRPC_PORT", "9090"),
		DBPath:               getEnv("DB_PATH", "./data/orders.db"),
		OrderStorePath:       getEnv("ORDER_STORE_PATH", "./data/orderstore"),
		LedgerJournalPath:    getEnv("LEDGER_JOURNAL_PATH", "./data/ledger"),
		LimitsFile:           getEnv("LIMITS_FILE", "./limits.yaml"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFile:              os.Getenv("LOG_FILE"),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		KafkaBrokers:         splitAndTrim(os.Getenv("KAFKA_BROKERS")),
		KafkaComplianceTopic: getEnv("KAFKA_COMPLIANCE_TOPIC", "compliance.events"),
		KafkaFillsTopic:      getEnv("KAFKA_FILLS_TOPIC", "order.fills"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		UseMockFeed:          getEnv("USE_MOCK_FEED", "true") == "true",
		FeedURL:              os.Getenv("FEED_URL"),
		Symbols:              splitAndTrim(getEnv("SYMBOLS", "BTC-USD,ETH-USD")),
		WorkerPoolSize:       getEnvInt("WORKER_POOL_SIZE", 64),
		ExpirySweepInterval:  getEnvDuration("EXPIRY_SWEEP_INTERVAL", time.Second),
		MarketBuffer:         getEnv("MARKET_BUFFER", "0.05"),
	}

	limits, err := LoadLimits(cfg.LimitsFile)
	if err != nil {
		return nil, err
	}
	cfg.Limits = limits
	return cfg, nil
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
