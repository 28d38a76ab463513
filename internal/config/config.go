package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	SnowflakeNodeID int64

	Ledger    LedgerConfig
	Scheduler SchedulerConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Metrics   MetricsPushConfig
}

// LedgerConfig tunes account locking and maintenance windows.
type LedgerConfig struct {
	LockTimeout    time.Duration
	GhostTimeout   time.Duration
	RolloverGrace  time.Duration
	CatalogPath    string
	IdempotencyTTL time.Duration
}

type SchedulerConfig struct {
	Enabled      bool
	TickInterval time.Duration
	BatchSize    int
	JobTimeout   time.Duration
	LeaseTTL     time.Duration
	EnabledJobs  []string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type RateLimitConfig struct {
	Enabled      bool
	ConsumeRate  int
	ConsumeBurst int
	WebhookRate  int
	WebhookBurst int
}

type WebhookConfig struct {
	Secret string
}

type MetricsPushConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "meterledger"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "meterledger.db"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		SnowflakeNodeID: getenvInt64("SNOWFLAKE_NODE_ID", 1),

		Ledger: LedgerConfig{
			LockTimeout:    getenvDuration("LEDGER_LOCK_TIMEOUT", 3*time.Second),
			GhostTimeout:   getenvDuration("LEDGER_GHOST_TIMEOUT", 6*time.Hour),
			RolloverGrace:  getenvDuration("LEDGER_ROLLOVER_GRACE", 72*time.Hour),
			CatalogPath:    strings.TrimSpace(getenv("LEDGER_CATALOG_PATH", "")),
			IdempotencyTTL: getenvDuration("LEDGER_IDEMPOTENCY_CACHE_TTL", 10*time.Minute),
		},
		Scheduler: SchedulerConfig{
			Enabled:      getenvBool("SCHEDULER_ENABLED", true),
			TickInterval: getenvDuration("SCHEDULER_TICK_INTERVAL", time.Minute),
			BatchSize:    int(getenvInt64("SCHEDULER_BATCH_SIZE", 200)),
			JobTimeout:   getenvDuration("SCHEDULER_JOB_TIMEOUT", 5*time.Minute),
			LeaseTTL:     getenvDuration("SCHEDULER_LEASE_TTL", 30*time.Minute),
			EnabledJobs:  parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("RATE_LIMIT_ENABLED", true),
			ConsumeRate:  int(getenvInt64("RATE_LIMIT_CONSUME_RATE", 50)),
			ConsumeBurst: int(getenvInt64("RATE_LIMIT_CONSUME_BURST", 100)),
			WebhookRate:  int(getenvInt64("RATE_LIMIT_WEBHOOK_RATE", 100)),
			WebhookBurst: int(getenvInt64("RATE_LIMIT_WEBHOOK_BURST", 200)),
		},
		Webhook: WebhookConfig{
			Secret: strings.TrimSpace(getenv("WEBHOOK_SECRET", "")),
		},
		Metrics: MetricsPushConfig{
			Enabled:   getenvBool("METRICS_PUSH_ENABLED", false),
			Exporter:  strings.ToLower(getenv("METRICS_PUSH_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
