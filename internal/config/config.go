package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string
	NodeID      int64

	OTLPEndpoint string
	Telemetry    TelemetryConfig

	HTTPAddr         string
	InternalAPIToken string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	RateLimit RateLimitConfig
	SMTP      SMTPConfig

	Threshold ThresholdConfig

	LocalNotificationEmail string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type RateLimitConfig struct {
	Enabled                bool
	UsageIngestTenantRate  float64
	UsageIngestTenantBurst int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// TelemetryConfig selects log output and which OTLP signals are exported.
type TelemetryConfig struct {
	LogLevel       string
	LogFormat      string
	TracingEnabled bool
	MetricsEnabled bool
	OTLPProtocol   string
	SamplingRatio  float64
}

// ThresholdConfig carries the engine and sweep tunables.
type ThresholdConfig struct {
	CacheTTL       time.Duration
	IngestDebounce time.Duration
	NotifyTimeout  time.Duration

	SweepEnabled   bool
	SweepSchedule  string
	SweepOnStartup bool
	SweepTimeout   time.Duration
	SweepLockTTL   time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "quotaguard"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Mode:         normalizeMode(getenv("APP_MODE", ModeOSS)),
		Environment:  getenv("ENVIRONMENT", "development"),
		NodeID:       int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),

		InternalAPIToken: strings.TrimSpace(getenv("INTERNAL_API_TOKEN", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "quotaguard"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:                getenvBool("RATE_LIMIT_ENABLED", false),
			UsageIngestTenantRate:  getenvFloat("USAGE_INGEST_TENANT_RATE", 50),
			UsageIngestTenantBurst: getenvInt("USAGE_INGEST_TENANT_BURST", 100),
		},
		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			Port:     getenvInt("SMTP_PORT", 587),
			Username: getenv("SMTP_USERNAME", ""),
			Password: getenv("SMTP_PASSWORD", ""),
			From:     strings.TrimSpace(getenv("SMTP_FROM", "alerts@quotaguard.local")),
		},
		Threshold: ThresholdConfig{
			CacheTTL:       getenvDuration("THRESHOLD_CACHE_TTL", 60*time.Second),
			IngestDebounce: getenvDuration("INGEST_DEBOUNCE", time.Second),
			NotifyTimeout:  getenvDuration("NOTIFY_TIMEOUT", 30*time.Second),
			SweepEnabled:   getenvBool("SWEEP_ENABLED", true),
			SweepSchedule:  getenv("SWEEP_SCHEDULE", "@every 1h"),
			SweepOnStartup: getenvBool("SWEEP_ON_STARTUP", true),
			SweepTimeout:   getenvDuration("SWEEP_TIMEOUT", 10*time.Minute),
			SweepLockTTL:   getenvDuration("SWEEP_LOCK_TTL", 15*time.Minute),
		},
		LocalNotificationEmail: strings.TrimSpace(getenv("LOCAL_NOTIFICATION_EMAIL", "")),
	}

	tracing := getenvBool("OTEL_ENABLED", false)
	cfg.Telemetry = TelemetryConfig{
		LogLevel:       strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		LogFormat:      strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
		TracingEnabled: tracing,
		MetricsEnabled: getenvBool("OTEL_METRICS_ENABLED", tracing),
		OTLPProtocol:   strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
		SamplingRatio:  getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
	}

	return cfg
}

const (
	ModeOSS   = "oss"
	ModeCloud = "cloud"
	ModeLocal = "local"
)

func (c Config) IsCloud() bool {
	return c.Mode == ModeCloud
}

// IsLocal reports whether alerts should go to the local notification address.
func (c Config) IsLocal() bool {
	return c.Mode == ModeLocal
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeCloud:
		return ModeCloud
	case ModeLocal:
		return ModeLocal
	default:
		return ModeOSS
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewAlertingConfigHolder),
)

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

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
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
