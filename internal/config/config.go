package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Storage. An empty DatabaseURL selects the in-memory store.
	DatabaseURL    string
	DBMaxOpenConns int

	// JWTSecret verifies HS256 bearer tokens issued by the auth service.
	JWTSecret string

	// Telemetry provider (Open-Meteo).
	TelemetryBaseURL   string
	TelemetrySeries    string
	TelemetryTimeout   time.Duration
	TelemetryCacheSize int
	TelemetryCacheTTL  time.Duration
	TelemetryFailOpen  bool

	// Inference service.
	InferenceURL     string
	InferenceTimeout time.Duration

	UpstreamMaxRetries int

	// Observation events. Publishing is disabled when no brokers are set.
	KafkaEnabled       bool
	KafkaBrokers       []string
	KafkaTopic         string
	BatchSize          int
	BatchFlushInterval time.Duration

	RedisURL           string
	RateLimitPerMinute int

	TracesExporter string
	OTLPEndpoint   string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	telemetryTimeout, err := parseDuration("TELEMETRY_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}
	telemetryCacheTTL, err := parseDuration("TELEMETRY_CACHE_TTL", "15m")
	if err != nil {
		return nil, err
	}
	inferenceTimeout, err := parseDuration("INFERENCE_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	maxRetries, err := parseInt("UPSTREAM_MAX_RETRIES", 0, 0, 5)
	if err != nil {
		return nil, err
	}
	maxOpenConns, err := parseInt("DB_MAX_OPEN_CONNS", 10, 1, 500)
	if err != nil {
		return nil, err
	}
	rateLimit, err := parseInt("RATE_LIMIT_PER_MINUTE", 120, 0, 1_000_000)
	if err != nil {
		return nil, err
	}

	failOpen, err := parseBool("TELEMETRY_FAIL_OPEN", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBMaxOpenConns: maxOpenConns,

		JWTSecret: os.Getenv("JWT_SECRET"),

		TelemetryBaseURL:   strings.TrimRight(sharedcfg.EnvOrDefault("TELEMETRY_BASE_URL", "https://api.open-meteo.com"), "/"),
		TelemetrySeries:    sharedcfg.EnvOrDefault("TELEMETRY_SERIES", "sea_surface_temperature"),
		TelemetryTimeout:   telemetryTimeout,
		TelemetryCacheSize: parseCacheSize(),
		TelemetryCacheTTL:  telemetryCacheTTL,
		TelemetryFailOpen:  failOpen,

		InferenceURL:     strings.TrimRight(sharedcfg.EnvOrDefault("INFERENCE_URL", "http://localhost:8000"), "/"),
		InferenceTimeout: inferenceTimeout,

		UpstreamMaxRetries: maxRetries,

		KafkaTopic:         sharedcfg.EnvOrDefault("KAFKA_TOPIC", "bloom-observations"),
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		RedisURL:           os.Getenv("REDIS_URL"),
		RateLimitPerMinute: rateLimit,

		TracesExporter: strings.ToLower(sharedcfg.EnvOrDefault("OTEL_TRACES_EXPORTER", "none")),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
		cfg.KafkaEnabled = len(cfg.KafkaBrokers) > 0
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if err := validateURL("TELEMETRY_BASE_URL", cfg.TelemetryBaseURL); err != nil {
		return nil, err
	}
	if err := validateURL("INFERENCE_URL", cfg.InferenceURL); err != nil {
		return nil, err
	}
	if cfg.TelemetrySeries == "" {
		return nil, errors.New("TELEMETRY_SERIES is required")
	}
	if cfg.KafkaEnabled && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	switch cfg.TracesExporter {
	case "none", "stdout", "otlp":
	default:
		return nil, fmt.Errorf("invalid OTEL_TRACES_EXPORTER %q: want none, stdout or otlp", cfg.TracesExporter)
	}

	return cfg, nil
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseInt(key string, def, lo, hi int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s: must be an integer in [%d, %d]", key, lo, hi)
	}
	return n, nil
}

func parseBool(key string, def bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s", key)
	}
	return b, nil
}

// parseCacheSize falls back to the default on unparsable input. 0 disables the cache.
func parseCacheSize() int {
	if s := os.Getenv("TELEMETRY_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return n
		}
	}
	return 1000
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
