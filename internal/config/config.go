// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, storage paths, broker selection, worker
// pool sizes, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// BrokerConfig selects and parameterizes the outbound message bus.
type BrokerConfig struct {
	// Backend is "kafka" or "redis".
	Backend      string
	KafkaBrokers []string // BROKER_KAFKA_BROKERS (CSV)
	KafkaTopic   string   // BROKER_KAFKA_TOPIC
	RedisStream  string   // BROKER_REDIS_STREAM
	// MirrorStream enables the best-effort Redis Streams mirror when the
	// primary backend is Kafka. Empty disables mirroring.
	MirrorStream string
	// DelayKey is the sorted-set key of the retry delay lane.
	DelayKey string
}

// RedisConfig defines the shared Redis instance used for cursors, the
// dedup cache tier and the delay lane.
type RedisConfig struct {
	Addr     string // REDIS_ADDR
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
}

// StorageConfig defines object storage settings.
type StorageConfig struct {
	Bucket       string // S3_BUCKET
	Endpoint     string // S3_ENDPOINT (empty for AWS)
	RemotePrefix string // REMOTE_PREFIX, leading path of uploaded objects
	StagingDir   string // STAGING_DIR, local staging area for transfers
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Server (status and admin API)
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// App
	DBPath          string // SQLite path
	ArchiveBaseURL  string // archive gateway sidecar base URL
	SourceTag       string // outbound "source" field value
	DownloadWorkers int    // download pool cap
	UploadWorkers   int    // upload pool cap

	// Rate limiting (admin endpoints)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	Redis   RedisConfig
	Broker  BrokerConfig
	Storage StorageConfig
	OTEL    OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// App
		DBPath:          getenv("DB_PATH", "wearchive.db"),
		ArchiveBaseURL:  getenv("ARCHIVE_BASE_URL", "http://localhost:9377"),
		SourceTag:       getenv("SOURCE_TAG", "go"),
		DownloadWorkers: getint("DOWNLOAD_WORKERS", 100),
		UploadWorkers:   getint("UPLOAD_WORKERS", 60),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},

		Broker: BrokerConfig{
			Backend:      strings.ToLower(getenv("BROKER_BACKEND", "kafka")),
			KafkaBrokers: splitCSV(getenv("BROKER_KAFKA_BROKERS", "localhost:9092")),
			KafkaTopic:   getenv("BROKER_KAFKA_TOPIC", "wearchive-out"),
			RedisStream:  getenv("BROKER_REDIS_STREAM", "wearchive-out"),
			MirrorStream: getenv("BROKER_MIRROR_STREAM", ""),
			DelayKey:     getenv("BROKER_DELAY_KEY", "wearchive-retry"),
		},

		Storage: StorageConfig{
			Bucket:       getenv("S3_BUCKET", ""),
			Endpoint:     getenv("S3_ENDPOINT", ""),
			RemotePrefix: getenv("REMOTE_PREFIX", "mochat2"),
			StagingDir:   getenv("STAGING_DIR", "staging"),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "wearchive"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.ArchiveBaseURL) == "" {
		return cfg, errors.New("ARCHIVE_BASE_URL must not be empty")
	}
	if cfg.DownloadWorkers < 1 || cfg.UploadWorkers < 1 {
		return cfg, errors.New("worker pool sizes must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	switch cfg.Broker.Backend {
	case "kafka":
		if len(cfg.Broker.KafkaBrokers) == 0 {
			return cfg, errors.New("BROKER_KAFKA_BROKERS must not be empty for the kafka backend")
		}
		if strings.TrimSpace(cfg.Broker.KafkaTopic) == "" {
			return cfg, errors.New("BROKER_KAFKA_TOPIC must not be empty for the kafka backend")
		}
	case "redis":
		if strings.TrimSpace(cfg.Broker.RedisStream) == "" {
			return cfg, errors.New("BROKER_REDIS_STREAM must not be empty for the redis backend")
		}
	default:
		return cfg, errors.New("BROKER_BACKEND must be one of: kafka, redis")
	}
	if strings.TrimSpace(cfg.Broker.DelayKey) == "" {
		return cfg, errors.New("BROKER_DELAY_KEY must not be empty")
	}
	if strings.TrimSpace(cfg.Storage.StagingDir) == "" {
		return cfg, errors.New("STAGING_DIR must not be empty")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
