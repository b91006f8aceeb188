package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("port: %q", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("gin mode: %q", cfg.GinMode)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level: %q", cfg.LogLevel)
	}
	if cfg.DBPath != "wearchive.db" {
		t.Fatalf("db path: %q", cfg.DBPath)
	}
	if cfg.DownloadWorkers != 100 || cfg.UploadWorkers != 60 {
		t.Fatalf("pool sizes: %d %d", cfg.DownloadWorkers, cfg.UploadWorkers)
	}
	if cfg.Broker.Backend != "kafka" {
		t.Fatalf("broker backend: %q", cfg.Broker.Backend)
	}
	if len(cfg.Broker.KafkaBrokers) != 1 || cfg.Broker.KafkaBrokers[0] != "localhost:9092" {
		t.Fatalf("kafka brokers: %v", cfg.Broker.KafkaBrokers)
	}
	if cfg.Broker.DelayKey != "wearchive-retry" {
		t.Fatalf("delay key: %q", cfg.Broker.DelayKey)
	}
	if cfg.Storage.RemotePrefix != "mochat2" || cfg.Storage.StagingDir != "staging" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	if cfg.OTEL.ServiceName != "wearchive" || cfg.OTEL.SampleRatio != 1.0 {
		t.Fatalf("otel: %+v", cfg.OTEL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("GIN_MODE", "DEBUG")
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("READ_TIMEOUT", "5s")
	t.Setenv("BROKER_BACKEND", "redis")
	t.Setenv("BROKER_REDIS_STREAM", "out-stream")
	t.Setenv("BROKER_KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("DOWNLOAD_WORKERS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port: %q", cfg.Port)
	}
	if cfg.GinMode != "debug" {
		t.Fatalf("gin mode not lowercased: %q", cfg.GinMode)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("warning alias not normalized: %q", cfg.LogLevel)
	}
	if cfg.ReadTimeout != 5*time.Second {
		t.Fatalf("read timeout: %v", cfg.ReadTimeout)
	}
	if cfg.Broker.Backend != "redis" || cfg.Broker.RedisStream != "out-stream" {
		t.Fatalf("broker: %+v", cfg.Broker)
	}
	if len(cfg.Broker.KafkaBrokers) != 2 || cfg.Broker.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("csv parsing: %v", cfg.Broker.KafkaBrokers)
	}
	if cfg.DownloadWorkers != 7 {
		t.Fatalf("download workers: %d", cfg.DownloadWorkers)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{"bad log level", "LOG_LEVEL", "loud", "LOG_LEVEL"},
		{"negative timeout", "READ_TIMEOUT", "-1s", "timeouts"},
		{"zero workers", "DOWNLOAD_WORKERS", "0", "worker pool"},
		{"negative rps", "RATE_RPS", "-1", "RATE_RPS"},
		{"zero burst", "RATE_BURST", "0", "RATE_BURST"},
		{"unknown backend", "BROKER_BACKEND", "rabbit", "BROKER_BACKEND"},
		{"bad sampler", "OTEL_TRACES_SAMPLER_ARG", "2", "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_RedisBackendRequiresStream(t *testing.T) {
	t.Setenv("BROKER_BACKEND", "redis")
	t.Setenv("BROKER_REDIS_STREAM", " ")
	if _, err := Load(); err == nil {
		t.Fatalf("blank stream accepted")
	}
}

func TestGetboolParsing(t *testing.T) {
	t.Setenv("FLAG", "on")
	if !getbool("FLAG", false) {
		t.Fatalf("on should parse true")
	}
	t.Setenv("FLAG", "OFF")
	if getbool("FLAG", true) {
		t.Fatalf("off should parse false")
	}
	t.Setenv("FLAG", "maybe")
	if !getbool("FLAG", true) {
		t.Fatalf("garbage should keep the default")
	}
}
