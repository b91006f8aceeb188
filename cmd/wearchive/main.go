// Command wearchive runs the archive ingestion relay: per-tenant poll
// loops, the download and upload pools, the retry lane, the outbound
// dispatcher, and the status/admin HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mochat/wearchive/internal/archive"
	"github.com/mochat/wearchive/internal/broker"
	"github.com/mochat/wearchive/internal/config"
	"github.com/mochat/wearchive/internal/dedup"
	"github.com/mochat/wearchive/internal/dispatch"
	"github.com/mochat/wearchive/internal/download"
	httpapi "github.com/mochat/wearchive/internal/http"
	"github.com/mochat/wearchive/internal/metrics"
	"github.com/mochat/wearchive/internal/observability"
	"github.com/mochat/wearchive/internal/poller"
	"github.com/mochat/wearchive/internal/pool"
	"github.com/mochat/wearchive/internal/repo"
	"github.com/mochat/wearchive/internal/retry"
	"github.com/mochat/wearchive/internal/storage"
	"github.com/mochat/wearchive/internal/sysutil"
)

var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger := log.With().Str("service", "wearchive").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(c)
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := os.MkdirAll(cfg.Storage.StagingDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.Storage.StagingDir).Msg("staging dir unavailable")
	}

	sink := metrics.NewSink(prometheus.DefaultRegisterer)

	uploader, err := storage.NewUploader(ctx, cfg.Storage.Bucket, cfg.Storage.RemotePrefix, cfg.Storage.Endpoint, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("object storage setup failed")
	}

	pub, err := buildPublisher(cfg.Broker, rdb, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("broker setup failed")
	}
	defer pub.Close()

	delay := broker.NewDelayQueue(rdb, cfg.Broker.DelayKey, logger)
	dispatcher := dispatch.New(pub, sink, cfg.SourceTag, cfg.Broker.Backend, logger)
	router := retry.NewRouter(delay, sink, logger)

	downloadPool, err := pool.New("download", cfg.DownloadWorkers, sink, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("download pool setup failed")
	}
	defer downloadPool.Release()
	uploadPool, err := pool.New("upload", cfg.UploadWorkers, sink, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("upload pool setup failed")
	}
	defer uploadPool.Release()

	index := dedup.NewIndex(db, dedup.NewRedisKV(rdb), logger)
	engine := download.NewEngine(db, index, uploader, uploadPool, dispatcher, sink, cfg.Storage.StagingDir, logger)

	manager := poller.NewManager(ctx, &poller.Deps{
		DB:      db,
		Dialer:  archive.NewHTTPDialer(cfg.ArchiveBaseURL),
		Cursors: poller.NewRedisCursorStore(rdb),
		Pool:    downloadPool,
		Engine:  engine,
		Out:     dispatcher,
		Router:  router,
		Sink:    sink,
		Log:     logger,
	})

	consumer := retry.NewConsumer(db, downloadPool, engine, manager.ClientFor, router, sink, logger)
	go delay.PumpDue(ctx, consumer.Handle)

	sweeper := retry.NewSweeper(db, delay, downloadPool, logger)
	go sweeper.Run(ctx)
	go repo.CleanupLoop(ctx, db, logger)

	if err := manager.StartAll(); err != nil {
		logger.Fatal().Err(err).Msg("tenant startup failed")
	}
	defer manager.Stop()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, sink, manager, cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()
	logger.Info().Str("port", cfg.Port).Str("version", version).Msg("wearchive started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
}

// buildPublisher selects the outbound backend and, when configured,
// wraps it with the best-effort mirror.
func buildPublisher(cfg config.BrokerConfig, rdb redis.UniversalClient, logger zerolog.Logger) (broker.Publisher, error) {
	var primary broker.Publisher
	switch cfg.Backend {
	case "kafka":
		primary = broker.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	case "redis":
		primary = broker.NewStreamPublisher(rdb, cfg.RedisStream, logger)
	default:
		return nil, errors.New("unknown broker backend: " + cfg.Backend)
	}
	if cfg.MirrorStream != "" && cfg.Backend == "kafka" {
		mirror := broker.NewStreamPublisher(rdb, cfg.MirrorStream, logger)
		return broker.NewMirror(primary, mirror, logger), nil
	}
	return primary, nil
}
