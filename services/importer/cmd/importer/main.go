package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"chatvault/internal/ratelimit"
	"chatvault/internal/util"
	"chatvault/pkg/events"
	"chatvault/pkg/storage"
	"chatvault/pkg/thumbnail"
	"chatvault/services/importer/internal/app"
	"chatvault/services/importer/internal/config"
	"chatvault/services/importer/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "importer", cfg.LogsDir)
	if cleanup != nil {
		defer cleanup()
	}

	media, err := newMediaStore(cfg)
	if err != nil {
		util.Fatal("failed to init media store", "backend", cfg.MediaBackend, "err", err)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			util.Fatal("failed to connect event broker", "err", err)
		}
		publisher = amqpPublisher
	}

	thumbs := thumbnail.NewDeriver(
		cfg.ThumbnailWidth,
		cfg.ThumbnailQuality,
		cfg.FFmpegPath,
		time.Duration(cfg.FFmpegTimeoutSeconds)*time.Second,
		cfg.ThumbnailConcurrency,
	)
	if !thumbs.FFmpegAvailable() {
		logger.Warn("ffmpeg not found, video thumbnails disabled", "path", cfg.FFmpegPath)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:               cfg.DatabaseURL,
		PersistBatchSize:          cfg.PersistBatchSize,
		RedisAddr:                 cfg.RedisAddr,
		RedisPassword:             cfg.RedisPassword,
		QueueName:                 cfg.QueueName,
		QueueGroup:                cfg.QueueGroup,
		QueueConcurrency:          cfg.QueueConcurrency,
		QueueMaxAttempts:          cfg.QueueMaxAttempts,
		QueueRetryDelaySeconds:    cfg.QueueRetryDelaySeconds,
		QueueMaxRetryDelaySeconds: cfg.QueueMaxRetryDelaySeconds,
		Media:                     media,
		Events:                    publisher,
		Thumbnails:                thumbs,
		ScratchDir:                cfg.ScratchDir,
		MaxArchiveBytes:           cfg.MaxArchiveBytes,
		Location:                  cfg.Location(),
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	defer appCore.Close()

	var limiter server.Limiter
	if cfg.EnqueueRateLimit > 0 {
		limiterClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer limiterClient.Close()
		fixed, err := ratelimit.NewFixedWindow(limiterClient, "chatvault:ratelimit", cfg.EnqueueRateLimit,
			time.Duration(cfg.EnqueueRateWindowSeconds)*time.Second)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
		limiter = fixed
	}

	httpServer, err := server.New(server.Config{
		App:               appCore,
		InternalJWTSecret: cfg.InternalJWTSecret,
		EnqueueLimiter:    limiter,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCore.Start(util.ContextWithLogger(ctx, logger))

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("importer server listening", "addr", addr, "workers", cfg.QueueConcurrency)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
		stop()
	}

	// Running imports see the canceled context at their next checkpoint and
	// still write the failed status and remove their scratch directory.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), workerDrainTimeout)
	defer cancelDrain()
	if err := appCore.Wait(drainCtx); err != nil {
		logger.Warn("import workers still running at exit", "err", err)
	}
}

const workerDrainTimeout = 30 * time.Second

func newMediaStore(cfg config.FileConfig) (storage.MediaStore, error) {
	if cfg.MediaBackend == config.MediaBackendMinio {
		return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	return storage.NewFileStore(cfg.MediaDir)
}
