package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	api "image-upload-pipeline/internal/api"
	"image-upload-pipeline/internal/blob"
	"image-upload-pipeline/internal/config"
	"image-upload-pipeline/internal/ingest"
	"image-upload-pipeline/internal/queue"
	"image-upload-pipeline/internal/ratelimit"
	"image-upload-pipeline/internal/store"
	"image-upload-pipeline/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	telemetry.InitLogger(cfg.Env, cfg.LogLevel, "upload-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	defer closeRepo()

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Blob.Backend).Msg("init blob store")
	}

	var q queue.Enqueuer
	switch cfg.QueueDriver {
	case "kafka":
		producer := queue.NewKafkaProducer(cfg)
		defer producer.Close()
		q = producer
	default:
		client := queue.NewRedisClient(cfg)
		defer client.Close()
		q = queue.NewRedisQueue(client, cfg)
	}

	var limiter *ratelimit.TokenBucket
	if cfg.RateLimitCapacity > 0 {
		rl := queue.NewRedisClient(cfg)
		defer rl.Close()
		limiter = ratelimit.NewTokenBucket(rl, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	opts := api.Options{
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Limiter:        limiter,
	}
	if pinger, ok := repo.(interface{ Ping(context.Context) error }); ok {
		opts.Health = pinger.Ping
	}
	if local, ok := blobs.(*blob.LocalStore); ok {
		base, err := url.Parse(cfg.Blob.PublicBaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("parse public base url")
		}
		opts.FilesPrefix = base.Path
		opts.Files = local.Handler()
	}

	svc := ingest.NewService(repo, blobs, q, ingest.LimitsFromConfig(cfg))
	server := api.New(svc, opts)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Str("queue", cfg.QueueDriver).Str("blob", cfg.Blob.Backend).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}
