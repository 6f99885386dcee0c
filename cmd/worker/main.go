package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"image-upload-pipeline/internal/blob"
	"image-upload-pipeline/internal/config"
	"image-upload-pipeline/internal/pipeline"
	"image-upload-pipeline/internal/queue"
	"image-upload-pipeline/internal/store"
	"image-upload-pipeline/internal/telemetry"
	workerproc "image-upload-pipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	telemetry.InitLogger(cfg.Env, cfg.LogLevel, "upload-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	var consumer queue.Consumer
	switch cfg.QueueDriver {
	case "kafka":
		kq := queue.NewKafkaQueue(cfg)
		defer kq.Close()
		consumer = kq
	default:
		client := queue.NewRedisClient(cfg)
		defer client.Close()
		consumer = queue.NewRedisQueue(client, cfg)
	}

	orchestrator := pipeline.New(repo, blobs, pipeline.OptionsFromConfig(cfg))
	sweeper := workerproc.NewSweeper(repo, cfg.FailedRetention, cfg.SweepInterval)
	processor := workerproc.NewProcessor(cfg, consumer, orchestrator, sweeper)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	hostname, _ := os.Hostname()
	log.Info().Str("host", hostname).Str("queue", cfg.QueueDriver).Dur("visibility", cfg.VisibilityTimeout).
		Dur("retry_base", cfg.RetryBaseDelay).Msg("worker starting")
	if err := processor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	log.Info().Msg("worker stopped")
}
