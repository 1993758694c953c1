package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-image-processor/internal/artifact"
	"github.com/imalyk/go-image-processor/internal/jobs"
	"github.com/imalyk/go-image-processor/internal/pipeline"
	"github.com/imalyk/go-image-processor/internal/provider"
	"github.com/imalyk/go-image-processor/internal/recovery"
	"github.com/imalyk/go-image-processor/internal/serializer"
	"github.com/imalyk/go-image-processor/internal/store"
	"github.com/imalyk/go-image-processor/worker"
	"github.com/imalyk/go-image-processor/pkg/job"
)

// app holds every long-lived component of one process.
type app struct {
	cfg    config
	logger *slog.Logger

	store      *store.Store
	redis      *redis.Client
	artifacts  artifact.Store
	dispatcher *worker.Dispatcher
	scheduler  *worker.Scheduler
	sweeper    *recovery.Sweeper
	jobs       *jobs.Service
}

// newApp wires the process. withArtifacts is false for commands that never
// run a job, so they work without object storage.
func newApp(ctx context.Context, cfg config, logger *slog.Logger, withArtifacts bool) (*app, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: st}

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	if withArtifacts {
		m, err := artifact.NewMinio(ctx, artifact.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.MinioRegion,
			Bucket:    cfg.MinioBucket,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		a.artifacts = m
	}

	a.dispatcher = worker.NewDispatcher(st, a.runner(), worker.Options{
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
	}, logger.With("component", "dispatcher"))
	a.scheduler = worker.NewScheduler(a.dispatcher, worker.SchedulerOptions{
		Tick:    cfg.TickInterval,
		Redis:   a.redis,
		WakeKey: cfg.RedisWakeKey,
	}, logger.With("component", "scheduler"))
	a.sweeper = recovery.New(st, a.dispatcher, a.scheduler, logger.With("component", "recovery"))
	a.jobs = jobs.New(st, a.artifacts, a.scheduler, a.dispatcher, logger.With("component", "jobs")).
		WithMaxRetries(cfg.MaxRetries)
	return a, nil
}

func (a *app) runner() *pipeline.Runner {
	cfg := a.cfg
	logger := a.logger.With("component", "pipeline")

	serOpts := serializer.Options{
		Spacing:  cfg.SerializerSpacing,
		Cooldown: cfg.SerializerCooldown,
		Logger:   logger,
	}
	if cfg.SerializerShared && a.redis != nil {
		serOpts.Gate = serializer.NewRedisGate(a.redis, cfg.RedisGatePrefix, cfg.SerializerSpacing, 2*cfg.SubmitTimeout)
	}

	deps := pipeline.Deps{
		Serializer: serializer.New(serOpts),
		Fetcher:    provider.NewFetcher(nil, cfg.SubmitTimeout),
		Artifacts:  a.artifacts,
		Logger:     logger,
	}
	if cfg.BackgroundAPIURL != "" {
		deps.Background = provider.NewBackgroundClient(a.providerConfig(cfg.BackgroundAPIURL, cfg.BackgroundAPIKey))
	}
	if cfg.OutpaintAPIURL != "" {
		deps.Outpaint = provider.NewTaskClient(a.providerConfig(cfg.OutpaintAPIURL, cfg.OutpaintAPIKey))
	}
	if cfg.UpscaleAPIURL != "" {
		deps.Upscale = provider.NewTaskClient(a.providerConfig(cfg.UpscaleAPIURL, cfg.UpscaleAPIKey))
	}
	return pipeline.New(deps, pipeline.Options{
		PollInterval:  cfg.PollInterval,
		PollAttempts:  cfg.PollAttempts,
		WatermarkText: cfg.WatermarkText,
	})
}

func (a *app) providerConfig(url, key string) provider.Config {
	return provider.Config{
		BaseURL:       url,
		APIKey:        key,
		SubmitTimeout: a.cfg.SubmitTimeout,
		PollTimeout:   a.cfg.PollTimeout,
	}
}

// startup delays, sweeps orphaned jobs and only then lets the dispatcher claim.
func (a *app) startup(ctx context.Context) error {
	if a.cfg.StartupDelay > 0 {
		select {
		case <-time.After(a.cfg.StartupDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	report, err := a.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	a.logger.Info("startup recovery done", "requeued", len(report.Requeued), "failed", len(report.Failed))
	a.dispatcher.Open()
	return nil
}

// publish sends a wake message to the running server, if Redis is configured.
func (a *app) publish(ctx context.Context, reason string, all bool) error {
	if a.redis == nil {
		return fmt.Errorf("REDIS_ADDR is not set, cannot reach a running server")
	}
	return worker.Publish(ctx, a.redis, a.cfg.RedisWakeKey, job.WakeMessage{Reason: reason, All: all})
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", "error", err)
	}
}
