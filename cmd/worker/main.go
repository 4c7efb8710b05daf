package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crawlpool/crawlpool/config"
	"github.com/crawlpool/crawlpool/internal/autoscale"
	"github.com/crawlpool/crawlpool/internal/cache"
	cachememory "github.com/crawlpool/crawlpool/internal/cache/memory"
	cacheredis "github.com/crawlpool/crawlpool/internal/cache/redis"
	"github.com/crawlpool/crawlpool/internal/capability"
	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/health"
	"github.com/crawlpool/crawlpool/internal/infrastructure/memory"
	"github.com/crawlpool/crawlpool/internal/infrastructure/postgres"
	ctxlog "github.com/crawlpool/crawlpool/internal/log"
	"github.com/crawlpool/crawlpool/internal/metrics"
	"github.com/crawlpool/crawlpool/internal/notify"
	"github.com/crawlpool/crawlpool/internal/repository"
	"github.com/crawlpool/crawlpool/internal/scheduler"
	"github.com/crawlpool/crawlpool/internal/upstream"
)

const upstreamTimeout = 90 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := map[string]health.Pinger{}

	var queue repository.Queue
	var schedules repository.ScheduleRepository
	if cfg.QueueBackend == "postgres" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			stop()
			log.Fatalf("db: %v", err)
		}
		defer pool.Close()
		queue = postgres.NewJobRepository(pool)
		schedules = postgres.NewScheduleRepository(pool, logger)
		deps["postgres"] = pool
		logger.Info("db connected")
	} else {
		jobs := memory.NewJobRepository()
		queue = jobs
		schedules = memory.NewScheduleRepository(jobs)
	}

	var store cache.Store
	if cfg.RedisAddr != "" {
		client, err := cacheredis.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			stop()
			log.Fatalf("redis: %v", err)
		}
		defer client.Close()
		store = cacheredis.NewStore(client, "result:")
		deps["redis"] = cacheredis.Pinger{Client: client}
	} else {
		memStore := cachememory.NewStore()
		defer memStore.Close()
		store = memStore
	}

	metrics.Register()
	checker := health.NewChecker(deps, logger, prometheus.DefaultRegisterer)

	upstreamClient := upstream.NewClient(
		[]upstream.ProviderConfig{
			{Name: capability.ProviderProxy, RefillRate: cfg.ProxyRefillRate, Burst: cfg.ProxyBurst},
			{Name: capability.ProviderSearch, RefillRate: cfg.SearchRefillRate, Burst: cfg.SearchBurst},
			{Name: capability.ProviderExtractor, RefillRate: cfg.ExtractorRefillRate, Burst: cfg.ExtractorBurst},
		},
		upstream.Config{
			Mode:        upstream.ModeBlock,
			MaxAttempts: cfg.UpstreamMaxAttempts,
		},
		logger,
	)

	registry := capability.NewRegistry()
	registry.Register(domain.KindCrawl, capability.Entry{
		Capability:     capability.NewProxyFetch(upstreamClient, cfg.ProxyBaseURL, cfg.ProxyAPIKey, upstreamTimeout),
		SideEffectFree: true,
	})
	registry.Register(domain.KindSearch, capability.Entry{
		Capability:     capability.NewSearch(upstreamClient, cfg.SearchBaseURL+"/search", cfg.SearchAPIKey, upstreamTimeout),
		SideEffectFree: true,
	})
	registry.Register(domain.KindPDFExtract, capability.Entry{
		Capability:     capability.NewPDFExtract(upstreamClient, cfg.ExtractorBaseURL, upstreamTimeout),
		SideEffectFree: true,
	})

	notifier := notify.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, cfg.AlertsTo, logger)

	pool := scheduler.NewPool(queue, store, registry, notifier, logger, scheduler.PoolConfig{
		Concurrency:       cfg.WorkerCount,
		PollInterval:      cfg.PollInterval(),
		VisibilityTimeout: cfg.VisibilityTimeout(),
		RetryBaseDelay:    time.Duration(cfg.RetryBaseDelaySec) * time.Second,
		RetryMaxDelay:     time.Duration(cfg.RetryMaxDelaySec) * time.Second,
	})
	go pool.Start(ctx)

	reaper := scheduler.NewReaper(queue, notifier, logger, cfg.ReaperInterval())
	go reaper.Start(ctx)

	dispatcher := scheduler.NewDispatcher(schedules, logger, cfg.DispatchInterval())
	go dispatcher.Start(ctx)

	autoscaler := autoscale.NewController(
		autoscale.QueueSource{
			DepthFn: queue.Depth,
			UtilFn:  pool.Utilization,
		},
		autoscale.NewLogOrchestrator(cfg.AutoscaleMinReplicas, logger),
		logger,
		autoscale.Config{
			MinReplicas:         cfg.AutoscaleMinReplicas,
			MaxReplicas:         cfg.AutoscaleMaxReplicas,
			JobsPerWorker:       cfg.AutoscaleJobsPerWorker,
			HighWatermark:       cfg.AutoscaleHighWatermark,
			LowWatermark:        cfg.AutoscaleLowWatermark,
			MaxStepUp:           cfg.AutoscaleMaxStepUp,
			StabilizationWindow: time.Duration(cfg.AutoscaleStabilizationSec) * time.Second,
			Interval:            time.Duration(cfg.AutoscaleIntervalSec) * time.Second,
		},
	)
	go autoscaler.Start(ctx)

	procStats := autoscale.NewProcStats(logger, 15*time.Second)
	go procStats.Start(ctx)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("worker shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
