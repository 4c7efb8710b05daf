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

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crawlpool/crawlpool/config"
	"github.com/crawlpool/crawlpool/internal/cache"
	cachememory "github.com/crawlpool/crawlpool/internal/cache/memory"
	cacheredis "github.com/crawlpool/crawlpool/internal/cache/redis"
	"github.com/crawlpool/crawlpool/internal/health"
	"github.com/crawlpool/crawlpool/internal/infrastructure/memory"
	"github.com/crawlpool/crawlpool/internal/infrastructure/postgres"
	ctxlog "github.com/crawlpool/crawlpool/internal/log"
	"github.com/crawlpool/crawlpool/internal/metrics"
	"github.com/crawlpool/crawlpool/internal/repository"
	httptransport "github.com/crawlpool/crawlpool/internal/transport/http"
	"github.com/crawlpool/crawlpool/internal/transport/http/handler"
	"github.com/crawlpool/crawlpool/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

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

	jobService := usecase.NewJobService(queue, store, logger)
	jobHandler := handler.NewJobHandler(jobService, logger)

	scheduleService := usecase.NewScheduleService(schedules, logger)
	scheduleHandler := handler.NewScheduleHandler(scheduleService, logger)

	metrics.Register()
	checker := health.NewChecker(deps, logger, prometheus.DefaultRegisterer)

	go jobService.PublishQueueGauges(ctx, 30*time.Second)

	srv := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.NewRouter(logger, jobHandler, scheduleHandler, []byte(cfg.JWTSecret)),
	}
	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("server started", "port", cfg.Port, "queue_backend", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
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
