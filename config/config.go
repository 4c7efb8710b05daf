package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Port     string `env:"PORT" envDefault:"8080" validate:"required"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	// QueueBackend memory keeps everything in-process: local development
	// without postgres or redis.
	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"postgres" validate:"oneof=postgres memory"`
	DatabaseURL  string `env:"DATABASE_URL" validate:"required_if=QueueBackend postgres"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret string `env:"JWT_SECRET,required" validate:"required,min=32"`

	WorkerCount          int `env:"WORKER_COUNT" envDefault:"5" validate:"min=1,max=100"`
	PollIntervalSec      int `env:"POLL_INTERVAL_SEC" envDefault:"1" validate:"min=1,max=60"`
	VisibilityTimeoutSec int `env:"VISIBILITY_TIMEOUT_SEC" envDefault:"300" validate:"min=10,max=3600"`
	ReaperIntervalSec    int `env:"REAPER_INTERVAL_SEC" envDefault:"30" validate:"min=5,max=600"`
	DispatchIntervalSec  int `env:"DISPATCH_INTERVAL_SEC" envDefault:"15" validate:"min=1,max=300"`
	RetryBaseDelaySec    int `env:"RETRY_BASE_DELAY_SEC" envDefault:"30" validate:"min=1,max=3600"`
	RetryMaxDelaySec     int `env:"RETRY_MAX_DELAY_SEC" envDefault:"3600" validate:"min=1,max=86400"`

	AutoscaleMinReplicas      int     `env:"AUTOSCALE_MIN_REPLICAS" envDefault:"1" validate:"min=1"`
	AutoscaleMaxReplicas      int     `env:"AUTOSCALE_MAX_REPLICAS" envDefault:"10" validate:"min=1"`
	AutoscaleJobsPerWorker    int     `env:"AUTOSCALE_JOBS_PER_WORKER" envDefault:"10" validate:"min=1"`
	AutoscaleHighWatermark    float64 `env:"AUTOSCALE_HIGH_WATERMARK" envDefault:"0.8" validate:"gt=0,lte=1"`
	AutoscaleLowWatermark     float64 `env:"AUTOSCALE_LOW_WATERMARK" envDefault:"0.3" validate:"gte=0,lt=1"`
	AutoscaleMaxStepUp        int     `env:"AUTOSCALE_MAX_STEP_UP" envDefault:"4" validate:"min=1"`
	AutoscaleStabilizationSec int     `env:"AUTOSCALE_STABILIZATION_SEC" envDefault:"300" validate:"min=10"`
	AutoscaleIntervalSec      int     `env:"AUTOSCALE_INTERVAL_SEC" envDefault:"15" validate:"min=5"`

	ProxyAPIKey         string  `env:"PROXY_API_KEY"`
	ProxyBaseURL        string  `env:"PROXY_BASE_URL" envDefault:"https://app.scrapingbee.com/api/v1"`
	ProxyRefillRate     float64 `env:"PROXY_REFILL_RATE" envDefault:"5" validate:"gt=0"`
	ProxyBurst          int     `env:"PROXY_BURST" envDefault:"10" validate:"min=1"`
	SearchAPIKey        string  `env:"SEARCH_API_KEY"`
	SearchBaseURL       string  `env:"SEARCH_BASE_URL" envDefault:"https://google.serper.dev"`
	SearchRefillRate    float64 `env:"SEARCH_REFILL_RATE" envDefault:"2" validate:"gt=0"`
	SearchBurst         int     `env:"SEARCH_BURST" envDefault:"5" validate:"min=1"`
	ExtractorBaseURL    string  `env:"EXTRACTOR_BASE_URL" envDefault:"http://localhost:9300"`
	ExtractorRefillRate float64 `env:"EXTRACTOR_REFILL_RATE" envDefault:"3" validate:"gt=0"`
	ExtractorBurst      int     `env:"EXTRACTOR_BURST" envDefault:"6" validate:"min=1"`

	UpstreamMaxAttempts int `env:"UPSTREAM_MAX_ATTEMPTS" envDefault:"3" validate:"min=1,max=10"`

	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM" validate:"required_if=Env production,required_if=Env staging"`
	AlertsTo     string `env:"ALERTS_TO" validate:"required_if=Env production,required_if=Env staging"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.AutoscaleMaxReplicas < cfg.AutoscaleMinReplicas {
		return nil, fmt.Errorf("invalid config: AUTOSCALE_MAX_REPLICAS < AUTOSCALE_MIN_REPLICAS")
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) PollInterval() time.Duration { return time.Duration(c.PollIntervalSec) * time.Second }

func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSec) * time.Second
}

func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSec) * time.Second
}

func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSec) * time.Second
}
