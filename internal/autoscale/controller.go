// Package autoscale sizes the worker fleet from two signals: queue depth
// (how much work is waiting) and utilization (how busy the current fleet
// is). Scaling up is immediate and clamped per tick; scaling down is one
// step at a time behind a stabilization window so a bursty queue does not
// flap the fleet.
package autoscale

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crawlpool/crawlpool/internal/metrics"
)

type Config struct {
	MinReplicas         int
	MaxReplicas         int
	JobsPerWorker       int
	HighWatermark       float64
	LowWatermark        float64
	MaxStepUp           int
	StabilizationWindow time.Duration
	Interval            time.Duration
}

func (c *Config) setDefaults() {
	if c.MinReplicas <= 0 {
		c.MinReplicas = 1
	}
	if c.MaxReplicas < c.MinReplicas {
		c.MaxReplicas = c.MinReplicas
	}
	if c.JobsPerWorker <= 0 {
		c.JobsPerWorker = 10
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 0.8
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = 0.3
	}
	if c.MaxStepUp <= 0 {
		c.MaxStepUp = 4
	}
	if c.StabilizationWindow <= 0 {
		c.StabilizationWindow = 5 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
}

// MetricsSource supplies the two scaling signals.
type MetricsSource interface {
	QueueDepth(ctx context.Context) (int, error)
	Utilization(ctx context.Context) (float64, error)
}

// Orchestrator applies the computed replica count to whatever runs the
// workers.
type Orchestrator interface {
	CurrentReplicas(ctx context.Context) (int, error)
	Scale(ctx context.Context, replicas int) error
}

// Sample is one tick's worth of input to the scaling decision.
type Sample struct {
	Depth       int
	Utilization float64
	Current     int
}

// Controller evaluates the scaling policy on a fixed interval. The only
// state it keeps between ticks is how long the fleet has been idle enough
// to shrink.
type Controller struct {
	cfg      Config
	source   MetricsSource
	orch     Orchestrator
	logger   *slog.Logger
	now      func() time.Time
	lowSince time.Time
}

func NewController(source MetricsSource, orch Orchestrator, logger *slog.Logger, cfg Config) *Controller {
	cfg.setDefaults()
	return &Controller{
		cfg:    cfg,
		source: source,
		orch:   orch,
		logger: logger,
		now:    time.Now,
	}
}

// Start blocks until ctx finishes.
func (c *Controller) Start(ctx context.Context) {
	c.logger.Info("autoscaler started",
		"min", c.cfg.MinReplicas,
		"max", c.cfg.MaxReplicas,
		"interval", c.cfg.Interval,
	)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("autoscaler shut down")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	sample, err := c.collect(ctx)
	if err != nil {
		c.logger.Error("collect scaling signals", "error", err)
		return
	}

	target := c.computeTarget(sample)
	metrics.AutoscaleTargetReplicas.Set(float64(target))
	if target == sample.Current {
		return
	}

	direction := "up"
	if target < sample.Current {
		direction = "down"
	}
	if err := c.orch.Scale(ctx, target); err != nil {
		c.logger.Error("apply scale decision", "target", target, "error", err)
		return
	}
	metrics.AutoscaleDecisionsTotal.WithLabelValues(direction).Inc()
	c.logger.Info("scaled worker fleet",
		"direction", direction,
		"from", sample.Current,
		"to", target,
		"queue_depth", sample.Depth,
		"utilization", sample.Utilization,
	)
}

func (c *Controller) collect(ctx context.Context) (Sample, error) {
	depth, err := c.source.QueueDepth(ctx)
	if err != nil {
		return Sample{}, err
	}
	util, err := c.source.Utilization(ctx)
	if err != nil {
		return Sample{}, err
	}
	current, err := c.orch.CurrentReplicas(ctx)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Depth: depth, Utilization: util, Current: current}, nil
}

// computeTarget applies the policy to one sample. Demand is the backlog
// divided across workers; a hot fleet bumps demand by one even with an
// empty queue. Up moves are clamped to MaxStepUp per tick. Down moves wait
// out the stabilization window and shrink by a single replica.
func (c *Controller) computeTarget(s Sample) int {
	demand := (s.Depth + c.cfg.JobsPerWorker - 1) / c.cfg.JobsPerWorker
	if s.Utilization >= c.cfg.HighWatermark {
		demand = max(demand, s.Current+1)
	}

	if demand > s.Current {
		c.lowSince = time.Time{}
		return clamp(min(demand, s.Current+c.cfg.MaxStepUp), c.cfg.MinReplicas, c.cfg.MaxReplicas)
	}

	if demand < s.Current && s.Utilization <= c.cfg.LowWatermark && s.Current > c.cfg.MinReplicas {
		now := c.now()
		if c.lowSince.IsZero() {
			c.lowSince = now
			return clamp(s.Current, c.cfg.MinReplicas, c.cfg.MaxReplicas)
		}
		if now.Sub(c.lowSince) >= c.cfg.StabilizationWindow {
			c.lowSince = now
			return clamp(s.Current-1, c.cfg.MinReplicas, c.cfg.MaxReplicas)
		}
		return clamp(s.Current, c.cfg.MinReplicas, c.cfg.MaxReplicas)
	}

	c.lowSince = time.Time{}
	return clamp(s.Current, c.cfg.MinReplicas, c.cfg.MaxReplicas)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// QueueSource adapts a queue depth function to the MetricsSource interface
// alongside a utilization function, so wiring does not need a dedicated
// struct per deployment.
type QueueSource struct {
	DepthFn func(ctx context.Context) (int, error)
	UtilFn  func(ctx context.Context) (float64, error)
}

func (s QueueSource) QueueDepth(ctx context.Context) (int, error) { return s.DepthFn(ctx) }

func (s QueueSource) Utilization(ctx context.Context) (float64, error) { return s.UtilFn(ctx) }

// LogOrchestrator records the desired replica count and logs it. Used when
// no real orchestrator is attached: the decision stream still lands in the
// logs and metrics, and an external system can act on it.
type LogOrchestrator struct {
	mu       sync.Mutex
	replicas int
	logger   *slog.Logger
}

func NewLogOrchestrator(initial int, logger *slog.Logger) *LogOrchestrator {
	return &LogOrchestrator{replicas: initial, logger: logger}
}

func (o *LogOrchestrator) CurrentReplicas(_ context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.replicas, nil
}

func (o *LogOrchestrator) Scale(_ context.Context, replicas int) error {
	o.mu.Lock()
	o.replicas = replicas
	o.mu.Unlock()
	o.logger.Info("desired worker replicas changed", "replicas", replicas)
	return nil
}
