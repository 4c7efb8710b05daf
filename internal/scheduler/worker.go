package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crawlpool/crawlpool/internal/cache"
	"github.com/crawlpool/crawlpool/internal/capability"
	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/metrics"
	"github.com/crawlpool/crawlpool/internal/notify"
	"github.com/crawlpool/crawlpool/internal/repository"
)

type PoolConfig struct {
	Concurrency       int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
}

// Pool runs N worker loops against the queue. Each loop leases one job at a
// time: check the result cache, execute the capability on a miss, write the
// result back, then ack or fail through the fenced lease.
type Pool struct {
	id       string
	queue    repository.Queue
	store    cache.Store
	registry *capability.Registry
	notifier notify.Sender
	logger   *slog.Logger
	cfg      PoolConfig

	busy atomic.Int64
}

func NewPool(
	queue repository.Queue,
	store cache.Store,
	registry *capability.Registry,
	notifier notify.Sender,
	logger *slog.Logger,
	cfg PoolConfig,
) *Pool {
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = time.Hour
	}
	return &Pool{
		id:       id,
		queue:    queue,
		store:    store,
		registry: registry,
		notifier: notifier,
		logger:   logger.With("worker_id", id),
		cfg:      cfg,
	}
}

// Start blocks until ctx finishes and every worker loop has drained.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runLoop(ctx)
		}()
	}
	wg.Wait()
	p.logger.Info("worker pool shut down")
}

// Utilization is busy slots over total slots, the autoscaler's second
// signal next to queue depth.
func (p *Pool) Utilization(_ context.Context) (float64, error) {
	return float64(p.busy.Load()) / float64(p.cfg.Concurrency), nil
}

func (p *Pool) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, lease, err := p.queue.Lease(ctx, p.id, p.cfg.VisibilityTimeout)
		if err != nil {
			if !errors.Is(err, domain.ErrNoJob) && ctx.Err() == nil {
				p.logger.Error("lease job", "error", err)
			}
			p.idle(ctx)
			continue
		}

		metrics.JobPickupLatency.Observe(time.Since(job.CreatedAt).Seconds())
		p.runJob(ctx, job, lease)
	}
}

// idle waits one poll interval with +/-50% jitter so a fleet of idle
// workers does not hammer the queue in lockstep.
func (p *Pool) idle(ctx context.Context) {
	d := p.cfg.PollInterval/2 + time.Duration(rand.Int63n(int64(p.cfg.PollInterval)))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Pool) runJob(ctx context.Context, job *domain.Job, lease *domain.Lease) {
	p.busy.Add(1)
	metrics.JobsInFlight.Inc()
	metrics.WorkerUtilization.Set(float64(p.busy.Load()) / float64(p.cfg.Concurrency))
	defer func() {
		p.busy.Add(-1)
		metrics.JobsInFlight.Dec()
		metrics.WorkerUtilization.Set(float64(p.busy.Load()) / float64(p.cfg.Concurrency))
	}()

	logger := p.logger.With("job_id", job.ID, "kind", job.Payload.Kind, "attempt", job.Attempts)

	if p.cachedResult(ctx, job, logger) {
		p.ack(ctx, job, lease, "cache_hit", logger)
		return
	}

	entry, err := p.registry.Lookup(job.Payload.Kind)
	if err != nil {
		p.fail(ctx, job, lease, err, logger)
		return
	}
	if !entry.SideEffectFree && job.Attempts > 1 {
		logger.Warn("re-executing capability with external side effects",
			"attempts", job.Attempts)
	}

	startedAt := time.Now()
	result, err := entry.Capability.Execute(ctx, job.Payload)
	duration := time.Since(startedAt)

	if err != nil {
		metrics.JobExecutionDuration.WithLabelValues(string(job.Payload.Kind), "failure").Observe(duration.Seconds())
		p.fail(ctx, job, lease, err, logger)
		return
	}
	metrics.JobExecutionDuration.WithLabelValues(string(job.Payload.Kind), "success").Observe(duration.Seconds())

	p.storeResult(ctx, job, result, logger)
	p.ack(ctx, job, lease, "success", logger)
	logger.Info("job completed", "duration", duration)
}

// cachedResult reports whether a previous execution of the same payload is
// still cached. Cache trouble degrades to a miss; the job must not fail
// because the cache is down.
func (p *Pool) cachedResult(ctx context.Context, job *domain.Job, logger *slog.Logger) bool {
	if p.store == nil {
		return false
	}
	_, err := p.store.Get(ctx, job.IdempotencyKey)
	switch {
	case err == nil:
		metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
		logger.Info("cache hit, skipping execution")
		return true
	case errors.Is(err, cache.ErrMiss):
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
	default:
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		logger.Warn("cache unavailable, bypassing", "error", err)
	}
	return false
}

func (p *Pool) storeResult(ctx context.Context, job *domain.Job, result []byte, logger *slog.Logger) {
	if p.store == nil {
		return
	}
	if err := p.store.Put(ctx, job.IdempotencyKey, result, job.Payload.CacheTTL()); err != nil {
		// Losing the cache write only costs a future re-execution.
		logger.Warn("cache write failed", "error", err)
	}
}

func (p *Pool) ack(ctx context.Context, job *domain.Job, lease *domain.Lease, outcome string, logger *slog.Logger) {
	if err := p.queue.Ack(ctx, lease); err != nil {
		if errors.Is(err, domain.ErrStaleLease) {
			// Another worker owns the job now; our result is already in
			// the cache, so dropping the ack loses nothing.
			logger.Debug("lease went stale before ack, discarding")
			return
		}
		logger.Error("ack job", "error", err)
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(outcome).Inc()
}

func (p *Pool) fail(ctx context.Context, job *domain.Job, lease *domain.Lease, execErr error, logger *slog.Logger) {
	permanent := domain.IsPermanent(execErr)

	var retryAt time.Time
	if !permanent {
		retryAt = time.Now().Add(p.retryDelay(execErr, job.Attempts))
	}

	status, err := p.queue.Fail(ctx, lease, execErr.Error(), retryAt, permanent)
	if err != nil {
		if errors.Is(err, domain.ErrStaleLease) {
			logger.Debug("lease went stale before fail, discarding")
			return
		}
		logger.Error("fail job", "error", err)
		return
	}

	if status == domain.StatusDeadLetter {
		metrics.JobsCompletedTotal.WithLabelValues("dead_letter").Inc()
		logger.Warn("job permanently failed", "error", execErr)
		if p.notifier != nil {
			job.Status = status
			job.LastError = strPtr(execErr.Error())
			p.notifier.DeadLetter(ctx, job)
		}
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues("retry").Inc()
	logger.Warn("job failed, will retry",
		"error", execErr,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"retry_at", retryAt,
	)
}

// retryDelay grows exponentially with the attempt count, with +/-25%
// jitter. An upstream Retry-After hint wins over the computed delay.
func (p *Pool) retryDelay(execErr error, attempts int) time.Duration {
	var rl *domain.RateLimitedError
	if errors.As(execErr, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}

	delay := time.Duration(float64(p.cfg.RetryBaseDelay) * math.Pow(2, float64(attempts-1)))
	delay = min(delay, p.cfg.RetryMaxDelay)
	if half := int64(delay / 2); half > 0 {
		delay += time.Duration(rand.Int63n(half)) - delay/4
	}
	return delay
}

func strPtr(s string) *string { return &s }
