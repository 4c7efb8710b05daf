// Package usecase holds the application services the transport layer calls
// into. Services validate input, delegate to the queue and cache, and keep
// HTTP concerns out of the storage layer.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/crawlpool/crawlpool/internal/cache"
	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/metrics"
	"github.com/crawlpool/crawlpool/internal/repository"
)

const defaultMaxAttempts = 3

type SubmitJobInput struct {
	Payload     domain.Payload
	Priority    domain.Priority
	MaxAttempts int
}

type JobService struct {
	queue  repository.Queue
	store  cache.Store
	logger *slog.Logger
}

func NewJobService(queue repository.Queue, store cache.Store, logger *slog.Logger) *JobService {
	return &JobService{queue: queue, store: store, logger: logger}
}

// Submit normalizes the payload, derives its idempotency key, and enqueues.
// The returned bool is true when an active duplicate absorbed the
// submission and the returned job is the existing one.
func (s *JobService) Submit(ctx context.Context, in SubmitJobInput) (*domain.Job, bool, error) {
	payload, err := in.Payload.Normalize()
	if err != nil {
		return nil, false, err
	}
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = defaultMaxAttempts
	}

	job, deduped, err := s.queue.Enqueue(ctx, &domain.Job{
		IdempotencyKey: payload.IdempotencyKey(),
		Payload:        payload,
		Priority:       in.Priority,
		MaxAttempts:    in.MaxAttempts,
	})
	if err != nil {
		return nil, false, fmt.Errorf("enqueue job: %w", err)
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(string(payload.Kind), strconv.FormatBool(deduped)).Inc()
	if deduped {
		s.logger.InfoContext(ctx, "submission deduplicated",
			"job_id", job.ID,
			"kind", payload.Kind,
		)
	} else {
		s.logger.InfoContext(ctx, "job enqueued",
			"job_id", job.ID,
			"kind", payload.Kind,
			"priority", job.Priority.String(),
		)
	}
	return job, deduped, nil
}

func (s *JobService) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.queue.GetByID(ctx, id)
}

// Result returns the cached output of a succeeded job. Pending and leased
// jobs report not ready; cancelled, dead-lettered, and cache-expired jobs
// report gone, since re-submitting is the only way to get a result.
func (s *JobService) Result(ctx context.Context, id string) ([]byte, error) {
	job, err := s.queue.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case domain.StatusSucceeded:
	case domain.StatusPending, domain.StatusLeased:
		return nil, domain.ErrResultNotReady
	default:
		return nil, domain.ErrResultGone
	}

	result, err := s.store.Get(ctx, job.IdempotencyKey)
	if errors.Is(err, cache.ErrMiss) {
		return nil, domain.ErrResultGone
	}
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	return result, nil
}

func (s *JobService) Cancel(ctx context.Context, id string) error {
	if err := s.queue.Cancel(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job cancelled", "job_id", id)
	return nil
}

// Stats is the queue snapshot served by the stats endpoint.
type Stats struct {
	Depth  int                     `json:"depth"`
	Counts repository.StatusCounts `json:"counts"`
}

func (s *JobService) Stats(ctx context.Context) (Stats, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue depth: %w", err)
	}
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue counts: %w", err)
	}
	for status, n := range counts {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	return Stats{Depth: depth, Counts: counts}, nil
}

// PublishQueueGauges refreshes the queue depth gauges on an interval so the
// metrics stay live even when nobody calls the stats endpoint.
func (s *JobService) PublishQueueGauges(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Stats(ctx); err != nil {
				s.logger.Warn("refresh queue gauges", "error", err)
			}
		}
	}
}
