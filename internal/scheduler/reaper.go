package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/crawlpool/crawlpool/internal/metrics"
	"github.com/crawlpool/crawlpool/internal/notify"
	"github.com/crawlpool/crawlpool/internal/repository"
)

// Reaper periodically sweeps jobs whose lease expired without an ack or a
// fail. Jobs with budget left go back to pending; jobs out of budget go to
// the dead letter. The late worker's fencing token is invalidated either
// way, so a stale ack cannot clobber the reclaim.
type Reaper struct {
	queue    repository.Queue
	notifier notify.Sender
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

func NewReaper(queue repository.Queue, notifier notify.Sender, logger *slog.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		queue:    queue,
		notifier: notifier,
		logger:   logger,
		interval: interval,
		batch:    100,
	}
}

// Start blocks until ctx finishes.
func (r *Reaper) Start(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper shut down")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	requeued, deadLettered, err := r.queue.ReclaimExpired(ctx, r.batch)
	if err != nil {
		r.logger.Error("reclaim expired leases", "error", err)
		return
	}
	if requeued == 0 && len(deadLettered) == 0 {
		return
	}

	metrics.ReaperReclaimedTotal.WithLabelValues("requeued").Add(float64(requeued))
	metrics.ReaperReclaimedTotal.WithLabelValues("dead_letter").Add(float64(len(deadLettered)))
	r.logger.Warn("reclaimed expired leases",
		"requeued", requeued,
		"dead_lettered", len(deadLettered),
	)

	if r.notifier == nil {
		return
	}
	for _, job := range deadLettered {
		r.notifier.DeadLetter(ctx, job)
	}
}
