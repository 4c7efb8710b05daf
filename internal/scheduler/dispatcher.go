package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/metrics"
	"github.com/crawlpool/crawlpool/internal/repository"
)

// Dispatcher fires due schedules. Each tick claims due rows with row locks,
// enqueues a job per schedule, and advances next_run_at past now, so a
// schedule that was down for hours fires once on recovery instead of
// replaying every missed slot.
type Dispatcher struct {
	schedules repository.ScheduleRepository
	logger    *slog.Logger
	interval  time.Duration
	batch     int
}

func NewDispatcher(schedules repository.ScheduleRepository, logger *slog.Logger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Dispatcher{
		schedules: schedules,
		logger:    logger,
		interval:  interval,
		batch:     50,
	}
}

// Start blocks until ctx finishes.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("schedule dispatcher started", "interval", d.interval)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("schedule dispatcher shut down")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	fired, err := d.schedules.ClaimAndFire(ctx, d.batch, NextRun)
	if err != nil {
		d.logger.Error("claim and fire schedules", "error", err)
		return
	}
	for _, job := range fired {
		metrics.JobsEnqueuedTotal.WithLabelValues(string(job.Payload.Kind), "false").Inc()
		d.logger.Info("schedule fired", "job_id", job.ID, "kind", job.Payload.Kind)
	}
}

// NextRun computes the schedule's next firing strictly after now. Missed
// slots are skipped, not replayed.
func NextRun(s *domain.Schedule) time.Time {
	spec, err := cron.ParseStandard(s.CronExpr)
	if err != nil {
		// Expressions are validated at create time; an unparseable row is
		// corrupt, so push it a day out instead of hot-looping on it.
		return time.Now().Add(24 * time.Hour)
	}
	return spec.Next(time.Now())
}
