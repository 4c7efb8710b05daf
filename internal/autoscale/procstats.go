package autoscale

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/crawlpool/crawlpool/internal/metrics"
)

// ProcStats samples host CPU and this process's memory on an interval and
// exports them as gauges. The autoscaler does not consume these directly;
// they give operators the context to tune JobsPerWorker and the watermarks.
type ProcStats struct {
	logger   *slog.Logger
	interval time.Duration
	proc     *process.Process
}

func NewProcStats(logger *slog.Logger, interval time.Duration) *ProcStats {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process stats unavailable", "error", err)
	}
	return &ProcStats{logger: logger, interval: interval, proc: proc}
}

// Start blocks until ctx finishes.
func (s *ProcStats) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *ProcStats) sample(ctx context.Context) {
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		metrics.ProcessCPUPercent.Set(percents[0])
	}
	if s.proc == nil {
		return
	}
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
		metrics.ProcessMemoryBytes.Set(float64(mem.RSS))
	}
}
