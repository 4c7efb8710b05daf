package repository

import (
	"context"
	"time"

	"github.com/crawlpool/crawlpool/internal/domain"
)

type ListSchedulesInput struct {
	CursorTime *time.Time // nil = first page
	CursorID   string     // used only when CursorTime is non-nil
	Limit      int
}

type ScheduleRepository interface {
	Create(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error)
	GetByID(ctx context.Context, id string) (*domain.Schedule, error)
	List(ctx context.Context, input ListSchedulesInput) ([]*domain.Schedule, error)
	SetPaused(ctx context.Context, id string, paused bool) error
	Delete(ctx context.Context, id string) error

	// ClaimAndFire claims due schedules, enqueues a job for each through
	// the queue (submit-time dedup applies), and advances next_run_at.
	ClaimAndFire(ctx context.Context, limit int, computeNext func(*domain.Schedule) time.Time) ([]*domain.Job, error)
}
