package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/repository"
)

type CreateScheduleInput struct {
	Name        string
	CronExpr    string
	Payload     domain.Payload
	Priority    domain.Priority
	MaxAttempts int
}

type ScheduleService struct {
	schedules repository.ScheduleRepository
	logger    *slog.Logger
}

func NewScheduleService(schedules repository.ScheduleRepository, logger *slog.Logger) *ScheduleService {
	return &ScheduleService{schedules: schedules, logger: logger}
}

// Create validates the cron expression and payload up front, so the
// dispatcher only ever sees rows it can fire.
func (s *ScheduleService) Create(ctx context.Context, in CreateScheduleInput) (*domain.Schedule, error) {
	spec, err := cron.ParseStandard(in.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCronExpr, err)
	}

	payload, err := in.Payload.Normalize()
	if err != nil {
		return nil, err
	}
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = defaultMaxAttempts
	}

	created, err := s.schedules.Create(ctx, &domain.Schedule{
		Name:        in.Name,
		CronExpr:    in.CronExpr,
		Payload:     payload,
		Priority:    in.Priority,
		MaxAttempts: in.MaxAttempts,
		NextRunAt:   spec.Next(time.Now()),
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "schedule created",
		"schedule_id", created.ID,
		"name", created.Name,
		"cron", created.CronExpr,
		"next_run_at", created.NextRunAt,
	)
	return created, nil
}

func (s *ScheduleService) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	return s.schedules.GetByID(ctx, id)
}

func (s *ScheduleService) List(ctx context.Context, in repository.ListSchedulesInput) ([]*domain.Schedule, error) {
	if in.Limit <= 0 || in.Limit > 100 {
		in.Limit = 50
	}
	return s.schedules.List(ctx, in)
}

func (s *ScheduleService) Pause(ctx context.Context, id string) error {
	if err := s.schedules.SetPaused(ctx, id, true); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "schedule paused", "schedule_id", id)
	return nil
}

func (s *ScheduleService) Resume(ctx context.Context, id string) error {
	if err := s.schedules.SetPaused(ctx, id, false); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "schedule resumed", "schedule_id", id)
	return nil
}

func (s *ScheduleService) Delete(ctx context.Context, id string) error {
	if err := s.schedules.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "schedule deleted", "schedule_id", id)
	return nil
}
