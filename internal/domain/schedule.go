package domain

import (
	"errors"
	"time"
)

var (
	ErrScheduleNotFound      = errors.New("schedule not found")
	ErrInvalidCronExpr       = errors.New("invalid cron expression")
	ErrScheduleAlreadyPaused = errors.New("schedule is already paused")
	ErrScheduleNotPaused     = errors.New("schedule is not paused")
	ErrScheduleNameConflict  = errors.New("schedule with this name already exists")
)

// Schedule fires a recurring job. Each firing goes through the normal
// enqueue path, so submit-time dedup still applies if the previous run of
// the same payload is in flight.
type Schedule struct {
	ID          string
	Name        string
	CronExpr    string
	Payload     Payload
	Priority    Priority
	MaxAttempts int
	Paused      bool
	NextRunAt   time.Time
	LastRunAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
