package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/repository"
)

type ScheduleRepository struct {
	mu        sync.Mutex
	schedules map[string]*domain.Schedule
	queue     repository.Queue
	now       func() time.Time
}

// NewScheduleRepository fires schedules into the given queue, so dedup on
// an in-flight previous run works the same as in the postgres backend.
func NewScheduleRepository(queue repository.Queue) *ScheduleRepository {
	return &ScheduleRepository{
		schedules: make(map[string]*domain.Schedule),
		queue:     queue,
		now:       time.Now,
	}
}

func (r *ScheduleRepository) Create(_ context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.schedules {
		if existing.Name == s.Name {
			return nil, domain.ErrScheduleNameConflict
		}
	}

	now := r.now()
	stored := copySchedule(s)
	stored.ID = uuid.NewString()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.schedules[stored.ID] = stored
	return copySchedule(stored), nil
}

func (r *ScheduleRepository) GetByID(_ context.Context, id string) (*domain.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	return copySchedule(s), nil
}

func (r *ScheduleRepository) List(_ context.Context, input repository.ListSchedulesInput) ([]*domain.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*domain.Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		all = append(all, s)
	}
	sort.Slice(all, func(i, k int) bool {
		if !all[i].CreatedAt.Equal(all[k].CreatedAt) {
			return all[i].CreatedAt.After(all[k].CreatedAt)
		}
		return all[i].ID > all[k].ID
	})

	var out []*domain.Schedule
	for _, s := range all {
		if input.CursorTime != nil {
			if s.CreatedAt.After(*input.CursorTime) ||
				(s.CreatedAt.Equal(*input.CursorTime) && s.ID >= input.CursorID) {
				continue
			}
		}
		out = append(out, copySchedule(s))
		if len(out) == input.Limit {
			break
		}
	}
	return out, nil
}

func (r *ScheduleRepository) SetPaused(_ context.Context, id string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	if s.Paused == paused {
		if paused {
			return domain.ErrScheduleAlreadyPaused
		}
		return domain.ErrScheduleNotPaused
	}
	s.Paused = paused
	s.UpdatedAt = r.now()
	return nil
}

func (r *ScheduleRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schedules[id]; !ok {
		return domain.ErrScheduleNotFound
	}
	delete(r.schedules, id)
	return nil
}

func (r *ScheduleRepository) ClaimAndFire(ctx context.Context, limit int, computeNext func(*domain.Schedule) time.Time) ([]*domain.Job, error) {
	r.mu.Lock()
	now := r.now()
	var due []*domain.Schedule
	for _, s := range r.schedules {
		if !s.Paused && !s.NextRunAt.After(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		return due[i].NextRunAt.Before(due[k].NextRunAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	r.mu.Unlock()

	// Enqueue outside the schedule lock; the queue has its own.
	var fired []*domain.Job
	for _, s := range due {
		job, deduped, err := r.queue.Enqueue(ctx, &domain.Job{
			IdempotencyKey: s.Payload.IdempotencyKey(),
			Payload:        s.Payload,
			Priority:       s.Priority,
			MaxAttempts:    s.MaxAttempts,
		})
		if err != nil {
			return fired, err
		}
		if !deduped {
			fired = append(fired, job)
		}

		r.mu.Lock()
		if cur, ok := r.schedules[s.ID]; ok {
			lastRun := now
			cur.NextRunAt = computeNext(cur)
			cur.LastRunAt = &lastRun
			cur.UpdatedAt = now
		}
		r.mu.Unlock()
	}
	return fired, nil
}

func copySchedule(s *domain.Schedule) *domain.Schedule {
	c := *s
	if s.Payload.Params != nil {
		c.Payload.Params = make(map[string]string, len(s.Payload.Params))
		for k, v := range s.Payload.Params {
			c.Payload.Params[k] = v
		}
	}
	return &c
}
