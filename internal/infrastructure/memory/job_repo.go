// Package memory provides queue implementations for local development and
// tests. Semantics mirror the postgres implementation: same transitions,
// same fencing, one mutex instead of row locks.
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

type JobRepository struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

func NewJobRepository() *JobRepository {
	return &JobRepository{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

func (r *JobRepository) Enqueue(_ context.Context, job *domain.Job) (*domain.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.jobs {
		if existing.IdempotencyKey == job.IdempotencyKey && !existing.Status.Terminal() {
			return copyJob(existing), true, nil
		}
	}

	now := r.now()
	stored := copyJob(job)
	stored.ID = uuid.NewString()
	stored.Status = domain.StatusPending
	stored.Attempts = 0
	stored.NextAttemptAt = now
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.jobs[stored.ID] = stored
	return copyJob(stored), false, nil
}

func (r *JobRepository) Lease(_ context.Context, workerID string, visibilityTimeout time.Duration) (*domain.Job, *domain.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var best *domain.Job
	for _, j := range r.jobs {
		if j.Status != domain.StatusPending || j.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, nil, domain.ErrNoJob
	}

	token := uuid.NewString()
	expiresAt := now.Add(visibilityTimeout)
	best.Status = domain.StatusLeased
	best.Attempts++
	best.LeaseToken = &token
	best.LeasedBy = &workerID
	best.LeaseExpiresAt = &expiresAt
	best.UpdatedAt = now

	lease := &domain.Lease{
		JobID:     best.ID,
		WorkerID:  workerID,
		Token:     token,
		ExpiresAt: expiresAt,
	}
	return copyJob(best), lease, nil
}

// currentLocked returns the job iff the lease token still matches and the
// visibility timeout has not elapsed. Callers hold r.mu.
func (r *JobRepository) currentLocked(lease *domain.Lease) *domain.Job {
	j, ok := r.jobs[lease.JobID]
	if !ok || j.Status != domain.StatusLeased {
		return nil
	}
	if j.LeaseToken == nil || *j.LeaseToken != lease.Token {
		return nil
	}
	if j.LeaseExpiresAt == nil || !r.now().Before(*j.LeaseExpiresAt) {
		return nil
	}
	return j
}

func (r *JobRepository) Ack(_ context.Context, lease *domain.Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := r.currentLocked(lease)
	if j == nil {
		return domain.ErrStaleLease
	}
	now := r.now()
	j.Status = domain.StatusSucceeded
	j.CompletedAt = &now
	clearLease(j)
	j.UpdatedAt = now
	return nil
}

func (r *JobRepository) Fail(_ context.Context, lease *domain.Lease, reason string, retryAt time.Time, permanent bool) (domain.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := r.currentLocked(lease)
	if j == nil {
		return "", domain.ErrStaleLease
	}

	now := r.now()
	if retryAt.IsZero() {
		retryAt = now
	}
	j.LastError = &reason
	clearLease(j)
	j.UpdatedAt = now

	if permanent || j.Attempts >= j.MaxAttempts {
		j.Status = domain.StatusDeadLetter
		j.CompletedAt = &now
	} else {
		j.Status = domain.StatusPending
		j.NextAttemptAt = retryAt
	}
	return j.Status, nil
}

func (r *JobRepository) Cancel(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.StatusPending {
		return domain.ErrNotCancellable
	}
	now := r.now()
	j.Status = domain.StatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (r *JobRepository) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(j), nil
}

func (r *JobRepository) ReclaimExpired(_ context.Context, limit int) (int, []*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var expired []*domain.Job
	for _, j := range r.jobs {
		if j.Status == domain.StatusLeased && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			expired = append(expired, j)
		}
	}
	sort.Slice(expired, func(i, k int) bool {
		return expired[i].LeaseExpiresAt.Before(*expired[k].LeaseExpiresAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}

	var requeued int
	var dead []*domain.Job
	for _, j := range expired {
		clearLease(j)
		j.UpdatedAt = now
		if j.Attempts < j.MaxAttempts {
			reason := "lease expired"
			j.Status = domain.StatusPending
			j.NextAttemptAt = now
			j.LastError = &reason
			requeued++
		} else {
			reason := "lease expired: retry budget exhausted"
			j.Status = domain.StatusDeadLetter
			j.LastError = &reason
			j.CompletedAt = &now
			dead = append(dead, copyJob(j))
		}
	}
	return requeued, dead, nil
}

func (r *JobRepository) Depth(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for _, j := range r.jobs {
		if j.Status == domain.StatusPending {
			n++
		}
	}
	return n, nil
}

func (r *JobRepository) Counts(_ context.Context) (repository.StatusCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(repository.StatusCounts)
	for _, j := range r.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func clearLease(j *domain.Job) {
	j.LeaseToken = nil
	j.LeasedBy = nil
	j.LeaseExpiresAt = nil
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	if j.Payload.Params != nil {
		c.Payload.Params = make(map[string]string, len(j.Payload.Params))
		for k, v := range j.Payload.Params {
			c.Payload.Params[k] = v
		}
	}
	return &c
}
