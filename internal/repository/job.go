package repository

import (
	"context"
	"time"

	"github.com/crawlpool/crawlpool/internal/domain"
)

// StatusCounts is the queue's scaling/observability signal: jobs per status.
type StatusCounts map[domain.Status]int

// Queue owns every Job and Lease state transition. Workers never mutate job
// state directly; they request transitions here, fenced by the lease token.
// Usecases and the worker pool depend on this interface, not on a backend,
// so the Postgres and in-memory implementations are interchangeable.
type Queue interface {
	// Enqueue creates a pending job, or returns the existing job when a
	// non-terminal one already carries the same idempotency key.
	// The bool reports whether the submission was deduplicated.
	Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, bool, error)

	// Lease atomically claims the highest-priority eligible pending job
	// (FIFO within a tier), marks it leased, increments its attempt count
	// and issues a fresh fencing token. Returns domain.ErrNoJob when idle.
	Lease(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*domain.Job, *domain.Lease, error)

	// Ack marks the leased job succeeded. domain.ErrStaleLease when the
	// token no longer matches or the lease expired.
	Ack(ctx context.Context, lease *domain.Lease) error

	// Fail records a failed attempt. While attempts remain and the failure
	// is not permanent the job returns to pending, eligible at retryAt
	// (zero = immediately); otherwise it dead-letters. Returns the
	// resulting status.
	Fail(ctx context.Context, lease *domain.Lease, reason string, retryAt time.Time, permanent bool) (domain.Status, error)

	// Cancel transitions a pending job to cancelled. Leased or terminal
	// jobs return domain.ErrNotCancellable.
	Cancel(ctx context.Context, jobID string) error

	GetByID(ctx context.Context, jobID string) (*domain.Job, error)

	// ReclaimExpired requeues (or dead-letters, when the retry budget is
	// spent) jobs whose lease expired without an ack or fail. Returns the
	// dead-lettered jobs so callers can alert on them.
	ReclaimExpired(ctx context.Context, limit int) (requeued int, deadLettered []*domain.Job, err error)

	// Depth is the number of pending jobs, the autoscaler's queue signal.
	Depth(ctx context.Context) (int, error)

	Counts(ctx context.Context) (StatusCounts, error)
}
