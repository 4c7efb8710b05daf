package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/repository"
)

const jobColumns = `id, idempotency_key, kind, payload, priority, status,
	attempts, max_attempts, next_attempt_at, lease_token, leased_by,
	lease_expires_at, last_error, completed_at, created_at, updated_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Enqueue relies on the partial unique index over idempotency_key for
// non-terminal jobs: a concurrent duplicate submission loses the insert race
// with 23505 and resolves to the winner's row. The winner can reach a
// terminal state between our insert and the lookup; a second insert then
// succeeds because the partial index no longer covers it.
func (r *JobRepository) Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("%w: marshal payload: %v", domain.ErrInvalidPayload, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		created, err := r.insert(ctx, job, payload)
		if err == nil {
			return created, false, nil
		}

		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
			return nil, false, err
		}

		existing, err := r.findActiveByKey(ctx, job.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("enqueue job: duplicate %q kept racing", job.IdempotencyKey)
}

func (r *JobRepository) insert(ctx context.Context, job *domain.Job, payload []byte) (*domain.Job, error) {
	query := fmt.Sprintf(`
		INSERT INTO jobs (
			idempotency_key, kind, payload, priority, status,
			max_attempts, next_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING %s`, jobColumns)

	return scanJob(r.pool.QueryRow(ctx, query,
		job.IdempotencyKey,
		job.Payload.Kind,
		payload,
		job.Priority,
		domain.StatusPending,
		job.MaxAttempts,
	))
}

func (r *JobRepository) findActiveByKey(ctx context.Context, key string) (*domain.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE idempotency_key = $1 AND status IN ('pending', 'leased')`, jobColumns)

	return scanJob(r.pool.QueryRow(ctx, query, key))
}

// Lease claims the best eligible job in one statement. FOR UPDATE SKIP
// LOCKED serializes concurrent workers without blocking them on each other;
// the fresh lease_token fences every later write by this worker.
func (r *JobRepository) Lease(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*domain.Job, *domain.Lease, error) {
	token := uuid.NewString()
	expiresAt := time.Now().Add(visibilityTimeout)

	query := fmt.Sprintf(`
		UPDATE jobs
		SET    status           = 'leased',
		       attempts         = attempts + 1,
		       lease_token      = $1,
		       leased_by        = $2,
		       lease_expires_at = $3,
		       updated_at       = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE  status          = 'pending'
			  AND  next_attempt_at <= NOW()
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, jobColumns)

	job, err := scanJob(r.pool.QueryRow(ctx, query, token, workerID, expiresAt))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, nil, domain.ErrNoJob
		}
		return nil, nil, fmt.Errorf("lease job: %w", err)
	}

	lease := &domain.Lease{
		JobID:     job.ID,
		WorkerID:  workerID,
		Token:     token,
		ExpiresAt: expiresAt,
	}
	return job, lease, nil
}

func (r *JobRepository) Ack(ctx context.Context, lease *domain.Lease) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    status           = 'succeeded',
		       completed_at     = NOW(),
		       lease_token      = NULL,
		       leased_by        = NULL,
		       lease_expires_at = NULL,
		       updated_at       = NOW()
		WHERE  id               = $1
		  AND  lease_token      = $2
		  AND  status           = 'leased'
		  AND  lease_expires_at > NOW()`,
		lease.JobID, lease.Token)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleLease
	}
	return nil
}

func (r *JobRepository) Fail(ctx context.Context, lease *domain.Lease, reason string, retryAt time.Time, permanent bool) (domain.Status, error) {
	if retryAt.IsZero() {
		retryAt = time.Now()
	}

	// attempts was already incremented at lease time, so the budget is
	// spent once attempts reaches max_attempts.
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET    status = CASE WHEN $3::bool OR attempts >= max_attempts
		                     THEN 'dead_letter' ELSE 'pending' END,
		       next_attempt_at  = $4,
		       last_error       = $5,
		       completed_at     = CASE WHEN $3::bool OR attempts >= max_attempts
		                               THEN NOW() ELSE NULL END,
		       lease_token      = NULL,
		       leased_by        = NULL,
		       lease_expires_at = NULL,
		       updated_at       = NOW()
		WHERE  id               = $1
		  AND  lease_token      = $2
		  AND  status           = 'leased'
		  AND  lease_expires_at > NOW()
		RETURNING status`,
		lease.JobID, lease.Token, permanent, retryAt, reason)

	var status domain.Status
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrStaleLease
		}
		return "", fmt.Errorf("fail job: %w", err)
	}
	return status, nil
}

func (r *JobRepository) Cancel(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE  id = $1 AND status = 'pending'`, jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish not-found from already-left-pending.
		if _, err := r.GetByID(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrNotCancellable
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns)
	return scanJob(r.pool.QueryRow(ctx, query, jobID))
}

// ReclaimExpired is the crash detector: a lease that ran out without an ack
// or fail means the worker died or hung. Attempts are not touched here;
// the increment happened at lease time.
func (r *JobRepository) ReclaimExpired(ctx context.Context, limit int) (int, []*domain.Job, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    status           = 'pending',
		       next_attempt_at  = NOW(),
		       last_error       = 'lease expired',
		       lease_token      = NULL,
		       leased_by        = NULL,
		       lease_expires_at = NULL,
		       updated_at       = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE  status           = 'leased'
			  AND  lease_expires_at < NOW()
			  AND  attempts         < max_attempts
			ORDER BY lease_expires_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)`, limit)
	if err != nil {
		return 0, nil, fmt.Errorf("reclaim expired: %w", err)
	}
	requeued := int(tag.RowsAffected())

	query := fmt.Sprintf(`
		UPDATE jobs
		SET    status           = 'dead_letter',
		       last_error       = 'lease expired: retry budget exhausted',
		       completed_at     = NOW(),
		       lease_token      = NULL,
		       leased_by        = NULL,
		       lease_expires_at = NULL,
		       updated_at       = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE  status           = 'leased'
			  AND  lease_expires_at < NOW()
			  AND  attempts         >= max_attempts
			ORDER BY lease_expires_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, jobColumns)

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return requeued, nil, fmt.Errorf("dead-letter expired: %w", err)
	}
	defer rows.Close()

	var dead []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return requeued, dead, err
		}
		dead = append(dead, j)
	}
	return requeued, dead, rows.Err()
}

func (r *JobRepository) Depth(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func (r *JobRepository) Counts(ctx context.Context) (repository.StatusCounts, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := make(repository.StatusCounts)
	for rows.Next() {
		var s domain.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// pgx.Row and pgx.Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var kind string
	var payload []byte
	err := row.Scan(
		&j.ID, &j.IdempotencyKey, &kind, &payload, &j.Priority, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.NextAttemptAt, &j.LeaseToken, &j.LeasedBy,
		&j.LeaseExpiresAt, &j.LastError, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload for job %s: %w", j.ID, err)
	}
	return &j, nil
}
