package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/repository"
)

const scheduleColumns = `id, name, cron_expr, kind, payload, priority,
	max_attempts, paused, next_run_at, last_run_at, created_at, updated_at`

type ScheduleRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewScheduleRepository(pool *pgxpool.Pool, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{pool: pool, logger: logger.With("component", "schedule_repo")}
}

func (r *ScheduleRepository) Create(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", domain.ErrInvalidPayload, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO schedules (
			name, cron_expr, kind, payload, priority, max_attempts,
			paused, next_run_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING %s`, scheduleColumns)

	row := r.pool.QueryRow(ctx, query,
		s.Name, s.CronExpr, s.Payload.Kind, payload, s.Priority,
		s.MaxAttempts, s.Paused, s.NextRunAt,
	)

	created, err := scanSchedule(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrScheduleNameConflict
		}
		return nil, err
	}
	return created, nil
}

func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*domain.Schedule, error) {
	query := fmt.Sprintf(`SELECT %s FROM schedules WHERE id = $1`, scheduleColumns)
	return scanSchedule(r.pool.QueryRow(ctx, query, id))
}

func (r *ScheduleRepository) List(ctx context.Context, input repository.ListSchedulesInput) ([]*domain.Schedule, error) {
	args := []any{}
	where := []string{"TRUE"}

	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT %s FROM schedules
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		scheduleColumns, strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *ScheduleRepository) SetPaused(ctx context.Context, id string, paused bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE schedules SET paused = $2, updated_at = NOW()
		 WHERE id = $1 AND paused = $3`,
		id, paused, !paused)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish not-found vs already-in-desired-state
		if _, err := r.GetByID(ctx, id); err != nil {
			return err // ErrScheduleNotFound
		}
		if paused {
			return domain.ErrScheduleAlreadyPaused
		}
		return domain.ErrScheduleNotPaused
	}
	return nil
}

func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

// ClaimAndFire atomically claims due schedules, enqueues a job for each, and
// advances next_run_at. Single transaction, so no partial state on crash.
// A firing whose payload collides with an active job is skipped (the
// previous run is still in flight) but the schedule still advances.
func (r *ScheduleRepository) ClaimAndFire(ctx context.Context, limit int, computeNext func(*domain.Schedule) time.Time) ([]*domain.Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// FOR UPDATE SKIP LOCKED prevents double-firing across replicas.
	query := fmt.Sprintf(`
		SELECT %s FROM schedules
		WHERE next_run_at <= NOW() AND NOT paused
		ORDER BY next_run_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, scheduleColumns)

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim schedules: %w", err)
	}

	var schedules []*domain.Schedule
	for rows.Next() {
		s, scanErr := scanSchedule(rows)
		if scanErr != nil {
			rows.Close()
			err = scanErr
			return nil, err
		}
		schedules = append(schedules, s)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("claim schedules: %w", err)
	}

	var fired []*domain.Job
	for _, s := range schedules {
		job, fireErr := r.fireSchedule(ctx, tx, s)
		if fireErr != nil {
			err = fireErr
			return nil, err
		}
		if job != nil {
			fired = append(fired, job)
		}

		next := computeNext(s)
		if _, err = tx.Exec(ctx, `
			UPDATE schedules
			SET next_run_at = $2, last_run_at = NOW(), updated_at = NOW()
			WHERE id = $1`, s.ID, next); err != nil {
			return nil, fmt.Errorf("advance schedule %s: %w", s.ID, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return fired, nil
}

func (r *ScheduleRepository) fireSchedule(ctx context.Context, tx pgx.Tx, s *domain.Schedule) (*domain.Job, error) {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for schedule %s: %w", s.ID, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO jobs (
			idempotency_key, kind, payload, priority, status,
			max_attempts, next_attempt_at
		) VALUES ($1, $2, $3, $4, 'pending', $5, NOW())
		ON CONFLICT (idempotency_key) WHERE status IN ('pending', 'leased')
		DO NOTHING
		RETURNING %s`, jobColumns)

	job, err := scanJob(tx.QueryRow(ctx, query,
		s.Payload.IdempotencyKey(), s.Payload.Kind, payload, s.Priority, s.MaxAttempts))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			r.logger.Debug("schedule firing deduplicated", "schedule_id", s.ID)
			return nil, nil
		}
		return nil, fmt.Errorf("fire schedule %s: %w", s.ID, err)
	}
	return job, nil
}

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var s domain.Schedule
	var kind string
	var payload []byte
	err := row.Scan(
		&s.ID, &s.Name, &s.CronExpr, &kind, &payload, &s.Priority,
		&s.MaxAttempts, &s.Paused, &s.NextRunAt, &s.LastRunAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	if err := json.Unmarshal(payload, &s.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload for schedule %s: %w", s.ID, err)
	}
	return &s, nil
}
