package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const expiryJobColumns = `order_id, run_at, attempts, lease_until, completed_at, last_error, created_at`

type expiryJobRepository struct {
	q querier
}

func (r *expiryJobRepository) Schedule(ctx context.Context, orderID string, runAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		INSERT INTO reservation_expiry_jobs (order_id, run_at, attempts, last_error, created_at)
		VALUES ($1,$2,0,'',$3)
		ON CONFLICT (order_id) DO NOTHING
	`, orderID, runAt, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("schedule expiry job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClaimDue выставляет lease через FOR UPDATE SKIP LOCKED: несколько воркеров не получат одну задачу.
func (r *expiryJobRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.ExpiryJob, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.q.QueryContext(ctx, `
		UPDATE reservation_expiry_jobs
		SET lease_until = $2,
		    attempts = attempts + 1
		WHERE order_id IN (
			SELECT order_id
			FROM reservation_expiry_jobs
			WHERE completed_at IS NULL
			  AND run_at <= $1
			  AND (lease_until IS NULL OR lease_until <= $1)
			ORDER BY run_at ASC, order_id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+expiryJobColumns,
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due expiry jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.ExpiryJob, 0)
	for rows.Next() {
		job, err := scanExpiryJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed expiry jobs: %w", err)
	}
	return jobs, nil
}

func (r *expiryJobRepository) Complete(ctx context.Context, orderID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE reservation_expiry_jobs
		SET completed_at = COALESCE(completed_at, $2),
		    lease_until = NULL
		WHERE order_id = $1
	`, orderID, at)
	if err != nil {
		return fmt.Errorf("complete expiry job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrExpiryJobNotFound
	}
	return nil
}

func (r *expiryJobRepository) Retry(ctx context.Context, orderID string, runAt time.Time, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE reservation_expiry_jobs
		SET run_at = $2,
		    lease_until = NULL,
		    last_error = $3
		WHERE order_id = $1
	`, orderID, runAt, reason)
	if err != nil {
		return fmt.Errorf("retry expiry job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrExpiryJobNotFound
	}
	return nil
}

func (r *expiryJobRepository) Get(ctx context.Context, orderID string) (domain.ExpiryJob, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.q.QueryRowContext(ctx, `SELECT `+expiryJobColumns+` FROM reservation_expiry_jobs WHERE order_id = $1`, orderID)
	job, err := scanExpiryJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExpiryJob{}, domain.ErrExpiryJobNotFound
	}
	return job, err
}

func (r *expiryJobRepository) Stats(ctx context.Context) (domain.ExpiryStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.ExpiryStats
		oldest sql.NullTime
	)
	if err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(run_at)
		FROM reservation_expiry_jobs
		WHERE completed_at IS NULL
	`).Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.ExpiryStats{}, fmt.Errorf("expiry stats query failed: %w", err)
	}
	if oldest.Valid {
		stats.OldestRunAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *expiryJobRepository) PurgeCompleted(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	res, err := r.q.ExecContext(ctx, `
		DELETE FROM reservation_expiry_jobs
		WHERE order_id IN (
			SELECT order_id
			FROM reservation_expiry_jobs
			WHERE completed_at IS NOT NULL
			  AND completed_at <= $1
			ORDER BY completed_at ASC
			LIMIT $2
		)
	`, before, limitArg)
	if err != nil {
		return 0, fmt.Errorf("purge completed expiry jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

func scanExpiryJob(row rowScanner) (domain.ExpiryJob, error) {
	var (
		job                   domain.ExpiryJob
		leaseUntil, completed sql.NullTime
	)
	if err := row.Scan(
		&job.OrderID, &job.RunAt, &job.Attempts, &leaseUntil, &completed, &job.LastError, &job.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ExpiryJob{}, err
		}
		return domain.ExpiryJob{}, fmt.Errorf("scan expiry job: %w", err)
	}
	job.LeaseUntil = leaseUntil.Time
	job.CompletedAt = completed.Time
	return job, nil
}

var _ domain.ExpiryJobRepository = (*expiryJobRepository)(nil)
