package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type expiryJobRepository struct {
	s  *Store
	tx *memTx
}

func (r *expiryJobRepository) Schedule(_ context.Context, orderID string, runAt time.Time) (bool, error) {
	created := false
	err := r.s.exec(r.tx, func(tx *memTx) error {
		if _, exists := tx.s.jobs[orderID]; exists {
			return nil
		}
		remember(tx, tx.s.jobs, orderID)
		tx.s.jobs[orderID] = domain.ExpiryJob{
			OrderID:   orderID,
			RunAt:     runAt,
			CreatedAt: tx.s.now(),
		}
		created = true
		return nil
	})
	return created, err
}

func (r *expiryJobRepository) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]domain.ExpiryJob, error) {
	if limit <= 0 {
		limit = 100
	}

	var claimed []domain.ExpiryJob
	err := r.s.exec(r.tx, func(tx *memTx) error {
		due := make([]domain.ExpiryJob, 0)
		for _, job := range tx.s.jobs {
			if !job.CompletedAt.IsZero() || job.RunAt.After(now) {
				continue
			}
			if !job.LeaseUntil.IsZero() && job.LeaseUntil.After(now) {
				continue
			}
			due = append(due, job)
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].RunAt.Equal(due[j].RunAt) {
				return due[i].OrderID < due[j].OrderID
			}
			return due[i].RunAt.Before(due[j].RunAt)
		})
		if len(due) > limit {
			due = due[:limit]
		}

		for _, job := range due {
			remember(tx, tx.s.jobs, job.OrderID)
			job.Attempts++
			job.LeaseUntil = now.Add(lease)
			tx.s.jobs[job.OrderID] = job
			claimed = append(claimed, job)
		}
		return nil
	})
	return claimed, err
}

func (r *expiryJobRepository) Complete(_ context.Context, orderID string, at time.Time) error {
	return r.s.exec(r.tx, func(tx *memTx) error {
		job, ok := tx.s.jobs[orderID]
		if !ok {
			return domain.ErrExpiryJobNotFound
		}
		if !job.CompletedAt.IsZero() {
			return nil
		}
		remember(tx, tx.s.jobs, orderID)
		job.CompletedAt = at
		job.LeaseUntil = time.Time{}
		tx.s.jobs[orderID] = job
		return nil
	})
}

func (r *expiryJobRepository) Retry(_ context.Context, orderID string, runAt time.Time, reason string) error {
	return r.s.exec(r.tx, func(tx *memTx) error {
		job, ok := tx.s.jobs[orderID]
		if !ok {
			return domain.ErrExpiryJobNotFound
		}
		remember(tx, tx.s.jobs, orderID)
		job.RunAt = runAt
		job.LeaseUntil = time.Time{}
		job.LastError = reason
		tx.s.jobs[orderID] = job
		return nil
	})
}

func (r *expiryJobRepository) Get(_ context.Context, orderID string) (domain.ExpiryJob, error) {
	var job domain.ExpiryJob
	err := r.s.exec(r.tx, func(tx *memTx) error {
		stored, ok := tx.s.jobs[orderID]
		if !ok {
			return domain.ErrExpiryJobNotFound
		}
		job = stored
		return nil
	})
	return job, err
}

func (r *expiryJobRepository) Stats(_ context.Context) (domain.ExpiryStats, error) {
	var stats domain.ExpiryStats
	err := r.s.exec(r.tx, func(tx *memTx) error {
		for _, job := range tx.s.jobs {
			if !job.CompletedAt.IsZero() {
				continue
			}
			stats.PendingCount++
			if stats.OldestRunAt.IsZero() || job.RunAt.Before(stats.OldestRunAt) {
				stats.OldestRunAt = job.RunAt
			}
		}
		return nil
	})
	return stats, err
}

func (r *expiryJobRepository) PurgeCompleted(_ context.Context, before time.Time, limit int) (int, error) {
	purged := 0
	err := r.s.exec(r.tx, func(tx *memTx) error {
		done := make([]domain.ExpiryJob, 0)
		for _, job := range tx.s.jobs {
			if !job.CompletedAt.IsZero() && !job.CompletedAt.After(before) {
				done = append(done, job)
			}
		}
		sort.Slice(done, func(i, j int) bool { return done[i].CompletedAt.Before(done[j].CompletedAt) })
		if limit > 0 && len(done) > limit {
			done = done[:limit]
		}
		for _, job := range done {
			remember(tx, tx.s.jobs, job.OrderID)
			delete(tx.s.jobs, job.OrderID)
		}
		purged = len(done)
		return nil
	})
	return purged, err
}

var _ domain.ExpiryJobRepository = (*expiryJobRepository)(nil)
