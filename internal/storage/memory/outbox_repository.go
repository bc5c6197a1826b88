package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// outboxRecord хранит сообщение и служебные поля для in-memory реализации.
type outboxRecord struct {
	msg        domain.OutboxMessage
	status     string
	attemptCnt int
	seq        int64
	updatedAt  time.Time
}

type outboxRepository struct {
	s  *Store
	tx *memTx
}

// Enqueue сохраняет событие со статусом `pending`.
func (r *outboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	err := r.s.exec(r.tx, func(tx *memTx) error {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = tx.s.now()
		}
		msg.Payload = append([]byte(nil), msg.Payload...)

		prevSeq := tx.s.outboxSeq
		tx.undo = append(tx.undo, func() { tx.s.outboxSeq = prevSeq })
		tx.s.outboxSeq++

		remember(tx, tx.s.outbox, msg.ID)
		tx.s.outbox[msg.ID] = outboxRecord{
			msg:       msg,
			status:    domain.OutboxStatusPending,
			seq:       tx.s.outboxSeq,
			updatedAt: msg.CreatedAt,
		}
		return nil
	})
	return msg, err
}

// PullPending возвращает до limit сообщений `pending` в порядке постановки.
func (r *outboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	var pending []outboxRecord
	err := r.s.exec(r.tx, func(tx *memTx) error {
		for _, rec := range tx.s.outbox {
			if rec.status == domain.OutboxStatusPending {
				pending = append(pending, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	if len(pending) > limit {
		pending = pending[:limit]
	}

	result := make([]domain.OutboxMessage, 0, len(pending))
	for _, rec := range pending {
		result = append(result, rec.msg)
	}
	return result, nil
}

func (r *outboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	var stats domain.OutboxStats
	err := r.s.exec(r.tx, func(tx *memTx) error {
		for _, rec := range tx.s.outbox {
			if rec.status == domain.OutboxStatusFailed {
				stats.FailedCount++
			}
			if rec.status != domain.OutboxStatusPending {
				continue
			}
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || rec.msg.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = rec.msg.CreatedAt
			}
		}
		return nil
	})
	return stats, err
}

// MarkSent обновляет статус события после успешной публикации.
func (r *outboxRepository) MarkSent(_ context.Context, id string) error {
	return r.mark(id, domain.OutboxStatusSent)
}

// MarkFailed фиксирует ошибку публикации. Отметить можно только pending-сообщение.
func (r *outboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.mark(id, domain.OutboxStatusFailed)
}

func (r *outboxRepository) mark(id, status string) error {
	return r.s.exec(r.tx, func(tx *memTx) error {
		rec, ok := tx.s.outbox[id]
		if !ok || rec.status != domain.OutboxStatusPending {
			return domain.ErrOutboxPublish
		}
		remember(tx, tx.s.outbox, id)
		rec.status = status
		rec.attemptCnt++
		rec.updatedAt = tx.s.now()
		tx.s.outbox[id] = rec
		return nil
	})
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
