package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type timelineRepository struct {
	s  *Store
	tx *memTx
}

// Append добавляет событие в хранилище.
func (r *timelineRepository) Append(_ context.Context, event domain.TimelineEvent) error {
	if strings.TrimSpace(event.OrderID) == "" {
		return domain.ErrOrderIDRequired
	}
	return r.s.exec(r.tx, func(tx *memTx) error {
		if event.Occurred.IsZero() {
			event.Occurred = tx.s.now()
		}
		remember(tx, tx.s.timeline, event.OrderID)

		events := append([]domain.TimelineEvent(nil), tx.s.timeline[event.OrderID]...)
		events = append(events, event)
		sort.SliceStable(events, func(i, j int) bool { return events[i].Occurred.Before(events[j].Occurred) })
		tx.s.timeline[event.OrderID] = events
		return nil
	})
}

// List возвращает события заказа в хронологическом порядке.
func (r *timelineRepository) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	var result []domain.TimelineEvent
	err := r.s.exec(r.tx, func(tx *memTx) error {
		events := tx.s.timeline[orderID]
		result = make([]domain.TimelineEvent, len(events))
		copy(result, events)
		return nil
	})
	return result, err
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
