package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// timelineRepository пишет историю заказа в той же транзакции, что и изменение статуса.
type timelineRepository struct {
	q querier
}

func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if strings.TrimSpace(event.OrderID) == "" {
		return domain.ErrOrderIDRequired
	}
	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO timeline_events (order_id, type, reason, occurred) VALUES ($1, $2, $3, $4)`,
		event.OrderID, event.Type, event.Reason, event.Occurred.UTC())
	if err != nil {
		return fmt.Errorf("append %s event for order %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

// List возвращает события по времени; одинаковое время упорядочивает порядок вставки.
func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx,
		`SELECT type, reason, occurred FROM timeline_events WHERE order_id = $1 ORDER BY occurred, id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("list timeline of order %s: %w", orderID, err)
	}
	defer rows.Close()

	var events []domain.TimelineEvent
	for rows.Next() {
		event := domain.TimelineEvent{OrderID: orderID}
		if err := rows.Scan(&event.Type, &event.Reason, &event.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
