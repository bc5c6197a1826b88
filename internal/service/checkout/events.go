package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type eventLine struct {
	SKU            string `json:"sku"`
	Qty            int64  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

// orderEvent содержит payload событий заказа в outbox.
type orderEvent struct {
	OrderID         string      `json:"order_id"`
	Number          string      `json:"number"`
	UserID          string      `json:"user_id"`
	Status          string      `json:"status"`
	Currency        string      `json:"currency"`
	TotalMinor      int64       `json:"total_minor"`
	Version         int64       `json:"version"`
	ReserveDeadline *time.Time  `json:"reserve_deadline,omitempty"`
	TransactionID   string      `json:"transaction_id,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	Lines           []eventLine `json:"lines,omitempty"`
}

func newOrderEvent(order domain.Order) orderEvent {
	event := orderEvent{
		OrderID:    order.ID,
		Number:     order.Number,
		UserID:     order.UserID,
		Status:     string(order.Status),
		Currency:   order.Currency,
		TotalMinor: order.TotalMinor,
		Version:    order.Version,
		Lines:      make([]eventLine, 0, len(order.Lines)),
	}
	if !order.ReserveDeadline.IsZero() && order.Status == domain.OrderStatusPending {
		deadline := order.ReserveDeadline
		event.ReserveDeadline = &deadline
	}
	for _, line := range order.Lines {
		event.Lines = append(event.Lines, eventLine{SKU: line.SKU, Qty: line.Qty, UnitPriceMinor: line.UnitPriceMinor})
	}
	return event
}

// record пишет событие в outbox и, если у события есть тип timeline, в timeline той же транзакции.
func record(ctx context.Context, tx domain.Tx, eventType string, event orderEvent, at time.Time) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	if _, err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   event.OrderID,
		EventType:     eventType,
		Payload:       payload,
	}); err != nil {
		return err
	}
	timelineType, ok := domain.TimelineTypeFor(eventType)
	if !ok {
		return nil
	}
	return tx.Timeline().Append(ctx, domain.TimelineEvent{
		OrderID:  event.OrderID,
		Type:     timelineType,
		Reason:   event.Reason,
		Occurred: at,
	})
}
