package domain

import "time"

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// Статусы записи outbox. failed терминален: такие сообщения переигрываются из DLQ.
const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
	OutboxStatusFailed  = "failed"
)

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	OldestPendingAt time.Time
}

// Типы агрегатов и событий, которые пишутся в outbox вместе с изменением состояния.
const (
	AggregateOrder = "order"
	AggregateSKU   = "sku"

	EventOrderCommitted      = "order.committed"
	EventOrderLinesUpdated   = "order.lines_updated"
	EventOrderPaid           = "order.paid"
	EventReservationReleased = "reservation.released"
	EventOrderStatusChanged  = "order.status_changed"
	EventStockRestocked      = "stock.restocked"
)
