package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// DeadLetter описывает конверт сообщения, не доставленного после всех попыток.
// cmd/dlq-reprocess разбирает его обратно и переигрывает исходное событие.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

// NewDeadLetter заворачивает недоставленное событие в outbox-сообщение для DLQ.
// Идентификатор и агрегат сохраняются, чтобы DLQ партиционировалась так же.
func NewDeadLetter(event domain.OutboxMessage, publishErr error, at time.Time) (domain.OutboxMessage, error) {
	original := json.RawMessage(event.Payload)
	if !json.Valid(original) {
		original = json.RawMessage("null")
	}

	letter := DeadLetter{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        original,
		DLQPublishedAt: at.UTC(),
	}
	if publishErr != nil {
		letter.PublishError = publishErr.Error()
	}

	payload, err := json.Marshal(letter)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal dead letter %s: %w", event.ID, err)
	}
	return domain.OutboxMessage{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		CreatedAt:     at.UTC(),
	}, nil
}
