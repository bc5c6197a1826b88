package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// Topics для Kafka
const (
	TopicOrderEvents       = "checkout.order.events"
	TopicPaymentsConfirmed = "checkout.payments.confirmed"
	TopicDeadLetterQueue   = "checkout.dlq"
)

// Kafka headers для retry логики и маршрутизации
const (
	HeaderEventType     = "x-event-type"
	HeaderMessageID     = "x-message-id"
	HeaderAggregateType = "x-aggregate-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// ErrInvalidPayload: сообщение нельзя разобрать, повтор не поможет.
var ErrInvalidPayload = errors.New("invalid kafka message payload")

// Envelope задаёт формат, в котором outbox-события уходят в topic.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	PublishedAt   time.Time       `json:"published_at"`
}

// PaymentConfirmedEvent приходит от платёжного провайдера после успешного списания.
type PaymentConfirmedEvent struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
}

// ParsePaymentConfirmed разбирает и проверяет подтверждение оплаты.
func ParsePaymentConfirmed(message *sarama.ConsumerMessage) (PaymentConfirmedEvent, error) {
	var event PaymentConfirmedEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return PaymentConfirmedEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	event.OrderID = strings.TrimSpace(event.OrderID)
	event.TransactionID = strings.TrimSpace(event.TransactionID)
	if event.OrderID == "" {
		return PaymentConfirmedEvent{}, fmt.Errorf("%w: order_id is required", ErrInvalidPayload)
	}
	return event, nil
}

// ParseEnvelope парсит outbox-событие из сообщения.
func ParseEnvelope(message *sarama.ConsumerMessage) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return envelope, nil
}

func header(message *sarama.ConsumerMessage, key string) (string, bool) {
	for _, h := range message.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value), true
		}
	}
	return "", false
}
