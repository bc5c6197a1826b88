package kafka

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

var errPublisherNotInitialized = errors.New("kafka outbox publisher is not initialized")

// NewEnvelope упаковывает outbox-сообщение. Невалидный JSON в payload заменяется на null,
// чтобы конверт оставался читаемым для consumer-ов.
func NewEnvelope(event domain.OutboxMessage, publishedAt time.Time) Envelope {
	payload := json.RawMessage(event.Payload)
	if !json.Valid(payload) {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		OccurredAt:    event.CreatedAt,
		PublishedAt:   publishedAt,
	}
}

// Key возвращает ключ партиционирования: заказ, а для событий без агрегата id сообщения.
func (e Envelope) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// Headers позволяют фильтровать и дедуплицировать события, не разбирая тело.
func (e Envelope) Headers() []sarama.RecordHeader {
	headers := []sarama.RecordHeader{{Key: []byte(HeaderEventType), Value: []byte(e.EventType)}}
	if e.ID != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderMessageID), Value: []byte(e.ID)})
	}
	if e.AggregateType != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderAggregateType), Value: []byte(e.AggregateType)})
	}
	return headers
}

// OutboxTopicPublisher отправляет outbox-сообщения заказа в один topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher публикует в topic событий заказа; пустой topic заменяется на TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	return newTopicPublisher(producer, topic, TopicOrderEvents)
}

// NewDLQPublisher публикует сообщения, которые outbox-воркер так и не доставил.
func NewDLQPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	return newTopicPublisher(producer, topic, TopicDeadLetterQueue)
}

func newTopicPublisher(producer *Producer, topic, fallback string) *OutboxTopicPublisher {
	if topic == "" {
		topic = fallback
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}
	envelope := NewEnvelope(event, p.now())
	return p.producer.PublishEvent(p.topic, envelope.Key(), envelope, envelope.Headers()...)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
