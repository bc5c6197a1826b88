package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	createdAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "order-123" {
			return errors.New("message must be keyed by aggregate id")
		}
		headers := make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		if headers[HeaderEventType] != domain.EventOrderCommitted ||
			headers[HeaderMessageID] != "outbox-1" ||
			headers[HeaderAggregateType] != domain.AggregateOrder {
			return fmt.Errorf("unexpected headers %v", headers)
		}

		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var envelope Envelope
		if err := json.Unmarshal(value, &envelope); err != nil {
			return err
		}
		if envelope.EventType != domain.EventOrderCommitted || !envelope.OccurredAt.Equal(createdAt) {
			return errors.New("unexpected envelope")
		}
		if string(envelope.Payload) != `{"status":"pending"}` {
			return errors.New("unexpected payload " + string(envelope.Payload))
		}
		return nil
	})

	publisher := NewOutboxPublisher(NewProducerFromSync(mockProducer, log.WithField("component", "kafka-outbox-publisher-test")), "")

	err := publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-123",
		EventType:     domain.EventOrderCommitted,
		Payload:       []byte(`{"status":"pending"}`),
		CreatedAt:     createdAt,
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDLQPublisher_DefaultTopic(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicDeadLetterQueue {
			return errors.New("unexpected topic " + msg.Topic)
		}
		return nil
	})

	publisher := NewDLQPublisher(NewProducerFromSync(mockProducer, nil), "")
	if err := publisher.Publish(domain.OutboxMessage{ID: "dlq-1", Payload: []byte("not json")}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(NewProducerFromSync(mockProducer, nil), TopicOrderEvents)

	err := publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-234",
		EventType:     domain.EventOrderPaid,
		Payload:       []byte(`{"status":"paid"}`),
	})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicOrderEvents)
	if err := publisher.Publish(domain.OutboxMessage{ID: "outbox-3"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	publishedAt := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)

	tests := []struct {
		name        string
		event       domain.OutboxMessage
		wantKey     string
		wantPayload string
		wantHeaders int
	}{
		{
			name:        "order event",
			event:       domain.OutboxMessage{ID: "m-1", AggregateType: domain.AggregateOrder, AggregateID: "o-1", EventType: domain.EventOrderPaid, Payload: []byte(`{"a":1}`)},
			wantKey:     "o-1",
			wantPayload: `{"a":1}`,
			wantHeaders: 3,
		},
		{
			name:        "no aggregate falls back to message id",
			event:       domain.OutboxMessage{ID: "m-2", EventType: domain.EventStockRestocked, Payload: []byte(`{}`)},
			wantKey:     "m-2",
			wantPayload: `{}`,
			wantHeaders: 2,
		},
		{
			name:        "broken payload",
			event:       domain.OutboxMessage{ID: "m-3", AggregateID: "o-3", Payload: []byte("{")},
			wantKey:     "o-3",
			wantPayload: "null",
			wantHeaders: 2,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			envelope := NewEnvelope(tc.event, publishedAt)
			if envelope.Key() != tc.wantKey {
				t.Fatalf("key = %q, want %q", envelope.Key(), tc.wantKey)
			}
			if string(envelope.Payload) != tc.wantPayload {
				t.Fatalf("payload = %s, want %s", envelope.Payload, tc.wantPayload)
			}
			if len(envelope.Headers()) != tc.wantHeaders {
				t.Fatalf("headers = %d, want %d", len(envelope.Headers()), tc.wantHeaders)
			}
			if !envelope.PublishedAt.Equal(publishedAt) {
				t.Fatalf("published_at = %s", envelope.PublishedAt)
			}
		})
	}
}
