package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/checkout/internal/service/outbox"
)

// errNotReplayable: сообщение в DLQ не похоже ни на один известный формат.
var errNotReplayable = errors.New("message is not a known dead letter")

type replayMessage struct {
	topic     string
	key       string
	eventType string
	value     []byte
}

func (m replayMessage) headers() []sarama.RecordHeader {
	if m.eventType == "" {
		return nil
	}
	return []sarama.RecordHeader{{Key: []byte(kafka.HeaderEventType), Value: []byte(m.eventType)}}
}

// decodeDeadLetter разбирает сообщение DLQ. Поддерживаются два формата:
// kafka.DeadMessage от consumer-а подтверждений оплаты и outbox.DeadLetter,
// упакованный outbox-воркером в kafka.Envelope.
func decodeDeadLetter(msg *sarama.ConsumerMessage, eventsTopic string, now time.Time) (replayMessage, error) {
	var dead kafka.DeadMessage
	if err := json.Unmarshal(msg.Value, &dead); err == nil && dead.OriginalValue != "" {
		topic := strings.TrimSpace(dead.OriginalTopic)
		if topic == "" {
			return replayMessage{}, fmt.Errorf("dead message at offset %d has no original topic", msg.Offset)
		}
		return replayMessage{
			topic: topic,
			key:   dead.OriginalKey,
			value: []byte(dead.OriginalValue),
		}, nil
	}

	var envelope kafka.Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayMessage{}, errNotReplayable
	}

	var letter outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &letter); err != nil {
		return replayMessage{}, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(letter.Payload) == 0 || string(letter.Payload) == "null" {
		return replayMessage{}, errors.New("outbox dead letter has no original payload")
	}

	replay := kafka.Envelope{
		ID:            firstNonEmpty(letter.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(letter.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(letter.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(letter.EventType, envelope.EventType),
		Payload:       letter.Payload,
		OccurredAt:    envelope.OccurredAt,
		PublishedAt:   now.UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return replayMessage{}, fmt.Errorf("encode replay envelope: %w", err)
	}

	return replayMessage{
		topic:     eventsTopic,
		key:       replay.Key(),
		eventType: replay.EventType,
		value:     encoded,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
