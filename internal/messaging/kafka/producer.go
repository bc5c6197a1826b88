package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "checkout-service"

// ProducerOption настраивает sarama-конфиг producer-а.
type ProducerOption func(*sarama.Config)

// WithClientID задаёт client.id, под которым producer виден брокерам.
func WithClientID(id string) ProducerOption {
	return func(cfg *sarama.Config) {
		if id != "" {
			cfg.ClientID = id
		}
	}
}

// WithSendRetries задаёт число повторов отправки внутри sarama.
func WithSendRetries(n int) ProducerOption {
	return func(cfg *sarama.Config) {
		if n >= 0 {
			cfg.Producer.Retry.Max = n
		}
	}
}

// newProducerConfig собирает конфиг идемпотентного producer-а. Hash-партиционер
// по ключу держит события одного заказа в одной partition.
func newProducerConfig(opts ...ProducerOption) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = defaultClientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Producer публикует события checkout-сервиса синхронно.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string, opts ...ProducerOption) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig(opts...))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerFromSync(producer, nil), nil
}

// NewProducerFromSync оборачивает готовый SyncProducer.
func NewProducerFromSync(producer sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{producer: producer, logger: logger}
}

// PublishEvent сериализует event в JSON и публикует в topic.
func (p *Producer) PublishEvent(topic string, key string, event any, headers ...sarama.RecordHeader) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %T for %s: %w", event, topic, err)
	}
	return p.PublishRaw(topic, key, value, headers...)
}

// PublishRaw публикует готовое тело сообщения и ждёт подтверждения всех реплик.
func (p *Producer) PublishRaw(topic string, key string, value []byte, headers ...sarama.RecordHeader) error {
	entry := p.logger.WithFields(log.Fields{"topic": topic, "key": key})

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		entry.WithError(err).Warn("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}

	entry.WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("kafka message sent")
	return nil
}

// Close закрывает producer.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
