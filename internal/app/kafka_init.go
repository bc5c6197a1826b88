package app

import (
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
)

// kafkaRuntime держит producer и клиент метаданных для health check.
type kafkaRuntime struct {
	producer  *kafka.Producer
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	client    sarama.Client
}

// initKafka подключается к брокерам. Пустой список брокеров не ошибка: сервис
// работает без Kafka, события копятся в outbox.
func initKafka(cfg Config, logger *log.Entry) (*kafkaRuntime, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	client, err := sarama.NewClient(cfg.KafkaBrokers, sarama.NewConfig())
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
	return &kafkaRuntime{
		producer:  producer,
		publisher: kafka.NewOutboxPublisher(producer, cfg.KafkaEventsTopic),
		dlq:       kafka.NewDLQPublisher(producer, cfg.KafkaDLQTopic),
		client:    client,
	}, nil
}

// newPaymentConsumer подписывается на подтверждения оплаты.
func newPaymentConsumer(cfg Config, rt *kafkaRuntime, confirmer kafka.PaymentConfirmer, logger *log.Entry) (*kafka.Consumer, error) {
	consumerLogger := logger.WithField("component", "payment-consumer")
	return kafka.NewConsumer(
		cfg.KafkaBrokers,
		cfg.KafkaGroupID,
		[]string{cfg.KafkaPaymentsTopic},
		kafka.NewPaymentHandler(confirmer, consumerLogger),
		kafka.WithConsumerLogger(consumerLogger),
		kafka.WithDLQ(rt.producer, cfg.KafkaDLQTopic),
	)
}

// closeKafka закрывает producer и клиент, если они созданы.
func closeKafka(rt *kafkaRuntime, logger *log.Entry) {
	if rt == nil {
		return
	}
	if rt.client != nil {
		if err := rt.client.Close(); err != nil {
			logger.WithError(err).Warn("failed to close kafka client")
		}
	}
	if rt.producer != nil {
		if err := rt.producer.Close(); err != nil {
			logger.WithError(err).Warn("failed to close kafka producer")
		} else {
			logger.Info("kafka producer closed")
		}
	}
}
