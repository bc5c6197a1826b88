package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries       = 3
	defaultRetryDelay       = 200 * time.Millisecond
	maxRetryDelay           = 5 * time.Second
	defaultConsumerClientID = "checkout-payments-consumer"
)

var consumedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "checkout_kafka_consumed_messages_total",
	Help: "Consumed kafka messages by topic and outcome.",
}, []string{"topic", "result"})

// MessageHandler обрабатывает одно сообщение topic-а.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку обработчика как неповторяемую: сообщение сразу уходит в DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var permanent *permanentError
	return errors.As(err, &permanent)
}

// outcome итог обработки сообщения; от него зависит, сдвигается ли offset.
type outcome string

const (
	outcomeProcessed    outcome = "processed"
	outcomeDeadLettered outcome = "dlq"
	outcomeFailed       outcome = "failed"
)

func (o outcome) commit() bool { return o != outcomeFailed }

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithDLQ включает отправку необработанных сообщений в dead letter topic.
func WithDLQ(producer *Producer, topic string) ConsumerOption {
	return func(c *Consumer) {
		c.dlqProducer = producer
		c.dlqTopic = topic
	}
}

// WithMaxRetries задаёт число повторов обработки одного сообщения.
func WithMaxRetries(maxRetries int) ConsumerOption {
	return func(c *Consumer) { c.maxRetries = max(maxRetries, 0) }
}

// WithRetryDelay задаёт первую паузу между повторами; дальше она удваивается до maxRetryDelay.
func WithRetryDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) { c.retryDelay = max(delay, 0) }
}

// Consumer читает consumer group с повторами и DLQ. Offset сообщения сдвигается
// только после обработки или успешной отправки в DLQ.
type Consumer struct {
	group       sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer
	dlqTopic    string
	maxRetries  int
	retryDelay  time.Duration
	now         func() time.Time
}

func newConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = defaultConsumerClientID
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// NewConsumer создаёт consumer group для topics.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, newConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", groupID, err)
	}
	return newConsumer(group, topics, handler, opts...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:      group,
		topics:     topics,
		handler:    handler,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "kafka-consumer")
	}
	if c.dlqTopic == "" {
		c.dlqTopic = TopicDeadLetterQueue
	}
	return c
}

// Start запускает чтение группы и журналирование её ошибок в фоне.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		// Consume возвращается на каждом rebalance.
		for ctx.Err() == nil {
			err := c.group.Consume(ctx, c.topics, c)
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if err != nil {
				c.logger.WithError(err).Error("consumer group session failed")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			result := c.process(ctx, message)
			consumedMessages.WithLabelValues(message.Topic, string(result)).Inc()
			// Необработанное сообщение не отмечается: группа перечитает его после рестарта.
			if result.commit() {
				session.MarkMessage(message, "")
			}
		}
	}
}

// process вызывает обработчик с повторами и отправляет в DLQ то, что обработать не удалось.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) outcome {
	entry := c.logger.WithFields(log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	})

	err := c.handleWithRetry(ctx, message, entry)
	if err == nil {
		return outcomeProcessed
	}
	if ctx.Err() != nil || c.dlqProducer == nil {
		entry.WithError(err).Error("message processing failed")
		return outcomeFailed
	}

	if dlqErr := c.sendToDLQ(message, err); dlqErr != nil {
		entry.WithError(dlqErr).Error("dlq publish failed, message left uncommitted")
		return outcomeFailed
	}
	entry.WithError(err).Warn("message moved to dlq")
	return outcomeDeadLettered
}

// handleWithRetry учитывает повторы, уже сделанные до переигрывания из DLQ (заголовок x-retry-count).
func (c *Consumer) handleWithRetry(ctx context.Context, message *sarama.ConsumerMessage, entry *log.Entry) error {
	delay := c.retryDelay
	for attempt := retryCount(message); ; attempt++ {
		err := c.handler(ctx, message)
		if err == nil || IsPermanent(err) || attempt >= c.maxRetries || ctx.Err() != nil {
			return err
		}

		consumedMessages.WithLabelValues(message.Topic, "retried").Inc()
		entry.WithError(err).WithField("attempt", attempt+1).Warn("message processing failed, retrying")

		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

func retryCount(message *sarama.ConsumerMessage) int {
	value, ok := header(message, HeaderRetryCount)
	if !ok {
		return 0
	}
	count, err := strconv.Atoi(value)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// DeadMessage тело DLQ-сообщения для входящего сообщения, которое не удалось обработать.
type DeadMessage struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

func newDeadMessage(message *sarama.ConsumerMessage, processingErr error, failedAt time.Time) DeadMessage {
	return DeadMessage{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		FailedAt:          failedAt,
		RetryCount:        retryCount(message),
	}
}

func (d DeadMessage) headers() []sarama.RecordHeader {
	return []sarama.RecordHeader{
		{Key: []byte(HeaderOriginalTopic), Value: []byte(d.OriginalTopic)},
		{Key: []byte(HeaderErrorMessage), Value: []byte(d.ErrorMessage)},
		{Key: []byte(HeaderFailedAt), Value: []byte(d.FailedAt.Format(time.RFC3339))},
	}
}

func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error) error {
	dead := newDeadMessage(message, processingErr, c.now())
	return c.dlqProducer.PublishEvent(c.dlqTopic, dead.OriginalKey, dead, dead.headers()...)
}
