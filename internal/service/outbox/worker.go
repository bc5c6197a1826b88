// Package outbox доставляет события, записанные в транзакциях заказа, во внешний брокер.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

var (
	outboxPublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_outbox_publish_attempts_total",
		Help: "Outbox publish attempts by result.",
	}, []string{"result"})
	outboxPendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_outbox_pending_records",
		Help: "Pending records in the transactional outbox.",
	})
	outboxFailedRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_outbox_failed_records",
		Help: "Outbox records that exhausted publish attempts.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending outbox record.",
	})
)

// BatchResult итог одного цикла публикации.
type BatchResult struct {
	Sent     int
	Failed   int
	Deferred int
}

// Worker публикует pending-сообщения из outbox в брокер.
// События одного заказа уходят в порядке записи: после сбоя по заказу
// его следующие события в этом цикле откладываются.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlqPublisher   domain.OutboxPublisher
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.normalize()
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: no repository or publisher")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if result := w.ProcessOnce(ctx); result.Failed > 0 {
			w.logger.WithFields(log.Fields{
				"sent":     result.Sent,
				"failed":   result.Failed,
				"deferred": result.Deferred,
			}).Warn("outbox batch finished with failures")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует один батч pending-сообщений.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var result BatchResult
	if ctx.Err() != nil {
		return result
	}
	defer w.refreshBacklogMetrics(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending outbox failed")
		return result
	}

	blocked := make(map[string]bool)
	for _, event := range batch {
		if ctx.Err() != nil {
			break
		}

		aggregate := event.AggregateType + "/" + event.AggregateID
		if blocked[aggregate] {
			outboxPublishAttempts.WithLabelValues("deferred").Inc()
			result.Deferred++
			continue
		}

		if err := w.publishWithRetry(ctx, event); err != nil {
			if ctx.Err() != nil {
				break
			}
			blocked[aggregate] = true
			w.deadLetter(ctx, event, err)
			result.Failed++
			continue
		}

		result.Sent++
		if err := w.repo.MarkSent(ctx, event.ID); err != nil {
			w.logger.WithError(err).WithField("outbox_id", event.ID).Warn("mark outbox sent failed")
		}
	}
	return result
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if lastErr = w.publisher.Publish(event); lastErr == nil {
			outboxPublishAttempts.WithLabelValues("sent").Inc()
			return nil
		}
		outboxPublishAttempts.WithLabelValues("retry_error").Inc()

		if attempt == w.maxAttempts {
			break
		}
		if delay := w.retryBackoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, w.maxAttempts, lastErr)
}

// deadLetter отправляет событие в DLQ (если она настроена) и закрывает запись как failed.
func (w *Worker) deadLetter(ctx context.Context, event domain.OutboxMessage, publishErr error) {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":    event.ID,
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID,
	})
	entry.WithError(publishErr).Error("outbox publish exhausted attempts")
	outboxPublishAttempts.WithLabelValues("failed").Inc()

	if w.dlqPublisher != nil {
		letter, err := NewDeadLetter(event, publishErr, w.now())
		if err == nil {
			err = w.dlqPublisher.Publish(letter)
		}
		if err != nil {
			entry.WithError(err).Warn("dlq publish failed")
			outboxPublishAttempts.WithLabelValues("dlq_failed").Inc()
		}
	}

	if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
		entry.WithError(err).Warn("mark outbox failed failed")
	}
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("outbox stats failed")
		return
	}

	outboxPendingRecords.Set(float64(stats.PendingCount))
	outboxFailedRecords.Set(float64(stats.FailedCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}
	outboxOldestPendingAge.Set(max(w.now().Sub(stats.OldestPendingAt).Seconds(), 0))
}

// retryBackoff удваивает паузу с каждой попыткой, не превышая defaultMaxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt && delay < defaultMaxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, defaultMaxRetryDelay)
}
