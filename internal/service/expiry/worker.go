package expiry

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultLease          = 30 * time.Second
	defaultConcurrency    = 8
	defaultRetryBaseDelay = 1 * time.Second
	defaultMaxRetryDelay  = 5 * time.Minute
)

var (
	expiryFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_expiry_jobs_processed_total",
		Help: "Total number of processed reservation expiry jobs grouped by result.",
	}, []string{"result"})
	expiryPendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_expiry_pending_jobs",
		Help: "Current number of armed reservation expiry jobs.",
	})
	expiryOldestOverdue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_expiry_oldest_overdue_seconds",
		Help: "Seconds since the deadline of the oldest armed expiry job, 0 if none is overdue.",
	})
)

// Firer исполняет освобождение резерва по заказу.
type Firer interface {
	Fire(ctx context.Context, orderID string) (domain.TransitionResult, error)
}

// WorkerOptions задаёт параметры expiry worker.
type WorkerOptions struct {
	Logger         *log.Entry
	Metrics        *metrics.ReservationMetrics
	PollInterval   time.Duration
	BatchSize      int
	Lease          time.Duration
	Concurrency    int
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithReservationMetrics включает обновление gauge открытых резервов.
func WithReservationMetrics(m *metrics.ReservationMetrics) Option {
	return func(opts *WorkerOptions) {
		opts.Metrics = m
	}
}

// WithPollInterval задаёт частоту опроса очереди.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт число задач, забираемых за один цикл.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithLease задаёт время, на которое задача закрепляется за воркером.
func WithLease(lease time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.Lease = lease
	}
}

// WithConcurrency ограничивает число одновременно исполняемых задач.
func WithConcurrency(n int) Option {
	return func(opts *WorkerOptions) {
		opts.Concurrency = n
	}
}

// WithRetryDelays задаёт базовый и максимальный delay повтора неудачной задачи.
func WithRetryDelays(base, maxDelay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.RetryBaseDelay = base
		opts.MaxRetryDelay = maxDelay
	}
}

// Worker забирает наступившие задачи истечения и вызывает Fire.
// Доставка at-least-once: повторный Fire безопасен благодаря условному переходу.
type Worker struct {
	jobs           domain.ExpiryJobRepository
	firer          Firer
	metrics        *metrics.ReservationMetrics
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	lease          time.Duration
	concurrency    int
	retryBaseDelay time.Duration
	maxRetryDelay  time.Duration
	now            func() time.Time
}

// NewWorker создаёт expiry worker.
func NewWorker(jobs domain.ExpiryJobRepository, firer Firer, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		Lease:          defaultLease,
		Concurrency:    defaultConcurrency,
		RetryBaseDelay: defaultRetryBaseDelay,
		MaxRetryDelay:  defaultMaxRetryDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "expiry-worker")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.MaxRetryDelay < opts.RetryBaseDelay {
		opts.MaxRetryDelay = opts.RetryBaseDelay
	}

	return &Worker{
		jobs:           jobs,
		firer:          firer,
		metrics:        opts.Metrics,
		logger:         logger,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		lease:          opts.Lease,
		concurrency:    opts.Concurrency,
		retryBaseDelay: opts.RetryBaseDelay,
		maxRetryDelay:  opts.MaxRetryDelay,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Run опрашивает очередь до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.jobs == nil || w.firer == nil {
		w.logger.Warn("expiry worker is disabled: repo or firer is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один цикл и возвращает число обработанных задач.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	now := w.now()
	jobs, err := w.jobs.ClaimDue(ctx, now, w.lease, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to claim due expiry jobs")
		return 0
	}

	var group errgroup.Group
	group.SetLimit(w.concurrency)
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		group.Go(func() error {
			w.process(ctx, job)
			return nil
		})
	}
	_ = group.Wait()

	w.refreshBacklogMetrics(ctx)
	return len(jobs)
}

func (w *Worker) process(ctx context.Context, job domain.ExpiryJob) {
	entry := w.logger.WithFields(log.Fields{"order_id": job.OrderID, "attempt": job.Attempts})

	result, err := w.firer.Fire(ctx, job.OrderID)
	switch {
	case err == nil:
		expiryFired.WithLabelValues(string(result)).Inc()
	case errors.Is(err, domain.ErrOrderNotFound):
		expiryFired.WithLabelValues("order_not_found").Inc()
		entry.Warn("expiry job refers to unknown order, completing")
	default:
		expiryFired.WithLabelValues("retry").Inc()
		runAt := w.now().Add(w.retryBackoff(job.Attempts))
		entry.WithError(err).WithField("retry_at", runAt).Warn("expiry fire failed, will retry")
		if retryErr := w.jobs.Retry(ctx, job.OrderID, runAt, err.Error()); retryErr != nil {
			entry.WithError(retryErr).Warn("failed to reschedule expiry job, lease will expire")
		}
		return
	}

	if err := w.jobs.Complete(ctx, job.OrderID, w.now()); err != nil && !errors.Is(err, domain.ErrExpiryJobNotFound) {
		entry.WithError(err).Warn("failed to complete expiry job")
	}
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.jobs.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect expiry backlog stats")
		return
	}

	expiryPendingJobs.Set(float64(stats.PendingCount))
	w.metrics.SetOpenReservations(stats.PendingCount)

	if stats.PendingCount == 0 || stats.OldestRunAt.IsZero() {
		expiryOldestOverdue.Set(0)
		return
	}
	overdue := w.now().Sub(stats.OldestRunAt).Seconds()
	if overdue < 0 {
		overdue = 0
	}
	expiryOldestOverdue.Set(overdue)
}

// retryBackoff удваивает задержку с каждой попыткой, не превышая maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}

	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= w.maxRetryDelay/2 {
			return w.maxRetryDelay
		}
		delay *= 2
	}
	if delay > w.maxRetryDelay {
		return w.maxRetryDelay
	}
	return delay
}
