// Package retention удаляет служебные записи с ограниченным сроком жизни:
// idempotency-ключи gRPC, отработанные задачи истечения резерва и токены
// корректировок остатка завершённых заказов.
package retention

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	defaultInterval  = 10 * time.Minute
	defaultBatchSize = 500
)

// Имена целей очистки в логах и метриках.
const (
	TargetIdempotencyKeys = "idempotency_keys"
	TargetExpiryJobs      = "expiry_jobs"
	TargetStockTokens     = "stock_tokens"
)

var (
	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_retention_sweeps_total",
		Help: "Retention sweeps by target and result.",
	}, []string{"target", "result"})
	sweepDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_retention_deleted_total",
		Help: "Records removed by retention sweeps.",
	}, []string{"target"})
)

// DeleteFunc удаляет до limit записей, устаревших к моменту before, и возвращает их число.
type DeleteFunc func(ctx context.Context, before time.Time, limit int) (int, error)

type target struct {
	name      string
	retention time.Duration
	delete    DeleteFunc
}

// Option настраивает Sweeper.
type Option func(*Sweeper)

func WithLogger(logger *log.Entry) Option {
	return func(s *Sweeper) { s.logger = logger }
}

func WithInterval(interval time.Duration) Option {
	return func(s *Sweeper) { s.interval = interval }
}

// WithBatchSize ограничивает одно удаление, чтобы не держать долгие блокировки.
func WithBatchSize(size int) Option {
	return func(s *Sweeper) { s.batchSize = size }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithIdempotencyKeys удаляет ключи с истёкшим ttl_at.
func WithIdempotencyKeys(repo domain.IdempotencyRepository) Option {
	return func(s *Sweeper) {
		if repo == nil {
			return
		}
		s.targets = append(s.targets, target{
			name: TargetIdempotencyKeys,
			delete: func(_ context.Context, before time.Time, limit int) (int, error) {
				return repo.DeleteExpired(before, limit)
			},
		})
	}
}

// WithExpiryJobs удаляет отработанные задачи истечения старше keep. Взведённые задачи не трогаются.
func WithExpiryJobs(jobs domain.ExpiryJobRepository, keep time.Duration) Option {
	return func(s *Sweeper) {
		if jobs == nil {
			return
		}
		s.targets = append(s.targets, target{
			name:      TargetExpiryJobs,
			retention: max(keep, 0),
			delete:    jobs.PurgeCompleted,
		})
	}
}

// WithStockTokens удаляет токены stock ledger заказов, завершённых раньше keep.
func WithStockTokens(tokens domain.StockTokenPurger, keep time.Duration) Option {
	return func(s *Sweeper) {
		if tokens == nil {
			return
		}
		s.targets = append(s.targets, target{
			name:      TargetStockTokens,
			retention: max(keep, 0),
			delete:    tokens.PurgeSettledTokens,
		})
	}
}

// Sweeper периодически проходит по целям очистки.
type Sweeper struct {
	targets   []target
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewSweeper(opts ...Option) *Sweeper {
	s := &Sweeper{
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "retention-sweeper")
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Run чистит сразу и затем раз в interval до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if len(s.targets) == 0 {
		s.logger.Warn("retention sweeper disabled: no targets")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce проходит по всем целям и возвращает число удалённых записей по каждой.
// Ошибка одной цели не мешает остальным.
func (s *Sweeper) SweepOnce(ctx context.Context) map[string]int {
	now := s.now()
	deleted := make(map[string]int, len(s.targets))
	for _, t := range s.targets {
		n, err := s.drain(ctx, t, now.Add(-t.retention))
		deleted[t.name] += n
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return deleted
		}

		entry := s.logger.WithFields(log.Fields{"target": t.name, "deleted": n})
		if err != nil {
			sweepRuns.WithLabelValues(t.name, "error").Inc()
			entry.WithError(err).Warn("retention sweep failed")
			continue
		}
		sweepRuns.WithLabelValues(t.name, "ok").Inc()
		if n > 0 {
			entry.Info("retention sweep removed records")
		}
	}
	return deleted
}

// drain удаляет порциями, пока порция заполняется целиком.
func (s *Sweeper) drain(ctx context.Context, t target, before time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := t.delete(ctx, before, s.batchSize)
		if err != nil {
			return total, err
		}
		total += n
		sweepDeleted.WithLabelValues(t.name).Add(float64(n))
		if n < s.batchSize {
			return total, nil
		}
	}
}
