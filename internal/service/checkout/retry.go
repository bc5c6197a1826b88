package checkout

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// RetryConfig задаёт повтор транзакций, откаченных из-за сбоя хранилища.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  20 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func (c RetryConfig) attempts() int {
	return max(c.MaxAttempts, 1)
}

// delay возвращает паузу перед повтором после неудачной попытки attempt (с 1).
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for range attempt - 1 {
		if c.MaxDelay > 0 && d >= float64(c.MaxDelay) {
			break
		}
		d *= c.BackoffFactor
	}
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// retrier повторяет атомарную операцию целиком. Бизнес-отказы и ошибки
// валидации возвращаются с первой попытки.
type retrier struct {
	config RetryConfig
	logger *log.Entry
}

func (r retrier) do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	logger := r.logger.WithField("operation", operation)

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		switch {
		case err == nil:
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("operation succeeded after retry")
			}
			return nil
		case !retryable(err) || attempt >= r.config.attempts():
			return err
		}

		pause := r.config.delay(attempt)
		logger.WithError(err).WithFields(log.Fields{"attempt": attempt, "delay": pause}).Warn("transaction aborted, retrying")
		if !sleepCtx(ctx, pause) {
			return err
		}
	}
}

// retryable: повторяем только откаченные транзакции, но не отмену контекста.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, domain.ErrTransactionAborted)
}

// sleepCtx ждёт d и возвращает false, если ctx отменён раньше.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
