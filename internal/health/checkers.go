package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger описывает минимальный интерфейс *sql.DB для проверки соединения.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// MetadataRefresher описывает минимальный интерфейс sarama.Client для проверки брокеров.
type MetadataRefresher interface {
	RefreshMetadata(topics ...string) error
	Closed() bool
}

// NewPostgresChecker проверяет доступность Postgres.
func NewPostgresChecker(db Pinger) Checker {
	return NewFuncChecker("postgres", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
}

// NewRedisChecker проверяет доступность Redis.
func NewRedisChecker(client redis.UniversalClient) Checker {
	return NewFuncChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// NewKafkaChecker проверяет метаданные topics. Kafka не блокирует коммит заказов:
// события копятся в outbox, поэтому проверка некритичная.
func NewKafkaChecker(client MetadataRefresher, topics ...string) Checker {
	return NewOptionalChecker("kafka", func(context.Context) error {
		if client.Closed() {
			return errors.New("kafka client is closed")
		}
		return client.RefreshMetadata(topics...)
	})
}

// OldestFunc возвращает время самой старой необработанной записи очереди
// (нулевое время означает пустую очередь).
type OldestFunc func(ctx context.Context) (time.Time, error)

// NewBacklogChecker следит за отставанием фоновой очереди (outbox, истечение резервов).
// Отставание больше maxLag переводит сервис в degraded, но не снимает готовность.
func NewBacklogChecker(name string, oldest OldestFunc, maxLag time.Duration) Checker {
	return NewOptionalChecker(name, func(ctx context.Context) error {
		at, err := oldest(ctx)
		if err != nil {
			return err
		}
		if at.IsZero() {
			return nil
		}
		if lag := time.Since(at); lag > maxLag {
			return fmt.Errorf("%s lags by %s (limit %s)", name, lag.Truncate(time.Second), maxLag)
		}
		return nil
	})
}
