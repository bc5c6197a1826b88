package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
	"github.com/vladislavdragonenkov/checkout/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/checkout/internal/storage/redis"
)

// backingStore описывает общий набор методов memory.Store и postgres.Store, нужный приложению.
type backingStore interface {
	domain.Store
	Catalog() domain.CatalogRepository
	ExpiryJobs() domain.ExpiryJobRepository
	StockTokens() domain.StockTokenPurger
	Outbox() domain.OutboxRepository
	Carts() domain.CartRepository
}

// runtimeDependencies хранит хранилища и проверки здоровья, выбранные по конфигу.
type runtimeDependencies struct {
	store           backingStore
	carts           domain.CartRepository
	idempotencyRepo domain.IdempotencyRepository
	checkers        map[string]healthcheck.Checker
	closers         []func() error
}

// Close освобождает подключения в обратном порядке.
func (d *runtimeDependencies) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилище заказов и хранилище корзин.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{checkers: make(map[string]healthcheck.Checker)}

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		deps.store = memory.NewStore()
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxConns(cfg.PostgresMaxConns))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = deps.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
		}
		deps.store = store
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		deps.checkers["postgres"] = healthcheck.NewPostgresChecker(store.DB())
		logger.Info("using postgres storage")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	switch cfg.CartDriver {
	case CartDriverStore, "":
		deps.carts = deps.store.Carts()
	case CartDriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		deps.closers = append(deps.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = deps.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		deps.carts = redisstore.NewCartRepository(client, redisstore.WithTTL(cfg.CartTTL))
		deps.checkers["redis"] = healthcheck.NewRedisChecker(client)
		logger.WithField("addr", cfg.RedisAddr).Info("using redis carts")
	default:
		_ = deps.Close()
		return nil, fmt.Errorf("unsupported cart driver %q", cfg.CartDriver)
	}

	return deps, nil
}
