// Package app собирает checkout-service из конфига и управляет его жизненным циклом.
package app

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/cart"
	"github.com/vladislavdragonenkov/checkout/internal/service/checkout"
	"github.com/vladislavdragonenkov/checkout/internal/service/expiry"
	grpcsvc "github.com/vladislavdragonenkov/checkout/internal/service/grpc"
	"github.com/vladislavdragonenkov/checkout/internal/service/inventory"
	"github.com/vladislavdragonenkov/checkout/internal/service/outbox"
	"github.com/vladislavdragonenkov/checkout/internal/service/retention"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

// backlogDegradedAfter задаёт отставание outbox или очереди истечения, после которого /healthz отдаёт degraded.
const backlogDegradedAfter = 5 * time.Minute

// Run запускает gRPC API, служебный HTTP и фоновые воркеры и ждёт отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	kafkaRT, err := initKafka(cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("kafka is unavailable, events stay in outbox")
		kafkaRT = nil
	}
	defer closeKafka(kafkaRT, logger)

	reservationMetrics := metrics.NewReservationMetrics()
	inventorySvc := inventory.NewService(deps.store, log.WithField("component", "inventory"))
	if err := seedCatalog(ctx, inventorySvc, cfg.SeedSKUs, logger); err != nil {
		return err
	}

	scheduler := expiry.NewScheduler(deps.store, reservationMetrics, log.WithField("component", "reservation-expiry"))
	carts := cart.NewAggregator(deps.carts, deps.store.Catalog(), log.WithField("component", "cart"))
	checkoutSvc := checkout.NewService(deps.store, scheduler,
		checkout.WithLogger(log.WithField("component", "checkout")),
		checkout.WithMetrics(reservationMetrics),
		checkout.WithCarts(carts),
		checkout.WithReservationTTL(cfg.ReservationTTL),
	)

	api := grpcsvc.NewCheckoutService(grpcsvc.Dependencies{
		Checkout:       checkoutSvc,
		Carts:          carts,
		Inventory:      inventorySvc,
		Idempotency:    deps.idempotencyRepo,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Logger:         log.WithField("component", "checkout-grpc"),
	})
	grpcRT := newGRPCServer(api, logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	if kafkaRT != nil {
		healthHandler.RegisterChecker("kafka", healthcheck.NewKafkaChecker(kafkaRT.client, cfg.KafkaEventsTopic))
		healthHandler.RegisterChecker("outbox_backlog", healthcheck.NewBacklogChecker("outbox_backlog",
			func(ctx context.Context) (time.Time, error) {
				stats, err := deps.store.Outbox().Stats(ctx)
				return stats.OldestPendingAt, err
			}, backlogDegradedAfter))
	}
	healthHandler.RegisterChecker("expiry_backlog", healthcheck.NewBacklogChecker("expiry_backlog",
		func(ctx context.Context) (time.Time, error) {
			stats, err := deps.store.ExpiryJobs().Stats(ctx)
			return stats.OldestRunAt, err
		}, backlogDegradedAfter))

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	opsLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen metrics %s: %w", cfg.MetricsAddr, err)
	}

	expiryWorker := expiry.NewWorker(deps.store.ExpiryJobs(), scheduler,
		expiry.WithLogger(log.WithField("component", "expiry-worker")),
		expiry.WithReservationMetrics(reservationMetrics),
		expiry.WithPollInterval(cfg.ExpiryPollInterval),
		expiry.WithBatchSize(cfg.ExpiryBatchSize),
		expiry.WithLease(cfg.ExpiryLease),
	)
	sweeper := retention.NewSweeper(
		retention.WithLogger(log.WithField("component", "retention-sweeper")),
		retention.WithInterval(cfg.IdempotencyCleanupInterval),
		retention.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		retention.WithIdempotencyKeys(deps.idempotencyRepo),
		retention.WithExpiryJobs(deps.store.ExpiryJobs(), cfg.ExpiryJobRetention),
		retention.WithStockTokens(deps.store.StockTokens(), cfg.StockTokenRetention),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runServer(gctx, grpcLis, grpcRT.lifecycle(), logger) })
	g.Go(func() error { return runServer(gctx, opsLis, newOpsServer(newOpsRouter(healthHandler)), logger) })
	g.Go(func() error {
		expiryWorker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	if kafkaRT != nil {
		outboxWorker := outbox.NewWorker(deps.store.Outbox(), kafkaRT.publisher,
			outbox.WithLogger(log.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(kafkaRT.dlq),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		g.Go(func() error {
			outboxWorker.Run(gctx)
			return nil
		})

		consumer, err := newPaymentConsumer(cfg, kafkaRT, checkoutSvc, logger)
		if err != nil {
			logger.WithError(err).Warn("payment consumer is disabled")
		} else if err := consumer.Start(gctx); err != nil {
			logger.WithError(err).Warn("failed to start payment consumer")
		} else {
			g.Go(func() error {
				<-gctx.Done()
				return consumer.Stop()
			})
		}
	} else {
		logger.Info("kafka is not configured, outbox events are not published")
	}

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// seedCatalog загружает sku из конфига. Остаток уже существующих sku не меняется.
func seedCatalog(ctx context.Context, inventorySvc *inventory.Service, seeds []SeedSKU, logger *log.Entry) error {
	if len(seeds) == 0 {
		return nil
	}
	skus := make([]domain.SKU, 0, len(seeds))
	for _, seed := range seeds {
		skus = append(skus, seed.ToDomain())
	}
	if err := inventorySvc.SeedCatalog(ctx, skus); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	logger.WithField("skus", len(skus)).Info("catalog seeded")
	return nil
}
