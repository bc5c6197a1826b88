package app

import (
	"context"
	"errors"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	checkoutv1 "github.com/vladislavdragonenkov/checkout/api/checkout/v1"
	grpcsvc "github.com/vladislavdragonenkov/checkout/internal/service/grpc"
)

// grpcRuntime держит gRPC сервер вместе с его health-сервисом.
type grpcRuntime struct {
	server *grpc.Server
	health *health.Server
}

// newGRPCServer регистрирует CheckoutService, grpc health и серверные метрики.
func newGRPCServer(api checkoutv1.CheckoutServiceServer, logger *log.Entry) *grpcRuntime {
	metrics := serverMetrics(logger)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		metrics.UnaryServerInterceptor(),
		grpcsvc.UnaryServerInterceptor(logger.WithField("layer", "grpc")),
	))
	checkoutv1.RegisterCheckoutServiceServer(server, api)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	for _, service := range []string{"", checkoutv1.ServiceName} {
		hs.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	}

	metrics.InitializeMetrics(server)
	return &grpcRuntime{server: server, health: hs}
}

// serverMetrics переиспользует уже зарегистрированный коллектор: в тестах
// сервер собирается несколько раз в одном процессе.
func serverMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	metrics := promgrpc.NewServerMetrics()
	err := prometheus.Register(metrics)
	if err == nil {
		return metrics
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(*promgrpc.ServerMetrics); ok {
			return existing
		}
	}
	logger.WithError(err).Warn("failed to register grpc metrics")
	return metrics
}

// lifecycle переводит health в NOT_SERVING и ждёт GracefulStop до отмены ctx.
func (rt *grpcRuntime) lifecycle() lifecycle {
	return lifecycle{
		name:   "grpc",
		serve:  rt.server.Serve,
		closed: grpc.ErrServerStopped,
		stop: func(ctx context.Context) error {
			rt.health.Shutdown()

			stopped := make(chan struct{})
			go func() {
				rt.server.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
				return nil
			case <-ctx.Done():
				rt.server.Stop()
				return ctx.Err()
			}
		},
	}
}
