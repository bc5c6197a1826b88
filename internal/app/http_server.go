package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
)

const opsReadHeaderTimeout = 5 * time.Second

// newOpsRouter собирает служебный HTTP: метрики и пробы.
func newOpsRouter(healthHandler *healthcheck.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/healthz", healthHandler)
	r.Get("/livez", healthcheck.LivenessHandler)
	r.Get("/readyz", healthHandler.ReadinessHandler)
	return r
}

func newOpsServer(handler http.Handler) lifecycle {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: opsReadHeaderTimeout}
	return lifecycle{
		name:   "ops-http",
		serve:  srv.Serve,
		closed: http.ErrServerClosed,
		stop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				_ = srv.Close()
				return err
			}
			return nil
		},
	}
}
