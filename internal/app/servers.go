package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// lifecycle описывает сервер, который обслуживает listener до остановки.
type lifecycle struct {
	name  string
	serve func(net.Listener) error
	// stop обязан вернуть управление не позже отмены ctx.
	stop func(context.Context) error
	// closed возвращается serve после штатной остановки.
	closed error
}

// runServer обслуживает lis до отмены ctx и затем останавливает сервер,
// давая ему shutdownTimeout на завершение активных запросов.
func runServer(ctx context.Context, lis net.Listener, srv lifecycle, logger *log.Entry) error {
	logger = logger.WithFields(log.Fields{"server": srv.name, "addr": lis.Addr().String()})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.serve(lis) }()
	logger.Info("сервер запущен")

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, srv.closed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", srv.name, err)
	case <-ctx.Done():
	}

	logger.Info("получен сигнал остановки")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.stop(stopCtx); err != nil {
		logger.WithError(err).Warn("сервер остановлен принудительно")
	}
	return nil
}
