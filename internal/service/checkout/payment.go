package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

// ConfirmPayment переводит заказ pending -> paid. Если резерв уже освобождён
// или оплата уже подтверждена, возвращает TransitionAlreadyTerminal без ошибки.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, transactionID string) (domain.TransitionResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return "", domain.ErrOrderIDRequired
	}

	var result domain.TransitionResult
	err := s.retry.do(ctx, "confirm_payment", func(ctx context.Context) error {
		txErr := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			result, err = s.markPaid(ctx, tx, orderID, transactionID, s.now())
			return err
		})
		return classify(txErr)
	})

	entry := s.logger.WithFields(log.Fields{"order_id": orderID, "transaction_id": transactionID})
	if err != nil {
		s.metrics.RecordPaymentConfirmed(metrics.ResultError)
		entry.WithError(err).Warn("payment confirmation failed")
		return "", err
	}

	s.metrics.RecordPaymentConfirmed(string(result))
	if result == domain.TransitionApplied {
		entry.Info("payment confirmed, reservation is permanent")
	} else {
		entry.Info("payment confirmation for already resolved reservation ignored")
	}
	return result, nil
}

// markPaid выполняет условный переход pending -> paid в tx.
func (s *Service) markPaid(ctx context.Context, tx domain.Tx, orderID, transactionID string, at time.Time) (domain.TransitionResult, error) {
	applied, err := tx.Orders().TransitionStatus(ctx, orderID, []domain.OrderStatus{domain.OrderStatusPending}, domain.OrderStatusPaid, at)
	if err != nil {
		return "", err
	}
	if !applied {
		if _, err := tx.Orders().Get(ctx, orderID); err != nil {
			return "", err
		}
		return domain.TransitionAlreadyTerminal, nil
	}

	if _, err := tx.Orders().ConfirmPayments(ctx, orderID, transactionID, at); err != nil {
		return "", fmt.Errorf("confirm payments: %w", err)
	}
	if err := tx.ExpiryJobs().Complete(ctx, orderID, at); err != nil && !errors.Is(err, domain.ErrExpiryJobNotFound) {
		return "", fmt.Errorf("disarm expiry job: %w", err)
	}

	order, err := tx.Orders().Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	event := newOrderEvent(order)
	event.TransactionID = transactionID
	if err := record(ctx, tx, domain.EventOrderPaid, event, at); err != nil {
		return "", err
	}
	return domain.TransitionApplied, nil
}
