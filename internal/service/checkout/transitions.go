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
	"github.com/vladislavdragonenkov/checkout/internal/service/expiry"
)

// TransitionRequest описывает операторский перевод заказа в другой статус.
type TransitionRequest struct {
	OrderID string
	Target  domain.OrderStatus
	Reason  string
	// Carrier и TrackingNumber учитываются только при отгрузке.
	Carrier        string
	TrackingNumber string
}

// Ship передаёт заказ в доставку.
func (s *Service) Ship(ctx context.Context, orderID, carrier, trackingNumber string) (domain.Order, error) {
	return s.Transition(ctx, TransitionRequest{
		OrderID:        orderID,
		Target:         domain.OrderStatusShipped,
		Carrier:        carrier,
		TrackingNumber: trackingNumber,
	})
}

// Deliver отмечает заказ доставленным.
func (s *Service) Deliver(ctx context.Context, orderID string) (domain.Order, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: domain.OrderStatusDelivered})
}

// Cancel отменяет заказ. Остаток возвращается только при отмене неоплаченного заказа.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (domain.Order, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: domain.OrderStatusCancelled, Reason: reason})
}

// Refund отмечает возврат денег. Остаток не меняется.
func (s *Service) Refund(ctx context.Context, orderID, reason string) (domain.Order, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: domain.OrderStatusRefunded, Reason: reason})
}

// Transition выполняет переход по машине состояний заказа.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (domain.Order, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	switch req.Target {
	case domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled, domain.OrderStatusRefunded:
	default:
		return domain.Order{}, fmt.Errorf("%w: %q is not an operator transition", domain.ErrInvalidTransition, req.Target)
	}

	var (
		order    domain.Order
		released bool
	)
	err := s.retry.do(ctx, "transition", func(ctx context.Context) error {
		txErr := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			order, released, err = s.transitionInTx(ctx, tx, req, s.now())
			return err
		})
		return classify(txErr)
	})
	if err != nil {
		return domain.Order{}, err
	}

	if released {
		s.metrics.RecordReleased(metrics.ReleaseReasonCancelled)
	}
	s.logger.WithFields(log.Fields{
		"order_id":       order.ID,
		"status":         order.Status,
		"stock_released": released,
	}).Info("order status changed")
	return order, nil
}

func (s *Service) transitionInTx(ctx context.Context, tx domain.Tx, req TransitionRequest, at time.Time) (domain.Order, bool, error) {
	if req.Target == domain.OrderStatusCancelled {
		// Неоплаченный заказ отменяется тем же условным переходом, что и истечение.
		result, err := expiry.Release(ctx, tx, expiry.ReleaseRequest{
			OrderID: req.OrderID,
			Target:  domain.OrderStatusCancelled,
			Reason:  cancelReason(req.Reason),
			At:      at,
		})
		if err != nil {
			return domain.Order{}, false, err
		}
		if result == domain.TransitionApplied {
			order, err := tx.Orders().Get(ctx, req.OrderID)
			return order, true, err
		}
	}

	sources := domain.TransitionSources(req.Target)
	if req.Target == domain.OrderStatusCancelled {
		sources = []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusShipped}
	}

	applied, err := tx.Orders().TransitionStatus(ctx, req.OrderID, sources, req.Target, at)
	if err != nil {
		return domain.Order{}, false, err
	}
	order, err := tx.Orders().Get(ctx, req.OrderID)
	if err != nil {
		return domain.Order{}, false, err
	}
	if !applied {
		return domain.Order{}, false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, order.Status, req.Target)
	}

	switch req.Target {
	case domain.OrderStatusShipped:
		order.Shipping.ShippedAt = at
		if req.Carrier != "" {
			order.Shipping.Carrier = req.Carrier
		}
		if req.TrackingNumber != "" {
			order.Shipping.TrackingNumber = req.TrackingNumber
		}
		if err := tx.Orders().UpdateShipping(ctx, order.ID, order.Shipping); err != nil {
			return domain.Order{}, false, err
		}
		// Отгрузка без оплаты тоже закрывает окно резерва.
		if err := tx.ExpiryJobs().Complete(ctx, order.ID, at); err != nil && !errors.Is(err, domain.ErrExpiryJobNotFound) {
			return domain.Order{}, false, err
		}
	case domain.OrderStatusDelivered:
		order.Shipping.DeliveredAt = at
		if err := tx.Orders().UpdateShipping(ctx, order.ID, order.Shipping); err != nil {
			return domain.Order{}, false, err
		}
	}

	event := newOrderEvent(order)
	event.Reason = req.Reason
	if err := record(ctx, tx, domain.EventOrderStatusChanged, event, at); err != nil {
		return domain.Order{}, false, err
	}
	return order, false, nil
}

func cancelReason(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return metrics.ReleaseReasonCancelled
	}
	return reason
}
