// Package expiry освобождает неоплаченные резервы по истечении окна оплаты.
package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/inventory"
)

// Scheduler взводит и исполняет отложенное освобождение резерва.
type Scheduler struct {
	store   domain.Store
	metrics *metrics.ReservationMetrics
	logger  *log.Entry
	now     func() time.Time
}

// NewScheduler создаёт планировщик. m может быть nil.
func NewScheduler(store domain.Store, m *metrics.ReservationMetrics, logger *log.Entry) *Scheduler {
	if logger == nil {
		logger = log.WithField("component", "reservation-expiry")
	}
	return &Scheduler{
		store:   store,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Arm ставит задачу освобождения резерва в транзакции коммита.
// Повторный вызов для того же заказа ничего не меняет.
func (s *Scheduler) Arm(ctx context.Context, tx domain.Tx, orderID string, deadline time.Time) error {
	if orderID == "" {
		return domain.ErrOrderIDRequired
	}
	if _, err := tx.ExpiryJobs().Schedule(ctx, orderID, deadline); err != nil {
		return fmt.Errorf("arm expiry for order %s: %w", orderID, err)
	}
	return nil
}

// Fire освобождает резерв, если заказ всё ещё pending. Для уже разрешённого резерва
// возвращает TransitionAlreadyTerminal и ничего не меняет.
func (s *Scheduler) Fire(ctx context.Context, orderID string) (domain.TransitionResult, error) {
	var result domain.TransitionResult
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		result, err = Release(ctx, tx, ReleaseRequest{
			OrderID: orderID,
			Target:  domain.OrderStatusStockReleased,
			Reason:  metrics.ReleaseReasonExpired,
			At:      s.now(),
		})
		return err
	})
	if err != nil {
		return "", err
	}

	entry := s.logger.WithFields(log.Fields{"order_id": orderID, "result": result})
	if result == domain.TransitionApplied {
		s.metrics.RecordReleased(metrics.ReleaseReasonExpired)
		entry.Info("reservation expired, stock released")
	} else {
		entry.Debug("reservation already resolved, expiry skipped")
	}
	return result, nil
}

// ReleaseRequest описывает условный выход заказа из pending с возвратом остатка.
type ReleaseRequest struct {
	OrderID string
	Target  domain.OrderStatus
	Reason  string
	At      time.Time
}

type releasedLine struct {
	SKU string `json:"sku"`
	Qty int64  `json:"qty"`
}

type releasedPayload struct {
	OrderID string         `json:"order_id"`
	Status  string         `json:"status"`
	Reason  string         `json:"reason"`
	Lines   []releasedLine `json:"lines"`
}

// Release выполняет в tx переход pending -> Target и, только если он применился,
// возвращает остаток по всем позициям с токенами release:<order>:<sku>.
// Используется истечением резерва и отменой неоплаченного заказа.
func Release(ctx context.Context, tx domain.Tx, req ReleaseRequest) (domain.TransitionResult, error) {
	if req.OrderID == "" {
		return "", domain.ErrOrderIDRequired
	}
	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}

	applied, err := tx.Orders().TransitionStatus(ctx, req.OrderID, []domain.OrderStatus{domain.OrderStatusPending}, req.Target, req.At)
	if err != nil {
		return "", fmt.Errorf("transition order %s to %s: %w", req.OrderID, req.Target, err)
	}

	// Позиции читаются после перехода: строка заказа уже заблокирована им.
	order, err := tx.Orders().Get(ctx, req.OrderID)
	if err != nil {
		return "", err
	}
	if !applied {
		return domain.TransitionAlreadyTerminal, nil
	}

	if err := inventory.Release(ctx, tx.Ledger(), order.ID, order.Lines); err != nil {
		return "", err
	}
	if err := tx.ExpiryJobs().Complete(ctx, order.ID, req.At); err != nil && !errors.Is(err, domain.ErrExpiryJobNotFound) {
		return "", fmt.Errorf("complete expiry job: %w", err)
	}

	payload := releasedPayload{
		OrderID: order.ID,
		Status:  string(req.Target),
		Reason:  req.Reason,
		Lines:   make([]releasedLine, 0, len(order.Lines)),
	}
	for _, line := range order.Lines {
		payload.Lines = append(payload.Lines, releasedLine{SKU: line.SKU, Qty: line.Qty})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal release event: %w", err)
	}
	if _, err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   order.ID,
		EventType:     domain.EventReservationReleased,
		Payload:       raw,
	}); err != nil {
		return "", err
	}

	if err := tx.Timeline().Append(ctx, domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     domain.TimelineReservationReleased,
		Reason:   req.Reason,
		Occurred: req.At,
	}); err != nil {
		return "", err
	}

	return domain.TransitionApplied, nil
}
