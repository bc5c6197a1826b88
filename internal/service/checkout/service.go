// Package checkout коммитит заказы с резервированием остатка и ведёт их жизненный цикл.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/cart"
	"github.com/vladislavdragonenkov/checkout/internal/service/expiry"
	"github.com/vladislavdragonenkov/checkout/internal/service/inventory"
	"github.com/vladislavdragonenkov/checkout/internal/service/reservation"
)

// DefaultReservationTTL задаёт окно оплаты, после которого резерв освобождается.
const DefaultReservationTTL = 10 * time.Minute

const defaultListLimit = 50

// Options задаёт параметры сервиса.
type Options struct {
	Logger         *log.Entry
	Metrics        *metrics.ReservationMetrics
	Carts          *cart.Aggregator
	ReservationTTL time.Duration
	Retry          RetryConfig
}

// Option настраивает Service.
type Option func(*Options)

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики резервирования.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithCarts включает CheckoutCart поверх агрегатора корзин.
func WithCarts(carts *cart.Aggregator) Option {
	return func(opts *Options) {
		opts.Carts = carts
	}
}

// WithReservationTTL задаёт окно оплаты.
func WithReservationTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.ReservationTTL = ttl
	}
}

// WithRetryConfig задаёт повтор откаченных транзакций.
func WithRetryConfig(config RetryConfig) Option {
	return func(opts *Options) {
		opts.Retry = config
	}
}

// Service выполняет коммит заказа и операции над закоммиченным заказом.
type Service struct {
	store          domain.Store
	validator      *reservation.Validator
	scheduler      *expiry.Scheduler
	carts          *cart.Aggregator
	metrics        *metrics.ReservationMetrics
	logger         *log.Entry
	reservationTTL time.Duration
	retry          retrier
	now            func() time.Time
	newID          func() string
}

// NewService создаёт сервис оформления заказов.
func NewService(store domain.Store, scheduler *expiry.Scheduler, options ...Option) *Service {
	opts := Options{
		ReservationTTL: DefaultReservationTTL,
		Retry:          DefaultRetryConfig(),
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "checkout")
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}
	if scheduler == nil {
		scheduler = expiry.NewScheduler(store, opts.Metrics, logger)
	}

	return &Service{
		store:          store,
		validator:      reservation.NewValidator(),
		scheduler:      scheduler,
		carts:          opts.Carts,
		metrics:        opts.Metrics,
		logger:         logger,
		reservationTTL: opts.ReservationTTL,
		retry:          retrier{config: opts.Retry, logger: logger},
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return uuid.NewString() },
	}
}

// CommitRequest описывает прямой заказ без корзины.
type CommitRequest struct {
	UserID   string
	Lines    []domain.Line
	Shipping domain.Shipping
	Payments []domain.Payment
	// Currency можно не указывать: тогда берётся валюта sku.
	Currency string
	Note     string
}

// Commit атомарно создаёт заказ и списывает остаток. Либо сохраняется всё
// (заголовок, доставка, платежи, позиции, списания, задача истечения, событие),
// либо ничего.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (domain.Order, error) {
	started := time.Now()

	lines, err := s.prepareCommit(&req)
	if err != nil {
		s.metrics.RecordCommit(metrics.ResultInvalid, time.Since(started))
		return domain.Order{}, err
	}

	var (
		order   domain.Order
		payment domain.TransitionResult
	)
	err = s.retry.do(ctx, "commit", func(ctx context.Context) error {
		var txErr error
		order, payment, txErr = s.commitOnce(ctx, req, lines)
		return classify(txErr)
	})

	result := commitResult(err)
	s.metrics.RecordCommit(result, time.Since(started))

	entry := s.logger.WithFields(log.Fields{"user_id": req.UserID, "result": result, "lines": len(lines)})
	if err != nil {
		if result == metrics.ResultAborted {
			entry.WithError(err).Error("order commit aborted")
		} else {
			entry.WithError(err).Info("order commit rejected")
		}
		return domain.Order{}, err
	}

	// Успешный платёж в запросе подтверждает оплату так же, как ConfirmPayment.
	if payment != "" {
		s.metrics.RecordPaymentConfirmed(string(payment))
	}
	entry.WithFields(log.Fields{"order_id": order.ID, "number": order.Number, "status": order.Status}).Info("order committed")
	return order, nil
}

func (s *Service) prepareCommit(req *CommitRequest) ([]domain.Line, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Currency = strings.TrimSpace(req.Currency)
	if req.UserID == "" {
		return nil, domain.ErrUserRequired
	}
	if len(req.Lines) == 0 {
		return nil, domain.ErrLinesRequired
	}
	lines, err := s.validator.Group(req.Lines)
	if err != nil {
		return nil, err
	}
	if errs := req.Shipping.Validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for i := range req.Payments {
		payment := req.Payments[i]
		payment.Normalize()
		// OrderID ещё не выдан: подставляем заглушку только для проверки.
		payment.OrderID = "pending"
		if errs := payment.Validate(); len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
	}
	return lines, nil
}

func (s *Service) commitOnce(ctx context.Context, req CommitRequest, lines []domain.Line) (domain.Order, domain.TransitionResult, error) {
	var (
		committed domain.Order
		payment   domain.TransitionResult
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := s.validator.Validate(ctx, tx.Catalog(), lines); err != nil {
			return err
		}

		skus, err := tx.Catalog().GetSKUs(ctx, domain.SKUIDs(lines))
		if err != nil {
			return fmt.Errorf("load skus: %w", err)
		}
		currency, err := resolveCurrency(req.Currency, lines, skus)
		if err != nil {
			return err
		}

		now := s.now()
		order := domain.Order{
			ID:              s.newID(),
			UserID:          req.UserID,
			Status:          domain.OrderStatusPending,
			Currency:        currency,
			Note:            req.Note,
			Shipping:        req.Shipping,
			Version:         1,
			ReserveDeadline: now.Add(s.reservationTTL),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		order.Number = orderNumber(order.ID)
		for _, line := range lines {
			order.Lines = append(order.Lines, domain.OrderLine{
				OrderID:        order.ID,
				SKU:            line.SKU,
				Qty:            line.Qty,
				UnitPriceMinor: skus[line.SKU].UnitPriceMinor,
				CreatedAt:      now,
			})
		}
		order.TotalMinor = domain.SumLines(order.Lines)

		if err := tx.Orders().Insert(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := tx.Orders().InsertShipping(ctx, order.ID, order.Shipping); err != nil {
			return fmt.Errorf("insert shipping: %w", err)
		}

		paid := false
		for _, input := range req.Payments {
			payment := input
			payment.ID = s.newID()
			payment.OrderID = order.ID
			payment.Normalize()
			payment.CreatedAt = now
			payment.UpdatedAt = now
			if payment.Status == domain.PaymentStatusSuccess {
				paid = true
			}
			if err := tx.Orders().InsertPayment(ctx, payment); err != nil {
				return fmt.Errorf("insert payment: %w", err)
			}
		}

		if err := inventory.Reserve(ctx, tx.Ledger(), order.ID, lines); err != nil {
			return err
		}
		for _, line := range order.Lines {
			if err := tx.Orders().UpsertLine(ctx, line); err != nil {
				return fmt.Errorf("insert order line: %w", err)
			}
		}

		if err := s.scheduler.Arm(ctx, tx, order.ID, order.ReserveDeadline); err != nil {
			return err
		}
		if err := record(ctx, tx, domain.EventOrderCommitted, newOrderEvent(order), now); err != nil {
			return err
		}

		if paid {
			payment, err = s.markPaid(ctx, tx, order.ID, "", now)
			if err != nil {
				return err
			}
		}

		committed, err = tx.Orders().Get(ctx, order.ID)
		return err
	})
	if err != nil {
		return domain.Order{}, "", err
	}
	return committed, payment, nil
}

// CheckoutCartRequest описывает оформление заказа из корзины.
type CheckoutCartRequest struct {
	UserID string
	// CartID по умолчанию совпадает с UserID.
	CartID   string
	Shipping domain.Shipping
	Payments []domain.Payment
	Currency string
	Note     string
}

// CheckoutCart коммитит снимок корзины и затем снимает из неё ровно закоммиченные
// количества. Строки, добавленные во время коммита, остаются в корзине.
func (s *Service) CheckoutCart(ctx context.Context, req CheckoutCartRequest) (domain.Order, error) {
	if s.carts == nil {
		return domain.Order{}, errors.New("cart checkout is not configured")
	}
	cartID := strings.TrimSpace(req.CartID)
	if cartID == "" {
		cartID = strings.TrimSpace(req.UserID)
	}
	if cartID == "" {
		return domain.Order{}, domain.ErrCartRequired
	}

	snapshot, err := s.carts.Snapshot(ctx, cartID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("snapshot cart: %w", err)
	}
	if len(snapshot) == 0 {
		return domain.Order{}, domain.ErrLinesRequired
	}

	lines := domain.CartLinesToLines(snapshot)
	order, err := s.Commit(ctx, CommitRequest{
		UserID:   req.UserID,
		Lines:    lines,
		Shipping: req.Shipping,
		Payments: req.Payments,
		Currency: req.Currency,
		Note:     req.Note,
	})
	if err != nil {
		return domain.Order{}, err
	}

	if err := s.carts.Subtract(ctx, cartID, lines); err != nil {
		// Заказ уже закоммичен: корзина лишь не очистилась.
		s.logger.WithError(err).WithFields(log.Fields{
			"cart_id":  cartID,
			"order_id": order.ID,
		}).Warn("failed to subtract committed lines from cart")
	}
	return order, nil
}

// ValidateLines проверяет позиции по каталогу и текущим остаткам, ничего не списывая.
// Результат может устареть к моменту коммита: Commit проверяет остаток повторно.
func (s *Service) ValidateLines(ctx context.Context, lines []domain.Line) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return s.validator.Validate(ctx, tx.Catalog(), lines)
	})
}

// GetOrder возвращает заказ со всеми подзаписями.
func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	var order domain.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		order, err = tx.Orders().Get(ctx, orderID)
		return err
	})
	return order, err
}

// Timeline возвращает историю заказа.
func (s *Service) Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	var events []domain.TimelineEvent
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.Orders().Get(ctx, orderID); err != nil {
			return err
		}
		var err error
		events, err = tx.Timeline().List(ctx, orderID)
		return err
	})
	return events, err
}

// ListOrders возвращает заказы пользователя, новые первыми.
func (s *Service) ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrUserRequired
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	var orders []domain.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		orders, err = tx.Orders().ListByUser(ctx, userID, limit)
		return err
	})
	return orders, err
}

// orderNumber строит человекочитаемый номер из id заказа: ORD-7F3A9C21B04E.
func orderNumber(id string) string {
	compact := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(compact) > 12 {
		compact = compact[len(compact)-12:]
	}
	return "ORD-" + compact
}

func resolveCurrency(requested string, lines []domain.Line, skus map[string]domain.SKU) (string, error) {
	currency := requested
	for _, line := range lines {
		skuCurrency := skus[line.SKU].Currency
		if currency == "" {
			currency = skuCurrency
			continue
		}
		if skuCurrency != currency {
			return "", fmt.Errorf("%w: sku %s is priced in %s, order in %s", domain.ErrCurrencyMismatch, line.SKU, skuCurrency, currency)
		}
	}
	if currency == "" {
		return "", domain.ErrCurrencyRequired
	}
	return currency, nil
}

func commitResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultCommitted
	case domain.IsRejection(err):
		return metrics.ResultRejected
	case errors.Is(err, domain.ErrTransactionAborted):
		return metrics.ResultAborted
	default:
		return metrics.ResultInvalid
	}
}
