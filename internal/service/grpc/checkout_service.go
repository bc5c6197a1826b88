// Package grpcsvc реализует gRPC API checkout.v1.CheckoutService поверх сервисов домена.
package grpcsvc

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	checkoutv1 "github.com/vladislavdragonenkov/checkout/api/checkout/v1"
	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/cart"
	"github.com/vladislavdragonenkov/checkout/internal/service/checkout"
	"github.com/vladislavdragonenkov/checkout/internal/service/inventory"
)

// Dependencies перечисляет сервисы, которые обслуживает API.
type Dependencies struct {
	Checkout  *checkout.Service
	Carts     *cart.Aggregator
	Inventory *inventory.Service
	// Idempotency может быть nil: тогда idempotency-key игнорируется.
	Idempotency    domain.IdempotencyRepository
	IdempotencyTTL time.Duration
	Logger         *log.Entry
}

// CheckoutService реализует checkoutv1.CheckoutServiceServer.
type CheckoutService struct {
	checkoutv1.UnimplementedCheckoutServiceServer

	checkout       *checkout.Service
	carts          *cart.Aggregator
	inventory      *inventory.Service
	idemRepo       domain.IdempotencyRepository
	idempotencyTTL time.Duration
	logger         *log.Entry
}

// NewCheckoutService конструирует сервис с зависимостями.
func NewCheckoutService(deps Dependencies) *CheckoutService {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "checkout-grpc")
	}
	ttl := deps.IdempotencyTTL
	if ttl <= 0 {
		ttl = domain.DefaultIdempotencyTTL
	}
	return &CheckoutService{
		checkout:       deps.Checkout,
		carts:          deps.Carts,
		inventory:      deps.Inventory,
		idemRepo:       deps.Idempotency,
		idempotencyTTL: ttl,
		logger:         logger,
	}
}

// ApplyCartLine меняет количество строки корзины. Остаток не проверяется.
func (s *CheckoutService) ApplyCartLine(ctx context.Context, req *checkoutv1.ApplyCartLineRequest) (*checkoutv1.ApplyCartLineResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if s.carts == nil {
		return nil, status.Error(codes.Unimplemented, "carts are not configured")
	}

	return withIdempotency(s, ctx, checkoutv1.CheckoutService_ApplyCartLine_FullMethodName, req,
		func(ctx context.Context) (*checkoutv1.ApplyCartLineResponse, error) {
			var (
				line domain.CartLine
				err  error
			)
			if strings.TrimSpace(req.SKU) == "" && req.ProductID != "" {
				line, err = s.carts.ApplyProduct(ctx, req.CartID, req.ProductID, req.VariationID, req.Delta)
			} else {
				line, err = s.carts.Apply(ctx, req.CartID, req.SKU, req.Delta)
			}
			if err != nil {
				return nil, toStatus(err)
			}
			return &checkoutv1.ApplyCartLineResponse{Line: toAPICartLine(line)}, nil
		})
}

// GetCart возвращает снимок корзины.
func (s *CheckoutService) GetCart(ctx context.Context, req *checkoutv1.GetCartRequest) (*checkoutv1.GetCartResponse, error) {
	if req == nil || strings.TrimSpace(req.CartID) == "" {
		return nil, status.Error(codes.InvalidArgument, "cart_id is required")
	}
	if s.carts == nil {
		return nil, status.Error(codes.Unimplemented, "carts are not configured")
	}

	lines, err := s.carts.Snapshot(ctx, req.CartID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &checkoutv1.GetCartResponse{CartID: req.CartID, Lines: make([]checkoutv1.CartLine, 0, len(lines))}
	for _, line := range lines {
		resp.Lines = append(resp.Lines, toAPICartLine(line))
	}
	return resp, nil
}

// ValidateLines отвечает, можно ли сейчас зарезервировать позиции. Отказ приходит как
// успешный ответ с Valid=false и причинами.
func (s *CheckoutService) ValidateLines(ctx context.Context, req *checkoutv1.ValidateLinesRequest) (*checkoutv1.ValidateLinesResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	err := s.checkout.ValidateLines(ctx, fromAPILines(req.Lines))
	if err == nil {
		return &checkoutv1.ValidateLinesResponse{Valid: true}, nil
	}

	var rejection *domain.RejectionError
	if errors.As(err, &rejection) {
		return &checkoutv1.ValidateLinesResponse{Valid: false, Reasons: toAPIReasons(rejection.Reasons)}, nil
	}
	return nil, toStatus(err)
}

// CommitOrder атомарно создаёт заказ и резервирует остаток.
func (s *CheckoutService) CommitOrder(ctx context.Context, req *checkoutv1.CommitOrderRequest) (*checkoutv1.CommitOrderResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	return withIdempotency(s, ctx, checkoutv1.CheckoutService_CommitOrder_FullMethodName, req,
		func(ctx context.Context) (*checkoutv1.CommitOrderResponse, error) {
			order, err := s.checkout.Commit(ctx, checkout.CommitRequest{
				UserID:   req.UserID,
				Lines:    fromAPILines(req.Lines),
				Shipping: fromAPIShipping(req.Shipping),
				Payments: fromAPIPayments(req.Payments),
				Currency: req.Currency,
				Note:     req.Note,
			})
			if err != nil {
				return nil, toStatus(err)
			}
			return &checkoutv1.CommitOrderResponse{Order: toAPIOrder(order)}, nil
		})
}

// CheckoutCart коммитит снимок корзины и вычитает его из корзины.
func (s *CheckoutService) CheckoutCart(ctx context.Context, req *checkoutv1.CheckoutCartRequest) (*checkoutv1.CheckoutCartResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	return withIdempotency(s, ctx, checkoutv1.CheckoutService_CheckoutCart_FullMethodName, req,
		func(ctx context.Context) (*checkoutv1.CheckoutCartResponse, error) {
			order, err := s.checkout.CheckoutCart(ctx, checkout.CheckoutCartRequest{
				UserID:   req.UserID,
				CartID:   req.CartID,
				Shipping: fromAPIShipping(req.Shipping),
				Payments: fromAPIPayments(req.Payments),
				Currency: req.Currency,
				Note:     req.Note,
			})
			if err != nil {
				return nil, toStatus(err)
			}
			return &checkoutv1.CheckoutCartResponse{Order: toAPIOrder(order)}, nil
		})
}

// UpdateOrderLines задаёт новые количества позиций неоплаченного заказа.
func (s *CheckoutService) UpdateOrderLines(ctx context.Context, req *checkoutv1.UpdateOrderLinesRequest) (*checkoutv1.UpdateOrderLinesResponse, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}

	return withIdempotency(s, ctx, checkoutv1.CheckoutService_UpdateOrderLines_FullMethodName, req,
		func(ctx context.Context) (*checkoutv1.UpdateOrderLinesResponse, error) {
			order, err := s.checkout.UpdateLines(ctx, req.OrderID, fromAPILines(req.Lines))
			if err != nil {
				return nil, toStatus(err)
			}
			return &checkoutv1.UpdateOrderLinesResponse{Order: toAPIOrder(order)}, nil
		})
}

// ConfirmPayment принимает callback платёжного провайдера.
func (s *CheckoutService) ConfirmPayment(ctx context.Context, req *checkoutv1.ConfirmPaymentRequest) (*checkoutv1.ConfirmPaymentResponse, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}

	result, err := s.checkout.ConfirmPayment(ctx, req.OrderID, req.TransactionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &checkoutv1.ConfirmPaymentResponse{Result: string(result)}, nil
}

// TransitionOrder выполняет операторский переход статуса.
func (s *CheckoutService) TransitionOrder(ctx context.Context, req *checkoutv1.TransitionOrderRequest) (*checkoutv1.TransitionOrderResponse, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Target)))
	if !target.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "unknown target status %q", req.Target)
	}

	return withIdempotency(s, ctx, checkoutv1.CheckoutService_TransitionOrder_FullMethodName, req,
		func(ctx context.Context) (*checkoutv1.TransitionOrderResponse, error) {
			order, err := s.checkout.Transition(ctx, checkout.TransitionRequest{
				OrderID:        req.OrderID,
				Target:         target,
				Reason:         req.Reason,
				Carrier:        req.Carrier,
				TrackingNumber: req.TrackingNumber,
			})
			if err != nil {
				return nil, toStatus(err)
			}
			return &checkoutv1.TransitionOrderResponse{Order: toAPIOrder(order)}, nil
		})
}

// GetOrder возвращает заказ и, по запросу, его историю.
func (s *CheckoutService) GetOrder(ctx context.Context, req *checkoutv1.GetOrderRequest) (*checkoutv1.GetOrderResponse, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}

	order, err := s.checkout.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &checkoutv1.GetOrderResponse{Order: toAPIOrder(order)}

	if req.IncludeTimeline {
		events, err := s.checkout.Timeline(ctx, req.OrderID)
		if err != nil {
			s.logger.WithError(err).WithField("order_id", req.OrderID).Warn("failed to list timeline events")
		} else {
			resp.Timeline = toAPITimeline(events)
		}
	}
	return resp, nil
}

// ListOrders возвращает заказы пользователя.
func (s *CheckoutService) ListOrders(ctx context.Context, req *checkoutv1.ListOrdersRequest) (*checkoutv1.ListOrdersResponse, error) {
	if req == nil || strings.TrimSpace(req.UserID) == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}

	orders, err := s.checkout.ListOrders(ctx, req.UserID, int(req.Limit))
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &checkoutv1.ListOrdersResponse{Orders: make([]checkoutv1.Order, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, toAPIOrder(order))
	}
	return resp, nil
}

// RestockSKU пополняет остаток sku.
func (s *CheckoutService) RestockSKU(ctx context.Context, req *checkoutv1.RestockSKURequest) (*checkoutv1.RestockSKUResponse, error) {
	if req == nil || strings.TrimSpace(req.SKU) == "" {
		return nil, status.Error(codes.InvalidArgument, "sku is required")
	}
	if s.inventory == nil {
		return nil, status.Error(codes.Unimplemented, "inventory admin is not configured")
	}

	return withIdempotency(s, ctx, checkoutv1.CheckoutService_RestockSKU_FullMethodName, req,
		func(ctx context.Context) (*checkoutv1.RestockSKUResponse, error) {
			available, err := s.inventory.Restock(ctx, req.SKU, req.Qty, req.Token)
			if err != nil {
				return nil, toStatus(err)
			}
			return &checkoutv1.RestockSKUResponse{SKU: req.SKU, AvailableQty: available}, nil
		})
}

var _ checkoutv1.CheckoutServiceServer = (*CheckoutService)(nil)
