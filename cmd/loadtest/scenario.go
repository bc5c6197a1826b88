package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	checkoutv1 "github.com/vladislavdragonenkov/checkout/api/checkout/v1"
)

const (
	idempotencyHeader = "idempotency-key"
	// probeQty заведомо больше любого остатка: отказ валидатора возвращает текущий available.
	probeQty = int64(math.MaxInt32)
)

var loadShipping = checkoutv1.Shipping{
	Recipient:    "Load Test",
	AddressLine1: "Lenina 1",
	City:         "Moscow",
	Country:      "RU",
}

// runScenario выполняет один сценарий и пишет его итог под именем scenario.
// FailedPrecondition на коммите считается штатным отказом по остатку.
func runScenario(ctx context.Context, client checkoutv1.CheckoutServiceClient, cfg config, index int, runID string, col *collector) error {
	start := time.Now()
	code := codes.OK
	defer func() {
		col.record(scenarioMethod, time.Since(start), code)
	}()

	userID := fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index)

	var (
		order checkoutv1.Order
		err   error
	)
	switch cfg.mode {
	case modeCart:
		order, err = checkoutViaCart(ctx, client, cfg, userID, runID, index, col)
	default:
		order, err = commitLine(ctx, client, cfg, userID, runID, index, col)
	}
	if err != nil {
		code = grpcCode(err)
		return err
	}
	if order.ID == "" {
		code = codes.Internal
		return errors.New("commit response returned empty order id")
	}

	if cfg.mode == modeCommitPay {
		if err := confirmPayment(ctx, client, cfg.timeout, order.ID, fmt.Sprintf("lt-tx-%s-%d", runID, index), col); err != nil {
			// Оплата после успешного коммита не должна отказывать.
			code = grpcCode(err)
			if code == codes.FailedPrecondition {
				code = codes.Internal
			}
			return err
		}
	}
	return nil
}

func commitLine(ctx context.Context, client checkoutv1.CheckoutServiceClient, cfg config, userID, runID string, index int, col *collector) (checkoutv1.Order, error) {
	req := &checkoutv1.CommitOrderRequest{
		UserID:   userID,
		Lines:    []checkoutv1.Line{{SKU: cfg.sku, Qty: cfg.qty}},
		Shipping: loadShipping,
		Payments: []checkoutv1.Payment{{Method: "card"}},
		Currency: cfg.currency,
		Note:     "loadtest",
	}

	resp, err := timedCall(ctx, cfg.timeout, fmt.Sprintf("lt-commit-%s-%d", runID, index), "CommitOrder", col,
		func(ctx context.Context) (*checkoutv1.CommitOrderResponse, error) {
			return client.CommitOrder(ctx, req)
		})
	if err != nil {
		return checkoutv1.Order{}, err
	}
	return resp.Order, nil
}

func checkoutViaCart(ctx context.Context, client checkoutv1.CheckoutServiceClient, cfg config, userID, runID string, index int, col *collector) (checkoutv1.Order, error) {
	cartID := fmt.Sprintf("lt-cart-%s-%d", runID, index)

	_, err := timedCall(ctx, cfg.timeout, fmt.Sprintf("lt-cart-line-%s-%d", runID, index), "ApplyCartLine", col,
		func(ctx context.Context) (*checkoutv1.ApplyCartLineResponse, error) {
			return client.ApplyCartLine(ctx, &checkoutv1.ApplyCartLineRequest{CartID: cartID, SKU: cfg.sku, Delta: cfg.qty})
		})
	if err != nil {
		return checkoutv1.Order{}, err
	}

	resp, err := timedCall(ctx, cfg.timeout, fmt.Sprintf("lt-checkout-%s-%d", runID, index), "CheckoutCart", col,
		func(ctx context.Context) (*checkoutv1.CheckoutCartResponse, error) {
			return client.CheckoutCart(ctx, &checkoutv1.CheckoutCartRequest{
				UserID:   userID,
				CartID:   cartID,
				Shipping: loadShipping,
				Payments: []checkoutv1.Payment{{Method: "card"}},
				Currency: cfg.currency,
			})
		})
	if err != nil {
		return checkoutv1.Order{}, err
	}
	return resp.Order, nil
}

func confirmPayment(ctx context.Context, client checkoutv1.CheckoutServiceClient, timeout time.Duration, orderID, transactionID string, col *collector) error {
	_, err := timedCall(ctx, timeout, "", "ConfirmPayment", col,
		func(ctx context.Context) (*checkoutv1.ConfirmPaymentResponse, error) {
			return client.ConfirmPayment(ctx, &checkoutv1.ConfirmPaymentRequest{OrderID: orderID, TransactionID: transactionID})
		})
	return err
}

// timedCall ограничивает вызов таймаутом, проставляет idempotency-key и пишет латентность метода.
func timedCall[Resp any](
	ctx context.Context,
	timeout time.Duration,
	key, method string,
	col *collector,
	call func(context.Context) (*Resp, error),
) (*Resp, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if key != "" {
		callCtx = metadata.AppendToOutgoingContext(callCtx, idempotencyHeader, key)
	}

	resp, err := call(callCtx)
	col.record(method, time.Since(start), grpcCode(err))
	return resp, err
}

// probeStock читает текущий остаток sku через ValidateLines без побочных эффектов.
func probeStock(ctx context.Context, client checkoutv1.CheckoutServiceClient, timeout time.Duration, sku string) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.ValidateLines(callCtx, &checkoutv1.ValidateLinesRequest{
		Lines: []checkoutv1.Line{{SKU: sku, Qty: probeQty}},
	})
	if err != nil {
		return 0, fmt.Errorf("probe stock: %w", err)
	}
	if resp.Valid {
		return 0, fmt.Errorf("probe stock: sku %s has at least %d units", sku, probeQty)
	}
	for _, reason := range resp.Reasons {
		if reason.SKU != sku {
			continue
		}
		if reason.Code != "insufficient_stock" {
			return 0, fmt.Errorf("probe stock: sku %s rejected with %s", sku, reason.Code)
		}
		return reason.Available, nil
	}
	return 0, fmt.Errorf("probe stock: no reason for sku %s", sku)
}

func restock(ctx context.Context, client checkoutv1.CheckoutServiceClient, timeout time.Duration, sku string, qty int64, token string) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.RestockSKU(callCtx, &checkoutv1.RestockSKURequest{SKU: sku, Qty: qty, Token: token})
	if err != nil {
		return 0, fmt.Errorf("restock %s: %w", sku, err)
	}
	return resp.AvailableQty, nil
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}
