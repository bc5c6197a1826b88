// Package cart ведёт корзины пользователей. Корзина не резервирует остаток:
// проверка наличия происходит только при коммите заказа.
package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// ErrDeltaZero: изменение количества должно быть ненулевым.
var ErrDeltaZero = errors.New("cart delta must not be zero")

// Aggregator применяет атомарные изменения количества к строкам корзины.
type Aggregator struct {
	carts   domain.CartRepository
	catalog domain.CatalogReader
	logger  *log.Entry
	now     func() time.Time
}

// NewAggregator создаёт агрегатор корзин.
func NewAggregator(carts domain.CartRepository, catalog domain.CatalogReader, logger *log.Entry) *Aggregator {
	if logger == nil {
		logger = log.WithField("component", "cart")
	}
	return &Aggregator{
		carts:   carts,
		catalog: catalog,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Apply добавляет delta к строке (cartID, sku). Строка с количеством <= 0 удаляется,
// в этом случае возвращается строка с Qty = 0.
func (a *Aggregator) Apply(ctx context.Context, cartID, sku string, delta int64) (domain.CartLine, error) {
	cartID = strings.TrimSpace(cartID)
	sku = strings.TrimSpace(sku)
	switch {
	case cartID == "":
		return domain.CartLine{}, domain.ErrCartRequired
	case sku == "":
		return domain.CartLine{}, domain.ErrLineSKURequired
	case delta == 0:
		return domain.CartLine{}, ErrDeltaZero
	}

	if delta > 0 {
		if err := a.requireActive(ctx, sku); err != nil {
			return domain.CartLine{}, err
		}
	}

	qty, err := a.carts.AddQty(ctx, cartID, sku, delta)
	if err != nil {
		return domain.CartLine{}, fmt.Errorf("apply cart delta: %w", err)
	}

	a.logger.WithFields(log.Fields{
		"cart_id": cartID,
		"sku":     sku,
		"delta":   delta,
		"qty":     qty,
	}).Debug("cart line updated")

	return domain.CartLine{CartID: cartID, SKU: sku, Qty: qty, UpdatedAt: a.now()}, nil
}

// ApplyProduct находит sku по товару и вариации и применяет к нему delta.
func (a *Aggregator) ApplyProduct(ctx context.Context, cartID, productID, variationID string, delta int64) (domain.CartLine, error) {
	sku, err := a.catalog.ResolveSKU(ctx, productID, variationID)
	if err != nil {
		if errors.Is(err, domain.ErrSKUNotFound) {
			return domain.CartLine{}, fmt.Errorf("%w: product %s variation %q", domain.ErrInvalidSKUReference, productID, variationID)
		}
		return domain.CartLine{}, err
	}
	return a.Apply(ctx, cartID, sku.ID, delta)
}

// Snapshot возвращает строки корзины, упорядоченные по sku.
func (a *Aggregator) Snapshot(ctx context.Context, cartID string) ([]domain.CartLine, error) {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return nil, domain.ErrCartRequired
	}
	return a.carts.Lines(ctx, cartID)
}

// Clear удаляет корзину целиком.
func (a *Aggregator) Clear(ctx context.Context, cartID string) error {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return domain.ErrCartRequired
	}
	return a.carts.Clear(ctx, cartID)
}

// Subtract снимает из корзины ровно закоммиченные количества. Строки, добавленные
// параллельно с коммитом, остаются в корзине.
func (a *Aggregator) Subtract(ctx context.Context, cartID string, lines []domain.Line) error {
	var errs []error
	for _, line := range domain.GroupLines(lines) {
		if line.Qty <= 0 {
			continue
		}
		if _, err := a.Apply(ctx, cartID, line.SKU, -line.Qty); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Aggregator) requireActive(ctx context.Context, sku string) error {
	skus, err := a.catalog.GetSKUs(ctx, []string{sku})
	if err != nil {
		return fmt.Errorf("load sku %s: %w", sku, err)
	}
	found, ok := skus[sku]
	if !ok || !found.Active {
		return fmt.Errorf("%w: %s", domain.ErrInvalidSKUReference, sku)
	}
	return nil
}
