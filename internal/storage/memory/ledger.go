package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type stockLedger struct {
	s  *Store
	tx *memTx
}

func (l *stockLedger) Adjust(_ context.Context, adj domain.StockAdjustment) (int64, error) {
	var qty int64
	err := l.s.exec(l.tx, func(tx *memTx) error {
		sku, ok := tx.s.skus[adj.SKU]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrInvalidSKUReference, adj.SKU)
		}
		if adj.Token != "" {
			if _, applied := tx.s.adjustments[adj.Token]; applied {
				qty = sku.AvailableQty
				return nil
			}
		}

		if adj.Delta < 0 {
			if !sku.Active {
				return fmt.Errorf("%w: %s is inactive", domain.ErrInvalidSKUReference, adj.SKU)
			}
			if sku.AvailableQty+adj.Delta < 0 {
				return &domain.InsufficientStockError{
					SKU:       adj.SKU,
					Requested: -adj.Delta,
					Available: sku.AvailableQty,
				}
			}
		}

		remember(tx, tx.s.skus, adj.SKU)
		sku.AvailableQty += adj.Delta
		sku.UpdatedAt = tx.s.now()
		tx.s.skus[adj.SKU] = sku

		if adj.Token != "" {
			remember(tx, tx.s.adjustments, adj.Token)
			tx.s.adjustments[adj.Token] = adj
		}

		qty = sku.AvailableQty
		return nil
	})
	return qty, err
}

func (l *stockLedger) PurgeSettledTokens(_ context.Context, before time.Time, limit int) (int, error) {
	purged := 0
	err := l.s.exec(l.tx, func(tx *memTx) error {
		settled := make([]string, 0)
		for token := range tx.s.adjustments {
			orderID, ok := domain.TokenOrderID(token)
			if !ok {
				continue
			}
			order, ok := tx.s.orders[orderID]
			if ok && order.Status.IsTerminal() && !order.UpdatedAt.After(before) {
				settled = append(settled, token)
			}
		}
		slices.Sort(settled)
		if limit > 0 && len(settled) > limit {
			settled = settled[:limit]
		}
		for _, token := range settled {
			remember(tx, tx.s.adjustments, token)
			delete(tx.s.adjustments, token)
		}
		purged = len(settled)
		return nil
	})
	return purged, err
}

var (
	_ domain.StockLedger      = (*stockLedger)(nil)
	_ domain.StockTokenPurger = (*stockLedger)(nil)
)
