package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type cartRepository struct {
	s *Store
}

// AddQty прибавляет delta под блокировкой хранилища, поэтому параллельные добавления не теряются.
func (r *cartRepository) AddQty(_ context.Context, cartID, sku string, delta int64) (int64, error) {
	var qty int64
	err := r.s.exec(nil, func(tx *memTx) error {
		key := cartKey{cartID: cartID, sku: sku}
		line, ok := tx.s.carts[key]
		if !ok {
			line = domain.CartLine{CartID: cartID, SKU: sku}
		}

		line.Qty += delta
		remember(tx, tx.s.carts, key)
		if line.Qty <= 0 {
			delete(tx.s.carts, key)
			qty = 0
			return nil
		}
		line.UpdatedAt = tx.s.now()
		tx.s.carts[key] = line
		qty = line.Qty
		return nil
	})
	return qty, err
}

func (r *cartRepository) Lines(_ context.Context, cartID string) ([]domain.CartLine, error) {
	var lines []domain.CartLine
	err := r.s.exec(nil, func(tx *memTx) error {
		for key, line := range tx.s.carts {
			if key.cartID == cartID {
				lines = append(lines, line)
			}
		}
		return nil
	})
	sort.Slice(lines, func(i, j int) bool { return lines[i].SKU < lines[j].SKU })
	return lines, err
}

func (r *cartRepository) Clear(_ context.Context, cartID string) error {
	return r.s.exec(nil, func(tx *memTx) error {
		for key := range tx.s.carts {
			if key.cartID == cartID {
				delete(tx.s.carts, key)
			}
		}
		return nil
	})
}

var _ domain.CartRepository = (*cartRepository)(nil)
