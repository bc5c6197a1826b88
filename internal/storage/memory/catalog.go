package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type catalogRepository struct {
	s  *Store
	tx *memTx
}

func (r *catalogRepository) GetSKUs(_ context.Context, ids []string) (map[string]domain.SKU, error) {
	result := make(map[string]domain.SKU, len(ids))
	err := r.s.exec(r.tx, func(tx *memTx) error {
		for _, id := range ids {
			if sku, ok := tx.s.skus[id]; ok {
				result[id] = sku
			}
		}
		return nil
	})
	return result, err
}

func (r *catalogRepository) ResolveSKU(_ context.Context, productID, variationID string) (domain.SKU, error) {
	var found domain.SKU
	err := r.s.exec(r.tx, func(tx *memTx) error {
		for _, sku := range tx.s.skus {
			if sku.ProductID == productID && sku.VariationID == variationID {
				found = sku
				return nil
			}
		}
		return domain.ErrSKUNotFound
	})
	return found, err
}

// UpsertSKU вставляет sku или обновляет его описание, не трогая остаток существующей записи.
func (r *catalogRepository) UpsertSKU(_ context.Context, sku domain.SKU) (domain.SKU, error) {
	if errs := sku.Validate(); len(errs) > 0 {
		return domain.SKU{}, errors.Join(errs...)
	}

	var stored domain.SKU
	err := r.s.exec(r.tx, func(tx *memTx) error {
		for id, other := range tx.s.skus {
			if id != sku.ID && other.ProductID == sku.ProductID && other.VariationID == sku.VariationID {
				return fmt.Errorf("%w: product %s variation %q already mapped to %s", domain.ErrSKUInvalid, sku.ProductID, sku.VariationID, id)
			}
		}

		if existing, ok := tx.s.skus[sku.ID]; ok {
			sku.AvailableQty = existing.AvailableQty
		}
		sku.UpdatedAt = tx.s.now()

		remember(tx, tx.s.skus, sku.ID)
		tx.s.skus[sku.ID] = sku
		stored = sku
		return nil
	})
	return stored, err
}

var _ domain.CatalogRepository = (*catalogRepository)(nil)
