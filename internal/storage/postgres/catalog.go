package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const skuColumns = `id, product_id, variation_id, unit_price_minor, currency, available_qty, active, updated_at`

type catalogRepository struct {
	q querier
}

func (r *catalogRepository) GetSKUs(ctx context.Context, ids []string) (map[string]domain.SKU, error) {
	result := make(map[string]domain.SKU, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `SELECT `+skuColumns+` FROM skus WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select skus: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sku, err := scanSKU(rows)
		if err != nil {
			return nil, err
		}
		result[sku.ID] = sku
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate skus: %w", err)
	}
	return result, nil
}

func (r *catalogRepository) ResolveSKU(ctx context.Context, productID, variationID string) (domain.SKU, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.q.QueryRowContext(ctx, `
		SELECT `+skuColumns+`
		FROM skus
		WHERE product_id = $1 AND variation_id = $2
	`, productID, variationID)
	sku, err := scanSKU(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SKU{}, domain.ErrSKUNotFound
	}
	return sku, err
}

// UpsertSKU обновляет описание sku; available_qty берётся из аргумента только при вставке.
func (r *catalogRepository) UpsertSKU(ctx context.Context, sku domain.SKU) (domain.SKU, error) {
	if errs := sku.Validate(); len(errs) > 0 {
		return domain.SKU{}, errors.Join(errs...)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.q.QueryRowContext(ctx, `
		INSERT INTO skus (`+skuColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE
		SET product_id = EXCLUDED.product_id,
		    variation_id = EXCLUDED.variation_id,
		    unit_price_minor = EXCLUDED.unit_price_minor,
		    currency = EXCLUDED.currency,
		    active = EXCLUDED.active,
		    updated_at = EXCLUDED.updated_at
		RETURNING `+skuColumns,
		sku.ID, sku.ProductID, sku.VariationID, sku.UnitPriceMinor, sku.Currency,
		sku.AvailableQty, sku.Active, time.Now().UTC(),
	)
	stored, err := scanSKU(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.SKU{}, fmt.Errorf("%w: product %s variation %q already mapped", domain.ErrSKUInvalid, sku.ProductID, sku.VariationID)
		}
		return domain.SKU{}, err
	}
	return stored, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSKU(row rowScanner) (domain.SKU, error) {
	var sku domain.SKU
	if err := row.Scan(
		&sku.ID, &sku.ProductID, &sku.VariationID, &sku.UnitPriceMinor,
		&sku.Currency, &sku.AvailableQty, &sku.Active, &sku.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SKU{}, err
		}
		return domain.SKU{}, fmt.Errorf("scan sku: %w", err)
	}
	return sku, nil
}

var _ domain.CatalogRepository = (*catalogRepository)(nil)
