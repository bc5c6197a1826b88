package reservation

import (
	"context"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Validator проверяет, что набор позиций можно зарезервировать целиком.
// Он ничего не пишет: списание делает StockLedger внутри транзакции коммита.
type Validator struct{}

// NewValidator создаёт Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Group суммирует количества по sku и упорядочивает позиции по sku.
func (v *Validator) Group(lines []domain.Line) ([]domain.Line, error) {
	for _, line := range lines {
		if strings.TrimSpace(line.SKU) == "" {
			return nil, domain.ErrLineSKURequired
		}
		if line.Qty <= 0 {
			return nil, fmt.Errorf("%w: sku %s qty %d", domain.ErrLineQtyInvalid, line.SKU, line.Qty)
		}
	}
	return domain.GroupLinesChecked(lines)
}

// Validate возвращает nil или *domain.RejectionError со всеми проблемными sku.
// Если хотя бы один sku недействителен, отказ содержит только такие sku: остаток не сравнивается.
func (v *Validator) Validate(ctx context.Context, reader domain.CatalogReader, lines []domain.Line) error {
	grouped, err := v.Group(lines)
	if err != nil {
		return err
	}
	if len(grouped) == 0 {
		return domain.ErrLinesRequired
	}

	ids := make([]string, 0, len(grouped))
	for _, line := range grouped {
		ids = append(ids, line.SKU)
	}

	skus, err := reader.GetSKUs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load skus: %w", err)
	}

	var invalid, shortages []domain.RejectReason
	for _, line := range grouped {
		sku, ok := skus[line.SKU]
		if !ok || !sku.Active {
			invalid = append(invalid, domain.RejectReason{SKU: line.SKU, Code: domain.ReasonInvalidSKU, Requested: line.Qty})
			continue
		}
		if sku.AvailableQty < line.Qty {
			shortages = append(shortages, domain.RejectReason{
				SKU:       line.SKU,
				Code:      domain.ReasonInsufficientStock,
				Requested: line.Qty,
				Available: sku.AvailableQty,
			})
		}
	}

	if len(invalid) > 0 {
		return domain.NewRejection(invalid...)
	}
	if len(shortages) > 0 {
		return domain.NewRejection(shortages...)
	}
	return nil
}
