package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// SKU: складская единица: товар целиком или пара товар+вариация.
type SKU struct {
	ID        string
	ProductID string
	// VariationID пустой, если sku описывает товар без вариаций.
	VariationID    string
	UnitPriceMinor int64
	Currency       string
	// AvailableQty изменяется только через StockLedger.
	AvailableQty int64
	Active       bool
	UpdatedAt    time.Time
}

// Validate проверяет описание sku перед загрузкой в каталог.
func (s SKU) Validate() []error {
	var errs []error

	if strings.TrimSpace(s.ID) == "" {
		errs = append(errs, fmt.Errorf("%w: id is required", ErrSKUInvalid))
	}
	if strings.TrimSpace(s.ProductID) == "" {
		errs = append(errs, fmt.Errorf("%w: product_id is required", ErrSKUInvalid))
	}
	if s.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if s.UnitPriceMinor < 0 {
		errs = append(errs, ErrLinePriceInvalid)
	}
	if s.AvailableQty < 0 {
		errs = append(errs, fmt.Errorf("%w: available qty must be non-negative", ErrSKUInvalid))
	}

	return errs
}

// Line: запрошенная позиция: sku и количество.
type Line struct {
	SKU string
	Qty int64
}

// GroupLines суммирует количества по sku и возвращает позиции, отсортированные по sku.
// Позиции должны быть уже проверены через GroupLinesChecked.
func GroupLines(lines []Line) []Line {
	totals := make(map[string]int64, len(lines))
	for _, line := range lines {
		totals[line.SKU] += line.Qty
	}
	return sortedLines(totals)
}

// GroupLinesChecked делает то же, что GroupLines, но отвергает сумму, не влезающую в int64.
func GroupLinesChecked(lines []Line) ([]Line, error) {
	totals := make(map[string]int64, len(lines))
	for _, line := range lines {
		total := totals[line.SKU]
		if line.Qty > 0 && total > math.MaxInt64-line.Qty {
			return nil, fmt.Errorf("%w: sku %s total qty overflows", ErrLineQtyInvalid, line.SKU)
		}
		totals[line.SKU] = total + line.Qty
	}
	return sortedLines(totals), nil
}

func sortedLines(totals map[string]int64) []Line {
	grouped := make([]Line, 0, len(totals))
	for sku, qty := range totals {
		grouped = append(grouped, Line{SKU: sku, Qty: qty})
	}
	sort.Slice(grouped, func(i, j int) bool { return grouped[i].SKU < grouped[j].SKU })
	return grouped
}

// SKUIDs возвращает идентификаторы sku из позиций без повторов.
func SKUIDs(lines []Line) []string {
	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.SKU]; ok {
			continue
		}
		seen[line.SKU] = struct{}{}
		ids = append(ids, line.SKU)
	}
	sort.Strings(ids)
	return ids
}

// StockAdjustment описывает одно изменение счётчика остатка.
type StockAdjustment struct {
	SKU   string
	Delta int64
	// Token делает корректировку идемпотентной; пустой токен: без защиты от повтора.
	Token string
}

// ReserveToken: токен списания остатка при коммите заказа.
func ReserveToken(orderID, sku string) string {
	return "reserve:" + orderID + ":" + sku
}

// ReleaseToken: токен возврата остатка при освобождении резерва.
func ReleaseToken(orderID, sku string) string {
	return "release:" + orderID + ":" + sku
}

// UpdateToken: токен корректировки при частичном изменении заказа.
func UpdateToken(orderID string, version int64, sku string) string {
	return fmt.Sprintf("update:%s:%d:%s", orderID, version, sku)
}

// TokenOrderID извлекает заказ из токенов reserve, release и update.
func TokenOrderID(token string) (string, bool) {
	kind, rest, ok := strings.Cut(token, ":")
	if !ok {
		return "", false
	}
	switch kind {
	case "reserve", "release", "update":
	default:
		return "", false
	}
	orderID, _, ok := strings.Cut(rest, ":")
	if !ok || orderID == "" {
		return "", false
	}
	return orderID, true
}
