package domain

import "time"

// CartLine: строка корзины. На пару (cart, sku) существует не больше одной строки, Qty > 0.
type CartLine struct {
	CartID    string
	SKU       string
	Qty       int64
	UpdatedAt time.Time
}

// CartLinesToLines переводит снимок корзины во входные позиции заказа.
func CartLinesToLines(cart []CartLine) []Line {
	lines := make([]Line, 0, len(cart))
	for _, line := range cart {
		lines = append(lines, Line{SKU: line.SKU, Qty: line.Qty})
	}
	return lines
}
