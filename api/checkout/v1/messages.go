package checkoutv1

import "time"

// Line: запрошенная позиция.
type Line struct {
	SKU string `json:"sku"`
	Qty int64  `json:"qty"`
}

// CartLine: строка корзины.
type CartLine struct {
	CartID    string    `json:"cart_id"`
	SKU       string    `json:"sku"`
	Qty       int64     `json:"qty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// RejectReason: причина отказа по одному sku.
type RejectReason struct {
	SKU       string `json:"sku"`
	Code      string `json:"code"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
}

type Shipping struct {
	Recipient      string     `json:"recipient"`
	Phone          string     `json:"phone,omitempty"`
	AddressLine1   string     `json:"address_line1"`
	AddressLine2   string     `json:"address_line2,omitempty"`
	City           string     `json:"city"`
	PostalCode     string     `json:"postal_code,omitempty"`
	Country        string     `json:"country"`
	Carrier        string     `json:"carrier,omitempty"`
	TrackingNumber string     `json:"tracking_number,omitempty"`
	ShippedAt      *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

type Payment struct {
	ID            string `json:"id,omitempty"`
	Method        string `json:"method"`
	TransactionID string `json:"transaction_id,omitempty"`
	// Status: pending, success или failed. Пустой статус означает pending.
	Status      string `json:"status,omitempty"`
	AmountMinor int64  `json:"amount_minor"`
}

type OrderLine struct {
	SKU            string `json:"sku"`
	Qty            int64  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	TotalMinor     int64  `json:"total_minor"`
}

type Order struct {
	ID              string      `json:"id"`
	Number          string      `json:"number"`
	UserID          string      `json:"user_id"`
	Status          string      `json:"status"`
	Currency        string      `json:"currency"`
	TotalMinor      int64       `json:"total_minor"`
	Note            string      `json:"note,omitempty"`
	Shipping        Shipping    `json:"shipping"`
	Payments        []Payment   `json:"payments"`
	Lines           []OrderLine `json:"lines"`
	Version         int64       `json:"version"`
	ReserveDeadline time.Time   `json:"reserve_deadline"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type TimelineEvent struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

// ApplyCartLineRequest меняет количество строки корзины на Delta.
// Строка задаётся либо SKU, либо парой ProductID/VariationID.
type ApplyCartLineRequest struct {
	CartID      string `json:"cart_id"`
	SKU         string `json:"sku,omitempty"`
	ProductID   string `json:"product_id,omitempty"`
	VariationID string `json:"variation_id,omitempty"`
	Delta       int64  `json:"delta"`
}

type ApplyCartLineResponse struct {
	Line CartLine `json:"line"`
}

type GetCartRequest struct {
	CartID string `json:"cart_id"`
}

type GetCartResponse struct {
	CartID string     `json:"cart_id"`
	Lines  []CartLine `json:"lines"`
}

type ValidateLinesRequest struct {
	Lines []Line `json:"lines"`
}

type ValidateLinesResponse struct {
	Valid   bool           `json:"valid"`
	Reasons []RejectReason `json:"reasons,omitempty"`
}

type CommitOrderRequest struct {
	UserID   string    `json:"user_id"`
	Lines    []Line    `json:"lines"`
	Shipping Shipping  `json:"shipping"`
	Payments []Payment `json:"payments"`
	Currency string    `json:"currency,omitempty"`
	Note     string    `json:"note,omitempty"`
}

type CommitOrderResponse struct {
	Order Order `json:"order"`
}

type CheckoutCartRequest struct {
	UserID   string    `json:"user_id"`
	CartID   string    `json:"cart_id"`
	Shipping Shipping  `json:"shipping"`
	Payments []Payment `json:"payments"`
	Currency string    `json:"currency,omitempty"`
	Note     string    `json:"note,omitempty"`
}

type CheckoutCartResponse struct {
	Order Order `json:"order"`
}

type UpdateOrderLinesRequest struct {
	OrderID string `json:"order_id"`
	Lines   []Line `json:"lines"`
}

type UpdateOrderLinesResponse struct {
	Order Order `json:"order"`
}

type ConfirmPaymentRequest struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
}

type ConfirmPaymentResponse struct {
	// Result: applied или already_terminal.
	Result string `json:"result"`
}

// TransitionOrderRequest переводит заказ оператором: shipped, delivered, cancelled или refunded.
type TransitionOrderRequest struct {
	OrderID        string `json:"order_id"`
	Target         string `json:"target"`
	Reason         string `json:"reason,omitempty"`
	Carrier        string `json:"carrier,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
}

type TransitionOrderResponse struct {
	Order Order `json:"order"`
}

type GetOrderRequest struct {
	OrderID         string `json:"order_id"`
	IncludeTimeline bool   `json:"include_timeline,omitempty"`
}

type GetOrderResponse struct {
	Order    Order           `json:"order"`
	Timeline []TimelineEvent `json:"timeline,omitempty"`
}

type ListOrdersRequest struct {
	UserID string `json:"user_id"`
	Limit  int32  `json:"limit,omitempty"`
}

type ListOrdersResponse struct {
	Orders []Order `json:"orders"`
}

type RestockSKURequest struct {
	SKU string `json:"sku"`
	Qty int64  `json:"qty"`
	// Token делает пополнение идемпотентным.
	Token string `json:"token,omitempty"`
}

type RestockSKUResponse struct {
	SKU          string `json:"sku"`
	AvailableQty int64  `json:"available_qty"`
}
