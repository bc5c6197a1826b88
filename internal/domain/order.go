package domain

import "time"

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending: заказ закоммичен, остаток списан, оплата ещё не подтверждена.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid: оплата подтверждена, резерв стал постоянным.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusStockReleased: резерв истёк до оплаты, остаток возвращён.
	OrderStatusStockReleased OrderStatus = "stock_released"
	// OrderStatusShipped: заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered: заказ получен клиентом.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled: заказ отменён оператором.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded: деньги по заказу возвращены.
	OrderStatusRefunded OrderStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusPaid, OrderStatusStockReleased, OrderStatusShipped, OrderStatusCancelled},
	OrderStatusPaid:      {OrderStatusShipped, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusShipped:   {OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusDelivered: {OrderStatusRefunded},
}

// Valid проверяет, что статус известен.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusStockReleased, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, что из статуса нет переходов.
func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && len(orderTransitions[s]) == 0
}

// TerminalStatuses возвращает статусы, из которых нет переходов.
func TerminalStatuses() []OrderStatus {
	var terminal []OrderStatus
	for _, status := range []OrderStatus{
		OrderStatusPending, OrderStatusPaid, OrderStatusStockReleased, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded,
	} {
		if status.IsTerminal() {
			terminal = append(terminal, status)
		}
	}
	return terminal
}

// HoldsReservation: резерв ещё не разрешён ни оплатой, ни истечением.
func (s OrderStatus) HoldsReservation() bool {
	return s == OrderStatusPending
}

// CanTransitionTo проверяет переход по машине состояний.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionSources возвращает статусы, из которых разрешён переход в target.
func TransitionSources(target OrderStatus) []OrderStatus {
	var sources []OrderStatus
	for _, from := range []OrderStatus{OrderStatusPending, OrderStatusPaid, OrderStatusShipped, OrderStatusDelivered} {
		if from.CanTransitionTo(target) {
			sources = append(sources, from)
		}
	}
	return sources
}

// TransitionResult: итог условного перехода статуса.
type TransitionResult string

const (
	// TransitionApplied: переход выполнен этим вызовом.
	TransitionApplied TransitionResult = "applied"
	// TransitionAlreadyTerminal: заказ уже вышел из исходного статуса, вызов ничего не изменил.
	TransitionAlreadyTerminal TransitionResult = "already_terminal"
)

// OrderLine: позиция заказа с ценой, зафиксированной на момент коммита.
type OrderLine struct {
	OrderID        string
	SKU            string
	Qty            int64
	UnitPriceMinor int64
	CreatedAt      time.Time
}

// TotalMinor возвращает стоимость позиции.
func (l OrderLine) TotalMinor() int64 {
	return l.Qty * l.UnitPriceMinor
}

// Order агрегирует заголовок, доставку, платежи и позиции заказа.
type Order struct {
	ID         string
	Number     string
	UserID     string
	Status     OrderStatus
	Currency   string
	TotalMinor int64
	Note       string
	Shipping   Shipping
	Payments   []Payment
	Lines      []OrderLine
	Version    int64
	// ReserveDeadline: момент, после которого неоплаченный резерв освобождается.
	ReserveDeadline time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SumLines считает сумму позиций.
func SumLines(lines []OrderLine) int64 {
	var total int64
	for _, line := range lines {
		total += line.TotalMinor()
	}
	return total
}

// LineQty возвращает количество по каждому sku заказа.
func (o Order) LineQty() map[string]int64 {
	qty := make(map[string]int64, len(o.Lines))
	for _, line := range o.Lines {
		qty[line.SKU] += line.Qty
	}
	return qty
}

// HasCompletedPayment сообщает, есть ли у заказа успешный платёж.
func (o Order) HasCompletedPayment() bool {
	for _, payment := range o.Payments {
		if payment.Status == PaymentStatusSuccess {
			return true
		}
	}
	return false
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Lines) == 0 {
		errs = append(errs, ErrLinesRequired)
	}
	errs = append(errs, o.Shipping.Validate()...)

	seen := make(map[string]struct{}, len(o.Lines))
	for _, line := range o.Lines {
		if line.SKU == "" {
			errs = append(errs, ErrLineSKURequired)
		}
		if _, dup := seen[line.SKU]; dup {
			errs = append(errs, ErrLineDuplicated)
		}
		seen[line.SKU] = struct{}{}
		if line.Qty <= 0 {
			errs = append(errs, ErrLineQtyInvalid)
		}
		if line.UnitPriceMinor < 0 {
			errs = append(errs, ErrLinePriceInvalid)
		}
	}
	if SumLines(o.Lines) != o.TotalMinor {
		errs = append(errs, ErrTotalMismatch)
	}

	for _, payment := range o.Payments {
		errs = append(errs, payment.Validate()...)
	}

	return errs
}
