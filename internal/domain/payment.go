package domain

import (
	"strings"
	"time"
)

// PaymentStatus описывает состояние платежа в системе.
type PaymentStatus string

// Платёж создаётся при коммите заказа в pending и подтверждается callback-ом провайдера.
const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusSuccess, PaymentStatusFailed:
		return true
	default:
		return false
	}
}

// Payment описывает платёж, связанный с заказом.
type Payment struct {
	ID      string
	OrderID string
	Method  string
	// TransactionID пуст, пока провайдер не подтвердил платёж.
	TransactionID string
	Status        PaymentStatus
	AmountMinor   int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Normalize подставляет pending вместо пустого статуса.
func (p *Payment) Normalize() {
	p.Method = strings.TrimSpace(p.Method)
	if p.Status == "" {
		p.Status = PaymentStatusPending
	}
}

// Confirm переводит pending-платёж в success. Для других статусов возвращает false
// и ничего не меняет: повторный callback провайдера не переписывает транзакцию.
func (p *Payment) Confirm(transactionID string, at time.Time) bool {
	if p.Status != PaymentStatusPending {
		return false
	}
	p.Status = PaymentStatusSuccess
	if transactionID != "" {
		p.TransactionID = transactionID
	}
	p.UpdatedAt = at
	return true
}

// Validate возвращает все нарушения сразу.
func (p *Payment) Validate() []error {
	var errs []error
	if p.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if strings.TrimSpace(p.Method) == "" {
		errs = append(errs, ErrPaymentMethodRequired)
	}
	if p.AmountMinor < 0 {
		errs = append(errs, ErrPaymentAmountNegative)
	}
	if !p.Status.Valid() {
		errs = append(errs, ErrPaymentStatusInvalid)
	}
	return errs
}
