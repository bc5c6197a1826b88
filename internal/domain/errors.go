package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInsufficientStock: остатка sku не хватает для запрошенного количества.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidSKUReference: sku не существует или выключен в каталоге.
	ErrInvalidSKUReference = errors.New("invalid sku reference")
	// ErrAlreadyTerminal: резерв заказа уже разрешён (оплачен или освобождён).
	ErrAlreadyTerminal = errors.New("order reservation already terminal")
	// ErrTransactionAborted: инфраструктурный сбой внутри атомарной операции, состояние откачено.
	ErrTransactionAborted = errors.New("transaction aborted")

	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствующего идентификатора корзины.
	ErrCartRequired = errors.New("cart_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrLinesRequired = errors.New("order must contain at least one line")
	// Ошибка при некорректном количестве в позиции (<= 0).
	ErrLineQtyInvalid = errors.New("line qty must be greater than zero")
	// Ошибка повторяющегося sku среди позиций заказа.
	ErrLineDuplicated = errors.New("order lines must be unique per sku")
	// Ошибка пустого sku в позиции.
	ErrLineSKURequired = errors.New("line sku is required")
	// Ошибка, если цена позиции отрицательная.
	ErrLinePriceInvalid = errors.New("line price must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrTotalMismatch = errors.New("order total does not match lines sum")
	// Ошибка смешения валют в одном заказе.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// Ошибка отсутствующего адреса доставки.
	ErrShippingAddressRequired = errors.New("shipping recipient, address, city and country are required")
	// Ошибка отрицательной суммы платежа.
	ErrPaymentAmountNegative = errors.New("payment amount must be non-negative")
	// Ошибка отсутствующего способа оплаты.
	ErrPaymentMethodRequired = errors.New("payment method is required")
	// Ошибка неизвестного статуса платежа.
	ErrPaymentStatusInvalid = errors.New("payment status is invalid")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrOrderNotModifiable: состав заказа можно менять только пока резерв активен.
	ErrOrderNotModifiable = errors.New("order lines can only be changed while order is pending")
	// ErrInvalidTransition: переход статуса не разрешён машиной состояний.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrSKUNotFound: sku не найден при прямом обращении к каталогу.
	ErrSKUNotFound = errors.New("sku not found")
	// Ошибка некорректного описания sku при загрузке каталога.
	ErrSKUInvalid = errors.New("sku is invalid")
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrExpiryJobNotFound: задача истечения резерва не найдена.
	ErrExpiryJobNotFound = errors.New("expiry job not found")

	// Ошибки хранилища idempotency-ключей.
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// InsufficientStockError возвращается StockLedger, когда условное списание не прошло.
type InsufficientStockError struct {
	SKU       string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for sku %s: requested %d, available %d", e.SKU, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// RejectReasonCode классифицирует причину отказа валидатора.
type RejectReasonCode string

const (
	ReasonInvalidSKU        RejectReasonCode = "invalid_sku"
	ReasonInsufficientStock RejectReasonCode = "insufficient_stock"
)

// RejectReason описывает проблему по одному sku.
type RejectReason struct {
	SKU       string
	Code      RejectReasonCode
	Requested int64
	Available int64
}

func (r RejectReason) String() string {
	if r.Code == ReasonInvalidSKU {
		return fmt.Sprintf("%s: invalid sku reference", r.SKU)
	}
	return fmt.Sprintf("%s: requested %d, available %d", r.SKU, r.Requested, r.Available)
}

// RejectionError: отказ ReservationValidator или коммита по всему набору позиций.
type RejectionError struct {
	Reasons []RejectReason
}

// NewRejection собирает отказ с причинами, упорядоченными по sku.
func NewRejection(reasons ...RejectReason) *RejectionError {
	sorted := append([]RejectReason(nil), reasons...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SKU < sorted[j].SKU })
	return &RejectionError{Reasons: sorted}
}

func (e *RejectionError) Error() string {
	parts := make([]string, 0, len(e.Reasons))
	for _, reason := range e.Reasons {
		parts = append(parts, reason.String())
	}
	return "reservation rejected: " + strings.Join(parts, "; ")
}

// Unwrap позволяет errors.Is находить ErrInsufficientStock и ErrInvalidSKUReference.
func (e *RejectionError) Unwrap() []error {
	var (
		errs              []error
		invalid, shortage bool
	)
	for _, reason := range e.Reasons {
		switch reason.Code {
		case ReasonInvalidSKU:
			invalid = true
		case ReasonInsufficientStock:
			shortage = true
		}
	}
	if invalid {
		errs = append(errs, ErrInvalidSKUReference)
	}
	if shortage {
		errs = append(errs, ErrInsufficientStock)
	}
	return errs
}

// RejectionFromStock переводит ошибку ledger в отказ с одной причиной.
func RejectionFromStock(err *InsufficientStockError) *RejectionError {
	return NewRejection(RejectReason{
		SKU:       err.SKU,
		Code:      ReasonInsufficientStock,
		Requested: err.Requested,
		Available: err.Available,
	})
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsInsufficientStock проверяет, вызван ли отказ нехваткой остатка.
func IsInsufficientStock(err error) bool {
	return errors.Is(err, ErrInsufficientStock)
}

// IsAlreadyTerminal проверяет, что операция пришла к уже разрешённому резерву.
func IsAlreadyTerminal(err error) bool {
	return errors.Is(err, ErrAlreadyTerminal)
}

// IsRejection проверяет, является ли ошибка бизнес-отказом (а не сбоем инфраструктуры).
func IsRejection(err error) bool {
	var rejection *RejectionError
	var shortage *InsufficientStockError
	return errors.As(err, &rejection) || errors.As(err, &shortage) || errors.Is(err, ErrInvalidSKUReference)
}

// Aborted оборачивает инфраструктурную ошибку как ErrTransactionAborted, сохраняя причину.
func Aborted(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransactionAborted, err)
}
