package checkout

import (
	"errors"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// caller-facing ошибки: возвращаются как есть и не считаются сбоем транзакции.
var callerErrors = []error{
	domain.ErrUserRequired,
	domain.ErrCartRequired,
	domain.ErrCurrencyRequired,
	domain.ErrLinesRequired,
	domain.ErrLineQtyInvalid,
	domain.ErrLineDuplicated,
	domain.ErrLineSKURequired,
	domain.ErrLinePriceInvalid,
	domain.ErrTotalMismatch,
	domain.ErrCurrencyMismatch,
	domain.ErrShippingAddressRequired,
	domain.ErrPaymentAmountNegative,
	domain.ErrPaymentMethodRequired,
	domain.ErrPaymentStatusInvalid,
	domain.ErrOrderIDRequired,
	domain.ErrOrderNotFound,
	domain.ErrOrderNotModifiable,
	domain.ErrInvalidTransition,
}

// IsCallerError сообщает, что ошибка вызвана запросом, а не инфраструктурой.
func IsCallerError(err error) bool {
	for _, target := range callerErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// classify приводит ошибку транзакции к таксономии сервиса: отказ резерва,
// ошибка запроса или ErrTransactionAborted.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTransactionAborted) {
		return err
	}

	var shortage *domain.InsufficientStockError
	if errors.As(err, &shortage) {
		return domain.RejectionFromStock(shortage)
	}
	var rejection *domain.RejectionError
	if errors.As(err, &rejection) {
		return rejection
	}
	if errors.Is(err, domain.ErrInvalidSKUReference) || IsCallerError(err) {
		return err
	}
	return domain.Aborted(err)
}
