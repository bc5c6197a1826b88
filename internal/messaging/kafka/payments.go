package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// PaymentConfirmer подтверждает оплату заказа.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, orderID, transactionID string) (domain.TransitionResult, error)
}

// NewPaymentHandler возвращает обработчик topic подтверждений оплаты.
// Повторяется только прерванная транзакция. Неразбираемое сообщение и отсутствующий
// заказ помечаются как Permanent и уходят в DLQ.
func NewPaymentHandler(confirmer PaymentConfirmer, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "payment-consumer")
	}

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParsePaymentConfirmed(message)
		if err != nil {
			return Permanent(err)
		}

		result, err := confirmer.ConfirmPayment(ctx, event.OrderID, event.TransactionID)
		if err != nil {
			if errors.Is(err, domain.ErrTransactionAborted) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return Permanent(err)
		}

		entry := logger.WithFields(log.Fields{
			"order_id":       event.OrderID,
			"transaction_id": event.TransactionID,
			"result":         result,
		})
		if result == domain.TransitionAlreadyTerminal {
			entry.Info("payment confirmation ignored: reservation already resolved")
			return nil
		}
		entry.Info("payment confirmed from kafka")
		return nil
	}
}
