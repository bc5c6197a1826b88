package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// ErrRestockQtyInvalid: пополнение должно быть положительным.
var ErrRestockQtyInvalid = errors.New("restock qty must be greater than zero")

// Reserve списывает остаток по всем позициям заказа в порядке sku.
// Токены reserve:<order>:<sku> делают повтор внутри той же истории безопасным.
func Reserve(ctx context.Context, ledger domain.StockLedger, orderID string, lines []domain.Line) error {
	for _, line := range domain.GroupLines(lines) {
		if _, err := ledger.Adjust(ctx, domain.StockAdjustment{
			SKU:   line.SKU,
			Delta: -line.Qty,
			Token: domain.ReserveToken(orderID, line.SKU),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Release возвращает остаток по позициям заказа. Повтор с теми же токенами ничего не меняет.
func Release(ctx context.Context, ledger domain.StockLedger, orderID string, lines []domain.OrderLine) error {
	grouped := make([]domain.Line, 0, len(lines))
	for _, line := range lines {
		grouped = append(grouped, domain.Line{SKU: line.SKU, Qty: line.Qty})
	}
	for _, line := range domain.GroupLines(grouped) {
		if _, err := ledger.Adjust(ctx, domain.StockAdjustment{
			SKU:   line.SKU,
			Delta: line.Qty,
			Token: domain.ReleaseToken(orderID, line.SKU),
		}); err != nil {
			return fmt.Errorf("release %s for order %s: %w", line.SKU, orderID, err)
		}
	}
	return nil
}

// Service выполняет операции оператора над каталогом и остатком.
type Service struct {
	store  domain.Store
	logger *log.Entry
}

// NewService создаёт inventory-сервис.
func NewService(store domain.Store, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "inventory")
	}
	return &Service{store: store, logger: logger}
}

type restockedPayload struct {
	SKU          string `json:"sku"`
	Qty          int64  `json:"qty"`
	AvailableQty int64  `json:"available_qty"`
	Token        string `json:"token,omitempty"`
}

// Restock пополняет остаток через ledger. Непустой token делает вызов идемпотентным.
func (s *Service) Restock(ctx context.Context, sku string, qty int64, token string) (int64, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return 0, domain.ErrLineSKURequired
	}
	if qty <= 0 {
		return 0, ErrRestockQtyInvalid
	}

	var available int64
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		skus, err := tx.Catalog().GetSKUs(ctx, []string{sku})
		if err != nil {
			return err
		}
		if _, ok := skus[sku]; !ok {
			return fmt.Errorf("%w: %s", domain.ErrInvalidSKUReference, sku)
		}

		available, err = tx.Ledger().Adjust(ctx, domain.StockAdjustment{SKU: sku, Delta: qty, Token: token})
		if err != nil {
			return err
		}

		payload, err := json.Marshal(restockedPayload{SKU: sku, Qty: qty, AvailableQty: available, Token: token})
		if err != nil {
			return fmt.Errorf("marshal restock event: %w", err)
		}
		_, err = tx.Outbox().Enqueue(ctx, domain.OutboxMessage{
			AggregateType: domain.AggregateSKU,
			AggregateID:   sku,
			EventType:     domain.EventStockRestocked,
			Payload:       payload,
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger.WithFields(log.Fields{"sku": sku, "qty": qty, "available_qty": available}).Info("sku restocked")
	return available, nil
}

// SeedCatalog загружает описание sku. Остаток задаётся только для новых sku.
func (s *Service) SeedCatalog(ctx context.Context, skus []domain.SKU) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		for _, sku := range skus {
			if _, err := tx.Catalog().UpsertSKU(ctx, sku); err != nil {
				return fmt.Errorf("seed sku %s: %w", sku.ID, err)
			}
		}
		return nil
	})
}

// GetSKU возвращает sku из каталога.
func (s *Service) GetSKU(ctx context.Context, id string) (domain.SKU, error) {
	var sku domain.SKU
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		skus, err := tx.Catalog().GetSKUs(ctx, []string{id})
		if err != nil {
			return err
		}
		found, ok := skus[id]
		if !ok {
			return domain.ErrSKUNotFound
		}
		sku = found
		return nil
	})
	return sku, err
}
