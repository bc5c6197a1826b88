package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type orderRepository struct {
	s  *Store
	tx *memTx
}

func (r *orderRepository) Insert(_ context.Context, order domain.Order) error {
	return r.s.exec(r.tx, func(tx *memTx) error {
		if _, exists := tx.s.orders[order.ID]; exists {
			return domain.ErrOrderVersionConflict
		}
		for _, other := range tx.s.orders {
			if order.Number != "" && other.Number == order.Number {
				return domain.ErrOrderVersionConflict
			}
		}

		header := order
		header.Shipping = domain.Shipping{}
		header.Payments = nil
		header.Lines = nil

		remember(tx, tx.s.orders, order.ID)
		tx.s.orders[order.ID] = header
		return nil
	})
}

func (r *orderRepository) InsertShipping(_ context.Context, orderID string, shipping domain.Shipping) error {
	return r.mutate(orderID, func(order *domain.Order) error {
		order.Shipping = shipping
		return nil
	})
}

func (r *orderRepository) InsertPayment(_ context.Context, payment domain.Payment) error {
	return r.mutate(payment.OrderID, func(order *domain.Order) error {
		order.Payments = append(order.Payments, payment)
		return nil
	})
}

func (r *orderRepository) UpsertLine(_ context.Context, line domain.OrderLine) error {
	return r.mutate(line.OrderID, func(order *domain.Order) error {
		for i := range order.Lines {
			if order.Lines[i].SKU == line.SKU {
				order.Lines[i] = line
				return nil
			}
		}
		order.Lines = append(order.Lines, line)
		sort.Slice(order.Lines, func(i, j int) bool { return order.Lines[i].SKU < order.Lines[j].SKU })
		return nil
	})
}

func (r *orderRepository) DeleteLine(_ context.Context, orderID, sku string) error {
	return r.mutate(orderID, func(order *domain.Order) error {
		kept := order.Lines[:0]
		for _, line := range order.Lines {
			if line.SKU != sku {
				kept = append(kept, line)
			}
		}
		order.Lines = kept
		return nil
	})
}

func (r *orderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	var order domain.Order
	err := r.s.exec(r.tx, func(tx *memTx) error {
		stored, ok := tx.s.orders[id]
		if !ok {
			return domain.ErrOrderNotFound
		}
		order = cloneOrder(stored)
		return nil
	})
	return order, err
}

// GetForUpdate совпадает с Get: транзакция и так держит эксклюзивную блокировку хранилища.
func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return r.Get(ctx, id)
}

func (r *orderRepository) ListByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	var result []domain.Order
	err := r.s.exec(r.tx, func(tx *memTx) error {
		for _, order := range tx.s.orders {
			if order.UserID == userID {
				result = append(result, cloneOrder(order))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *orderRepository) TransitionStatus(_ context.Context, orderID string, from []domain.OrderStatus, to domain.OrderStatus, at time.Time) (bool, error) {
	applied := false
	err := r.mutate(orderID, func(order *domain.Order) error {
		for _, status := range from {
			if order.Status == status {
				order.Status = to
				order.UpdatedAt = at
				order.Version++
				applied = true
				return nil
			}
		}
		return nil
	})
	return applied, err
}

func (r *orderRepository) UpdateTotal(_ context.Context, orderID string, totalMinor, expectedVersion int64, at time.Time) error {
	return r.mutate(orderID, func(order *domain.Order) error {
		if order.Version != expectedVersion {
			return domain.ErrOrderVersionConflict
		}
		order.TotalMinor = totalMinor
		order.UpdatedAt = at
		order.Version++
		return nil
	})
}

func (r *orderRepository) UpdateShipping(_ context.Context, orderID string, shipping domain.Shipping) error {
	return r.mutate(orderID, func(order *domain.Order) error {
		order.Shipping = shipping
		return nil
	})
}

func (r *orderRepository) ConfirmPayments(_ context.Context, orderID, transactionID string, at time.Time) (int, error) {
	confirmed := 0
	err := r.mutate(orderID, func(order *domain.Order) error {
		for i := range order.Payments {
			if order.Payments[i].Confirm(transactionID, at) {
				confirmed++
			}
		}
		return nil
	})
	return confirmed, err
}

// mutate меняет копию заказа и сохраняет её, запоминая прежнюю версию для отката.
func (r *orderRepository) mutate(orderID string, fn func(order *domain.Order) error) error {
	return r.s.exec(r.tx, func(tx *memTx) error {
		stored, ok := tx.s.orders[orderID]
		if !ok {
			return domain.ErrOrderNotFound
		}
		order := cloneOrder(stored)
		if err := fn(&order); err != nil {
			return err
		}
		remember(tx, tx.s.orders, orderID)
		tx.s.orders[orderID] = order
		return nil
	})
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Payments = append([]domain.Payment(nil), src.Payments...)
	dst.Lines = append([]domain.OrderLine(nil), src.Lines...)
	return dst
}

var _ domain.OrderRepository = (*orderRepository)(nil)
