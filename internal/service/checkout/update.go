package checkout

import (
	"context"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

// UpdateLines заменяет состав pending-заказа. Списывается только прирост,
// уменьшение количества сразу возвращает остаток.
func (s *Service) UpdateLines(ctx context.Context, orderID string, lines []domain.Line) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	if len(lines) == 0 {
		return domain.Order{}, domain.ErrLinesRequired
	}
	grouped, err := s.validator.Group(lines)
	if err != nil {
		return domain.Order{}, err
	}

	var (
		updated domain.Order
		reduced bool
	)
	err = s.retry.do(ctx, "update_lines", func(ctx context.Context) error {
		var txErr error
		updated, reduced, txErr = s.updateOnce(ctx, orderID, grouped)
		return classify(txErr)
	})
	if err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Info("order lines update rejected")
		return domain.Order{}, err
	}

	if reduced {
		s.metrics.RecordReleased(metrics.ReleaseReasonReduced)
	}
	s.logger.WithFields(log.Fields{
		"order_id":    orderID,
		"version":     updated.Version,
		"total_minor": updated.TotalMinor,
	}).Info("order lines updated")
	return updated, nil
}

func (s *Service) updateOnce(ctx context.Context, orderID string, grouped []domain.Line) (domain.Order, bool, error) {
	var (
		updated domain.Order
		reduced bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Status.HoldsReservation() {
			return fmt.Errorf("%w: status %s", domain.ErrOrderNotModifiable, order.Status)
		}

		current := make(map[string]domain.OrderLine, len(order.Lines))
		for _, line := range order.Lines {
			current[line.SKU] = line
		}
		target := make(map[string]int64, len(grouped))
		for _, line := range grouped {
			target[line.SKU] = line.Qty
		}

		var increments []domain.Line
		var newSKUs []string
		for _, line := range grouped {
			existing, ok := current[line.SKU]
			if !ok {
				newSKUs = append(newSKUs, line.SKU)
			}
			if line.Qty > existing.Qty {
				increments = append(increments, domain.Line{SKU: line.SKU, Qty: line.Qty - existing.Qty})
			}
		}
		if len(increments) > 0 {
			if err := s.validator.Validate(ctx, tx.Catalog(), increments); err != nil {
				return err
			}
		}

		prices := make(map[string]domain.SKU, len(newSKUs))
		if len(newSKUs) > 0 {
			prices, err = tx.Catalog().GetSKUs(ctx, newSKUs)
			if err != nil {
				return fmt.Errorf("load skus: %w", err)
			}
			for _, id := range newSKUs {
				if prices[id].Currency != order.Currency {
					return fmt.Errorf("%w: sku %s is priced in %s, order in %s", domain.ErrCurrencyMismatch, id, prices[id].Currency, order.Currency)
				}
			}
		}

		skus := make([]string, 0, len(current)+len(target))
		for sku := range current {
			skus = append(skus, sku)
		}
		for sku := range target {
			if _, ok := current[sku]; !ok {
				skus = append(skus, sku)
			}
		}
		sort.Strings(skus)

		now := s.now()
		for _, sku := range skus {
			delta := target[sku] - current[sku].Qty
			if delta == 0 {
				continue
			}
			if delta < 0 {
				reduced = true
			}
			if _, err := tx.Ledger().Adjust(ctx, domain.StockAdjustment{
				SKU:   sku,
				Delta: -delta,
				Token: domain.UpdateToken(order.ID, order.Version, sku),
			}); err != nil {
				return err
			}

			qty, keep := target[sku]
			if !keep {
				if err := tx.Orders().DeleteLine(ctx, order.ID, sku); err != nil {
					return fmt.Errorf("delete order line: %w", err)
				}
				continue
			}
			line, existed := current[sku]
			if !existed {
				line = domain.OrderLine{
					OrderID:        order.ID,
					SKU:            sku,
					UnitPriceMinor: prices[sku].UnitPriceMinor,
					CreatedAt:      now,
				}
			}
			line.Qty = qty
			if err := tx.Orders().UpsertLine(ctx, line); err != nil {
				return fmt.Errorf("upsert order line: %w", err)
			}
		}

		order, err = tx.Orders().Get(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := tx.Orders().UpdateTotal(ctx, order.ID, domain.SumLines(order.Lines), order.Version, now); err != nil {
			return err
		}

		updated, err = tx.Orders().Get(ctx, order.ID)
		if err != nil {
			return err
		}
		return record(ctx, tx, domain.EventOrderLinesUpdated, newOrderEvent(updated), now)
	})
	return updated, reduced, err
}
