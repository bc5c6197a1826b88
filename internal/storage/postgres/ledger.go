package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type stockLedger struct {
	q querier
	// db задан, когда ledger используется вне Store.WithinTx: тогда Adjust открывает свою транзакцию.
	db *sql.DB
}

func (l *stockLedger) Adjust(ctx context.Context, adj domain.StockAdjustment) (qty int64, err error) {
	if l.db == nil {
		return adjustStock(ctx, l.q, adj)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if qty, err = adjustStock(ctx, tx, adj); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ledger tx: %w", err)
	}
	return qty, nil
}

// adjustStock сначала записывает токен в stock_adjustments: повтор токена не доходит до UPDATE.
// Отрицательная delta применяется условным UPDATE, поэтому параллельные списания не уводят остаток в минус.
func adjustStock(ctx context.Context, q querier, adj domain.StockAdjustment) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()

	if adj.Token != "" {
		res, err := q.ExecContext(ctx, `
			INSERT INTO stock_adjustments (token, sku_id, delta, applied_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (token) DO NOTHING
		`, adj.Token, adj.SKU, adj.Delta, now)
		if err != nil {
			return 0, fmt.Errorf("record stock adjustment %s: %w", adj.Token, err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("stock adjustment rows affected: %w", err)
		}
		if inserted == 0 {
			return currentQty(ctx, q, adj.SKU)
		}
	}

	var (
		qty int64
		err error
	)
	if adj.Delta < 0 {
		err = q.QueryRowContext(ctx, `
			UPDATE skus
			SET available_qty = available_qty + $2,
			    updated_at = $3
			WHERE id = $1
			  AND active
			  AND available_qty + $2 >= 0
			RETURNING available_qty
		`, adj.SKU, adj.Delta, now).Scan(&qty)
	} else {
		err = q.QueryRowContext(ctx, `
			UPDATE skus
			SET available_qty = available_qty + $2,
			    updated_at = $3
			WHERE id = $1
			RETURNING available_qty
		`, adj.SKU, adj.Delta, now).Scan(&qty)
	}
	if err == nil {
		return qty, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isCheckViolation(err) {
			return 0, &domain.InsufficientStockError{SKU: adj.SKU, Requested: -adj.Delta}
		}
		return 0, fmt.Errorf("adjust stock for %s: %w", adj.SKU, err)
	}

	return 0, explainRejectedAdjustment(ctx, q, adj)
}

// explainRejectedAdjustment различает неизвестный, выключенный sku и нехватку остатка.
func explainRejectedAdjustment(ctx context.Context, q querier, adj domain.StockAdjustment) error {
	var (
		available int64
		active    bool
	)
	err := q.QueryRowContext(ctx, `SELECT available_qty, active FROM skus WHERE id = $1`, adj.SKU).Scan(&available, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidSKUReference, adj.SKU)
	}
	if err != nil {
		return fmt.Errorf("load sku %s: %w", adj.SKU, err)
	}
	if !active {
		return fmt.Errorf("%w: %s is inactive", domain.ErrInvalidSKUReference, adj.SKU)
	}
	return &domain.InsufficientStockError{SKU: adj.SKU, Requested: -adj.Delta, Available: available}
}

func currentQty(ctx context.Context, q querier, skuID string) (int64, error) {
	var qty int64
	err := q.QueryRowContext(ctx, `SELECT available_qty FROM skus WHERE id = $1`, skuID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", domain.ErrInvalidSKUReference, skuID)
	}
	if err != nil {
		return 0, fmt.Errorf("load sku %s: %w", skuID, err)
	}
	return qty, nil
}

// PurgeSettledTokens сопоставляет токен с заказом по второму сегменту reserve:/release:/update:.
func (l *stockLedger) PurgeSettledTokens(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	terminal := make([]string, 0, 3)
	for _, status := range domain.TerminalStatuses() {
		terminal = append(terminal, string(status))
	}

	res, err := l.q.ExecContext(ctx, `
		DELETE FROM stock_adjustments
		WHERE token IN (
			SELECT a.token
			FROM stock_adjustments a
			JOIN orders o ON o.id = split_part(a.token, ':', 2)
			WHERE split_part(a.token, ':', 1) IN ('reserve', 'release', 'update')
			  AND o.status = ANY($1)
			  AND o.updated_at <= $2
			ORDER BY a.applied_at ASC
			LIMIT $3
		)
	`, terminal, before, limitArg)
	if err != nil {
		return 0, fmt.Errorf("purge settled stock tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

var (
	_ domain.StockLedger      = (*stockLedger)(nil)
	_ domain.StockTokenPurger = (*stockLedger)(nil)
)
