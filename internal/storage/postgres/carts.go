package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type cartRepository struct {
	q querier
	// db задан вне Store.WithinTx: AddQty открывает свою транзакцию на изменение и удаление пустой строки.
	db *sql.DB
}

// AddQty прибавляет delta под блокировкой строки, чтобы параллельные добавления не терялись,
// а строка, ушедшая в ноль или минус, удалялась в той же транзакции.
func (r *cartRepository) AddQty(ctx context.Context, cartID, sku string, delta int64) (qty int64, err error) {
	if r.db == nil {
		return addCartQty(ctx, r.q, cartID, sku, delta)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cart tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if qty, err = addCartQty(ctx, tx, cartID, sku, delta); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cart tx: %w", err)
	}
	return qty, nil
}

func addCartQty(ctx context.Context, q querier, cartID, sku string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()

	var (
		qty int64
		err error
	)
	if delta > 0 {
		err = q.QueryRowContext(ctx, `
			INSERT INTO cart_lines (cart_id, sku_id, qty, updated_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (cart_id, sku_id) DO UPDATE
			SET qty = cart_lines.qty + EXCLUDED.qty,
			    updated_at = EXCLUDED.updated_at
			RETURNING qty
		`, cartID, sku, delta, now).Scan(&qty)
	} else {
		err = q.QueryRowContext(ctx, `
			UPDATE cart_lines
			SET qty = qty + $3,
			    updated_at = $4
			WHERE cart_id = $1 AND sku_id = $2
			RETURNING qty
		`, cartID, sku, delta, now).Scan(&qty)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
	}
	if err != nil {
		return 0, fmt.Errorf("add cart qty: %w", err)
	}

	if qty <= 0 {
		if _, err := q.ExecContext(ctx, `
			DELETE FROM cart_lines
			WHERE cart_id = $1 AND sku_id = $2 AND qty <= 0
		`, cartID, sku); err != nil {
			return 0, fmt.Errorf("delete empty cart line: %w", err)
		}
		return 0, nil
	}
	return qty, nil
}

func (r *cartRepository) Lines(ctx context.Context, cartID string) ([]domain.CartLine, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT cart_id, sku_id, qty, updated_at
		FROM cart_lines
		WHERE cart_id = $1 AND qty > 0
		ORDER BY sku_id
	`, cartID)
	if err != nil {
		return nil, fmt.Errorf("list cart lines: %w", err)
	}
	defer rows.Close()

	lines := make([]domain.CartLine, 0)
	for rows.Next() {
		var line domain.CartLine
		if err := rows.Scan(&line.CartID, &line.SKU, &line.Qty, &line.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart lines: %w", err)
	}
	return lines, nil
}

func (r *cartRepository) Clear(ctx context.Context, cartID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `DELETE FROM cart_lines WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

var _ domain.CartRepository = (*cartRepository)(nil)
