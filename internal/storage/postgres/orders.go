package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const orderColumns = `id, number, user_id, status, currency, total_minor, note, version, reserve_deadline, created_at, updated_at`

type orderRepository struct {
	q querier
}

func (r *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		order.ID, order.Number, order.UserID, string(order.Status), order.Currency,
		order.TotalMinor, order.Note, order.Version, nullTime(order.ReserveDeadline),
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderVersionConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepository) InsertShipping(ctx context.Context, orderID string, shipping domain.Shipping) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO order_shipping (
			order_id, recipient, phone, address_line1, address_line2, city, postal_code, country,
			carrier, tracking_number, shipped_at, delivered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		orderID, shipping.Recipient, shipping.Phone, shipping.AddressLine1, shipping.AddressLine2,
		shipping.City, shipping.PostalCode, shipping.Country, shipping.Carrier, shipping.TrackingNumber,
		nullTime(shipping.ShippedAt), nullTime(shipping.DeliveredAt),
	); err != nil {
		return fmt.Errorf("insert order shipping: %w", err)
	}
	return nil
}

func (r *orderRepository) InsertPayment(ctx context.Context, payment domain.Payment) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO order_payments (
			id, order_id, method, transaction_id, status, amount_minor, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		payment.ID, payment.OrderID, payment.Method, payment.TransactionID, string(payment.Status),
		payment.AmountMinor, payment.CreatedAt, payment.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert order payment: %w", err)
	}
	return nil
}

func (r *orderRepository) UpsertLine(ctx context.Context, line domain.OrderLine) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO order_lines (order_id, sku_id, qty, unit_price_minor, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (order_id, sku_id) DO UPDATE
		SET qty = EXCLUDED.qty,
		    unit_price_minor = EXCLUDED.unit_price_minor
	`, line.OrderID, line.SKU, line.Qty, line.UnitPriceMinor, line.CreatedAt); err != nil {
		return fmt.Errorf("upsert order line: %w", err)
	}
	return nil
}

func (r *orderRepository) DeleteLine(ctx context.Context, orderID, sku string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = $1 AND sku_id = $2`, orderID, sku); err != nil {
		return fmt.Errorf("delete order line: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	return r.get(ctx, id, "")
}

// GetForUpdate берёт блокировку строки заказа до конца транзакции.
func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *orderRepository) get(ctx context.Context, id, lock string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`+lock, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, err
	}

	if err := r.loadDetails(ctx, &order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.q.QueryContext(ctx, query+" LIMIT $2", userID, limit)
	} else {
		rows, err = r.q.QueryContext(ctx, query, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	rows.Close()

	// детали грузим после закрытия курсора: внутри транзакции одно соединение
	for i := range orders {
		if err := r.loadDetails(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *orderRepository) TransitionStatus(ctx context.Context, orderID string, from []domain.OrderStatus, to domain.OrderStatus, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sources := make([]string, 0, len(from))
	for _, status := range from {
		sources = append(sources, string(status))
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    version = version + 1,
		    updated_at = $3
		WHERE id = $1
		  AND status = ANY($4)
	`, orderID, string(to), at, sources)
	if err != nil {
		return false, fmt.Errorf("transition order status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	exists, err := r.exists(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrOrderNotFound
	}
	return false, nil
}

func (r *orderRepository) UpdateTotal(ctx context.Context, orderID string, totalMinor, expectedVersion int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE orders
		SET total_minor = $2,
		    version = version + 1,
		    updated_at = $3
		WHERE id = $1
		  AND version = $4
	`, orderID, totalMinor, at, expectedVersion)
	if err != nil {
		return fmt.Errorf("update order total: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	exists, err := r.exists(ctx, orderID)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrOrderVersionConflict
}

func (r *orderRepository) UpdateShipping(ctx context.Context, orderID string, shipping domain.Shipping) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE order_shipping
		SET carrier = $2,
		    tracking_number = $3,
		    shipped_at = $4,
		    delivered_at = $5
		WHERE order_id = $1
	`, orderID, shipping.Carrier, shipping.TrackingNumber, nullTime(shipping.ShippedAt), nullTime(shipping.DeliveredAt))
	if err != nil {
		return fmt.Errorf("update order shipping: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (r *orderRepository) ConfirmPayments(ctx context.Context, orderID, transactionID string, at time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE order_payments
		SET status = $2,
		    transaction_id = CASE WHEN $3 = '' THEN transaction_id ELSE $3 END,
		    updated_at = $4
		WHERE order_id = $1
		  AND status = $5
	`, orderID, string(domain.PaymentStatusSuccess), transactionID, at, string(domain.PaymentStatusPending))
	if err != nil {
		return 0, fmt.Errorf("confirm order payments: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *orderRepository) loadDetails(ctx context.Context, order *domain.Order) error {
	var (
		shipping             domain.Shipping
		shippedAt, delivered sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT recipient, phone, address_line1, address_line2, city, postal_code, country,
		       carrier, tracking_number, shipped_at, delivered_at
		FROM order_shipping
		WHERE order_id = $1
	`, order.ID).Scan(
		&shipping.Recipient, &shipping.Phone, &shipping.AddressLine1, &shipping.AddressLine2,
		&shipping.City, &shipping.PostalCode, &shipping.Country, &shipping.Carrier,
		&shipping.TrackingNumber, &shippedAt, &delivered,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load order shipping: %w", err)
	}
	shipping.ShippedAt = shippedAt.Time
	shipping.DeliveredAt = delivered.Time
	order.Shipping = shipping

	payments, err := r.loadPayments(ctx, order.ID)
	if err != nil {
		return err
	}
	order.Payments = payments

	lines, err := r.loadLines(ctx, order.ID)
	if err != nil {
		return err
	}
	order.Lines = lines
	return nil
}

func (r *orderRepository) loadPayments(ctx context.Context, orderID string) ([]domain.Payment, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, order_id, method, transaction_id, status, amount_minor, created_at, updated_at
		FROM order_payments
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order payments: %w", err)
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		var (
			payment domain.Payment
			status  string
		)
		if err := rows.Scan(
			&payment.ID, &payment.OrderID, &payment.Method, &payment.TransactionID,
			&status, &payment.AmountMinor, &payment.CreatedAt, &payment.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order payment: %w", err)
		}
		payment.Status = domain.PaymentStatus(status)
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order payments: %w", err)
	}
	return payments, nil
}

func (r *orderRepository) loadLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT order_id, sku_id, qty, unit_price_minor, created_at
		FROM order_lines
		WHERE order_id = $1
		ORDER BY sku_id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order lines: %w", err)
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.OrderID, &line.SKU, &line.Qty, &line.UnitPriceMinor, &line.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order lines: %w", err)
	}
	return lines, nil
}

func (r *orderRepository) exists(ctx context.Context, orderID string) (bool, error) {
	var id string
	err := r.q.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order    domain.Order
		status   string
		deadline sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &order.Number, &order.UserID, &status, &order.Currency, &order.TotalMinor,
		&order.Note, &order.Version, &deadline, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	order.ReserveDeadline = deadline.Time
	return order, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ domain.OrderRepository = (*orderRepository)(nil)
