package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const idempotencyColumns = `key, request_hash, response_body, status_code, status, ttl_at, created_at, updated_at`

type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
// Ключи живут вне транзакций заказа: ответ фиксируется уже после коммита операции.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

// CreateProcessing вставляет ключ или перезаписывает истёкший. Живой ключ
// остаётся нетронутым, и вызывающий получает его текущую запись.
func (r *idempotencyRepository) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	want, err := domain.NewIdempotencyRecord(key, requestHash, ttlAt, time.Now().UTC())
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, status, ttl_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
		    response_body = NULL,
		    status_code = NULL,
		    status = EXCLUDED.status,
		    ttl_at = EXCLUDED.ttl_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.ttl_at <= EXCLUDED.created_at
		RETURNING `+idempotencyColumns,
		want.Key, want.RequestHash, string(want.Status), want.TTLAt, want.CreatedAt)

	created, err := scanIdempotencyRecord(row)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}

	existing, err := r.Get(want.Key)
	if err != nil {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	return existing, existing.Conflict(want.RequestHash)
}

func (r *idempotencyRepository) Get(key string) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	record, err := scanIdempotencyRecord(r.db.QueryRowContext(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	case err != nil:
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record %s: %w", key, err)
	}
	return record, nil
}

func (r *idempotencyRepository) MarkDone(key string, responseBody []byte, code int) error {
	return r.complete(key, domain.IdempotencyStatusDone, responseBody, code)
}

func (r *idempotencyRepository) MarkFailed(key string, responseBody []byte, code int) error {
	return r.complete(key, domain.IdempotencyStatusFailed, responseBody, code)
}

// Release удаляет ключ, только пока он в статусе processing.
func (r *idempotencyRepository) Release(key string) error {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err = r.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND status = $2`,
		key, string(domain.IdempotencyStatusProcessing))
	if err != nil {
		return fmt.Errorf("release idempotency key %s: %w", key, err)
	}
	return nil
}

// DeleteExpired удаляет ключи с истёкшим TTL, начиная с самых старых;
// limit <= 0 снимает ограничение на пачку.
func (r *idempotencyRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	var batch sql.NullInt64
	if limit > 0 {
		batch = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		WITH victims AS (
			SELECT key FROM idempotency_keys
			WHERE ttl_at <= $1
			ORDER BY ttl_at
			LIMIT $2
		)
		DELETE FROM idempotency_keys k
		USING victims v
		WHERE k.key = v.key
	`, before, batch)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired idempotency rows affected: %w", err)
	}
	return int(removed), nil
}

func (r *idempotencyRepository) complete(key string, status domain.IdempotencyStatus, responseBody []byte, code int) error {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET response_body = $2, status_code = $3, status = $4, updated_at = $5
		WHERE key = $1
	`, key, responseBody, code, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark idempotency key %s %s: %w", key, status, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	} else if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func scanIdempotencyRecord(row rowScanner) (domain.IdempotencyRecord, error) {
	var (
		record domain.IdempotencyRecord
		status string
		code   sql.NullInt64
	)
	if err := row.Scan(
		&record.Key, &record.RequestHash, &record.ResponseBody, &code,
		&status, &record.TTLAt, &record.CreatedAt, &record.UpdatedAt,
	); err != nil {
		return domain.IdempotencyRecord{}, err
	}

	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", status, record.Key)
	}
	record.ResultCode = int(code.Int64)
	return record, nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
