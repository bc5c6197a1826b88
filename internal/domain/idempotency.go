package domain

import (
	"strings"
	"time"
)

// DefaultIdempotencyTTL используется, если ttl ключа не задан явно.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing: мутирующий вызов принят и ещё выполняется.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone: ответ сохранён и отдаётся на повторы.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed: сохранена окончательная ошибка (например, отказ по остатку).
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord связывает idempotency-key с хешем запроса и сохранённым результатом.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	// ResponseBody: сериализованный ответ или описание ошибки.
	ResponseBody []byte
	// ResultCode хранит gRPC-код завершения, 0 пока вызов не завершён.
	ResultCode int
	Status     IdempotencyStatus
	TTLAt      time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Finished сообщает, что результат сохранён и повтор можно отдать из кеша.
func (r IdempotencyRecord) Finished() bool {
	return r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
}

// ExpiredAt сообщает, что ttl ключа истёк к моменту at.
func (r IdempotencyRecord) ExpiredAt(at time.Time) bool {
	return !r.TTLAt.After(at)
}

// IdempotencyTTL возвращает срок жизни ключа, созданного в now.
func IdempotencyTTL(now, ttlAt time.Time) time.Time {
	if ttlAt.IsZero() {
		return now.Add(DefaultIdempotencyTTL)
	}
	return ttlAt
}

// NormalizeIdempotencyKey обрезает пробелы и отклоняет пустой ключ.
func NormalizeIdempotencyKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrIdempotencyKeyRequired
	}
	return key, nil
}

// NewIdempotencyRecord собирает запись в статусе processing, созданную в now.
func NewIdempotencyRecord(key, requestHash string, ttlAt, now time.Time) (IdempotencyRecord, error) {
	key, err := NormalizeIdempotencyKey(key)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	requestHash = strings.TrimSpace(requestHash)
	if requestHash == "" {
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}
	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       IdempotencyTTL(now, ttlAt),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Conflict объясняет, почему живой ключ нельзя занять запросом с хешем requestHash.
func (r IdempotencyRecord) Conflict(requestHash string) error {
	if r.RequestHash != requestHash {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}
