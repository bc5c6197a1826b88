package memory

import (
	"slices"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// idempotencyRepository хранит ключи отдельно от Store: они не участвуют в транзакциях заказа.
type idempotencyRepository struct {
	mu    sync.RWMutex
	now   func() time.Time
	items map[string]domain.IdempotencyRecord
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyRepository{
		now:   func() time.Time { return time.Now().UTC() },
		items: make(map[string]domain.IdempotencyRecord),
	}
}

// CreateProcessing занимает ключ. Истёкшая запись перезаписывается.
func (r *idempotencyRepository) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	now := r.now()
	record, err := domain.NewIdempotencyRecord(key, requestHash, ttlAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.items[record.Key]; ok && !existing.ExpiredAt(now) {
		return copyRecord(existing), existing.Conflict(record.RequestHash)
	}
	r.items[record.Key] = record
	return copyRecord(record), nil
}

func (r *idempotencyRepository) Get(key string) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if record, ok := r.items[key]; ok {
		return copyRecord(record), nil
	}
	return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
}

func (r *idempotencyRepository) MarkDone(key string, responseBody []byte, code int) error {
	return r.update(key, func(rec *domain.IdempotencyRecord) {
		rec.Status = domain.IdempotencyStatusDone
		rec.ResponseBody = slices.Clone(responseBody)
		rec.ResultCode = code
	})
}

func (r *idempotencyRepository) MarkFailed(key string, responseBody []byte, code int) error {
	return r.update(key, func(rec *domain.IdempotencyRecord) {
		rec.Status = domain.IdempotencyStatusFailed
		rec.ResponseBody = slices.Clone(responseBody)
		rec.ResultCode = code
	})
}

// Release забывает ключ, пока он в processing. Завершённый ключ не трогается.
func (r *idempotencyRepository) Release(key string) error {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if record, ok := r.items[key]; ok && !record.Finished() {
		delete(r.items, key)
	}
	return nil
}

// DeleteExpired удаляет до limit ключей с TTL не позже before, начиная с самых старых.
func (r *idempotencyRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var victims []domain.IdempotencyRecord
	for _, record := range r.items {
		if record.ExpiredAt(before) {
			victims = append(victims, record)
		}
	}
	slices.SortFunc(victims, func(a, b domain.IdempotencyRecord) int { return a.TTLAt.Compare(b.TTLAt) })
	if limit > 0 {
		victims = victims[:min(limit, len(victims))]
	}

	for _, record := range victims {
		delete(r.items, record.Key)
	}
	return len(victims), nil
}

func (r *idempotencyRepository) update(key string, apply func(*domain.IdempotencyRecord)) error {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.items[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	apply(&record)
	record.UpdatedAt = r.now()
	r.items[key] = record
	return nil
}

func copyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	src.ResponseBody = slices.Clone(src.ResponseBody)
	return src
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
