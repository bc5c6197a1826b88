package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type cartKey struct {
	cartID string
	sku    string
}

// Store хранит все агрегаты в памяти с транзакциями поверх одного мьютекса.
// Транзакция держит мьютекс целиком и ведёт журнал отката, поэтому корректировки
// остатка линеаризуемы, а неудачная транзакция не оставляет следов.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	skus        map[string]domain.SKU
	adjustments map[string]domain.StockAdjustment
	carts       map[cartKey]domain.CartLine
	orders      map[string]domain.Order
	jobs        map[string]domain.ExpiryJob
	outbox      map[string]outboxRecord
	outboxSeq   int64
	timeline    map[string][]domain.TimelineEvent
}

// NewStore создаёт пустое in-memory хранилище.
func NewStore() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		skus:        make(map[string]domain.SKU),
		adjustments: make(map[string]domain.StockAdjustment),
		carts:       make(map[cartKey]domain.CartLine),
		orders:      make(map[string]domain.Order),
		jobs:        make(map[string]domain.ExpiryJob),
		outbox:      make(map[string]outboxRecord),
		timeline:    make(map[string][]domain.TimelineEvent),
	}
}

// WithinTx выполняет fn атомарно относительно всех остальных операций хранилища.
// Вложенный WithinTx внутри fn приведёт к дедлоку: внутри используйте только tx.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.exec(nil, func(tx *memTx) error {
		return fn(ctx, tx)
	})
}

// Catalog возвращает каталог вне транзакции.
func (s *Store) Catalog() domain.CatalogRepository { return &catalogRepository{s: s} }

// Ledger возвращает StockLedger вне транзакции: каждая корректировка идёт отдельной транзакцией.
func (s *Store) Ledger() domain.StockLedger { return &stockLedger{s: s} }

// StockTokens удаляет токены корректировок завершённых заказов.
func (s *Store) StockTokens() domain.StockTokenPurger { return &stockLedger{s: s} }

// Orders возвращает репозиторий заказов вне транзакции.
func (s *Store) Orders() domain.OrderRepository { return &orderRepository{s: s} }

// ExpiryJobs возвращает очередь задач истечения резерва.
func (s *Store) ExpiryJobs() domain.ExpiryJobRepository { return &expiryJobRepository{s: s} }

// Outbox возвращает outbox вне транзакции (для воркера публикации).
func (s *Store) Outbox() domain.OutboxRepository { return &outboxRepository{s: s} }

// Timeline возвращает timeline вне транзакции.
func (s *Store) Timeline() domain.TimelineRepository { return &timelineRepository{s: s} }

// Carts возвращает корзины, хранящиеся рядом с заказами.
func (s *Store) Carts() domain.CartRepository { return &cartRepository{s: s} }

// exec выполняет fn в переданной транзакции или открывает новую.
func (s *Store) exec(tx *memTx, fn func(tx *memTx) error) (err error) {
	if tx != nil {
		return fn(tx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx = &memTx{s: s}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// memTx копит функции отката до завершения транзакции.
type memTx struct {
	s    *Store
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) Catalog() domain.CatalogRepository { return &catalogRepository{s: tx.s, tx: tx} }
func (tx *memTx) Ledger() domain.StockLedger        { return &stockLedger{s: tx.s, tx: tx} }
func (tx *memTx) Orders() domain.OrderRepository    { return &orderRepository{s: tx.s, tx: tx} }
func (tx *memTx) ExpiryJobs() domain.ExpiryJobRepository {
	return &expiryJobRepository{s: tx.s, tx: tx}
}
func (tx *memTx) Outbox() domain.OutboxRepository     { return &outboxRepository{s: tx.s, tx: tx} }
func (tx *memTx) Timeline() domain.TimelineRepository { return &timelineRepository{s: tx.s, tx: tx} }

// remember запоминает текущее значение ключа, чтобы откат вернул его (или удалил новый ключ).
func remember[K comparable, V any](tx *memTx, m map[K]V, key K) {
	prev, existed := m[key]
	tx.undo = append(tx.undo, func() {
		if existed {
			m[key] = prev
			return
		}
		delete(m, key)
	})
}

var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = (*memTx)(nil)
)
