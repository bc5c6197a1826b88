package domain

import (
	"context"
	"time"
)

// Store выполняет функцию в одной атомарной единице работы.
// Если fn вернула ошибку, ни одно изменение, сделанное через tx, не сохраняется.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx даёт репозитории, привязанные к текущей транзакции.
type Tx interface {
	Catalog() CatalogRepository
	Ledger() StockLedger
	Orders() OrderRepository
	ExpiryJobs() ExpiryJobRepository
	Outbox() OutboxRepository
	Timeline() TimelineRepository
}

// CatalogReader: узкий интерфейс внешнего каталога.
type CatalogReader interface {
	// GetSKUs возвращает найденные sku; отсутствующие в ответе просто не попадают в map.
	GetSKUs(ctx context.Context, ids []string) (map[string]SKU, error)
	// ResolveSKU переводит ссылку товар/вариация в sku или возвращает ErrSKUNotFound.
	ResolveSKU(ctx context.Context, productID, variationID string) (SKU, error)
}

// CatalogWriter загружает каталог при старте и из админских операций.
// UpsertSKU задаёт остаток только при первой вставке, дальше остаток меняет StockLedger.
type CatalogWriter interface {
	UpsertSKU(ctx context.Context, sku SKU) (SKU, error)
}

// CatalogRepository объединяет чтение и загрузку каталога.
type CatalogRepository interface {
	CatalogReader
	CatalogWriter
}

// StockLedger: единственный компонент, который пишет счётчик остатка.
type StockLedger interface {
	// Adjust атомарно применяет delta. Отрицательная delta отклоняется с *InsufficientStockError,
	// если остаток ушёл бы в минус. Повтор с тем же непустым Token ничего не меняет.
	Adjust(ctx context.Context, adj StockAdjustment) (int64, error)
}

// StockTokenPurger удаляет токены корректировок, которые уже не могут быть повторены.
type StockTokenPurger interface {
	// PurgeSettledTokens удаляет до limit токенов заказов в финальном статусе,
	// обновлённых не позже before.
	PurgeSettledTokens(ctx context.Context, before time.Time, limit int) (int, error)
}

// CartRepository хранит строки корзин с атомарным инкрементом на стороне хранилища.
type CartRepository interface {
	// AddQty прибавляет delta к строке (cart, sku) и удаляет её, если количество стало <= 0.
	// Возвращает итоговое количество (0 для удалённой строки).
	AddQty(ctx context.Context, cartID, sku string, delta int64) (int64, error)
	Lines(ctx context.Context, cartID string) ([]CartLine, error)
	Clear(ctx context.Context, cartID string) error
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Insert сохраняет заголовок заказа. Доставка, платежи и позиции пишутся отдельными вызовами.
	Insert(ctx context.Context, order Order) error
	InsertShipping(ctx context.Context, orderID string, shipping Shipping) error
	InsertPayment(ctx context.Context, payment Payment) error
	UpsertLine(ctx context.Context, line OrderLine) error
	DeleteLine(ctx context.Context, orderID, sku string) error
	// Get возвращает агрегат целиком или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// GetForUpdate как Get, но блокирует заказ до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// TransitionStatus переводит заказ в to, только если текущий статус входит в from.
	// Возвращает false, если условие не выполнено.
	TransitionStatus(ctx context.Context, orderID string, from []OrderStatus, to OrderStatus, at time.Time) (bool, error)
	// UpdateTotal сохраняет новую сумму и увеличивает версию, проверяя expectedVersion.
	UpdateTotal(ctx context.Context, orderID string, totalMinor, expectedVersion int64, at time.Time) error
	UpdateShipping(ctx context.Context, orderID string, shipping Shipping) error
	// ConfirmPayments переводит pending-платежи заказа в success.
	ConfirmPayments(ctx context.Context, orderID, transactionID string, at time.Time) (int, error)
}

// ExpiryJobRepository: очередь отложенных задач освобождения резерва.
type ExpiryJobRepository interface {
	// Schedule создаёт задачу для заказа; повторный вызов не создаёт вторую задачу и возвращает false.
	Schedule(ctx context.Context, orderID string, runAt time.Time) (bool, error)
	// ClaimDue забирает до limit задач с RunAt <= now, выставляя lease до now+lease.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]ExpiryJob, error)
	// Complete закрывает задачу; закрытая задача больше не выдаётся.
	Complete(ctx context.Context, orderID string, at time.Time) error
	// Retry снимает lease и переносит задачу на runAt.
	Retry(ctx context.Context, orderID string, runAt time.Time, reason string) error
	Get(ctx context.Context, orderID string) (ExpiryJob, error)
	Stats(ctx context.Context) (ExpiryStats, error)
	// PurgeCompleted удаляет до limit задач, завершённых не позже before.
	PurgeCompleted(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	// MarkDone и MarkFailed фиксируют результат вместе с gRPC-кодом завершения.
	MarkDone(key string, responseBody []byte, resultCode int) error
	MarkFailed(key string, responseBody []byte, resultCode int) error
	// Release удаляет ключ в статусе processing, чтобы запрос можно было повторить с тем же ключом.
	Release(key string) error
	DeleteExpired(before time.Time, limit int) (int, error)
}
