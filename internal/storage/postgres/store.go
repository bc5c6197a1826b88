package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	defaultConnTimeout = 5 * time.Second
	opTimeout          = 5 * time.Second
)

var errStoreNotInitialized = errors.New("postgres store is not initialized")

// querier объединяет *sql.DB и *sql.Tx, поэтому репозитории работают одинаково внутри и вне транзакции.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// poolConfig задаёт параметры пула database/sql.
type poolConfig struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
}

// Option настраивает пул соединений Store.
type Option func(*poolConfig)

// WithMaxConns ограничивает число открытых и простаивающих соединений.
func WithMaxConns(n int) Option {
	return func(c *poolConfig) {
		if n > 0 {
			c.maxOpen = n
			c.maxIdle = n
		}
	}
}

// WithConnLifetime задаёт время жизни соединения и простоя в пуле.
func WithConnLifetime(lifetime, idle time.Duration) Option {
	return func(c *poolConfig) {
		if lifetime > 0 {
			c.maxLifetime = lifetime
		}
		if idle > 0 {
			c.maxIdleTime = idle
		}
	}
}

func (c poolConfig) apply(db *sql.DB) {
	db.SetMaxOpenConns(c.maxOpen)
	db.SetMaxIdleConns(c.maxIdle)
	db.SetConnMaxLifetime(c.maxLifetime)
	db.SetConnMaxIdleTime(c.maxIdleTime)
}

// Store оборачивает SQL-подключение к PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open открывает пул к PostgreSQL через pgx stdlib и проверяет доступность базы.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool := poolConfig{
		maxOpen:     25,
		maxIdle:     25,
		maxLifetime: 30 * time.Minute,
		maxIdleTime: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&pool)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	pool.apply(db)

	store := &Store{db: db}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithinTx выполняет fn в транзакции READ COMMITTED. Ошибка или паника fn откатывают всё.
// Гонки на остатке закрывают условные UPDATE в StockLedger, а не уровень изоляции.
// Сбои, после которых транзакцию можно повторить целиком, возвращаются как
// domain.ErrTransactionAborted.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) (err error) {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyTxError(fmt.Errorf("begin tx: %w", err))
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		_ = sqlTx.Rollback()
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err := fn(ctx, &pgTx{q: sqlTx}); err != nil {
		return classifyTxError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classifyTxError(fmt.Errorf("commit tx: %w", err))
	}
	committed = true
	return nil
}

// classifyTxError помечает как aborted конфликты сериализации, дедлоки и
// обрывы соединения. Доменные ошибки возвращаются как есть.
func classifyTxError(err error) error {
	if err == nil || errors.Is(err, domain.ErrTransactionAborted) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Класс 40: transaction rollback, класс 08: connection exception.
		if strings.HasPrefix(pgErr.Code, "40") || strings.HasPrefix(pgErr.Code, "08") {
			return domain.Aborted(err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || pgconn.SafeToRetry(err) {
		return domain.Aborted(err)
	}
	return err
}

// Catalog возвращает каталог вне транзакции.
func (s *Store) Catalog() domain.CatalogRepository { return &catalogRepository{q: s.db} }

// Ledger возвращает StockLedger, где каждая корректировка идёт отдельной транзакцией.
func (s *Store) Ledger() domain.StockLedger { return &stockLedger{q: s.db, db: s.db} }

// StockTokens удаляет токены корректировок завершённых заказов.
func (s *Store) StockTokens() domain.StockTokenPurger { return &stockLedger{q: s.db} }

// Orders возвращает репозиторий заказов вне транзакции.
func (s *Store) Orders() domain.OrderRepository { return &orderRepository{q: s.db} }

// ExpiryJobs возвращает очередь задач истечения резерва.
func (s *Store) ExpiryJobs() domain.ExpiryJobRepository { return &expiryJobRepository{q: s.db} }

// Outbox возвращает outbox вне транзакции.
func (s *Store) Outbox() domain.OutboxRepository { return &outboxRepository{q: s.db} }

// Timeline возвращает timeline вне транзакции.
func (s *Store) Timeline() domain.TimelineRepository { return &timelineRepository{q: s.db} }

// Carts возвращает корзины в PostgreSQL.
func (s *Store) Carts() domain.CartRepository { return &cartRepository{q: s.db, db: s.db} }

type pgTx struct {
	q querier
}

func (tx *pgTx) Catalog() domain.CatalogRepository       { return &catalogRepository{q: tx.q} }
func (tx *pgTx) Ledger() domain.StockLedger              { return &stockLedger{q: tx.q} }
func (tx *pgTx) Orders() domain.OrderRepository          { return &orderRepository{q: tx.q} }
func (tx *pgTx) ExpiryJobs() domain.ExpiryJobRepository  { return &expiryJobRepository{q: tx.q} }
func (tx *pgTx) Outbox() domain.OutboxRepository         { return &outboxRepository{q: tx.q} }
func (tx *pgTx) Timeline() domain.TimelineRepository     { return &timelineRepository{q: tx.q} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = (*pgTx)(nil)
)
