package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

func TestSweeper_DrainsInBatches(t *testing.T) {
	t.Parallel()

	keys := &keyRepoStub{results: []int{2, 2, 1}}
	sweeper := NewSweeper(WithIdempotencyKeys(keys), WithBatchSize(2))

	deleted := sweeper.SweepOnce(context.Background())
	if deleted[TargetIdempotencyKeys] != 5 {
		t.Fatalf("deleted = %v, want 5 keys", deleted)
	}
	if calls := keys.calls(); calls != 3 {
		t.Fatalf("delete calls = %d, want 3", calls)
	}
}

func TestSweeper_FailedTargetDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	jobs := memory.NewStore().ExpiryJobs()
	if _, err := jobs.Schedule(ctx, "order-1", now.Add(-49*time.Hour)); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := jobs.Complete(ctx, "order-1", now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	sweeper := NewSweeper(
		WithIdempotencyKeys(&keyRepoStub{err: errors.New("db down")}),
		WithExpiryJobs(jobs, time.Hour),
		WithClock(func() time.Time { return now }),
	)

	deleted := sweeper.SweepOnce(ctx)
	if deleted[TargetExpiryJobs] != 1 || deleted[TargetIdempotencyKeys] != 0 {
		t.Fatalf("unexpected sweep result: %v", deleted)
	}
	if _, err := jobs.Get(ctx, "order-1"); !errors.Is(err, domain.ErrExpiryJobNotFound) {
		t.Fatalf("expected completed job to be purged, got %v", err)
	}
}

func TestSweeper_KeepsArmedAndRecentJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jobs := memory.NewStore().ExpiryJobs()
	for _, id := range []string{"armed", "recent"} {
		if _, err := jobs.Schedule(ctx, id, time.Now().Add(-2*time.Hour)); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
	}
	if err := jobs.Complete(ctx, "recent", time.Now()); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if deleted := NewSweeper(WithExpiryJobs(jobs, time.Hour)).SweepOnce(ctx); deleted[TargetExpiryJobs] != 0 {
		t.Fatalf("expected nothing purged, got %v", deleted)
	}
}

func TestSweeper_MemoryIdempotencyKeys(t *testing.T) {
	t.Parallel()

	repo := memory.NewIdempotencyRepository()
	if _, err := repo.CreateProcessing("commit-old", "hash", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if _, err := repo.CreateProcessing("commit-fresh", "hash", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}

	if deleted := NewSweeper(WithIdempotencyKeys(repo)).SweepOnce(context.Background()); deleted[TargetIdempotencyKeys] != 1 {
		t.Fatalf("expected 1 deleted key, got %v", deleted)
	}
	if _, err := repo.Get("commit-fresh"); err != nil {
		t.Fatalf("fresh key must survive: %v", err)
	}
}

func TestSweeper_StockTokensOfSettledOrders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	if _, err := store.Catalog().UpsertSKU(ctx, domain.SKU{
		ID: "sku-1", ProductID: "p-1", UnitPriceMinor: 100, Currency: "RUB", AvailableQty: 10, Active: true,
	}); err != nil {
		t.Fatalf("UpsertSKU failed: %v", err)
	}

	orders := []domain.Order{
		{ID: "order-done", Status: domain.OrderStatusCancelled, UpdatedAt: now.Add(-48 * time.Hour)},
		{ID: "order-recent", Status: domain.OrderStatusStockReleased, UpdatedAt: now},
		{ID: "order-open", Status: domain.OrderStatusPending, UpdatedAt: now.Add(-48 * time.Hour)},
	}
	for _, order := range orders {
		if err := store.Orders().Insert(ctx, order); err != nil {
			t.Fatalf("Insert %s failed: %v", order.ID, err)
		}
		if _, err := store.Ledger().Adjust(ctx, domain.StockAdjustment{
			SKU: "sku-1", Delta: -1, Token: domain.ReserveToken(order.ID, "sku-1"),
		}); err != nil {
			t.Fatalf("Adjust %s failed: %v", order.ID, err)
		}
	}
	if _, err := store.Ledger().Adjust(ctx, domain.StockAdjustment{SKU: "sku-1", Delta: 1, Token: "restock:manual"}); err != nil {
		t.Fatalf("restock failed: %v", err)
	}

	sweeper := NewSweeper(WithStockTokens(store.StockTokens(), 24*time.Hour), WithClock(func() time.Time { return now }))
	if deleted := sweeper.SweepOnce(ctx); deleted[TargetStockTokens] != 1 {
		t.Fatalf("expected 1 purged token, got %v", deleted)
	}
	if deleted := sweeper.SweepOnce(ctx); deleted[TargetStockTokens] != 0 {
		t.Fatalf("second sweep must be empty, got %v", deleted)
	}

	// Токен открытого заказа по-прежнему защищает от повтора.
	qty, err := store.Ledger().Adjust(ctx, domain.StockAdjustment{SKU: "sku-1", Delta: -1, Token: domain.ReserveToken("order-open", "sku-1")})
	if err != nil || qty != 8 {
		t.Fatalf("replay of open order token: qty=%d err=%v, want 8", qty, err)
	}
	qty, err = store.Ledger().Adjust(ctx, domain.StockAdjustment{SKU: "sku-1", Delta: -1, Token: domain.ReserveToken("order-done", "sku-1")})
	if err != nil || qty != 7 {
		t.Fatalf("purged token must be forgotten: qty=%d err=%v, want 7", qty, err)
	}
}

func TestSweeper_NilTargetsAreSkipped(t *testing.T) {
	t.Parallel()

	sweeper := NewSweeper(WithIdempotencyKeys(nil), WithExpiryJobs(nil, time.Hour), WithStockTokens(nil, time.Hour))
	if len(sweeper.targets) != 0 {
		t.Fatalf("expected no targets, got %d", len(sweeper.targets))
	}
	// Без целей Run возвращается сразу.
	sweeper.Run(context.Background())
}

func TestSweeper_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	keys := &keyRepoStub{}
	sweeper := NewSweeper(WithIdempotencyKeys(keys), WithInterval(5*time.Millisecond), WithBatchSize(10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
	if keys.calls() == 0 {
		t.Fatal("expected at least one sweep")
	}
}

// keyRepoStub реализует только DeleteExpired; остальные методы sweeper не вызывает.
type keyRepoStub struct {
	domain.IdempotencyRepository

	mu        sync.Mutex
	results   []int
	err       error
	callCount int
}

func (s *keyRepoStub) DeleteExpired(time.Time, int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if s.err != nil {
		return 0, s.err
	}
	if len(s.results) == 0 {
		return 0, nil
	}
	n := s.results[0]
	s.results = s.results[1:]
	return n, nil
}

func (s *keyRepoStub) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}
