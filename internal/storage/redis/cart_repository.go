package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	defaultKeyPrefix = "checkout:cart:"
	defaultCartTTL   = 72 * time.Hour
)

// addQtyScript атомарно меняет количество, удаляет поле при qty <= 0 и продлевает TTL корзины.
const addQtyScript = `
local qty = redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
if qty <= 0 then
  redis.call('HDEL', KEYS[1], ARGV[1])
  qty = 0
end
if redis.call('HLEN', KEYS[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return qty
`

// CartRepository хранит корзину как hash, где поле хранит sku, а значение количество.
type CartRepository struct {
	client goredis.Cmdable
	prefix string
	ttl    time.Duration
}

// Option настраивает CartRepository.
type Option func(*CartRepository)

// WithKeyPrefix задаёт префикс ключей корзин.
func WithKeyPrefix(prefix string) Option {
	return func(r *CartRepository) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithTTL задаёт время жизни корзины без изменений.
func WithTTL(ttl time.Duration) Option {
	return func(r *CartRepository) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// NewCartRepository создаёт Redis-реализацию CartRepository.
func NewCartRepository(client goredis.Cmdable, opts ...Option) *CartRepository {
	r := &CartRepository{
		client: client,
		prefix: defaultKeyPrefix,
		ttl:    defaultCartTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *CartRepository) AddQty(ctx context.Context, cartID, sku string, delta int64) (int64, error) {
	qty, err := r.client.Eval(ctx, addQtyScript, []string{r.key(cartID)}, sku, delta, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis add cart qty: %w", err)
	}
	return qty, nil
}

func (r *CartRepository) Lines(ctx context.Context, cartID string) ([]domain.CartLine, error) {
	fields, err := r.client.HGetAll(ctx, r.key(cartID)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis load cart: %w", err)
	}

	lines := make([]domain.CartLine, 0, len(fields))
	for sku, raw := range fields {
		qty, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis cart %s: invalid qty %q for sku %s: %w", cartID, raw, sku, err)
		}
		if qty <= 0 {
			continue
		}
		lines = append(lines, domain.CartLine{CartID: cartID, SKU: sku, Qty: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].SKU < lines[j].SKU })
	return lines, nil
}

func (r *CartRepository) Clear(ctx context.Context, cartID string) error {
	if err := r.client.Del(ctx, r.key(cartID)).Err(); err != nil {
		return fmt.Errorf("redis clear cart: %w", err)
	}
	return nil
}

func (r *CartRepository) key(cartID string) string {
	return r.prefix + cartID
}

var _ domain.CartRepository = (*CartRepository)(nil)
