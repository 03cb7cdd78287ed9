package marketdata

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// QuoteCache is a Redis-backed shared quote cache. Multiple engine
// instances pointed at the same sidecar share it so a burst of pricing
// requests does not fan out into a burst of upstream fetches. Cache
// failures are counted and treated as misses; the sidecar is the source
// of truth.
type QuoteCache struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
	logger    *zap.Logger

	hits   int64
	misses int64
	errors int64
}

func NewQuoteCache(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *QuoteCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &QuoteCache{
		client:    client,
		ttl:       ttl,
		keyPrefix: "riskengine:quote:",
		logger:    logger,
	}
}

func (c *QuoteCache) Get(ctx context.Context, symbol string) (float64, bool) {
	val, err := c.client.Get(ctx, c.key(symbol)).Result()
	if err != nil {
		if err != redis.Nil {
			atomic.AddInt64(&c.errors, 1)
			c.logger.Warn("quote cache read failed", zap.String("symbol", symbol), zap.Error(err))
		}
		atomic.AddInt64(&c.misses, 1)
		return 0, false
	}
	price, err := strconv.ParseFloat(val, 64)
	if err != nil || price <= 0 {
		atomic.AddInt64(&c.misses, 1)
		return 0, false
	}
	atomic.AddInt64(&c.hits, 1)
	return price, true
}

func (c *QuoteCache) Set(ctx context.Context, symbol string, price float64) {
	err := c.client.Set(ctx, c.key(symbol), strconv.FormatFloat(price, 'f', -1, 64), c.ttl).Err()
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		c.logger.Warn("quote cache write failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

// Stats returns hit/miss/error counts since startup.
func (c *QuoteCache) Stats() (hits, misses, errors int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses), atomic.LoadInt64(&c.errors)
}

func (c *QuoteCache) key(symbol string) string {
	return c.keyPrefix + strings.ToUpper(symbol)
}
