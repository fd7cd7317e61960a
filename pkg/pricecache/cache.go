package pricecache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/observability"
)

const (
	tierMemory = "l1"
	tierRedis  = "l2"
)

// Config controls cache sizing and expiry.
type Config struct {
	// Size is the maximum number of variants held in memory.
	Size int
	// TTL is the in-memory expiry.
	TTL time.Duration
	// RedisTTL is the expiry of Redis entries.
	RedisTTL time.Duration
	// KeyPrefix prefixes Redis keys.
	KeyPrefix string
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Size:      10000,
		TTL:       5 * time.Minute,
		RedisTTL:  15 * time.Minute,
		KeyPrefix: "recur:price:",
	}
}

// Cache is a billing.PriceLookup backed by another PriceLookup.
type Cache struct {
	inner  billing.PriceLookup
	config Config
	memory *lru.LRU[string, decimal.Decimal]
	redis  redis.Cmdable

	logger  logrus.FieldLogger
	metrics *observability.Metrics
}

var _ billing.PriceLookup = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithRedis enables the shared Redis tier.
func WithRedis(client redis.Cmdable) Option {
	return func(c *Cache) { c.redis = client }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithMetrics records hits and misses per tier.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New wraps inner with a cache. Zero Config fields take their defaults.
func New(inner billing.PriceLookup, cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = def.RedisTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}

	c := &Cache{
		inner:  inner,
		config: cfg,
		memory: lru.NewLRU[string, decimal.Decimal](cfg.Size, nil, cfg.TTL),
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchVariantPrices implements billing.PriceLookup.
func (c *Cache) FetchVariantPrices(ctx context.Context, variantIDs []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(variantIDs))

	missing := make([]string, 0, len(variantIDs))
	seen := make(map[string]bool, len(variantIDs))
	for _, id := range variantIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if price, ok := c.memory.Get(id); ok {
			prices[id] = price
			continue
		}
		missing = append(missing, id)
	}
	c.metrics.RecordPriceCache(tierMemory, "hit", len(prices))
	c.metrics.RecordPriceCache(tierMemory, "miss", len(missing))

	if len(missing) > 0 && c.redis != nil {
		missing = c.fromRedis(ctx, missing, prices)
	}
	if len(missing) == 0 {
		return prices, nil
	}

	fetched, err := c.inner.FetchVariantPrices(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, price := range fetched {
		prices[id] = price
		c.memory.Add(id, price)
	}
	if c.redis != nil && len(fetched) > 0 {
		c.toRedis(ctx, fetched)
	}
	return prices, nil
}

// fromRedis fills prices from Redis and returns the ids still missing.
func (c *Cache) fromRedis(ctx context.Context, ids []string, prices map[string]decimal.Decimal) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.config.KeyPrefix + id
	}

	values, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.WithError(err).Warn("Price cache read failed, falling back to catalog")
		c.metrics.RecordPriceCache(tierRedis, "error", len(ids))
		return ids
	}

	var missing []string
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		price, err := decimal.NewFromString(s)
		if err != nil {
			c.logger.WithField("key", keys[i]).WithError(err).Warn("Ignoring corrupt price cache entry")
			missing = append(missing, ids[i])
			continue
		}
		prices[ids[i]] = price
		c.memory.Add(ids[i], price)
	}

	c.metrics.RecordPriceCache(tierRedis, "hit", len(ids)-len(missing))
	c.metrics.RecordPriceCache(tierRedis, "miss", len(missing))
	return missing
}

func (c *Cache) toRedis(ctx context.Context, prices map[string]decimal.Decimal) {
	pipe := c.redis.Pipeline()
	for id, price := range prices {
		pipe.Set(ctx, c.config.KeyPrefix+id, price.String(), c.config.RedisTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.WithError(err).Warn("Price cache write failed")
	}
}
