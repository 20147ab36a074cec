package oracle

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/optn/house-engine/internal/feed"
)

// CachedClient puts a Redis read-through cache in front of a Client. Each
// feed's latest price is stored as a hash at "price:{feedID}" with fields
// "price", "expo" and "ts". A cached price that is too old for the caller
// is treated as a miss.
type CachedClient struct {
	inner Client
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCachedClient wraps inner with a cache whose entries expire after ttl.
func NewCachedClient(inner Client, rdb *redis.Client, ttl time.Duration) *CachedClient {
	return &CachedClient{inner: inner, rdb: rdb, ttl: ttl}
}

func priceKey(feedID string) string {
	return "price:" + feedID
}

func (c *CachedClient) GetPriceNoOlderThan(ctx context.Context, feedID string, now time.Time, maxAge time.Duration) (Price, error) {
	id, err := feed.Canonical(feedID)
	if err != nil {
		return Price{}, err
	}

	if p, ok := c.get(ctx, id); ok && CheckAge(p, now, maxAge) == nil {
		return p, nil
	}

	p, err := c.inner.GetPriceNoOlderThan(ctx, id, now, maxAge)
	if err != nil {
		return Price{}, err
	}
	c.set(ctx, id, p)
	return p, nil
}

// GetPriceAt is not cached; historical lookups are rare and keyed by time.
func (c *CachedClient) GetPriceAt(ctx context.Context, feedID string, ts time.Time) (Price, error) {
	h, ok := c.inner.(HistoricalClient)
	if !ok {
		return Price{}, ErrNoHistory
	}
	return h.GetPriceAt(ctx, feedID, ts)
}

func (c *CachedClient) get(ctx context.Context, id string) (Price, bool) {
	vals, err := c.rdb.HGetAll(ctx, priceKey(id)).Result()
	if err != nil || len(vals) == 0 {
		return Price{}, false
	}
	price, err := strconv.ParseInt(vals["price"], 10, 64)
	if err != nil {
		return Price{}, false
	}
	expo, err := strconv.ParseInt(vals["expo"], 10, 32)
	if err != nil {
		return Price{}, false
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return Price{}, false
	}
	return Price{Price: price, Exponent: int32(expo), PublishTime: ts}, true
}

func (c *CachedClient) set(ctx context.Context, id string, p Price) {
	key := priceKey(id)
	fields := map[string]interface{}{
		"price": strconv.FormatInt(p.Price, 10),
		"expo":  strconv.FormatInt(int64(p.Exponent), 10),
		"ts":    strconv.FormatInt(p.PublishTime, 10),
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, c.ttl)
	// A failed cache write only costs a later miss.
	_, _ = pipe.Exec(ctx)
}
