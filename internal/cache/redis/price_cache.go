package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/vadiminshakov/holdings/internal/domain"
)

const defaultPriceTTL = 5 * time.Minute

// PriceCache implements domain.PriceCache with one hash per asset holding
// the decimal price and the Unix-nano time it was written.
type PriceCache struct {
	c   *Client
	ttl time.Duration
	now func() time.Time
}

// NewPriceCache creates a cache whose entries expire after ttl.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = defaultPriceTTL
	}
	return &PriceCache{c: c, ttl: ttl, now: time.Now}
}

func (pc *PriceCache) priceKey(assetID string) string {
	return pc.c.key("price", assetID)
}

// Store writes every price and refreshes its expiry in one pipeline.
func (pc *PriceCache) Store(ctx context.Context, prices domain.PriceBook) error {
	if len(prices) == 0 {
		return nil
	}
	ts := strconv.FormatInt(pc.now().UnixNano(), 10)
	pipe := pc.c.rdb.TxPipeline()
	for id, price := range prices {
		k := pc.priceKey(id)
		pipe.HSet(ctx, k, "price", price.String(), "ts", ts)
		pipe.Expire(ctx, k, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "store prices")
	}
	return nil
}

// Prices returns cached prices; missing or malformed entries are omitted.
func (pc *PriceCache) Prices(ctx context.Context, assetIDs []string) (domain.PriceBook, error) {
	out := domain.PriceBook{}
	if len(assetIDs) == 0 {
		return out, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.SliceCmd, len(assetIDs))
	for _, id := range assetIDs {
		cmds[id] = pipe.HMGet(ctx, pc.priceKey(id), "price")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "get prices")
	}

	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		if price, ok := parsePrice(vals[0]); ok {
			out[id] = price
		}
	}
	return out, nil
}

func parsePrice(v any) (domain.Money, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return domain.Zero, false
	}
	price, err := domain.ParseMoney(s)
	if err != nil || price.IsNegative() {
		return domain.Zero, false
	}
	return price, true
}

var _ domain.PriceCache = (*PriceCache)(nil)
