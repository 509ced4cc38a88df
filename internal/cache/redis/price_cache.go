package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/coinbutler/coinbutler/internal/domain"
)

// priceTTL bounds how long a published price stays readable. The bot writes
// every monitor tick; a key older than this means the bot is down and the
// dashboard must not show it as live.
const priceTTL = 10 * time.Minute

// PriceCache implements domain.PriceCache using Redis hashes. Each market's
// last trade price is stored at key "price:{market}" with fields "price"
// (decimal string, exact) and "ts" (Unix millisecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(market string) string {
	return "price:" + market
}

// SetPrice stores the latest price and timestamp for a market.
func (pc *PriceCache) SetPrice(ctx context.Context, market string, price decimal.Decimal, ts time.Time) error {
	key := priceKey(market)
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixMilli(), 10),
	}

	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", market, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for a market. It returns
// domain.ErrNotFound when the key does not exist or has expired.
func (pc *PriceCache) GetPrice(ctx context.Context, market string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(market)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", market, err)
	}
	if len(vals) == 0 {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %s: %w", market, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	tsMilli, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", market, err)
	}

	return price, time.UnixMilli(tsMilli), nil
}

// GetPrices retrieves the latest prices for multiple markets using a
// pipeline. Markets whose keys do not exist are silently omitted from the
// result map.
func (pc *PriceCache) GetPrices(ctx context.Context, markets []string) (map[string]decimal.Decimal, error) {
	if len(markets) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(markets))
	for _, m := range markets {
		cmds[m] = pipe.HGetAll(ctx, priceKey(m))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]decimal.Decimal, len(markets))
	for m, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		price, err := decimal.NewFromString(vals["price"])
		if err != nil {
			continue
		}
		result[m] = price
	}
	return result, nil
}
