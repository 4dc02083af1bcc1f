package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// PriceCache implements domain.PriceCache with one Redis hash holding every
// mark price. Each field is an instrument key ("kraken:BTC") and each value
// is "<price>@<unix nanos>".
type PriceCache struct {
	c *Client
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache backed by c.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

func (pc *PriceCache) hash() string { return pc.c.Key("marks") }

// SetPrice stores the latest mark for key.
func (pc *PriceCache) SetPrice(ctx context.Context, key string, price float64, ts time.Time) error {
	v := strconv.FormatFloat(price, 'f', -1, 64) + "@" + strconv.FormatInt(ts.UnixNano(), 10)
	if err := pc.c.rdb.HSet(ctx, pc.hash(), key, v).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", key, err)
	}
	return nil
}

// GetPrice returns the latest mark for key, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, key string) (float64, time.Time, error) {
	v, err := pc.c.rdb.HGet(ctx, pc.hash(), key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, time.Time{}, domain.ErrNotFound
		}
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", key, err)
	}
	price, ts, err := decodeMark(v)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: price %s: %w", key, err)
	}
	return price, ts, nil
}

// GetPrices returns the marks for keys in one round trip. Missing or
// malformed entries are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, keys []string) (map[string]float64, error) {
	out := make(map[string]float64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := pc.c.rdb.HMGet(ctx, pc.hash(), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get prices: %w", err)
	}
	for i, raw := range vals {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if price, _, err := decodeMark(s); err == nil {
			out[keys[i]] = price
		}
	}
	return out, nil
}

func decodeMark(v string) (float64, time.Time, error) {
	p, t, ok := strings.Cut(v, "@")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("malformed mark %q", v)
	}
	price, err := strconv.ParseFloat(p, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse price: %w", err)
	}
	nanos, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse ts: %w", err)
	}
	return price, time.Unix(0, nanos).UTC(), nil
}
