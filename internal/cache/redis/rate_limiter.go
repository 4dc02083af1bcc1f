package redis

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const waitPollInterval = 50 * time.Millisecond

// Limit is a request budget per window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// RateLimiter implements domain.RateLimiter with a sliding window over a
// sorted set, evaluated atomically in Lua.
type RateLimiter struct {
	c             *Client
	slidingWindow *redis.Script
	limits        map[string]Limit
	fallback      Limit
	now           func() time.Time
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter creates a RateLimiter. Wait applies the Limit registered
// for the longest matching key prefix, or fallback.
func NewRateLimiter(c *Client, fallback Limit) *RateLimiter {
	if fallback.Requests <= 0 {
		fallback.Requests = 1
	}
	if fallback.Window <= 0 {
		fallback.Window = time.Second
	}
	return &RateLimiter{
		c:             c,
		slidingWindow: redis.NewScript(slidingWindowLua),
		limits:        make(map[string]Limit),
		fallback:      fallback,
		now:           time.Now,
	}
}

// SetLimit registers the budget for keys starting with prefix.
func (rl *RateLimiter) SetLimit(prefix string, l Limit) {
	rl.limits[prefix] = l
}

func (rl *RateLimiter) limitFor(key string) Limit {
	best, bestLen := rl.fallback, -1
	for p, l := range rl.limits {
		if strings.HasPrefix(key, p) && len(p) > bestLen {
			best, bestLen = l, len(p)
		}
	}
	return best
}

// Allow counts one request against key and reports whether it fits in the
// window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := rl.slidingWindow.Run(ctx, rl.c.rdb,
		[]string{rl.c.Key("ratelimit", key)},
		rl.now().UnixMicro(), window.Microseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, fmt.Errorf("redis: rate limit %s: unexpected reply length %d", key, len(res))
	}
	return res[0] == 1, nil
}

// Wait polls Allow until key has budget or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	l := rl.limitFor(key)
	for {
		ok, err := rl.Allow(ctx, key, l.Requests, l.Window)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		t := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-t.C:
		}
	}
}
