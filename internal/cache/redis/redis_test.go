package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRedis(rdb, "test:"), mr
}

func TestClientKey(t *testing.T) {
	c := NewFromRedis(nil, "signalbot:")
	assert.Equal(t, "signalbot:claim:abc", c.Key("claim", "abc"))
	assert.Equal(t, "signalbot:marks", c.Key("marks"))

	bare := NewFromRedis(nil, "")
	assert.Equal(t, "a:b", bare.Key("a", "b"))
}

func TestClaimStore(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	s := NewClaimStore(c)

	owner, ok, err := s.Claim(ctx, "kraken|BTC|buy|1", "pos-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pos-1", owner)

	owner, ok, err = s.Claim(ctx, "kraken|BTC|buy|1", "pos-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "pos-1", owner)

	// Re-claiming by the holder reports success.
	_, ok, err = s.Claim(ctx, "kraken|BTC|buy|1", "pos-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A non-owner cannot release.
	require.NoError(t, s.Release(ctx, "kraken|BTC|buy|1", "pos-2"))
	assert.True(t, mr.Exists("test:claim:kraken|BTC|buy|1"))

	require.NoError(t, s.Release(ctx, "kraken|BTC|buy|1", "pos-1"))
	assert.False(t, mr.Exists("test:claim:kraken|BTC|buy|1"))
}

func TestClaimStoreExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	s := NewClaimStore(c)

	_, ok, err := s.Claim(ctx, "k", "pos-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	owner, ok, err := s.Claim(ctx, "k", "pos-2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pos-2", owner)
}

func TestRateLimiterAllow(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c, Limit{Requests: 2, Window: time.Second})

	base := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return base }

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "venue:kraken", 2, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "venue:kraken", 2, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other keys have their own window.
	ok, err = rl.Allow(ctx, "venue:mexc", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	rl.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	ok, err = rl.Allow(ctx, "venue:kraken", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterLimitFor(t *testing.T) {
	rl := NewRateLimiter(nil, Limit{})
	rl.SetLimit("venue:", Limit{Requests: 10, Window: time.Second})
	rl.SetLimit("venue:kraken", Limit{Requests: 3, Window: time.Second})

	assert.Equal(t, 3, rl.limitFor("venue:kraken").Requests)
	assert.Equal(t, 10, rl.limitFor("venue:mexc").Requests)
	assert.Equal(t, Limit{Requests: 1, Window: time.Second}, rl.limitFor("http:1.2.3.4"))
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c, Limit{Requests: 1, Window: time.Hour})

	require.NoError(t, rl.Wait(context.Background(), "venue:kraken"))

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := rl.Wait(ctx, "venue:kraken")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPriceCache(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	pc := NewPriceCache(c)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, pc.SetPrice(ctx, "kraken:BTC", 43000.5, ts))
	require.NoError(t, pc.SetPrice(ctx, "mexc:ETH", 2500, ts))

	price, got, err := pc.GetPrice(ctx, "kraken:BTC")
	require.NoError(t, err)
	assert.Equal(t, 43000.5, price)
	assert.True(t, got.Equal(ts))

	_, _, err = pc.GetPrice(ctx, "kraken:SOL")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	prices, err := pc.GetPrices(ctx, []string{"kraken:BTC", "mexc:ETH", "kraken:SOL"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"kraken:BTC": 43000.5, "mexc:ETH": 2500}, prices)
}

func TestDecodeMark(t *testing.T) {
	_, _, err := decodeMark("123.4")
	assert.Error(t, err)
	_, _, err = decodeMark("abc@1")
	assert.Error(t, err)

	p, ts, err := decodeMark("1.25@1000000000")
	require.NoError(t, err)
	assert.Equal(t, 1.25, p)
	assert.Equal(t, int64(1), ts.Unix())
}

func TestSignalBusPublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "alerts")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "alerts", []byte(`{"text":"buy BTC"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"text":"buy BTC"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignalBusStream(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)

	msgs, err := bus.StreamRead(ctx, "positions", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, "positions", []byte("a")))
	require.NoError(t, bus.StreamAppend(ctx, "positions", []byte("b")))

	msgs, err = bus.StreamRead(ctx, "positions", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Payload))
	assert.Equal(t, "b", string(msgs[1].Payload))

	rest, err := bus.StreamRead(ctx, "positions", msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", string(rest[0].Payload))
}
