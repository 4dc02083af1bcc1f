package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// releaseLua deletes a claim only if the caller still owns it.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// ClaimStore implements domain.ClaimStore with SET NX. The value of a claim
// key is the owning position id, so a losing caller can find the winner.
type ClaimStore struct {
	c         *Client
	releaseSc *redis.Script
}

var _ domain.ClaimStore = (*ClaimStore)(nil)

// NewClaimStore creates a ClaimStore backed by c.
func NewClaimStore(c *Client) *ClaimStore {
	return &ClaimStore{c: c, releaseSc: redis.NewScript(releaseLua)}
}

// Claim sets key to owner unless it is already set, returning the current
// owner either way.
func (s *ClaimStore) Claim(ctx context.Context, key, owner string, ttl time.Duration) (string, bool, error) {
	k := s.c.Key("claim", key)
	ok, err := s.c.rdb.SetNX(ctx, k, owner, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis: claim %s: %w", key, err)
	}
	if ok {
		return owner, true, nil
	}

	existing, err := s.c.rdb.Get(ctx, k).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between SETNX and GET; try once more.
		ok, err = s.c.rdb.SetNX(ctx, k, owner, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("redis: claim %s: %w", key, err)
		}
		if ok {
			return owner, true, nil
		}
		return "", false, fmt.Errorf("redis: claim %s: %w", key, domain.ErrLockHeld)
	case err != nil:
		return "", false, fmt.Errorf("redis: read claim %s: %w", key, err)
	}
	return existing, existing == owner, nil
}

// Release drops key if owner still holds it.
func (s *ClaimStore) Release(ctx context.Context, key, owner string) error {
	if err := s.releaseSc.Run(ctx, s.c.rdb, []string{s.c.Key("claim", key)}, owner).Err(); err != nil {
		return fmt.Errorf("redis: release claim %s: %w", key, err)
	}
	return nil
}
