package executor

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// dedupSweepInterval is how often Claim drops expired entries.
const dedupSweepInterval = 30 * time.Second

type claim struct {
	owner   string
	expires time.Time
}

// Dedup is the in-process domain.ClaimStore used when Redis is not
// configured. A key is owned by the first caller until its ttl elapses.
// Expired claims are swept from Claim itself.
type Dedup struct {
	mu        sync.Mutex
	claims    map[string]claim
	now       func() time.Time
	nextSweep time.Time
}

var _ domain.ClaimStore = (*Dedup)(nil)

// NewDedup creates an empty Dedup.
func NewDedup() *Dedup {
	return &Dedup{
		claims: make(map[string]claim),
		now:    time.Now,
	}
}

// Claim records owner for key unless an unexpired claim exists, in which
// case the current owner is returned with claimed=false.
func (d *Dedup) Claim(_ context.Context, key, owner string, ttl time.Duration) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !now.Before(d.nextSweep) {
		d.sweep(now)
		d.nextSweep = now.Add(dedupSweepInterval)
	}
	if c, ok := d.claims[key]; ok && now.Before(c.expires) {
		return c.owner, c.owner == owner, nil
	}
	d.claims[key] = claim{owner: owner, expires: now.Add(ttl)}
	return owner, true, nil
}

// Release drops key if owner still holds it.
func (d *Dedup) Release(_ context.Context, key, owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.claims[key]; ok && c.owner == owner {
		delete(d.claims, key)
	}
	return nil
}

// sweep removes expired claims. d.mu must be held.
func (d *Dedup) sweep(now time.Time) {
	for key, c := range d.claims {
		if !now.Before(c.expires) {
			delete(d.claims, key)
		}
	}
}

// Len returns the number of tracked claims, expired or not.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.claims)
}
