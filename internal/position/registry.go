// Package position holds the authoritative in-memory index of active
// positions. Every mutation goes through a conditional operation serialized
// per position id; operations on distinct ids never contend on the same lock.
package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

type entry struct {
	mu       sync.Mutex
	pos      domain.Position
	removed  bool
	inflight bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	keys    map[string]string // signal key -> position id
	now     func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		keys:    make(map[string]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register adds pos. It fails with *domain.DuplicateError when the id is
// already present or its SignalKey is held by another active position.
func (r *Registry) Register(pos domain.Position) error {
	if pos.ID == "" {
		return fmt.Errorf("position: register: empty id")
	}
	if !pos.Status.Valid() || pos.Status.Terminal() {
		return fmt.Errorf("position: register %s: status %q: %w", pos.ID, pos.Status, domain.ErrInvalidTransition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[pos.ID]; ok {
		return &domain.DuplicateError{ID: pos.ID, ExistingID: pos.ID}
	}
	if pos.SignalKey != "" {
		if owner, ok := r.keys[pos.SignalKey]; ok {
			return &domain.DuplicateError{ID: pos.ID, Key: pos.SignalKey, ExistingID: owner}
		}
		r.keys[pos.SignalKey] = pos.ID
	}
	r.entries[pos.ID] = &entry{pos: pos.Clone()}
	return nil
}

// Restore registers positions loaded from persistence, skipping terminal
// ones and duplicates. It returns how many were registered.
func (r *Registry) Restore(positions []domain.Position) int {
	n := 0
	for _, p := range positions {
		if p.Status.Terminal() {
			continue
		}
		if err := r.Register(p); err == nil {
			n++
		}
	}
	return n
}

// Transition moves id from -> to and applies fn to the position while the
// per-id lock is held. A mismatched current status yields
// *domain.StateConflictError; nothing is written in that case. Reaching a
// terminal status removes the position from the active index.
func (r *Registry) Transition(id string, from, to domain.PositionStatus, fn func(*domain.Position)) (domain.Position, error) {
	if !domain.CanTransition(from, to) {
		return domain.Position{}, fmt.Errorf("position: %s %s -> %s: %w", id, from, to, domain.ErrInvalidTransition)
	}

	e, err := r.lookup(id)
	if err != nil {
		return domain.Position{}, err
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return domain.Position{}, fmt.Errorf("position: %s: %w", id, domain.ErrNotFound)
	}
	if e.pos.Status != from {
		actual := e.pos.Status
		e.mu.Unlock()
		return domain.Position{}, &domain.StateConflictError{ID: id, Expected: from, Actual: actual}
	}

	next := e.pos.Clone()
	if fn != nil {
		fn(&next)
	}
	next.ID = id
	next.SignalKey = e.pos.SignalKey
	next.Status = to
	next.UpdatedAt = r.now()
	if to == domain.PositionStatusClosed && next.ClosedAt == nil {
		t := next.UpdatedAt
		next.ClosedAt = &t
	}
	if to == domain.PositionStatusOpen || to == domain.PositionStatusMonitoring {
		if next.Quantity <= 0 || next.EntryPrice <= 0 {
			e.mu.Unlock()
			return domain.Position{}, &domain.ValidationError{
				Field:  "position",
				Reason: fmt.Sprintf("%s requires quantity and entry price > 0", to),
			}
		}
	}
	e.pos = next
	terminal := to.Terminal()
	if terminal {
		e.removed = true
	}
	snap := next.Clone()
	e.mu.Unlock()

	if terminal {
		r.mu.Lock()
		delete(r.entries, id)
		if owner, ok := r.keys[snap.SignalKey]; ok && owner == id {
			delete(r.keys, snap.SignalKey)
		}
		r.mu.Unlock()
	}
	return snap, nil
}

// Update applies fn without changing status, provided the current status is
// expect. Status, id and signal key are preserved whatever fn does.
func (r *Registry) Update(id string, expect domain.PositionStatus, fn func(*domain.Position)) (domain.Position, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Position{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return domain.Position{}, fmt.Errorf("position: %s: %w", id, domain.ErrNotFound)
	}
	if e.pos.Status != expect {
		return domain.Position{}, &domain.StateConflictError{ID: id, Expected: expect, Actual: e.pos.Status}
	}

	next := e.pos.Clone()
	fn(&next)
	next.ID = e.pos.ID
	next.SignalKey = e.pos.SignalKey
	next.Status = e.pos.Status
	next.UpdatedAt = r.now()
	e.pos = next
	return next.Clone(), nil
}

// Discard drops a PENDING position that was never sent to a venue.
func (r *Registry) Discard(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.pos.Status != domain.PositionStatusPending {
		actual := e.pos.Status
		e.mu.Unlock()
		return &domain.StateConflictError{ID: id, Expected: domain.PositionStatusPending, Actual: actual}
	}
	e.removed = true
	key := e.pos.SignalKey
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.entries, id)
	if owner, ok := r.keys[key]; ok && owner == id {
		delete(r.keys, key)
	}
	r.mu.Unlock()
	return nil
}

// Get returns a snapshot of the position.
func (r *Registry) Get(id string) (domain.Position, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Position{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return domain.Position{}, fmt.Errorf("position: %s: %w", id, domain.ErrNotFound)
	}
	return e.pos.Clone(), nil
}

// GetByKey returns a snapshot of the active position holding key.
func (r *Registry) GetByKey(key string) (domain.Position, error) {
	r.mu.RLock()
	id, ok := r.keys[key]
	r.mu.RUnlock()
	if !ok {
		return domain.Position{}, fmt.Errorf("position: key %q: %w", key, domain.ErrNotFound)
	}
	return r.Get(id)
}

// ListByStatus returns snapshots of every position whose status is one of
// statuses, ordered by creation time. With no statuses it lists everything.
func (r *Registry) ListByStatus(statuses ...domain.PositionStatus) []domain.Position {
	want := make(map[domain.PositionStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	r.mu.RLock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Position, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		if !e.removed && (len(want) == 0 || want[e.pos.Status]) {
			out = append(out, e.pos.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CountByVenue returns the number of active positions on venue.
func (r *Registry) CountByVenue(venue string) int {
	n := 0
	for _, p := range r.ListByStatus() {
		if p.Venue == venue {
			n++
		}
	}
	return n
}

// Len returns the number of active positions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// TryAcquire marks id as having a venue call in flight. It returns ok=false
// when another call is already outstanding. The returned release must be
// called once the call resolves.
func (r *Registry) TryAcquire(id string) (release func(), ok bool) {
	e, err := r.lookup(id)
	if err != nil {
		return func() {}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.inflight {
		return func() {}, false
	}
	e.inflight = true

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.inflight = false
			e.mu.Unlock()
		})
	}, true
}

// InFlight reports whether id currently has a venue call outstanding.
func (r *Registry) InFlight(id string) bool {
	e, err := r.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("position: %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// IsNotFound reports whether err means the position is not active.
func IsNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }
