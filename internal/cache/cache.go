// Package cache provides a generic in-memory store with sliding-window TTL
// expiration and an eviction side-effect hook.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EvictFunc is invoked with the key and value just before an expired entry is
// discarded. The hook is best-effort: errors and panics are logged and
// swallowed, and cache correctness never depends on it succeeding.
type EvictFunc[V any] func(key string, value V)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Store is a thread-safe TTL cache keyed by string. Expiry is checked lazily
// on access and periodically by Sweep. An expired key is a permanent miss
// until a new Put; keys are never implicitly resurrected.
type Store[V any] struct {
	mu      sync.Mutex
	items   map[string]entry[V]
	onEvict EvictFunc[V]

	now func() time.Time // overridable in tests
}

// New creates a Store. onEvict may be nil.
func New[V any](onEvict EvictFunc[V]) *Store[V] {
	return &Store[V]{
		items:   make(map[string]entry[V]),
		onEvict: onEvict,
		now:     time.Now,
	}
}

// Put stores value under key with the given ttl, replacing any previous
// entry without firing the eviction hook.
func (s *Store[V]) Put(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = entry[V]{value: value, expiresAt: s.now().Add(ttl)}
}

// Get returns the live value for key. An expired entry is evicted first and
// the call reports a miss; the eviction hook fires on a separate goroutine so
// reads never block on side effects.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	e, ok := s.items[key]
	if ok && !s.now().Before(e.expiresAt) {
		delete(s.items, key)
		s.mu.Unlock()
		go s.fireEvict(key, e.value)
		var zero V
		return zero, false
	}
	s.mu.Unlock()
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetOrPut returns the live value for key, or stores value with ttl when the
// key is absent or expired and returns that. The second result reports
// whether an existing entry was found, so concurrent miss-and-seed callers
// all converge on one entry. An expired entry is evicted (hook fired, as in
// Get) before the new value is stored.
func (s *Store[V]) GetOrPut(key string, value V, ttl time.Duration) (V, bool) {
	s.mu.Lock()
	e, ok := s.items[key]
	if ok && s.now().Before(e.expiresAt) {
		s.mu.Unlock()
		return e.value, true
	}
	s.items[key] = entry[V]{value: value, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	if ok {
		go s.fireEvict(key, e.value)
	}
	return value, false
}

// Touch slides the expiration deadline of a live entry forward to now+ttl.
// It reports false if the key is absent or already expired; an expired entry
// is not renewed (it will be evicted by Get or the sweeper).
func (s *Store[V]) Touch(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return false
	}
	e.expiresAt = s.now().Add(ttl)
	s.items[key] = e
	return true
}

// Remove deletes key without invoking the eviction hook and returns the
// removed value, if any.
func (s *Store[V]) Remove(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if ok {
		delete(s.items, key)
		return e.value, true
	}
	var zero V
	return zero, false
}

// Len returns the number of entries, including any not yet swept.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Sweep runs a background loop that evicts expired entries every interval
// until ctx is done. Hooks run synchronously on the sweeper goroutine,
// outside the store lock.
func (s *Store[V]) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.evictExpired()
			case <-ctx.Done():
				slog.Debug("Cache sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// evictExpired removes every expired entry and fires hooks for them.
func (s *Store[V]) evictExpired() {
	type evicted struct {
		key   string
		value V
	}
	s.mu.Lock()
	now := s.now()
	var expired []evicted
	for key, e := range s.items {
		if !now.Before(e.expiresAt) {
			delete(s.items, key)
			expired = append(expired, evicted{key: key, value: e.value})
		}
	}
	s.mu.Unlock()

	for _, ev := range expired {
		s.fireEvict(ev.key, ev.value)
	}
}

// fireEvict runs the hook, containing panics so a failing callback can never
// prevent eviction.
func (s *Store[V]) fireEvict(key string, value V) {
	if s.onEvict == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Eviction hook panicked", "key", key, "panic", r)
		}
	}()
	s.onEvict(key, value)
}
