// Package cache holds a small in-memory map with per-entry expiry.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero means never
	seq       uint64
}

// TTL is a concurrency-safe map whose entries expire ttl after insertion.
// A zero ttl keeps entries forever. When maxEntries is positive, inserting
// into a full cache evicts the oldest insertion first.
type TTL[K comparable, V any] struct {
	data       map[K]entry[V]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	seq        uint64
	mutex      sync.RWMutex
}

type Option[K comparable, V any] func(*TTL[K, V])

// WithMaxEntries bounds the number of live entries.
func WithMaxEntries[K comparable, V any](n int) Option[K, V] {
	return func(c *TTL[K, V]) { c.maxEntries = n }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *TTL[K, V]) { c.now = now }
}

func NewTTL[K comparable, V any](ttl time.Duration, opts ...Option[K, V]) *TTL[K, V] {
	c := &TTL[K, V]{
		data: make(map[K]entry[V]),
		ttl:  ttl,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value stored under key if it has not expired. The boolean
// distinguishes a stored zero value (e.g. a nil pointer) from a miss.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mutex.RLock()
	e, exists := c.data[key]
	c.mutex.RUnlock()

	if !exists || c.expired(e, c.now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *TTL[K, V]) Set(key K, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	if _, exists := c.data[key]; !exists && c.maxEntries > 0 && len(c.data) >= c.maxEntries {
		c.sweepLocked(now)
		if len(c.data) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}

	c.seq++
	e := entry[V]{value: value, seq: c.seq}
	if c.ttl > 0 {
		e.expiresAt = now.Add(c.ttl)
	}
	c.data[key] = e
}

func (c *TTL[K, V]) Delete(key K) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.data, key)
}

// Len counts stored entries, including expired ones not yet swept.
func (c *TTL[K, V]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}

// Sweep drops expired entries and returns how many were removed.
func (c *TTL[K, V]) Sweep() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.sweepLocked(c.now())
}

// StartJanitor sweeps every interval until stop is closed.
func (c *TTL[K, V]) StartJanitor(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-stop:
			return
		}
	}
}

func (c *TTL[K, V]) expired(e entry[V], now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (c *TTL[K, V]) sweepLocked(now time.Time) int {
	removed := 0
	for k, e := range c.data {
		if c.expired(e, now) {
			delete(c.data, k)
			removed++
		}
	}
	return removed
}

func (c *TTL[K, V]) evictOldestLocked() {
	var (
		oldestKey K
		oldestSeq uint64
		found     bool
	)
	for k, e := range c.data {
		if !found || e.seq < oldestSeq {
			oldestKey, oldestSeq, found = k, e.seq, true
		}
	}
	if found {
		delete(c.data, oldestKey)
	}
}
