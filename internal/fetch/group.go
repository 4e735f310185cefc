// Package fetch is the cache and throttle layer: a keyed TTL cache with
// request coalescing, so that repeated or concurrent requests for the same
// logical resource collapse into one in-flight call, with stale-cache
// fallback when the network fails.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"fleetlink.org/internal/obs"
)

const (
	defaultTTL = time.Minute

	// Expired values stay reachable to the failure path for a grace period
	// before the retention timer evicts them.
	minRetention = time.Minute
)

// FetchFunc performs the underlying network call for a cache miss.
type FetchFunc func(ctx context.Context) (any, error)

// Options adjust a single GetOrFetch call. The zero value caches with the
// default TTL, coalesces, and applies no throttle delay.
type Options struct {
	// TTL is the cache lifetime of a fetched value; <= 0 means the default.
	TTL time.Duration
	// ThrottleDelay holds the call briefly so near-simultaneous callers
	// coalesce onto it.
	ThrottleDelay time.Duration
	// SkipCache bypasses the cache lookup (the result is still stored).
	SkipCache bool
	// SkipThrottle bypasses request coalescing.
	SkipThrottle bool
}

type entry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
	timer      *time.Timer
}

// Group is one cache instance shared by multiple logical resources with
// distinct key namespaces.
type Group struct {
	mu      sync.Mutex
	entries map[string]*entry
	flight  singleflight.Group
	now     func() time.Time
	ttl     time.Duration
}

// GroupOption configures Group construction.
type GroupOption func(*Group)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) GroupOption {
	return func(g *Group) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithDefaultTTL overrides the TTL applied when Options leave it unset.
func WithDefaultTTL(d time.Duration) GroupOption {
	return func(g *Group) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// NewGroup constructs an empty cache and throttle group.
func NewGroup(opts ...GroupOption) *Group {
	g := &Group{
		entries: make(map[string]*entry),
		now:     time.Now,
		ttl:     defaultTTL,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Key derives a deterministic cache key from a logical resource name and its
// serialized parameters.
func Key(resource string, params ...any) string {
	var b strings.Builder
	b.WriteString(resource)
	for _, p := range params {
		b.WriteByte('|')
		fmt.Fprint(&b, p)
	}
	return b.String()
}

// GetOrFetch returns a live cached value for key, joins an in-flight call for
// it, or performs the fetch. On failure a retained stale value is served as a
// degraded result; with nothing cached the error propagates.
func (g *Group) GetOrFetch(ctx context.Context, key string, fn FetchFunc, opts Options) (any, error) {
	if key == "" {
		return nil, errors.New("fetch: key is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = g.ttl
	}

	if !opts.SkipCache {
		if v, ok := g.lookup(key); ok {
			obs.CacheEvent("hit")
			return v, nil
		}
	}

	fetch := func() (any, error) {
		if opts.ThrottleDelay > 0 {
			if err := g.wait(ctx, opts.ThrottleDelay); err != nil {
				return nil, err
			}
		}
		// A coalesced neighbor may have stored a value while this call
		// waited its throttle delay.
		if !opts.SkipCache {
			if v, ok := g.lookup(key); ok {
				return v, nil
			}
			// One miss per executed fetch, not per joined caller.
			obs.CacheEvent("miss")
		}
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		g.store(key, v, ttl)
		return v, nil
	}

	var value any
	var err error
	if opts.SkipThrottle {
		value, err = fetch()
	} else {
		var shared bool
		value, err, shared = g.flight.Do(key, fetch)
		if shared {
			obs.CacheEvent("coalesced")
		}
	}
	if err == nil {
		return value, nil
	}

	if stale, ok := g.staleValue(key); ok {
		obs.Warn("fetch", "serving stale cache after fetch failure", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
		obs.CacheEvent("stale_fallback")
		return stale, nil
	}
	return nil, err
}

// Invalidate removes every entry whose key matches keyOrPrefix exactly or by
// prefix, cancelling retention timers and forcing the next read to the
// network. It returns the number of removed entries.
func (g *Group) Invalidate(keyOrPrefix string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, e := range g.entries {
		if key == keyOrPrefix || strings.HasPrefix(key, keyOrPrefix) {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(g.entries, key)
			g.flight.Forget(key)
			removed++
		}
	}
	return removed
}

// Len reports the number of entries, expired ones included.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *Group) lookup(key string) (any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		return nil, false
	}
	if !g.now().Before(e.insertedAt.Add(e.ttl)) {
		return nil, false
	}
	return e.value, true
}

func (g *Group) staleValue(key string) (any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// store records the value with last-write-wins-by-completion semantics and
// arms the retention timer that evicts the value once it is too old even for
// stale fallback.
func (g *Group) store(key string, value any, ttl time.Duration) {
	retention := 4 * ttl
	if retention < minRetention {
		retention = minRetention
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.entries[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	e := &entry{value: value, insertedAt: g.now(), ttl: ttl}
	e.timer = time.AfterFunc(ttl+retention, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if cur, ok := g.entries[key]; ok && cur == e {
			delete(g.entries, key)
			obs.CacheEvent("evicted")
		}
	})
	g.entries[key] = e
}

func (g *Group) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
