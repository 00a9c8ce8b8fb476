package siteconfig

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the cache lifetime spec.md names for both positive and
// negative resolutions.
const DefaultTTL = 60 * time.Second

type cacheEntry struct {
	cfg       *SiteConfig // nil for a cached NotFound
	expiresAt time.Time
}

// Resolver maps a normalized host to its SiteConfig, backed by a document
// store with an in-memory TTL cache and per-host single-flight dedup.
type Resolver struct {
	store *PostgresStore
	ttl   time.Duration
	now   func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry

	group singleflight.Group
}

// NewResolver wires a Resolver against store with ttl (DefaultTTL if zero).
func NewResolver(store *PostgresStore, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		store: store,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// NormalizeHost lowercases host and strips a default port (80 or 443).
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if port == "80" || port == "443" {
		return h
	}
	return host
}

// Resolve returns the SiteConfig for host, or ErrNotFound. Concurrent
// callers resolving the same host share one document-store lookup.
func (r *Resolver) Resolve(ctx context.Context, host string) (*SiteConfig, error) {
	host = NormalizeHost(host)

	if cfg, ok := r.lookupCache(host); ok {
		if cfg == nil {
			return nil, ErrNotFound
		}
		return cfg, nil
	}

	v, err, _ := r.group.Do(host, func() (interface{}, error) {
		cfg, err := r.store.Get(ctx, host)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		r.storeCache(host, cfg) // cfg is nil on ErrNotFound: caches the negative result
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	// v holds a *SiteConfig boxed in interface{}; a nil cfg boxes into a
	// non-nil interface, so the nil check must happen after the assertion.
	cfg, _ := v.(*SiteConfig)
	if cfg == nil {
		return nil, ErrNotFound
	}
	return cfg, nil
}

// Invalidate drops host from the cache, forcing the next Resolve to hit
// the document store.
func (r *Resolver) Invalidate(host string) {
	host = NormalizeHost(host)
	r.mu.Lock()
	delete(r.cache, host)
	r.mu.Unlock()
}

func (r *Resolver) lookupCache(host string) (*SiteConfig, bool) {
	r.mu.RLock()
	entry, ok := r.cache[host]
	r.mu.RUnlock()
	if !ok || r.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.cfg, true
}

func (r *Resolver) storeCache(host string, cfg *SiteConfig) {
	r.mu.Lock()
	r.cache[host] = cacheEntry{cfg: cfg, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
}
