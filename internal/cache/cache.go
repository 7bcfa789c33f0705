package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"CryptoHub/internal/observability"

	"github.com/rs/zerolog"
)

// Fetcher loads the value for a key from its source of truth.
type Fetcher func(ctx context.Context) (interface{}, error)

// Options declares per-entry freshness behavior.
type Options struct {
	// StaleAfter is the staleness window: a cached value older than this
	// is no longer served without a refresh attempt.
	StaleAfter time.Duration

	// RefetchEvery, when non-zero, schedules background refresh without
	// blocking readers (stale-while-revalidate).
	RefetchEvery time.Duration

	// DropAfter is the idle window after which the janitor evicts the
	// entry. Zero means the cache-wide default.
	DropAfter time.Duration

	// Decode reconstructs a typed value from the Redis tier's JSON.
	// When nil the Redis tier is write-through only for this key.
	Decode func(data []byte) (interface{}, error)
}

type entry struct {
	value     interface{}
	fetchedAt time.Time
	lastUsed  time.Time
	opts      Options
	fetcher   Fetcher

	refreshTimer *time.Timer
}

// Cache is a keyed, time-stamped cache of remote read results with
// bounded staleness, request de-duplication, and background refresh.
// Entries are replaced whole, never partially updated.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	group   singleflight.Group
	tier    *RedisTier // nil disables the second tier
	metrics *observability.Metrics
	log     zerolog.Logger

	defaultDrop  time.Duration
	janitorEvery time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates a cache. tier may be nil to run memory-only.
func New(tier *RedisTier, metrics *observability.Metrics, defaultDrop, janitorEvery time.Duration) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries:      make(map[string]*entry),
		tier:         tier,
		metrics:      metrics,
		log:          observability.NewLogger("cache"),
		defaultDrop:  defaultDrop,
		janitorEvery: janitorEvery,
		ctx:          ctx,
		cancel:       cancel,
	}

	c.wg.Add(1)
	go c.janitor()

	return c
}

// Get returns the cached value for key if present and not stale,
// otherwise invokes fetcher — once, even under concurrent same-key
// callers — and stores the result with the current timestamp.
//
// If a fetch fails while a stale value is still held, the stale value
// is served and the failure only logged.
func (c *Cache) Get(ctx context.Context, key string, fetcher Fetcher, opts Options) (interface{}, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.lastUsed = time.Now()
		if !c.isStale(e) {
			v := e.value
			c.mu.Unlock()
			c.metrics.CacheHits.WithLabelValues("memory").Inc()
			return v, nil
		}
		c.metrics.CacheMisses.WithLabelValues("stale").Inc()
	} else {
		c.metrics.CacheMisses.WithLabelValues("absent").Inc()
	}
	c.mu.Unlock()

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		return c.fill(ctx, key, fetcher, opts)
	})
	if shared {
		c.metrics.CacheCoalesced.WithLabelValues(keyPrefix(key)).Inc()
	}
	return v, err
}

// fill runs inside the singleflight group: one execution per key at a
// time. Re-checks the entry first so coalesced callers that queued
// behind a completed fetch get the fresh value without a second fetch.
func (c *Cache) fill(ctx context.Context, key string, fetcher Fetcher, opts Options) (interface{}, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !c.isStale(e) {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	// Second tier before the fetcher, when this key can decode it.
	if c.tier != nil && opts.Decode != nil {
		if data, ok := c.tier.Get(ctx, key); ok {
			if v, err := opts.Decode(data); err == nil {
				c.metrics.CacheHits.WithLabelValues("redis").Inc()
				c.store(key, v, fetcher, opts)
				return v, nil
			}
		}
	}

	start := time.Now()
	v, err := fetcher(ctx)
	c.metrics.CacheFetchDuration.WithLabelValues(keyPrefix(key)).Observe(time.Since(start).Seconds())

	if err != nil {
		// Serve last-known-good if we hold one.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			stale := e.value
			c.mu.Unlock()
			c.metrics.CacheStaleServed.WithLabelValues(keyPrefix(key)).Inc()
			c.log.Warn().Str("key", key).Err(err).Msg("fetch failed, serving stale value")
			return stale, nil
		}
		c.mu.Unlock()
		return nil, &FetchError{Key: key, Err: err}
	}

	c.store(key, v, fetcher, opts)
	return v, nil
}

// store replaces the whole entry and (re)schedules background refresh.
func (c *Cache) store(key string, v interface{}, fetcher Fetcher, opts Options) {
	now := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	if e.refreshTimer != nil {
		e.refreshTimer.Stop()
		e.refreshTimer = nil
	}
	e.value = v
	e.fetchedAt = now
	e.lastUsed = now
	e.opts = opts
	e.fetcher = fetcher

	if opts.RefetchEvery > 0 {
		e.refreshTimer = time.AfterFunc(opts.RefetchEvery, func() {
			c.refresh(key)
		})
	}
	c.metrics.CacheSize.Set(float64(len(c.entries)))
	c.mu.Unlock()

	if c.tier != nil {
		c.tier.Set(c.ctx, key, v, opts.DropAfter)
	}
}

// refresh re-runs a key's fetcher in the background. A failure leaves
// the last-known-good value in place and is not propagated to readers.
func (c *Cache) refresh(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	fetcher := e.fetcher
	opts := e.opts
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	v, err := fetcher(ctx)
	if err != nil {
		c.metrics.CacheRefreshErrors.WithLabelValues(keyPrefix(key)).Inc()
		c.log.Warn().Str("key", key).Err(err).Msg("background refresh failed, keeping stale value")

		// Keep the refresh loop alive so the entry recovers.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && !c.closed && opts.RefetchEvery > 0 {
			e.refreshTimer = time.AfterFunc(opts.RefetchEvery, func() { c.refresh(key) })
		}
		c.mu.Unlock()
		return
	}

	c.store(key, v, fetcher, opts)
}

// Invalidate marks all entries matching key or prefix stale, forcing
// the next Get to re-fetch. Idempotent: a second call on already-stale
// entries changes nothing.
func (c *Cache) Invalidate(keyOrPrefix string) {
	c.mu.Lock()
	for k, e := range c.entries {
		if k == keyOrPrefix || strings.HasPrefix(k, keyOrPrefix) {
			e.fetchedAt = time.Time{}
		}
	}
	c.mu.Unlock()

	c.metrics.CacheInvalidations.WithLabelValues("explicit").Inc()

	if c.tier != nil {
		c.tier.DeletePrefix(c.ctx, keyOrPrefix)
	}
}

// Subscribe wires an invalidation source into the cache: each event
// invalidates the matching prefix. Blocks until ctx is cancelled.
func (c *Cache) Subscribe(ctx context.Context, source InvalidationSource) error {
	return source.Subscribe(ctx, func(inv Invalidation) {
		c.mu.Lock()
		for k, e := range c.entries {
			if strings.HasPrefix(k, inv.Prefix) {
				e.fetchedAt = time.Time{}
			}
		}
		c.mu.Unlock()

		c.metrics.CacheInvalidations.WithLabelValues("feed").Inc()
		if !inv.At.IsZero() {
			c.metrics.InvalidationLag.Observe(time.Since(inv.At).Seconds())
		}
		if c.tier != nil {
			c.tier.DeletePrefix(c.ctx, inv.Prefix)
		}
	})
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close cancels the janitor and all refresh timers. Entries are dropped.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, e := range c.entries {
		if e.refreshTimer != nil {
			e.refreshTimer.Stop()
		}
	}
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// janitor drops entries unused beyond their DropAfter window.
func (c *Cache) janitor() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.janitorEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for k, e := range c.entries {
				drop := e.opts.DropAfter
				if drop == 0 {
					drop = c.defaultDrop
				}
				if now.Sub(e.lastUsed) > drop {
					if e.refreshTimer != nil {
						e.refreshTimer.Stop()
					}
					delete(c.entries, k)
					c.metrics.CacheEvictions.Inc()
				}
			}
			c.metrics.CacheSize.Set(float64(len(c.entries)))
			c.mu.Unlock()
		}
	}
}

// isStale must be called with c.mu held.
func (c *Cache) isStale(e *entry) bool {
	if e.fetchedAt.IsZero() {
		return true
	}
	if e.opts.StaleAfter <= 0 {
		return false
	}
	return time.Since(e.fetchedAt) > e.opts.StaleAfter
}

// keyPrefix extracts the metric label from a cache key, e.g.
// "portfolio:U1" → "portfolio". Keeps label cardinality bounded.
func keyPrefix(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
