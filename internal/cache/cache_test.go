package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CryptoHub/internal/cache"
	"CryptoHub/internal/testutil"
)

func newTestCache() *cache.Cache {
	return cache.New(nil, testutil.NewTestMetrics(), time.Hour, time.Hour)
}

// ============================================================================
// Test: basic get / freshness
// ============================================================================

func TestCache_GetCachesValue(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	var calls atomic.Int64
	fetcher := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return "v1", nil
	}
	opts := cache.Options{StaleAfter: time.Minute}

	for i := 0; i < 3; i++ {
		v, err := c.Get(context.Background(), "k", fetcher, opts)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != "v1" {
			t.Fatalf("got %v, want v1", v)
		}
	}

	if n := calls.Load(); n != 1 {
		t.Errorf("fetcher calls: got %d, want 1", n)
	}
}

func TestCache_StaleEntryRefetches(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	var calls atomic.Int64
	fetcher := func(ctx context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}
	opts := cache.Options{StaleAfter: 10 * time.Millisecond}

	if _, err := c.Get(context.Background(), "k", fetcher, opts); err != nil {
		t.Fatalf("get: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	v, err := c.Get(context.Background(), "k", fetcher, opts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.(int64) != 2 {
		t.Errorf("got %v, want refetched value 2", v)
	}
}

// ============================================================================
// Test: request de-duplication
// ============================================================================

func TestCache_ConcurrentGetsShareOneFetch(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	var calls atomic.Int64
	release := make(chan struct{})
	fetcher := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}
	opts := cache.Options{StaleAfter: time.Minute}

	const workers = 16
	var wg sync.WaitGroup
	results := make([]interface{}, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "k", fetcher, opts)
		}(i)
	}

	// Let all workers queue behind the in-flight fetch before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("fetcher calls: got %d, want 1 (dedup)", n)
	}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i] != "shared" {
			t.Errorf("worker %d: got %v, want shared", i, results[i])
		}
	}
}

// ============================================================================
// Test: invalidation
// ============================================================================

func TestCache_InvalidateForcesRefetch(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	var calls atomic.Int64
	fetcher := func(ctx context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}
	opts := cache.Options{StaleAfter: time.Hour}

	c.Get(context.Background(), "portfolio:u1", fetcher, opts)
	c.Invalidate("portfolio:u1")

	v, err := c.Get(context.Background(), "portfolio:u1", fetcher, opts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.(int64) != 2 {
		t.Errorf("got %v, want 2 after invalidate", v)
	}
}

func TestCache_InvalidateIsIdempotent(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	var calls atomic.Int64
	fetcher := func(ctx context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}
	opts := cache.Options{StaleAfter: time.Hour}

	c.Get(context.Background(), "k", fetcher, opts)

	c.Invalidate("k")
	c.Invalidate("k")

	c.Get(context.Background(), "k", fetcher, opts)
	if n := calls.Load(); n != 2 {
		t.Errorf("fetcher calls: got %d, want 2 (double invalidate, one refetch)", n)
	}
}

func TestCache_InvalidateByPrefix(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	var calls atomic.Int64
	fetcher := func(ctx context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}
	opts := cache.Options{StaleAfter: time.Hour}

	c.Get(context.Background(), "fiat:u1", fetcher, opts)
	c.Get(context.Background(), "fiat:u2", fetcher, opts)
	c.Get(context.Background(), "swaps:u1", fetcher, opts)

	c.Invalidate("fiat:")

	c.Get(context.Background(), "fiat:u1", fetcher, opts)
	c.Get(context.Background(), "fiat:u2", fetcher, opts)
	c.Get(context.Background(), "swaps:u1", fetcher, opts)

	// 3 initial + 2 refetches; the swaps entry stays fresh.
	if n := calls.Load(); n != 5 {
		t.Errorf("fetcher calls: got %d, want 5", n)
	}
}

// ============================================================================
// Test: stale-while-revalidate
// ============================================================================

func TestCache_ServesStaleOnFetchFailure(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	var fail atomic.Bool
	fetcher := func(ctx context.Context) (interface{}, error) {
		if fail.Load() {
			return nil, errors.New("backend down")
		}
		return "good", nil
	}
	opts := cache.Options{StaleAfter: 10 * time.Millisecond}

	if _, err := c.Get(context.Background(), "k", fetcher, opts); err != nil {
		t.Fatalf("warm get: %v", err)
	}

	fail.Store(true)
	time.Sleep(30 * time.Millisecond)

	v, err := c.Get(context.Background(), "k", fetcher, opts)
	if err != nil {
		t.Fatalf("stale get should not error: %v", err)
	}
	if v != "good" {
		t.Errorf("got %v, want last-known-good", v)
	}
}

func TestCache_FetchErrorWithNoFallback(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	fetcher := func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("backend down")
	}

	_, err := c.Get(context.Background(), "cold", fetcher, cache.Options{StaleAfter: time.Minute})
	var fe *cache.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("got %T (%v), want *cache.FetchError", err, err)
	}
	if fe.Key != "cold" {
		t.Errorf("error key: got %q, want cold", fe.Key)
	}
}

// ============================================================================
// Test: background refresh
// ============================================================================

func TestCache_BackgroundRefresh(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	var calls atomic.Int64
	fetcher := func(ctx context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}
	opts := cache.Options{
		StaleAfter:   time.Hour,
		RefetchEvery: 20 * time.Millisecond,
	}

	c.Get(context.Background(), "k", fetcher, opts)
	time.Sleep(120 * time.Millisecond)

	if n := calls.Load(); n < 3 {
		t.Errorf("fetcher calls: got %d, want background refreshes", n)
	}

	// Readers see the refreshed value without fetching themselves.
	before := calls.Load()
	v, err := c.Get(context.Background(), "k", fetcher, opts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.(int64) < 3 {
		t.Errorf("got %v, want a refreshed value", v)
	}
	if calls.Load() != before {
		t.Error("foreground read triggered a fetch despite fresh entry")
	}
}

func TestCache_RefreshFailureKeepsValue(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	var fail atomic.Bool
	fetcher := func(ctx context.Context) (interface{}, error) {
		if fail.Load() {
			return nil, errors.New("backend down")
		}
		return "good", nil
	}
	opts := cache.Options{
		StaleAfter:   time.Hour,
		RefetchEvery: 20 * time.Millisecond,
	}

	c.Get(context.Background(), "k", fetcher, opts)
	fail.Store(true)
	time.Sleep(80 * time.Millisecond)

	v, err := c.Get(context.Background(), "k", fetcher, opts)
	if err != nil {
		t.Fatalf("get after failed refresh: %v", err)
	}
	if v != "good" {
		t.Errorf("got %v, want last-known-good after failed refreshes", v)
	}
}

// ============================================================================
// Test: eviction and teardown
// ============================================================================

func TestCache_JanitorDropsIdleEntries(t *testing.T) {
	c := cache.New(nil, testutil.NewTestMetrics(), 10*time.Millisecond, 20*time.Millisecond)
	defer c.Close()

	fetcher := func(ctx context.Context) (interface{}, error) { return "v", nil }
	c.Get(context.Background(), "k", fetcher, cache.Options{StaleAfter: time.Hour})

	if c.Len() != 1 {
		t.Fatalf("len: got %d, want 1", c.Len())
	}

	time.Sleep(100 * time.Millisecond)
	if c.Len() != 0 {
		t.Errorf("len after idle window: got %d, want 0", c.Len())
	}
}

func TestCache_CloseStopsRefresh(t *testing.T) {
	c := newTestCache()

	var calls atomic.Int64
	fetcher := func(ctx context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}
	c.Get(context.Background(), "k", fetcher, cache.Options{
		StaleAfter:   time.Hour,
		RefetchEvery: 10 * time.Millisecond,
	})

	c.Close()
	settled := calls.Load()
	time.Sleep(60 * time.Millisecond)

	if calls.Load() != settled {
		t.Error("refresh kept running after Close")
	}
}

// ============================================================================
// Test: invalidation source subscription
// ============================================================================

type scriptedSource struct {
	events chan cache.Invalidation
}

func (s *scriptedSource) Subscribe(ctx context.Context, fn func(cache.Invalidation)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			fn(ev)
		}
	}
}

func TestCache_SubscribeInvalidates(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	var calls atomic.Int64
	fetcher := func(ctx context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}
	opts := cache.Options{StaleAfter: time.Hour}
	c.Get(context.Background(), "portfolio:u1", fetcher, opts)

	src := &scriptedSource{events: make(chan cache.Invalidation)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Subscribe(ctx, src)
		close(done)
	}()

	src.events <- cache.Invalidation{Prefix: "portfolio:u1", At: time.Now()}
	time.Sleep(20 * time.Millisecond)

	v, err := c.Get(context.Background(), "portfolio:u1", fetcher, opts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.(int64) != 2 {
		t.Errorf("got %v, want refetch after feed invalidation", v)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Subscribe did not return after cancel")
	}
}
