package coordinator

import (
	"container/list"
	"context"
	"sync"
)

// SessionChecker implements two-tier deduplication of payment session
// finalizes: a hot in-memory LRU backed by a Postgres lookup. A DB
// error is treated conservatively as "not a duplicate" so a store
// outage cannot block verification — the unique session index is the
// final guard.
type SessionChecker struct {
	lru       *sessionLRU
	dbChecker DBSessionChecker
}

// DBSessionChecker is the cold-tier lookup: has this session reference
// already reached a terminal status?
type DBSessionChecker interface {
	IsSessionProcessed(ctx context.Context, sessionRef string) (bool, error)
}

func NewSessionChecker(capacity int, dbChecker DBSessionChecker) *SessionChecker {
	return &SessionChecker{
		lru:       newSessionLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks both tiers. A Postgres hit is promoted into the
// LRU so the cold path is not taken again for the same reference.
func (c *SessionChecker) IsDuplicate(ctx context.Context, sessionRef string) (dup bool, tier string) {
	if c.lru.Contains(sessionRef) {
		return true, "lru"
	}

	if c.dbChecker != nil {
		isDup, err := c.dbChecker.IsSessionProcessed(ctx, sessionRef)
		if err != nil {
			return false, ""
		}
		if isDup {
			c.lru.Add(sessionRef)
			return true, "postgres"
		}
	}

	return false, ""
}

// MarkProcessed records a reference after a successful finalize.
func (c *SessionChecker) MarkProcessed(sessionRef string) {
	c.lru.Add(sessionRef)
}

// Size returns current LRU occupancy.
func (c *SessionChecker) Size() int {
	return c.lru.Size()
}

// --- LRU ---

// sessionLRU is mutex-guarded: verification calls arrive on many
// goroutines.
type sessionLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newSessionLRU(capacity int) *sessionLRU {
	return &sessionLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front).
func (lru *sessionLRU) Contains(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists).
func (lru *sessionLRU) Add(key string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	entry := &lruEntry{key: key}
	elem := lru.lruList.PushFront(entry)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *sessionLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
	}
}

func (lru *sessionLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}
