package memory

import (
	"container/list"
	"sync"
	"time"

	"github.com/datagate-io/datagate/internal/domain/semantic"
)

// VerdictCache is a TTL-bounded LRU of advisory verdicts keyed by query
// content hash. Identical borderline queries skip repeat advisory calls
// for the TTL window.
type VerdictCache struct {
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

var _ semantic.VerdictCache = (*VerdictCache)(nil)

type verdictEntry struct {
	key      string
	verdict  semantic.AdvisorVerdict
	storedAt time.Time
}

// VerdictCacheOption configures a VerdictCache.
type VerdictCacheOption func(*VerdictCache)

// WithVerdictClock overrides the clock, used in tests.
func WithVerdictClock(now func() time.Time) VerdictCacheOption {
	return func(c *VerdictCache) { c.now = now }
}

// NewVerdictCache creates a cache with the given bounds. Non-positive
// values fall back to 1000 entries and a one-hour TTL.
func NewVerdictCache(maxEntries int, ttl time.Duration, opts ...VerdictCacheOption) *VerdictCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &VerdictCache{
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached verdict, expiring it lazily when stale.
func (c *VerdictCache) Get(key string) (semantic.AdvisorVerdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return semantic.AdvisorVerdict{}, false
	}
	entry := el.Value.(*verdictEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return semantic.AdvisorVerdict{}, false
	}
	c.order.MoveToFront(el)
	return entry.verdict, true
}

// Put stores a verdict, evicting the least recently used entry when full.
func (c *VerdictCache) Put(key string, verdict semantic.AdvisorVerdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*verdictEntry)
		entry.verdict = verdict
		entry.storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*verdictEntry).key)
	}

	c.entries[key] = c.order.PushFront(&verdictEntry{
		key:      key,
		verdict:  verdict,
		storedAt: c.now(),
	})
}

// Len returns the live entry count.
func (c *VerdictCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
