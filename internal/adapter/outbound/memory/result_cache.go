package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/datagate-io/datagate/internal/domain/mdh"
)

// Result cache bounds.
const (
	defaultResultCacheEntries = 200
	defaultResultCacheTTL     = 5 * time.Minute
)

// ResultCache keeps recent record-query results keyed by a query
// fingerprint, sparing the hub repeated identical queries within a short
// window.
type ResultCache struct {
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[uint64]resultEntry
}

type resultEntry struct {
	results  *mdh.RecordSet
	storedAt time.Time
}

// ResultCacheOption configures a ResultCache.
type ResultCacheOption func(*ResultCache)

// WithResultClock overrides the clock, used in tests.
func WithResultClock(now func() time.Time) ResultCacheOption {
	return func(c *ResultCache) { c.now = now }
}

// NewResultCache creates a cache with the given bounds; non-positive
// values fall back to the defaults.
func NewResultCache(maxEntries int, ttl time.Duration, opts ...ResultCacheOption) *ResultCache {
	if maxEntries <= 0 {
		maxEntries = defaultResultCacheEntries
	}
	if ttl <= 0 {
		ttl = defaultResultCacheTTL
	}
	c := &ResultCache{
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
		entries:    make(map[uint64]resultEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fingerprint hashes everything that affects a query's result set.
// Field and filter order do not change the fingerprint.
func Fingerprint(q *mdh.RecordQuery) uint64 {
	fields := append([]string(nil), q.Fields...)
	sort.Strings(fields)

	filters := make([]string, len(q.Filters))
	for i, f := range q.Filters {
		filters[i] = f.FieldID + " " + f.Operator + " " + f.Value
	}
	sort.Strings(filters)

	var b strings.Builder
	b.WriteString(q.ModelID)
	b.WriteByte('\n')
	b.WriteString(strings.Join(fields, ","))
	b.WriteByte('\n')
	b.WriteString(strings.Join(filters, "&"))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%d\n%s", q.Limit, q.OffsetToken)
	return xxhash.Sum64String(b.String())
}

// Get returns cached results for the query, if fresh.
func (c *ResultCache) Get(q *mdh.RecordQuery) (*mdh.RecordSet, bool) {
	key := Fingerprint(q)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.results, true
}

// Put stores results for the query. When full, expired entries are
// purged first; if still full the oldest entry is evicted.
func (c *ResultCache) Put(q *mdh.RecordQuery, rs *mdh.RecordSet) {
	key := Fingerprint(q)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		for k, e := range c.entries {
			if now.Sub(e.storedAt) > c.ttl {
				delete(c.entries, k)
			}
		}
	}
	for len(c.entries) >= c.maxEntries {
		var oldestKey uint64
		first := true
		for k, e := range c.entries {
			if first || e.storedAt.Before(c.entries[oldestKey].storedAt) {
				oldestKey = k
				first = false
			}
		}
		delete(c.entries, oldestKey)
	}

	c.entries[key] = resultEntry{results: rs, storedAt: now}
}
