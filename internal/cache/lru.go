package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LRUCache is the in-process cache: the Community tier backend and L1 of
// the two-phase cache. Cached analyses and rate-limit windows share one
// recency list, so both are bounded by maxSize and evicted the same way.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front is most recently used
}

// slot is either a cached value or a fixed-window counter.
type slot struct {
	key       string
	value     []byte
	count     int64
	expiresAt time.Time
}

func (s *slot) expired(now time.Time) bool {
	return !now.Before(s.expiresAt)
}

// NewLRUCache creates a cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get returns a cached value, or nil on a miss.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	fullKey, err := scopedKey(tenantID, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.live(fullKey, time.Now())
	if s == nil {
		return nil, nil
	}
	return s.value, nil
}

// Set stores value for ttl.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	fullKey, err := scopedKey(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.put(&slot{key: fullKey, value: value, expiresAt: now.Add(ttl)}, now)
	return nil
}

// Delete removes a value.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	fullKey, err := scopedKey(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.drop(elem)
	}
	return nil
}

// GetAnalysis retrieves a cached analysis.
func (c *LRUCache) GetAnalysis(ctx context.Context, tenantID string, key string) (*domain.Analysis, error) {
	return loadAnalysis(ctx, c, tenantID, key)
}

// SetAnalysis caches an analysis.
func (c *LRUCache) SetAnalysis(ctx context.Context, tenantID string, key string, analysis *domain.Analysis, ttl time.Duration) error {
	return storeAnalysis(ctx, c, tenantID, key, analysis, ttl)
}

// IncrementCounter counts calls within a fixed window that starts at the
// first call. An expired window restarts at 1.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	fullKey, err := scopedKey(tenantID, "counter:"+key)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if s := c.live(fullKey, now); s != nil {
		s.count++
		return s.count, nil
	}

	c.put(&slot{key: fullKey, count: 1, expiresAt: now.Add(window)}, now)
	return 1, nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	return nil
}

// Stats returns the number of entries, counters included, and capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

func scopedKey(tenantID, key string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenantID is required")
	}
	return tenantID + ":" + key, nil
}

// live returns the unexpired slot for key and marks it recently used.
// An expired slot is removed.
func (c *LRUCache) live(key string, now time.Time) *slot {
	elem, ok := c.items[key]
	if !ok {
		return nil
	}
	s := elem.Value.(*slot)
	if s.expired(now) {
		c.drop(elem)
		return nil
	}
	c.order.MoveToFront(elem)
	return s
}

// put inserts or replaces a slot, then evicts down to capacity.
func (c *LRUCache) put(s *slot, now time.Time) {
	if elem, ok := c.items[s.key]; ok {
		elem.Value = s
		c.order.MoveToFront(elem)
		return
	}
	c.items[s.key] = c.order.PushFront(s)
	c.evict(now)
}

// evict removes expired slots first, then the least recently used, until
// the cache fits. Expired slots are only looked for once it overflows.
func (c *LRUCache) evict(now time.Time) {
	if c.order.Len() <= c.maxSize {
		return
	}
	for elem := c.order.Back(); elem != nil && c.order.Len() > c.maxSize; {
		prev := elem.Prev()
		if elem.Value.(*slot).expired(now) {
			c.drop(elem)
		}
		elem = prev
	}
	for c.order.Len() > c.maxSize {
		c.drop(c.order.Back())
	}
}

func (c *LRUCache) drop(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*slot).key)
}
