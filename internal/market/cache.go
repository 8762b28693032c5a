package market

import (
	"fmt"
	"sync"

	"github.com/GoPolymarket/mmengine/internal/pkg/logger"
	"github.com/GoPolymarket/mmengine/internal/pkg/metrics"
)

type cacheEntry struct {
	book *Orderbook
	refs int
}

// Cache holds the latest book per (exchange, pair) and deduplicates
// subscriptions across runners.
type Cache struct {
	mu      sync.RWMutex
	source  Source
	entries map[Key]*cacheEntry
}

func NewCache(source Source) *Cache {
	return &Cache{
		source:  source,
		entries: make(map[Key]*cacheEntry),
	}
}

// Subscribe 引用计数 +1; 首个订阅者负责打开数据源
func (c *Cache) Subscribe(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.refs++
		return nil
	}
	book := NewOrderbook(key)
	if c.source != nil {
		if err := c.source.Open(key, book); err != nil {
			return fmt.Errorf("open market %s: %w", key, err)
		}
	}
	c.entries[key] = &cacheEntry{book: book, refs: 1}
	metrics.MarketSubscriptions.Set(float64(len(c.entries)))
	logger.Debug("market subscribed", "key", key.String())
	return nil
}

// Unsubscribe 引用计数 -1; 最后一个订阅者离开时关闭数据源
func (c *Cache) Unsubscribe(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(c.entries, key)
	if c.source != nil {
		c.source.Close(key)
	}
	metrics.MarketSubscriptions.Set(float64(len(c.entries)))
	logger.Debug("market unsubscribed", "key", key.String())
}

// Snapshot returns a copy of the latest book. ok is false when nobody is
// subscribed to key.
func (c *Cache) Snapshot(key Key) (Snapshot, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return e.book.GetCopy(), true
}

func (c *Cache) Refs(key Key) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[key]; ok {
		return e.refs
	}
	return 0
}

func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}
