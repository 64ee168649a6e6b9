package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// MarkCache holds the latest mark price per symbol, sharded to keep tick
// ingestion cheap under a wide watchlist.
type MarkCache struct {
	shards [numShards]*markShard
}

type markShard struct {
	mu    sync.RWMutex
	items map[string]markEntry
}

type markEntry struct {
	price      float64
	eventTime  time.Time // exchange timestamp on the tick
	receivedAt time.Time
}

// MarkQuote is one cached mark price with its freshness.
type MarkQuote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	EventTime time.Time `json:"eventTime"`
	AgeMs     int64     `json:"ageMs"`
}

func NewMarkCache() *MarkCache {
	c := &MarkCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &markShard{items: make(map[string]markEntry)}
	}
	return c
}

func (c *MarkCache) shard(symbol string) *markShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Update stores the latest mark price for a symbol.
func (c *MarkCache) Update(symbol string, price float64, eventTime time.Time) {
	s := c.shard(symbol)
	s.mu.Lock()
	s.items[symbol] = markEntry{price: price, eventTime: eventTime, receivedAt: time.Now()}
	s.mu.Unlock()
}

// Get returns the cached mark price for a symbol.
func (c *MarkCache) Get(symbol string) (float64, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	entry, ok := s.items[symbol]
	s.mu.RUnlock()
	return entry.price, ok
}

// Quote returns the cached price together with its age.
func (c *MarkCache) Quote(symbol string) (MarkQuote, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	entry, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok {
		return MarkQuote{}, false
	}
	return MarkQuote{
		Symbol:    symbol,
		Price:     entry.price,
		EventTime: entry.eventTime,
		AgeMs:     time.Since(entry.receivedAt).Milliseconds(),
	}, true
}

// Snapshot returns every cached quote keyed by symbol.
func (c *MarkCache) Snapshot() map[string]MarkQuote {
	out := make(map[string]MarkQuote)
	now := time.Now()
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, entry := range s.items {
			out[sym] = MarkQuote{
				Symbol:    sym,
				Price:     entry.price,
				EventTime: entry.eventTime,
				AgeMs:     now.Sub(entry.receivedAt).Milliseconds(),
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Len returns the number of cached symbols.
func (c *MarkCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}
