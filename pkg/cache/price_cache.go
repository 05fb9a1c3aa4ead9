package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// PriceCache holds the last accepted price per symbol, sharded to keep tick
// ingestion off a single lock.
type PriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price      decimal.Decimal
	observedAt time.Time // feed timestamp
	updatedAt  time.Time // local receive time
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

func (c *PriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Observe records a price seen at ts. Older observations and exact
// redeliveries are ignored and reported as false.
func (c *PriceCache) Observe(symbol string, price decimal.Decimal, ts time.Time) bool {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if prev, ok := shard.items[symbol]; ok {
		if ts.Before(prev.observedAt) {
			return false
		}
		if ts.Equal(prev.observedAt) && price.Equal(prev.price) {
			return false
		}
	}
	shard.items[symbol] = priceEntry{price: price, observedAt: ts, updatedAt: time.Now()}
	return true
}

// Get returns the last price for symbol.
func (c *PriceCache) Get(symbol string) (decimal.Decimal, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return entry.price, ok
}

// GetWithAge returns the last price and how long ago it was received.
func (c *PriceCache) GetWithAge(symbol string) (decimal.Decimal, time.Duration, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok {
		return decimal.Zero, 0, false
	}
	return entry.price, time.Since(entry.updatedAt), true
}

// Len returns total items across all shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Snapshot returns all cached prices.
func (c *PriceCache) Snapshot() map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, entry := range shard.items {
			result[sym] = entry.price
		}
		shard.mu.RUnlock()
	}
	return result
}
