// Package cache holds the process-wide symbol metadata cache. Exchange
// filters change rarely, so every unit trading the same symbol shares one
// entry instead of re-fetching exchangeInfo.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"botcore/pkg/exchange"
)

const numShards = 16

// SymbolInfoCache is a sharded TTL cache of exchange symbol filters.
type SymbolInfoCache struct {
	shards [numShards]*symbolShard
	ttl    time.Duration
}

type symbolShard struct {
	mu    sync.RWMutex
	items map[string]symbolEntry
}

type symbolEntry struct {
	info      exchange.SymbolInfo
	updatedAt time.Time
}

// NewSymbolInfoCache creates a cache whose entries expire after ttl.
func NewSymbolInfoCache(ttl time.Duration) *SymbolInfoCache {
	c := &SymbolInfoCache{ttl: ttl}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &symbolShard{items: make(map[string]symbolEntry)}
	}
	return c
}

func (c *SymbolInfoCache) getShard(key string) *symbolShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the filters for a symbol.
func (c *SymbolInfoCache) Set(symbol string, info exchange.SymbolInfo) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = symbolEntry{info: info, updatedAt: time.Now()}
	shard.mu.Unlock()
}

// Get returns the cached filters. An expired entry is a miss.
func (c *SymbolInfoCache) Get(symbol string) (exchange.SymbolInfo, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok || time.Since(entry.updatedAt) > c.ttl {
		return exchange.SymbolInfo{}, false
	}
	return entry.info, true
}

// Len returns total items across all shards, expired included.
func (c *SymbolInfoCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than the TTL and reports how many.
func (c *SymbolInfoCache) Cleanup() int {
	removed := 0
	cutoff := time.Now().Add(-c.ttl)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
