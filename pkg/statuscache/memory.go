package statuscache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"modmaster/pkg/domain"
)

const defaultMemoryEntries = 10000

type memoryEntry struct {
	snap        domain.StatusSnapshot
	invalidated bool
}

// MemoryCache implements Cache in-process for single-replica deployments.
type MemoryCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, memoryEntry]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = defaultMemoryEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{lru: expirable.NewLRU[string, memoryEntry](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, scanID string) (domain.StatusSnapshot, bool, error) {
	entry, ok := c.lru.Get(cacheKey(scanID))
	if !ok || entry.invalidated {
		return domain.StatusSnapshot{}, false, nil
	}
	return entry.snap, true, nil
}

func (c *MemoryCache) PutProcessing(_ context.Context, snap domain.StatusSnapshot) error {
	if snap.Status != domain.StatusProcessing || snap.ScanID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(snap.ScanID)
	if _, ok := c.lru.Peek(key); ok {
		return nil
	}
	c.lru.Add(key, memoryEntry{snap: snap})
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, scanID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(cacheKey(scanID), memoryEntry{invalidated: true})
	return nil
}

func (c *MemoryCache) Reset(_ context.Context, scanID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(cacheKey(scanID))
	return nil
}
