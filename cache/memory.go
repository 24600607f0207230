package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process TTL cache for single-instance deployments.
type MemoryCache struct {
	mu     sync.RWMutex
	data   map[string]memoryItem
	stopCh chan struct{}
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache constructs the cache and starts the janitor goroutine.
func NewMemoryCache() *MemoryCache {
	mc := &MemoryCache{
		data:   make(map[string]memoryItem),
		stopCh: make(chan struct{}),
	}
	go mc.janitor()
	return mc
}

func (mc *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	item, ok := mc.data[key]
	if !ok || time.Now().After(item.expiresAt) {
		return nil, ErrNotFound
	}

	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

func (mc *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	mc.data[key] = memoryItem{value: stored, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (mc *MemoryCache) Delete(_ context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.data, key)
	return nil
}

func (mc *MemoryCache) Close() error {
	close(mc.stopCh)
	return nil
}

func (mc *MemoryCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mc.sweep()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MemoryCache) sweep() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	now := time.Now()
	for key, item := range mc.data {
		if now.After(item.expiresAt) {
			delete(mc.data, key)
		}
	}
}
