package core

import (
	"container/list"

	"MarginRisk/internal/observability"
)

// IdempotencyChecker is the in-memory tier of request deduplication. The
// store's processed_requests table is the second tier and is consulted inside
// the bundle's transaction, so a request id is only ever recorded together
// with the changes it produced.
// Not thread-safe; the engine calls it under its lock.
type IdempotencyChecker struct {
	lru     *IdempotencyLRU
	metrics *observability.Metrics
}

func NewIdempotencyChecker(capacity int, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		metrics: metrics,
	}
}

// Seen reports whether requestID is known to be processed.
func (ic *IdempotencyChecker) Seen(requestID string) bool {
	if !ic.lru.Contains(requestID) {
		return false
	}
	ic.recordDuplicate("lru")
	return true
}

// StoreDuplicate records a duplicate caught by the store tier and caches it.
func (ic *IdempotencyChecker) StoreDuplicate(requestID string) {
	ic.recordDuplicate("store")
	ic.MarkProcessed(requestID)
}

// MarkProcessed adds requestID after its bundle committed.
func (ic *IdempotencyChecker) MarkProcessed(requestID string) {
	ic.lru.Add(requestID)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// Warm preloads recently processed request ids, oldest first.
func (ic *IdempotencyChecker) Warm(requestIDs []string) {
	ic.lru.WarmFromKeys(requestIDs)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU ---

// IdempotencyLRU is a fixed-capacity LRU set of request ids.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys without promoting ones already present.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.cache[key] = lru.lruList.PushFront(key)
		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
