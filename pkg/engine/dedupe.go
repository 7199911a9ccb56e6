package engine

import (
	"container/list"
	"sync"
	"time"
)

type dedupeEntry struct {
	key         string
	expiresAtMs int64
}

// dedupeCache is the short-lived (chatId, messageId) cache step 1 checks.
// Bounded by maxEntries with LRU eviction, independent of the TTL.
type dedupeCache struct {
	mu         sync.Mutex
	ttlMs      int64
	maxEntries int
	order      *list.List
	index      map[string]*list.Element
}

func newDedupeCache(ttl time.Duration, maxEntries int) *dedupeCache {
	return &dedupeCache{
		ttlMs:      int64(ttl / time.Millisecond),
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[string]*list.Element),
	}
}

// CheckAndSet returns true if key was already recorded and has not
// expired (a duplicate); otherwise it records key and returns false.
func (d *dedupeCache) CheckAndSet(key string, nowMs int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[key]; ok {
		entry := el.Value.(*dedupeEntry)
		if entry.expiresAtMs > nowMs {
			d.order.MoveToFront(el)
			return true
		}
		d.order.Remove(el)
		delete(d.index, key)
	}

	el := d.order.PushFront(&dedupeEntry{key: key, expiresAtMs: nowMs + d.ttlMs})
	d.index[key] = el

	for d.order.Len() > d.maxEntries {
		back := d.order.Back()
		if back == nil {
			break
		}
		entry := back.Value.(*dedupeEntry)
		delete(d.index, entry.key)
		d.order.Remove(back)
	}

	return false
}
