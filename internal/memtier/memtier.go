// Package memtier implements the bounded in-process memory tier fronting
// the on-disk store (spec.md §4.5): an LRU cache of recently used values
// with a soft per-entry TTL.
//
// The memory tier is strictly a performance aid. It never owns liveness -
// the index is always consulted for expiration - so an empty memory tier
// must not change any observable result other than latency.
package memtier

import (
	"container/list"
	"sync"
	"time"

	"github.com/calvinalkan/diskache/internal/entrymeta"
)

// Defaults per spec.md §4.5.
const (
	DefaultMaxEntries = 1000
	DefaultMaxBytes   = 64 * 1024 * 1024
	DefaultTTL        = 300 * time.Second
)

type entry struct {
	key       string
	value     []byte
	meta      *entrymeta.Meta
	expiresAt time.Time
}

// Tier is a bounded, recency-ordered cache of (key, value, meta) triples.
//
// Safe for concurrent use. Construction and teardown are tied to the
// owning Cache's lifecycle; there is no package-level shared state.
type Tier struct {
	mu sync.Mutex

	ll  *list.List
	idx map[string]*list.Element

	maxEntries int
	maxBytes   int64
	ttl        time.Duration
	curBytes   int64

	now func() time.Time
}

// New creates a memory tier with the given bounds. A zero value for any
// bound falls back to its spec.md §4.5 default.
func New(maxEntries int, maxBytes int64, ttl time.Duration) *Tier {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Tier{
		ll:         list.New(),
		idx:        make(map[string]*list.Element),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Get returns the cached value and metadata for key if present and not
// past its soft TTL, moving it to most-recently-used position.
//
// This is a latency optimization only: callers must still consult the
// index for authoritative expiration/liveness (spec.md §4.5).
func (t *Tier) Get(key string) ([]byte, *entrymeta.Meta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.idx[key]
	if !ok {
		return nil, nil, false
	}

	e := el.Value.(*entry) //nolint:errcheck // invariant: idx only holds *entry elements

	if t.now().After(e.expiresAt) {
		t.removeElementLocked(el)

		return nil, nil, false
	}

	t.ll.MoveToFront(el)

	return e.value, entrymeta.Clone(e.meta), true
}

// Set inserts or replaces key's cached value, evicting least-recently-used
// entries as needed to satisfy the configured bounds.
func (t *Tier) Set(key string, value []byte, meta *entrymeta.Meta) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.idx[key]; ok {
		t.curBytes -= int64(len(el.Value.(*entry).value)) //nolint:errcheck
		t.ll.Remove(el)
		delete(t.idx, key)
	}

	e := &entry{key: key, value: value, meta: entrymeta.Clone(meta), expiresAt: t.now().Add(t.ttl)}
	el := t.ll.PushFront(e)
	t.idx[key] = el
	t.curBytes += int64(len(value))

	t.evictLocked()
}

// Touch refreshes key's soft TTL (and, if expiresAt is non-nil, its cached
// metadata's ExpiresAt) without changing its cached value, matching
// spec.md §9's resolution that touch updates both the on-disk expiry and
// the memory-tier entry's TTL. Returns false if key is not cached.
func (t *Tier) Touch(key string, expiresAt *int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.idx[key]
	if !ok {
		return false
	}

	e := el.Value.(*entry) //nolint:errcheck
	e.expiresAt = t.now().Add(t.ttl)

	if expiresAt != nil {
		e.meta.ExpiresAt = *expiresAt
	}

	t.ll.MoveToFront(el)

	return true
}

// Delete invalidates key's cached entry immediately, if present.
func (t *Tier) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.idx[key]; ok {
		t.removeElementLocked(el)
	}
}

// Clear empties the memory tier.
func (t *Tier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ll = list.New()
	t.idx = make(map[string]*list.Element)
	t.curBytes = 0
}

// Len returns the number of cached entries (including any not yet expired).
func (t *Tier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.ll.Len()
}

func (t *Tier) removeElementLocked(el *list.Element) {
	e := el.Value.(*entry) //nolint:errcheck
	t.curBytes -= int64(len(e.value))
	t.ll.Remove(el)
	delete(t.idx, e.key)
}

// evictLocked drops least-recently-used entries until both bounds hold.
// Caller must hold t.mu.
func (t *Tier) evictLocked() {
	for t.ll.Len() > t.maxEntries || t.curBytes > t.maxBytes {
		back := t.ll.Back()
		if back == nil {
			return
		}

		t.removeElementLocked(back)
	}
}
