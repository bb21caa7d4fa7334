// Package ctxstore implements the Context Store: a tenant-scoped key-value
// map backed by a bounded LRU, with optional batched/debounced writes and
// an atomic increment. Grounded on the teacher's small hand-rolled data
// structures (no pack repo imports a generic cache library for a single
// bounded map), per spec.md §4.G.
package ctxstore

import (
	"container/list"
	"sync"
	"time"
)

// Config tunes the store's capacity and write batching.
type Config struct {
	// CacheSize bounds the number of distinct (tenant, namespace, key)
	// entries retained by the LRU. Defaults to 1000.
	CacheSize int
	// EnableBatching stages writes instead of applying them immediately;
	// they are applied on the next Flush (periodic or explicit).
	EnableBatching bool
	// FlushInterval is how often staged writes are flushed when
	// EnableBatching is on and the store was constructed with New (which
	// starts the background flush loop). Defaults to 500ms.
	FlushInterval time.Duration
}

type entryKey struct {
	tenant, namespace, key string
}

type lruNode struct {
	key   entryKey
	value any
}

// Store is a tenant-scoped KV store bounded by a strict-LRU eviction
// policy. It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	ll     *list.List
	items  map[entryKey]*list.Element
	staged map[entryKey]any

	evictions int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Store and, if batching is enabled, starts the
// background flush loop.
func New(cfg Config) *Store {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	s := &Store{
		cfg:    cfg,
		ll:     list.New(),
		items:  make(map[entryKey]*list.Element),
		staged: make(map[entryKey]any),
	}
	if cfg.EnableBatching {
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.flushLoop()
	}
	return s
}

// Get returns the value for (tenant, namespace, key), consulting staged
// writes before the LRU so a read immediately reflects a just-written
// value even if it hasn't flushed yet.
func (s *Store) Get(tenant, namespace, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entryKey{tenant, namespace, key}
	if v, ok := s.staged[k]; ok {
		return v, true
	}
	if el, ok := s.items[k]; ok {
		s.ll.MoveToFront(el)
		return el.Value.(*lruNode).value, true
	}
	return nil, false
}

// Set writes value for (tenant, namespace, key). With batching on, the
// write is staged until the next Flush; otherwise it is applied to the
// LRU immediately.
func (s *Store) Set(tenant, namespace, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entryKey{tenant, namespace, key}
	if s.cfg.EnableBatching {
		s.staged[k] = value
		return
	}
	s.applyLocked(k, value)
}

// Increment atomically adds delta to the numeric value at (tenant,
// namespace, key), treating a missing entry as zero. It returns the new
// value. Increment always applies immediately, bypassing batching, so
// counters observe each other's updates without waiting on a flush.
func (s *Store) Increment(tenant, namespace, key string, delta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entryKey{tenant, namespace, key}

	var current float64
	if v, ok := s.staged[k]; ok {
		current = toFloat(v)
	} else if el, ok := s.items[k]; ok {
		current = toFloat(el.Value.(*lruNode).value)
	}
	next := current + delta
	s.applyLocked(k, next)
	delete(s.staged, k)
	return next
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// applyLocked writes k=value directly to the LRU, evicting the
// least-recently-used entry if the store is at capacity. Caller holds s.mu.
func (s *Store) applyLocked(k entryKey, value any) {
	if el, ok := s.items[k]; ok {
		el.Value.(*lruNode).value = value
		s.ll.MoveToFront(el)
		return
	}
	if s.ll.Len() >= s.cfg.CacheSize {
		s.evictOldestLocked()
	}
	el := s.ll.PushFront(&lruNode{key: k, value: value})
	s.items[k] = el
}

func (s *Store) evictOldestLocked() {
	oldest := s.ll.Back()
	if oldest == nil {
		return
	}
	s.ll.Remove(oldest)
	delete(s.items, oldest.Value.(*lruNode).key)
	s.evictions++
}

// Flush applies every staged write to the LRU. Safe to call even with
// batching disabled (a no-op, since Set never stages in that mode).
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.staged {
		s.applyLocked(k, v)
		delete(s.staged, k)
	}
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	t := time.NewTicker(s.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			s.Flush()
			return
		case <-t.C:
			s.Flush()
		}
	}
}

// Close stops the background flush loop (if running) after a final
// flush. Safe to call on a store constructed without batching.
func (s *Store) Close() {
	if s.stopCh == nil {
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

// Stats reports store size and cumulative eviction count, used by quota
// monitoring and tests.
type Stats struct {
	Size      int
	Evictions int64
}

// Stats returns the current store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Size: s.ll.Len() + len(s.staged), Evictions: s.evictions}
}

// Evict removes (tenant, namespace, key) from both the staged set and the
// LRU, reporting whether anything was removed. Used by tests and by
// explicit cache invalidation.
func (s *Store) Evict(tenant, namespace, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entryKey{tenant, namespace, key}
	removed := false
	if _, ok := s.staged[k]; ok {
		delete(s.staged, k)
		removed = true
	}
	if el, ok := s.items[k]; ok {
		s.ll.Remove(el)
		delete(s.items, k)
		removed = true
	}
	return removed
}

// ClearTenant evicts every entry belonging to tenant, used when a Kernel
// resumes from a snapshot and must discard stale cached context.
func (s *Store) ClearTenant(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.staged {
		if k.tenant == tenant {
			delete(s.staged, k)
		}
	}
	for k, el := range s.items {
		if k.tenant == tenant {
			s.ll.Remove(el)
			delete(s.items, k)
		}
	}
}
