// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "sync"

// Allocator is the pluggable per-mutator allocation front-end SPEC_FULL.md's
// SUPPLEMENTED FEATURES section calls for: a fast path that avoids
// taking the collector's global lock (spec.md §5 "single global lock")
// on every small allocation, the same shape as
// cloudfly-readgo/runtime/mcache.go's per-P cache sitting in front of
// mcentral's locked free lists. ThreadLocalAllocator below is congc's
// one implementation; the interface exists so the top-level Collector
// (gc/api.go) can be handed an alternative without a rewrite.
type Allocator interface {
	Malloc(id ThreadID, bytes uintptr, kindID ObjKindID) (uintptr, error)
	Flush(id ThreadID)
}

// tlKey identifies one per-kind, per-size free list in a tlCache, per
// spec.md §4.E: "each thread holds a per-kind, per-size free list."
// Keying by granules alone would thread objects of different kinds
// with the same size onto one list, so an atomic PTRFREE object could
// come back out of Malloc tagged as KindNormal and never get scanned.
type tlKey struct {
	kind     ObjKindID
	granules uintptr
}

// tlCache is one mutator's private reservoir of free objects per
// (kind, granule size) pair, refilled in batches from the shared
// ObjAllocator so most allocations touch no shared state.
type tlCache struct {
	mu    sync.Mutex
	lists map[tlKey]uintptr // (kind, granules) -> free-list head, private to this cache
}

// ThreadLocalAllocator wraps a shared ObjAllocator with one tlCache per
// registered ThreadID, refilling batchSize objects at a time from the
// shared kind free lists under the collector's lock. Grounded on
// original_source's thread-local allocation path (a later addition to
// bdwgc, "USE_LOCAL_ALLOC lacks in the baseline gc.h but is described in
// the overview as a later layer"), generalized here to Go goroutines
// identified by ThreadID rather than OS thread-specifics.
type ThreadLocalAllocator struct {
	shared *ObjAllocator
	kinds  *KindTable
	sm     sizeMap

	globalMu sync.Mutex // serializes refills against the shared allocator, standing in for spec.md §5's single global lock

	mu     sync.Mutex
	caches map[ThreadID]*tlCache

	batchSize int
}

// NewThreadLocalAllocator wires a per-thread front-end to shared.
func NewThreadLocalAllocator(shared *ObjAllocator, kinds *KindTable) *ThreadLocalAllocator {
	return &ThreadLocalAllocator{
		shared:    shared,
		kinds:     kinds,
		sm:        newSizeMap(),
		caches:    make(map[ThreadID]*tlCache),
		batchSize: 8,
	}
}

func (t *ThreadLocalAllocator) cacheFor(id ThreadID) *tlCache {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.caches[id]
	if !ok {
		c = &tlCache{lists: make(map[tlKey]uintptr)}
		t.caches[id] = c
	}
	return c
}

// Malloc services bytes for thread id from its local cache, refilling
// from the shared allocator on a local miss.
func (t *ThreadLocalAllocator) Malloc(id ThreadID, bytes uintptr, kindID ObjKindID) (uintptr, error) {
	key := tlKey{kind: kindID, granules: t.sm.granulesFor(bytes)}
	c := t.cacheFor(id)

	c.mu.Lock()
	head := c.lists[key]
	if head != 0 {
		next := loadWord(head)
		c.lists[key] = next
		c.mu.Unlock()
		storeWord(head, 0)
		return head, nil
	}
	c.mu.Unlock()

	if err := t.refill(c, key); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	head = c.lists[key]
	if head == 0 {
		return 0, nil
	}
	next := loadWord(head)
	c.lists[key] = next
	storeWord(head, 0)
	return head, nil
}

// refill pulls up to batchSize objects of the given (kind, size) class
// from the shared allocator's global lock and threads them onto c's
// local free list for key.
func (t *ThreadLocalAllocator) refill(c *tlCache, key tlKey) error {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()

	sizeBytes := key.granules * GranuleBytes
	var head uintptr
	for i := 0; i < t.batchSize; i++ {
		obj, err := t.shared.GenericMallocInner(sizeBytes, key.kind)
		if err != nil {
			return err
		}
		if obj == 0 {
			break // out of memory; whatever we gathered so far is still usable
		}
		storeWord(obj, head)
		head = obj
	}
	if head == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// splice onto any existing local entries (there should be none on
	// the refill path, but a concurrent Flush could race otherwise).
	tail := head
	for loadWord(tail) != 0 {
		tail = loadWord(tail)
	}
	storeWord(tail, c.lists[key])
	c.lists[key] = head
	return nil
}

// Flush returns every object cached locally for id back to the shared
// allocator's free lists, used when a goroutine is about to exit or
// unregister (spec.md §6 "unregister_my_thread") so those objects
// remain available to other mutators instead of being stranded.
func (t *ThreadLocalAllocator) Flush(id ThreadID) {
	t.mu.Lock()
	c, ok := t.caches[id]
	if ok {
		delete(t.caches, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.globalMu.Lock()
	defer t.globalMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, head := range c.lists {
		if head == 0 {
			continue
		}
		kind := t.kinds.Kind(key.kind)
		if kind == nil {
			continue
		}
		kind.mu.Lock()
		tail := head
		for loadWord(tail) != 0 {
			tail = loadWord(tail)
		}
		storeWord(tail, kind.freeList[key.granules])
		kind.freeList[key.granules] = head
		kind.mu.Unlock()
	}
}
