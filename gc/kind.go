// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "sync"

// DisclaimFunc is invoked on an object about to be reclaimed so the
// client can run cleanup before the memory is reused, mirroring
// bdwgc's GC_HAS_DISCLAIM callback.
type DisclaimFunc func(obj uintptr, size uintptr)

// Kind is the static descriptor of a class of objects: whether they are
// scanned, zero-filled on allocation, ever reclaimed, and how they are
// traced by default. Grounded on spec.md §3 "Object kind".
type Kind struct {
	ID ObjKindID

	// Init zero-fills every slot on allocation when true.
	Init bool
	// Collectable objects are reclaimed when unreferenced; when false
	// (KindUncollectable) the block's marks are always all-set and
	// reclaim skips it, though tracing still descends into it.
	Collectable bool
	// Atomic objects are never scanned for outgoing pointers.
	Atomic bool

	DefaultDescr Descriptor
	Disclaim     DisclaimFunc

	mu         sync.Mutex
	freeList   map[uintptr]uintptr // granule class -> head of free-list chain (as an address)
	reclaimList map[uintptr][]*Header // granule class -> blocks awaiting sweep
}

// KindTable owns the well-known kinds plus any user-registered ones.
type KindTable struct {
	mu    sync.Mutex
	kinds []*Kind
}

// NewKindTable returns a table pre-populated with PTRFREE, NORMAL, and
// UNCOLLECTABLE.
func NewKindTable() *KindTable {
	t := &KindTable{}
	t.kinds = []*Kind{
		{ID: KindPTRFree, Init: false, Collectable: true, Atomic: true},
		{ID: KindNormal, Init: true, Collectable: true,
			DefaultDescr: Descriptor{Tag: DSLength, Length: 0}},
		{ID: KindUncollectable, Init: true, Collectable: false,
			DefaultDescr: Descriptor{Tag: DSLength, Length: 0}},
	}
	for _, k := range t.kinds {
		k.freeList = make(map[uintptr]uintptr)
		k.reclaimList = make(map[uintptr][]*Header)
	}
	return t
}

// Kind returns the kind registered under id, or nil.
func (t *KindTable) Kind(id ObjKindID) *Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) < 0 || int(id) >= len(t.kinds) {
		return nil
	}
	return t.kinds[id]
}

// RegisterKind adds a user-defined kind and returns its ID, per spec.md
// §3 "Object kind" (user-defined) and §6 malloc_explicitly_typed's need
// for a typed kind with its own default descriptor.
func (t *KindTable) RegisterKind(init, collectable, atomic bool, def Descriptor, disclaim DisclaimFunc) ObjKindID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := ObjKindID(len(t.kinds))
	k := &Kind{
		ID: id, Init: init, Collectable: collectable, Atomic: atomic,
		DefaultDescr: def, Disclaim: disclaim,
		freeList:    make(map[uintptr]uintptr),
		reclaimList: make(map[uintptr][]*Header),
	}
	t.kinds = append(t.kinds, k)
	return id
}
