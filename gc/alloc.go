// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"fmt"
	"sync"
)

// ObjAllocator is the object allocator: per-kind free lists of
// fine-grained objects carved from HBLKs, with a fast path that pops a
// free-list head and a slow path that refills a whole block. Grounded
// on original_source/malloc.c and original_source/reclaim.c, and on
// cloudfly-readgo/runtime/malloc.go + mcentral.go's central-free-list
// shape for the reclaim-on-demand sweep.
type ObjAllocator struct {
	mu sync.Mutex

	heap    *Heap
	kinds   *KindTable
	objmaps *ObjMap

	bytesAllocd uintptr
	bytesFreed  uintptr
	nonGCBytes  uintptr

	sizeMap sizeMap
}

// NewObjAllocator wires an object allocator to its backing block
// allocator and kind table.
func NewObjAllocator(heap *Heap, kinds *KindTable, objmaps *ObjMap) *ObjAllocator {
	return &ObjAllocator{heap: heap, kinds: kinds, objmaps: objmaps, sizeMap: newSizeMap()}
}

// sizeMap rounds a byte request up to the nearest cached granule class,
// extending itself on first miss, per spec.md §4.E step 2.
type sizeMap struct {
	cache map[uintptr]uintptr // bytes -> granules, memoized
}

func newSizeMap() sizeMap {
	return sizeMap{cache: make(map[uintptr]uintptr)}
}

func (s *sizeMap) granulesFor(bytes uintptr) uintptr {
	if g, ok := s.cache[bytes]; ok {
		return g
	}
	g := (bytes + GranuleBytes - 1) / GranuleBytes
	s.cache[bytes] = g
	return g
}

// GenericMallocInner allocates bytes of kind, returning the object's
// address. Caller must hold the collector's global lock, per spec.md
// §4.E. Grounded directly on GC_generic_malloc_inner.
func (a *ObjAllocator) GenericMallocInner(bytes uintptr, kindID ObjKindID) (uintptr, error) {
	if bytes == 0 {
		bytes = 1
	}
	if bytes > MaxObjBytes {
		return a.allocLargeAndClear(bytes, kindID)
	}

	k := a.kinds.Kind(kindID)
	if k == nil {
		return 0, fmt.Errorf("gc: unknown object kind %d", kindID)
	}
	granules := a.sizeMap.granulesFor(bytes)
	sizeBytes := granules * GranuleBytes

	k.mu.Lock()
	head, ok := k.freeList[granules]
	if ok && head != 0 {
		next := loadWord(head)
		k.freeList[granules] = next
		k.mu.Unlock()
		storeWord(head, 0)
		a.bytesAllocd += sizeBytes
		if !k.Collectable {
			a.nonGCBytes += sizeBytes
		}
		return head, nil
	}
	k.mu.Unlock()

	if err := a.allocObj(k, granules, sizeBytes); err != nil {
		return 0, err
	}

	k.mu.Lock()
	head, ok = k.freeList[granules]
	if !ok || head == 0 {
		k.mu.Unlock()
		return 0, nil // out of memory
	}
	next := loadWord(head)
	k.freeList[granules] = next
	k.mu.Unlock()
	storeWord(head, 0)
	a.bytesAllocd += sizeBytes
	if !k.Collectable {
		a.nonGCBytes += sizeBytes
	}
	return head, nil
}

// allocLargeAndClear satisfies a request too big for any size class by
// carving a dedicated run of HBLKs, per spec.md §4.E step 1.
func (a *ObjAllocator) allocLargeAndClear(bytes uintptr, kindID ObjKindID) (uintptr, error) {
	k := a.kinds.Kind(kindID)
	if k == nil {
		return 0, fmt.Errorf("gc: unknown object kind %d", kindID)
	}
	adjusted := alignUp(bytes, HBLKSIZE)
	hdr, err := a.heap.AllocHBlk(adjusted, kindID, 0, 0)
	if err != nil || hdr == nil {
		return 0, err
	}
	hdr.Flags |= FlagLargeBlock
	if k.Disclaim != nil {
		hdr.Flags |= FlagHasDisclaim
	}
	hdr.Descr = k.DefaultDescr
	hdr.ClearMarks()
	if k.Init {
		zeroRange(hdr.Block, hdr.Sz)
	}
	a.bytesAllocd += hdr.Sz
	if !k.Collectable {
		a.nonGCBytes += hdr.Sz
		hdr.SetAllMarks()
	}
	a.EnqueueReclaim(hdr)
	return hdr.Block, nil
}

// allocObj refills granules' free list for kind k: first by sweeping one
// reclaim-list block (build_fl), then, if that yields nothing, by
// carving a fresh HBLK. Grounded on GC_allocobj / GC_new_hblk.
func (a *ObjAllocator) allocObj(k *Kind, granules uintptr, sizeBytes uintptr) error {
	k.mu.Lock()
	blocks := k.reclaimList[granules]
	if len(blocks) > 0 {
		hdr := blocks[len(blocks)-1]
		k.reclaimList[granules] = blocks[:len(blocks)-1]
		k.mu.Unlock()
		head, tail := a.buildFreeList(hdr, k, sizeBytes)
		if head != 0 {
			k.mu.Lock()
			storeWord(tail, k.freeList[granules])
			k.freeList[granules] = head
			k.mu.Unlock()
			return nil
		}
		// Every slot in hdr is still live: put it back in the reclaim
		// list instead of dropping it, so the next cycle's clear/mark
		// pass still visits it and it is not orphaned from sweeping.
		a.EnqueueReclaim(hdr)
		k.mu.Lock()
	}
	k.mu.Unlock()

	hdr, err := a.heap.AllocHBlk(sizeBytes, k.ID, 0, 0)
	if err != nil {
		return err
	}
	if hdr == nil {
		return nil // out of memory; caller sees empty free list
	}
	hdr.Descr = k.DefaultDescr
	hdr.ObjKind = k.ID
	hdr.Sz = sizeBytes
	if k.Disclaim != nil {
		hdr.Flags |= FlagHasDisclaim
	}
	hdr.ClearMarks()
	objMapTable := a.objmaps.For(sizeBytes)
	hdr.OffsetMap = objMapTable
	if !k.Collectable {
		hdr.SetAllMarks()
	}
	a.EnqueueReclaim(hdr)

	head := a.newHBlkFreeList(hdr, sizeBytes, k.Init)
	k.mu.Lock()
	k.freeList[granules] = head
	k.mu.Unlock()
	return nil
}

// newHBlkFreeList lays out a freshly carved HBLK's objects in address
// order, linking each to the next higher slot via a pointer stored at
// slot offset 0 (the last slot links to 0), and returns slot 0 as the
// head, per spec.md §4.E "build_fl".
func (a *ObjAllocator) newHBlkFreeList(hdr *Header, sizeBytes uintptr, zero bool) uintptr {
	n := hdr.NHBLKObjs()
	var head uintptr
	for i := n - 1; i >= 0; i-- {
		slot := hdr.Block + uintptr(i)*sizeBytes
		if zero {
			zeroRange(slot, sizeBytes)
		}
		storeWord(slot, head)
		head = slot
	}
	return head
}

// buildFreeList sweeps one already-allocated but partially-marked block
// looking for unmarked (i.e. now-dead) slots, rebuilding the kind's
// free list in place — the "reclaim" half of a collection cycle,
// deferred until the allocator actually needs the space. Grounded on
// original_source/reclaim.c's GC_reclaim_block / GC_build_fl.
// buildFreeList returns the head and tail addresses of the rebuilt
// chain; tail's link word is left at 0 (untouched) so the caller can
// splice further entries after it without a second walk.
func (a *ObjAllocator) buildFreeList(hdr *Header, k *Kind, sizeBytes uintptr) (head, tail uintptr) {
	n := hdr.NHBLKObjs()
	disclaim := hdr.Flags&FlagHasDisclaim != 0 && k.Disclaim != nil
	for i := n - 1; i >= 0; i-- {
		if hdr.TestMark(i) {
			continue
		}
		slot := hdr.Block + uintptr(i)*sizeBytes
		if disclaim {
			k.Disclaim(slot, sizeBytes)
		}
		if k.Init {
			zeroRange(slot, sizeBytes)
		}
		storeWord(slot, head)
		head = slot
		if tail == 0 {
			tail = slot
		}
	}
	return head, tail
}

// Free returns obj to its kind's free list (small objects) or to the
// block allocator directly (large objects). Grounded on
// original_source/malloc.c's GC_free.
func (a *ObjAllocator) Free(obj uintptr, addrMap *AddrMap) error {
	hdr := addrMap.HeaderOf(obj)
	if hdr == nil {
		return fmt.Errorf("%w: %#x", ErrBadAddress, obj)
	}
	if hdr.Flags&FlagFreeBlk != 0 {
		return fmt.Errorf("%w: %#x", ErrDuplicateFree, obj)
	}
	k := a.kinds.Kind(hdr.ObjKind)
	if k == nil {
		return fmt.Errorf("%w: object at %#x has unknown kind %d", ErrBadHeader, obj, hdr.ObjKind)
	}
	if hdr.Flags&FlagLargeBlock != 0 {
		a.bytesFreed += hdr.Sz
		if !k.Collectable {
			a.nonGCBytes -= hdr.Sz
		}
		return a.heap.FreeHBlk(hdr)
	}
	granules := hdr.Sz / GranuleBytes
	k.mu.Lock()
	storeWord(obj, k.freeList[granules])
	k.freeList[granules] = obj
	k.mu.Unlock()
	a.bytesFreed += hdr.Sz
	if !k.Collectable {
		a.nonGCBytes -= hdr.Sz
	}
	return nil
}

// EnqueueReclaim hands a used block whose mark bits are now stable
// (end of mark phase) to its kind's reclaim list, deferring the actual
// sweep to the next allocation that needs that size class — spec.md
// §4.I "continue_reclaim() lazily as allocator demands".
func (a *ObjAllocator) EnqueueReclaim(hdr *Header) {
	k := a.kinds.Kind(hdr.ObjKind)
	if k == nil {
		return
	}
	granules := hdr.Sz / GranuleBytes
	k.mu.Lock()
	k.reclaimList[granules] = append(k.reclaimList[granules], hdr)
	k.mu.Unlock()
}

// FreeEmptyBlock returns a block with no surviving objects straight to
// the block allocator instead of threading its slots one at a time onto
// the kind's free list, per spec.md §4.I's fast path for a block that
// IsLikelyEmpty: there is nothing left to find by building a per-slot
// free list, so the whole HBLK goes back to Heap in one step. Works
// uniformly for a large block (NHBLKObjs is 1) and a fine-grained one
// (NHBLKObjs slots all dead).
func (a *ObjAllocator) FreeEmptyBlock(hdr *Header) error {
	if k := a.kinds.Kind(hdr.ObjKind); k != nil {
		n := hdr.NHBLKObjs()
		if hdr.Flags&FlagHasDisclaim != 0 && k.Disclaim != nil {
			for i := 0; i < n; i++ {
				obj := hdr.Block + uintptr(i)*hdr.Sz
				k.Disclaim(obj, hdr.Sz)
			}
		}
		freed := hdr.Sz * uintptr(n)
		a.bytesFreed += freed
		if !k.Collectable {
			a.nonGCBytes -= freed
		}
		if hdr.Flags&FlagLargeBlock == 0 {
			// Unlink this block's slots still threaded on the kind's free
			// list, so none of them is handed out once the block is released.
			g := hdr.Sz / GranuleBytes
			k.mu.Lock()
			var prev uintptr
			for cur := k.freeList[g]; cur != 0; cur = loadWord(cur) {
				if cur-hdr.Block >= HBLKSIZE {
					prev = cur
				} else if prev == 0 {
					k.freeList[g] = loadWord(cur)
				} else {
					storeWord(prev, loadWord(cur))
				}
			}
			k.mu.Unlock()
		}
	}
	if hdr.Flags&FlagLargeBlock == 0 {
		// A fine-grained used header's Sz holds the object size, not the
		// block's physical span; every such block is carved as exactly
		// one HBLKSIZE run since MaxObjBytes < HBLKSIZE (spec.md §4.E),
		// so FreeHBlk, which reads Sz as a span, needs it set back.
		hdr.Sz = HBLKSIZE
	}
	return a.heap.FreeHBlk(hdr)
}

// Stats is a snapshot of the allocator's running counters, exported by
// gc/metrics.go.
type Stats struct {
	BytesAllocd uintptr
	BytesFreed  uintptr
	NonGCBytes  uintptr
}

// Snapshot returns the allocator's current counters.
func (a *ObjAllocator) Snapshot() Stats {
	return Stats{BytesAllocd: a.bytesAllocd, BytesFreed: a.bytesFreed, NonGCBytes: a.nonGCBytes}
}
