// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// AllocHBlkFlags are the flags argument to Heap.AllocHBlk.
type AllocHBlkFlags uint32

const AllocIgnoreOffPage AllocHBlkFlags = 1 << 0

// Heap is the heap block allocator: bucketed free lists over block
// counts, split/coalesce, lazy unmap. Grounded directly on
// original_source/allchblk.c.
type Heap struct {
	mu sync.Mutex

	addrMap   *AddrMap
	blacklist *BlackList
	scratch   *ScratchAllocator
	log       *logrus.Entry

	fl         [NHBLKFreeLists + 1]*Header // doubly linked, address ascending
	freeBytes  [NHBLKFreeLists + 1]uintptr
	largeFreeBytes uintptr

	heapSize            uintptr
	maxLargeAllocdBytes uintptr
	largeAllocdBytes    uintptr

	generation uint64

	// UseEntireHeap disables the split-limit heuristic, matching
	// bdwgc's GC_use_entire_heap.
	UseEntireHeap bool
	// RecentlyFreedByFinalizers suppresses splitting to provoke a
	// sooner collection, per spec.md §4.C step 3.
	RecentlyFreedByFinalizers bool

	// UnmapAfterGenerations: blocks idle for at least this many
	// collection cycles become eligible for lazy unmap. Zero disables
	// lazy unmap.
	UnmapAfterGenerations uint64
	unmappedSegments      int
	maxUnmappedSegments   int

	// dropBlacklistedEvery throttles the "give up entirely
	// black-listed block" heuristic (spec.md §9 open question: not a
	// contract, a tuning knob). Zero disables dropping.
	dropBlacklistedEvery int
	blacklistedDropCount int

	// freeByEnd indexes free blocks by their end address so FreeHBlk
	// can find a physically preceding free neighbor in O(1) without a
	// linear scan of every bucket; bdwgc gets this for free from the
	// OS's own page tables, which congc does not have direct access to.
	freeByEnd map[uintptr]*Header
}

// NewHeap constructs an empty heap block allocator over its own address
// map, black list, and scratch allocator.
func NewHeap(addrMap *AddrMap, bl *BlackList, scratch *ScratchAllocator, log *logrus.Entry) *Heap {
	return &Heap{
		addrMap:              addrMap,
		blacklist:            bl,
		scratch:              scratch,
		log:                  log,
		maxLargeAllocdBytes:  64 * 1024 * 1024,
		maxUnmappedSegments:  512,
		dropBlacklistedEvery: 4,
		freeByEnd:            make(map[uintptr]*Header),
	}
}

// flIndex maps a block count to its free-list bucket, spec.md §3 "Free
// heap block free list array": unique buckets below UniqueThreshold,
// compressed buckets up to HugeThreshold, one catch-all above it.
// Grounded on original_source/allchblk.c's GC_hblk_fl_from_blocks.
func flIndex(blocks uintptr) int {
	if blocks <= UniqueThreshold {
		return int(blocks)
	}
	if blocks >= HugeThreshold {
		return NHBLKFreeLists
	}
	return int((blocks-UniqueThreshold)/FLCompression) + UniqueThreshold
}

// flIndexInverse returns the smallest block count mapping to bucket i,
// the representative size invariant 6 ("fl_index(fl_index_inv(i)) = i")
// in spec.md §8 depends on.
func flIndexInverse(i int) uintptr {
	if i <= UniqueThreshold {
		return uintptr(i)
	}
	return uintptr((i-UniqueThreshold)*FLCompression + UniqueThreshold)
}

func (h *Heap) flUnlink(hdr *Header, bucket int) {
	if hdr.Prev != nil {
		hdr.Prev.Next = hdr.Next
	} else {
		h.fl[bucket] = hdr.Next
	}
	if hdr.Next != nil {
		hdr.Next.Prev = hdr.Prev
	}
	hdr.Prev, hdr.Next = nil, nil
}

// flInsert inserts hdr into bucket, keeping the list address-ordered
// ascending (spec.md §3 invariant 2).
func (h *Heap) flInsert(hdr *Header, bucket int) {
	var prev *Header
	cur := h.fl[bucket]
	for cur != nil && cur.Block < hdr.Block {
		prev = cur
		cur = cur.Next
	}
	hdr.Prev, hdr.Next = prev, cur
	if prev != nil {
		prev.Next = hdr
	} else {
		h.fl[bucket] = hdr
	}
	if cur != nil {
		cur.Prev = hdr
	}
}

// splitLimit implements spec.md §4.C step 3's policy for how far up the
// bucket array AllocHBlk may look for a block to split.
func (h *Heap) splitLimit(startList int) int {
	if h.UseEntireHeap || h.heapSize == 0 {
		return NHBLKFreeLists
	}
	if h.RecentlyFreedByFinalizers {
		return startList
	}
	n := h.enoughLargeBytesLeft()
	if n > startList {
		return n
	}
	return startList
}

// enoughLargeBytesLeft returns the largest bucket n such that bytes on
// buckets n..N_HBLK_FLS sum to at least maxLargeAllocdBytes minus
// largeAllocdBytes, or 0 if no such n exists. Grounded directly on
// original_source/allchblk.c's GC_enough_large_bytes_left.
func (h *Heap) enoughLargeBytesLeft() int {
	need := h.largeAllocdBytes
	if need >= h.maxLargeAllocdBytes {
		return 0
	}
	target := h.maxLargeAllocdBytes - h.largeAllocdBytes
	var bytes uintptr
	for n := NHBLKFreeLists; n > 0; n-- {
		bytes += h.freeBytes[n]
		if bytes >= target {
			return n
		}
	}
	return 0
}

// AllocHBlk carves or finds a block of at least sz bytes for kind,
// returning the installed header, or nil if the heap (and its attempt
// to grow) could not satisfy the request. Grounded directly on
// original_source/allchblk.c's GC_allochblk.
func (h *Heap) AllocHBlk(sz uintptr, kind ObjKindID, flags AllocHBlkFlags, alignM1 uintptr) (*Header, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	blocksNeeded := (sz + HBLKSIZE - 1) / HBLKSIZE
	if blocksNeeded == 0 {
		blocksNeeded = 1
	}
	startList := flIndex(blocksNeeded)
	limit := h.splitLimit(startList)

	pointerful := kind != KindPTRFree && kind != KindUncollectable

	for bucket := startList; bucket <= limit; bucket++ {
		for cand := h.fl[bucket]; cand != nil; cand = cand.Next {
			if cand.Sz/HBLKSIZE < blocksNeeded {
				continue
			}
			alignOfs := alignmentOffset(cand.Block, alignM1)
			needed := blocksNeeded*HBLKSIZE + alignOfs
			if cand.Sz < needed {
				continue
			}
			// Prefer a strictly-better-fitting later block in the same
			// bucket rather than over-splitting this one.
			if next := betterFit(cand, blocksNeeded, alignM1); next != nil {
				cand = next
			}
			start := cand.Block + alignOfs
			if pointerful && flags&AllocIgnoreOffPage == 0 {
				if h.blacklist.IsBlackListed(start, blocksNeeded*HBLKSIZE) {
					alt, ok := h.findUnblacklistedSubregion(cand, blocksNeeded, alignM1)
					if !ok {
						if h.shouldDropBlacklisted() {
							h.dropFreeBlock(cand, bucket)
						}
						continue
					}
					start = alt
				}
			}
			return h.takeFromFree(cand, bucket, start, blocksNeeded*HBLKSIZE, kind)
		}
	}

	// Heap exhausted at the current size: grow by reserving fresh OS
	// memory and search again, the way GC_allochblk falls through to
	// GC_collect_or_expand in bdwgc. The new search is a fresh call made
	// with h.mu released; it grows the heap again if the split limit
	// still excludes every usable free block.
	grown, err := h.growHeap(blocksNeeded * HBLKSIZE)
	if err != nil {
		return nil, err
	}
	if !grown {
		return nil, nil
	}
	h.mu.Unlock()
	hdr, err := h.AllocHBlk(sz, kind, flags, alignM1)
	h.mu.Lock()
	return hdr, err
}

func alignmentOffset(base uintptr, alignM1 uintptr) uintptr {
	if alignM1 == 0 {
		return 0
	}
	align := alignM1 + 1
	rem := base & alignM1
	if rem == 0 {
		return 0
	}
	return align - rem
}

// betterFit looks at the next block in the same free-list bucket and
// returns it if it fits with less alignment overhead, matching spec.md
// §4.C step 4's "prefer not to over-split" clause.
func betterFit(cand *Header, blocksNeeded uintptr, alignM1 uintptr) *Header {
	next := cand.Next
	if next == nil || next.Sz/HBLKSIZE < blocksNeeded {
		return nil
	}
	curOfs := alignmentOffset(cand.Block, alignM1)
	nextOfs := alignmentOffset(next.Block, alignM1)
	if nextOfs < curOfs && next.Sz-nextOfs == cand.Sz-curOfs {
		return next
	}
	return nil
}

// findUnblacklistedSubregion searches cand for a size_needed-byte
// window that IsBlackListed reports clear on any black list, per spec.md §4.C step
// 4's black-list avoidance clause.
func (h *Heap) findUnblacklistedSubregion(cand *Header, blocksNeeded uintptr, alignM1 uintptr) (uintptr, bool) {
	need := blocksNeeded * HBLKSIZE
	for off := uintptr(0); off+need <= cand.Sz; off += HBLKSIZE {
		start := cand.Block + off
		if alignmentOffset(start, alignM1) != 0 {
			continue
		}
		if !h.blacklist.IsBlackListed(start, need) {
			return start, true
		}
	}
	return 0, false
}

func (h *Heap) shouldDropBlacklisted() bool {
	if h.dropBlacklistedEvery <= 0 {
		return false
	}
	h.blacklistedDropCount++
	if h.blacklistedDropCount >= h.dropBlacklistedEvery {
		h.blacklistedDropCount = 0
		return true
	}
	return false
}

func (h *Heap) dropFreeBlock(hdr *Header, bucket int) {
	h.flUnlink(hdr, bucket)
	h.freeBytes[bucket] -= hdr.Sz
	h.largeFreeBytes -= hdr.Sz
	delete(h.freeByEnd, hdr.Block+hdr.Sz)
	h.addrMap.RemoveHeader(hdr.Block, hdr.Sz)
	if h.log != nil {
		h.log.WithField("generation", h.generation).Warnf("dropping entirely black-listed block at %#x", hdr.Block)
	}
}

// takeFromFree removes cand from its free list, splits off a remainder
// if start+size doesn't consume the whole block, and installs a fresh
// used header at start.
func (h *Heap) takeFromFree(cand *Header, bucket int, start uintptr, size uintptr, kind ObjKindID) (*Header, error) {
	h.flUnlink(cand, bucket)
	h.freeBytes[bucket] -= cand.Sz
	h.largeFreeBytes -= cand.Sz
	delete(h.freeByEnd, cand.Block+cand.Sz)

	headGap := start - cand.Block
	tailGap := cand.Sz - headGap - size

	if headGap > 0 {
		h.installFreeRemainder(cand.Block, headGap)
	}
	if tailGap > 0 {
		h.installFreeRemainder(start+size, tailGap)
	}

	if cand.Flags&FlagWasUnmapped != 0 {
		if err := h.scratch.Remap(start, size); err != nil {
			return nil, err
		}
	}

	used := &Header{
		Block:   start,
		Sz:      size,
		ObjKind: kind,
	}
	h.addrMap.RemoveHeader(cand.Block, cand.Sz)
	h.addrMap.InstallHeader(start, size, used)

	h.largeAllocdBytes += size
	return used, nil
}

func (h *Heap) installFreeRemainder(block, size uintptr) {
	hdr := &Header{Block: block, Sz: size, Flags: FlagFreeBlk}
	h.addrMap.InstallHeader(block, size, hdr)
	bucket := flIndex(size / HBLKSIZE)
	h.flInsert(hdr, bucket)
	h.freeBytes[bucket] += size
	h.largeFreeBytes += size
	h.freeByEnd[block+size] = hdr
}

// growHeap reserves fresh OS memory via the scratch allocator and adds
// it to the heap as one large free block, the "heap growth heuristic"
// SPEC_FULL.md calls out as a supplemented feature.
func (h *Heap) growHeap(minBytes uintptr) (bool, error) {
	growBy := minBytes
	if g := h.heapSize / 4; g > growBy {
		growBy = g
	}
	if growBy < 16*HBLKSIZE {
		growBy = 16 * HBLKSIZE
	}
	base, err := h.scratch.Reserve(growBy)
	if err != nil {
		return false, err
	}
	h.heapSize += growBy
	h.installFreeRemainder(base, growBy)
	if h.log != nil {
		h.log.WithField("generation", h.generation).Infof("heap grown by %d bytes to %d", growBy, h.heapSize)
	}
	return true, nil
}

// FreeHBlk returns a used block to the free lists, coalescing with
// physically adjacent mapped free neighbors. Grounded directly on
// original_source/allchblk.c's GC_freehblk.
func (h *Heap) FreeHBlk(hdr *Header) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hdr.Flags&FlagFreeBlk != 0 {
		return fmt.Errorf("%w: block %#x", ErrDuplicateFree, hdr.Block)
	}
	hdr.Flags |= FlagFreeBlk // mark the caller's own reference freed too, not just the replacement installed below

	block, size := hdr.Block, hdr.Sz
	h.addrMap.RemoveHeader(block, size)
	h.largeAllocdBytes -= size

	if next := h.addrMap.HeaderOf(block + size); next != nil && next.Flags&FlagFreeBlk != 0 && next.Flags&FlagWasUnmapped == 0 {
		if b := flIndex(next.Sz / HBLKSIZE); h.removeFreeIfOverflowSafe(next, b, size) {
			size += next.Sz
		}
	}
	if prevBlock, ok := h.findPrecedingFreeBlock(block); ok {
		if prev := h.addrMap.HeaderOf(prevBlock); prev != nil && prev.Flags&FlagFreeBlk != 0 && prev.Flags&FlagWasUnmapped == 0 {
			if b := flIndex(prev.Sz / HBLKSIZE); h.removeFreeIfOverflowSafe(prev, b, size) {
				block = prev.Block
				size += prev.Sz
			}
		}
	}

	h.installFreeRemainder(block, size)
	if freed := h.addrMap.HeaderOf(block); freed != nil {
		freed.LastReclaimed = h.generation
	}
	return nil
}

// SetGeneration is called by the collector driver at the end of each
// cycle so freshly freed blocks record the cycle they became free in,
// which the lazy-unmap policy uses to decide how long a block has sat
// idle.
func (h *Heap) SetGeneration(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.generation = gen
}

// removeFreeIfOverflowSafe unlinks neighbor from its free list iff
// merging it with addedSize would not overflow a uintptr span, per
// spec.md §3 invariant 3.
func (h *Heap) removeFreeIfOverflowSafe(neighbor *Header, bucket int, addedSize uintptr) bool {
	if neighbor.Sz+addedSize < neighbor.Sz {
		return false
	}
	h.flUnlink(neighbor, bucket)
	h.freeBytes[bucket] -= neighbor.Sz
	h.largeFreeBytes -= neighbor.Sz
	delete(h.freeByEnd, neighbor.Block+neighbor.Sz)
	h.addrMap.RemoveHeader(neighbor.Block, neighbor.Sz)
	return true
}

// findPrecedingFreeBlock reports the start address of the free block
// that ends exactly where block begins, if any, via the freeByEnd
// index maintained alongside the free lists.
func (h *Heap) findPrecedingFreeBlock(block uintptr) (uintptr, bool) {
	hdr, ok := h.freeByEnd[block]
	if !ok {
		return 0, false
	}
	return hdr.Block, true
}

// UnmapOld munmaps free blocks whose LastReclaimed generation is older
// than UnmapAfterGenerations, throttled by maxUnmappedSegments to avoid
// VMA-table blowup, per spec.md §4.C "Lazy unmap".
func (h *Heap) UnmapOld(currentGen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.UnmapAfterGenerations == 0 {
		return
	}
	for bucket := range h.fl {
		for hdr := h.fl[bucket]; hdr != nil; hdr = hdr.Next {
			if h.unmappedSegments >= h.maxUnmappedSegments {
				return
			}
			if hdr.Flags&FlagWasUnmapped != 0 {
				continue
			}
			if currentGen < hdr.LastReclaimed || currentGen-hdr.LastReclaimed < h.UnmapAfterGenerations {
				continue
			}
			if err := h.scratch.Unmap(hdr.Block, hdr.Sz); err != nil {
				if h.log != nil {
					h.log.WithField("generation", currentGen).Warnf("unmap %#x: %v", hdr.Block, err)
				}
				continue
			}
			hdr.Flags |= FlagWasUnmapped
			h.unmappedSegments++
		}
	}
}

// MergeUnmapped opportunistically unmaps the mapped gap between two
// adjacent free blocks when one of them is already unmapped, so a
// mapped sliver does not prevent later coalescing, per spec.md §4.C.
func (h *Heap) MergeUnmapped() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for bucket := range h.fl {
		for hdr := h.fl[bucket]; hdr != nil; hdr = hdr.Next {
			if hdr.Flags&FlagWasUnmapped == 0 {
				continue
			}
			if next := h.addrMap.HeaderOf(hdr.Block + hdr.Sz); next != nil &&
				next.Flags&FlagFreeBlk != 0 && next.Flags&FlagWasUnmapped == 0 {
				if err := h.scratch.Unmap(next.Block, next.Sz); err == nil {
					next.Flags |= FlagWasUnmapped
					h.unmappedSegments++
				}
			}
		}
	}
}

// LargeFreeBytes reports bytes currently sitting on the free lists, a
// collector-driver input and a metrics.go export.
func (h *Heap) LargeFreeBytes() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.largeFreeBytes
}

// HeapSize reports the total bytes reserved from the OS so far.
func (h *Heap) HeapSize() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heapSize
}
