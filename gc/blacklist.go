// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// blacklistBuckets is the number of hash buckets per table. Grounded on
// original_source/blacklst.c's page_hash_table: one bit (here, one
// bool) per hash bucket, not per address — a bucket hit blacklists
// every HBLK that hashes into it, trading precision for a bounded table
// size.
const blacklistBuckets = 1 << 16

// blTable is one page_hash_table: a fixed-size set of hashed HBLK
// addresses. Grounded directly on original_source/blacklst.c.
type blTable struct {
	hit [blacklistBuckets]bool
}

func (t *blTable) add(addr uintptr) {
	t.hit[hashHBLK(addr)] = true
}

func (t *blTable) has(addr uintptr) bool {
	return t.hit[hashHBLK(addr)]
}

func hashHBLK(addr uintptr) uint32 {
	blk := uint64(addr >> HBLKShift)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(blk >> (8 * i))
	}
	return uint32(xxhash.Sum64(buf[:])) & (blacklistBuckets - 1)
}

// BlackList tracks HBLK-aligned addresses that have been the target of
// a conservative false pointer hit, split into "normal" (non-stack) and
// "stack" origins, each with an old (promoted) and incomplete
// (this-cycle) generation — the exact four-table shape of
// original_source/blacklst.c.
type BlackList struct {
	mu sync.Mutex

	oldNormal, incompleteNormal *blTable
	oldStack, incompleteStack   *blTable

	// totalStackBlackListed approximates the number of bytes currently
	// stack-black-listed; it feeds the heap-growth heuristic the same
	// way GC_total_stack_black_listed does.
	totalStackBlackListed uintptr
}

// NewBlackList returns an empty black list.
func NewBlackList() *BlackList {
	return &BlackList{
		oldNormal:         &blTable{},
		incompleteNormal:  &blTable{},
		oldStack:          &blTable{},
		incompleteStack:   &blTable{},
	}
}

// AddNormal records addr (rounded down to its containing HBLK) as
// having produced a false pointer from non-stack (static or heap) data.
func (b *BlackList) AddNormal(addr uintptr) {
	blk := addr &^ (HBLKSIZE - 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.oldNormal.has(blk) {
		b.incompleteNormal.add(blk)
	}
}

// AddStack records addr as having produced a false pointer from a
// conservatively scanned thread stack. Stack-origin hits are more
// dangerous (spec.md §4.F) because they can pin a large object spanning
// the block even when the object does not start on it, so they are
// tracked separately and fed into the heap-growth heuristic via
// StackBlackListedBytes.
func (b *BlackList) AddStack(addr uintptr) {
	blk := addr &^ (HBLKSIZE - 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.oldStack.has(blk) && !b.incompleteStack.has(blk) {
		b.totalStackBlackListed += HBLKSIZE
	}
	if !b.oldStack.has(blk) {
		b.incompleteStack.add(blk)
	}
}

// IsBlackListed reports whether any HBLK in [addr, addr+len) has been
// black-listed in either generation, for either origin.
func (b *BlackList) IsBlackListed(addr uintptr, length uintptr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for a := addr &^ (HBLKSIZE - 1); a < addr+length; a += HBLKSIZE {
		if b.oldNormal.has(a) || b.incompleteNormal.has(a) ||
			b.oldStack.has(a) || b.incompleteStack.has(a) {
			return true
		}
	}
	return false
}

// IsStackBlackListed is the narrower, stack-only check: it reports
// whether addr's HBLK is on either generation of the stack black list.
// The block allocator itself checks IsBlackListed, not this.
func (b *BlackList) IsStackBlackListed(addr uintptr) bool {
	blk := addr &^ (HBLKSIZE - 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.oldStack.has(blk) || b.incompleteStack.has(blk)
}

// PromoteBlackLists rotates each origin's incomplete generation into
// old and starts a fresh incomplete generation, called once per full
// collection cycle (spec.md §4.I "promote_black_lists").
func (b *BlackList) PromoteBlackLists() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.oldNormal, b.incompleteNormal = b.incompleteNormal, &blTable{}
	b.oldStack, b.incompleteStack = b.incompleteStack, &blTable{}
	b.totalStackBlackListed = 0
	for bucket, hit := range b.oldStack.hit {
		if hit {
			b.totalStackBlackListed += HBLKSIZE
			_ = bucket
		}
	}
}

// StackBlackListedBytes returns the approximate number of bytes
// currently stack-black-listed, consumed by the heap-growth heuristic.
func (b *BlackList) StackBlackListedBytes() uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalStackBlackListed
}
