// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T) (*Heap, *AddrMap, *BlackList) {
	t.Helper()
	addrMap := NewAddrMap()
	bl := NewBlackList()
	scratch := NewScratchAllocator()
	log := logrus.New().WithField("test", t.Name())
	return NewHeap(addrMap, bl, scratch, log), addrMap, bl
}

func TestFlIndexRoundTrip(t *testing.T) {
	for blocks := uintptr(0); blocks <= UniqueThreshold; blocks++ {
		idx := flIndex(blocks)
		require.Equal(t, blocks, flIndexInverse(idx))
	}
	// Above UniqueThreshold, fl_index_inv(fl_index(n)) need not equal n
	// (compression is lossy), but it must be a valid representative: no
	// larger than n and mapping to the same bucket.
	for _, blocks := range []uintptr{40, 100, 255, 1000} {
		idx := flIndex(blocks)
		rep := flIndexInverse(idx)
		require.LessOrEqual(t, rep, blocks)
		require.Equal(t, idx, flIndex(rep))
	}
}

func TestAllocHBlkGrowsHeapOnFirstRequest(t *testing.T) {
	h, _, _ := newTestHeap(t)
	hdr, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, hdr)
	require.Equal(t, HBLKSIZE, int(hdr.Sz))
	require.Zero(t, hdr.Block%HBLKSIZE, "block must be HBLK-aligned")
}

func TestAllocHBlkReusesFreedBlock(t *testing.T) {
	h, addrMap, _ := newTestHeap(t)
	hdr, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)
	require.NoError(t, h.FreeHBlk(hdr))

	before := h.HeapSize()
	hdr2, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)
	require.Equal(t, before, h.HeapSize(), "reusing a freed block must not grow the heap")
	require.NotNil(t, addrMap.HeaderOf(hdr2.Block))
}

func TestFreeHBlkDuplicateFreeErrors(t *testing.T) {
	h, _, _ := newTestHeap(t)
	hdr, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)
	require.NoError(t, h.FreeHBlk(hdr))
	err = h.FreeHBlk(hdr)
	require.Error(t, err)
}

func TestFreeHBlkCoalescesAdjacentBlocks(t *testing.T) {
	h, _, _ := newTestHeap(t)
	a, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)
	b, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)

	// Only assert coalescing when the allocator happened to hand out
	// physically adjacent blocks (not guaranteed across heap growths,
	// but true within one growth's carve-up, which two HBLKSIZE
	// requests back to back will be).
	adjacent := a.Block+HBLKSIZE == b.Block || b.Block+HBLKSIZE == a.Block
	require.NoError(t, h.FreeHBlk(a))
	require.NoError(t, h.FreeHBlk(b))

	if adjacent {
		big, err := h.AllocHBlk(2*HBLKSIZE, KindNormal, 0, 0)
		require.NoError(t, err)
		require.GreaterOrEqual(t, big.Sz, uintptr(2*HBLKSIZE))
	}
}

func TestAllocHBlkAvoidsBlackListedStart(t *testing.T) {
	h, _, bl := newTestHeap(t)
	hdr, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)
	require.NoError(t, h.FreeHBlk(hdr))

	bl.AddNormal(hdr.Block)
	again, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.NotEqual(t, hdr.Block, again.Block, "allocator must avoid a black-listed start address")
}

func TestAllocHBlkIgnoreOffPageBypassesBlacklist(t *testing.T) {
	h, _, bl := newTestHeap(t)
	hdr, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)
	require.NoError(t, h.FreeHBlk(hdr))

	bl.AddNormal(hdr.Block)
	again, err := h.AllocHBlk(HBLKSIZE, KindNormal, AllocIgnoreOffPage, 0)
	require.NoError(t, err)
	require.NotNil(t, again)
}

func TestUnmapOldUnmapsBlocksIdleLongEnough(t *testing.T) {
	h, addrMap, _ := newTestHeap(t)
	hdr, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)
	require.NoError(t, h.FreeHBlk(hdr))

	freed := addrMap.HeaderOf(hdr.Block)
	require.NotNil(t, freed)
	require.Zero(t, freed.LastReclaimed)

	h.UnmapAfterGenerations = 1
	h.UnmapOld(0) // not idle yet: currentGen - LastReclaimed < UnmapAfterGenerations
	require.Zero(t, freed.Flags&FlagWasUnmapped)

	h.UnmapOld(1)
	require.NotZero(t, freed.Flags&FlagWasUnmapped, "a block idle for UnmapAfterGenerations cycles must be unmapped")
}

func TestUnmapOldDisabledWhenUnmapAfterGenerationsIsZero(t *testing.T) {
	h, addrMap, _ := newTestHeap(t)
	hdr, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)
	require.NoError(t, h.FreeHBlk(hdr))

	h.UnmapOld(1000)
	freed := addrMap.HeaderOf(hdr.Block)
	require.NotNil(t, freed)
	require.Zero(t, freed.Flags&FlagWasUnmapped, "UnmapAfterGenerations == 0 must disable lazy unmap entirely")
}

func TestAllocHBlkRemapsABlockThatWasLazilyUnmapped(t *testing.T) {
	h, addrMap, _ := newTestHeap(t)
	hdr, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)
	require.NoError(t, h.FreeHBlk(hdr))

	h.UnmapAfterGenerations = 1
	h.UnmapOld(1)
	freed := addrMap.HeaderOf(hdr.Block)
	require.NotZero(t, freed.Flags&FlagWasUnmapped)

	reused, err := h.AllocHBlk(HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)
	require.Zero(t, reused.Flags&FlagWasUnmapped, "taking an unmapped block from the free list must remap it")
}

func TestMergeUnmappedExtendsUnmappedRegionIntoAdjacentFreeBlock(t *testing.T) {
	h, addrMap, _ := newTestHeap(t)
	hdr, err := h.AllocHBlk(2*HBLKSIZE, KindNormal, 0, 0)
	require.NoError(t, err)

	// Install two independent free headers spanning hdr's span directly,
	// bypassing FreeHBlk, which would coalesce them into a single block
	// and defeat the point of this test.
	addrMap.RemoveHeader(hdr.Block, hdr.Sz)
	h.mu.Lock()
	h.installFreeRemainder(hdr.Block, HBLKSIZE)
	h.installFreeRemainder(hdr.Block+HBLKSIZE, HBLKSIZE)
	h.mu.Unlock()

	first := addrMap.HeaderOf(hdr.Block)
	require.NotNil(t, first)
	require.NoError(t, h.scratch.Unmap(first.Block, first.Sz))
	first.Flags |= FlagWasUnmapped

	h.MergeUnmapped()

	second := addrMap.HeaderOf(hdr.Block + HBLKSIZE)
	require.NotNil(t, second)
	require.NotZero(t, second.Flags&FlagWasUnmapped, "MergeUnmapped must extend into the adjacent mapped free neighbor")
}
