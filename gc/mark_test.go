// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

type markTestFixture struct {
	addrMap *AddrMap
	bl      *BlackList
	heap    *Heap
	kinds   *KindTable
	alloc   *ObjAllocator
	descrs  *DescriptorTable
	engine  *MarkEngine
}

func newMarkTestFixture(t *testing.T) *markTestFixture {
	t.Helper()
	heap, addrMap, bl := newTestHeap(t)
	kinds := NewKindTable()
	objmaps := NewObjMap()
	alloc := NewObjAllocator(heap, kinds, objmaps)
	descrs := NewDescriptorTable()
	engine := NewMarkEngine(addrMap, bl, kinds, descrs, alloc)
	engine.SetHeapBounds(0, ^uintptr(0))
	return &markTestFixture{addrMap: addrMap, bl: bl, heap: heap, kinds: kinds, alloc: alloc, descrs: descrs, engine: engine}
}

// TestMarkReachabilityThroughStackRoot verifies the soundest-path
// invariant spec.md §8 calls out: an object reachable only via a chain
// of pointers rooted in scanned memory is marked, and the object it
// points to is marked transitively.
func TestMarkReachabilityThroughStackRoot(t *testing.T) {
	f := newMarkTestFixture(t)

	b, err := f.alloc.GenericMallocInner(64, KindNormal)
	require.NoError(t, err)
	a, err := f.alloc.GenericMallocInner(64, KindNormal)
	require.NoError(t, err)
	storeWord(a, b) // a's first word points at b

	// A fake "stack frame": a local array whose only live value is a's
	// address, scanned conservatively like any registered thread stack.
	var stack [4]uintptr
	stack[2] = a
	start := uintptr(unsafe.Pointer(&stack[0]))
	end := start + uintptr(len(stack))*unsafe.Sizeof(stack[0])

	roots := NewRootSet()
	roots.AddRoots(start, end)
	roots.PushRoots(f.engine)
	require.NoError(t, f.engine.DrainAll())

	hdrA := f.addrMap.HeaderOf(a)
	hdrB := f.addrMap.HeaderOf(b)
	require.NotNil(t, hdrA)
	require.NotNil(t, hdrB)

	slotA := hdrA.SlotForOffset(a - hdrA.Block)
	slotB := hdrB.SlotForOffset(b - hdrB.Block)
	require.True(t, hdrA.TestMark(slotA), "a must be marked: directly reachable from the stack root")
	require.True(t, hdrB.TestMark(slotB), "b must be marked: transitively reachable through a")
}

// TestMarkDoesNotFollowUnreachableObject is the soundness/precision
// counterpart: an object never referenced from any pushed root stays
// unmarked.
func TestMarkDoesNotFollowUnreachableObject(t *testing.T) {
	f := newMarkTestFixture(t)
	orphan, err := f.alloc.GenericMallocInner(64, KindNormal)
	require.NoError(t, err)

	require.NoError(t, f.engine.DrainAll())

	hdr := f.addrMap.HeaderOf(orphan)
	require.NotNil(t, hdr)
	slot := hdr.SlotForOffset(orphan - hdr.Block)
	require.False(t, hdr.TestMark(slot))
}

// TestMarkInteriorPointerWithoutAllowInterior verifies spec.md §4.F's
// default (ALL_INTERIOR_POINTERS off): a pointer into the middle of an
// object, not at its start, is treated as a false hit and black-listed
// rather than marking the object.
func TestMarkInteriorPointerWithoutAllowInterior(t *testing.T) {
	f := newMarkTestFixture(t)
	obj, err := f.alloc.GenericMallocInner(64, KindNormal)
	require.NoError(t, err)

	interior := obj + 16
	f.engine.considerCandidate(interior)

	hdr := f.addrMap.HeaderOf(obj)
	slot := hdr.SlotForOffset(obj - hdr.Block)
	require.False(t, hdr.TestMark(slot))
	require.True(t, f.bl.IsBlackListed(obj, HBLKSIZE))
}

// TestMarkInteriorPointerWithAllowInterior verifies the opposite: with
// ALL_INTERIOR_POINTERS on, the same interior hit marks the object.
func TestMarkInteriorPointerWithAllowInterior(t *testing.T) {
	f := newMarkTestFixture(t)
	f.engine.SetAllowInterior(true)
	obj, err := f.alloc.GenericMallocInner(64, KindNormal)
	require.NoError(t, err)

	interior := obj + 16
	f.engine.considerCandidate(interior)

	hdr := f.addrMap.HeaderOf(obj)
	require.True(t, hdr.TestMark(0))
}

// TestMarkCandidateInBlockPaddingIsRejected verifies a conservative hit
// landing in a block's trailing padding (size class doesn't evenly
// divide HBLKSIZE) is treated as a false hit rather than resolved to a
// slot index past the block's real objects.
func TestMarkCandidateInBlockPaddingIsRejected(t *testing.T) {
	f := newMarkTestFixture(t)
	obj, err := f.alloc.GenericMallocInner(48, KindNormal) // 3 granules: 8192/48 leaves a remainder
	require.NoError(t, err)

	hdr := f.addrMap.HeaderOf(obj)
	require.NotNil(t, hdr)
	n := hdr.NHBLKObjs()
	require.Less(t, uintptr(n)*hdr.Sz, uintptr(HBLKSIZE), "test requires a size class with trailing padding")

	padding := hdr.Block + uintptr(n)*hdr.Sz
	f.engine.considerCandidate(padding)

	require.True(t, f.bl.IsBlackListed(padding, HBLKSIZE))
	require.True(t, hdr.IsLikelyEmpty(), "no real object should have been marked")
}

// TestMarkStackOriginMissUsesStackBlackList verifies considerCandidateStack
// attributes a false hit to the stack black list, not the normal one,
// per spec.md §4.F.
func TestMarkStackOriginMissUsesStackBlackList(t *testing.T) {
	f := newMarkTestFixture(t)
	obj, err := f.alloc.GenericMallocInner(64, KindNormal)
	require.NoError(t, err)

	f.engine.considerCandidateStack(obj + 16)
	require.True(t, f.bl.IsStackBlackListed(obj))
}

// TestMarkStackOverflowTransitionsToInvalid verifies spec.md §3
// invariant 6 and §4.F "On candidate-push overflow": pushing past the
// engine's current stack limit discards the entry instead of growing
// past it, and flips mark_state to Invalid rather than silently
// continuing.
func TestMarkStackOverflowTransitionsToInvalid(t *testing.T) {
	f := newMarkTestFixture(t)
	f.engine.stackLimit = 2
	f.engine.SetState(MarkRootsPushed)

	f.engine.PushEntry(1, Descriptor{Tag: DSLength, Length: 8})
	f.engine.PushEntry(2, Descriptor{Tag: DSLength, Length: 8})
	require.Equal(t, MarkRootsPushed, f.engine.State(), "pushes within the limit must not invalidate the cycle")

	f.engine.PushEntry(3, Descriptor{Tag: DSLength, Length: 8})
	require.Equal(t, MarkInvalid, f.engine.State(), "a push past the limit must transition to Invalid")
	require.Equal(t, 2, f.engine.StackLen(), "the overflowing entry must be discarded, not appended")
}

// TestMarkStackGrowStackLimitDoublesLimit verifies the driver's
// overflow-recovery step (spec.md §7: "request larger stack") actually
// raises the ceiling checked by WouldOverflow.
func TestMarkStackGrowStackLimitDoublesLimit(t *testing.T) {
	f := newMarkTestFixture(t)
	f.engine.stackLimit = 2
	f.engine.GrowStackLimit()
	require.Equal(t, 4, f.engine.stackLimit)
}

// TestMarkProcThreadsEnvThroughStackEntryNotSharedField verifies two
// DSProc entries with distinct environment words, drained one after
// another, each see their own env rather than whichever env the most
// recent markProc call happened to set last — the race
// MarkEngine.currentEnv used to allow under parallel mark.
func TestMarkProcThreadsEnvThroughStackEntryNotSharedField(t *testing.T) {
	f := newMarkTestFixture(t)
	var seenA, seenB uintptr
	idx := f.descrs.RegisterProc(func(obj uintptr, env uintptr, eng *MarkEngine) error {
		if obj == 0xA {
			seenA = env
		} else {
			seenB = env
		}
		return nil
	})

	f.engine.PushEntry(0xA, Descriptor{Tag: DSProc, ProcIndex: idx, Env: 111})
	f.engine.PushEntry(0xB, Descriptor{Tag: DSProc, ProcIndex: idx, Env: 222})
	require.NoError(t, f.engine.DrainAll())

	require.Equal(t, uintptr(111), seenA)
	require.Equal(t, uintptr(222), seenB)
}

// TestMarkAtomicObjectNotTraced verifies a PTRFREE object's contents are
// never followed, per spec.md §3's definition of that kind.
func TestMarkAtomicObjectNotTraced(t *testing.T) {
	f := newMarkTestFixture(t)
	leaf, err := f.alloc.GenericMallocInner(64, KindNormal)
	require.NoError(t, err)
	atomicObj, err := f.alloc.GenericMallocInner(64, KindPTRFree)
	require.NoError(t, err)
	storeWord(atomicObj, leaf) // looks like a pointer, but the kind says don't scan

	// Reach atomicObj via pointer discovery, the only path that
	// actually consults its Kind before deciding whether to push its
	// contents for further scanning.
	f.engine.considerCandidate(atomicObj)
	require.NoError(t, f.engine.DrainAll())

	atomicHdr := f.addrMap.HeaderOf(atomicObj)
	require.True(t, atomicHdr.TestMark(atomicHdr.SlotForOffset(atomicObj-atomicHdr.Block)), "the atomic object itself is still reachable and marked")

	leafHdr := f.addrMap.HeaderOf(leaf)
	leafSlot := leafHdr.SlotForOffset(leaf - leafHdr.Block)
	require.False(t, leafHdr.TestMark(leafSlot), "an atomic object's contents must never be traced")
}
