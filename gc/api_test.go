// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestNewCollectorIsUsableImmediately(t *testing.T) {
	c := New()
	p, err := c.Malloc(64)
	require.NoError(t, err)
	require.NotZero(t, p)
}

func TestMallocAtomicAndUncollectableRouteToDistinctKinds(t *testing.T) {
	c := New()
	atomic, err := c.MallocAtomic(32)
	require.NoError(t, err)
	hdr := c.addrMap.HeaderOf(atomic)
	require.Equal(t, KindPTRFree, hdr.ObjKind)

	unc, err := c.MallocUncollectable(32)
	require.NoError(t, err)
	hdr = c.addrMap.HeaderOf(unc)
	require.Equal(t, KindUncollectable, hdr.ObjKind)
}

func TestRegisterKindAndMallocExplicitlyTyped(t *testing.T) {
	c := New()
	kindID := c.RegisterKind(true, true, false, Descriptor{Tag: DSLength, Length: 0}, nil)
	p, err := c.MallocExplicitlyTyped(48, kindID)
	require.NoError(t, err)
	hdr := c.addrMap.HeaderOf(p)
	require.Equal(t, kindID, hdr.ObjKind)
}

func TestFreeThenMallocReusesAddress(t *testing.T) {
	c := New()
	p, err := c.Malloc(64)
	require.NoError(t, err)
	require.NoError(t, c.Free(p))

	p2, err := c.Malloc(64)
	require.NoError(t, err)
	require.Equal(t, p, p2)
}

func TestReallocPreservesPrefixBytesAndFreesOld(t *testing.T) {
	c := New()
	p, err := c.Malloc(64)
	require.NoError(t, err)
	storeWord(p, 0xfeedface)

	fresh, err := c.Realloc(p, 128)
	require.NoError(t, err)
	require.NotEqual(t, p, fresh, "realloc never moves in place, it allocates fresh and frees the old address")
	require.Equal(t, uintptr(0xfeedface), loadWord(fresh))
}

func TestReallocOfUnrecognizedAddressErrors(t *testing.T) {
	c := New()
	_, err := c.Realloc(0xdeadbeef, 64)
	require.Error(t, err)
}

func TestRegisterAndUnregisterThreadRoundTrip(t *testing.T) {
	c := New()
	id, err := c.RegisterMyThread(0, 0)
	require.NoError(t, err)
	require.NotZero(t, id)
	c.UnregisterMyThread(id)
}

func TestRegisterAndUnregisterDisappearingLink(t *testing.T) {
	c := New()
	obj, err := c.Malloc(32)
	require.NoError(t, err)
	slotHolder := new(uintptr)
	*slotHolder = obj
	slot := uintptr(unsafe.Pointer(slotHolder))
	c.RegisterDisappearingLink(slot, obj)
	require.Equal(t, 1, c.finalizers.Len())
	c.UnregisterDisappearingLink(slot)
	require.Equal(t, 0, c.finalizers.Len())
}

func TestStatsReflectsAllocations(t *testing.T) {
	c := New()
	before := c.Stats()
	_, err := c.Malloc(64)
	require.NoError(t, err)
	after := c.Stats()
	require.Greater(t, after.BytesAllocated, before.BytesAllocated)
}

func TestGenerationIncrementsAfterCollect(t *testing.T) {
	c := New()
	id, err := c.RegisterMyThread(0, 0)
	require.NoError(t, err)
	require.Zero(t, c.Generation())

	require.NoError(t, c.Collect(context.Background(), id))
	require.Equal(t, uint64(1), c.Generation())
}

// TestEnterBlockingLetsStopWorldProceedWithoutCheckpoint verifies
// EnterBlocking updates both RootSet and StopTheWorld's bookkeeping
// together, so a concurrent StopWorld treats the blocking mutator as
// already quiesced instead of waiting on a Checkpoint it will never
// make while parked in the blocking call.
func TestEnterBlockingLetsStopWorldProceedWithoutCheckpoint(t *testing.T) {
	c := New()
	initiator, err := c.RegisterMyThread(0, 0)
	require.NoError(t, err)
	blocked, err := c.RegisterMyThread(0, 0)
	require.NoError(t, err)

	c.EnterBlocking(blocked, 0xbeef)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.stw.StopWorld(ctx, initiator), "a blocking mutator must not make StopWorld wait for a Checkpoint")
	require.NoError(t, c.stw.StartWorld(ctx))

	c.ExitBlocking(blocked)
	c.stw.mu.Lock()
	blocking := c.stw.handles[blocked].blocking
	c.stw.mu.Unlock()
	require.False(t, blocking, "ExitBlocking must clear the flag EnterBlocking set")
}

// TestFreeOfUnrecognizedAddressRoutesThroughFatalAbort verifies
// spec.md §7's fatal-condition table: an unrecognized address reaching
// Collector.Free must invoke the installed FatalAbort hook, not just
// return an error a caller could log and ignore.
func TestFreeOfUnrecognizedAddressRoutesThroughFatalAbort(t *testing.T) {
	c := New()
	var aborted bool
	c.hooks.FatalAbort = func(gen uint64, msg string) { aborted = true }

	err := c.Free(0xdeadbeef)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrBadAddress)
	require.True(t, aborted, "an unrecognized free must trigger FatalAbort")
}

// TestReallocOfUnrecognizedAddressRoutesThroughFatalAbort is the
// Realloc counterpart of the Free test above.
func TestReallocOfUnrecognizedAddressRoutesThroughFatalAbort(t *testing.T) {
	c := New()
	var aborted bool
	c.hooks.FatalAbort = func(gen uint64, msg string) { aborted = true }

	_, err := c.Realloc(0xdeadbeef, 64)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrBadAddress)
	require.True(t, aborted, "a realloc of an unrecognized address must trigger FatalAbort")
}

// TestDuplicateFreeRoutesThroughFatalAbort verifies a second Free of
// the same large object (caught by ObjAllocator.Free, which finds a
// free-block header for the address) aborts rather than returning a
// quietly ignorable error.
func TestDuplicateFreeRoutesThroughFatalAbort(t *testing.T) {
	c := New()
	var aborted bool
	c.hooks.FatalAbort = func(gen uint64, msg string) { aborted = true }

	p, err := c.Malloc(MaxObjBytes + 1)
	require.NoError(t, err)
	require.NoError(t, c.Free(p))

	aborted = false
	err = c.Free(p)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrDuplicateFree)
	require.True(t, aborted, "a duplicate free must trigger FatalAbort")
}

func TestEnableIncrementalStoresDirtySet(t *testing.T) {
	c := New()
	d := NewManualDirtySet()
	c.EnableIncremental(d)
	require.True(t, c.config.Incremental)
	require.Same(t, d, c.dirty)

	c.EnableIncremental(nil)
	require.False(t, c.config.Incremental)
}
