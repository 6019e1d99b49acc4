// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestRegisterThreadRejectsDuplicate(t *testing.T) {
	r := NewRootSet()
	require.NoError(t, r.RegisterThread(1, 0, 0x1000))
	err := r.RegisterThread(1, 0, 0x2000)
	require.ErrorIs(t, err, ErrDuplicateThread)
}

func TestUnregisterThreadRemovesStackRange(t *testing.T) {
	r := NewRootSet()
	require.NoError(t, r.RegisterThread(1, 0, 0x1000))
	r.UnregisterThread(1)
	// Re-registering the same id after unregistering must succeed.
	require.NoError(t, r.RegisterThread(1, 0, 0x2000))
}

func TestSnapshotLocalsRequiresRegisteredThread(t *testing.T) {
	r := NewRootSet()
	err := r.SnapshotLocals(99, []uintptr{1, 2, 3})
	require.ErrorIs(t, err, ErrThreadNotRegistered)
}

func TestPushRootsPushesStaticRangeAsSingleEntry(t *testing.T) {
	f := newMarkTestFixture(t)
	roots := NewRootSet()

	obj, err := f.alloc.GenericMallocInner(64, KindNormal)
	require.NoError(t, err)
	// A "static" range containing obj's address as raw bytes, mimicking
	// a global variable slot.
	var global [2]uintptr
	global[0] = obj
	start := uintptr(unsafe.Pointer(&global[0]))
	end := start + uintptr(len(global))*unsafe.Sizeof(global[0])
	roots.AddRoots(start, end)

	roots.PushRoots(f.engine)
	require.NoError(t, f.engine.DrainAll())

	hdr := f.addrMap.HeaderOf(obj)
	require.True(t, hdr.TestMark(hdr.SlotForOffset(obj-hdr.Block)))
}

func TestPushRootsScansRegisteredThreadLocals(t *testing.T) {
	f := newMarkTestFixture(t)
	roots := NewRootSet()
	require.NoError(t, roots.RegisterThread(1, 0, 0))
	obj, err := f.alloc.GenericMallocInner(64, KindNormal)
	require.NoError(t, err)
	require.NoError(t, roots.SnapshotLocals(1, []uintptr{obj}))

	roots.PushRoots(f.engine)
	require.NoError(t, f.engine.DrainAll())

	hdr := f.addrMap.HeaderOf(obj)
	require.True(t, hdr.TestMark(hdr.SlotForOffset(obj-hdr.Block)), "a published local must be scanned as a root")
}

func TestEnterExitBlockingTogglesFlagWithoutPanickingOnUnknownThread(t *testing.T) {
	r := NewRootSet()
	// Unknown thread IDs must be silently ignored, not panic: a
	// mutator that raced an unregister shouldn't crash the collector.
	r.EnterBlocking(404, 0x1234)
	r.ExitBlocking(404)

	require.NoError(t, r.RegisterThread(1, 0, 0x1000))
	r.EnterBlocking(1, 0x5678)
	r.ExitBlocking(1)
}
