// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// DirtySet abstracts "which heap pages were written since the last
// collection cycle," the virtual-dirty-bit mechanism spec.md §9's open
// question on incremental/generational GC calls for. DESIGN.md's "Open
// Question decisions" #3 ships two implementations behind this
// interface rather than picking one, per spec.md's own suggestion —
// ManualDirtySet (software write barrier, portable) and
// MprotectDirtySet (hardware write-protect, POSIX-only, grounded on
// original_source's os_dep.c mprotect-VDB approach).
type DirtySet interface {
	// MarkRegion records that [start, start+size) may have been written.
	MarkRegion(start, size uintptr)
	// IsDirty reports whether any byte of [start, start+size) may have
	// been written since the last ClearAll.
	IsDirty(start, size uintptr) bool
	// ClearAll resets the set at the start of a new generation.
	ClearAll()
}

// NullDirtySet treats everything as dirty, the degenerate
// "incremental GC disabled" case: every region must be rescanned every
// cycle, which is always correct, just not incremental.
type NullDirtySet struct{}

func (NullDirtySet) MarkRegion(start, size uintptr)     {}
func (NullDirtySet) IsDirty(start, size uintptr) bool   { return true }
func (NullDirtySet) ClearAll()                          {}
