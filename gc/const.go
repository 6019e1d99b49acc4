// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// HBLKSIZE is the size, in bytes, of a heap block: the unit of
// large-granularity allocation. It must be a power of two and a
// multiple of the OS page size.
const HBLKSIZE = 1 << 13 // 8 KiB

// HBLKShift is log2(HBLKSIZE), used to convert between addresses and
// block counts without division.
const HBLKShift = 13

// GranuleBytes is the minimum object-size alignment unit: two
// pointer-words on a 64-bit platform.
const GranuleBytes = 2 * 8

// wordBytes is the size of one pointer-word, the stride at which
// conservative scanning and object copying step through memory.
const wordBytes = GranuleBytes / 2

// MaxObjGranules bounds the size classes kept on free lists; anything
// larger is a "large object" allocated as a dedicated HBLK run.
const MaxObjGranules = 256

// MaxObjBytes is the largest allocation request satisfied from a
// per-kind free list rather than a dedicated block run.
const MaxObjBytes = MaxObjGranules * GranuleBytes

// Free heap block free-list bucketing, mirroring GC_hblkfreelist's
// three-tier scheme: unique buckets for small counts, compressed
// buckets in the middle, and a single catch-all for huge runs.
const (
	UniqueThreshold = 32
	HugeThreshold   = 256
	FLCompression   = 8
	NHBLKFreeLists  = (HugeThreshold-UniqueThreshold)/FLCompression + UniqueThreshold
)

// MaxBlackListAlloc is the largest block allowed to start on a
// black-listed HBLK; beyond this size the allocator always skips.
const MaxBlackListAlloc = 2 * HBLKSIZE

// BitmapBits is the number of slots describable by a single DS_BITMAP
// mark descriptor word before it must be promoted to an extended
// (per-word-continued) typed descriptor.
const BitmapBits = 62

// InitialMarkStackSize is the number of (start, descr) entries the mark
// stack begins with; it doubles on overflow.
const InitialMarkStackSize = 1 << 10

// Header flag bits (Header.Flags).
type HdrFlags uint32

const (
	FlagFreeBlk HdrFlags = 1 << iota
	FlagWasUnmapped
	FlagLargeBlock
	FlagIgnoreOffPage
	FlagHasDisclaim
	FlagMarkUnconditionally
)

// ObjKindID indexes into the well-known and user-defined object kinds.
type ObjKindID int

const (
	// KindPTRFree holds atomic (pointer-free) objects: never scanned.
	KindPTRFree ObjKindID = iota
	// KindNormal holds conservatively scanned, collectable objects.
	KindNormal
	// KindUncollectable holds objects that are always treated as
	// reachable roots and are never swept, but are still marked so
	// their descendants are traced.
	KindUncollectable
	// firstUserKind is the first index available to RegisterKind.
	firstUserKind
)
