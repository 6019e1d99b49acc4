// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "sync/atomic"

// Header is the out-of-band metadata for one HBLK, per spec.md §3
// "Block header (HDR)". It never lives inside the block itself.
type Header struct {
	Block uintptr // back-pointer to the HBLK's start address

	Sz       uintptr  // object size (used block) or total span in bytes (free block)
	ObjKind  ObjKindID
	Flags    HdrFlags
	Descr    Descriptor

	Marks   []byte // one byte per object slot, plus a sentinel "one past end" bit
	NMarks  int32  // approximate count of set mark bits, atomic under parallel mark

	// OffsetMap maps a byte offset within the block to its containing
	// object's slot index; set for every fine-grained block carved by
	// allocObj, nil for large blocks (SlotForOffset then divides by Sz).
	OffsetMap []uint16

	Prev, Next *Header // free-list links, valid only while FlagFreeBlk is set

	LastReclaimed uint64 // GC generation this block was last swept in
}

// NHBLKObjs returns the number of objects of size Sz that fit in this
// used block, i.e. HBLK_OBJS(sz) from spec.md §3. A large block (Sz
// greater than a single HBLKSIZE, spanning a dedicated multi-block run)
// still holds exactly one object, the same way bdwgc treats such blocks
// as containing a single mark bit regardless of how many HBLKs it spans.
func (h *Header) NHBLKObjs() int {
	if h.Sz == 0 {
		return 0
	}
	if n := int(HBLKSIZE / h.Sz); n > 0 {
		return n
	}
	return 1
}

// ClearMarks zeroes the mark array and re-sets the trailing sentinel
// bit, per spec.md §4.D "clear_hdr_marks".
func (h *Header) ClearMarks() {
	n := h.NHBLKObjs()
	if len(h.Marks) != n+1 {
		h.Marks = make([]byte, n+1)
	} else {
		for i := range h.Marks {
			h.Marks[i] = 0
		}
	}
	h.Marks[n] = 1
	atomic.StoreInt32(&h.NMarks, 0)
}

// SetAllMarks sets every mark bit, used for UNCOLLECTABLE blocks so
// reclaim never frees them (spec.md §4.D "set_hdr_marks").
func (h *Header) SetAllMarks() {
	n := h.NHBLKObjs()
	if len(h.Marks) != n+1 {
		h.Marks = make([]byte, n+1)
	}
	for i := range h.Marks {
		h.Marks[i] = 1
	}
	atomic.StoreInt32(&h.NMarks, int32(n))
}

// TestMark reports whether slot's mark bit is set.
func (h *Header) TestMark(slot int) bool {
	if slot < 0 || slot >= len(h.Marks) {
		return false
	}
	return h.Marks[slot] != 0
}

// SetMark sets slot's mark bit if unset and reports whether it changed
// (i.e. whether the caller should push the object for scanning).
// The mark byte is read and written without atomics, so concurrent
// markers must serialize calls (MarkEngine.pushCandidateOrigin holds the
// engine lock around it); NMarks is updated atomically and is only ever
// an approximate count (spec.md §9 open question,
// resolved in DESIGN.md: the only consumer, IsLikelyEmpty, is
// conservative).
func (h *Header) SetMark(slot int) bool {
	if slot < 0 || slot >= len(h.Marks) {
		return false
	}
	if h.Marks[slot] != 0 {
		return false
	}
	h.Marks[slot] = 1
	atomic.AddInt32(&h.NMarks, 1)
	return true
}

// IsLikelyEmpty is the fast "probably nothing marked" hint reclaim uses
// before paying for a full per-slot scan.
func (h *Header) IsLikelyEmpty() bool {
	return atomic.LoadInt32(&h.NMarks) == 0
}

// SlotForOffset resolves an interior byte offset within the block to
// its containing object's slot index, consulting OffsetMap when
// present (division would otherwise be ambiguous for non-power-of-two
// size classes), per spec.md §4.D "obj_map".
func (h *Header) SlotForOffset(offset uintptr) int {
	if h.OffsetMap != nil {
		idx := int(offset / GranuleBytes)
		if idx < 0 || idx >= len(h.OffsetMap) {
			return -1
		}
		return int(h.OffsetMap[idx])
	}
	if h.Sz == 0 {
		return -1
	}
	return int(offset / h.Sz)
}
