// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "sync"

// MarkState is the collector's incremental mark state machine, per
// spec.md §4.F.
type MarkState int

const (
	MarkNone MarkState = iota
	MarkPushRescuers
	MarkPushUncollectable
	MarkRootsPushed
	MarkInvalid
	MarkPartiallyInvalid
)

// markStackLimit is a MarkEngine's initial overflow ceiling: the stack
// may grow (doubling) up to this many entries before a further push
// transitions mark_state to INVALID instead, per spec.md §3 invariant
// 6. MarkEngine.GrowStackLimit raises it across a restart.
const markStackLimit = 1 << 20

// markCreditPerQuantum approximates "one HBLK of credit" (spec.md
// §4.F "mark_some"): the number of mark-stack entries drained before
// MarkSome yields back to its caller (the driver, for incremental mode,
// or a tight loop for stop-the-world mode).
const markCreditPerQuantum = HBLKSIZE / GranuleBytes

// MarkEngine drives tracing: interpreting mark descriptors, setting
// mark bits, and pushing newly discovered pointer-bearing objects.
// Grounded directly on original_source/mark.c.
type MarkEngine struct {
	mu sync.Mutex

	stack     *MarkStack
	addrMap   *AddrMap
	blacklist *BlackList
	kinds     *KindTable
	descrs    *DescriptorTable
	allocator *ObjAllocator

	heapLo, heapHi uintptr // [least_heap_addr, greatest_heap_addr)
	allowInterior  bool    // ALL_INTERIOR_POINTERS

	state      MarkState
	stackLimit int // current overflow ceiling; doubled by GrowStackLimit on recovery
}

// NewMarkEngine wires a mark engine to its collaborators.
func NewMarkEngine(addrMap *AddrMap, bl *BlackList, kinds *KindTable, descrs *DescriptorTable, alloc *ObjAllocator) *MarkEngine {
	return &MarkEngine{
		stack:      NewMarkStack(),
		addrMap:    addrMap,
		blacklist:  bl,
		kinds:      kinds,
		descrs:     descrs,
		allocator:  alloc,
		stackLimit: markStackLimit,
	}
}

// SetAllowInterior toggles ALL_INTERIOR_POINTERS mode, per spec.md §4.F:
// when enabled, a conservative hit landing inside (not just at the
// start of) a live object counts as a reference to that object instead
// of a false hit.
func (e *MarkEngine) SetAllowInterior(allow bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowInterior = allow
}

// SetHeapBounds narrows the range a candidate word must fall in to be
// considered a pointer at all, per spec.md §4.F "Large DS_LENGTH":
// "if the value lies in [least_heap_addr, greatest_heap_addr]".
func (e *MarkEngine) SetHeapBounds(lo, hi uintptr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.heapLo, e.heapHi = lo, hi
}

// State returns the current mark state.
func (e *MarkEngine) State() MarkState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetState transitions the mark state machine, used by the collector
// driver between phases.
func (e *MarkEngine) SetState(s MarkState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// PushEntry pushes a region of the mark stack directly, used by root
// scanning (gc/roots.go) to hand off a range for later draining.
func (e *MarkEngine) PushEntry(start uintptr, d Descriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushEntryLocked(MarkStackEntry{Start: start, Descr: d})
}

// pushEntryLocked appends entry unless doing so would push the stack
// past its current limit, per spec.md §3 invariant 6 and §4.F "On
// candidate-push overflow (new top >= limit), transition mark_state to
// INVALID and discard excess". Callers must already hold e.mu.
func (e *MarkEngine) pushEntryLocked(entry MarkStackEntry) {
	if e.stack.WouldOverflow(e.stackLimit) {
		e.state = MarkInvalid
		return
	}
	e.stack.Push(entry)
}

// GrowStackLimit doubles the mark stack's overflow ceiling, the
// "request larger stack" half of spec.md §7's mark-stack-overflow
// recovery row. The driver calls this before restarting a mark phase
// that ended in MarkInvalid.
func (e *MarkEngine) GrowStackLimit() {
	e.mu.Lock()
	e.stackLimit *= 2
	e.mu.Unlock()
}

// StackLen reports the number of pending entries.
func (e *MarkEngine) StackLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stack.Len()
}

// MarkSome executes one quantum of work and reports whether the cycle
// is now complete (RootsPushed state, empty stack). Grounded on
// spec.md §4.F "mark_some".
func (e *MarkEngine) MarkSome() (done bool, err error) {
	e.mu.Lock()
	if e.stack.Len() > 0 {
		e.mu.Unlock()
		return false, e.drainQuantum()
	}
	complete := e.state == MarkRootsPushed
	e.mu.Unlock()
	return complete, nil
}

// drainQuantum pops up to markCreditPerQuantum entries, interpreting
// each per spec.md §4.F "mark_from".
func (e *MarkEngine) drainQuantum() error {
	for i := 0; i < markCreditPerQuantum; i++ {
		e.mu.Lock()
		entry, ok := e.stack.Pop()
		if !ok {
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()
		if err := e.markFromOne(entry); err != nil {
			return err
		}
	}
	return nil
}

// DrainAll drains the mark stack to completion, the stop-the-world
// (non-incremental) path.
func (e *MarkEngine) DrainAll() error {
	for {
		e.mu.Lock()
		entry, ok := e.stack.Pop()
		e.mu.Unlock()
		if !ok {
			return nil
		}
		if err := e.markFromOne(entry); err != nil {
			return err
		}
	}
}

// markFromOne interprets one mark-stack entry, per spec.md §4.F
// "mark_from". Large DS_LENGTH entries are halved rather than scanned
// in one shot when they exceed splitThresholdWords (four times
// markCreditPerQuantum) words, so a single
// huge array cannot starve the incremental quantum.
func (e *MarkEngine) markFromOne(entry MarkStackEntry) error {
	switch entry.Descr.Tag {
	case DSLength:
		return e.markLength(entry)
	case DSBitmap:
		return e.markBitmap(entry)
	case DSProc:
		return e.markProc(entry)
	case DSPerObject:
		return e.markPerObject(entry)
	default:
		return nil
	}
}

const splitThresholdWords = markCreditPerQuantum * 4

func (e *MarkEngine) markLength(entry MarkStackEntry) error {
	length := entry.Descr.Length
	nwords := length / wordBytes
	if nwords > splitThresholdWords {
		half := (nwords / 2) * wordBytes
		e.mu.Lock()
		e.pushEntryLocked(MarkStackEntry{Start: entry.Start + half, Descr: Descriptor{Tag: DSLength, Length: length - half}})
		e.mu.Unlock()
		length = half
		nwords = half / wordBytes
	}
	for i := uintptr(0); i < nwords; i++ {
		e.considerCandidate(loadWord(entry.Start + i*wordBytes))
	}
	return nil
}

func (e *MarkEngine) markBitmap(entry MarkStackEntry) error {
	for bit := 0; bit < BitmapBits; bit++ {
		if entry.Descr.Bitmap&(1<<uint(bit)) == 0 {
			continue
		}
		slot := entry.Start + uintptr(bit)*wordBytes
		e.considerCandidate(loadWord(slot))
	}
	return nil
}

func (e *MarkEngine) markProc(entry MarkStackEntry) error {
	proc := e.descrs.proc(entry.Descr.ProcIndex)
	if proc == nil {
		return nil
	}
	return proc(entry.Start, entry.Descr.Env, e)
}

func (e *MarkEngine) markPerObject(entry MarkStackEntry) error {
	var word uintptr
	if entry.Descr.Indirect {
		typePtr := loadWord(entry.Start + entry.Descr.Offset)
		word = loadWord(typePtr)
	} else {
		word = loadWord(entry.Start + entry.Descr.Offset)
	}
	resolved := DecodeDescriptor(word)
	return e.markFromOne(MarkStackEntry{Start: entry.Start, Descr: resolved})
}

// considerCandidate is FIXUP_POINTER + the in-range/header-lookup/mark
// steps of spec.md §4.F "Large DS_LENGTH": a word that does not decode
// to something inside the heap is just data and is ignored; a word
// landing in the heap but not on a live object's start is a false hit
// and is black-listed instead of followed.
func (e *MarkEngine) considerCandidate(word uintptr) {
	e.pushCandidateOrigin(word, false)
}

// considerCandidateStack is considerCandidate but attributes a false
// hit to the stack black list instead of the normal one, per spec.md
// §4.F "Blacklisting": stack-origin false hits are more dangerous and
// tracked separately.
func (e *MarkEngine) considerCandidateStack(word uintptr) {
	e.pushCandidateOrigin(word, true)
}

// pushCandidate is considerCandidate's implementation, named
// separately so DescriptorTable.scanExtended (which does not go
// through markFromOne) can call it directly.
func (e *MarkEngine) pushCandidate(word uintptr) {
	e.pushCandidateOrigin(word, false)
}

func (e *MarkEngine) pushCandidateOrigin(word uintptr, fromStack bool) {
	e.mu.Lock()
	lo, hi := e.heapLo, e.heapHi
	e.mu.Unlock()
	if word < lo || word >= hi {
		return
	}
	blacklistMiss := func() {
		if fromStack {
			e.blacklist.AddStack(word)
		} else {
			e.blacklist.AddNormal(word)
		}
	}
	hdr := e.addrMap.HeaderOf(word)
	if hdr == nil || hdr.Flags&FlagFreeBlk != 0 {
		blacklistMiss()
		return
	}
	slot := hdr.SlotForOffset(word - hdr.Block)
	if slot < 0 || slot >= hdr.NHBLKObjs() {
		// Past NHBLKObjs means word lands in a block's trailing padding,
		// where size doesn't evenly divide HBLKSIZE: not a real object.
		blacklistMiss()
		return
	}
	objAddr := hdr.Block + uintptr(slot)*hdr.Sz
	if objAddr != word && !e.allowInterior {
		// word falls inside an object's granule but not at its start:
		// only accepted in ALL_INTERIOR_POINTERS mode, per spec.md §4.F.
		blacklistMiss()
		return
	}
	e.mu.Lock()
	newlyMarked := hdr.SetMark(slot)
	e.mu.Unlock()
	if !newlyMarked {
		return // already marked: avoid duplicate enqueue
	}
	descr := hdr.Descr
	kind := e.kinds.Kind(hdr.ObjKind)
	if kind != nil && kind.Atomic {
		return // atomic objects have no outgoing pointers to trace
	}
	if descr.Tag == DSLength && descr.Length == 0 {
		descr.Length = hdr.Sz
	}
	e.mu.Lock()
	e.pushEntryLocked(MarkStackEntry{Start: objAddr, Descr: descr})
	e.mu.Unlock()
}
