// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "sync"

// rootRange is one {start, end} entry in the static root table, per
// spec.md §4.G.
type rootRange struct {
	start, end uintptr
}

// RootSet holds the static root table, the per-thread registered
// scratch buffers used as a register-scanning surrogate (see DESIGN.md
// "Open Question decisions" #4), and any dynamic-library segments a
// client has told congc about.
//
// Grounded on original_source/mark_rts.c.
type RootSet struct {
	mu sync.Mutex

	static  []rootRange
	dynLibs []rootRange
	threads map[ThreadID]*threadRoot
}

// ThreadID identifies a registered mutator thread (goroutine), per
// spec.md §6 "register_my_thread".
type ThreadID uint64

type threadRoot struct {
	stackLo, stackHi uintptr // registered stack range, conservatively scanned
	locals           []uintptr
	blocking         bool // in a voluntary blocking region (spec.md §4.H)
	publishedSP      uintptr
}

// NewRootSet returns an empty root set.
func NewRootSet() *RootSet {
	return &RootSet{threads: make(map[ThreadID]*threadRoot)}
}

// AddRoots adds [start, end) to the static root set, per spec.md §6.
func (r *RootSet) AddRoots(start, end uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.static = append(r.static, rootRange{start, end})
}

// AddDynamicLibrarySegment records a data segment belonging to a
// dynamically loaded library, the external collaborator spec.md §1
// calls out; congc only stores the range here, leaving discovery of
// such segments (dyn_load.c in original_source) to the embedder.
func (r *RootSet) AddDynamicLibrarySegment(start, end uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dynLibs = append(r.dynLibs, rootRange{start, end})
}

// RegisterThread registers stack [lo, hi) for goroutine id, per spec.md
// §6 "register_my_thread". Returns ErrDuplicateThread if id is already
// registered.
func (r *RootSet) RegisterThread(id ThreadID, stackLo, stackHi uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[id]; ok {
		return ErrDuplicateThread
	}
	r.threads[id] = &threadRoot{stackLo: stackLo, stackHi: stackHi}
	return nil
}

// UnregisterThread removes id, per spec.md §6 "unregister_my_thread".
func (r *RootSet) UnregisterThread(id ThreadID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, id)
}

// SnapshotLocals publishes buf as the conservative root scan's
// surrogate for "this thread's registers and active stack frames", per
// DESIGN.md's "register scanning" open-question decision: Go gives
// library code no portable way to read another goroutine's registers,
// so the mutator must periodically hand congc an explicit scratch
// buffer of everything it wants treated as a root, analogous to
// bdwgc's GC_with_callee_saves_pushed publishing the register file to
// a stack-resident buffer before the real scan.
func (r *RootSet) SnapshotLocals(id ThreadID, buf []uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[id]
	if !ok {
		return ErrThreadNotRegistered
	}
	t.locals = append(t.locals[:0], buf...)
	return nil
}

// EnterBlocking marks id as voluntarily blocking with sp published, so
// a stop-the-world initiated while it is blocked can use the
// pre-published state instead of waiting for an acknowledgement, per
// spec.md §4.H "Cancellation".
func (r *RootSet) EnterBlocking(id ThreadID, sp uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.threads[id]; ok {
		t.blocking = true
		t.publishedSP = sp
	}
}

// ExitBlocking clears the blocking flag set by EnterBlocking.
func (r *RootSet) ExitBlocking(id ThreadID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.threads[id]; ok {
		t.blocking = false
	}
}

// PushAllEager scans [start, end) word-by-word, treating any word whose
// bit pattern could be a pointer as a candidate, per spec.md §4.G
// "push_all_eager". Used for small, latency-sensitive ranges (thread
// locals) where the extra per-word work up front is worth avoiding a
// mark-stack entry.
func (r *RootSet) PushAllEager(eng *MarkEngine, start, end uintptr) {
	for addr := start; addr+wordBytes <= end; addr += wordBytes {
		eng.considerCandidate(loadWord(addr))
	}
}

// PushAll hands [start, end) to the mark engine as a single DS_LENGTH
// entry, per spec.md §4.G "push_all": cheaper to enqueue, but the whole
// range counts against the mark stack's overflow budget as one scan
// rather than many small already-resolved pushes.
func (r *RootSet) PushAll(eng *MarkEngine, start, end uintptr) {
	if end <= start {
		return
	}
	eng.PushEntry(start, Descriptor{Tag: DSLength, Length: end - start})
}

// PushRoots pushes the static root table, dynamic-library segments, and
// every registered thread's stack range and published locals, per
// spec.md §4.I driver step "push_roots() [static, threads, dls,
// registered]".
func (r *RootSet) PushRoots(eng *MarkEngine) {
	r.mu.Lock()
	statics := append([]rootRange(nil), r.static...)
	dls := append([]rootRange(nil), r.dynLibs...)
	threads := make([]*threadRoot, 0, len(r.threads))
	for _, t := range r.threads {
		threads = append(threads, t)
	}
	r.mu.Unlock()

	for _, rr := range statics {
		r.PushAll(eng, rr.start, rr.end)
	}
	for _, rr := range dls {
		r.PushAll(eng, rr.start, rr.end)
	}
	for _, t := range threads {
		if t.stackHi > t.stackLo {
			r.PushAllEagerStack(eng, t.stackLo, t.stackHi)
		}
		for _, w := range t.locals {
			eng.considerCandidate(w)
		}
	}
}

// PushAllEagerStack is PushAllEager, but routes black-listed false hits
// through AddStack instead of AddNormal, since stack-origin false hits
// are more dangerous (spec.md §4.F "Blacklisting").
func (r *RootSet) PushAllEagerStack(eng *MarkEngine, start, end uintptr) {
	for addr := start; addr+wordBytes <= end; addr += wordBytes {
		w := loadWord(addr)
		eng.considerCandidateStack(w)
	}
}
