// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gc implements congc: a conservative, mostly non-copying,
// mark-sweep garbage collector core modeled on the Hans Boehm collector
// (bdwgc), adapted to pure Go. See doc.go for the package-level survey
// and SPEC_FULL.md (in the module root) for the full requirements this
// package implements.
package gc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is the top-level handle embedders hold: one per isolated
// heap. It composes every subsystem from spec.md §1 behind the single
// global lock spec.md §5 mandates, plus the ambient/domain-stack
// collaborators SPEC_FULL.md adds (metrics, config, logging).
type Collector struct {
	mu sync.Mutex

	config Config
	hooks  *Hooks

	scratch    *ScratchAllocator
	addrMap    *AddrMap
	blacklist  *BlackList
	heap       *Heap
	kinds      *KindTable
	objmaps    *ObjMap
	descrs     *DescriptorTable
	allocator  *ObjAllocator
	markEngine *MarkEngine
	roots      *RootSet
	finalizers *DisappearingLinks
	tlalloc    *ThreadLocalAllocator

	stw          *StopTheWorld
	parallelMark *ParallelMarker
	dirty        DirtySet

	metrics *Metrics

	externalRoots []ExternalRootsProvider

	generation uint64

	nextThreadID ThreadID

	// signalPair is unix-only (see stw_posix.go); congc's heap itself
	// is backed by a real mmap'd address space (scratch_unix.go), so
	// the module as a whole already targets unix, and SetSuspendSignal/
	// SetThrRestartSignal follow that same boundary.
	signalPair SignalPair
}

// Option configures a Collector at construction time.
type Option func(*Collector)

// WithConfig overrides the default tunables.
func WithConfig(cfg Config) Option {
	return func(c *Collector) { c.config = cfg }
}

// WithMetrics registers Prometheus instruments against reg (nil uses
// the default registerer).
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Collector) { c.metrics = NewMetrics(reg) }
}

// WithExternalRoots adds a root provider consulted once per collection
// cycle, the hook for C++/Java-runtime style root enumeration spec.md
// §1 excludes from the core itself (see gc/collaborators.go).
func WithExternalRoots(p ExternalRootsProvider) Option {
	return func(c *Collector) { c.externalRoots = append(c.externalRoots, p) }
}

// New constructs a Collector with its own isolated heap and wires every
// subsystem together, per spec.md §6's implicit "one collector instance
// owns one heap" model.
func New(opts ...Option) *Collector {
	c := &Collector{config: DefaultConfig(), signalPair: DefaultSignalPair}
	for _, opt := range opts {
		opt(c)
	}

	c.hooks = NewHooks(func() uint64 { return c.generation })
	c.scratch = NewScratchAllocator()
	c.addrMap = NewAddrMap()
	c.blacklist = NewBlackList()
	c.heap = NewHeap(c.addrMap, c.blacklist, c.scratch, c.hooks.entry())
	c.heap.dropBlacklistedEvery = c.config.DropBlacklistedEvery
	c.kinds = NewKindTable()
	c.objmaps = NewObjMap()
	c.descrs = NewDescriptorTable()
	c.allocator = NewObjAllocator(c.heap, c.kinds, c.objmaps)
	c.markEngine = NewMarkEngine(c.addrMap, c.blacklist, c.kinds, c.descrs, c.allocator)
	c.roots = NewRootSet()
	c.finalizers = NewDisappearingLinks()
	c.tlalloc = NewThreadLocalAllocator(c.allocator, c.kinds)
	c.stw = NewStopTheWorld(c.hooks)
	c.stw.RetryCeiling = c.config.RetryCeiling
	c.stw.RetryBackoff = c.config.RetryBackoff
	if c.config.MarkersCount > 1 {
		c.parallelMark = NewParallelMarker(c.markEngine, c.config.MarkersCount)
	}
	c.markEngine.SetAllowInterior(c.config.AllInteriorPointers)
	return c
}

// RegisterMyThread registers the calling goroutine's stack range as a
// conservative root, per spec.md §6 "register_my_thread". Returns the
// ThreadID used by every other per-thread API.
func (c *Collector) RegisterMyThread(stackLo, stackHi uintptr) (ThreadID, error) {
	c.mu.Lock()
	c.nextThreadID++
	id := c.nextThreadID
	c.mu.Unlock()

	if err := c.roots.RegisterThread(id, stackLo, stackHi); err != nil {
		return 0, err
	}
	c.stw.Register(id)
	return id, nil
}

// UnregisterMyThread removes id, per spec.md §6 "unregister_my_thread",
// flushing any thread-local allocation cache back to the shared pool
// first so its objects remain available to other mutators.
func (c *Collector) UnregisterMyThread(id ThreadID) {
	c.tlalloc.Flush(id)
	c.roots.UnregisterThread(id)
	c.stw.Unregister(id)
}

// Checkpoint must be called periodically by every registered mutator
// goroutine (e.g. from an allocation slow path or a loop back-edge) so
// a concurrent StopWorld can quiesce it; see gc/stw.go.
func (c *Collector) Checkpoint(id ThreadID, sp uintptr) {
	c.stw.Checkpoint(id, sp)
}

// EnterBlocking marks the calling mutator as voluntarily blocking
// before a call that may take a while (e.g. a blocking syscall),
// publishing sp so a concurrent StopWorld can treat it as already
// quiesced rather than waiting on a Checkpoint the goroutine cannot
// make until the call returns, per spec.md §4.H "Cancellation". This
// updates both the root set's stack-scanning state and StopTheWorld's
// own quiescence bookkeeping together; a caller that only touched one
// of the two would leave the other watching for an acknowledgement
// that the mutator promised it would never send. Pairs with
// ExitBlocking.
func (c *Collector) EnterBlocking(id ThreadID, sp uintptr) {
	c.roots.EnterBlocking(id, sp)
	c.stw.SetBlocking(id, true, sp)
}

// ExitBlocking clears the blocking state set by EnterBlocking.
func (c *Collector) ExitBlocking(id ThreadID) {
	c.roots.ExitBlocking(id)
	c.stw.SetBlocking(id, false, 0)
}

// SnapshotLocals publishes buf as id's conservative-root surrogate, per
// DESIGN.md's register-scanning decision; see RootSet.SnapshotLocals.
func (c *Collector) SnapshotLocals(id ThreadID, buf []uintptr) error {
	return c.roots.SnapshotLocals(id, buf)
}

// AddRoots adds a static root range, per spec.md §6.
func (c *Collector) AddRoots(start, end uintptr) {
	c.roots.AddRoots(start, end)
}

// AddDynamicLibrarySegment records a dynamically loaded library's data
// segment as a root range; see gc/collaborators.go's
// DynamicLibraryScanner for the discovery side of this.
func (c *Collector) AddDynamicLibrarySegment(start, end uintptr) {
	c.roots.AddDynamicLibrarySegment(start, end)
}

// Malloc allocates bytes of conservatively-scanned, collectable memory,
// per spec.md §6 "malloc(bytes)".
func (c *Collector) Malloc(bytes uintptr) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocator.GenericMallocInner(bytes, KindNormal)
}

// MallocFast allocates through id's thread-local cache instead of the
// shared global lock, per SPEC_FULL.md's thread-local-allocation
// supplemented feature; falls back to Malloc's semantics on a cache
// miss that must refill from the shared allocator (which still takes
// the global lock internally, just not for every call).
func (c *Collector) MallocFast(id ThreadID, bytes uintptr) (uintptr, error) {
	return c.tlalloc.Malloc(id, bytes, KindNormal)
}

// MallocAtomic allocates bytes of never-scanned memory, per spec.md §6
// "malloc_atomic(bytes)".
func (c *Collector) MallocAtomic(bytes uintptr) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocator.GenericMallocInner(bytes, KindPTRFree)
}

// MallocUncollectable allocates bytes that are always treated as
// reachable and never reclaimed, per spec.md §6
// "malloc_uncollectable(bytes)".
func (c *Collector) MallocUncollectable(bytes uintptr) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocator.GenericMallocInner(bytes, KindUncollectable)
}

// MallocExplicitlyTyped allocates bytes of kindID, a user-registered
// kind from RegisterKind, per spec.md §6 "malloc_explicitly_typed" and
// SPEC_FULL.md's explicitly-typed-allocation supplemented feature.
func (c *Collector) MallocExplicitlyTyped(bytes uintptr, kindID ObjKindID) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocator.GenericMallocInner(bytes, kindID)
}

// RegisterKind registers a user-defined object kind, per spec.md §3
// "Object kind (user-defined)".
func (c *Collector) RegisterKind(init, collectable, atomic bool, def Descriptor, disclaim DisclaimFunc) ObjKindID {
	return c.kinds.RegisterKind(init, collectable, atomic, def, disclaim)
}

// MakeDescriptor builds a DS_BITMAP (or extended) mark descriptor from
// a pointer bitmap with one entry per pointer-sized word, per spec.md §6
// "make_descriptor(bits)".
func (c *Collector) MakeDescriptor(bits []bool) Descriptor {
	return c.descrs.MakeBitmapDescriptor(bits)
}

// RegisterProc registers a DS_PROC mark procedure and returns its
// index for use in a Descriptor, per spec.md §3 "DS_PROC".
func (c *Collector) RegisterProc(p MarkProc) int {
	return c.descrs.RegisterProc(p)
}

// Free explicitly frees obj, per spec.md §6 "free(obj)". Freeing
// still-referenced memory is caller error, exactly as in bdwgc; congc
// does not attempt to detect it. A duplicate free is detected only when
// obj's block has already gone back to the block allocator (ObjAllocator.Free
// sees FlagFreeBlk on its header); a second free of a small object whose
// block is still in use is not detected. Duplicate free or an unrecognized/corrupted address is a fatal
// condition per spec.md §7 and is routed through Hooks.FatalAbort
// rather than left for the caller to notice (or not) in the returned
// error.
func (c *Collector) Free(obj uintptr) error {
	c.mu.Lock()
	err := c.allocator.Free(obj, c.addrMap)
	c.mu.Unlock()
	c.abortOnCorruption(err)
	return err
}

// abortOnCorruption routes a duplicate-free/bad-address/bad-header
// error through the collector's fatal-abort hook, per spec.md §7's
// error table: these conditions mean the client has already corrupted
// the heap, so continuing past them silently is not an option the
// default hook allows (it calls os.Exit via logrus.Fatal unless the
// embedder installed its own FatalAbort).
func (c *Collector) abortOnCorruption(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrDuplicateFree) || errors.Is(err, ErrBadAddress) || errors.Is(err, ErrBadHeader) {
		c.hooks.abort("%v", err)
	}
}

// Realloc resizes obj to newBytes, per spec.md §6 "realloc(obj,
// new_bytes)": a fresh allocation plus copy plus free, since congc
// (like bdwgc) never moves a live object in place.
func (c *Collector) Realloc(obj uintptr, newBytes uintptr) (uintptr, error) {
	c.mu.Lock()
	hdr := c.addrMap.HeaderOf(obj)
	c.mu.Unlock()
	if hdr == nil {
		err := fmt.Errorf("%w: realloc of %#x", ErrBadAddress, obj)
		c.abortOnCorruption(err)
		return 0, err
	}

	c.mu.Lock()
	fresh, err := c.allocator.GenericMallocInner(newBytes, hdr.ObjKind)
	c.mu.Unlock()
	if err != nil || fresh == 0 {
		return 0, err
	}

	n := hdr.Sz
	if newBytes < n {
		n = newBytes
	}
	for i := uintptr(0); i < n; i += wordBytes {
		storeWord(fresh+i, loadWord(obj+i))
	}

	c.mu.Lock()
	err = c.allocator.Free(obj, c.addrMap)
	c.mu.Unlock()
	c.abortOnCorruption(err)
	return fresh, err
}

// RegisterDisappearingLink registers slot to be cleared when obj
// becomes unreachable, per spec.md §6 "register_disappearing_link".
func (c *Collector) RegisterDisappearingLink(slot, obj uintptr) {
	c.finalizers.Register(slot, obj)
}

// UnregisterDisappearingLink removes a previously registered link.
func (c *Collector) UnregisterDisappearingLink(slot uintptr) {
	c.finalizers.Unregister(slot)
}

// EnableIncremental switches the collector into incremental mode, per
// spec.md §6 "enable_incremental()". dirty is the DirtySet
// implementation to consult when deciding which regions need rescanning
// (gc/vdb_manual.go or gc/vdb_mprotect.go); nil disables incremental
// mode again. See runCollectionLocked for how config.FullFreqDivisor
// and dirty interact to decide a full vs. partial cycle.
func (c *Collector) EnableIncremental(dirty DirtySet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = dirty
	c.config.Incremental = dirty != nil
}

// Generation returns the number of completed collection cycles.
func (c *Collector) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// HeapStats is a point-in-time snapshot for diagnostics and the
// congctl stats subcommand.
type HeapStats struct {
	HeapBytes          uintptr
	LargeFreeBytes     uintptr
	BytesAllocated     uintptr
	BytesFreed         uintptr
	NonGCBytes         uintptr
	Generation         uint64
	StackBlackListed   uintptr
	MarkStackLen       int
}

// Stats returns a snapshot of the collector's current counters.
func (c *Collector) Stats() HeapStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	allocStats := c.allocator.Snapshot()
	return HeapStats{
		HeapBytes:        c.heap.HeapSize(),
		LargeFreeBytes:   c.heap.LargeFreeBytes(),
		BytesAllocated:   allocStats.BytesAllocd,
		BytesFreed:       allocStats.BytesFreed,
		NonGCBytes:       allocStats.NonGCBytes,
		Generation:       c.generation,
		StackBlackListed: c.blacklist.StackBlackListedBytes(),
		MarkStackLen:     c.markEngine.StackLen(),
	}
}
