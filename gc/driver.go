// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"context"
	"fmt"
)

// maxMarkInvalidRestarts bounds how many times one collection cycle
// will retry a mark phase that overflowed its stack, per spec.md §7's
// "no client visibility" promise: each retry doubles the stack limit,
// so a genuinely pathological heap graph exhausts this quickly rather
// than looping forever.
const maxMarkInvalidRestarts = 16

// runCollectionLocked executes one full stop-the-world collection
// cycle: stop, clear marks, push roots, drain the mark stack, clear
// disappearing links, reclaim blocks, promote black lists, resume.
// Grounded directly on spec.md §4.I's driver step list and
// original_source/alloc.c's GC_stopped_mark / GC_try_to_collect.
// Callers must already hold c.mu; this is the collector's single
// global lock (spec.md §5).
func (c *Collector) runCollectionLocked(ctx context.Context, self ThreadID) error {
	if err := c.stw.StopWorld(ctx, self); err != nil {
		return err
	}

	c.generation++
	c.heap.SetGeneration(c.generation)
	c.markEngine.SetHeapBounds(0, ^uintptr(0))
	c.markEngine.SetState(MarkNone)

	// full decides whether this cycle clears and rescans every block
	// (spec.md §4.I's baseline) or, in incremental mode, only blocks the
	// DirtySet reports as written since the last cycle, per spec.md §9's
	// "generational hypothesis": memory nothing has written to since the
	// last full trace cannot have grown any new pointers into it, so its
	// marks from that trace are still sound and don't need re-deriving.
	// GC_full_freq's FullFreqDivisor forces a full cycle periodically so
	// garbage rooted only in clean memory eventually gets reclaimed too.
	full := !c.config.Incremental || c.dirty == nil ||
		c.config.FullFreqDivisor <= 0 || c.generation%uint64(c.config.FullFreqDivisor) == 0

	c.clearAllMarksLocked(full)

	c.markEngine.SetState(MarkPushUncollectable)
	c.pushUncollectableLocked()

	c.markEngine.SetState(MarkRootsPushed)
	c.pushAllRootsLocked()

	if err := c.drainMarkStackLocked(ctx, self); err != nil {
		c.stw.StartWorld(ctx)
		return err
	}

	c.finalizers.ClearUnmarked(c.addrMap)

	c.reclaimAllLocked()
	c.blacklist.PromoteBlackLists()

	if c.metrics != nil {
		c.metrics.CollectionsTotal.Inc()
		c.metrics.Sample(c.heap, c.allocator, c.markEngine, c.blacklist)
	}

	c.heap.UnmapOld(c.generation)
	c.heap.MergeUnmapped()

	if full && c.dirty != nil {
		c.dirty.ClearAll()
	}
	return c.stw.StartWorld(ctx)
}

// pushAllRootsLocked pushes the static/dynamic/thread root table and
// every registered external roots provider, spec.md §4.I driver step
// "push_roots()".
func (c *Collector) pushAllRootsLocked() {
	c.roots.PushRoots(c.markEngine)
	for _, provider := range c.externalRoots {
		ranges, err := provider.Roots()
		if err != nil {
			c.hooks.warn("external roots provider failed: %v", err)
			continue
		}
		for _, r := range ranges {
			c.roots.PushAll(c.markEngine, r[0], r[1])
		}
	}
}

// pushMarkedObjectsLocked re-pushes every already-marked object's
// descriptor onto the mark stack. This is the "rescan from marked
// objects" half of spec.md §4.F's INVALID-state recovery: a push
// dropped by stack overflow already had its mark bit set before being
// discarded, so the object itself will never reappear as a fresh
// candidate from push_roots alone — only a direct walk of every
// block's marked slots can find it again.
func (c *Collector) pushMarkedObjectsLocked() {
	for _, k := range c.kinds.kinds {
		k.mu.Lock()
		for _, blocks := range k.reclaimList {
			for _, hdr := range blocks {
				n := hdr.NHBLKObjs()
				for i := 0; i < n; i++ {
					if !hdr.TestMark(i) {
						continue
					}
					objAddr := hdr.Block + uintptr(i)*hdr.Sz
					descr := hdr.Descr
					if descr.Tag == DSLength && descr.Length == 0 {
						descr.Length = hdr.Sz
					}
					c.markEngine.PushEntry(objAddr, descr)
				}
			}
		}
		k.mu.Unlock()
	}
}

// drainMarkStackLocked drains the mark stack to completion, restarting
// the mark phase whenever a drain leaves the engine in MarkInvalid, per
// spec.md §7's mark-stack-overflow row: "set mark_state = INVALID,
// request larger stack, restart mark; no client visibility." The world
// must already be stopped on entry and remains stopped on return
// (incremental draining internally restarts and re-stops it between
// quanta; this is the one place in the cycle where that happens).
func (c *Collector) drainMarkStackLocked(ctx context.Context, self ThreadID) error {
	for attempt := 0; ; attempt++ {
		var err error
		switch {
		case c.parallelMark != nil && c.config.MarkersCount > 1:
			err = c.parallelMark.DrainAllParallel(ctx)
		case c.config.Incremental && c.dirty != nil:
			err = c.drainIncrementalLocked(ctx, self)
		default:
			err = c.markEngine.DrainAll()
		}
		if err != nil {
			return err
		}
		if c.markEngine.State() != MarkInvalid {
			return nil
		}
		if attempt >= maxMarkInvalidRestarts {
			return fmt.Errorf("gc: mark stack overflowed %d times in one cycle", attempt+1)
		}
		c.markEngine.GrowStackLimit()
		c.markEngine.SetState(MarkRootsPushed)
		c.pushMarkedObjectsLocked()
		c.pushAllRootsLocked()
	}
}

// drainIncrementalLocked drains the mark stack in bounded quanta,
// briefly resuming the mutator between each one instead of holding the
// world stopped for the whole trace, per spec.md §4.I's "Incremental
// variant": "between short stop-the-world phases... only dirty pages
// need rescanning." self must already be registered and the world
// stopped; the world is stopped again before this returns.
func (c *Collector) drainIncrementalLocked(ctx context.Context, self ThreadID) error {
	for {
		done, err := c.markEngine.MarkSome()
		if err != nil {
			return err
		}
		if done || c.markEngine.State() == MarkInvalid {
			return nil
		}
		if err := c.stw.StartWorld(ctx); err != nil {
			return err
		}
		if err := c.stw.StopWorld(ctx, self); err != nil {
			return err
		}
	}
}

// clearAllMarksLocked resets known blocks' mark bits, spec.md §4.I
// "clear_hdr_marks for all in-use blocks". congc does not keep a
// separate registry of in-use blocks outside the address map and free
// lists, so this walks the kind table's reclaim lists instead and calls
// ClearMarks on each block found there, eagerly, before marking starts;
// reclaimAllLocked does not clear marks itself.
//
// When full is false (a partial, incremental-mode cycle), a block whose
// range c.dirty reports clean keeps last cycle's marks instead of being
// cleared, so objects already proven reachable through it stay marked
// without re-tracing; only blocks something wrote to since the last
// cycle get cleared and re-traced.
func (c *Collector) clearAllMarksLocked(full bool) {
	for _, k := range c.kinds.kinds {
		k.mu.Lock()
		for _, blocks := range k.reclaimList {
			for _, hdr := range blocks {
				if !full && !c.dirty.IsDirty(hdr.Block, hdr.Sz) {
					continue
				}
				hdr.ClearMarks()
			}
		}
		k.mu.Unlock()
	}
}

// pushUncollectableLocked treats every UNCOLLECTABLE object as an
// implicit root, per spec.md §3's definition of that kind.
func (c *Collector) pushUncollectableLocked() {
	k := c.kinds.Kind(KindUncollectable)
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, blocks := range k.reclaimList {
		for _, hdr := range blocks {
			hdr.SetAllMarks()
		}
	}
}

// reclaimAllLocked walks every kind's outstanding blocks (populated by
// ObjAllocator.EnqueueReclaim at carve time) deciding, per block, whether
// to free it immediately or leave it for allocObj's lazy per-block sweep,
// spec.md §4.I's "continue_reclaim() lazily as allocator demands". A
// block whose IsLikelyEmpty is true has nothing left alive in it — true
// for a large block's single object exactly when its one mark bit never
// got set — so there is no later allocation that would benefit from
// deferring its sweep; it is freed here instead.
func (c *Collector) reclaimAllLocked() {
	for _, k := range c.kinds.kinds {
		k.mu.Lock()
		for granules, blocks := range k.reclaimList {
			kept := blocks[:0]
			for _, hdr := range blocks {
				if hdr.IsLikelyEmpty() {
					k.mu.Unlock()
					c.allocator.FreeEmptyBlock(hdr)
					k.mu.Lock()
					continue
				}
				kept = append(kept, hdr)
			}
			k.reclaimList[granules] = kept
		}
		k.mu.Unlock()
	}
}

// Collect runs one full collection cycle, per spec.md §6 "collect()":
// a blocking, stop-the-world call. self must already be registered via
// RegisterMyThread.
func (c *Collector) Collect(ctx context.Context, self ThreadID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCollectionLocked(ctx, self)
}

// MaybeCollect triggers a collection if the heap has grown enough to
// warrant one, per spec.md §9's heap-growth heuristic (DESIGN.md's
// decision: FreeSpaceDivisor-based, mirroring GC_free_space_divisor).
// It is meant to be called from the allocation slow path rather than
// only by an explicit client Collect call.
func (c *Collector) MaybeCollect(ctx context.Context, self ThreadID) error {
	c.mu.Lock()
	heapSize := c.heap.HeapSize()
	freeBytes := c.heap.LargeFreeBytes()
	divisor := c.config.FreeSpaceDivisor
	c.mu.Unlock()
	if divisor <= 0 {
		return nil
	}
	if freeBytes*uintptr(divisor) >= heapSize {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCollectionLocked(ctx, self)
}
