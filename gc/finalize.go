// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "sync"

// spec.md §1 lists "the finalization queue" as an external
// collaborator and out of scope for the core; SPEC_FULL.md's
// SUPPLEMENTED FEATURES section brings back congc's narrower cousin,
// disappearing links (original_source/GC_general_register_disappearing_link),
// since the mark engine already has to special-case them at sweep time
// and a minimal implementation is cheap. This file is grounded on
// teacher's runtime/mfinal.go for its side-table-plus-lock bookkeeping
// shape (there is no queue or goroutine here), not on congc's own mark
// descriptors.
type disappearingLink struct {
	slot uintptr // address of the word to clear when obj is unreachable
	obj  uintptr // the tracked object
}

// DisappearingLinks holds every registered link, per spec.md §6
// "register_disappearing_link": "clear *slot when the referent becomes
// unreachable, rather than keeping it alive." Grounded on
// original_source's dl_hashtbl_t, simplified to a slice the sweep phase
// walks once per cycle rather than a hash table, since congc's sweep
// already performs a full block scan.
type DisappearingLinks struct {
	mu    sync.Mutex
	links []disappearingLink
}

// NewDisappearingLinks returns an empty link table.
func NewDisappearingLinks() *DisappearingLinks {
	return &DisappearingLinks{}
}

// Register adds a link: when obj is found unreachable at the end of a
// mark phase, *slot is cleared to zero.
func (d *DisappearingLinks) Register(slot, obj uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links = append(d.links, disappearingLink{slot: slot, obj: obj})
}

// Unregister removes any link previously registered for slot.
func (d *DisappearingLinks) Unregister(slot uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.links[:0]
	for _, l := range d.links {
		if l.slot != slot {
			out = append(out, l)
		}
	}
	d.links = out
}

// ClearUnmarked walks every registered link and, for any whose obj's
// mark bit is now clear (unreachable this cycle), zeroes *slot and
// drops the link. Called once per collection cycle, after mark but
// before sweep, per spec.md §4.I's driver ordering ("clear/notify
// finalizable objects ... before reclaiming blocks").
func (d *DisappearingLinks) ClearUnmarked(addrMap *AddrMap) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.links[:0]
	for _, l := range d.links {
		hdr := addrMap.HeaderOf(l.obj)
		if hdr == nil {
			continue // object's block has gone away entirely
		}
		slotIdx := hdr.SlotForOffset(l.obj - hdr.Block)
		if slotIdx >= 0 && hdr.TestMark(slotIdx) {
			kept = append(kept, l)
			continue
		}
		storeWord(l.slot, 0)
	}
	d.links = kept
}

// Len reports the number of currently registered links, used by tests
// and by gc/metrics.go-style observability.
func (d *DisappearingLinks) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}
