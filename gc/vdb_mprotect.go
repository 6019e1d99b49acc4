// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package gc

import (
	"runtime/debug"
	"sync"

	"golang.org/x/sys/unix"
)

// MprotectDirtySet is the hardware flavor of DirtySet, grounded on
// original_source/os_dep.c's mprotect-based VDB: heap pages start
// write-protected; a write fault marks the containing page dirty and
// restores write access, mirroring bdwgc's SIGSEGV handler.
//
// Go gives library code no hook to intercept a fault from Go-generated
// code and resume execution at the faulting instruction (unlike
// bdwgc's sigaction-based handler, which fixes up protection and
// returns into the faulting write). The closest analogue the standard
// library offers is runtime/debug.SetPanicOnFault, which converts an
// unrecoverable memory fault in the *calling* goroutine into a
// recoverable run-time error instead of crashing the process — so
// storeWordGuarded performs a store under SetPanicOnFault and, on a
// recovered fault, marks the page dirty, removes protection, and
// retries the store. Only stores made through storeWordGuarded are
// handled this way: the package's other heap writes (storeWord,
// zeroRange) do not go through it, and a mutator holding a raw pointer
// into the heap and writing through it directly bypasses the
// protection entirely, same as it would bypass spec.md's conservative
// scanning if it invented pointers out of integers.
type MprotectDirtySet struct {
	mu       sync.Mutex
	pageSize uintptr
	dirty    map[uintptr]bool
	guarded  map[uintptr]bool
}

// NewMprotectDirtySet returns an empty dirty set with no guarded pages.
// The ranges later passed to Guard must already be mmap'd (i.e. address
// ranges owned by gc/scratch_unix.go's ScratchAllocator).
func NewMprotectDirtySet() *MprotectDirtySet {
	return &MprotectDirtySet{
		pageSize: uintptr(unix.Getpagesize()),
		dirty:    make(map[uintptr]bool),
		guarded:  make(map[uintptr]bool),
	}
}

func (d *MprotectDirtySet) pageAlign(addr uintptr) uintptr {
	return addr &^ (d.pageSize - 1)
}

// Guard write-protects every page touched by [start, start+size), the
// per-cycle "re-arm" step analogous to original_source's
// GC_write_hint/virtual_dirty re-protect phase.
func (d *MprotectDirtySet) Guard(start, size uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := d.pageAlign(start); p < start+size; p += d.pageSize {
		if d.guarded[p] {
			continue
		}
		b := pageBytes(p, d.pageSize)
		if err := unix.Mprotect(b, unix.PROT_READ); err != nil {
			return err
		}
		d.guarded[p] = true
	}
	return nil
}

// MarkRegion is called from the SetPanicOnFault recovery path (see
// storeWordGuarded) once a write fault has been observed on a guarded
// page, or directly by callers that already know they are about to
// write without routing through the protected path.
func (d *MprotectDirtySet) MarkRegion(start, size uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := d.pageAlign(start); p < start+size; p += d.pageSize {
		d.dirty[p] = true
		if d.guarded[p] {
			b := pageBytes(p, d.pageSize)
			unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
			delete(d.guarded, p)
		}
	}
}

// IsDirty reports whether any page touched by [start, start+size) was
// ever unprotected by a write fault since the last ClearAll.
func (d *MprotectDirtySet) IsDirty(start, size uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := d.pageAlign(start); p < start+size; p += d.pageSize {
		if d.dirty[p] {
			return true
		}
	}
	return false
}

// ClearAll drops dirty state; Guard must be called again before the
// next cycle's protection takes effect.
func (d *MprotectDirtySet) ClearAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty = make(map[uintptr]bool)
	d.guarded = make(map[uintptr]bool)
}

func pageBytes(addr, size uintptr) []byte {
	return unsafeSlice(addr, int(size))
}

// storeWordGuarded is storeWord's protected-path cousin: it attempts
// the write under SetPanicOnFault, and on a recovered fault, marks the
// page dirty and retries once with protection removed.
func storeWordGuarded(d *MprotectDirtySet, addr uintptr, v uintptr) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	faulted := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				d.MarkRegion(addr, GranuleBytes)
				faulted = true
			}
		}()
		storeWord(addr, v)
	}()
	if faulted {
		storeWord(addr, v)
	}
}
