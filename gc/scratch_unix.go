// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package gc

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// heapSect records one OS-level mapping backing the congc heap, sorted
// by address for fast membership queries, per spec.md §5 "Shared
// resources: the OS address space. All mmap/VirtualAlloc calls go
// through a single scratch_alloc path that records segments in a
// heap_sects table."
type heapSect struct {
	base uintptr
	size uintptr
}

// ScratchAllocator is the out-of-scope "OS memory acquisition
// primitive" collaborator from spec.md §1, given a real POSIX
// implementation here (domain-stack wiring, see SPEC_FULL.md) rather
// than a stub, since congc needs real addressable memory to carve HBLKs
// from.
type ScratchAllocator struct {
	mu    sync.Mutex
	sects []heapSect
}

// NewScratchAllocator returns an allocator with no mappings yet.
func NewScratchAllocator() *ScratchAllocator {
	return &ScratchAllocator{}
}

// Reserve mmaps a new, HBLKSIZE-aligned region of at least size bytes,
// anonymous and read-write, and records it in heap_sects.
func (s *ScratchAllocator) Reserve(size uintptr) (uintptr, error) {
	size = alignUp(size, HBLKSIZE)
	// Over-allocate by one HBLK so we can align the returned base even
	// though mmap itself only guarantees page alignment.
	raw, err := unix.Mmap(-1, 0, int(size+HBLKSIZE), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("gc: scratch mmap %d bytes: %w", size, err)
	}
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := alignUp(base, HBLKSIZE)

	s.mu.Lock()
	s.sects = append(s.sects, heapSect{base: aligned, size: size})
	sort.Slice(s.sects, func(i, j int) bool { return s.sects[i].base < s.sects[j].base })
	s.mu.Unlock()
	return aligned, nil
}

// Unmap releases [addr, addr+size) back to the OS, used by the block
// allocator's lazy-unmap policy (spec.md §4.C).
func (s *ScratchAllocator) Unmap(addr, size uintptr) error {
	var b []byte
	sh := (*sliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = int(size)
	sh.Cap = int(size)
	return unix.Munmap(b)
}

// Remap re-establishes a read-write mapping at [addr, addr+size), used
// to bring a previously lazily unmapped block back before reuse. This
// needs MAP_FIXED at an explicit address, which golang.org/x/sys/unix's
// portable Mmap wrapper does not expose, so it drops to the raw
// syscall the wrapper itself uses internally.
func (s *ScratchAllocator) Remap(addr, size uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, size,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED),
		^uintptr(0), 0)
	if errno != 0 {
		return fmt.Errorf("gc: remap at %#x: %w", addr, errno)
	}
	return nil
}

// Contains reports whether addr falls within any reserved segment,
// supporting the same membership query heap_sects exists for.
func (s *ScratchAllocator) Contains(addr uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.sects), func(i int) bool { return s.sects[i].base+s.sects[i].size > addr })
	return i < len(s.sects) && s.sects[i].base <= addr
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// sliceHeader mirrors reflect.SliceHeader without importing reflect,
// purely to reconstruct a []byte over a raw mmap'd address for Munmap,
// which wants the slice golang.org/x/sys/unix.Mmap itself returned.
type sliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}
