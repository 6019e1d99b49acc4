// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "unsafe"

// loadWord and storeWord read/write one pointer-sized word at addr.
// congc's heap is backed by real mmap'd memory (see scratch_unix.go),
// so addr is a genuine process address, not a simulated offset; these
// helpers confine the package's unsafe.Pointer traffic to one place,
// per Design Notes §9 ("unsafe blocks are confined to the address-map
// radix lookup and to the mutator-visible allocation fast path").
func loadWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func storeWord(addr uintptr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = v
}

func zeroRange(addr uintptr, n uintptr) {
	b := unsafeSlice(addr, int(n))
	for i := range b {
		b[i] = 0
	}
}

// unsafeSlice reinterprets n bytes starting at addr as a []byte, for
// callers (zeroRange here, gc/vdb_mprotect.go's page-protection calls)
// that need a []byte view of a raw heap address to hand to a stdlib or
// golang.org/x/sys API.
func unsafeSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
