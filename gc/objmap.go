// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "sync"

// ObjMap precomputes, for each granule offset within an HBLK, the slot
// index of the containing object, for every object size in use (shared
// across kinds). This turns an interior-pointer lookup into a single
// indexed load instead of a division, per spec.md §4.D.
type ObjMap struct {
	mu    sync.Mutex
	byKey map[uintptr][]uint16 // key = object size in bytes
}

// NewObjMap returns an empty table, built lazily on first use of a
// given size class (cloudfly-readgo/runtime/msize.go's size-class table
// is built once at init, but congc's size classes are not fixed ahead
// of time since user kinds may add new ones).
func NewObjMap() *ObjMap {
	return &ObjMap{byKey: make(map[uintptr][]uint16)}
}

// For returns the offset->slot table for sizeBytes, building it if this
// is the first request for that size.
func (m *ObjMap) For(sizeBytes uintptr) []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byKey[sizeBytes]; ok {
		return t
	}
	granules := HBLKSIZE / GranuleBytes
	t := make([]uint16, granules)
	for g := 0; g < granules; g++ {
		offset := uintptr(g) * GranuleBytes
		t[g] = uint16(offset / sizeBytes)
	}
	m.byKey[sizeBytes] = t
	return t
}
