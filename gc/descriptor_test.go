// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorLengthRoundTrip(t *testing.T) {
	d := Descriptor{Tag: DSLength, Length: 256}
	got := DecodeDescriptor(d.Encode())
	require.Equal(t, d, got)
}

func TestDescriptorBitmapRoundTrip(t *testing.T) {
	d := Descriptor{Tag: DSBitmap, Bitmap: 0x5}
	got := DecodeDescriptor(d.Encode())
	require.Equal(t, d, got)
}

func TestDescriptorPerObjectRoundTrip(t *testing.T) {
	d := Descriptor{Tag: DSPerObject, Offset: 32, Indirect: true}
	got := DecodeDescriptor(d.Encode())
	require.Equal(t, d, got)

	d2 := Descriptor{Tag: DSPerObject, Offset: 16, Indirect: false}
	got2 := DecodeDescriptor(d2.Encode())
	require.Equal(t, d2, got2)
}

func TestMakeBitmapDescriptorInline(t *testing.T) {
	tbl := NewDescriptorTable()
	bits := make([]bool, 4)
	bits[0] = true
	bits[3] = true
	d := tbl.MakeBitmapDescriptor(bits)
	require.Equal(t, DSBitmap, d.Tag)
	require.Equal(t, uint64(0b1001), d.Bitmap)
}

func TestMakeBitmapDescriptorExtended(t *testing.T) {
	tbl := NewDescriptorTable()
	bits := make([]bool, 130) // exceeds BitmapBits (62)
	bits[0] = true
	bits[64] = true
	bits[129] = true

	d := tbl.MakeBitmapDescriptor(bits)
	require.Equal(t, DSProc, d.Tag)
	require.GreaterOrEqual(t, d.ProcIndex, 0)

	proc := tbl.proc(d.ProcIndex)
	require.NotNil(t, proc)

	// Two independent extended descriptors share the same procedure index
	// (only one scanExtended is ever registered) but must not collide on
	// their environment word.
	d2 := tbl.MakeBitmapDescriptor(bits)
	require.Equal(t, d.ProcIndex, d2.ProcIndex)
	require.NotEqual(t, d.Env, d2.Env, "each extended descriptor gets its own table entry")
}
