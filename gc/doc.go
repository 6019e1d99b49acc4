// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gc implements the core of a conservative, mostly-copying-free,
// mark-sweep garbage collector for uncooperative mutators.
//
// The allocator hands out heap memory carved from large, naturally
// aligned blocks (HBLKs). The collector periodically traces the object
// graph starting from conservatively scanned roots — registered static
// ranges and explicitly published goroutine-local scratch buffers — and
// reclaims blocks it cannot prove reachable. Because a conservatively
// scanned word cannot be told apart from an integer that merely looks
// like a pointer, the collector treats any in-range bit pattern as a
// candidate pointer while black-listing regions that turn out to be
// false hits, so the same mistake does not keep pinning memory forever.
//
// The package is organized the way the collector it is grounded on is:
// a handful of tightly coupled subsystems sharing a single package and
// a single global lock, rather than as independently usable libraries.
package gc
