// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// spec.md §1 lists several subsystems as explicitly out of scope for
// this core, to be supplied (or not) by the embedder: dynamic-library
// scanning, a finalization queue richer than disappearing links,
// CORD-style ropes, and C++/Java-runtime hooks. This file defines the
// narrow interfaces the driver calls out to when present, so an
// embedder can plug those subsystems in without this package knowing
// anything about their implementation — the same boundary
// original_source draws between gc.h's core and dyn_load.c / finalize.c
// / cord/*.c.
type (
	// DynamicLibraryScanner discovers the data segments of currently
	// loaded shared libraries so their static data can be added to the
	// root set. congc has no implementation of its own (spec.md §1 Non-
	// goal "dynamic-library segment discovery"); RootSet.AddDynamicLibrarySegment
	// is the sink a scanner implementation feeds.
	DynamicLibraryScanner interface {
		ScanSegments() ([][2]uintptr, error)
	}

	// FinalizationQueue is a richer finalizer mechanism than
	// DisappearingLinks (gc/finalize.go): spec.md §1 excludes a full
	// finalization queue ("ordering, resurrection, reachability-from-
	// finalizer semantics") from the core. An embedder wanting that
	// behavior can implement this interface on top of
	// DisappearingLinks.ClearUnmarked's notification point.
	FinalizationQueue interface {
		Enqueue(obj uintptr, fn func())
		RunPending()
	}

	// ExternalRootsProvider covers language-runtime hooks
	// (C++ static destructors, JVM/CLR style root enumeration) spec.md
	// §1 excludes from the core ("C++/Java hooks"). The driver calls
	// Roots once per cycle, right before draining the mark stack, and
	// pushes every returned range exactly as it would a static root.
	ExternalRootsProvider interface {
		Roots() ([][2]uintptr, error)
	}
)
