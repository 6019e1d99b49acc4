// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Sentinel errors for the non-fatal dispositions in spec.md §7's error
// table. Fatal conditions (duplicate free, bad header, bad descriptor,
// bad thread-list manipulation) go through FatalAbort instead, since
// spec.md treats them as unconditional aborts signaling client memory
// corruption, not recoverable errors.
var (
	ErrOOM                 = errors.New("gc: out of memory")
	ErrDuplicateThread     = errors.New("gc: thread already registered")
	ErrThreadNotRegistered = errors.New("gc: thread not registered")
	ErrMarkStackOverflow   = errors.New("gc: mark stack overflow")
	ErrSignalLost          = errors.New("gc: stop-the-world signal lost")

	// ErrDuplicateFree, ErrBadAddress, and ErrBadHeader mark the
	// heap-corruption conditions spec.md §7 lists as fatal (duplicate
	// free, bad header). Callers that detect one of these must route it
	// through Hooks.FatalAbort rather than return it as an ordinary
	// error a caller might log and continue past.
	ErrDuplicateFree = errors.New("gc: duplicate free")
	ErrBadAddress    = errors.New("gc: unrecognized address")
	ErrBadHeader     = errors.New("gc: corrupted block header")
)

// FatalAbortFunc is the client-overridable hook spec.md §7 describes:
// "A single fatal-abort hook may be installed by the client." The
// default (see NewHooks) logs the message and terminates the process
// via logrus.Logger.Fatal, mirroring bdwgc's default ABORT() macro.
type FatalAbortFunc func(generation uint64, msg string)

// WarnFunc is the client-overridable warning hook.
type WarnFunc func(generation uint64, msg string)

// Hooks bundles the two client-overridable diagnostic callbacks plus
// the logger every collector-owned component logs through, so every
// diagnostic can be tagged with the current collection generation per
// spec.md §7 "All diagnostics include the current collection generation
// number to aid post-mortem correlation."
type Hooks struct {
	Log        *logrus.Logger
	FatalAbort FatalAbortFunc
	Warn       WarnFunc

	generation func() uint64
}

// NewHooks returns default hooks: a logrus.Logger writing to stderr at
// Info level, a FatalAbort that logs then terminates the process (via
// logrus.Logger.Fatal's os.Exit(1), matching bdwgc's own ABORT() rather
// than a recoverable panic), and a Warn that logs at Warn level.
func NewHooks(generation func() uint64) *Hooks {
	log := logrus.New()
	h := &Hooks{Log: log, generation: generation}
	h.FatalAbort = func(gen uint64, msg string) {
		log.WithField("generation", gen).Fatal(msg)
	}
	h.Warn = func(gen uint64, msg string) {
		log.WithField("generation", gen).Warn(msg)
	}
	return h
}

func (h *Hooks) abort(format string, args ...any) {
	gen := uint64(0)
	if h.generation != nil {
		gen = h.generation()
	}
	h.FatalAbort(gen, fmt.Sprintf(format, args...))
}

func (h *Hooks) warn(format string, args ...any) {
	gen := uint64(0)
	if h.generation != nil {
		gen = h.generation()
	}
	h.Warn(gen, fmt.Sprintf(format, args...))
}

// entry returns a logrus entry pre-tagged with the current generation,
// for components (Heap, MarkEngine, ...) that want structured
// field-based logging rather than the abort/warn helpers above.
func (h *Hooks) entry() *logrus.Entry {
	gen := uint64(0)
	if h.generation != nil {
		gen = h.generation()
	}
	return h.Log.WithField("generation", gen)
}
