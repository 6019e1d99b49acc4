// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// StopCount publishes/observes the suspend generation with the
// release/acquire discipline spec.md §4.H and §5 require ("stop_count
// is published with release semantics; handlers read it with acquire
// semantics"). Go's sync/atomic loads and stores on a uint64 already
// carry that ordering, so StopCount is a thin, clearly-named wrapper
// rather than a new synchronization mechanism.
type StopCount struct {
	v uint64
}

func (s *StopCount) publish(v uint64)  { atomic.StoreUint64(&s.v, v) }
func (s *StopCount) observe() uint64   { return atomic.LoadUint64(&s.v) }
func (s *StopCount) bump() uint64      { return atomic.AddUint64(&s.v, 2) } // even values only, per spec.md §4.H step 2

// mutatorHandle is the collector's view of one registered mutator
// goroutine: the "thread record" spec.md §4.H refers to.
type mutatorHandle struct {
	id ThreadID

	// ackStopCount is the stop_count value this goroutine has most
	// recently acknowledged via Checkpoint; the initiator compares it
	// against StopCount.observe() to know whether everyone has stopped.
	ackStopCount uint64

	// publishedSP is set either by Checkpoint (a genuinely suspended
	// goroutine, in the Go translation: one blocked inside Checkpoint)
	// or by StopTheWorld.SetBlocking (a goroutine that voluntarily
	// published its state before doing something that might block for
	// a while, e.g. a syscall), per spec.md §4.H "Cancellation".
	publishedSP uintptr
	blocking    bool

	resume chan struct{}
}

// StopTheWorld coordinates quiescence so the mark phase sees a
// consistent snapshot, per spec.md §4.H. Go offers no portable way to
// suspend another goroutine's execution or read its registers from
// library code (no SuspendThread, no sigsuspend targeting a single
// thread of a multiplexed M:N runtime); the protocol below keeps
// spec.md's state machine and memory-ordering contract exactly, but
// realizes "the handler blocks in sigsuspend" as "the mutator goroutine
// calls Checkpoint, which blocks on a channel," and "the signal wakes
// it" as "the initiator closes/sends on that channel." This is
// documented in DESIGN.md as one of the deliberately narrower corners
// of the public contract.
type StopTheWorld struct {
	mu    sync.Mutex
	count StopCount

	handles map[ThreadID]*mutatorHandle

	running bool // true while the world is running (mutators may proceed)

	stopSem    *semaphore.Weighted // initiator waits here for each ack
	restartSem *semaphore.Weighted // StartWorld acquires weight 0 (never waits); mutators wait on their resume channels

	RetryCeiling int
	RetryBackoff time.Duration

	hooks *Hooks
}

// NewStopTheWorld returns a coordinator with no registered threads.
func NewStopTheWorld(hooks *Hooks) *StopTheWorld {
	w := &StopTheWorld{
		handles:      make(map[ThreadID]*mutatorHandle),
		running:      true,
		stopSem:      semaphore.NewWeighted(1 << 30),
		restartSem:   semaphore.NewWeighted(1 << 30),
		RetryCeiling: 5,
		RetryBackoff: 2 * time.Millisecond,
		hooks:        hooks,
	}
	// stopSem starts with no free tokens: each Checkpoint's Release adds
	// one, so StopWorld's Acquire waits for one per pending mutator.
	w.stopSem.TryAcquire(1 << 30)
	return w
}

// Register adds id as a mutator the collector must quiesce before
// marking, per spec.md §6 "register_my_thread".
func (w *StopTheWorld) Register(id ThreadID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handles[id] = &mutatorHandle{id: id, resume: make(chan struct{})}
}

// Unregister removes id, per spec.md §6 "unregister_my_thread".
func (w *StopTheWorld) Unregister(id ThreadID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.handles, id)
}

// Checkpoint is what a registered mutator goroutine must call
// periodically (at an allocation slow path, at a loop back-edge, ...).
// If the world is stopped, Checkpoint publishes sp, acknowledges the
// current stop count, and blocks until StartWorld releases it — the
// translation of "the signal handler publishes state, posts a
// semaphore, and blocks in sigsuspend."
func (w *StopTheWorld) Checkpoint(id ThreadID, sp uintptr) {
	w.mu.Lock()
	h, ok := w.handles[id]
	if !ok || w.running {
		w.mu.Unlock()
		return
	}
	target := w.count.observe()
	h.publishedSP = sp
	h.ackStopCount = target
	resume := h.resume
	w.mu.Unlock()

	w.stopSem.Release(1)
	<-resume
}

// StopWorld suspends every registered mutator other than self, per
// spec.md §4.H steps 1-4. It returns once every handle is either
// acknowledged-stopped (via Checkpoint) or already voluntarily blocking
// with a published stack pointer.
func (w *StopTheWorld) StopWorld(ctx context.Context, self ThreadID) error {
	w.mu.Lock()
	w.running = false
	target := w.count.bump()
	var pending []*mutatorHandle
	for id, h := range w.handles {
		if id == self {
			continue
		}
		if h.blocking {
			continue // already quiesced with a published SP
		}
		pending = append(pending, h)
	}
	w.mu.Unlock()

	for attempt := 0; attempt <= w.RetryCeiling; attempt++ {
		waitCtx := ctx
		var cancel context.CancelFunc
		if w.RetryBackoff > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, w.RetryBackoff*time.Duration(len(pending)+1))
		}
		err := w.stopSem.Acquire(waitCtx, int64(len(pending)))
		if cancel != nil {
			cancel()
		}
		if err == nil {
			w.verifyAcked(target, pending)
			return nil
		}
		if attempt == w.RetryCeiling {
			return ErrSignalLost
		}
	}
	return ErrSignalLost
}

func (w *StopTheWorld) verifyAcked(target uint64, pending []*mutatorHandle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range pending {
		if h.ackStopCount != target && w.hooks != nil {
			w.hooks.warn("mutator %d did not acknowledge stop_count %d before semaphore wakeup", h.id, target)
		}
	}
}

// SetBlocking records id as voluntarily blocking (or clears that
// state), so a concurrent StopWorld treats it as already quiesced with
// sp instead of waiting for a Checkpoint acknowledgement that will
// never arrive while the goroutine is parked in a blocking call, per
// spec.md §4.H "Cancellation".
func (w *StopTheWorld) SetBlocking(id ThreadID, blocking bool, sp uintptr) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.handles[id]
	if !ok {
		return
	}
	h.blocking = blocking
	if blocking {
		h.publishedSP = sp
	}
}

// StartWorld resumes every suspended mutator, per spec.md §4.H step 5.
func (w *StopTheWorld) StartWorld(ctx context.Context) error {
	w.mu.Lock()
	w.running = true
	var resumeChans []chan struct{}
	for id, h := range w.handles {
		_ = id
		resumeChans = append(resumeChans, h.resume)
		h.resume = make(chan struct{})
	}
	w.mu.Unlock()

	for _, ch := range resumeChans {
		close(ch)
	}
	return w.restartSem.Acquire(ctx, 0)
}

// Snapshot returns, for every registered mutator, the stack-pointer
// style state the mark phase's root scan needs: either the
// Checkpoint-published SP or the voluntary-blocking one.
func (w *StopTheWorld) Snapshot() map[ThreadID]uintptr {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[ThreadID]uintptr, len(w.handles))
	for id, h := range w.handles {
		out[id] = h.publishedSP
	}
	return out
}
