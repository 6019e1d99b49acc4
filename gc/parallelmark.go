// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ParallelMarker drains a MarkEngine's stack with several helper
// goroutines, work-stealing from the shared stack the way spec.md
// §4.F "Parallel mark" describes bdwgc's marker threads doing. Grounded
// on original_source/mark.c's GC_help_marker / GC_mark_stack sharing
// protocol, adapted to Go by using golang.org/x/sync/errgroup to fan out
// helpers and collect the first error instead of bdwgc's condvar-based
// helper-thread pool.
type ParallelMarker struct {
	engine  *MarkEngine
	workers int

	// stealBatch is how many entries a helper takes from the shared
	// stack per steal: original_source shares in chunks for the same
	// reason (GC_MARK_STACK_SIZE/8-ish) — big enough to amortize the
	// lock, small enough to keep work balanced across helpers.
	stealBatch int
}

// NewParallelMarker returns a marker that fans out across workers
// goroutines when DrainAllParallel is invoked. workers < 2 makes
// DrainAllParallel equivalent to engine.DrainAll.
func NewParallelMarker(engine *MarkEngine, workers int) *ParallelMarker {
	if workers < 1 {
		workers = 1
	}
	return &ParallelMarker{engine: engine, workers: workers, stealBatch: 32}
}

// DrainAllParallel drains the mark engine's stack to completion using
// up to p.workers goroutines. Each helper steals a batch from the
// shared stack and marks it; anything those entries point to is pushed
// straight back onto the shared stack (markFromOne already does this
// under the engine's lock), so other helpers can pick it up rather than
// each helper hoarding its own discoveries.
func (p *ParallelMarker) DrainAllParallel(ctx context.Context) error {
	if p.workers < 2 {
		return p.engine.DrainAll()
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.helperLoop(ctx)
		})
	}
	return g.Wait()
}

// helperLoop repeatedly steals a batch from the shared stack and marks
// it, stopping once a full pass finds the shared stack empty.
func (p *ParallelMarker) helperLoop(ctx context.Context) error {
	idleRounds := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.engine.mu.Lock()
		batch := p.engine.stack.Steal(p.stealBatch)
		stackEmpty := p.engine.stack.Len() == 0
		p.engine.mu.Unlock()

		if len(batch) == 0 {
			if stackEmpty {
				idleRounds++
				if idleRounds >= 2 {
					return nil
				}
				continue
			}
			idleRounds = 0
			continue
		}
		idleRounds = 0

		for _, entry := range batch {
			if err := p.engine.markFromOne(entry); err != nil {
				return err
			}
		}
	}
}
