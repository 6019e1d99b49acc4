// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the collector's internal counters/gauges as
// Prometheus instruments, the observability surface SPEC_FULL.md's
// DOMAIN STACK section wires prometheus/client_golang into. None of
// this is required by spec.md's core invariants; it rides alongside
// Hooks as an optional, separately-registered collaborator.
type Metrics struct {
	HeapBytes        prometheus.Gauge
	LargeFreeBytes   prometheus.Gauge
	BytesAllocated   prometheus.Counter
	BytesFreed       prometheus.Counter
	MarkStackLen     prometheus.Gauge
	BlackListedBytes prometheus.Gauge
	CollectionsTotal prometheus.Counter
	CollectionNanos  prometheus.Histogram

	// lastAllocd/lastFreed remember the allocator's cumulative counters
	// as of the previous Sample call, since ObjAllocator.Snapshot
	// reports running totals but a prometheus.Counter only grows by
	// deltas.
	lastAllocd uintptr
	lastFreed  uintptr
}

// NewMetrics constructs and registers a Metrics bundle against reg. If
// reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HeapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "congc", Name: "heap_bytes", Help: "Total bytes currently owned by the heap block allocator.",
		}),
		LargeFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "congc", Name: "large_free_bytes", Help: "Bytes currently on the heap block allocator's free lists.",
		}),
		BytesAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "congc", Name: "bytes_allocated_total", Help: "Cumulative bytes handed out by the object allocator.",
		}),
		BytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "congc", Name: "bytes_freed_total", Help: "Cumulative bytes returned via explicit free or reclaim.",
		}),
		MarkStackLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "congc", Name: "mark_stack_length", Help: "Current number of pending mark stack entries.",
		}),
		BlackListedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "congc", Name: "black_listed_bytes", Help: "Bytes black-listed due to stack-origin false hits.",
		}),
		CollectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "congc", Name: "collections_total", Help: "Number of completed collection cycles.",
		}),
		CollectionNanos: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "congc", Name: "collection_duration_seconds", Help: "Wall-clock duration of a collection cycle.",
			Buckets: prometheus.ExponentialBuckets(1e-4, 2, 16),
		}),
	}
	reg.MustRegister(
		m.HeapBytes, m.LargeFreeBytes, m.BytesAllocated, m.BytesFreed,
		m.MarkStackLen, m.BlackListedBytes, m.CollectionsTotal, m.CollectionNanos,
	)
	return m
}

// Sample refreshes the gauges from a live Heap/ObjAllocator/MarkEngine/
// BlackList snapshot; called once per collection cycle by the driver.
func (m *Metrics) Sample(h *Heap, a *ObjAllocator, e *MarkEngine, bl *BlackList) {
	if m == nil {
		return
	}
	if h != nil {
		m.HeapBytes.Set(float64(h.HeapSize()))
		m.LargeFreeBytes.Set(float64(h.LargeFreeBytes()))
	}
	if a != nil {
		stats := a.Snapshot()
		if stats.BytesAllocd > m.lastAllocd {
			m.BytesAllocated.Add(float64(stats.BytesAllocd - m.lastAllocd))
		}
		if stats.BytesFreed > m.lastFreed {
			m.BytesFreed.Add(float64(stats.BytesFreed - m.lastFreed))
		}
		m.lastAllocd, m.lastFreed = stats.BytesAllocd, stats.BytesFreed
	}
	if e != nil {
		m.MarkStackLen.Set(float64(e.StackLen()))
	}
	if bl != nil {
		m.BlackListedBytes.Set(float64(bl.StackBlackListedBytes()))
	}
}
