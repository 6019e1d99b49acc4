// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables spec.md §4.C/§4.F/§4.H leave as
// implementation-chosen constants or environment-overridable knobs,
// grounded on original_source's GC_dirty_maintains_clean /
// GC_free_space_divisor / GC_dont_expand style environment variables.
type Config struct {
	// FreeSpaceDivisor mirrors GC_free_space_divisor: the heap grows
	// when live bytes exceed HeapSize/FreeSpaceDivisor, per spec.md §9
	// open question "heap growth heuristic" (resolved in DESIGN.md).
	FreeSpaceDivisor int `yaml:"free_space_divisor"`

	// DropBlacklistedEvery is the tunable rate at which AllocHBlk retries
	// drop a blacklisted candidate rather than reusing it, per DESIGN.md's
	// "Open Question decisions" #2.
	DropBlacklistedEvery int `yaml:"drop_blacklisted_every"`

	// MarkersCount is the number of parallel-mark helper goroutines, the
	// GC_markers_m1 analogue.
	MarkersCount int `yaml:"markers"`

	// Incremental enables generational/incremental collection (VDB-based
	// dirty tracking), the GC_enable_incremental analogue.
	Incremental bool `yaml:"incremental"`

	// FullFreqDivisor is how often a full (non-generational) collection
	// runs among otherwise-incremental cycles, the GC_full_freq analogue.
	FullFreqDivisor int `yaml:"full_freq"`

	// RetryCeiling/RetryBackoff configure StopTheWorld's retry loop.
	RetryCeiling int           `yaml:"stw_retry_ceiling"`
	RetryBackoff time.Duration `yaml:"stw_retry_backoff"`

	// AllInteriorPointers enables ALL_INTERIOR_POINTERS mode, per
	// spec.md §4.F; the GC_all_interior_pointers analogue.
	AllInteriorPointers bool `yaml:"all_interior_pointers"`
}

// DefaultConfig matches the constants used throughout the rest of the
// package before Config existed, so callers who skip configuration get
// identical behavior.
func DefaultConfig() Config {
	return Config{
		FreeSpaceDivisor:     3,
		DropBlacklistedEvery: 4,
		MarkersCount:         1,
		Incremental:          false,
		FullFreqDivisor:      0,
		RetryCeiling:         5,
		RetryBackoff:         2 * time.Millisecond,
	}
}

// LoadConfigFile reads a YAML tuning file, the "optional YAML tuning
// file" SPEC_FULL.md's ambient-stack section describes (congctl ships
// one as its --config flag). Missing fields keep DefaultConfig's
// values: the file is meant for overrides, not a full restatement.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg's fields from GC_* environment variables,
// mirroring original_source's GC_INITIAL_HEAP_SIZE / GC_MARKERS /
// GC_FREE_SPACE_DIVISOR / GC_ENABLE_INCREMENTAL family.
func ApplyEnv(cfg Config) Config {
	if v, ok := envInt("GC_FREE_SPACE_DIVISOR"); ok {
		cfg.FreeSpaceDivisor = v
	}
	if v, ok := envInt("GC_MARKERS"); ok {
		cfg.MarkersCount = v
	}
	if v, ok := envInt("GC_FULL_FREQ"); ok {
		cfg.FullFreqDivisor = v
	}
	if _, ok := os.LookupEnv("GC_ENABLE_INCREMENTAL"); ok {
		cfg.Incremental = true
	}
	if v, ok := envInt("GC_DROP_BLACKLISTED_EVERY"); ok {
		cfg.DropBlacklistedEvery = v
	}
	return cfg
}

func envInt(name string) (int, bool) {
	s, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
