// Copyright 2024 The congc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFileOverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "congc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("markers: 4\nincremental: true\n"), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.MarkersCount)
	require.True(t, cfg.Incremental)
	// Fields absent from the file keep DefaultConfig's values.
	require.Equal(t, DefaultConfig().FreeSpaceDivisor, cfg.FreeSpaceDivisor)
	require.Equal(t, DefaultConfig().RetryCeiling, cfg.RetryCeiling)
}

func TestLoadConfigFileMissingReturnsDefaultAndError(t *testing.T) {
	cfg, err := LoadConfigFile("/nonexistent/path/congc.yaml")
	require.Error(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestApplyEnvOverridesFromEnvironment(t *testing.T) {
	t.Setenv("GC_FREE_SPACE_DIVISOR", "7")
	t.Setenv("GC_MARKERS", "3")
	t.Setenv("GC_ENABLE_INCREMENTAL", "1")

	cfg := ApplyEnv(DefaultConfig())
	require.Equal(t, 7, cfg.FreeSpaceDivisor)
	require.Equal(t, 3, cfg.MarkersCount)
	require.True(t, cfg.Incremental)
	require.Equal(t, DefaultConfig().FullFreqDivisor, cfg.FullFreqDivisor, "unset env vars must not disturb other fields")
}

func TestApplyEnvIgnoresUnparseableInt(t *testing.T) {
	t.Setenv("GC_MARKERS", "not-a-number")
	cfg := ApplyEnv(DefaultConfig())
	require.Equal(t, DefaultConfig().MarkersCount, cfg.MarkersCount)
}
