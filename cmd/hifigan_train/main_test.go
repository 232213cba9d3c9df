// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildArgs(t *testing.T) {
	args := []string{"-config=c.json", "-spawn", "-world_size=2", "-rank", "3", "--set=batch_size=8", "positional"}
	assert.Equal(t,
		[]string{"-config=c.json", "-world_size=2", "--set=batch_size=8", "positional", "-spawn=false", "-rank=1"},
		childArgs(args, 1))
	assert.Equal(t, []string{"-spawn=false", "-rank=0"}, childArgs([]string{"--rank=2", "-spawn=true"}, 0))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"batch_size": 4, "lr_decay": 0.99}`), 0o644))
	cfg, err := loadConfig(path, "learning_rate=1e-4;seed=7")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.InDelta(t, 0.99, cfg.LRDecay, 1e-12)
	assert.InDelta(t, 1e-4, cfg.LearningRate, 1e-12)
	assert.Equal(t, 7, cfg.Seed)

	// Missing file: the defaults.
	cfg, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"), "")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.BatchSize)

	_, err = loadConfig(path, "lr_decay=1.5")
	require.Error(t, err)
	_, err = loadConfig(path, "unknown_param=1")
	require.Error(t, err)
}
