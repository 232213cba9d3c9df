// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/roman-mg/multiband-hifigan/pkg/dataset"
	"github.com/roman-mg/multiband-hifigan/pkg/train"
	"github.com/roman-mg/multiband-hifigan/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	w, err := NewWriter(dir, 8000)
	require.NoError(t, err)
	require.NoError(t, w.Scalar(train.ValidationErrorTag, 0, 1.25))
	require.NoError(t, w.Scalar("training/mel_spec_error", 100, 1.5))
	require.NoError(t, w.Scalar("training/gen_loss_total", 100, 70))
	require.NoError(t, w.Audio("generated/y_hat_0", 1000, []float32{0, 0.5, -0.5, 0.25}))
	spectrogram := make([][]float32, 6)
	for frame := range spectrogram {
		spectrogram[frame] = []float32{float32(frame), 1, 2, 3}
	}
	require.NoError(t, w.Figure("generated/y_hat_spec_0", 1000, spectrogram))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "closing twice is a no-op")
	require.Error(t, w.Scalar(train.ValidationErrorTag, 1, 1), "scalars after Close")

	samples, sampleRate, err := dataset.LoadWav(filepath.Join(dir, AudioDir, "generated_y_hat_0_00001000.wav"))
	require.NoError(t, err)
	assert.Equal(t, 8000, sampleRate)
	assert.Len(t, samples, 4)
	assert.FileExists(t, filepath.Join(dir, FiguresDir, "generated_y_hat_spec_0_00001000.png"))
	assert.FileExists(t, filepath.Join(dir, "mel_spec_error.svg"))
	assert.FileExists(t, filepath.Join(dir, "gen_loss_total.svg"))

	// A second run appends its points to the previous ones.
	w2, err := NewWriter(dir, 8000)
	require.NoError(t, err)
	assert.NotEqual(t, w.RunID(), w2.RunID())
	require.NoError(t, w2.Scalar(train.ValidationErrorTag, 1000, 0.75))
	require.NoError(t, w2.Close())
	raw, err := plots.LoadPoints(filepath.Join(dir, plots.TrainingPlotFileName))
	require.NoError(t, err)
	require.Len(t, raw, 4)
	assert.Equal(t, w2.RunID(), raw[3].RunID)
	assert.Equal(t, "mel_spec_error", raw[3].MetricType)
	assert.Len(t, w2.Points(), 3, "points of both runs, indexed by step")
}

func TestSaveSpectrogram(t *testing.T) {
	dir := t.TempDir()
	silence := [][]float32{{0, 0}, {0, 0}}
	path := filepath.Join(dir, "silence.png")
	require.NoError(t, SaveSpectrogram(path, "silence", silence))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	require.Error(t, SaveSpectrogram(filepath.Join(dir, "empty.png"), "empty", nil))
	require.Error(t, SaveSpectrogram(filepath.Join(dir, "ragged.png"), "ragged", [][]float32{{1, 2}, {3}}))
}
