// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pkg/errors"
)

// NormalizationPeak is the peak amplitude training audio is normalized to.
const NormalizationPeak = 0.95

// LoadWav reads a PCM WAV file, returning the samples of its first channel scaled to [-1, 1)
// and its sample rate.
func LoadWav(path string) (samples []float32, sampleRate int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, 0, errors.Errorf("%q is not a valid WAV file", path)
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, errors.Wrapf(err, "decoding %q", path)
	}
	numChannels := max(1, int(decoder.NumChans))
	bitDepth := int(decoder.BitDepth)
	if bitDepth <= 0 || bitDepth > 32 {
		return nil, 0, errors.Errorf("%q: unsupported bit depth %d", path, bitDepth)
	}
	scale := 1.0 / float64(int64(1)<<(bitDepth-1))
	samples = make([]float32, len(buf.Data)/numChannels)
	for ii := range samples {
		samples[ii] = float32(float64(buf.Data[ii*numChannels]) * scale)
	}
	return samples, int(decoder.SampleRate), nil
}

// Normalize scales samples in place so their peak amplitude is peak. Silence is left untouched.
func Normalize(samples []float32, peak float64) {
	var maxAbs float64
	for _, v := range samples {
		maxAbs = math.Max(maxAbs, math.Abs(float64(v)))
	}
	if maxAbs == 0 {
		return
	}
	ratio := float32(peak / maxAbs)
	for ii := range samples {
		samples[ii] *= ratio
	}
}

// WriteWav writes samples in [-1, 1] as a mono 16 bits PCM WAV file. Values out of range are clipped.
func WriteWav(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	const bitDepth = 16
	encoder := wav.NewEncoder(f, sampleRate, bitDepth, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: bitDepth,
	}
	for ii, v := range samples {
		clipped := math.Max(-1, math.Min(1, float64(v)))
		buf.Data[ii] = int(math.Round(clipped * math.MaxInt16))
	}
	if err = encoder.Write(buf); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "encoding %q", path)
	}
	if err = encoder.Close(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "finishing %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}
