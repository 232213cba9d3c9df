// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package dsp

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

const (
	// MelMagnitudeOffset is added to the power before the square root of the mel spectrogram magnitudes.
	MelMagnitudeOffset = 1e-9

	// MelLogFloor is the minimum mel energy before the log compression.
	MelLogFloor = 1e-5
)

// MelConfig holds the parameters of the log-mel spectrogram.
type MelConfig struct {
	FFTSize, NumMels, SampleRate, HopSize, WinSize int

	// FMin and FMax are the frequency range covered by the mel filters. FMax of 0 means SampleRate/2.
	FMin, FMax float64
}

// MelExtractor computes log-mel spectrograms from waveforms.
type MelExtractor struct {
	config MelConfig
	stft   STFT
	basis  *tensors.Tensor // [bins, mels]
}

// NewMelExtractor creates the extractor for the given configuration. The mel filter bank is computed
// once here.
func NewMelExtractor(config MelConfig) *MelExtractor {
	if config.FMax <= 0 {
		config.FMax = float64(config.SampleRate) / 2
	}
	if config.NumMels <= 0 || config.SampleRate <= 0 || config.FMin < 0 || config.FMin >= config.FMax {
		Panicf("invalid mel configuration %+v", config)
	}
	m := &MelExtractor{
		config: config,
		stft:   STFT{FFTSize: config.FFTSize, HopSize: config.HopSize, WinLength: config.WinSize},
	}
	m.stft.validate()
	filters := MelFilterBank(config.FFTSize, config.NumMels, config.SampleRate, config.FMin, config.FMax)
	numBins := m.stft.NumBins()
	flat := make([]float64, numBins*config.NumMels)
	for mel, weights := range filters {
		for bin, w := range weights {
			flat[bin*config.NumMels+mel] = w
		}
	}
	m.basis = tensors.FromFlatDataAndDimensions(flat, numBins, config.NumMels)
	return m
}

// Config returns the configuration, with FMax resolved.
func (m *MelExtractor) Config() MelConfig { return m.config }

// padding applied with reflection on each side of the waveform before the (non-centered) STFT.
func (m *MelExtractor) padding() int {
	return (m.config.FFTSize - m.config.HopSize) / 2
}

// NumFrames returns the number of mel frames for a waveform with numSamples.
func (m *MelExtractor) NumFrames(numSamples int) int {
	return m.stft.NumFrames(numSamples + 2*m.padding())
}

// Extract returns the log-mel spectrogram of wave (shaped [batch, samples]), shaped [batch, frames, num_mels].
//
// The waveform is reflect padded by (fft-hop)/2 on each side, so the number of frames is
// approximately samples/hop. Magnitudes are sqrt(power + 1e-9), and the result is log(max(mel, 1e-5)).
func (m *MelExtractor) Extract(wave *Node) *Node {
	pad := m.padding()
	x := ReflectPad(wave, pad, pad)
	magnitude := Sqrt(AddScalar(m.stft.Power(x), MelMagnitudeOffset))
	basis := constantAs(wave.Graph(), magnitude.DType(), m.basis)
	mel := Einsum("btf,fm->btm", magnitude, basis)
	return Log(MaxScalar(mel, MelLogFloor))
}

// Slaney-style mel scale: linear below 1 kHz, logarithmic above.
const (
	melFSp       = 200.0 / 3
	melMinLogHz  = 1000.0
	melMinLogMel = melMinLogHz / melFSp
)

var melLogStep = math.Log(6.4) / 27

// HzToMel converts a frequency to the Slaney mel scale.
func HzToMel(hz float64) float64 {
	if hz < melMinLogHz {
		return hz / melFSp
	}
	return melMinLogMel + math.Log(hz/melMinLogHz)/melLogStep
}

// MelToHz converts from the Slaney mel scale to Hz.
func MelToHz(mel float64) float64 {
	if mel < melMinLogMel {
		return mel * melFSp
	}
	return melMinLogHz * math.Exp(melLogStep*(mel-melMinLogMel))
}

// MelFilterBank returns numMels triangular filters over the fftSize/2+1 frequency bins, with the
// Slaney area normalization (each filter is scaled by 2/(f_high-f_low)).
func MelFilterBank(fftSize, numMels, sampleRate int, fmin, fmax float64) [][]float64 {
	numBins := fftSize/2 + 1
	binFreqs := make([]float64, numBins)
	for i := range binFreqs {
		binFreqs[i] = float64(i) * float64(sampleRate) / 2 / float64(numBins-1)
	}

	// numMels+2 points evenly spaced in the mel scale: filter i goes from point i to point i+2.
	minMel, maxMel := HzToMel(fmin), HzToMel(fmax)
	melFreqs := make([]float64, numMels+2)
	for i := range melFreqs {
		melFreqs[i] = MelToHz(minMel + (maxMel-minMel)*float64(i)/float64(numMels+1))
	}

	filters := make([][]float64, numMels)
	for i := range filters {
		filters[i] = make([]float64, numBins)
		lowWidth := melFreqs[i+1] - melFreqs[i]
		highWidth := melFreqs[i+2] - melFreqs[i+1]
		norm := 2 / (melFreqs[i+2] - melFreqs[i])
		for bin, f := range binFreqs {
			lower := (f - melFreqs[i]) / lowWidth
			upper := (melFreqs[i+2] - f) / highWidth
			filters[i][bin] = math.Max(0, math.Min(lower, upper)) * norm
		}
	}
	return filters
}
