// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package dsp implements the signal transforms used by the vocoder training: short-time Fourier
// transform magnitudes, log-mel spectrograms, and the analysis/synthesis filter banks that split a
// waveform into sub-bands.
//
// Transforms are built as graph operations (so they are differentiable and run on the accelerator),
// while their constant coefficients (windows, DFT kernels, mel filters, filter bank taps) are computed
// once in Go.
//
// Waveforms are shaped [batch, samples]. Spectrograms are shaped [batch, frames, bins], and sub-band
// signals [batch, samples/bands, bands].
package dsp

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// STFT configures a short-time Fourier transform.
type STFT struct {
	FFTSize, HopSize, WinLength int

	// Center pads the signal with FFTSize/2 reflected samples on each side, so frame t is centered
	// at sample t*HopSize.
	Center bool
}

// NumBins is the number of frequency bins of the spectrogram.
func (s STFT) NumBins() int { return s.FFTSize/2 + 1 }

// NumFrames is the number of frames for a signal with numSamples.
func (s STFT) NumFrames(numSamples int) int {
	if s.Center {
		numSamples += 2 * (s.FFTSize / 2)
	}
	if numSamples < s.FFTSize {
		return 0
	}
	return (numSamples-s.FFTSize)/s.HopSize + 1
}

func (s STFT) validate() {
	if s.FFTSize <= 0 || s.HopSize <= 0 || s.WinLength <= 0 || s.WinLength > s.FFTSize {
		Panicf("invalid STFT configuration fft=%d, hop=%d, win=%d", s.FFTSize, s.HopSize, s.WinLength)
	}
}

// dftKernel returns the convolution kernel shaped [FFTSize, 1, 2*NumBins], with the windowed cosine
// basis in the first NumBins output channels and the windowed (negative) sine basis in the rest.
func (s STFT) dftKernel() *tensors.Tensor {
	n, numBins := s.FFTSize, s.NumBins()
	w := CenterPad(HannWindow(s.WinLength), n)
	flat := make([]float64, n*2*numBins)
	for t := range n {
		row := flat[t*2*numBins : (t+1)*2*numBins]
		for f := range numBins {
			angle := 2 * math.Pi * float64(f*t%n) / float64(n)
			row[f] = w[t] * math.Cos(angle)
			row[numBins+f] = -w[t] * math.Sin(angle)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, n, 1, 2*numBins)
}

// Power returns re²+im² of the transform of x (shaped [batch, samples]), shaped [batch, frames, NumBins].
func (s STFT) Power(x *Node) *Node {
	s.validate()
	if x.Rank() != 2 {
		Panicf("STFT expects signals shaped [batch, samples], got %s", x.Shape())
	}
	if s.Center {
		x = ReflectPad(x, s.FFTSize/2, s.FFTSize/2)
	}
	batchSize, numSamples := x.Shape().Dimensions[0], x.Shape().Dimensions[1]
	if numSamples < s.FFTSize {
		Panicf("STFT with fft size %d requires at least as many samples, got %s", s.FFTSize, x.Shape())
	}
	kernel := constantAs(x.Graph(), x.DType(), s.dftKernel())
	frames := Convolve(Reshape(x, batchSize, numSamples, 1), kernel).
		Strides(s.HopSize).
		NoPadding().
		Done()
	numBins := s.NumBins()
	re := SliceAxis(frames, 2, AxisRange(0, numBins))
	im := SliceAxis(frames, 2, AxisRange(numBins, 2*numBins))
	return Add(Square(re), Square(im))
}

// Magnitude returns the spectrogram magnitude sqrt(max(re²+im², minPower)), shaped [batch, frames, NumBins].
func (s STFT) Magnitude(x *Node, minPower float64) *Node {
	return Sqrt(MaxScalar(s.Power(x), minPower))
}

// ReflectPad pads the last axis of x with its reflection (not repeating the edge samples), as numpy's
// "reflect" mode.
func ReflectPad(x *Node, left, right int) *Node {
	axis := x.Rank() - 1
	length := x.Shape().Dimensions[axis]
	if left >= length || right >= length {
		Panicf("can't reflect pad (%d, %d) a signal of length %d", left, right, length)
	}
	parts := make([]*Node, 0, 3)
	if left > 0 {
		parts = append(parts, Reverse(SliceAxis(x, axis, AxisRange(1, left+1)), axis))
	}
	parts = append(parts, x)
	if right > 0 {
		parts = append(parts, Reverse(SliceAxis(x, axis, AxisRange(length-1-right, length-1)), axis))
	}
	if len(parts) == 1 {
		return x
	}
	return Concatenate(parts, axis)
}

// constantAs returns t as a constant of the graph, converted to dtype.
func constantAs(g *Graph, dtype dtypes.DType, t *tensors.Tensor) *Node {
	c := ConstTensor(g, t)
	if c.DType() != dtype {
		c = ConvertDType(c, dtype)
	}
	return c
}
