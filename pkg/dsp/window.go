// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package dsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/window"
)

// HannWindow returns the periodic Hann window of length n, the one used for spectral analysis:
//
//	w[k] = 0.5 * (1 - cos(2πk/n))
func HannWindow(n int) []float64 {
	// The symmetric window of length n+1, without its last element, is the periodic window of length n.
	seq := make([]float64, n+1)
	for i := range seq {
		seq[i] = 1
	}
	return window.Hann(seq)[:n]
}

// CenterPad returns w zero padded on both sides to length n, centered as in the usual STFT convention.
func CenterPad(w []float64, n int) []float64 {
	if len(w) >= n {
		return w[:n]
	}
	padded := make([]float64, n)
	copy(padded[(n-len(w))/2:], w)
	return padded
}

// KaiserWindow returns the symmetric Kaiser window of length n with shape parameter beta.
func KaiserWindow(n int, beta float64) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	norm := besselI0(beta)
	for i := range w {
		r := 2*float64(i)/float64(n-1) - 1
		w[i] = besselI0(beta*math.Sqrt(1-r*r)) / norm
	}
	return w
}

// besselI0 is the modified Bessel function of the first kind, order 0, by its power series.
func besselI0(x float64) float64 {
	sum, term := 1.0, 1.0
	halfX := x / 2
	for k := 1; k < 500; k++ {
		term *= (halfX / float64(k)) * (halfX / float64(k))
		sum += term
		if term < 1e-16*sum {
			break
		}
	}
	return sum
}
