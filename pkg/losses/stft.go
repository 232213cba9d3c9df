// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/roman-mg/multiband-hifigan/pkg/dsp"
)

// STFTMinPower is the floor of the STFT power before the magnitude is taken.
const STFTMinPower = 1e-7

// MultiResolutionSTFT is the spectral loss computed over several STFT resolutions: the spectral
// convergence and the log-magnitude L1 distance, each averaged over the resolutions.
type MultiResolutionSTFT struct {
	Resolutions []dsp.STFT
}

// NewMultiResolutionSTFT creates the loss for the given resolutions. The three slices must have
// the same length.
func NewMultiResolutionSTFT(fftSizes, hopSizes, winLengths []int) *MultiResolutionSTFT {
	if len(fftSizes) == 0 || len(fftSizes) != len(hopSizes) || len(fftSizes) != len(winLengths) {
		Panicf("multi-resolution STFT loss: got %d fft sizes, %d hop sizes and %d window lengths",
			len(fftSizes), len(hopSizes), len(winLengths))
	}
	m := &MultiResolutionSTFT{Resolutions: make([]dsp.STFT, len(fftSizes))}
	for ii := range fftSizes {
		m.Resolutions[ii] = dsp.STFT{FFTSize: fftSizes[ii], HopSize: hopSizes[ii], WinLength: winLengths[ii], Center: true}
	}
	return m
}

// DefaultMultiResolutionSTFT is the full band loss with fft sizes 1024, 2048 and 512.
func DefaultMultiResolutionSTFT() *MultiResolutionSTFT {
	return NewMultiResolutionSTFT([]int{1024, 2048, 512}, []int{120, 240, 50}, []int{600, 1200, 240})
}

// String implements fmt.Stringer.
func (m *MultiResolutionSTFT) String() string {
	s := "MultiResolutionSTFT("
	for ii, r := range m.Resolutions {
		if ii > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d/%d/%d", r.FFTSize, r.HopSize, r.WinLength)
	}
	return s + ")"
}

// Loss returns the spectral convergence and log-magnitude losses between the predicted and target
// signals, both shaped [batch, samples].
func (m *MultiResolutionSTFT) Loss(predicted, target *Node) (spectralConvergence, logMagnitude *Node) {
	if !predicted.Shape().Equal(target.Shape()) {
		Panicf("multi-resolution STFT loss: predicted %s and target %s shapes differ", predicted.Shape(), target.Shape())
	}
	for _, resolution := range m.Resolutions {
		predictedMag := resolution.Magnitude(predicted, STFTMinPower)
		targetMag := resolution.Magnitude(target, STFTMinPower)
		spectralConvergence = sum(spectralConvergence, SpectralConvergence(predictedMag, targetMag))
		logMagnitude = sum(logMagnitude, LogMagnitudeL1(predictedMag, targetMag))
	}
	numResolutions := float64(len(m.Resolutions))
	return DivScalar(spectralConvergence, numResolutions), DivScalar(logMagnitude, numResolutions)
}

// Total returns the sum of the spectral convergence and log-magnitude losses.
func (m *MultiResolutionSTFT) Total(predicted, target *Node) *Node {
	sc, mag := m.Loss(predicted, target)
	return Add(sc, mag)
}

// SpectralConvergence is ‖target-predicted‖_F / ‖target‖_F over the whole magnitude tensors.
func SpectralConvergence(predictedMag, targetMag *Node) *Node {
	return Div(L2Norm(Sub(targetMag, predictedMag)), L2Norm(targetMag))
}

// LogMagnitudeL1 is the mean absolute difference of the log magnitudes.
func LogMagnitudeL1(predictedMag, targetMag *Node) *Node {
	return L1(Log(targetMag), Log(predictedMag))
}
