// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package dsp

import (
	"math"
	"math/cmplx"
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/dsp/fourier"

	_ "github.com/gomlx/gomlx/backends/default"
)

// execOnce runs fn on the input, returning its flat float32 output and dimensions.
func execOnce(t *testing.T, fn func(x *Node) *Node, input *tensors.Tensor) ([]float32, []int) {
	backend := graphtest.BuildTestBackend()
	output, err := context.ExecOnce(backend, nil, func(_ *context.Context, x *Node) *Node {
		return fn(x)
	}, input)
	require.NoError(t, err)
	return tensors.MustCopyFlatData[float32](output), output.Shape().Dimensions
}

func randomSignal(rng *rand.Rand, n int) []float32 {
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(rng.NormFloat64() * 0.3)
	}
	return x
}

func TestWindows(t *testing.T) {
	w := HannWindow(8)
	require.Len(t, w, 8)
	for k, v := range w {
		assert.InDelta(t, 0.5*(1-math.Cos(2*math.Pi*float64(k)/8)), v, 1e-12)
	}
	assert.Equal(t, []float64{0, 0, 1, 2, 0, 0}, CenterPad([]float64{1, 2}, 6))

	kaiser := KaiserWindow(7, 9)
	assert.InDelta(t, 1.0, kaiser[3], 1e-12)
	assert.InDelta(t, kaiser[0], kaiser[6], 1e-12)
	assert.Less(t, kaiser[0], kaiser[1])
	assert.InDelta(t, 1.2660658777520082, besselI0(1), 1e-12)
}

func TestReflectPad(t *testing.T) {
	got, dims := execOnce(t, func(x *Node) *Node {
		return ReflectPad(x, 2, 3)
	}, tensors.FromValue([][]float32{{1, 2, 3, 4, 5}}))
	assert.Equal(t, []int{1, 10}, dims)
	assert.Equal(t, []float32{3, 2, 1, 2, 3, 4, 5, 4, 3, 2}, got)
}

// referenceMagnitude computes the centered STFT magnitude of a single signal with gonum's FFT.
func referenceMagnitude(x []float64, s STFT) [][]float64 {
	pad := s.FFTSize / 2
	padded := make([]float64, 0, len(x)+2*pad)
	for i := pad; i > 0; i-- {
		padded = append(padded, x[i])
	}
	padded = append(padded, x...)
	for i := len(x) - 2; i >= len(x)-1-pad; i-- {
		padded = append(padded, x[i])
	}
	w := CenterPad(HannWindow(s.WinLength), s.FFTSize)
	fft := fourier.NewFFT(s.FFTSize)
	var frames [][]float64
	frame := make([]float64, s.FFTSize)
	for start := 0; start+s.FFTSize <= len(padded); start += s.HopSize {
		for i := range frame {
			frame[i] = padded[start+i] * w[i]
		}
		coeffs := fft.Coefficients(nil, frame)
		magnitudes := make([]float64, len(coeffs))
		for i, c := range coeffs {
			magnitudes[i] = cmplx.Abs(c)
		}
		frames = append(frames, magnitudes)
	}
	return frames
}

func TestSTFTMagnitude(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	s := STFT{FFTSize: 64, HopSize: 16, WinLength: 48, Center: true}
	const numSamples = 256
	signal := randomSignal(rng, numSamples)
	got, dims := execOnce(t, func(x *Node) *Node {
		return s.Magnitude(x, 0)
	}, tensors.FromFlatDataAndDimensions(signal, 1, numSamples))
	require.Equal(t, []int{1, s.NumFrames(numSamples), s.NumBins()}, dims)

	x := make([]float64, numSamples)
	for i, v := range signal {
		x[i] = float64(v)
	}
	want := referenceMagnitude(x, s)
	require.Len(t, want, s.NumFrames(numSamples))
	for frame, bins := range want {
		for bin, v := range bins {
			assert.InDelta(t, v, float64(got[frame*s.NumBins()+bin]), 1e-3, "frame %d, bin %d", frame, bin)
		}
	}
}

func TestMelFilterBank(t *testing.T) {
	assert.InDelta(t, 15.0, HzToMel(1000), 1e-12)
	for _, hz := range []float64{0, 440, 1000, 3500, 11025} {
		assert.InDelta(t, hz, MelToHz(HzToMel(hz)), 1e-9)
	}

	filters := MelFilterBank(1024, 80, 22050, 0, 8000)
	require.Len(t, filters, 80)
	prevPeak := -1
	for i, weights := range filters {
		require.Len(t, weights, 513)
		peak := 0
		for bin, w := range weights {
			require.GreaterOrEqual(t, w, 0.0)
			if w > weights[peak] {
				peak = bin
			}
		}
		assert.GreaterOrEqual(t, peak, prevPeak, "filter %d", i)
		prevPeak = peak
	}
	// Nothing above fmax.
	for _, weights := range filters {
		assert.Zero(t, weights[512])
	}
}

func TestMelExtractor(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	mel := NewMelExtractor(MelConfig{
		FFTSize: 256, NumMels: 20, SampleRate: 8000, HopSize: 64, WinSize: 256, FMin: 0,
	})
	assert.Equal(t, 4000.0, mel.Config().FMax)
	const numSamples = 64 * 12
	assert.Equal(t, 12, mel.NumFrames(numSamples))
	got, dims := execOnce(t, mel.Extract, tensors.FromFlatDataAndDimensions(randomSignal(rng, 2*numSamples), 2, numSamples))
	assert.Equal(t, []int{2, 12, 20}, dims)
	for _, v := range got {
		require.GreaterOrEqual(t, float64(v), math.Log(MelLogFloor)-1e-4)
		require.False(t, math.IsNaN(float64(v)))
	}

	// Silence is clamped to the floor.
	got, _ = execOnce(t, mel.Extract, tensors.FromFlatDataAndDimensions(make([]float32, numSamples), 1, numSamples))
	for _, v := range got {
		assert.InDelta(t, math.Log(MelLogFloor), float64(v), 1e-3)
	}
}

// reconstructionError returns the relative RMS error of synthesis(analysis(x)) on the interior of the
// signal (excluding the edges affected by the filters' zero padding).
func reconstructionError(t *testing.T, fb FilterBank, signal []float32, margin int) float64 {
	numSamples := len(signal)
	got, dims := execOnce(t, func(x *Node) *Node {
		subBands := fb.Analysis(x)
		assert.Equal(t, []int{1, numSamples / fb.Bands(), fb.Bands()}, subBands.Shape().Dimensions)
		return fb.Synthesis(subBands)
	}, tensors.FromFlatDataAndDimensions(signal, 1, numSamples))
	require.Equal(t, []int{1, numSamples}, dims)
	var errSum, refSum float64
	for i := margin; i < numSamples-margin; i++ {
		diff := float64(got[i] - signal[i])
		errSum += diff * diff
		refSum += float64(signal[i]) * float64(signal[i])
	}
	return math.Sqrt(errSum / refSum)
}

func TestPQMF(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	signal := randomSignal(rng, 512)

	// With the cutoff optimized for 4 bands and 62 taps, reconstruction is near-perfect.
	optimized := DefaultPQMFConfig()
	optimized.Cutoff = 0.142
	assert.Less(t, reconstructionError(t, NewPQMF(optimized), signal, 62), 0.01)

	// The default configuration is within its (looser) design tolerance.
	pqmf := NewPQMF(DefaultPQMFConfig())
	assert.Equal(t, 4, pqmf.Bands())
	assert.Less(t, reconstructionError(t, pqmf, signal, 62), 0.2)

	prototype := PrototypeFilter(62, 0.15, 9)
	require.Len(t, prototype, 63)
	assert.InDelta(t, 0.15, prototype[31], 1e-12)
	assert.InDelta(t, prototype[0], prototype[62], 1e-12)
}

func TestPolyphase(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	signal := randomSignal(rng, 64)
	assert.InDelta(t, 0.0, reconstructionError(t, Polyphase{NumBands: 4}, signal, 0), 1e-7)

	// Band k holds samples k, k+4, ...
	got, dims := execOnce(t, func(x *Node) *Node {
		return FlattenBands(Polyphase{NumBands: 2}.Analysis(x))
	}, tensors.FromValue([][]float32{{0, 1, 2, 3, 4, 5}}))
	assert.Equal(t, []int{2, 3}, dims)
	assert.Equal(t, []float32{0, 2, 4, 1, 3, 5}, got)
}
