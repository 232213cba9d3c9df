// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func scalarOf(t *testing.T, fn func(g *Graph) *Node) float64 {
	backend := graphtest.BuildTestBackend()
	output, err := context.ExecOnce(backend, nil, func(_ *context.Context, g *Graph) *Node {
		return ConvertDType(fn(g), dtypes.Float64)
	})
	require.NoError(t, err)
	return tensors.ToScalar[float64](output)
}

func TestAdversarialLosses(t *testing.T) {
	ones := func(g *Graph) *Node { return Const(g, [][]float32{{1, 1, 1}, {1, 1, 1}}) }
	zeros := func(g *Graph) *Node { return Const(g, [][]float32{{0, 0, 0}, {0, 0, 0}}) }

	// Perfect discriminator.
	assert.InDelta(t, 0.0, scalarOf(t, func(g *Graph) *Node {
		return DiscriminatorLoss([]*Node{ones(g), ones(g)}, []*Node{zeros(g), zeros(g)})
	}), 1e-6)
	// Fully fooled discriminator: each sub-discriminator contributes 1 + 1.
	assert.InDelta(t, 4.0, scalarOf(t, func(g *Graph) *Node {
		return DiscriminatorLoss([]*Node{zeros(g), zeros(g)}, []*Node{ones(g), ones(g)})
	}), 1e-6)

	assert.InDelta(t, 0.0, scalarOf(t, func(g *Graph) *Node {
		return GeneratorLoss([]*Node{ones(g), ones(g), ones(g)})
	}), 1e-6)
	assert.InDelta(t, 0.25*3, scalarOf(t, func(g *Graph) *Node {
		half := Const(g, []float32{0.5, 0.5})
		return GeneratorLoss([]*Node{half, half, half})
	}), 1e-6)

	// Feature matching: 2 * sum over layers of mean |r - g|.
	assert.InDelta(t, 2*(1.0+0.5), scalarOf(t, func(g *Graph) *Node {
		realMaps := [][]*Node{{ones(g)}, {Const(g, []float32{1, 1})}}
		fakeMaps := [][]*Node{{zeros(g)}, {Const(g, []float32{0.5, 0.5})}}
		return FeatureLoss(realMaps, fakeMaps)
	}), 1e-6)

	assert.InDelta(t, 45.0*0.5, scalarOf(t, func(g *Graph) *Node {
		return MelLoss(Const(g, []float32{1, 2}), Const(g, []float32{1.5, 1.5}))
	}), 1e-5)

	g := NewGraph(graphtest.BuildTestBackend(), "mismatch")
	require.Panics(t, func() { DiscriminatorLoss([]*Node{ones(g)}, nil) })
}

func TestMultiResolutionSTFT(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	const numSamples = 2048
	target := make([]float32, numSamples)
	noisy := make([]float32, numSamples)
	for i := range target {
		target[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/22050))
		noisy[i] = target[i] + float32(0.1*rng.NormFloat64())
	}
	m := NewMultiResolutionSTFT([]int{256, 512, 128}, []int{32, 64, 16}, []int{128, 256, 64})
	assert.Contains(t, m.String(), "256/32/128")

	backend := graphtest.BuildTestBackend()
	lossesOf := func(predicted []float32) (sc, mag float64) {
		outputs, err := context.ExecOnceN(backend, nil, func(_ *context.Context, predicted, target *Node) []*Node {
			sc, mag := m.Loss(predicted, target)
			return []*Node{sc, mag}
		}, [][]float32{predicted}, [][]float32{target})
		require.NoError(t, err)
		return float64(tensors.ToScalar[float32](outputs[0])), float64(tensors.ToScalar[float32](outputs[1]))
	}
	sc, mag := lossesOf(target)
	assert.InDelta(t, 0.0, sc, 1e-6)
	assert.InDelta(t, 0.0, mag, 1e-6)
	sc, mag = lossesOf(noisy)
	assert.Greater(t, sc, 0.01)
	assert.Greater(t, mag, 0.01)

	require.Panics(t, func() { NewMultiResolutionSTFT([]int{256}, []int{32, 64}, []int{128}) })
}

func TestAccumulate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := func(stft, subband float32, enabled [3]bool) (total float64, names []string) {
		output, err := context.ExecOnce(backend, nil, func(_ *context.Context, g *Graph) *Node {
			terms := []Term{
				{Name: "stft", Enabled: enabled[0], Compute: func() *Node { return Scalar(g, dtypes.Float32, stft) }},
				{Name: "subband_stft", Enabled: enabled[1], Compute: func() *Node { return Scalar(g, dtypes.Float32, subband) },
					Combine: Balance},
				{Name: "mel", Enabled: enabled[2], Compute: func() *Node { return Scalar(g, dtypes.Float32, 1) }},
			}
			sum, values := Accumulate(g, dtypes.Float32, terms)
			names = names[:0]
			for _, v := range values {
				names = append(names, v.Name)
			}
			return sum
		})
		require.NoError(t, err)
		return float64(tensors.ToScalar[float32](output)), names
	}
	all := [3]bool{true, true, true}

	total, names := run(2, 4, all)
	assert.InDelta(t, 0.5*2+0.5*4+1, total, 1e-6)
	assert.Equal(t, []string{"stft", "subband_stft", "mel"}, names)

	// The sub-band term halves itself even without a preceding full band term.
	total, names = run(2, 4, [3]bool{false, true, true})
	assert.InDelta(t, 0.5*4+1, total, 1e-6)
	assert.Equal(t, []string{"subband_stft", "mel"}, names)

	// Disabling a term removes it from the breakdown.
	for i := range 3 {
		enabled := all
		enabled[i] = false
		_, names := run(2, 4, enabled)
		assert.Len(t, names, 2)
		assert.NotContains(t, names, []string{"stft", "subband_stft", "mel"}[i])
	}

	// The sub-band term also halves the full band one: with a sub-band value below the full band
	// value, disabling the sub-band term raises the total.
	total, _ = run(4, 2, all)
	assert.InDelta(t, 0.5*4+0.5*2+1, total, 1e-6)
	withoutSubband, _ := run(4, 2, [3]bool{true, false, true})
	assert.InDelta(t, 4+1, withoutSubband, 1e-6)
	assert.Greater(t, withoutSubband, total)

	total, names = run(2, 4, [3]bool{false, false, false})
	assert.Equal(t, 0.0, total)
	assert.Empty(t, names)
}
