// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/roman-mg/multiband-hifigan/pkg/dsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func smallGeneratorConfig(bands int) GeneratorConfig {
	return GeneratorConfig{
		UpsampleRates:          []int{4, 2},
		UpsampleKernelSizes:    []int{8, 4},
		UpsampleInitialChannel: 16,
		ResblockKernelSizes:    []int{3, 5},
		ResblockDilationSizes:  [][]int{{1, 3}, {1, 3}},
		OutputChannels:         bands,
	}
}

func TestGenerator(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize, numFrames, numMels = 2, 5, 8
	mel := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, numFrames, numMels))

	for _, bands := range []int{1, 4} {
		gen := NewGenerator(smallGeneratorConfig(bands))
		assert.Equal(t, 8, gen.UpsampleFactor())
		assert.Equal(t, 8*bands, gen.HopSize())
		ctx := context.New()
		output, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, mel *Node) *Node {
			return gen.Forward(ctx, mel)
		}, mel)
		require.NoError(t, err)
		if bands == 1 {
			assert.Equal(t, []int{batchSize, numFrames * 8}, output.Shape().Dimensions)
		} else {
			assert.Equal(t, []int{batchSize, numFrames * 8, bands}, output.Shape().Dimensions)
		}
		require.NoError(t, tensors.ConstFlatData(output, func(flat []float32) {
			for _, v := range flat {
				require.True(t, v >= -1 && v <= 1, "generator output %g out of tanh range", v)
			}
		}))
		for v := range ctx.IterVariables() {
			assert.True(t, strings.HasPrefix(v.Scope(), GeneratorScope+"/"), "variable %s outside %s", v.ScopeAndName(), GeneratorScope)
		}
	}

	require.Panics(t, func() {
		cfg := smallGeneratorConfig(4)
		cfg.UpsampleKernelSizes = cfg.UpsampleKernelSizes[:1]
		NewGenerator(cfg)
	})
}

func TestDiscriminators(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize, numSamples = 2, 512
	real := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, numSamples))
	fake := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, numSamples))
	discriminators := AllDiscriminators(dsp.NewPQMF(dsp.DefaultPQMFConfig()))
	wantSubs := map[string]int{"period": 5, "scale": 3, "band": 1}

	ctx := context.New()
	for _, disc := range discriminators {
		var numSubs int
		var mapsMatch bool
		outputs, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, real, fake *Node) []*Node {
			realScores, fakeScores, realMaps, fakeMaps := disc.Forward(ctx, real, fake)
			numSubs = len(realScores)
			mapsMatch = len(realMaps) == numSubs && len(fakeMaps) == numSubs && len(fakeScores) == numSubs
			for ii := range realMaps {
				mapsMatch = mapsMatch && len(realMaps[ii]) == len(fakeMaps[ii]) && len(realMaps[ii]) > 1
			}
			return append(realScores, fakeScores...)
		}, real, fake)
		require.NoError(t, err, "discriminator %s", disc.Name())
		assert.Equal(t, wantSubs[disc.Name()], numSubs, "discriminator %s", disc.Name())
		assert.True(t, mapsMatch, "discriminator %s feature maps", disc.Name())
		for ii, score := range outputs {
			assert.Equal(t, batchSize, score.Shape().Dimensions[0], "discriminator %s score #%d", disc.Name(), ii)
			assert.Equal(t, 2, score.Rank())
		}
	}

	// Each family keeps its variables in its own scope.
	counts := make(map[string]int)
	for v := range ctx.IterVariables() {
		found := false
		for _, disc := range discriminators {
			if strings.HasPrefix(v.Scope(), disc.Scope()+"/") {
				counts[disc.Component()]++
				found = true
			}
		}
		assert.True(t, found, "variable %s outside the discriminator scopes", v.ScopeAndName())
	}
	for _, component := range []string{"mpd", "msd", "mbd"} {
		assert.Positive(t, counts[component], "no variables for %s", component)
	}
}
