// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package models holds the reference networks of the vocoder: the multi-band generator, mapping
// mel-spectrograms to waveforms (or sub-bands of it), and the three discriminator heads that judge
// the generated audio against the real one.
//
// All models are channels-last: a waveform with C channels is shaped [batchSize, numSamples, C],
// and mel-spectrograms are shaped [batchSize, numFrames, numMels].
package models

import (
	"fmt"
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

const (
	// GeneratorScope is the absolute scope of the generator variables.
	GeneratorScope = "/generator"

	// DiscriminatorsScope is the absolute scope under which each discriminator head keeps its variables.
	DiscriminatorsScope = "/discriminators"

	// LeakySlope is the negative slope of the leaky ReLUs of the generator blocks and discriminators.
	LeakySlope = 0.1

	// postLeakySlope is the (default torch) slope used before the generator output convolution.
	postLeakySlope = 0.01
)

// GeneratorConfig holds the hyperparameters of the generator.
type GeneratorConfig struct {
	// UpsampleRates is the upsampling factor of each stage. Their product times OutputChannels
	// must match the hop size of the mel-spectrogram.
	UpsampleRates []int

	// UpsampleKernelSizes is the kernel size of the convolution of each upsampling stage.
	UpsampleKernelSizes []int

	// UpsampleInitialChannel is the number of channels after the input convolution. It is halved
	// at every upsampling stage.
	UpsampleInitialChannel int

	// ResblockKernelSizes and ResblockDilationSizes configure the residual blocks following each
	// upsampling: one block per kernel size, with the given dilations, whose outputs are averaged.
	ResblockKernelSizes   []int
	ResblockDilationSizes [][]int

	// OutputChannels is the number of sub-bands generated. With 1 the generator outputs the full band
	// waveform directly.
	OutputChannels int
}

// DefaultGeneratorConfig returns the configuration of the 4 band generator for a hop size of 256.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		UpsampleRates:          []int{8, 4, 2},
		UpsampleKernelSizes:    []int{16, 8, 4},
		UpsampleInitialChannel: 256,
		ResblockKernelSizes:    []int{3, 7, 11},
		ResblockDilationSizes:  [][]int{{1, 3, 5}, {1, 3, 5}, {1, 3, 5}},
		OutputChannels:         4,
	}
}

// Generator maps mel-spectrograms to waveforms.
type Generator struct {
	config GeneratorConfig
}

// NewGenerator validates the configuration and returns the generator. It panics on invalid configurations.
func NewGenerator(config GeneratorConfig) *Generator {
	if len(config.UpsampleRates) == 0 || len(config.UpsampleRates) != len(config.UpsampleKernelSizes) {
		Panicf("generator: %d upsample rates for %d kernel sizes", len(config.UpsampleRates), len(config.UpsampleKernelSizes))
	}
	if len(config.ResblockKernelSizes) == 0 || len(config.ResblockKernelSizes) != len(config.ResblockDilationSizes) {
		Panicf("generator: %d resblock kernel sizes for %d dilation lists",
			len(config.ResblockKernelSizes), len(config.ResblockDilationSizes))
	}
	if config.OutputChannels < 1 {
		Panicf("generator: invalid number of output channels %d", config.OutputChannels)
	}
	if config.UpsampleInitialChannel>>len(config.UpsampleRates) < 1 {
		Panicf("generator: %d initial channels can't be halved %d times",
			config.UpsampleInitialChannel, len(config.UpsampleRates))
	}
	return &Generator{config: config}
}

// Config returns a copy of the generator configuration.
func (gen *Generator) Config() GeneratorConfig {
	c := gen.config
	c.UpsampleRates = slices.Clone(c.UpsampleRates)
	c.UpsampleKernelSizes = slices.Clone(c.UpsampleKernelSizes)
	c.ResblockKernelSizes = slices.Clone(c.ResblockKernelSizes)
	c.ResblockDilationSizes = slices.Clone(c.ResblockDilationSizes)
	return c
}

// UpsampleFactor is the number of output samples (per band) generated for each mel frame.
func (gen *Generator) UpsampleFactor() int {
	factor := 1
	for _, rate := range gen.config.UpsampleRates {
		factor *= rate
	}
	return factor
}

// HopSize is the number of full band samples corresponding to one mel frame.
func (gen *Generator) HopSize() int {
	return gen.UpsampleFactor() * gen.config.OutputChannels
}

// String implements fmt.Stringer.
func (gen *Generator) String() string {
	c := gen.config
	return fmt.Sprintf("Generator(upsample=%v, kernels=%v, channels=%d, resblocks=%v/%v, bands=%d)",
		c.UpsampleRates, c.UpsampleKernelSizes, c.UpsampleInitialChannel,
		c.ResblockKernelSizes, c.ResblockDilationSizes, c.OutputChannels)
}

// Forward builds the generator graph for mel shaped [batchSize, numFrames, numMels].
//
// It returns the waveform shaped [batchSize, numFrames*UpsampleFactor()] if OutputChannels is 1,
// or the sub-bands shaped [batchSize, numFrames*UpsampleFactor(), OutputChannels] otherwise.
// Variables are created under GeneratorScope, regardless of the current scope of ctx.
func (gen *Generator) Forward(ctx *context.Context, mel *Node) *Node {
	if mel.Rank() != 3 {
		Panicf("generator: mel must be shaped [batchSize, numFrames, numMels], got %s", mel.Shape())
	}
	ctx = ctx.InAbsPath(GeneratorScope)
	c := gen.config
	channels := c.UpsampleInitialChannel
	x := layers.Convolution(ctx.In("conv_pre"), mel).CurrentScope().
		Filters(channels).KernelSize(7).PadSame().Done()

	numKernels := float64(len(c.ResblockKernelSizes))
	for stage, rate := range c.UpsampleRates {
		x = activations.LeakyReluWithAlpha(x, LeakySlope)
		channels /= 2
		x = subPixelUpsample(ctx.In(fmt.Sprintf("upsample_%d", stage)), x, channels, rate, c.UpsampleKernelSizes[stage])

		var sum *Node
		for blockIdx, kernelSize := range c.ResblockKernelSizes {
			blockCtx := ctx.In(fmt.Sprintf("resblock_%d_%d", stage, blockIdx))
			out := residualBlock(blockCtx, x, kernelSize, c.ResblockDilationSizes[blockIdx])
			if sum == nil {
				sum = out
			} else {
				sum = Add(sum, out)
			}
		}
		x = MulScalar(sum, 1.0/numKernels)
	}

	x = activations.LeakyReluWithAlpha(x, postLeakySlope)
	x = layers.Convolution(ctx.In("conv_post"), x).CurrentScope().
		Filters(c.OutputChannels).KernelSize(7).PadSame().Done()
	x = Tanh(x)
	if c.OutputChannels == 1 {
		x = Reshape(x, x.Shape().Dimensions[:2]...)
	}
	return x
}

// subPixelUpsample increases the temporal resolution of x ([batchSize, length, inChannels]) by rate,
// returning [batchSize, length*rate, channels].
//
// A convolution generates rate*channels features per step, which are then interleaved in time.
func subPixelUpsample(ctx *context.Context, x *Node, channels, rate, kernelSize int) *Node {
	batchSize, length := x.Shape().Dimensions[0], x.Shape().Dimensions[1]
	kernelSize = max(1, kernelSize/rate)
	if kernelSize%2 == 0 {
		kernelSize++
	}
	x = layers.Convolution(ctx, x).CurrentScope().
		Filters(channels * rate).KernelSize(kernelSize).PadSame().Done()
	return Reshape(x, batchSize, length*rate, channels)
}

// residualBlock applies, for each dilation, a dilated and an undilated convolution with a
// residual connection.
func residualBlock(ctx *context.Context, x *Node, kernelSize int, dilations []int) *Node {
	channels := x.Shape().Dimensions[2]
	for ii, dilation := range dilations {
		residual := activations.LeakyReluWithAlpha(x, LeakySlope)
		residual = layers.Convolution(ctx.In(fmt.Sprintf("conv1_%d", ii)), residual).CurrentScope().
			Filters(channels).KernelSize(kernelSize).Dilations(dilation).PadSame().Done()
		residual = activations.LeakyReluWithAlpha(residual, LeakySlope)
		residual = layers.Convolution(ctx.In(fmt.Sprintf("conv2_%d", ii)), residual).CurrentScope().
			Filters(channels).KernelSize(kernelSize).PadSame().Done()
		x = Add(x, residual)
	}
	return x
}
