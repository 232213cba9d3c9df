// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/roman-mg/multiband-hifigan/pkg/dsp"
)

// Discriminator is one family of discriminators. It judges real and generated waveforms, both
// shaped [batchSize, numSamples].
//
// Forward returns, for each sub-discriminator of the family, the scores of the real and generated
// inputs (shaped [batchSize, numScores]) and their intermediate feature maps, used for the
// feature matching loss.
type Discriminator interface {
	// Name of the family, used to label its losses.
	Name() string

	// Component is the name of the checkpoint component holding the family's variables.
	Component() string

	// Scope is the absolute scope of the family's variables.
	Scope() string

	Forward(ctx *context.Context, real, fake *Node) (realScores, fakeScores []*Node, realMaps, fakeMaps [][]*Node)
}

// subDiscriminator builds the graph of a single sub-discriminator over x, returning the score
// and the feature maps.
type subDiscriminator func(ctx *context.Context, x *Node) (score *Node, maps []*Node)

// forwardPair runs each sub-discriminator once over the real and fake inputs concatenated in
// the batch axis, and splits the results back.
func forwardPair(ctx *context.Context, subs []subDiscriminator, real, fake *Node) (
	realScores, fakeScores []*Node, realMaps, fakeMaps [][]*Node) {
	if !real.Shape().Equal(fake.Shape()) {
		Panicf("discriminator inputs must have the same shape: real %s, fake %s", real.Shape(), fake.Shape())
	}
	if real.Rank() != 2 {
		Panicf("discriminator inputs must be shaped [batchSize, numSamples], got %s", real.Shape())
	}
	batchSize := real.Shape().Dimensions[0]
	both := Concatenate([]*Node{real, fake}, 0)
	splitBatch := func(x *Node) (*Node, *Node) {
		return SliceAxis(x, 0, AxisRange(0, batchSize)), SliceAxis(x, 0, AxisRange(batchSize))
	}
	for _, sub := range subs {
		score, maps := sub(ctx, both)
		r, f := splitBatch(score)
		realScores = append(realScores, r)
		fakeScores = append(fakeScores, f)
		rMaps := make([]*Node, len(maps))
		fMaps := make([]*Node, len(maps))
		for ii, m := range maps {
			rMaps[ii], fMaps[ii] = splitBatch(m)
		}
		realMaps = append(realMaps, rMaps)
		fakeMaps = append(fakeMaps, fMaps)
	}
	return
}

// flattenScore reshapes the output of the last convolution to [batchSize, numScores].
func flattenScore(x *Node) *Node {
	return Reshape(x, x.Shape().Dimensions[0], -1)
}

// convStack is a stack of 1D convolutions (channels-last), each followed by a leaky ReLU, and a
// final single channel convolution producing the scores.
type convStack struct {
	filters, kernels, strides []int
	postKernel                int
}

func (s convStack) apply(ctx *context.Context, x *Node) (score *Node, maps []*Node) {
	for ii, filters := range s.filters {
		x = layers.Convolution(ctx.In(fmt.Sprintf("conv_%d", ii)), x).CurrentScope().
			Filters(filters).KernelSize(s.kernels[ii]).Strides(s.strides[ii]).PadSame().Done()
		x = activations.LeakyReluWithAlpha(x, LeakySlope)
		maps = append(maps, x)
	}
	x = layers.Convolution(ctx.In("conv_post"), x).CurrentScope().
		Filters(1).KernelSize(s.postKernel).PadSame().Done()
	maps = append(maps, x)
	return flattenScore(x), maps
}

// PeriodHead is the multi-period discriminator: for each period p the waveform is folded into
// a 2D grid [numSamples/p, p] and judged by 2D convolutions that only mix samples p apart.
type PeriodHead struct {
	Periods []int
	Filters []int
}

// NewPeriodHead returns the multi-period discriminator with periods 2, 3, 5, 7 and 11.
func NewPeriodHead() *PeriodHead {
	return &PeriodHead{
		Periods: []int{2, 3, 5, 7, 11},
		Filters: []int{32, 64, 128, 256},
	}
}

// Name implements Discriminator.
func (h *PeriodHead) Name() string { return "period" }

// Component implements Discriminator.
func (h *PeriodHead) Component() string { return "mpd" }

// Scope implements Discriminator.
func (h *PeriodHead) Scope() string { return DiscriminatorsScope + context.ScopeSeparator + h.Name() }

// Forward implements Discriminator.
func (h *PeriodHead) Forward(ctx *context.Context, real, fake *Node) (realScores, fakeScores []*Node, realMaps, fakeMaps [][]*Node) {
	ctx = ctx.InAbsPath(h.Scope())
	subs := make([]subDiscriminator, len(h.Periods))
	for ii, period := range h.Periods {
		subs[ii] = func(ctx *context.Context, x *Node) (*Node, []*Node) {
			return h.forwardPeriod(ctx.In(fmt.Sprintf("p_%d", period)), x, period)
		}
	}
	return forwardPair(ctx, subs, real, fake)
}

func (h *PeriodHead) forwardPeriod(ctx *context.Context, x *Node, period int) (score *Node, maps []*Node) {
	batchSize, numSamples := x.Shape().Dimensions[0], x.Shape().Dimensions[1]
	if rem := numSamples % period; rem != 0 {
		padding := period - rem
		if padding >= numSamples {
			Panicf("period discriminator: %d samples too short for period %d", numSamples, period)
		}
		x = dsp.ReflectPad(x, 0, padding)
		numSamples += padding
	}
	x = Reshape(x, batchSize, numSamples/period, period, 1)
	channels := append(slices.Clone(h.Filters), h.Filters[len(h.Filters)-1])
	for ii, filters := range channels {
		stride := 3
		if ii == len(channels)-1 {
			stride = 1
		}
		x = layers.Convolution(ctx.In(fmt.Sprintf("conv_%d", ii)), x).CurrentScope().
			Filters(filters).KernelSizePerAxis(5, 1).StridePerAxis(stride, 1).PadSame().Done()
		x = activations.LeakyReluWithAlpha(x, LeakySlope)
		maps = append(maps, x)
	}
	x = layers.Convolution(ctx.In("conv_post"), x).CurrentScope().
		Filters(1).KernelSizePerAxis(3, 1).PadSame().Done()
	maps = append(maps, x)
	return flattenScore(x), maps
}

// ScaleHead is the multi-scale discriminator: the same architecture applied to the waveform and
// to successively average-pooled (downsampled by 2) versions of it.
type ScaleHead struct {
	NumScales int
	stack     convStack
}

// NewScaleHead returns the multi-scale discriminator over 3 scales.
func NewScaleHead() *ScaleHead {
	return &ScaleHead{
		NumScales: 3,
		stack: convStack{
			filters:    []int{16, 32, 64, 128, 128},
			kernels:    []int{15, 21, 21, 21, 5},
			strides:    []int{1, 4, 4, 4, 1},
			postKernel: 3,
		},
	}
}

// Name implements Discriminator.
func (h *ScaleHead) Name() string { return "scale" }

// Component implements Discriminator.
func (h *ScaleHead) Component() string { return "msd" }

// Scope implements Discriminator.
func (h *ScaleHead) Scope() string { return DiscriminatorsScope + context.ScopeSeparator + h.Name() }

// Forward implements Discriminator.
func (h *ScaleHead) Forward(ctx *context.Context, real, fake *Node) (realScores, fakeScores []*Node, realMaps, fakeMaps [][]*Node) {
	ctx = ctx.InAbsPath(h.Scope())
	subs := make([]subDiscriminator, h.NumScales)
	for scale := range h.NumScales {
		subs[scale] = func(ctx *context.Context, x *Node) (*Node, []*Node) {
			x = ExpandAxes(x, -1)
			for range scale {
				x = MeanPool(x).Window(4).Strides(2).ChannelsAxis(images.ChannelsLast).
					PaddingPerDim([][2]int{{2, 2}}).Done()
			}
			return h.stack.apply(ctx.In(fmt.Sprintf("s_%d", scale)), x)
		}
	}
	return forwardPair(ctx, subs, real, fake)
}

// BandHead is the multi-band discriminator: the waveform is split into frequency sub-bands by a
// filter bank, and the sub-bands (as channels) are judged together.
type BandHead struct {
	FilterBank dsp.FilterBank
	stack      convStack
}

// NewBandHead returns the multi-band discriminator over the sub-bands of filterBank.
func NewBandHead(filterBank dsp.FilterBank) *BandHead {
	if filterBank == nil {
		Panicf("band discriminator requires a filter bank")
	}
	return &BandHead{
		FilterBank: filterBank,
		stack: convStack{
			filters:    []int{32, 64, 128, 128},
			kernels:    []int{7, 11, 11, 5},
			strides:    []int{1, 2, 2, 1},
			postKernel: 3,
		},
	}
}

// Name implements Discriminator.
func (h *BandHead) Name() string { return "band" }

// Component implements Discriminator.
func (h *BandHead) Component() string { return "mbd" }

// Scope implements Discriminator.
func (h *BandHead) Scope() string { return DiscriminatorsScope + context.ScopeSeparator + h.Name() }

// Forward implements Discriminator.
func (h *BandHead) Forward(ctx *context.Context, real, fake *Node) (realScores, fakeScores []*Node, realMaps, fakeMaps [][]*Node) {
	ctx = ctx.InAbsPath(h.Scope())
	sub := func(ctx *context.Context, x *Node) (*Node, []*Node) {
		return h.stack.apply(ctx, h.FilterBank.Analysis(x))
	}
	return forwardPair(ctx, []subDiscriminator{sub}, real, fake)
}

// AllDiscriminators returns the three discriminator families, in the order their losses are summed.
func AllDiscriminators(filterBank dsp.FilterBank) []Discriminator {
	return []Discriminator{NewPeriodHead(), NewScaleHead(), NewBandHead(filterBank)}
}
