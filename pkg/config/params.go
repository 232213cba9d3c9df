// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/roman-mg/multiband-hifigan/pkg/optim"
)

// param maps a context parameter to a RunConfig field. Nested fields (dilations, STFT loss
// resolutions and the process group) are not exposed as parameters.
type param struct {
	key string
	ptr any
}

func (c *RunConfig) params() []param {
	return []param{
		{"batch_size", &c.BatchSize},
		{optim.ParamLearningRate, &c.LearningRate},
		{optim.ParamBeta1, &c.AdamB1},
		{optim.ParamBeta2, &c.AdamB2},
		{optim.ParamWeightDecay, &c.AdamWeightDecay},
		{optim.ParamLearningRateDecay, &c.LRDecay},
		{"seed", &c.Seed},
		{"upsample_rates", &c.UpsampleRates},
		{"upsample_kernel_sizes", &c.UpsampleKernelSizes},
		{"upsample_initial_channel", &c.UpsampleInitialChannel},
		{"resblock_kernel_sizes", &c.ResblockKernelSizes},
		{"output_channel", &c.OutputChannel},
		{"segment_size", &c.SegmentSize},
		{"num_mels", &c.NumMels},
		{"n_fft", &c.NFFT},
		{"hop_size", &c.HopSize},
		{"win_size", &c.WinSize},
		{"sampling_rate", &c.SamplingRate},
		{"fmin", &c.FMin},
		{"fmax", &c.FMax},
		{"fmax_for_loss", &c.FMaxForLoss},
		{"num_workers", &c.NumWorkers},
		{"use_stft", &c.UseSTFT},
		{"use_subband_stft_loss", &c.UseSubbandSTFTLoss},
		{"mel_loss", &c.MelLoss},
	}
}

// NewContext creates a context with the hyperparameters of c set as parameters in the root scope.
// The optimizers read their hyperparameters from it.
func NewContext(c *RunConfig) *context.Context {
	ctx := context.New()
	for _, p := range c.params() {
		switch ptr := p.ptr.(type) {
		case *int:
			ctx.SetParam(p.key, *ptr)
		case *float64:
			ctx.SetParam(p.key, *ptr)
		case *bool:
			ctx.SetParam(p.key, *ptr)
		case *[]int:
			ctx.SetParam(p.key, slices.Clone(*ptr))
		}
	}
	return ctx
}

// FromContext updates c with the hyperparameters set in ctx, typically after they were
// overridden from the command line.
func (c *RunConfig) FromContext(ctx *context.Context) {
	for _, p := range c.params() {
		switch ptr := p.ptr.(type) {
		case *int:
			*ptr = context.GetParamOr(ctx, p.key, *ptr)
		case *float64:
			*ptr = context.GetParamOr(ctx, p.key, *ptr)
		case *bool:
			*ptr = context.GetParamOr(ctx, p.key, *ptr)
		case *[]int:
			*ptr = slices.Clone(context.GetParamOr(ctx, p.key, *ptr))
		}
	}
}
