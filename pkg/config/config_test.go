// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/roman-mg/multiband-hifigan/pkg/optim"
	"github.com/roman-mg/multiband-hifigan/ui/commandline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `{
  "resblock": "1",
  "num_gpus": 0,
  "batch_size": 8,
  "learning_rate": 0.0001,
  "upsample_rates": [8, 8],
  "upsample_kernel_sizes": [16, 16],
  "output_channel": 4,
  "fmax_for_loss": null,
  "use_subband_stft_loss": false,
  "dist_config": {"dist_backend": "nccl", "dist_url": "tcp://localhost:54000", "world_size": 1}
}`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config_v1.json")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))
	c := must.M1(Load(path))
	require.NoError(t, c.Validate())
	assert.Equal(t, 8, c.BatchSize)
	assert.Equal(t, 1e-4, c.LearningRate)
	assert.Equal(t, []int{8, 8}, c.UpsampleRates)
	assert.Equal(t, 0.0, c.FMaxForLoss)
	assert.False(t, c.UseSubbandSTFTLoss)
	assert.Equal(t, "tcp://localhost:54000", c.DistConfig.URL)
	// Missing fields keep the defaults.
	assert.Equal(t, 22050, c.SamplingRate)
	assert.Equal(t, 0.8, c.AdamB1)

	lossMel := c.LossMel()
	assert.Equal(t, 0.0, lossMel.FMax, "resolved to the Nyquist frequency by the extractor")
	assert.Equal(t, 8000.0, c.FeatureMel().FMax)
	losses := c.Losses()
	assert.NotNil(t, losses.FullBandSTFT)
	assert.Nil(t, losses.SubBandSTFT)

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
	for name, modify := range map[string]func(c *RunConfig){
		"hop mismatch":           func(c *RunConfig) { c.UpsampleRates = []int{8, 4, 4} },
		"segment not multiple":   func(c *RunConfig) { c.SegmentSize = 8000 },
		"kernels mismatch":       func(c *RunConfig) { c.UpsampleKernelSizes = []int{16} },
		"dilations mismatch":     func(c *RunConfig) { c.ResblockDilationSizes = c.ResblockDilationSizes[:1] },
		"subband with full band": func(c *RunConfig) { c.OutputChannel, c.UpsampleRates = 1, []int{8, 8, 4} },
		"bad stft params":        func(c *RunConfig) { c.STFTLossParams.HopSizes = []int{120} },
		"bad lr_decay":           func(c *RunConfig) { c.LRDecay = 1.5 },
		"bad fmax":               func(c *RunConfig) { c.FMin = 9000 },
		"no batch":               func(c *RunConfig) { c.BatchSize = 0 },
		"window larger than fft": func(c *RunConfig) { c.WinSize = 2048 },
	} {
		c := Default()
		modify(c)
		assert.Error(t, c.Validate(), name)
	}

	// Disabled STFT losses don't need their resolutions.
	c := Default()
	c.UseSTFT = false
	c.STFTLossParams = STFTLossParams{}
	assert.NoError(t, c.Validate())
}

func TestPerProcessBatch(t *testing.T) {
	c := Default()
	assert.Equal(t, 4, must.M1(c.PerProcessBatch(4)))
	assert.Equal(t, 16, must.M1(c.PerProcessBatch(1)))
	_, err := c.PerProcessBatch(32)
	require.Error(t, err)
	c.NumWorkers = 0
	assert.Positive(t, c.Workers())
}

func TestContextParams(t *testing.T) {
	c := Default()
	ctx := NewContext(c)
	assert.Equal(t, c.LearningRate, context.GetParamOr(ctx, optim.ParamLearningRate, 0.0))
	assert.Equal(t, c.LRDecay, context.GetParamOr(ctx, optim.ParamLearningRateDecay, 0.0))

	paramsSet, err := commandline.ParseContextSettings(ctx, "learning_rate=0.001;batch_size=32;use_stft=false;upsample_rates=8,8")
	require.NoError(t, err)
	assert.Len(t, paramsSet, 4)
	c.FromContext(ctx)
	assert.Equal(t, 0.001, c.LearningRate)
	assert.Equal(t, 32, c.BatchSize)
	assert.False(t, c.UseSTFT)
	assert.Equal(t, []int{8, 8}, c.UpsampleRates)
	assert.Equal(t, 8192, c.SegmentSize, "parameters not set are unchanged")

	// The optimizers read their hyperparameters from the context.
	opt := optim.NewAdamW("generator").FromContext(ctx).Done()
	assert.Equal(t, 0.001, opt.BaseLearningRate())
}

func TestCopyToDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cp_hifigan")
	c := Default()
	c.BatchSize = 2
	require.NoError(t, c.CopyToDir(dir))
	loaded := must.M1(Load(filepath.Join(dir, FileName)))
	assert.Equal(t, c, loaded)
}

func TestShippedConfig(t *testing.T) {
	c := must.M1(Load(filepath.Join("..", "..", "configs", "config_v1.json")))
	require.NoError(t, c.Validate())
	assert.Equal(t, Default(), c)
}
