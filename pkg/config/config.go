// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the run configuration of the vocoder training: the JSON file with the
// audio, model and optimizer hyperparameters, and its mapping to context parameters, so it
// can be overridden from the command line with "-set".
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/pkg/adversarial"
	"github.com/roman-mg/multiband-hifigan/pkg/distributed"
	"github.com/roman-mg/multiband-hifigan/pkg/dsp"
	"github.com/roman-mg/multiband-hifigan/pkg/losses"
	"github.com/roman-mg/multiband-hifigan/pkg/models"
	"github.com/roman-mg/multiband-hifigan/pkg/optim"
)

// FileName of the copy of the run configuration kept in the checkpoint directory.
const FileName = "config.json"

// STFTLossParams are the resolutions of a multi-resolution STFT loss.
type STFTLossParams struct {
	FFTSizes   []int `json:"fft_sizes"`
	HopSizes   []int `json:"hop_sizes"`
	WinLengths []int `json:"win_lengths"`
}

// Loss returns the multi-resolution STFT loss for these resolutions.
func (p STFTLossParams) Loss() *losses.MultiResolutionSTFT {
	return losses.NewMultiResolutionSTFT(p.FFTSizes, p.HopSizes, p.WinLengths)
}

func (p STFTLossParams) validate(name string) error {
	if len(p.FFTSizes) == 0 || len(p.FFTSizes) != len(p.HopSizes) || len(p.FFTSizes) != len(p.WinLengths) {
		return errors.Errorf("%s: got %d fft sizes, %d hop sizes and %d window lengths",
			name, len(p.FFTSizes), len(p.HopSizes), len(p.WinLengths))
	}
	for ii, fftSize := range p.FFTSizes {
		if p.HopSizes[ii] <= 0 || p.WinLengths[ii] <= 0 || p.WinLengths[ii] > fftSize {
			return errors.Errorf("%s: invalid resolution #%d (fft=%d, hop=%d, win=%d)",
				name, ii, fftSize, p.HopSizes[ii], p.WinLengths[ii])
		}
	}
	return nil
}

// DistConfig configures the process group.
type DistConfig struct {
	// URL of the rendezvous, where the authority (rank 0) listens.
	URL string `json:"dist_url"`
}

// RunConfig holds the hyperparameters of a training run. The JSON field names follow the
// usual HiFi-GAN configuration files, and unknown fields are ignored.
type RunConfig struct {
	BatchSize       int     `json:"batch_size"`
	LearningRate    float64 `json:"learning_rate"`
	AdamB1          float64 `json:"adam_b1"`
	AdamB2          float64 `json:"adam_b2"`
	AdamWeightDecay float64 `json:"adam_weight_decay"`
	LRDecay         float64 `json:"lr_decay"`
	Seed            int     `json:"seed"`

	UpsampleRates          []int   `json:"upsample_rates"`
	UpsampleKernelSizes    []int   `json:"upsample_kernel_sizes"`
	UpsampleInitialChannel int     `json:"upsample_initial_channel"`
	ResblockKernelSizes    []int   `json:"resblock_kernel_sizes"`
	ResblockDilationSizes  [][]int `json:"resblock_dilation_sizes"`
	OutputChannel          int     `json:"output_channel"`

	SegmentSize  int     `json:"segment_size"`
	NumMels      int     `json:"num_mels"`
	NFFT         int     `json:"n_fft"`
	HopSize      int     `json:"hop_size"`
	WinSize      int     `json:"win_size"`
	SamplingRate int     `json:"sampling_rate"`
	FMin         float64 `json:"fmin"`
	FMax         float64 `json:"fmax"`

	// FMaxForLoss is the upper frequency of the mel-spectrograms compared by the losses. 0 (or null)
	// means half the sampling rate.
	FMaxForLoss float64 `json:"fmax_for_loss"`

	// NumWorkers loading audio. 0 means the number of physical cores.
	NumWorkers int `json:"num_workers"`

	UseSTFT               bool           `json:"use_stft"`
	UseSubbandSTFTLoss    bool           `json:"use_subband_stft_loss"`
	MelLoss               bool           `json:"mel_loss"`
	STFTLossParams        STFTLossParams `json:"stft_loss_params"`
	SubbandSTFTLossParams STFTLossParams `json:"subband_stft_loss_params"`

	DistConfig DistConfig `json:"dist_config"`
}

// Default returns the configuration of the 4 band vocoder for 22.05kHz audio.
func Default() *RunConfig {
	return &RunConfig{
		BatchSize:       16,
		LearningRate:    0.0002,
		AdamB1:          0.8,
		AdamB2:          0.99,
		AdamWeightDecay: optim.DefaultWeightDecay,
		LRDecay:         0.999,
		Seed:            1234,

		UpsampleRates:          []int{8, 4, 2},
		UpsampleKernelSizes:    []int{16, 8, 4},
		UpsampleInitialChannel: 256,
		ResblockKernelSizes:    []int{3, 7, 11},
		ResblockDilationSizes:  [][]int{{1, 3, 5}, {1, 3, 5}, {1, 3, 5}},
		OutputChannel:          4,

		SegmentSize:  8192,
		NumMels:      80,
		NFFT:         1024,
		HopSize:      256,
		WinSize:      1024,
		SamplingRate: 22050,
		FMin:         0,
		FMax:         8000,
		NumWorkers:   4,

		UseSTFT:            true,
		UseSubbandSTFTLoss: true,
		MelLoss:            true,
		STFTLossParams: STFTLossParams{
			FFTSizes:   []int{1024, 2048, 512},
			HopSizes:   []int{120, 240, 50},
			WinLengths: []int{600, 1200, 240},
		},
		SubbandSTFTLossParams: STFTLossParams{
			FFTSizes:   []int{384, 683, 171},
			HopSizes:   []int{30, 60, 10},
			WinLengths: []int{150, 300, 60},
		},
		DistConfig: DistConfig{URL: distributed.DefaultEndpoint},
	}
}

// Load reads the configuration from a JSON file. Fields missing from the file keep their
// Default values.
func Load(path string) (*RunConfig, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration %q", path)
	}
	c := Default()
	if err = json.Unmarshal(contents, c); err != nil {
		return nil, errors.Wrapf(err, "parsing configuration %q", path)
	}
	return c, nil
}

// Validate checks the consistency of the hyperparameters.
func (c *RunConfig) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return errors.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	case c.LRDecay <= 0 || c.LRDecay > 1:
		return errors.Errorf("lr_decay must be in (0, 1], got %g", c.LRDecay)
	case c.AdamB1 < 0 || c.AdamB1 >= 1 || c.AdamB2 < 0 || c.AdamB2 >= 1:
		return errors.Errorf("adam_b1 and adam_b2 must be in [0, 1), got %g and %g", c.AdamB1, c.AdamB2)
	case c.SamplingRate <= 0 || c.NumMels <= 0 || c.NFFT <= 0 || c.HopSize <= 0 || c.WinSize <= 0:
		return errors.Errorf("sampling_rate, num_mels, n_fft, hop_size and win_size must be positive")
	case c.WinSize > c.NFFT:
		return errors.Errorf("win_size (%d) larger than n_fft (%d)", c.WinSize, c.NFFT)
	case c.FMin < 0 || (c.FMax > 0 && c.FMin >= c.FMax):
		return errors.Errorf("invalid mel frequency range [%g, %g]", c.FMin, c.FMax)
	case c.FMaxForLoss > 0 && c.FMin >= c.FMaxForLoss:
		return errors.Errorf("invalid loss mel frequency range [%g, %g]", c.FMin, c.FMaxForLoss)
	case c.SegmentSize <= 0 || c.SegmentSize%c.HopSize != 0:
		return errors.Errorf("segment_size (%d) must be a positive multiple of hop_size (%d)", c.SegmentSize, c.HopSize)
	case c.OutputChannel <= 0:
		return errors.Errorf("output_channel must be positive, got %d", c.OutputChannel)
	case c.SegmentSize%c.OutputChannel != 0:
		return errors.Errorf("segment_size (%d) must be a multiple of output_channel (%d)", c.SegmentSize, c.OutputChannel)
	case c.UseSubbandSTFTLoss && c.OutputChannel == 1:
		return errors.New("use_subband_stft_loss requires a multi-band generator (output_channel > 1)")
	case c.NumWorkers < 0:
		return errors.Errorf("num_workers must be non-negative, got %d", c.NumWorkers)
	case len(c.UpsampleRates) == 0 || len(c.UpsampleRates) != len(c.UpsampleKernelSizes):
		return errors.Errorf("got %d upsample_rates and %d upsample_kernel_sizes",
			len(c.UpsampleRates), len(c.UpsampleKernelSizes))
	case len(c.ResblockKernelSizes) == 0 || len(c.ResblockKernelSizes) != len(c.ResblockDilationSizes):
		return errors.Errorf("got %d resblock_kernel_sizes and %d resblock_dilation_sizes",
			len(c.ResblockKernelSizes), len(c.ResblockDilationSizes))
	case c.UpsampleInitialChannel>>len(c.UpsampleRates) <= 0:
		return errors.Errorf("upsample_initial_channel %d is too small for %d upsampling stages",
			c.UpsampleInitialChannel, len(c.UpsampleRates))
	}
	upsample := c.OutputChannel
	for _, rate := range c.UpsampleRates {
		upsample *= rate
	}
	if upsample != c.HopSize {
		return errors.Errorf("upsample_rates %v times output_channel %d is %d, it must match hop_size %d",
			c.UpsampleRates, c.OutputChannel, upsample, c.HopSize)
	}
	if c.UseSTFT {
		if err := c.STFTLossParams.validate("stft_loss_params"); err != nil {
			return err
		}
	}
	if c.UseSubbandSTFTLoss {
		if err := c.SubbandSTFTLossParams.validate("subband_stft_loss_params"); err != nil {
			return err
		}
	}
	return nil
}

// PerProcessBatch divides the batch size among the processes of the group.
func (c *RunConfig) PerProcessBatch(worldSize int) (int, error) {
	batch := c.BatchSize / max(1, worldSize)
	if batch < 1 {
		return 0, errors.Errorf("batch_size %d is smaller than the world size %d", c.BatchSize, worldSize)
	}
	return batch, nil
}

// Workers returns NumWorkers, resolving 0 to the number of physical cores.
func (c *RunConfig) Workers() int {
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return max(1, cpuid.CPU.PhysicalCores)
}

// FeatureMel configures the extraction of the mel-spectrograms conditioning the generator.
func (c *RunConfig) FeatureMel() dsp.MelConfig {
	return dsp.MelConfig{
		FFTSize: c.NFFT, NumMels: c.NumMels, SampleRate: c.SamplingRate, HopSize: c.HopSize, WinSize: c.WinSize,
		FMin: c.FMin, FMax: c.FMax,
	}
}

// LossMel configures the mel-spectrograms compared by the losses, up to FMaxForLoss.
func (c *RunConfig) LossMel() dsp.MelConfig {
	mel := c.FeatureMel()
	mel.FMax = c.FMaxForLoss
	return mel
}

// Generator returns the generator hyperparameters.
func (c *RunConfig) Generator() models.GeneratorConfig {
	dilations := make([][]int, len(c.ResblockDilationSizes))
	for ii, d := range c.ResblockDilationSizes {
		dilations[ii] = slices.Clone(d)
	}
	return models.GeneratorConfig{
		UpsampleRates:          slices.Clone(c.UpsampleRates),
		UpsampleKernelSizes:    slices.Clone(c.UpsampleKernelSizes),
		UpsampleInitialChannel: c.UpsampleInitialChannel,
		ResblockKernelSizes:    slices.Clone(c.ResblockKernelSizes),
		ResblockDilationSizes:  dilations,
		OutputChannels:         c.OutputChannel,
	}
}

// Losses returns the loss configuration of the adversarial step.
func (c *RunConfig) Losses() adversarial.Config {
	config := adversarial.Config{
		SegmentSize:    c.SegmentSize,
		UseSTFT:        c.UseSTFT,
		UseSubbandSTFT: c.UseSubbandSTFTLoss,
		UseMelLoss:     c.MelLoss,
	}
	if c.UseSTFT {
		config.FullBandSTFT = c.STFTLossParams.Loss()
	}
	if c.UseSubbandSTFTLoss {
		config.SubBandSTFT = c.SubbandSTFTLossParams.Loss()
	}
	return config
}

// CopyToDir writes the configuration as FileName into dir, creating it if needed.
func (c *RunConfig) CopyToDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating directory %q", dir)
	}
	contents, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding configuration")
	}
	path := filepath.Join(dir, FileName)
	return errors.Wrapf(os.WriteFile(path, contents, 0o644), "writing configuration %q", path)
}

// String implements fmt.Stringer.
func (c *RunConfig) String() string {
	return fmt.Sprintf("RunConfig(sr=%d, segment=%d, hop=%d, mels=%d, bands=%d, batch=%d, lr=%g)",
		c.SamplingRate, c.SegmentSize, c.HopSize, c.NumMels, c.OutputChannel, c.BatchSize, c.LearningRate)
}
