// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset loads the audio corpus for training and validation.
//
// A training Dataset yields batches of random fixed-size segments, from the shard of the file
// list assigned to the process for the epoch. A validation Dataset yields every utterance whole,
// in order, one per batch. Batches are prefetched by a bounded pool of workers.
package dataset

import (
	"context"
	"io"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/pkg/distributed"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// DefaultPrefetch is the default number of batches loaded ahead.
const DefaultPrefetch = 2

// Config of a Dataset.
type Config struct {
	// Name used in logs and errors.
	Name string

	// WavsDir holds "<name>.wav" for each entry.
	WavsDir string

	// MelsDir holds "<name>.npy" pre-computed features, shaped [numMels, numFrames], used when FineTuning.
	MelsDir string

	// SampleRate expected for every file.
	SampleRate int

	// SegmentSize is the number of samples of each training segment, and HopSize the number of samples
	// per feature frame.
	SegmentSize, HopSize int

	// BatchSize per process.
	BatchSize int

	// Split selects random segments of SegmentSize samples (training). Otherwise whole utterances
	// are yielded, which requires BatchSize 1.
	Split bool

	// Shuffle the examples every epoch, using Seed. Otherwise they are yielded in file list order.
	Shuffle bool
	Seed    uint64

	// FineTuning yields the pre-computed features before the waveform, and doesn't normalize the audio.
	FineTuning bool

	// Rank and WorldSize select the shard of the examples of this process.
	Rank, WorldSize int

	// NumWorkers loading examples in parallel. Prefetch is the number of batches loaded ahead.
	NumWorkers, Prefetch int
}

// Dataset yields batches of a file list. It implements train.Dataset.
//
// Its methods are not safe for concurrent use: it is meant to be driven by one loop.
type Dataset struct {
	config  Config
	entries []Entry

	epoch   int
	batches chan batchOrError
	cancel  context.CancelFunc
}

type batchOrError struct {
	inputs []*tensors.Tensor
	err    error
}

// New creates a Dataset over the entries of a file list. No data is loaded until SetEpoch (or the
// first Yield).
func New(config Config, entries []Entry) (*Dataset, error) {
	if config.Name == "" {
		config.Name = "dataset"
	}
	if config.WorldSize <= 0 {
		config.WorldSize = 1
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.Prefetch <= 0 {
		config.Prefetch = DefaultPrefetch
	}
	switch {
	case len(entries) == 0:
		return nil, errors.Errorf("%s: empty file list", config.Name)
	case config.BatchSize <= 0:
		return nil, errors.Errorf("%s: invalid batch size %d", config.Name, config.BatchSize)
	case !config.Split && config.BatchSize != 1:
		return nil, errors.Errorf("%s: whole utterances require batch size 1, got %d", config.Name, config.BatchSize)
	case config.Split && config.SegmentSize <= 0:
		return nil, errors.Errorf("%s: invalid segment size %d", config.Name, config.SegmentSize)
	case config.FineTuning && config.HopSize <= 0:
		return nil, errors.Errorf("%s: fine-tuning requires the hop size", config.Name)
	case config.Rank < 0 || config.Rank >= config.WorldSize:
		return nil, errors.Errorf("%s: invalid rank %d for world size %d", config.Name, config.Rank, config.WorldSize)
	}
	return &Dataset{config: config, entries: entries, epoch: -1}, nil
}

// Config returns the configuration of the dataset.
func (ds *Dataset) Config() Config { return ds.config }

// NumExamples in the file list (all shards).
func (ds *Dataset) NumExamples() int { return len(ds.entries) }

// StepsPerEpoch is the number of batches yielded per epoch. Every rank yields the same number
// of batches, and incomplete batches are dropped.
func (ds *Dataset) StepsPerEpoch() int {
	return distributed.StepsPerEpoch(len(ds.entries), ds.config.WorldSize, ds.config.BatchSize)
}

// indices of the examples of this shard for the epoch, in the order they are yielded.
func (ds *Dataset) indices(epoch int) []int {
	c := ds.config
	if c.Shuffle {
		return distributed.Partition(len(ds.entries), c.Rank, c.WorldSize, epoch, c.Seed)
	}
	var shard []int
	for idx := c.Rank; idx < len(ds.entries); idx += c.WorldSize {
		shard = append(shard, idx)
	}
	return shard
}

// SetEpoch restarts the dataset at the given epoch: the shard is re-shuffled, and prefetching
// starts. Batches of a previous epoch not yet yielded are discarded.
func (ds *Dataset) SetEpoch(epoch int) {
	ds.stop()
	ds.epoch = epoch
	indices := ds.indices(epoch)
	numBatches := ds.StepsPerEpoch()
	indices = indices[:numBatches*ds.config.BatchSize]
	ctx, cancel := context.WithCancel(context.Background())
	ds.cancel = cancel
	ds.batches = make(chan batchOrError, ds.config.Prefetch)
	klog.V(1).Infof("%s: epoch %d, %d batches of %d", ds.config.Name, epoch, numBatches, ds.config.BatchSize)
	go ds.produce(ctx, epoch, indices, ds.batches)
}

// Yield returns the next batch: the waveforms [batchSize, numSamples], preceded by the features
// [batchSize, numFrames, numMels] when fine-tuning. It returns io.EOF at the end of the epoch.
//
// If SetEpoch wasn't called, it starts epoch 0.
func (ds *Dataset) Yield() ([]*tensors.Tensor, error) {
	if ds.batches == nil {
		ds.SetEpoch(0)
	}
	b, ok := <-ds.batches
	if !ok {
		return nil, io.EOF
	}
	if b.err != nil {
		return nil, errors.WithMessagef(b.err, "%s epoch %d", ds.config.Name, ds.epoch)
	}
	return b.inputs, nil
}

// Close stops prefetching and frees the batches not yielded.
func (ds *Dataset) Close() {
	ds.stop()
}

func (ds *Dataset) stop() {
	if ds.cancel == nil {
		return
	}
	ds.cancel()
	for b := range ds.batches {
		freeAll(b.inputs)
	}
	ds.cancel, ds.batches = nil, nil
}

// produce loads the batches of the epoch into out, and closes it.
func (ds *Dataset) produce(ctx context.Context, epoch int, indices []int, out chan<- batchOrError) {
	defer close(out)
	batchSize := ds.config.BatchSize
	for start := 0; start+batchSize <= len(indices); start += batchSize {
		inputs, err := ds.loadBatch(ctx, epoch, indices[start:start+batchSize])
		select {
		case out <- batchOrError{inputs: inputs, err: err}:
		case <-ctx.Done():
			freeAll(inputs)
			return
		}
		if err != nil {
			return
		}
	}
}

// example is one loaded utterance (or segment of it).
type example struct {
	features [][]float32 // [numFrames][numMels], only when fine-tuning.
	samples  []float32
}

func (ds *Dataset) loadBatch(ctx context.Context, epoch int, indices []int) ([]*tensors.Tensor, error) {
	examples := make([]example, len(indices))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(ds.config.NumWorkers)
	for ii, idx := range indices {
		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}
			var err error
			examples[ii], err = ds.loadExample(epoch, idx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stack(examples, ds.config.FineTuning)
}

// loadExample loads the entry idx, and selects its segment for the epoch.
func (ds *Dataset) loadExample(epoch, idx int) (ex example, err error) {
	c := ds.config
	entry := ds.entries[idx]
	samples, sampleRate, err := LoadWav(entry.WavPath(c.WavsDir))
	if err != nil {
		return
	}
	if sampleRate != c.SampleRate {
		err = errors.Errorf("%q has sample rate %d, expected %d", entry.WavPath(c.WavsDir), sampleRate, c.SampleRate)
		return
	}
	rng := rand.New(rand.NewPCG(c.Seed^uint64(epoch), uint64(idx)))

	if !c.FineTuning {
		Normalize(samples, NormalizationPeak)
		if c.Split {
			samples = randomSegment(rng, samples, c.SegmentSize)
		}
		ex.samples = samples
		return
	}

	features, err := loadFeatures(entry.MelPath(c.MelsDir))
	if err != nil {
		return
	}
	if c.Split {
		framesPerSegment := (c.SegmentSize + c.HopSize - 1) / c.HopSize
		if len(samples) >= c.SegmentSize && len(features) > framesPerSegment {
			start := rng.IntN(len(features) - framesPerSegment)
			features = features[start : start+framesPerSegment]
			samples = padTo(samples[min(len(samples), start*c.HopSize):], framesPerSegment*c.HopSize)
			samples = samples[:framesPerSegment*c.HopSize]
		} else {
			features = padFramesTo(features, framesPerSegment)
			samples = padTo(samples, c.SegmentSize)
		}
	}
	ex.features, ex.samples = features, samples
	return
}

// randomSegment returns a random window of segmentSize samples, or the samples zero padded
// to segmentSize if shorter.
func randomSegment(rng *rand.Rand, samples []float32, segmentSize int) []float32 {
	if len(samples) < segmentSize {
		return padTo(samples, segmentSize)
	}
	start := rng.IntN(len(samples) - segmentSize + 1)
	return samples[start : start+segmentSize]
}

func padTo(samples []float32, size int) []float32 {
	if len(samples) >= size {
		return samples
	}
	padded := make([]float32, size)
	copy(padded, samples)
	return padded
}

// padFramesTo pads features with frames of zeros.
func padFramesTo(features [][]float32, numFrames int) [][]float32 {
	if len(features) >= numFrames || len(features) == 0 {
		return features
	}
	numMels := len(features[0])
	padded := slices.Clone(features)
	for len(padded) < numFrames {
		padded = append(padded, make([]float32, numMels))
	}
	return padded
}

// loadFeatures reads pre-computed features shaped [numMels, numFrames] (or [1, numMels, numFrames])
// from a .npy file, and returns them transposed to [numFrames][numMels].
func loadFeatures(path string) ([][]float32, error) {
	t, err := numpy.FromNpyFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = t.FinalizeAll() }()
	dims := t.Shape().Dimensions
	if len(dims) == 3 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 2 {
		return nil, errors.Errorf("%q: expected features shaped [numMels, numFrames], got %s", path, t.Shape())
	}
	numMels, numFrames := dims[0], dims[1]
	flat, err := asFloat32(t)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", path)
	}
	features := make([][]float32, numFrames)
	for frame := range features {
		features[frame] = make([]float32, numMels)
		for mel := range numMels {
			features[frame][mel] = flat[mel*numFrames+frame]
		}
	}
	return features, nil
}

// asFloat32 returns the flat values of a float32 or float64 tensor.
func asFloat32(t *tensors.Tensor) (values []float32, err error) {
	err = t.ConstFlatData(func(flat any) {
		switch data := flat.(type) {
		case []float32:
			values = slices.Clone(data)
		case []float64:
			values = make([]float32, len(data))
			for ii, v := range data {
				values[ii] = float32(v)
			}
		}
	})
	if err == nil && values == nil {
		err = errors.Errorf("unsupported features dtype %s", t.DType())
	}
	return
}

// stack converts examples to the batch tensors. All examples must have the same lengths.
func stack(examples []example, withFeatures bool) ([]*tensors.Tensor, error) {
	numSamples := len(examples[0].samples)
	waves := make([]float32, 0, len(examples)*numSamples)
	for ii, ex := range examples {
		if len(ex.samples) != numSamples {
			return nil, errors.Errorf("example #%d has %d samples, expected %d", ii, len(ex.samples), numSamples)
		}
		waves = append(waves, ex.samples...)
	}
	waveform := tensors.FromFlatDataAndDimensions(waves, len(examples), numSamples)
	if !withFeatures {
		return []*tensors.Tensor{waveform}, nil
	}

	numFrames := len(examples[0].features)
	if numFrames == 0 {
		return nil, errors.New("example #0 has no feature frames")
	}
	numMels := len(examples[0].features[0])
	flat := make([]float32, 0, len(examples)*numFrames*numMels)
	for ii, ex := range examples {
		if len(ex.features) != numFrames {
			return nil, errors.Errorf("example #%d has %d feature frames, expected %d", ii, len(ex.features), numFrames)
		}
		for _, frame := range ex.features {
			flat = append(flat, frame...)
		}
	}
	features := tensors.FromFlatDataAndDimensions(flat, len(examples), numFrames, numMels)
	return []*tensors.Tensor{features, waveform}, nil
}

func freeAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		if err := t.FinalizeAll(); err != nil {
			klog.Warningf("freeing prefetched batch: %+v", err)
		}
	}
}
