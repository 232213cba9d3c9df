// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"io"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/pkg/adversarial"
	"github.com/roman-mg/multiband-hifigan/pkg/losses"
	"k8s.io/klog/v2"
)

// Sink receives the summaries of training and validation.
//
// Audio receives the samples of one waveform, and Figure one spectrogram shaped [frames][mels].
type Sink interface {
	Scalar(tag string, step int64, value float64) error
	Audio(tag string, step int64, samples []float32) error
	Figure(tag string, step int64, spectrogram [][]float32) error
}

const (
	// ValidationErrorTag is the summary of the mean validation error.
	ValidationErrorTag = "validation/mel_spec_error"

	// NumValidationArtifacts is the number of validation batches (the first ones) whose audio and
	// spectrograms are emitted.
	NumValidationArtifacts = 5
)

// Validator evaluates the generator over a validation dataset: it reports the mean of the
// enabled spectral terms, and emits the audio and spectrograms of the first batches.
//
// The graph is built in inference mode and computes no gradients, so the training state is not
// touched.
type Validator struct {
	trainer    *adversarial.Step
	featurizer *adversarial.Featurizer
	sink       Sink
	exec       *context.Exec
}

// NewValidator creates a validator of the generator trained by trainer. The validation dataset
// is expected to yield batches of one full utterance.
func NewValidator(trainer *adversarial.Step, featurizer *adversarial.Featurizer, sink Sink) (*Validator, error) {
	v := &Validator{trainer: trainer, featurizer: featurizer, sink: sink}
	var err error
	v.exec, err = context.NewExec(trainer.Backend(), trainer.Context(), v.graph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating validator")
	}
	return v, nil
}

// graph returns the validation error of one batch, the generated waveform and its
// conditioning features (for display).
//
// The generated audio is not truncated to the real one, except where the two are compared.
// The mel term is the plain L1 distance, without the training weight.
func (v *Validator) graph(ctx *context.Context, features, waveform, lossFeatures *Node) (errorValue, fake, fakeFeatures *Node) {
	g := features.Graph()
	ctx.SetTraining(g, false)
	fake, fakeSubBands := v.trainer.Synthesize(ctx, features, 0)
	fakeFeatures = v.featurizer.FeatureExtractor().Extract(fake)
	realMel, truncatedMel := adversarial.TruncateToShorter(lossFeatures, v.trainer.LossMel().Extract(fake), 1)

	terms := v.trainer.GeneratorTerms(ctx, waveform, fake, fakeSubBands, realMel, truncatedMel, false)
	for ii := range terms {
		if terms[ii].Name == adversarial.TermMel {
			terms[ii].Compute = func() *Node { return losses.L1(realMel, truncatedMel) }
		}
	}
	errorValue, _ = losses.Accumulate(g, waveform.DType(), terms)
	return
}

// Run validates over all the batches of ds, at the given training step, and returns the mean
// validation error, which is also emitted as ValidationErrorTag.
//
// The first NumValidationArtifacts batches emit "generated/y_hat_<j>" audio and
// "generated/y_hat_spec_<j>" spectrograms. At step 0 they also emit the ground truth
// "gt/y_<j>" and "gt/y_spec_<j>".
func (v *Validator) Run(step int64, ds Dataset) (float64, error) {
	ds.SetEpoch(0)
	var total float64
	var count int
	for {
		inputs, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				break
			}
			return 0, errors.WithMessagef(err, "validation at step %d: failed reading from Dataset", step)
		}
		value, err := v.runBatch(step, count, inputs)
		if err != nil {
			return 0, errors.WithMessagef(err, "validation at step %d, batch %d", step, count)
		}
		total += value
		count++
	}
	if count == 0 {
		return 0, errors.Errorf("validation at step %d: empty validation dataset", step)
	}
	mean := total / float64(count)
	klog.V(1).Infof("validation at step %d: %d batches, error %.4f", step, count, mean)
	if err := v.sink.Scalar(ValidationErrorTag, step, mean); err != nil {
		return 0, err
	}
	return mean, nil
}

func (v *Validator) runBatch(step int64, j int, inputs []*tensors.Tensor) (float64, error) {
	batch, err := v.featurizer.Featurize(inputs)
	if err != nil {
		return 0, err
	}
	defer func() { _ = batch.Finalize() }()

	var errorValue, fake, fakeFeatures *tensors.Tensor
	var execErr error
	err = TryCatch[error](func() {
		errorValue, fake, fakeFeatures, execErr = v.exec.Exec3(batch.Features, batch.Waveform, batch.LossFeatures)
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return 0, err
	}
	defer func() {
		for _, t := range []*tensors.Tensor{errorValue, fake, fakeFeatures} {
			_ = t.FinalizeAll()
		}
	}()
	value := float64(tensors.ToScalar[float32](errorValue))

	if j >= NumValidationArtifacts {
		return value, nil
	}
	if step == 0 {
		if err = v.sink.Audio(fmt.Sprintf("gt/y_%d", j), step, firstWaveform(batch.Waveform)); err != nil {
			return 0, err
		}
		if err = v.sink.Figure(fmt.Sprintf("gt/y_spec_%d", j), step, firstSpectrogram(batch.Features)); err != nil {
			return 0, err
		}
	}
	if err = v.sink.Audio(fmt.Sprintf("generated/y_hat_%d", j), step, firstWaveform(fake)); err != nil {
		return 0, err
	}
	if err = v.sink.Figure(fmt.Sprintf("generated/y_hat_spec_%d", j), step, firstSpectrogram(fakeFeatures)); err != nil {
		return 0, err
	}
	return value, nil
}

// Finalize frees the compiled graphs.
func (v *Validator) Finalize() {
	v.exec.Finalize()
}

// firstWaveform returns the samples of the first example of a [batchSize, numSamples] tensor.
func firstWaveform(t *tensors.Tensor) []float32 {
	numSamples := t.Shape().Dim(1)
	return tensors.MustCopyFlatData[float32](t)[:numSamples]
}

// firstSpectrogram returns the first example of a [batchSize, numFrames, numMels] tensor.
func firstSpectrogram(t *tensors.Tensor) [][]float32 {
	numFrames, numMels := t.Shape().Dim(1), t.Shape().Dim(2)
	flat := tensors.MustCopyFlatData[float32](t)
	spectrogram := make([][]float32, numFrames)
	for frame := range spectrogram {
		spectrogram[frame] = flat[frame*numMels : (frame+1)*numMels]
	}
	return spectrogram
}
