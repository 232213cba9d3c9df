// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package adversarial

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/pkg/dsp"
)

// Batch is one training (or validation) example batch. All three tensors are derived from the same
// audio segments.
type Batch struct {
	// Features conditioning the generator, shaped [batchSize, numFrames, numMels].
	Features *tensors.Tensor

	// Waveform is the real audio, shaped [batchSize, numSamples].
	Waveform *tensors.Tensor

	// LossFeatures is the mel-spectrogram of Waveform used by the losses (with its own maximum
	// frequency), shaped [batchSize, numFrames, numMels].
	LossFeatures *tensors.Tensor
}

// BatchSize returns the number of examples in the batch.
func (b *Batch) BatchSize() int {
	return b.Waveform.Shape().Dimensions[0]
}

// Finalize frees the batch tensors immediately.
func (b *Batch) Finalize() error {
	var firstErr error
	for _, t := range []*tensors.Tensor{b.Features, b.Waveform, b.LossFeatures} {
		if t == nil {
			continue
		}
		if err := t.FinalizeAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Featurizer builds Batch values from the tensors yielded by a dataset: either the waveform alone,
// in which case the conditioning features are computed from it, or the pre-computed conditioning
// features followed by the waveform (fine-tuning).
type Featurizer struct {
	features, lossFeatures *dsp.MelExtractor
	bothExec, lossExec     *context.Exec
}

// NewFeaturizer creates a Featurizer computing the conditioning features with features and the
// loss features with lossFeatures. They usually differ only on the maximum frequency.
func NewFeaturizer(backend backends.Backend, features, lossFeatures *dsp.MelExtractor) (*Featurizer, error) {
	f := &Featurizer{features: features, lossFeatures: lossFeatures}
	var err error
	f.bothExec, err = context.NewExec(backend, nil, func(_ *context.Context, wave *Node) (*Node, *Node) {
		return f.features.Extract(wave), f.lossFeatures.Extract(wave)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating featurizer")
	}
	f.lossExec, err = context.NewExec(backend, nil, func(_ *context.Context, wave *Node) *Node {
		return f.lossFeatures.Extract(wave)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating featurizer")
	}
	return f, nil
}

// Featurize returns the batch for the inputs yielded by a dataset: [waveform] or [features, waveform].
// The batch takes ownership of the input tensors.
func (f *Featurizer) Featurize(inputs []*tensors.Tensor) (*Batch, error) {
	var batch Batch
	var err, execErr error
	switch len(inputs) {
	case 1:
		batch.Waveform = inputs[0]
		err = TryCatch[error](func() {
			batch.Features, batch.LossFeatures, execErr = f.bothExec.Exec2(batch.Waveform)
		})
	case 2:
		batch.Features, batch.Waveform = inputs[0], inputs[1]
		err = TryCatch[error](func() {
			batch.LossFeatures, execErr = f.lossExec.Exec1(batch.Waveform)
		})
	default:
		return nil, errors.Errorf("featurizer expects 1 or 2 input tensors (features, waveform), got %d", len(inputs))
	}
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "computing features of waveform shaped %s", batch.Waveform.Shape())
	}
	return &batch, nil
}

// FeatureExtractor computes the conditioning features from waveforms.
func (f *Featurizer) FeatureExtractor() *dsp.MelExtractor { return f.features }

// Finalize frees the compiled graphs.
func (f *Featurizer) Finalize() {
	f.bothExec.Finalize()
	f.lossExec.Finalize()
}

// TruncateToShorter slices a and b along axis to the length of the shorter one. The other axes
// must match.
func TruncateToShorter(a, b *Node, axis int) (*Node, *Node) {
	if a.Rank() != b.Rank() {
		Panicf("TruncateToShorter: ranks differ, %s and %s", a.Shape(), b.Shape())
	}
	lenA, lenB := a.Shape().Dim(axis), b.Shape().Dim(axis)
	switch {
	case lenA > lenB:
		a = SliceAxis(a, axis, AxisRange(0, lenB))
	case lenB > lenA:
		b = SliceAxis(b, axis, AxisRange(0, lenA))
	}
	return a, b
}
