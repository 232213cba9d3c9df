// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the objectives of the adversarial vocoder training: least-squares GAN
// losses for the discriminators and the generator, feature matching, multi-resolution STFT and
// mel-spectrogram L1 losses. They all return scalars.
//
// Flag-gated generator objectives are listed as Term values and summed with Accumulate.
package losses

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

const (
	// MelLossWeight scales the mel-spectrogram L1 loss of the generator.
	MelLossWeight = 45.0

	// FeatureLossWeight scales the feature matching loss.
	FeatureLossWeight = 2.0
)

// DiscriminatorLoss is the least-squares GAN loss of the discriminator: for each sub-discriminator
// mean((1-real)²) + mean(fake²), summed.
func DiscriminatorLoss(realScores, fakeScores []*Node) *Node {
	if len(realScores) != len(fakeScores) || len(realScores) == 0 {
		Panicf("DiscriminatorLoss: got %d real scores and %d fake scores", len(realScores), len(fakeScores))
	}
	var loss *Node
	for ii, real := range realScores {
		subLoss := Add(
			ReduceAllMean(Square(OneMinus(real))),
			ReduceAllMean(Square(fakeScores[ii])))
		loss = sum(loss, subLoss)
	}
	return loss
}

// GeneratorLoss is the least-squares GAN loss of the generator: the sum of mean((1-fake)²) over the
// sub-discriminators.
func GeneratorLoss(fakeScores []*Node) *Node {
	if len(fakeScores) == 0 {
		Panicf("GeneratorLoss: no scores")
	}
	var loss *Node
	for _, fake := range fakeScores {
		loss = sum(loss, ReduceAllMean(Square(OneMinus(fake))))
	}
	return loss
}

// FeatureLoss is the feature matching loss: the L1 distance between the feature maps of the real
// and generated inputs, summed over sub-discriminators and layers, times FeatureLossWeight.
func FeatureLoss(realMaps, fakeMaps [][]*Node) *Node {
	if len(realMaps) != len(fakeMaps) || len(realMaps) == 0 {
		Panicf("FeatureLoss: got %d real feature maps and %d fake feature maps", len(realMaps), len(fakeMaps))
	}
	var loss *Node
	for ii, subMaps := range realMaps {
		if len(subMaps) != len(fakeMaps[ii]) {
			Panicf("FeatureLoss: sub-discriminator #%d has %d real maps and %d fake maps", ii, len(subMaps), len(fakeMaps[ii]))
		}
		for jj, real := range subMaps {
			loss = sum(loss, L1(real, fakeMaps[ii][jj]))
		}
	}
	return MulScalar(loss, FeatureLossWeight)
}

// L1 is the mean absolute error between a and b, which must have the same shape.
func L1(a, b *Node) *Node {
	if !a.Shape().Equal(b.Shape()) {
		Panicf("L1: shapes %s and %s differ", a.Shape(), b.Shape())
	}
	return ReduceAllMean(Abs(Sub(a, b)))
}

// MelLoss is the weighted L1 distance between the target mel-spectrogram and the one of the
// generated audio.
func MelLoss(targetMel, generatedMel *Node) *Node {
	return MulScalar(L1(targetMel, generatedMel), MelLossWeight)
}

func sum(total, value *Node) *Node {
	if total == nil {
		return value
	}
	return Add(total, value)
}
