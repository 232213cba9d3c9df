// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// ParamLearningRateDecay is the context hyperparameter with the per-epoch decay factor (gamma).
	ParamLearningRateDecay = "lr_decay"

	// LastEpochVarName is the name of the schedule cursor variable, kept in the optimizer scope.
	LastEpochVarName = "last_epoch"
)

// ExponentialLR decays the learning rate of an optimizer by gamma once per epoch:
//
//	lr = base_lr * gamma^last_epoch
//
// The cursor last_epoch is a variable in the optimizer scope, so it is checkpointed with the optimizer
// state, and a resumed run continues with the same learning rate as an uninterrupted one.
type ExponentialLR struct {
	opt   *AdamW
	gamma float64
}

// NewExponentialLR creates the schedule for the given optimizer.
func NewExponentialLR(opt *AdamW, gamma float64) *ExponentialLR {
	return &ExponentialLR{opt: opt, gamma: gamma}
}

// Gamma is the per-epoch decay factor.
func (s *ExponentialLR) Gamma() float64 { return s.gamma }

// CursorVar returns the variable with the number of epochs stepped so far.
func (s *ExponentialLR) CursorVar(ctx *context.Context) *context.Variable {
	return s.opt.stateContext(ctx).
		VariableWithValue(LastEpochVarName, int64(0)).
		SetTrainable(false)
}

// LastEpoch returns the current value of the cursor.
func (s *ExponentialLR) LastEpoch(ctx *context.Context) (int64, error) {
	value, err := s.CursorVar(ctx).Value()
	if err != nil {
		return 0, errors.WithMessagef(err, "reading %s cursor of %s", LastEpochVarName, s.opt.Name())
	}
	return tensors.ToScalar[int64](value), nil
}

// LearningRateAt returns the learning rate after lastEpoch steps of the schedule.
func (s *ExponentialLR) LearningRateAt(lastEpoch int64) float64 {
	return s.opt.BaseLearningRate() * math.Pow(s.gamma, float64(lastEpoch))
}

// Sync writes the learning rate for the current cursor into the optimizer's learning rate variable.
// It is called after a restore and by Step.
func (s *ExponentialLR) Sync(ctx *context.Context) error {
	lastEpoch, err := s.LastEpoch(ctx)
	if err != nil {
		return err
	}
	lr := s.LearningRateAt(lastEpoch)
	if err = s.opt.LearningRateVar(ctx).SetValue(tensors.FromScalar(lr)); err != nil {
		return errors.WithMessagef(err, "setting learning rate of %s", s.opt.Name())
	}
	return nil
}

// Step advances the schedule by one epoch. The new rate is used by the updates executed after it.
func (s *ExponentialLR) Step(ctx *context.Context) error {
	lastEpoch, err := s.LastEpoch(ctx)
	if err != nil {
		return err
	}
	if err = s.CursorVar(ctx).SetValue(tensors.FromScalar(lastEpoch + 1)); err != nil {
		return errors.WithMessagef(err, "advancing %s cursor of %s", LastEpochVarName, s.opt.Name())
	}
	return s.Sync(ctx)
}
