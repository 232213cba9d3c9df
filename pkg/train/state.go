// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Phase of the training loop.
type Phase int

const (
	// Initializing is the phase of a new loop, before any checkpoint is restored or any step run.
	Initializing Phase = iota

	// Resuming is set once a checkpoint was restored, until the first step runs.
	Resuming

	// Running while epochs are being iterated.
	Running

	// Terminated after the last epoch, or after an error. A terminated loop can't be run again.
	Terminated
)

var phaseNames = []string{"Initializing", "Resuming", "Running", "Terminated"}

// String implements fmt.Stringer.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// State is the training state owned by the loop: the global step and epoch counters, plus the
// context holding the model parameters and the optimizers state.
//
// Step is global: it is never reset, and a resumed run continues from the step after the
// checkpoint's.
type State struct {
	Step  int64
	Epoch int

	ctx *context.Context
}

// NewState returns a fresh state over ctx.
func NewState(ctx *context.Context) *State {
	return &State{ctx: ctx}
}

// Context holding the variables of the state.
func (s *State) Context() *context.Context { return s.ctx }

// String implements fmt.Stringer.
func (s *State) String() string {
	return fmt.Sprintf("train.State(step=%d, epoch=%d)", s.Step, s.Epoch)
}
