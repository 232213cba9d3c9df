// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package train runs the adversarial training of the vocoder.
//
// The Loop iterates epochs and batches, running one adversarial.Step per batch and stepping the
// learning rate schedules at the end of each epoch. Side effects (printing, checkpointing,
// summaries, validation) are attached as hooks, usually only on the authority process.
package train

import (
	"io"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/pkg/adversarial"
	"github.com/roman-mg/multiband-hifigan/pkg/optim"
	"k8s.io/klog/v2"
)

// Dataset yields the inputs of each batch: the waveform segments, or the conditioning features
// followed by the waveform segments. Yield returns io.EOF at the end of an epoch.
type Dataset interface {
	Yield() (inputs []*tensors.Tensor, err error)

	// SetEpoch restarts the dataset for the given epoch. Training datasets re-shuffle their partition.
	SetEpoch(epoch int)
}

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnEpochStartFn is the type of OnEpochStart hooks.
type OnEpochStartFn func(loop *Loop, epoch int) error

// OnStepFn is the type of OnStep hooks. They are called after the step is executed, with
// loop.State.Step still set to the step just executed.
type OnStepFn func(loop *Loop, losses *adversarial.LossBundle) error

// OnEpochEndFn is the type of OnEpochEnd hooks.
type OnEpochEndFn func(loop *Loop, epoch int, elapsed time.Duration) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop) error

// Loop runs the training: for each epoch from State.Epoch to the configured number of epochs,
// it runs the adversarial step on every batch of the dataset, and calls the appropriate hooks.
//
// State.Step is incremented after every batch, unconditionally: there are no retries, and
// degenerate losses don't stop training.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// State of the training, exclusively owned by the loop.
	State *State

	// Trainer runs one optimization step per batch.
	Trainer *adversarial.Step

	// Featurizer converts the dataset yields to batches.
	Featurizer *adversarial.Featurizer

	// Schedulers stepped at the end of every epoch.
	Schedulers []*optim.ExponentialLR

	// Epochs is the number of training epochs: the loop ends when State.Epoch reaches it.
	Epochs int

	// SharedData allows for cross-tools to publish and consume information.
	SharedData map[string]any

	// TrainStepDurations of the current epoch.
	TrainStepDurations []time.Duration

	phase       Phase
	initialized bool

	// Registered hooks.
	onStart      *priorityHooks[*hookWithName[OnStartFn]]
	onEpochStart *priorityHooks[*hookWithName[OnEpochStartFn]]
	onStep       *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd   *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd        *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop over the context of trainer, running for the given number
// of epochs.
func NewLoop(trainer *adversarial.Step, featurizer *adversarial.Featurizer, epochs int) *Loop {
	return &Loop{
		State:        NewState(trainer.Context()),
		Trainer:      trainer,
		Featurizer:   featurizer,
		Epochs:       epochs,
		SharedData:   make(map[string]any),
		phase:        Initializing,
		onStart:      newPriorityHooks[*hookWithName[OnStartFn]](),
		onEpochStart: newPriorityHooks[*hookWithName[OnEpochStartFn]](),
		onStep:       newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd:   newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:        newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// WithSchedulers sets the learning rate schedules stepped at the end of every epoch.
func (loop *Loop) WithSchedulers(schedulers ...*optim.ExponentialLR) *Loop {
	loop.Schedulers = schedulers
	return loop
}

// Phase of the loop.
func (loop *Loop) Phase() Phase { return loop.phase }

// Initialize creates (or restores) the variables using the shapes of batch, synchronizes them
// across replicas and sets the learning rates according to the schedules.
//
// Run calls it on its first batch, if it was not called before.
func (loop *Loop) Initialize(batch *adversarial.Batch) error {
	if loop.initialized {
		return nil
	}
	if err := loop.Trainer.Initialize(batch); err != nil {
		return err
	}
	for _, scheduler := range loop.Schedulers {
		if err := scheduler.Sync(loop.State.ctx); err != nil {
			return err
		}
	}
	loop.initialized = true
	return nil
}

// Run trains from the current State until loop.Epochs.
//
// If the loop was resumed from a checkpoint, the epoch of the checkpoint is run again, with
// the global step continuing from the step after the checkpoint.
func (loop *Loop) Run(ds Dataset) (err error) {
	if loop.phase == Terminated {
		return errors.New("train.Loop.Run: loop already terminated")
	}
	defer func() {
		if err != nil {
			loop.phase = Terminated
		}
	}()
	loop.phase = Running

	for hook := range loop.onStart.All() {
		if err = hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}

	for epoch := max(0, loop.State.Epoch); epoch < loop.Epochs; epoch++ {
		if err = loop.runEpoch(ds, epoch); err != nil {
			return err
		}
	}

	loop.phase = Terminated
	for hook := range loop.onEnd.All() {
		if err = hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// runEpoch runs all the batches of one epoch, and then steps the schedules.
func (loop *Loop) runEpoch(ds Dataset, epoch int) error {
	loop.State.Epoch = epoch
	epochStart := time.Now()
	ds.SetEpoch(epoch)
	for hook := range loop.onEpochStart.All() {
		if err := hook.fn(loop, epoch); err != nil {
			return errors.WithMessagef(err, "OnEpochStart(hook %q)", hook.name)
		}
	}

	loop.TrainStepDurations = loop.TrainStepDurations[:0]
	for {
		inputs, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				break
			}
			return errors.WithMessagef(err, "train.Loop.Run(epoch %d of %d): failed reading from Dataset",
				epoch, loop.Epochs)
		}
		if err = loop.step(inputs); err != nil {
			return errors.WithMessagef(err, "train.Loop.Run(epoch %d): failed step %d", epoch, loop.State.Step)
		}
	}

	for _, scheduler := range loop.Schedulers {
		if err := scheduler.Step(loop.State.ctx); err != nil {
			return errors.WithMessagef(err, "stepping learning rate schedule at the end of epoch %d", epoch)
		}
	}
	elapsed := time.Since(epochStart)
	klog.V(1).Infof("epoch %d finished after %d steps in %s", epoch, len(loop.TrainStepDurations), elapsed)
	for hook := range loop.onEpochEnd.All() {
		if err := hook.fn(loop, epoch, elapsed); err != nil {
			return errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// step runs the trainer on one batch, calls the OnStep hooks and moves to the next step.
func (loop *Loop) step(inputs []*tensors.Tensor) error {
	batch, err := loop.Featurizer.Featurize(inputs)
	if err != nil {
		return err
	}
	defer func() {
		if err := batch.Finalize(); err != nil {
			klog.Warningf("freeing batch of step %d: %+v", loop.State.Step, err)
		}
	}()
	if !loop.initialized {
		if err = loop.Initialize(batch); err != nil {
			return err
		}
	}
	startTime := time.Now()
	losses, err := loop.Trainer.Run(batch)
	if err != nil {
		return err
	}
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))

	for hook := range loop.onStep.All() {
		if err = hook.fn(loop, losses); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	loop.State.Step++
	return nil
}

// MedianTrainStepDuration returns the median duration of the training steps of the current epoch.
// It returns 1 millisecond if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnEpochStart adds a hook with given priority and name (for error reporting) to the start of
// each epoch, after the dataset was set to the epoch.
func (loop *Loop) OnEpochStart(name string, priority Priority, fn OnEpochStartFn) {
	loop.onEpochStart.Add(priority, &hookWithName[OnEpochStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each step of the trainer.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting) to the end of each
// epoch, after the learning rate schedules were stepped.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last epoch.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
