// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/pkg/checkpoints"
	"github.com/roman-mg/multiband-hifigan/pkg/models"
	"github.com/roman-mg/multiband-hifigan/pkg/optim"
	"k8s.io/klog/v2"
)

// Names of the optimizer components in the discriminator bundle.
const (
	ComponentGenerator          = "generator"
	ComponentGeneratorOptimizer = "optim_g"
	ComponentDiscOptimizer      = "optim_d"
)

// Restore loads the latest checkpoint pair of store, if any, into the loop: the variables are
// served to the context as they are created (during Initialize), and State continues at the step
// after the checkpoint's, in the checkpoint's epoch.
//
// It must be called before the loop is initialized. It returns whether a checkpoint was found.
// A half-written checkpoint fails with checkpoints.ErrInconsistent.
func (loop *Loop) Restore(store *checkpoints.Store) (found bool, err error) {
	if loop.phase != Initializing || loop.initialized {
		return false, errors.Errorf("train.Loop.Restore: loop already %s", loop.phase)
	}
	generator, discriminators, err := store.RestorePair()
	if err != nil {
		return false, err
	}
	if generator == nil {
		klog.V(1).Infof("no checkpoint in %s, starting fresh", store)
		return false, nil
	}
	if _, ok := generator.Components[ComponentGenerator]; !ok {
		return false, errors.Wrapf(checkpoints.ErrCorrupt, "%s: generator bundle has no %q component",
			store, ComponentGenerator)
	}
	for _, component := range loop.discriminatorComponents() {
		if _, ok := discriminators.Components[component]; !ok {
			return false, errors.Wrapf(checkpoints.ErrCorrupt, "%s: discriminator bundle has no %q component",
				store, component)
		}
	}
	steps, _ := discriminators.Counter(checkpoints.CounterSteps)
	epoch, _ := discriminators.Counter(checkpoints.CounterEpoch)

	ctx := loop.State.ctx
	generator.AttachTo(ctx)
	discriminators.AttachTo(ctx)
	loop.State.Step = steps + 1
	loop.State.Epoch = int(epoch)
	loop.phase = Resuming
	klog.Infof("resuming from %s at step %d, epoch %d", store, loop.State.Step, loop.State.Epoch)
	return true, nil
}

func (loop *Loop) discriminatorComponents() []string {
	components := []string{ComponentGeneratorOptimizer, ComponentDiscOptimizer}
	for _, d := range loop.Trainer.Discriminators() {
		components = append(components, d.Component())
	}
	return components
}

// SaveCheckpoint saves the current state to store: the generator parameters in the generator
// bundle, and the discriminators parameters, both optimizer states and the step and epoch
// counters in the discriminator bundle.
func (loop *Loop) SaveCheckpoint(store *checkpoints.Store) error {
	ctx := loop.State.ctx
	generator := checkpoints.NewBundle()
	if err := generator.AddVariables(ComponentGenerator, optim.VariablesIn(ctx, models.GeneratorScope)); err != nil {
		return err
	}

	discriminators := checkpoints.NewBundle()
	for _, d := range loop.Trainer.Discriminators() {
		if err := discriminators.AddVariables(d.Component(), optim.VariablesIn(ctx, d.Scope())); err != nil {
			return err
		}
	}
	genOptimizer, discOptimizer := loop.Trainer.Optimizers()
	if err := discriminators.AddVariables(ComponentGeneratorOptimizer, genOptimizer.StateVariables(ctx)); err != nil {
		return err
	}
	if err := discriminators.AddVariables(ComponentDiscOptimizer, discOptimizer.StateVariables(ctx)); err != nil {
		return err
	}
	discriminators.Counters[checkpoints.CounterSteps] = loop.State.Step
	discriminators.Counters[checkpoints.CounterEpoch] = int64(loop.State.Epoch)
	return store.Save(loop.State.Step, generator, discriminators)
}
