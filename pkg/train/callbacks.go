// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"

	"github.com/roman-mg/multiband-hifigan/pkg/adversarial"
)

type everyNSteps struct {
	n        int64
	skipZero bool
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(loop *Loop, losses *adversarial.LossBundle) error {
	step := loop.State.Step
	if step%eN.n != 0 || (eN.skipZero && step == 0) {
		return nil
	}
	return eN.fn(loop, losses)
}

// EveryNSteps registers a OnStep hook on the loop that is called whenever the global step is a
// multiple of n. Since the global step survives a resume, the hook fires at the same steps as in
// an uninterrupted run.
//
// If skipZero is set, it is not called at step 0. If n <= 0 the hook is never called and nothing
// is registered.
func EveryNSteps(loop *Loop, n int, skipZero bool, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		return
	}
	eN := &everyNSteps{n: int64(n), skipZero: skipZero, fn: fn}
	fullName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	loop.OnStep(fullName, priority, eN.onStep)
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, losses *adversarial.LossBundle) error {
	if !p.started {
		// Start the clock.
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(loop, losses)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an `OnStep` hook on the loop that is called every period of time.
// The period counts after the execution of `fn`, so an expensive `fn` doesn't eat into the period.
func PeriodicCallback(loop *Loop, period time.Duration, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, p.onStep)
}
