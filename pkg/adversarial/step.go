// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package adversarial implements one optimization step of the vocoder: a discriminator phase,
// trained on real audio against the (detached) generated audio, followed by a generator phase
// trained on the adversarial, feature matching and spectral losses.
//
// Each phase runs as two compiled graphs: one computing the losses and the gradients, and one
// applying the (replica averaged) gradients with the phase's optimizer. The gradients are
// averaged across the process group in between.
package adversarial

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/pkg/dsp"
	"github.com/roman-mg/multiband-hifigan/pkg/losses"
	"github.com/roman-mg/multiband-hifigan/pkg/models"
	"github.com/roman-mg/multiband-hifigan/pkg/optim"
	"k8s.io/klog/v2"
)

// Names of the generator loss terms, in the order they are accumulated.
const (
	TermSTFT        = "stft"
	TermSubbandSTFT = "subband_stft"
	TermMel         = "mel"
	TermAdversarial = "adv"
	TermFeatures    = "fm"
)

// Reducer averages gradients across the replicas of a model component, and synchronizes their
// initial values. *distributed.Replicated implements it.
type Reducer interface {
	Reduce(grads []*tensors.Tensor) ([]*tensors.Tensor, error)
	Synchronize(values []*tensors.Tensor) ([]*tensors.Tensor, error)
}

// identity is the Reducer of a single process.
type identity struct{}

func (identity) Reduce(grads []*tensors.Tensor) ([]*tensors.Tensor, error)       { return grads, nil }
func (identity) Synchronize(values []*tensors.Tensor) ([]*tensors.Tensor, error) { return values, nil }

// Config of the losses used by the step.
type Config struct {
	// SegmentSize is the number of samples of the training waveforms. The synthesized waveform
	// is truncated to it.
	SegmentSize int

	UseSTFT, UseSubbandSTFT, UseMelLoss bool

	// FullBandSTFT and SubBandSTFT are the multi-resolution STFT losses over the full band waveform
	// and over the sub-bands.
	FullBandSTFT, SubBandSTFT *losses.MultiResolutionSTFT
}

// Step is one optimization step of the generator and the discriminators.
type Step struct {
	backend        backends.Backend
	ctx            *context.Context
	config         Config
	generator      *models.Generator
	discriminators []models.Discriminator
	filterBank     dsp.FilterBank
	lossMel        *dsp.MelExtractor

	genOptimizer, discOptimizer *optim.AdamW
	genReducer, discReducer     Reducer

	discGradsExec, discApplyExec, genGradsExec, genApplyExec *context.Exec

	// Set when the gradient graphs are built.
	discVars, genVars           []*context.Variable
	discLossNames, genLossNames []string
}

// StepConfig holds the collaborators of a Step. Create it with NewStep and finish with Done.
type StepConfig struct {
	step *Step
}

// NewStep starts the configuration of a step over the variables of ctx.
//
// The generator produces the full band waveform, or the sub-bands that filterBank combines.
// lossMel computes the mel-spectrograms compared by the mel loss.
func NewStep(backend backends.Backend, ctx *context.Context, generator *models.Generator,
	discriminators []models.Discriminator, filterBank dsp.FilterBank, lossMel *dsp.MelExtractor) *StepConfig {
	return &StepConfig{step: &Step{
		backend:        backend,
		ctx:            ctx.Checked(false),
		generator:      generator,
		discriminators: discriminators,
		filterBank:     filterBank,
		lossMel:        lossMel,
		genReducer:     identity{},
		discReducer:    identity{},
	}}
}

// Losses sets which losses are used by the generator phase.
func (c *StepConfig) Losses(config Config) *StepConfig {
	c.step.config = config
	return c
}

// Optimizers sets the optimizers of the generator and of the discriminators.
func (c *StepConfig) Optimizers(generator, discriminators *optim.AdamW) *StepConfig {
	c.step.genOptimizer, c.step.discOptimizer = generator, discriminators
	return c
}

// Reducers sets how the gradients of the generator and of the discriminators are averaged across
// replicas. The default is a single process.
func (c *StepConfig) Reducers(generator, discriminators Reducer) *StepConfig {
	c.step.genReducer, c.step.discReducer = generator, discriminators
	return c
}

// Done validates the configuration and compiles (lazily) the graphs of the step.
func (c *StepConfig) Done() (*Step, error) {
	s := c.step
	switch {
	case s.generator == nil:
		return nil, errors.New("adversarial step requires a generator")
	case len(s.discriminators) == 0:
		return nil, errors.New("adversarial step requires at least one discriminator")
	case s.genOptimizer == nil || s.discOptimizer == nil:
		return nil, errors.New("adversarial step requires the generator and discriminator optimizers")
	case s.genOptimizer.Scope() == s.discOptimizer.Scope():
		return nil, errors.Errorf("generator and discriminator optimizers share the scope %q", s.genOptimizer.Scope())
	case s.lossMel == nil:
		return nil, errors.New("adversarial step requires the mel extractor of the losses")
	case s.config.UseSTFT && s.config.FullBandSTFT == nil:
		return nil, errors.New("STFT loss enabled without resolutions")
	case s.config.UseSubbandSTFT && s.config.SubBandSTFT == nil:
		return nil, errors.New("sub-band STFT loss enabled without resolutions")
	case s.config.UseSubbandSTFT && s.generator.Config().OutputChannels == 1:
		return nil, errors.New("sub-band STFT loss requires a multi-band generator")
	case s.generator.Config().OutputChannels > 1 && s.filterBank == nil:
		return nil, errors.New("multi-band generator requires a filter bank")
	case s.filterBank != nil && s.generator.Config().OutputChannels > 1 &&
		s.filterBank.Bands() != s.generator.Config().OutputChannels:
		return nil, errors.Errorf("generator has %d output channels, but the filter bank %d bands",
			s.generator.Config().OutputChannels, s.filterBank.Bands())
	}

	var err error
	s.discGradsExec, err = context.NewExec(s.backend, s.ctx, s.discriminatorGradsGraph)
	if err == nil {
		s.discApplyExec, err = context.NewExec(s.backend, s.ctx, s.discriminatorApplyGraph)
	}
	if err == nil {
		s.genGradsExec, err = context.NewExec(s.backend, s.ctx, s.generatorGradsGraph)
	}
	if err == nil {
		s.genApplyExec, err = context.NewExec(s.backend, s.ctx, s.generatorApplyGraph)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "creating adversarial step executors")
	}
	return s, nil
}

// Context used by the step.
func (s *Step) Context() *context.Context { return s.ctx }

// Backend where the step is executed.
func (s *Step) Backend() backends.Backend { return s.backend }

// Generator trained by the step.
func (s *Step) Generator() *models.Generator { return s.generator }

// Discriminators trained by the step.
func (s *Step) Discriminators() []models.Discriminator { return s.discriminators }

// Config returns the losses configuration.
func (s *Step) Config() Config { return s.config }

// Optimizers returns the optimizers of the generator and of the discriminators.
func (s *Step) Optimizers() (generator, discriminators *optim.AdamW) {
	return s.genOptimizer, s.discOptimizer
}

// LossMel is the mel extractor used by the mel loss.
func (s *Step) LossMel() *dsp.MelExtractor { return s.lossMel }

// Synthesize builds the generated full band waveform for features. It also returns the generated
// sub-bands (nil for a single band generator).
//
// If numSamples > 0, the waveform is truncated to it.
func (s *Step) Synthesize(ctx *context.Context, features *Node, numSamples int) (waveform, subBands *Node) {
	output := s.generator.Forward(ctx, features)
	if s.generator.Config().OutputChannels == 1 {
		waveform = output
	} else {
		subBands = output
		waveform = s.filterBank.Synthesis(subBands)
	}
	if numSamples > 0 && waveform.Shape().Dim(1) > numSamples {
		waveform = SliceAxis(waveform, 1, AxisRange(0, numSamples))
	}
	return
}

// discriminatorsScopes returns the scopes of all discriminator families.
func (s *Step) discriminatorsScopes() []string {
	scopes := make([]string, len(s.discriminators))
	for ii, d := range s.discriminators {
		scopes[ii] = d.Scope()
	}
	return scopes
}

// discriminatorGradsGraph returns the loss of each discriminator family, their total and the
// gradients with respect to the discriminator variables.
func (s *Step) discriminatorGradsGraph(ctx *context.Context, features, waveform *Node) []*Node {
	g := features.Graph()
	ctx.SetTraining(g, true)
	fake, _ := s.Synthesize(ctx, features, s.config.SegmentSize)
	real, fake := TruncateToShorter(waveform, StopGradient(fake), 1)

	names := make([]string, 0, len(s.discriminators)+1)
	outputs := make([]*Node, 0, len(s.discriminators)+1)
	var total *Node
	for _, d := range s.discriminators {
		realScores, fakeScores, _, _ := d.Forward(ctx, real, fake)
		loss := losses.DiscriminatorLoss(realScores, fakeScores)
		names = append(names, "disc/"+d.Name())
		outputs = append(outputs, loss)
		total = losses.Sum(total, loss)
	}
	names = append(names, DiscriminatorTotal)
	outputs = append(outputs, total)
	s.discLossNames = names

	s.discVars = optim.TrainableIn(ctx, s.discriminatorsScopes()...)
	return append(outputs, gradients(total, s.discVars)...)
}

func (s *Step) discriminatorApplyGraph(ctx *context.Context, grads []*Node) *Node {
	g := grads[0].Graph()
	if len(s.discVars) == 0 {
		Panicf("discriminator gradients applied before being computed")
	}
	s.discOptimizer.ApplyGradients(ctx, g, s.discVars, grads)
	return s.discOptimizer.NumStepsVar(ctx).ValueGraph(g)
}

// GeneratorTerms returns the ordered list of generator loss terms for the real waveform and the
// generated one (and its sub-bands). Adversarial and feature matching terms are only included if
// adversarial is true.
func (s *Step) GeneratorTerms(ctx *context.Context, real, fake, fakeSubBands, realMel, fakeMel *Node, adversarial bool) []losses.Term {
	cfg := s.config
	terms := []losses.Term{
		{
			Name:    TermSTFT,
			Enabled: cfg.UseSTFT,
			Compute: func() *Node {
				predicted, target := TruncateToShorter(fake, real, 1)
				return cfg.FullBandSTFT.Total(predicted, target)
			},
		},
		{
			Name:    TermSubbandSTFT,
			Enabled: cfg.UseSubbandSTFT,
			Compute: func() *Node {
				target := dsp.FlattenBands(s.filterBank.Analysis(real))
				predicted := dsp.FlattenBands(fakeSubBands)
				predicted, target = TruncateToShorter(predicted, target, 1)
				return cfg.SubBandSTFT.Total(predicted, target)
			},
			Combine: losses.Balance,
		},
		{
			Name:    TermMel,
			Enabled: cfg.UseMelLoss,
			Compute: func() *Node {
				target, predicted := TruncateToShorter(realMel, fakeMel, 1)
				return losses.MelLoss(target, predicted)
			},
		},
	}
	if !adversarial {
		return terms
	}

	// Adversarial terms share the discriminators forward pass.
	var fakeScores []*Node
	var realMaps, fakeMaps [][]*Node
	forward := func() {
		if fakeScores != nil {
			return
		}
		for _, d := range s.discriminators {
			_, dFakeScores, dRealMaps, dFakeMaps := d.Forward(ctx, real, fake)
			fakeScores = append(fakeScores, dFakeScores...)
			realMaps = append(realMaps, dRealMaps...)
			fakeMaps = append(fakeMaps, dFakeMaps...)
		}
	}
	return append(terms,
		losses.Term{
			Name:    TermAdversarial,
			Enabled: true,
			Compute: func() *Node {
				forward()
				return losses.GeneratorLoss(fakeScores)
			},
		},
		losses.Term{
			Name:    TermFeatures,
			Enabled: true,
			Compute: func() *Node {
				forward()
				return losses.FeatureLoss(realMaps, fakeMaps)
			},
		})
}

// generatorGradsGraph returns the generator loss terms, their total, the mel error and the
// gradients with respect to the generator variables.
func (s *Step) generatorGradsGraph(ctx *context.Context, features, waveform, lossFeatures *Node) []*Node {
	g := features.Graph()
	ctx.SetTraining(g, true)
	fake, fakeSubBands := s.Synthesize(ctx, features, s.config.SegmentSize)
	real, fake := TruncateToShorter(waveform, fake, 1)
	fakeMel := s.lossMel.Extract(fake)
	realMel, fakeMel := TruncateToShorter(lossFeatures, fakeMel, 1)

	terms := s.GeneratorTerms(ctx, real, fake, fakeSubBands, realMel, fakeMel, true)
	total, values := losses.Accumulate(g, waveform.DType(), terms)

	names := make([]string, 0, len(values)+2)
	outputs := make([]*Node, 0, len(values)+2)
	for _, v := range values {
		names = append(names, "gen/"+v.Name)
		outputs = append(outputs, v.Value)
	}
	names = append(names, GeneratorTotal, MelError)
	outputs = append(outputs, total, StopGradient(losses.L1(realMel, fakeMel)))
	s.genLossNames = names

	s.genVars = optim.TrainableIn(ctx, models.GeneratorScope)
	return append(outputs, gradients(total, s.genVars)...)
}

func (s *Step) generatorApplyGraph(ctx *context.Context, grads []*Node) *Node {
	g := grads[0].Graph()
	if len(s.genVars) == 0 {
		Panicf("generator gradients applied before being computed")
	}
	s.genOptimizer.ApplyGradients(ctx, g, s.genVars, grads)
	return s.genOptimizer.NumStepsVar(ctx).ValueGraph(g)
}

func gradients(loss *Node, vars []*context.Variable) []*Node {
	if len(vars) == 0 {
		Panicf("no trainable variables to compute gradients for")
	}
	g := loss.Graph()
	nodes := make([]*Node, len(vars))
	for ii, v := range vars {
		nodes[ii] = v.ValueGraph(g)
	}
	return Gradient(loss, nodes...)
}

// Run executes both phases on the batch: the discriminators are updated first, and then the
// generator, judged by the updated discriminators.
func (s *Step) Run(batch *Batch) (*LossBundle, error) {
	bundle := NewLossBundle()
	if err := s.DiscriminatorPhase(batch, bundle); err != nil {
		return nil, err
	}
	if err := s.GeneratorPhase(batch, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// DiscriminatorPhase computes the discriminator losses and gradients, averages the gradients
// across replicas and updates the discriminator variables. The losses are stored in bundle.
func (s *Step) DiscriminatorPhase(batch *Batch, bundle *LossBundle) error {
	outputs, err := execute(s.discGradsExec, batch.Features, batch.Waveform)
	if err != nil {
		return errors.WithMessage(err, "discriminator phase")
	}
	numLosses := len(s.discLossNames)
	if err = bundle.setScalars(s.discLossNames, outputs); err != nil {
		return errors.WithMessage(err, "discriminator phase")
	}
	return s.apply("discriminator", s.discReducer, s.discApplyExec, outputs[numLosses:])
}

// GeneratorPhase computes the generator losses and gradients, averages the gradients across
// replicas and updates the generator variables. The losses are stored in bundle.
func (s *Step) GeneratorPhase(batch *Batch, bundle *LossBundle) error {
	outputs, err := execute(s.genGradsExec, batch.Features, batch.Waveform, batch.LossFeatures)
	if err != nil {
		return errors.WithMessage(err, "generator phase")
	}
	numLosses := len(s.genLossNames)
	if err = bundle.setScalars(s.genLossNames, outputs); err != nil {
		return errors.WithMessage(err, "generator phase")
	}
	return s.apply("generator", s.genReducer, s.genApplyExec, outputs[numLosses:])
}

// apply reduces the gradients and applies them with applyExec, freeing all gradient tensors.
func (s *Step) apply(phase string, reducer Reducer, applyExec *context.Exec, grads []*tensors.Tensor) error {
	defer finalizeAll(grads)
	reduced, err := reducer.Reduce(grads)
	if err != nil {
		return errors.WithMessagef(err, "averaging %s gradients", phase)
	}
	if len(reduced) > 0 && reduced[0] != grads[0] {
		defer finalizeAll(reduced)
	}
	outputs, err := execute(applyExec, reduced...)
	if err != nil {
		return errors.WithMessagef(err, "applying %s gradients", phase)
	}
	finalizeAll(outputs)
	return nil
}

// Initialize creates the model variables (or loads them from an attached checkpoint) by building
// the discriminator phase on batch without applying it, and then replaces them by rank 0's values
// on every replica.
func (s *Step) Initialize(batch *Batch) error {
	outputs, err := execute(s.discGradsExec, batch.Features, batch.Waveform)
	if err != nil {
		return errors.WithMessage(err, "initializing variables")
	}
	finalizeAll(outputs)
	genVars := optim.TrainableIn(s.ctx, models.GeneratorScope)
	if err = synchronize(s.genReducer, genVars); err != nil {
		return errors.WithMessage(err, "synchronizing generator")
	}
	discVars := optim.TrainableIn(s.ctx, s.discriminatorsScopes()...)
	if err = synchronize(s.discReducer, discVars); err != nil {
		return errors.WithMessage(err, "synchronizing discriminators")
	}
	klog.V(1).Infof("initialized %d generator and %d discriminator variables", len(genVars), len(discVars))
	return nil
}

func synchronize(reducer Reducer, vars []*context.Variable) error {
	values := make([]*tensors.Tensor, len(vars))
	for ii, v := range vars {
		var err error
		values[ii], err = v.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading %q", v.ScopeAndName())
		}
	}
	synced, err := reducer.Synchronize(values)
	if err != nil {
		return err
	}
	if len(synced) != len(vars) {
		return errors.Errorf("synchronized %d values for %d variables", len(synced), len(vars))
	}
	for ii, v := range vars {
		if synced[ii] == values[ii] {
			continue
		}
		if err = v.SetValue(synced[ii]); err != nil {
			return errors.WithMessagef(err, "setting %q", v.ScopeAndName())
		}
	}
	return nil
}

// execute runs exec, converting panics into errors.
func execute(exec *context.Exec, inputs ...*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	args := make([]any, len(inputs))
	for ii, t := range inputs {
		args[ii] = t
	}
	var execErr error
	err = TryCatch[error](func() {
		outputs, _, execErr = exec.ExecWithGraph(args...)
	})
	if err == nil {
		err = execErr
	}
	return
}

func finalizeAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		if t == nil {
			continue
		}
		if err := t.FinalizeAll(); err != nil {
			klog.Warningf("freeing tensor: %+v", err)
		}
	}
}

// Finalize frees the compiled graphs of the step.
func (s *Step) Finalize() {
	for _, e := range []*context.Exec{s.discGradsExec, s.discApplyExec, s.genGradsExec, s.genApplyExec} {
		if e != nil {
			e.Finalize()
		}
	}
}
