// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/pkg/adversarial"
	"github.com/roman-mg/multiband-hifigan/pkg/checkpoints"
	"github.com/roman-mg/multiband-hifigan/pkg/dsp"
	"github.com/roman-mg/multiband-hifigan/pkg/losses"
	"github.com/roman-mg/multiband-hifigan/pkg/models"
	"github.com/roman-mg/multiband-hifigan/pkg/optim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

const (
	testSegmentSize  = 512
	testSampleRate   = 8000
	testLearningRate = 1e-3
	testGamma        = 0.5
)

// waveDataset yields a fixed list of waveform batches per epoch.
type waveDataset struct {
	batches [][][]float32
	pos     int
	epochs  []int
}

func newWaveDataset(numBatches, batchSize, numSamples int, seed uint64) *waveDataset {
	rng := rand.New(rand.NewPCG(seed, 3))
	ds := &waveDataset{batches: make([][][]float32, numBatches)}
	for ii := range ds.batches {
		batch := make([][]float32, batchSize)
		for b := range batch {
			batch[b] = make([]float32, numSamples)
			freq := 200 + 600*rng.Float64()
			for i := range batch[b] {
				batch[b][i] = float32(0.5*math.Sin(2*math.Pi*freq*float64(i)/testSampleRate) + 0.01*rng.NormFloat64())
			}
		}
		ds.batches[ii] = batch
	}
	return ds
}

func (ds *waveDataset) Yield() ([]*tensors.Tensor, error) {
	if ds.pos >= len(ds.batches) {
		return nil, io.EOF
	}
	t := tensors.FromValue(ds.batches[ds.pos])
	ds.pos++
	return []*tensors.Tensor{t}, nil
}

func (ds *waveDataset) SetEpoch(epoch int) {
	ds.pos = 0
	ds.epochs = append(ds.epochs, epoch)
}

func testMel() *dsp.MelExtractor {
	return dsp.NewMelExtractor(dsp.MelConfig{
		FFTSize: 128, NumMels: 16, SampleRate: testSampleRate, HopSize: 32, WinSize: 128,
	})
}

type testTrainer struct {
	step        *adversarial.Step
	featurizer  *adversarial.Featurizer
	genSchedule *optim.ExponentialLR
	schedules   []*optim.ExponentialLR
}

func newTestTrainer(t *testing.T, backend backends.Backend) *testTrainer {
	generator := models.NewGenerator(models.GeneratorConfig{
		UpsampleRates:          []int{4, 2},
		UpsampleKernelSizes:    []int{8, 4},
		UpsampleInitialChannel: 16,
		ResblockKernelSizes:    []int{3},
		ResblockDilationSizes:  [][]int{{1, 3}},
		OutputChannels:         4,
	})
	filterBank := dsp.NewPQMF(dsp.DefaultPQMFConfig())
	genOptimizer := optim.NewAdamW("generator").LearningRate(testLearningRate).Done()
	discOptimizer := optim.NewAdamW("discriminator").LearningRate(testLearningRate).Done()
	step, err := adversarial.NewStep(backend, context.New(), generator, models.AllDiscriminators(filterBank),
		filterBank, testMel()).
		Losses(adversarial.Config{
			SegmentSize:    testSegmentSize,
			UseSTFT:        true,
			UseSubbandSTFT: true,
			UseMelLoss:     true,
			FullBandSTFT:   losses.NewMultiResolutionSTFT([]int{128, 256, 64}, []int{16, 32, 8}, []int{64, 128, 32}),
			SubBandSTFT:    losses.NewMultiResolutionSTFT([]int{32, 64, 16}, []int{8, 16, 4}, []int{16, 32, 8}),
		}).
		Optimizers(genOptimizer, discOptimizer).
		Done()
	require.NoError(t, err)
	featurizer, err := adversarial.NewFeaturizer(backend, testMel(), testMel())
	require.NoError(t, err)
	genSchedule := optim.NewExponentialLR(genOptimizer, testGamma)
	return &testTrainer{
		step:        step,
		featurizer:  featurizer,
		genSchedule: genSchedule,
		schedules:   []*optim.ExponentialLR{genSchedule, optim.NewExponentialLR(discOptimizer, testGamma)},
	}
}

func (tt *testTrainer) newLoop(epochs int) *Loop {
	return NewLoop(tt.step, tt.featurizer, epochs).WithSchedulers(tt.schedules...)
}

// recordSteps registers a hook recording the global step of every executed step.
func recordSteps(loop *Loop) *[]int64 {
	var steps []int64
	loop.OnStep("record", 0, func(loop *Loop, losses *adversarial.LossBundle) error {
		steps = append(steps, loop.State.Step)
		return nil
	})
	return &steps
}

func numStepsOf(t *testing.T, ctx *context.Context, optimizer string) int64 {
	v := ctx.GetVariableByScopeAndName(optim.RootScope+context.ScopeSeparator+optimizer, optim.NumStepsVarName)
	require.NotNil(t, v)
	return tensors.ToScalar[int64](v.MustValue())
}

func TestLoopContiguousSteps(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tt := newTestTrainer(t, backend)
	loop := tt.newLoop(2)
	assert.Equal(t, Initializing, loop.Phase())
	steps := recordSteps(loop)
	var epochsEnded []int
	loop.OnEpochEnd("epochs", 0, func(loop *Loop, epoch int, elapsed time.Duration) error {
		epochsEnded = append(epochsEnded, epoch)
		assert.Len(t, loop.TrainStepDurations, 3)
		return nil
	})
	var phaseAtStep Phase
	loop.OnStep("phase", 1, func(loop *Loop, losses *adversarial.LossBundle) error {
		phaseAtStep = loop.Phase()
		_, found := losses.Get(adversarial.GeneratorTotal)
		assert.True(t, found)
		return nil
	})
	ds := newWaveDataset(3, 2, testSegmentSize, 1)
	require.NoError(t, loop.Run(ds))

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, *steps)
	assert.Equal(t, []int{0, 1}, epochsEnded)
	assert.Equal(t, []int{0, 1}, ds.epochs)
	assert.Equal(t, Running, phaseAtStep)
	assert.Equal(t, Terminated, loop.Phase())
	assert.Equal(t, int64(6), loop.State.Step)

	// Both optimizers updated once per step, and the schedules stepped once per epoch.
	ctx := tt.step.Context()
	assert.Equal(t, int64(6), numStepsOf(t, ctx, "generator"))
	assert.Equal(t, int64(6), numStepsOf(t, ctx, "discriminator"))
	lastEpoch, err := tt.genSchedule.LastEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lastEpoch)
	genOptimizer, _ := tt.step.Optimizers()
	lr, err := genOptimizer.LearningRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, testLearningRate*testGamma*testGamma, lr, 1e-9)

	require.Error(t, loop.Run(ds))
}

func TestLoopResume(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	store := checkpoints.NewStore(t.TempDir())
	ds := newWaveDataset(3, 2, testSegmentSize, 2)

	// First run: 2 epochs of 3 steps, checkpoints at steps 2 and 4.
	first := newTestTrainer(t, backend)
	loop := first.newLoop(2)
	found, err := loop.Restore(store)
	require.NoError(t, err)
	require.False(t, found)
	EveryNSteps(loop, 2, true, "checkpoint", 0, func(loop *Loop, _ *adversarial.LossBundle) error {
		return loop.SaveCheckpoint(store)
	})
	require.NoError(t, loop.Run(ds))
	saved, err := checkpoints.ListSteps(store.Dir(), checkpoints.DiscriminatorPrefix)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4}, saved)

	// Resumed run, for one more epoch: the epoch of the checkpoint is run again.
	resumed := newTestTrainer(t, backend)
	loop = resumed.newLoop(3)
	found, err = loop.Restore(store)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Resuming, loop.Phase())
	assert.Equal(t, int64(5), loop.State.Step)
	assert.Equal(t, 1, loop.State.Epoch)

	// Restored generator parameters match the checkpoint.
	ds.SetEpoch(0)
	inputs, err := ds.Yield()
	require.NoError(t, err)
	batch, err := resumed.featurizer.Featurize(inputs)
	require.NoError(t, err)
	require.NoError(t, loop.Initialize(batch))
	require.NoError(t, batch.Finalize())
	genBundle, err := checkpoints.Load(filepath.Join(store.Dir(), checkpoints.FileName(checkpoints.GeneratorPrefix, 4)))
	require.NoError(t, err)
	genVars := optim.VariablesIn(resumed.step.Context(), models.GeneratorScope)
	require.Len(t, genVars, len(genBundle.Components[ComponentGenerator]))
	for _, v := range genVars {
		want := genBundle.Components[ComponentGenerator][v.ParameterName()]
		require.NotNil(t, want, "variable %q not in checkpoint", v.ParameterName())
		assert.Equal(t, tensors.MustCopyFlatData[float32](want), tensors.MustCopyFlatData[float32](v.MustValue()))
	}

	steps := recordSteps(loop)
	require.NoError(t, loop.Run(ds))
	assert.Equal(t, []int64{5, 6, 7, 8, 9, 10}, *steps)
	assert.Equal(t, []int{1, 2}, ds.epochs[len(ds.epochs)-2:])

	// Optimizer state continued from the checkpoint: 5 updates (steps 0 to 4) plus 6.
	ctx := resumed.step.Context()
	assert.Equal(t, int64(11), numStepsOf(t, ctx, "generator"))
	assert.Equal(t, int64(11), numStepsOf(t, ctx, "discriminator"))
	lastEpoch, err := resumed.genSchedule.LastEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), lastEpoch)
	genOptimizer, _ := resumed.step.Optimizers()
	lr, err := genOptimizer.LearningRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, resumed.genSchedule.LearningRateAt(3), lr, 1e-9)
}

func TestRestoreLoneGenerator(t *testing.T) {
	dir := t.TempDir()
	bundle := checkpoints.NewBundle()
	bundle.Components[ComponentGenerator] = map[string]*tensors.Tensor{
		"/generator/conv_pre/weights": tensors.FromValue([]float32{1, 2, 3}),
	}
	require.NoError(t, checkpoints.Persist(filepath.Join(dir, checkpoints.FileName(checkpoints.GeneratorPrefix, 7)), bundle))

	tt := newTestTrainer(t, graphtest.BuildTestBackend())
	loop := tt.newLoop(1)
	_, err := loop.Restore(checkpoints.NewStore(dir))
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoints.ErrInconsistent))
	assert.Equal(t, Initializing, loop.Phase())
	assert.Equal(t, int64(0), loop.State.Step)
}

func TestEveryNSteps(t *testing.T) {
	loop := &Loop{State: &State{}, onStep: newPriorityHooks[*hookWithName[OnStepFn]]()}
	var order []string
	record := func(name string) OnStepFn {
		return func(loop *Loop, _ *adversarial.LossBundle) error {
			order = append(order, name)
			return nil
		}
	}
	var fired, firedWithZero []int64
	EveryNSteps(loop, 5, true, "skip_zero", 0, func(loop *Loop, _ *adversarial.LossBundle) error {
		fired = append(fired, loop.State.Step)
		return nil
	})
	EveryNSteps(loop, 5, false, "with_zero", 0, func(loop *Loop, _ *adversarial.LossBundle) error {
		firedWithZero = append(firedWithZero, loop.State.Step)
		return nil
	})
	EveryNSteps(loop, 0, false, "disabled", 0, record("disabled"))
	loop.OnStep("late", 10, record("late"))
	loop.OnStep("early", -10, record("early"))

	for step := range int64(12) {
		loop.State.Step = step
		for hook := range loop.onStep.All() {
			require.NoError(t, hook.fn(loop, nil))
		}
	}
	assert.Equal(t, []int64{5, 10}, fired)
	assert.Equal(t, []int64{0, 5, 10}, firedWithZero)
	assert.Len(t, order, 24)
	assert.Equal(t, "early", order[0])
	assert.Equal(t, "late", order[1])
	assert.False(t, slices.Contains(order, "disabled"))
}

// recordingSink keeps the tags of everything emitted.
type recordingSink struct {
	scalars map[string][]float64
	audio   []string
	figures []string
}

func (s *recordingSink) Scalar(tag string, _ int64, value float64) error {
	if s.scalars == nil {
		s.scalars = make(map[string][]float64)
	}
	s.scalars[tag] = append(s.scalars[tag], value)
	return nil
}

func (s *recordingSink) Audio(tag string, _ int64, samples []float32) error {
	if len(samples) == 0 {
		return errors.Errorf("empty audio %q", tag)
	}
	s.audio = append(s.audio, tag)
	return nil
}

func (s *recordingSink) Figure(tag string, _ int64, spectrogram [][]float32) error {
	if len(spectrogram) == 0 || len(spectrogram[0]) != 16 {
		return errors.Errorf("figure %q has the wrong shape", tag)
	}
	s.figures = append(s.figures, tag)
	return nil
}

func TestValidator(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tt := newTestTrainer(t, backend)
	ds := newWaveDataset(1, 2, testSegmentSize, 3)
	ds.SetEpoch(0)
	inputs, err := ds.Yield()
	require.NoError(t, err)
	batch, err := tt.featurizer.Featurize(inputs)
	require.NoError(t, err)
	require.NoError(t, tt.newLoop(1).Initialize(batch))
	require.NoError(t, batch.Finalize())

	sink := &recordingSink{}
	validator, err := NewValidator(tt.step, tt.featurizer, sink)
	require.NoError(t, err)
	defer validator.Finalize()

	// 6 utterances of one example each.
	validation := newWaveDataset(6, 1, 2*testSegmentSize, 4)
	ctx := tt.step.Context()
	genVars := optim.VariablesIn(ctx, models.GeneratorScope)
	before := make([][]float32, len(genVars))
	for ii, v := range genVars {
		before[ii] = tensors.MustCopyFlatData[float32](v.MustValue())
	}

	mean, err := validator.Run(0, validation)
	require.NoError(t, err)
	assert.Greater(t, mean, 0.0)
	assert.Equal(t, []float64{mean}, sink.scalars[ValidationErrorTag])
	assert.Equal(t, []string{
		"gt/y_0", "generated/y_hat_0", "gt/y_1", "generated/y_hat_1", "gt/y_2", "generated/y_hat_2",
		"gt/y_3", "generated/y_hat_3", "gt/y_4", "generated/y_hat_4",
	}, sink.audio)
	assert.Len(t, sink.figures, 10)
	assert.Contains(t, sink.figures, "gt/y_spec_4")
	assert.NotContains(t, sink.figures, "generated/y_hat_spec_5")

	// Later steps only emit the generated artifacts, and the same error for the same parameters.
	sink.audio, sink.figures = nil, nil
	again, err := validator.Run(1000, validation)
	require.NoError(t, err)
	assert.InDelta(t, mean, again, 1e-5)
	assert.Len(t, sink.audio, 5)
	assert.Len(t, sink.figures, 5)
	assert.Equal(t, "generated/y_hat_spec_0", sink.figures[0])

	// Validation doesn't touch the parameters.
	for ii, v := range genVars {
		assert.Equal(t, before[ii], tensors.MustCopyFlatData[float32](v.MustValue()))
	}

	_, err = validator.Run(2000, newWaveDataset(0, 1, testSegmentSize, 5))
	require.Error(t, err)
}

func TestValidatorExecError(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tt := newTestTrainer(t, backend)
	ds := newWaveDataset(1, 2, testSegmentSize, 3)
	ds.SetEpoch(0)
	inputs, err := ds.Yield()
	require.NoError(t, err)
	batch, err := tt.featurizer.Featurize(inputs)
	require.NoError(t, err)
	require.NoError(t, tt.newLoop(1).Initialize(batch))
	require.NoError(t, batch.Finalize())

	sink := &recordingSink{}
	validator, err := NewValidator(tt.step, tt.featurizer, sink)
	require.NoError(t, err)
	defer validator.Finalize()
	validator.exec.SetMaxCache(1)

	_, err = validator.Run(0, newWaveDataset(1, 1, 2*testSegmentSize, 4))
	require.NoError(t, err)
	// Utterances of another length need a second graph, which fails to be created: the error is
	// reported and nothing is recorded.
	sink.scalars = nil
	_, err = validator.Run(1000, newWaveDataset(1, 1, 3*testSegmentSize, 4))
	require.Error(t, err)
	assert.Empty(t, sink.scalars)
}
