// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/pkg/adversarial"
	"github.com/roman-mg/multiband-hifigan/pkg/checkpoints"
	"github.com/roman-mg/multiband-hifigan/pkg/config"
	"github.com/roman-mg/multiband-hifigan/pkg/dataset"
	"github.com/roman-mg/multiband-hifigan/pkg/distributed"
	"github.com/roman-mg/multiband-hifigan/pkg/dsp"
	"github.com/roman-mg/multiband-hifigan/pkg/models"
	"github.com/roman-mg/multiband-hifigan/pkg/optim"
	"github.com/roman-mg/multiband-hifigan/pkg/summary"
	"github.com/roman-mg/multiband-hifigan/pkg/train"
	"github.com/roman-mg/multiband-hifigan/ui/commandline"
	"k8s.io/klog/v2"
)

// LogsDir is the sub-directory of the checkpoint path with the summaries.
const LogsDir = "logs"

// Summary tags of the training losses.
const (
	GenLossTotalTag = "training/gen_loss_total"
	MelSpecErrorTag = "training/mel_spec_error"
)

type options struct {
	checkpointPath                      string
	wavsDir, melsDir                    string
	trainingFile, validationFile        string
	fineTuning                          bool
	epochs                              int
	stdoutInterval, checkpointInterval  int
	summaryInterval, validationInterval int
	keepCheckpoints                     int
	progressBar                         bool
	rank, worldSize                     int
	initTimeout                         time.Duration
}

// runTraining runs the training process of opts.rank.
func runTraining(ctx context.Context, cfg *config.RunConfig, opts *options) (err error) {
	batchSize, err := cfg.PerProcessBatch(opts.worldSize)
	if err != nil {
		return err
	}
	fmt.Printf("Batch size per GPU : %d\n", batchSize)

	initCtx, cancelInit := context.WithTimeout(ctx, opts.initTimeout)
	coord, err := distributed.Init(initCtx, opts.rank, opts.worldSize, cfg.DistConfig.URL)
	cancelInit()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := coord.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	klog.V(1).Infof("joined process group: %s", coord)

	backend := backends.MustNew()
	defer backend.Finalize()
	klog.V(1).Infof("backend %q: %s", backend.Name(), backend.Description())

	// Models, losses and optimizers.
	mlCtx := config.NewContext(cfg)
	if err = mlCtx.SetRNGStateFromSeed(int64(cfg.Seed)); err != nil {
		return errors.WithMessage(err, "seeding the random number generator")
	}
	generator := models.NewGenerator(cfg.Generator())
	pqmfConfig := dsp.DefaultPQMFConfig()
	if cfg.OutputChannel > 1 {
		pqmfConfig.Bands = cfg.OutputChannel
	}
	filterBank := dsp.NewPQMF(pqmfConfig)
	featureMel := dsp.NewMelExtractor(cfg.FeatureMel())
	lossMel := dsp.NewMelExtractor(cfg.LossMel())
	genOptimizer := optim.NewAdamW("generator").FromContext(mlCtx).Done()
	discOptimizer := optim.NewAdamW("discriminator").FromContext(mlCtx).Done()
	step, err := adversarial.NewStep(backend, mlCtx, generator, models.AllDiscriminators(filterBank), filterBank, lossMel).
		Losses(cfg.Losses()).
		Optimizers(genOptimizer, discOptimizer).
		Reducers(coord.Wrap("generator"), coord.Wrap("discriminators")).
		Done()
	if err != nil {
		return err
	}
	defer step.Finalize()
	featurizer, err := adversarial.NewFeaturizer(backend, featureMel, lossMel)
	if err != nil {
		return err
	}
	defer featurizer.Finalize()

	loop := train.NewLoop(step, featurizer, opts.epochs).WithSchedulers(
		optim.NewExponentialLR(genOptimizer, cfg.LRDecay),
		optim.NewExponentialLR(discOptimizer, cfg.LRDecay))

	store := checkpoints.NewStore(opts.checkpointPath).Keep(opts.keepCheckpoints)
	if coord.IsAuthority() {
		fmt.Println(generator)
		if err = os.MkdirAll(opts.checkpointPath, 0o755); err != nil {
			return errors.Wrapf(err, "creating checkpoints directory %q", opts.checkpointPath)
		}
		fmt.Printf("checkpoints directory : %s\n", opts.checkpointPath)
		if err = cfg.CopyToDir(opts.checkpointPath); err != nil {
			return err
		}
	}
	found, err := loop.Restore(store)
	if err != nil {
		return err
	}
	if found {
		klog.Infof("resuming from step %d, epoch %d", loop.State.Step, loop.State.Epoch+1)
	}

	// Datasets.
	trainEntries, err := dataset.ReadFileList(opts.trainingFile)
	if err != nil {
		return err
	}
	trainDS, err := dataset.New(dataset.Config{
		Name:        "training",
		WavsDir:     opts.wavsDir,
		MelsDir:     opts.melsDir,
		SampleRate:  cfg.SamplingRate,
		SegmentSize: cfg.SegmentSize,
		HopSize:     cfg.HopSize,
		BatchSize:   batchSize,
		Split:       true,
		Shuffle:     true,
		Seed:        uint64(cfg.Seed),
		FineTuning:  opts.fineTuning,
		Rank:        opts.rank,
		WorldSize:   opts.worldSize,
		NumWorkers:  cfg.Workers(),
	}, trainEntries)
	if err != nil {
		return err
	}
	defer trainDS.Close()

	if coord.IsAuthority() {
		closeSummaries, err := attachAuthorityHooks(loop, cfg, opts, store, trainDS.StepsPerEpoch())
		if err != nil {
			return err
		}
		defer closeSummaries()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			klog.Warningf("interrupted: aborting the process group")
			_ = coord.Close()
		case <-done:
		}
	}()
	if err = loop.Run(trainDS); err != nil {
		return err
	}
	// Ranks leave together, so no connection is closed while a peer still runs a collective.
	return coord.Barrier("end of training")
}

// attachAuthorityHooks attaches the side effects of rank 0 to the loop, in the order they run
// after each step: the training line (or the progress bar), the checkpoint, the training
// summaries and the validation.
//
// It returns a function that closes the summaries, to be called after the loop ends.
func attachAuthorityHooks(loop *train.Loop, cfg *config.RunConfig, opts *options, store *checkpoints.Store,
	stepsPerEpoch int) (closeSummaries func(), err error) {
	validationEntries, err := dataset.ReadFileList(opts.validationFile)
	if err != nil {
		return nil, err
	}
	validationDS, err := dataset.New(dataset.Config{
		Name:        "validation",
		WavsDir:     opts.wavsDir,
		MelsDir:     opts.melsDir,
		SampleRate:  cfg.SamplingRate,
		SegmentSize: cfg.SegmentSize,
		HopSize:     cfg.HopSize,
		BatchSize:   1,
		FineTuning:  opts.fineTuning,
		NumWorkers:  1,
	}, validationEntries)
	if err != nil {
		return nil, err
	}
	writer, err := summary.NewWriter(filepath.Join(opts.checkpointPath, LogsDir), cfg.SamplingRate)
	if err != nil {
		validationDS.Close()
		return nil, err
	}
	validator, err := train.NewValidator(loop.Trainer, loop.Featurizer, writer)
	if err != nil {
		validationDS.Close()
		_ = writer.Close()
		return nil, err
	}
	closeSummaries = func() {
		validator.Finalize()
		validationDS.Close()
		if err := writer.Close(); err != nil {
			klog.Errorf("closing summaries in %q: %+v", writer.Dir(), err)
		}
	}

	// Printed once, after the first step created the variables.
	variablesPrinted := false
	loop.OnStep("variables summary", -10, func(loop *train.Loop, _ *adversarial.LossBundle) error {
		if !variablesPrinted {
			variablesPrinted = true
			fmt.Println(commandline.SprintVariablesSummary(loop.State.Context(),
				models.GeneratorScope, models.DiscriminatorsScope))
		}
		return nil
	})

	if opts.progressBar {
		commandline.AttachProgressBar(loop, stepsPerEpoch)
	} else {
		loop.OnEpochStart("epoch line", 0, func(_ *train.Loop, epoch int) error {
			fmt.Printf("Epoch: %d\n", epoch+1)
			return nil
		})
		train.EveryNSteps(loop, opts.stdoutInterval, false, "training line", 0,
			func(loop *train.Loop, losses *adversarial.LossBundle) error {
				genLossTotal, _ := losses.Get(adversarial.GeneratorTotal)
				melError, _ := losses.Get(adversarial.MelError)
				lastDuration := loop.TrainStepDurations[len(loop.TrainStepDurations)-1]
				commandline.ReportLine(os.Stdout, loop.State.Step, genLossTotal, melError, lastDuration.Seconds())
				return nil
			})
		loop.OnEpochEnd("epoch time", 0, func(_ *train.Loop, epoch int, elapsed time.Duration) error {
			fmt.Printf("Time taken for epoch %d is %d sec\n\n", epoch+1, int(elapsed.Seconds()))
			return nil
		})
	}

	train.EveryNSteps(loop, opts.checkpointInterval, true, "checkpoint", 10,
		func(loop *train.Loop, _ *adversarial.LossBundle) error {
			return loop.SaveCheckpoint(store)
		})

	train.EveryNSteps(loop, opts.summaryInterval, false, "training summaries", 20,
		func(loop *train.Loop, losses *adversarial.LossBundle) error {
			genLossTotal, _ := losses.Get(adversarial.GeneratorTotal)
			melError, _ := losses.Get(adversarial.MelError)
			if err := writer.Scalar(GenLossTotalTag, loop.State.Step, genLossTotal); err != nil {
				return err
			}
			return writer.Scalar(MelSpecErrorTag, loop.State.Step, melError)
		})

	train.EveryNSteps(loop, opts.validationInterval, false, "validation", 30,
		func(loop *train.Loop, _ *adversarial.LossBundle) error {
			if _, err := validator.Run(loop.State.Step, validationDS); err != nil {
				return err
			}
			return writer.RenderPlots()
		})

	loop.OnEnd("validation table", 0, func(_ *train.Loop) error {
		fmt.Println(writer.Points().TableForMetrics(train.ValidationErrorTag))
		return nil
	})
	return closeSummaries, nil
}
