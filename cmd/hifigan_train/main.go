// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// hifigan_train trains the multi-band HiFi-GAN vocoder.
//
// Single process:
//
//	hifigan_train -config=configs/config_v1.json -checkpoint_path=~/work/cp_hifigan
//
// Several processes on one machine, spawned and supervised by this one:
//
//	hifigan_train -world_size=4 -spawn
//
// Or one process per rank, started externally:
//
//	hifigan_train -world_size=2 -rank=0 &
//	hifigan_train -world_size=2 -rank=1
//
// Hyperparameters of the configuration file can be overridden with -set, e.g.
// -set="batch_size=32;learning_rate=1e-4".
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/pkg/config"
	"github.com/roman-mg/multiband-hifigan/ui/commandline"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig         = flag.String("config", "configs/config_v1.json", "JSON configuration file. If it doesn't exist the defaults are used.")
	flagCheckpointPath = flag.String("checkpoint_path", "/content/drive/MyDrive/cp_hifigan", "Directory where checkpoints, summaries and the configuration are saved.")

	flagInputWavsDir        = flag.String("input_wavs_dir", "LJSpeech-1.1/wavs", "Directory with the \"<name>.wav\" files.")
	flagInputMelsDir        = flag.String("input_mels_dir", "ft_dataset", "Directory with the pre-computed \"<name>.npy\" features, used with -fine_tuning.")
	flagInputTrainingFile   = flag.String("input_training_file", "LJSpeech-1.1/training.txt", "File list of the training set.")
	flagInputValidationFile = flag.String("input_validation_file", "LJSpeech-1.1/validation.txt", "File list of the validation set.")
	flagFineTuning          = flag.Bool("fine_tuning", false, "Condition the generator on the pre-computed features of -input_mels_dir.")

	flagTrainingEpochs     = flag.Int("training_epochs", 3100, "Number of training epochs.")
	flagStdoutInterval     = flag.Int("stdout_interval", 5, "Steps between lines printed with the training losses.")
	flagCheckpointInterval = flag.Int("checkpoint_interval", 1000, "Steps between checkpoints.")
	flagSummaryInterval    = flag.Int("summary_interval", 100, "Steps between training summaries.")
	flagValidationInterval = flag.Int("validation_interval", 1000, "Steps between validations.")
	flagKeepCheckpoints    = flag.Int("keep_checkpoints", -1, "Number of checkpoint pairs to keep. Negative keeps all of them.")
	flagProgressBar        = flag.Bool("progress_bar", false, "Display a progress bar instead of the periodic training lines.")

	flagRank        = flag.Int("rank", 0, "Rank of this process in the process group.")
	flagWorldSize   = flag.Int("world_size", 1, "Number of training processes.")
	flagSpawn       = flag.Bool("spawn", false, "Spawn -world_size processes on this machine, one per rank, and wait for them.")
	flagInitTimeout = flag.Duration("init_timeout", 5*time.Minute, "Time to wait for all the processes to join the group.")
)

func main() {
	settings := commandline.CreateContextSettingsFlag(config.NewContext(config.Default()), "")
	klog.InitFlags(nil)
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		// After the first interrupt, a second one kills the process.
		<-ctx.Done()
		stop()
	}()

	fmt.Println("Initializing Training Process..")
	cfg := check1(loadConfig(*flagConfig, *settings))
	if *flagSpawn && *flagWorldSize > 1 {
		check(spawn(ctx, *flagWorldSize))
		return
	}
	err := runTraining(ctx, cfg, &options{
		checkpointPath:     fsutil.MustReplaceTildeInDir(*flagCheckpointPath),
		wavsDir:            fsutil.MustReplaceTildeInDir(*flagInputWavsDir),
		melsDir:            fsutil.MustReplaceTildeInDir(*flagInputMelsDir),
		trainingFile:       fsutil.MustReplaceTildeInDir(*flagInputTrainingFile),
		validationFile:     fsutil.MustReplaceTildeInDir(*flagInputValidationFile),
		fineTuning:         *flagFineTuning,
		epochs:             *flagTrainingEpochs,
		stdoutInterval:     *flagStdoutInterval,
		checkpointInterval: *flagCheckpointInterval,
		summaryInterval:    *flagSummaryInterval,
		validationInterval: *flagValidationInterval,
		keepCheckpoints:    *flagKeepCheckpoints,
		progressBar:        *flagProgressBar,
		rank:               *flagRank,
		worldSize:          *flagWorldSize,
		initTimeout:        *flagInitTimeout,
	})
	if err != nil {
		klog.Exitf("Training failed (rank %d): %+v", *flagRank, err)
	}
}

// loadConfig reads the configuration file, or uses the defaults if it doesn't exist, and applies
// the -set overrides.
func loadConfig(path, settings string) (*config.RunConfig, error) {
	cfg := config.Default()
	path = fsutil.MustReplaceTildeInDir(path)
	if fsutil.MustFileExists(path) {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	} else {
		klog.Warningf("configuration file %q not found, using the defaults", path)
	}
	ctx := config.NewContext(cfg)
	paramsSet, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return nil, err
	}
	if len(paramsSet) > 0 {
		klog.Infof("configuration overrides:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	cfg.FromContext(ctx)
	return cfg, cfg.Validate()
}

// childArgs returns the command line of the child process of the given rank: the arguments of
// this process, with -spawn disabled and -rank set.
func childArgs(args []string, rank int) []string {
	childArgs := make([]string, 0, len(args)+2)
	for ii := 0; ii < len(args); ii++ {
		arg := args[ii]
		name := strings.TrimLeft(arg, "-")
		if name == arg || arg == "--" {
			childArgs = append(childArgs, arg)
			continue
		}
		name, _, hasValue := strings.Cut(name, "=")
		switch name {
		case "spawn":
			continue
		case "rank":
			if !hasValue {
				ii++ // Skip the value in "-rank N".
			}
			continue
		}
		childArgs = append(childArgs, arg)
	}
	return append(childArgs, "-spawn=false", "-rank="+strconv.Itoa(rank))
}

// spawn runs one child process per rank, and waits for all of them. The first failure cancels
// the other ones.
func spawn(ctx context.Context, worldSize int) error {
	executable, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locating the executable to spawn")
	}
	g, ctx := errgroup.WithContext(ctx)
	for rank := range worldSize {
		g.Go(func() error {
			cmd := exec.CommandContext(ctx, executable, childArgs(os.Args[1:], rank)...)
			cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
			if err := cmd.Run(); err != nil {
				return errors.Wrapf(err, "training process of rank %d", rank)
			}
			return nil
		})
	}
	return g.Wait()
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
