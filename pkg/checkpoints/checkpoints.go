// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints persists and restores the training state as pairs of bundle files.
//
// Every checkpoint interval two files are written to the checkpoint directory: the generator
// bundle "g_%08d" and the discriminators plus optimizers bundle "do_%08d", where the suffix
// is the global step. Resuming picks the pair with the greatest step.
//
// Example:
//
//	store := checkpoints.NewStore(dir).Keep(*flagKeep)
//	gen, disc, err := store.RestorePair()
//	if err != nil { klog.Exitf("%+v", err) }
//	if gen != nil {
//		gen.AttachTo(ctx)
//		disc.AttachTo(ctx)
//	}
package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// GeneratorPrefix of the generator bundle files.
	GeneratorPrefix = "g_"

	// DiscriminatorPrefix of the discriminators and optimizers bundle files.
	DiscriminatorPrefix = "do_"

	// CounterSteps is the global step counter stored in the discriminator bundle.
	CounterSteps = "steps"

	// CounterEpoch is the epoch counter stored in the discriminator bundle.
	CounterEpoch = "epoch"
)

var (
	// ErrInconsistent is returned when the two halves of a checkpoint don't match: only one of them
	// exists, or their latest steps differ.
	ErrInconsistent = errors.New("inconsistent checkpoint")

	// ErrCorrupt is returned when a checkpoint file can't be deserialized.
	ErrCorrupt = errors.New("corrupt checkpoint")
)

// FileName returns the file name for the bundle with the given prefix and step.
func FileName(prefix string, step int64) string {
	return fmt.Sprintf("%s%08d", prefix, step)
}

// ListSteps returns the steps of the bundles with the given prefix in dir, in increasing order.
// A missing directory has no steps.
func ListSteps(dir, prefix string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing checkpoints in %q", dir)
	}
	re := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `(\d{8,})$`)
	var steps []int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := re.FindStringSubmatch(entry.Name())
		if len(matches) != 2 {
			continue
		}
		step, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			continue
		}
		steps = append(steps, step)
	}
	slices.Sort(steps)
	return steps, nil
}

// RestoreLatest loads the bundle with the given prefix and the greatest step in dir.
//
// It returns a nil bundle (and no error) if there is none: an empty or missing directory
// is not an error.
func RestoreLatest(dir, prefix string) (b *Bundle, step int64, err error) {
	steps, err := ListSteps(dir, prefix)
	if err != nil || len(steps) == 0 {
		return nil, 0, err
	}
	step = steps[len(steps)-1]
	path := filepath.Join(dir, FileName(prefix, step))
	klog.Infof("Loading %q", path)
	b, err = Load(path)
	if err != nil {
		return nil, 0, err
	}
	return b, step, nil
}

// Store manages the checkpoint pairs of a training run in one directory.
type Store struct {
	dir  string
	keep int
}

// NewStore creates a Store for the given directory. The directory is created on the first Save.
func NewStore(dir string) *Store {
	return &Store{dir: dir, keep: -1}
}

// Keep configures the number of checkpoint pairs to keep. Older pairs are removed after each Save.
// A negative value (the default) keeps all of them.
func (s *Store) Keep(n int) *Store {
	s.keep = n
	return s
}

// Dir of the store.
func (s *Store) Dir() string { return s.dir }

// String implements fmt.Stringer.
func (s *Store) String() string {
	return fmt.Sprintf("checkpoints.Store(%q)", s.dir)
}

// Save persists both bundles of a checkpoint for the given step.
// The generator bundle is written first, so a crash in between leaves a lone generator file,
// which RestorePair reports as inconsistent.
func (s *Store) Save(step int64, generator, discriminators *Bundle) error {
	if err := os.MkdirAll(s.dir, 0o777); err != nil {
		return errors.Wrapf(err, "%s: creating directory", s)
	}
	genPath := filepath.Join(s.dir, FileName(GeneratorPrefix, step))
	if err := Persist(genPath, generator); err != nil {
		return errors.WithMessagef(err, "%s: saving generator", s)
	}
	discPath := filepath.Join(s.dir, FileName(DiscriminatorPrefix, step))
	if err := Persist(discPath, discriminators); err != nil {
		return errors.WithMessagef(err, "%s: saving discriminators", s)
	}
	fmt.Printf("Saving checkpoint to %s\n", genPath)
	fmt.Printf("Saving checkpoint to %s\n", discPath)
	return s.keepNCheckpoints()
}

// RestorePair loads the latest checkpoint pair.
//
// It returns nil bundles (and no error) if there are no checkpoints, so training starts fresh.
// If only one of the two files exists, or the latest steps of the two prefixes differ, it returns
// ErrInconsistent: a generator without its optimizer state can't be resumed.
func (s *Store) RestorePair() (generator, discriminators *Bundle, err error) {
	genSteps, err := ListSteps(s.dir, GeneratorPrefix)
	if err != nil {
		return nil, nil, err
	}
	discSteps, err := ListSteps(s.dir, DiscriminatorPrefix)
	if err != nil {
		return nil, nil, err
	}
	if len(genSteps) == 0 && len(discSteps) == 0 {
		return nil, nil, nil
	}
	if len(genSteps) == 0 || len(discSteps) == 0 {
		return nil, nil, errors.Wrapf(ErrInconsistent, "%s: found %d generator and %d discriminator files",
			s, len(genSteps), len(discSteps))
	}
	genStep, discStep := genSteps[len(genSteps)-1], discSteps[len(discSteps)-1]
	if genStep != discStep {
		return nil, nil, errors.Wrapf(ErrInconsistent, "%s: latest generator step %d differs from discriminator step %d",
			s, genStep, discStep)
	}

	generator, _, err = RestoreLatest(s.dir, GeneratorPrefix)
	if err != nil {
		return nil, nil, err
	}
	discriminators, _, err = RestoreLatest(s.dir, DiscriminatorPrefix)
	if err != nil {
		return nil, nil, err
	}
	for _, key := range []string{CounterSteps, CounterEpoch} {
		if _, found := discriminators.Counter(key); !found {
			return nil, nil, errors.Wrapf(ErrCorrupt, "%s: discriminator bundle at step %d has no %q counter",
				s, discStep, key)
		}
	}
	return generator, discriminators, nil
}

// keepNCheckpoints removes the oldest pairs in excess of the configured number to keep.
func (s *Store) keepNCheckpoints() error {
	if s.keep < 0 {
		return nil
	}
	for _, prefix := range []string{GeneratorPrefix, DiscriminatorPrefix} {
		steps, err := ListSteps(s.dir, prefix)
		if err != nil {
			return err
		}
		if len(steps) <= s.keep {
			continue
		}
		for _, step := range steps[:len(steps)-s.keep] {
			fileName := filepath.Join(s.dir, FileName(prefix, step))
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", s, fileName)
			}
		}
	}
	return nil
}
