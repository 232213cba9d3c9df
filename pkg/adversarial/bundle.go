// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package adversarial

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Names of the values reported in the LossBundle, besides the individual loss terms
// ("gen/<term>" and "disc/<discriminator>").
const (
	DiscriminatorTotal = "disc/total"
	GeneratorTotal     = "gen/total"
	MelError           = "mel_error"
)

// LossBundle holds the named scalar losses of one step, in the order they were computed.
type LossBundle struct {
	names  []string
	values map[string]float64
}

// NewLossBundle returns an empty LossBundle.
func NewLossBundle() *LossBundle {
	return &LossBundle{values: make(map[string]float64)}
}

// Set the value of name. New names are appended at the end.
func (b *LossBundle) Set(name string, value float64) {
	if _, found := b.values[name]; !found {
		b.names = append(b.names, name)
	}
	b.values[name] = value
}

// Get returns the value of name, and whether it is present.
func (b *LossBundle) Get(name string) (value float64, found bool) {
	value, found = b.values[name]
	return
}

// Names in the order they were set.
func (b *LossBundle) Names() []string {
	return b.names
}

// Len is the number of values in the bundle.
func (b *LossBundle) Len() int {
	return len(b.names)
}

// String implements fmt.Stringer.
func (b *LossBundle) String() string {
	parts := make([]string, len(b.names))
	for ii, name := range b.names {
		parts[ii] = fmt.Sprintf("%s=%.4g", name, b.values[name])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// setScalars reads scalar tensors into the bundle, freeing them.
func (b *LossBundle) setScalars(names []string, scalars []*tensors.Tensor) error {
	if len(names) > len(scalars) {
		return errors.Errorf("expected %d loss values, got %d", len(names), len(scalars))
	}
	for ii, name := range names {
		t := scalars[ii]
		if t.Shape().Rank() != 0 {
			return errors.Errorf("loss %q is not a scalar: %s", name, t.Shape())
		}
		value, err := scalarToFloat64(t)
		if err != nil {
			return errors.WithMessagef(err, "loss %q", name)
		}
		b.Set(name, value)
		if err := t.FinalizeAll(); err != nil {
			return errors.WithMessagef(err, "freeing loss %q", name)
		}
	}
	return nil
}

func scalarToFloat64(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, errors.Errorf("unsupported dtype %s", t.DType())
}
