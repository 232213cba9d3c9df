// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// loader implements context.Loader, serving the values of restored bundles to the variables
// created in the context.
type loader struct {
	prev   context.Loader
	values map[string]*tensors.Tensor
}

var _ context.Loader = (*loader)(nil)

// AttachTo installs a context.Loader that serves the bundle's variables to ctx: when a variable
// is created (e.g. while building the model graph), its value is taken from the bundle instead of
// the initializer.
//
// It can be called for several bundles on the same context: loaders installed earlier take
// priority.
func (b *Bundle) AttachTo(ctx *context.Context) {
	l := &loader{
		prev:   ctx.Loader(),
		values: make(map[string]*tensors.Tensor, b.NumVariables()),
	}
	for _, values := range b.Components {
		for name, t := range values {
			l.values[name] = t
		}
	}
	ctx.SetLoader(l)
}

// LoadVariable implements context.Loader.
// Values are consumed: once served they are removed from the loader.
func (l *loader) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	if l.prev != nil {
		value, found = l.prev.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}
	varParamName := context.VariableParameterNameFromScopeAndName(scope, name)
	value, found = l.values[varParamName]
	if !found {
		return
	}
	delete(l.values, varParamName)
	return
}

// DeleteVariable implements context.Loader.
func (l *loader) DeleteVariable(ctx *context.Context, scope, name string) error {
	if l.prev != nil {
		if err := l.prev.DeleteVariable(ctx, scope, name); err != nil {
			return err
		}
	}
	delete(l.values, context.VariableParameterNameFromScopeAndName(scope, name))
	return nil
}
