// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
)

// inScope returns whether the variable scope is scope itself or one of its sub-scopes.
func inScope(varScope, scope string) bool {
	scope = strings.TrimSuffix(scope, context.ScopeSeparator)
	return varScope == scope || strings.HasPrefix(varScope, scope+context.ScopeSeparator)
}

// VariablesIn returns all variables under any of the given absolute scopes, sorted by parameter name.
func VariablesIn(ctx *context.Context, scopes ...string) []*context.Variable {
	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		for _, scope := range scopes {
			if inScope(v.Scope(), scope) {
				vars = append(vars, v)
				break
			}
		}
	}
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		return strings.Compare(a.ParameterName(), b.ParameterName())
	})
	return vars
}

// TrainableIn returns the trainable variables under any of the given absolute scopes, sorted by
// parameter name. It is how the disjoint groups of each optimizer are selected.
func TrainableIn(ctx *context.Context, scopes ...string) []*context.Variable {
	return slices.DeleteFunc(VariablesIn(ctx, scopes...), func(v *context.Variable) bool {
		return !v.Trainable
	})
}
