// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// CombineFn merges the value of a term into the running total. total is nil for the first enabled term.
type CombineFn func(total, value *Node) *Node

// Sum is the default CombineFn: it adds the value to the total.
func Sum(total, value *Node) *Node {
	return sum(total, value)
}

// Balance halves the running total and adds half of the value, so the new term weighs as much as
// everything accumulated before it.
func Balance(total, value *Node) *Node {
	half := MulScalar(value, 0.5)
	if total == nil {
		return half
	}
	return Add(MulScalar(total, 0.5), half)
}

// Term is one named, optionally disabled, component of a loss.
type Term struct {
	Name    string
	Enabled bool

	// Compute builds the term. It is only called if the term is enabled.
	Compute func() *Node

	// Combine merges the term into the running total. If nil, Sum is used.
	Combine CombineFn
}

// Value is the scalar value of one term.
type Value struct {
	Name  string
	Value *Node
}

// Accumulate builds the enabled terms, in order, and combines them into the total.
//
// It returns the total and the value of each enabled term. Disabled terms are not built and don't
// appear in values. With no enabled terms the total is a zero scalar of the given dtype.
func Accumulate(g *Graph, dtype dtypes.DType, terms []Term) (total *Node, values []Value) {
	for _, term := range terms {
		if !term.Enabled {
			continue
		}
		if term.Compute == nil {
			Panicf("loss term %q has no Compute function", term.Name)
		}
		value := term.Compute()
		if value.Rank() != 0 {
			Panicf("loss term %q must be a scalar, got %s", term.Name, value.Shape())
		}
		combine := term.Combine
		if combine == nil {
			combine = Sum
		}
		total = combine(total, value)
		values = append(values, Value{Name: term.Name, Value: value})
	}
	if total == nil {
		total = ScalarZero(g, dtype)
	}
	return
}
