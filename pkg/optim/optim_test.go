// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/roman-mg/multiband-hifigan/pkg/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// referenceAdamW is the host version of one AdamW update, in float64.
func referenceAdamW(p, m, v []float64, grad []float64, lr, beta1, beta2, eps, wd float64, t int) {
	for i := range p {
		p[i] -= lr * wd * p[i]
		m[i] = beta1*m[i] + (1-beta1)*grad[i]
		v[i] = beta2*v[i] + (1-beta2)*grad[i]*grad[i]
		mHat := m[i] / (1 - math.Pow(beta1, float64(t)))
		vHat := v[i] / (1 - math.Pow(beta2, float64(t)))
		p[i] -= lr * mHat / (math.Sqrt(vHat) + eps)
	}
}

func TestAdamW(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	genVar := ctx.InAbsPath("/generator/conv").VariableWithValue("weights", []float32{1, -2, 3})
	discVar := ctx.InAbsPath("/discriminators/period").VariableWithValue("weights", []float32{5, 5})

	const lr, beta1, beta2, wd = 0.1, 0.8, 0.99, 0.01
	opt := NewAdamW("generator").LearningRate(lr).Betas(beta1, beta2).WeightDecay(wd).Done()
	assert.Equal(t, "/optimizers/generator", opt.Scope())

	exec := context.MustNewExec(backend, ctx.Checked(false), func(ctx *context.Context, grad *Node) *Node {
		g := grad.Graph()
		vars := TrainableIn(ctx, "/generator")
		opt.ApplyGradients(ctx, g, vars, []*Node{grad})
		return opt.NumStepsVar(ctx).ValueGraph(g)
	})

	p := []float64{1, -2, 3}
	m := make([]float64, 3)
	v := make([]float64, 3)
	gradients := [][]float64{{0.5, -1, 2}, {0.1, 0.2, -0.3}, {1, 1, 1}}
	for step, grad := range gradients {
		numSteps := exec.MustExec1([]float32{float32(grad[0]), float32(grad[1]), float32(grad[2])})
		assert.Equal(t, int64(step+1), tensors.ToScalar[int64](numSteps))
		referenceAdamW(p, m, v, grad, lr, beta1, beta2, DefaultEpsilon, wd, step+1)
		got := tensors.MustCopyFlatData[float32](genVar.MustValue())
		for i := range p {
			assert.InDelta(t, p[i], float64(got[i]), 1e-5, "step %d, element %d", step, i)
		}
	}

	// The discriminator variable is not touched by the generator optimizer.
	assert.Equal(t, []float32{5, 5}, tensors.MustCopyFlatData[float32](discVar.MustValue()))

	// Moments live in the optimizer scope.
	stateNames := make([]string, 0)
	for _, sv := range opt.StateVariables(ctx) {
		stateNames = append(stateNames, sv.ParameterName())
		assert.False(t, sv.Trainable, "state variable %q", sv.ParameterName())
	}
	assert.Contains(t, stateNames, context.VariableParameterNameFromScopeAndName(
		"/optimizers/generator/generator/conv", "weights_1st_moment"))
	assert.Contains(t, stateNames, context.VariableParameterNameFromScopeAndName(
		"/optimizers/generator/generator/conv", "weights_2nd_moment"))
	assert.Contains(t, stateNames, context.VariableParameterNameFromScopeAndName(
		"/optimizers/generator", NumStepsVarName))
}

func TestVariablesIn(t *testing.T) {
	ctx := context.New()
	ctx.InAbsPath("/generator/b").VariableWithValue("w", float32(1))
	ctx.InAbsPath("/generator/a").VariableWithValue("w", float32(1))
	ctx.InAbsPath("/generator_extra").VariableWithValue("w", float32(1))
	ctx.InAbsPath("/generator").VariableWithValue("frozen", float32(1)).SetTrainable(false)
	ctx.InAbsPath("/discriminators/scale").VariableWithValue("w", float32(1))

	var names []string
	for _, v := range TrainableIn(ctx, "/generator") {
		names = append(names, v.Scope())
	}
	assert.Equal(t, []string{"/generator/a", "/generator/b"}, names)
	assert.Len(t, VariablesIn(ctx, "/generator"), 3)
	assert.Len(t, VariablesIn(ctx, "/generator", "/discriminators"), 4)
}

func TestExponentialLR(t *testing.T) {
	const baseLR, gamma = 0.0002, 0.999
	newSchedule := func() (*AdamW, *ExponentialLR) {
		opt := NewAdamW("discriminator").LearningRate(baseLR).Done()
		return opt, NewExponentialLR(opt, gamma)
	}

	ctx := context.New()
	opt, schedule := newSchedule()
	lr, err := opt.LearningRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, baseLR, lr)
	for range 3 {
		require.NoError(t, schedule.Step(ctx))
	}
	lr, err = opt.LearningRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, baseLR*math.Pow(gamma, 3), lr, 1e-15)

	// Resume: the cursor and the learning rate come back with the optimizer state.
	bundle := checkpoints.NewBundle()
	require.NoError(t, bundle.AddVariables("optim_d", opt.StateVariables(ctx)))
	resumed := context.New()
	bundle.AttachTo(resumed)
	opt2, schedule2 := newSchedule()
	require.NoError(t, schedule2.Sync(resumed))
	lastEpoch, err := schedule2.LastEpoch(resumed)
	require.NoError(t, err)
	assert.Equal(t, int64(3), lastEpoch)

	// One more epoch on both: the resumed run reaches the same rate as the uninterrupted one.
	require.NoError(t, schedule.Step(ctx))
	require.NoError(t, schedule2.Step(resumed))
	want, err := opt.LearningRate(ctx)
	require.NoError(t, err)
	got, err := opt2.LearningRate(resumed)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.InDelta(t, baseLR*math.Pow(gamma, 4), got, 1e-15)
}
