// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package optim holds the optimization state of the vocoder: an AdamW optimizer per group of variables
// and the exponential learning rate schedule stepped once per epoch.
//
// All the state (moments, update counts, learning rates and schedule cursors) lives in context variables
// under /optimizers/<name>, so it is saved and restored together with the model parameters.
package optim

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// RootScope under which every optimizer keeps its state.
	RootScope = "/optimizers"

	// ParamLearningRate is the context hyperparameter with the initial learning rate of both optimizers.
	ParamLearningRate = "learning_rate"

	// ParamBeta1 and ParamBeta2 are the moving average coefficients of the 1st and 2nd moments.
	ParamBeta1 = "adam_b1"
	ParamBeta2 = "adam_b2"

	// ParamWeightDecay is the decoupled weight decay, scaled by the learning rate.
	ParamWeightDecay = "adam_weight_decay"

	// LearningRateVarName is the name of the variable holding the current learning rate.
	LearningRateVarName = "learning_rate"

	// NumStepsVarName is the name of the variable counting the updates applied.
	NumStepsVarName = "num_steps"

	DefaultLearningRate = 0.001
	DefaultBeta1        = 0.9
	DefaultBeta2        = 0.999
	DefaultEpsilon      = 1e-8
	DefaultWeightDecay  = 0.01
)

// AdamWConfig configures an AdamW optimizer. Create it with NewAdamW and finish with Done.
type AdamWConfig struct {
	name                                             string
	learningRate, beta1, beta2, epsilon, weightDecay float64
}

// NewAdamW returns the configuration of an AdamW optimizer named name: its state is kept under
// "/optimizers/<name>". It starts with the usual defaults (lr=0.001, betas=(0.9, 0.999), eps=1e-8,
// weight decay=0.01).
func NewAdamW(name string) *AdamWConfig {
	return &AdamWConfig{
		name:         name,
		learningRate: DefaultLearningRate,
		beta1:        DefaultBeta1,
		beta2:        DefaultBeta2,
		epsilon:      DefaultEpsilon,
		weightDecay:  DefaultWeightDecay,
	}
}

// FromContext reads the hyperparameters ParamLearningRate, ParamBeta1, ParamBeta2 and ParamWeightDecay
// from the context, keeping the current values for those not set.
func (c *AdamWConfig) FromContext(ctx *context.Context) *AdamWConfig {
	c.learningRate = context.GetParamOr(ctx, ParamLearningRate, c.learningRate)
	c.beta1 = context.GetParamOr(ctx, ParamBeta1, c.beta1)
	c.beta2 = context.GetParamOr(ctx, ParamBeta2, c.beta2)
	c.weightDecay = context.GetParamOr(ctx, ParamWeightDecay, c.weightDecay)
	return c
}

// LearningRate sets the initial (base) learning rate.
func (c *AdamWConfig) LearningRate(value float64) *AdamWConfig {
	c.learningRate = value
	return c
}

// Betas sets the moving average coefficients for the gradient (momentum) and its square.
func (c *AdamWConfig) Betas(beta1, beta2 float64) *AdamWConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon added to the denominator.
func (c *AdamWConfig) Epsilon(epsilon float64) *AdamWConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay sets the decoupled weight decay: parameters are multiplied by (1 - lr*weightDecay)
// before the moment-based step.
func (c *AdamWConfig) WeightDecay(weightDecay float64) *AdamWConfig {
	c.weightDecay = weightDecay
	return c
}

// Done returns the configured optimizer.
func (c *AdamWConfig) Done() *AdamW {
	if c.name == "" {
		Panicf("AdamW optimizer requires a non-empty name")
	}
	if c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 {
		Panicf("AdamW %q: invalid betas (%g, %g)", c.name, c.beta1, c.beta2)
	}
	return &AdamW{config: *c}
}

// AdamW implements Adam with decoupled weight decay, over an explicit list of variables.
type AdamW struct {
	config AdamWConfig
}

// Name of the optimizer.
func (o *AdamW) Name() string { return o.config.name }

// Scope where the optimizer keeps its state.
func (o *AdamW) Scope() string { return RootScope + context.ScopeSeparator + o.config.name }

// BaseLearningRate is the configured initial learning rate.
func (o *AdamW) BaseLearningRate() float64 { return o.config.learningRate }

// String implements fmt.Stringer.
func (o *AdamW) String() string {
	c := o.config
	return fmt.Sprintf("AdamW(%s, lr=%g, betas=(%g, %g), eps=%g, weight_decay=%g)",
		c.name, c.learningRate, c.beta1, c.beta2, c.epsilon, c.weightDecay)
}

func (o *AdamW) stateContext(ctx *context.Context) *context.Context {
	// It shouldn't matter if it's the first time or not creating the variables.
	return ctx.InAbsPath(o.Scope()).Checked(false)
}

// LearningRateVar returns the variable with the current learning rate, creating it with the base
// learning rate if it doesn't exist yet (or loading it from a checkpoint).
func (o *AdamW) LearningRateVar(ctx *context.Context) *context.Variable {
	return o.stateContext(ctx).
		VariableWithValue(LearningRateVarName, o.config.learningRate).
		SetTrainable(false)
}

// NumStepsVar returns the variable counting the number of updates applied.
func (o *AdamW) NumStepsVar(ctx *context.Context) *context.Variable {
	return o.stateContext(ctx).
		VariableWithValue(NumStepsVarName, int64(0)).
		SetTrainable(false)
}

// LearningRate returns the current value of the learning rate variable.
func (o *AdamW) LearningRate(ctx *context.Context) (float64, error) {
	value, err := o.LearningRateVar(ctx).Value()
	if err != nil {
		return 0, errors.WithMessagef(err, "reading learning rate of %s", o.config.name)
	}
	return tensors.ToScalar[float64](value), nil
}

// ApplyGradients builds the graph that updates vars with the given gradients (one per variable),
// along with the moments and the update count.
//
// The update follows the decoupled weight decay formulation:
//
//	p = p - lr*wd*p
//	m = β1*m + (1-β1)*grad;  v = β2*v + (1-β2)*grad²
//	p = p - lr * (m/(1-β1^t)) / (sqrt(v/(1-β2^t)) + ε)
//
// Only the given variables are touched.
func (o *AdamW) ApplyGradients(ctx *context.Context, g *Graph, vars []*context.Variable, grads []*Node) {
	if len(vars) != len(grads) {
		Panicf("AdamW %q: got %d variables but %d gradients", o.config.name, len(vars), len(grads))
	}
	if len(vars) == 0 {
		Panicf("AdamW %q: no variables to optimize", o.config.name)
	}

	numStepsVar := o.NumStepsVar(ctx)
	numSteps := AddScalar(numStepsVar.ValueGraph(g), 1)
	numStepsVar.SetValueGraph(numSteps)
	learningRate := o.LearningRateVar(ctx).ValueGraph(g)

	for ii, v := range vars {
		if grads[ii] == nil {
			Panicf("AdamW %q: nil gradient for variable %q", o.config.name, v.ScopeAndName())
		}
		o.applyAdamW(ctx, g, v, grads[ii], learningRate, numSteps)
	}
}

func (o *AdamW) applyAdamW(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate, numSteps *Node) {
	dtype := v.DType()
	if !dtype.IsFloat() {
		Panicf("AdamW %q: variable %q has non-float dtype %s", o.config.name, v.ScopeAndName(), dtype)
	}
	m1Var, m2Var := o.momentVariables(ctx, v)
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	lr := ConvertDType(learningRate, dtype)
	t := ConvertDType(numSteps, dtype)

	beta1 := Scalar(g, dtype, o.config.beta1)
	beta2 := Scalar(g, dtype, o.config.beta2)
	debiasTermBeta1 := Reciprocal(OneMinus(Pow(beta1, t)))
	debiasTermBeta2 := Reciprocal(OneMinus(Pow(beta2, t)))

	value := v.ValueGraph(g)
	if o.config.weightDecay > 0 {
		value = Sub(value, Mul(lr, MulScalar(value, o.config.weightDecay)))
	}

	moment1 := Add(Mul(beta1, m1Var.ValueGraph(g)), Mul(OneMinus(beta1), grad))
	m1Var.SetValueGraph(moment1)
	moment2 := Add(Mul(beta2, m2Var.ValueGraph(g)), Mul(OneMinus(beta2), Square(grad)))
	m2Var.SetValueGraph(moment2)

	denominator := AddScalar(Sqrt(Mul(moment2, debiasTermBeta2)), o.config.epsilon)
	stepDirection := Div(Mul(lr, Mul(moment1, debiasTermBeta1)), denominator)
	v.SetValueGraph(Sub(value, stepDirection))
}

// momentVariables returns the 1st and 2nd moment variables of the given trainable variable, creating
// them (zero initialized) if needed.
func (o *AdamW) momentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	stateCtx := o.stateContext(ctx).InAbsPath(o.Scope() + trainable.Scope()).WithInitializer(zeroInitializer)
	m1 = stateCtx.VariableWithShape(trainable.Name()+"_1st_moment", trainable.Shape()).SetTrainable(false)
	m2 = stateCtx.VariableWithShape(trainable.Name()+"_2nd_moment", trainable.Shape()).SetTrainable(false)
	return
}

func zeroInitializer(g *Graph, shape shapes.Shape) *Node {
	return Zeros(g, shape)
}

// StateVariables returns all the variables holding this optimizer state, sorted by parameter name.
func (o *AdamW) StateVariables(ctx *context.Context) []*context.Variable {
	return VariablesIn(ctx, o.Scope())
}
