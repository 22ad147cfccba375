// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package normact implements normalization layers fused with an activation, with optional
// feature-wise linear modulation (FiLM) of the normalized features.
//
// The batch normalization follows the PyTorch conventions (channels-first layout, momentum as the weight of
// the new batch statistics, unbiased variance for the running average), so that weights of networks
// pretrained elsewhere can be loaded as is. With FiLM enabled, a learned per-channel scale ("film_gamma")
// and shift ("film_beta") are applied after normalization and before the activation:
//
//	y = activation(dropout(film_gamma * batchnorm(x) + film_beta))
//
// With film_gamma=1 and film_beta=0 the output is the same as without FiLM.
//
// Based on paper "FiLM: Visual Reasoning with a General Conditioning Layer" (Perez et al.),
// https://arxiv.org/abs/1709.07871.
package normact

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// Names of the variables created by the layers, in the scope of the context they are given.
const (
	ParamWeight            = "weight"
	ParamBias              = "bias"
	ParamRunningMean       = "running_mean"
	ParamRunningVar        = "running_var"
	ParamNumBatchesTracked = "num_batches_tracked"
	ParamFiLMGamma         = "film_gamma"
	ParamFiLMBeta          = "film_beta"
)

const (
	// DefaultMomentum is the weight of a new batch in the running statistics.
	DefaultMomentum = 0.1

	// DefaultEpsilon is added to the variance before taking its square root.
	DefaultEpsilon = 1e-5

	// ChannelsAxis of the 4D inputs, shaped [batch, channels, height, width].
	ChannelsAxis = 1
)

// Config for a batch normalization + activation layer.
// Create it with New, set the desired parameters, and when all is set, call Done.
type Config struct {
	ctx               *context.Context
	x                 *Node
	momentum, epsilon float64
	cumulative        bool
	activation        activations.Type
	dropoutRate       float64
	film              bool
	gamma, beta       *Node
	weight, bias      *Node
}

// New creates a batch normalization + activation layer on x, which must be shaped
// `[batch, channels, height, width]`.
//
// Variables are created (or reused, if they already exist) in the current scope of ctx: ParamWeight and ParamBias
// (the batch normalization affine transform), ParamRunningMean, ParamRunningVar and ParamNumBatchesTracked (not
// trainable), and, if FiLM is enabled, ParamFiLMGamma and ParamFiLMBeta.
//
// During training (see context.Context.IsTraining) it normalizes with the batch statistics and updates the
// running statistics. Otherwise, it normalizes with the running statistics.
//
// The default activation is ReLU, with no dropout and FiLM disabled.
func New(ctx *context.Context, x *Node) *Config {
	return &Config{
		ctx:        ctx,
		x:          x,
		momentum:   DefaultMomentum,
		epsilon:    DefaultEpsilon,
		activation: activations.TypeRelu,
	}
}

// Momentum sets the weight of the current batch statistics in the update of the running statistics:
// running = (1-momentum)*running + momentum*batch. Default is DefaultMomentum.
func (c *Config) Momentum(momentum float64) *Config {
	c.momentum = momentum
	c.cumulative = false
	return c
}

// CumulativeAverage configures the running statistics to be the plain average over all batches seen so far,
// instead of an exponential moving average. This corresponds to not setting a momentum in PyTorch.
func (c *Config) CumulativeAverage() *Config {
	c.cumulative = true
	return c
}

// Epsilon is a small float added to variance to avoid dividing by zero. Default is DefaultEpsilon.
func (c *Config) Epsilon(epsilon float64) *Config {
	c.epsilon = epsilon
	return c
}

// Activation to apply at the end. Use activations.TypeNone for no activation.
func (c *Config) Activation(activation activations.Type) *Config {
	c.activation = activation
	return c
}

// Dropout rate applied after normalization (and FiLM), before the activation. Only used during training.
// Default is 0, meaning no dropout.
func (c *Config) Dropout(rate float64) *Config {
	c.dropoutRate = rate
	return c
}

// FiLM enables the feature-wise linear modulation of the normalized values, using the variables
// ParamFiLMGamma and ParamFiLMBeta.
func (c *Config) FiLM(enabled bool) *Config {
	c.film = enabled
	return c
}

// Values sets the FiLM scale (gamma) and shift (beta) to be used, instead of the ones stored in the context.
// This is used when the values are generated by another model (a hyper-network).
// Each is shaped `[channels]`, or `[batch, channels]` for per-example values. A nil value uses the variable
// stored in the context. It implies FiLM(true).
func (c *Config) Values(gamma, beta *Node) *Config {
	c.film = true
	c.gamma, c.beta = gamma, beta
	return c
}

// Affine sets the batch normalization weight and bias to be used, instead of the ones stored in the context.
// Shapes follow Values, and a nil value uses the variable stored in the context.
func (c *Config) Affine(weight, bias *Node) *Config {
	c.weight, c.bias = weight, bias
	return c
}

// Done finishes configuring the layer and returns the normalized, modulated and activated x.
func (c *Config) Done() *Node {
	x := c.x
	if x.Rank() != 4 {
		exceptions.Panicf("normact: expected 4D input shaped [batch, channels, height, width], got %dD input %s",
			x.Rank(), x.Shape())
	}
	g := x.Graph()
	dtype := x.DType()
	channels := x.Shape().Dimensions[ChannelsAxis]
	ctx := c.ctx.Checked(false)
	varShape := shapes.Make(dtype, channels)

	weight, bias := c.weight, c.bias
	if weight == nil {
		weight = ctx.WithInitializer(initializers.One).VariableWithShape(ParamWeight, varShape).ValueGraph(g)
	}
	if bias == nil {
		bias = ctx.WithInitializer(initializers.Zero).VariableWithShape(ParamBias, varShape).ValueGraph(g)
	}
	runningMeanVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape(ParamRunningMean, varShape).
		SetTrainable(false)
	runningVarVar := ctx.WithInitializer(initializers.One).
		VariableWithShape(ParamRunningVar, varShape).
		SetTrainable(false)

	var mean, variance *Node
	training := ctx.IsTraining(g)
	if training {
		mean, variance = batchMeanAndVariance(x)
		c.updateRunningStatistics(ctx, g, mean, variance, runningMeanVar, runningVarVar)
	} else {
		mean, variance = runningMeanVar.ValueGraph(g), runningVarVar.ValueGraph(g)
	}

	output := Div(
		Sub(x, expandChannels(mean)),
		Sqrt(AddScalar(expandChannels(variance), c.epsilon)))
	output = FiLM(output, weight, bias)

	if c.film {
		gamma, beta := c.gamma, c.beta
		if gamma == nil {
			gamma = ctx.WithInitializer(initializers.One).VariableWithShape(ParamFiLMGamma, varShape).ValueGraph(g)
		}
		if beta == nil {
			beta = ctx.WithInitializer(initializers.Zero).VariableWithShape(ParamFiLMBeta, varShape).ValueGraph(g)
		}
		output = FiLM(output, gamma, beta)
	}

	if c.dropoutRate > 0 && training {
		output = layers.Dropout(ctx, output, Scalar(g, dtype, c.dropoutRate))
	}
	return activations.Apply(c.activation, output)
}

// batchMeanAndVariance returns the per-channel mean and (biased) variance, shaped [channels].
func batchMeanAndVariance(x *Node) (mean, variance *Node) {
	mean = ReduceAndKeep(x, ReduceMean, 0, 2, 3)
	variance = ReduceMean(Square(Sub(x, mean)), 0, 2, 3)
	mean = Reshape(mean, variance.Shape().Dimensions...)
	return
}

// updateRunningStatistics increments the batch counter and moves the running mean and variance towards
// the batch statistics. The running variance uses the unbiased estimate of the batch variance.
func (c *Config) updateRunningStatistics(ctx *context.Context, g *Graph, mean, variance *Node,
	runningMeanVar, runningVarVar *context.Variable) {
	dtype := mean.DType()
	countVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape(ParamNumBatchesTracked, shapes.Make(dtypes.Int64)).
		SetTrainable(false)
	count := OnePlus(countVar.ValueGraph(g))
	countVar.SetValueGraph(count)

	var factor *Node
	if c.cumulative {
		factor = Reciprocal(ConvertDType(count, dtype))
	} else {
		factor = Scalar(g, dtype, c.momentum)
	}

	numValues := c.x.Shape().Size() / mean.Shape().Size()
	unbiased := variance
	if numValues > 1 {
		unbiased = MulScalar(variance, float64(numValues)/float64(numValues-1))
	}
	mean, unbiased = StopGradient(mean), StopGradient(unbiased)

	runningMeanVar.SetValueGraph(Add(
		Mul(OneMinus(factor), runningMeanVar.ValueGraph(g)),
		Mul(factor, mean)))
	runningVarVar.SetValueGraph(Add(
		Mul(OneMinus(factor), runningVarVar.ValueGraph(g)),
		Mul(factor, unbiased)))
}

// expandChannels reshapes a per-channel vector to [1, channels, 1, 1].
func expandChannels(v *Node) *Node {
	return Reshape(v, 1, v.Shape().Size(), 1, 1)
}

// FiLM applies the feature-wise linear modulation gamma*x + beta, where gamma and beta are shaped
// `[channels]` and are broadcast over all axes of x other than the channels axis (axis 1).
// They can also be shaped `[batch, channels]`, with one set of values per example of x.
func FiLM(x, gamma, beta *Node) *Node {
	if x.Rank() < 2 {
		exceptions.Panicf("FiLM requires x with a channels axis at position 1, got x.shape=%s", x.Shape())
	}
	return Add(Mul(perChannel(x, gamma, "gamma"), x), perChannel(x, beta, "beta"))
}

// perChannel reshapes v, shaped [channels] or [batch, channels], so it broadcasts over x.
func perChannel(x, v *Node, name string) *Node {
	channels := x.Shape().Dimensions[ChannelsAxis]
	dims := xslices.SliceWithValue(x.Rank(), 1)
	dims[ChannelsAxis] = channels
	switch {
	case v.Rank() == 1 && v.Shape().Dimensions[0] == channels:
	case v.Rank() == 2 && v.Shape().Dimensions[1] == channels &&
		(v.Shape().Dimensions[0] == x.Shape().Dimensions[0] || v.Shape().Dimensions[0] == 1):
		dims[0] = v.Shape().Dimensions[0]
	default:
		exceptions.Panicf("FiLM %s (%s) must be shaped [%d] or [batch, %d] for x.shape=%s",
			name, v.Shape(), channels, channels, x.Shape())
	}
	return Reshape(v, dims...)
}
