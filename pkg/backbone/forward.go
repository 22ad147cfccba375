// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbone

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/fewshot/pkg/layers/normact"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/nn"
)

// LayerNormEpsilon used by KindLayerNorm modules.
const LayerNormEpsilon = 1e-6

// Forward builds the features of the images x, shaped [batch, channels, height, width].
// It returns the pooled features, shaped [batch, features].
//
// overrides maps parameter names (see Parameters) to values to be used instead of the ones stored in the
// context. Typically, these are FiLM parameters generated by another model. It can be nil.
//
// Whether the graph is built for training is taken from the backbone's context, see context.Context.IsTraining.
// It panics on invalid inputs, as any graph building function.
func (b *Backbone) Forward(x *Node, overrides map[string]*Node) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("backbone %s: expected input shaped [batch, channels, height, width], got %s",
			b.family, x.Shape())
	}
	return b.forward(b.Root(), x, overrides)
}

func (b *Backbone) forward(m *Module, x *Node, overrides map[string]*Node) *Node {
	ctx := b.ModuleContext(m)
	switch m.Kind {
	case KindSequential, KindConvBnAct, KindEdgeResidual, KindInvertedResidual, KindCondConvResidual,
		KindTransformerBlock:
		y := b.forwardChildren(m, x, overrides)
		if m.Kind.IsResidual() && y.Shape().Equal(x.Shape()) {
			y = Add(y, x)
		}
		return y

	case KindEfficientNet:
		return ReduceMean(b.forwardChildren(m, x, overrides), 2, 3)

	case KindVisionTransformer:
		return ReduceMean(b.forwardChildren(m, x, overrides), 1)

	case KindConv2d:
		return layers.Convolution(ctx, x).
			Channels(m.Channels).
			KernelSize(m.KernelSize).
			Strides(max(m.Stride, 1)).
			PadSame().
			ChannelsAxis(images.ChannelsFirst).
			UseBias(m.UseBias).
			CurrentScope().
			Done()

	case KindPatchEmbed:
		y := layers.Convolution(ctx, x).
			Channels(m.Channels).
			KernelSize(m.KernelSize).
			Strides(m.KernelSize).
			NoPadding().
			ChannelsAxis(images.ChannelsFirst).
			UseBias(true).
			CurrentScope().
			Done()
		// [batch, dim, h, w] -> [batch, h*w, dim]
		dims := y.Shape().Dimensions
		y = Reshape(y, dims[0], dims[1], -1)
		return TransposeAllDims(y, 0, 2, 1)

	case KindBatchNormAct2d, KindBatchNormAct2dFiLM:
		cfg := normact.New(ctx, x).Activation(m.Activation).Dropout(m.DropRate).
			Affine(override(m, normact.ParamWeight, overrides), override(m, normact.ParamBias, overrides))
		if m.Kind == KindBatchNormAct2dFiLM {
			cfg.Values(override(m, normact.ParamFiLMGamma, overrides), override(m, normact.ParamFiLMBeta, overrides))
		}
		return cfg.Done()

	case KindLinear:
		g := x.Graph()
		weight := parameterValue(ctx, g, m, normact.ParamWeight, overrides)
		bias := parameterValue(ctx, g, m, normact.ParamBias, overrides)
		return nn.Dense(x, weight, bias, m.Activation)

	case KindLayerNorm:
		g := x.Graph()
		normalized := nn.LayerNorm(x, []int{x.Rank() - 1}, LayerNormEpsilon, nil, nil, nil)
		gamma := perFeature(x, parameterValue(ctx, g, m, normact.ParamWeight, overrides))
		beta := perFeature(x, parameterValue(ctx, g, m, normact.ParamBias, overrides))
		return Add(Mul(normalized, gamma), beta)
	}
	exceptions.Panicf("backbone: module %q has unsupported kind %s", m.Path, m.Kind)
	return nil
}

func (b *Backbone) forwardChildren(m *Module, x *Node, overrides map[string]*Node) *Node {
	for _, idx := range m.children {
		x = b.forward(b.modules[idx], x, overrides)
	}
	return x
}

// perFeature reshapes v, shaped [features] or [batch, features], so it broadcasts over the last axis of x.
func perFeature(x, v *Node) *Node {
	rank := x.Rank()
	features := x.Shape().Dimensions[rank-1]
	dims := make([]int, rank)
	for axis := range dims {
		dims[axis] = 1
	}
	dims[rank-1] = features
	switch {
	case v.Rank() == 1 && v.Shape().Dimensions[0] == features:
	case v.Rank() == 2 && v.Shape().Dimensions[1] == features &&
		(v.Shape().Dimensions[0] == x.Shape().Dimensions[0] || v.Shape().Dimensions[0] == 1):
		dims[0] = v.Shape().Dimensions[0]
	default:
		exceptions.Panicf("backbone: layer norm parameter %s must be shaped [%d] or [batch, %d] for x.shape=%s",
			v.Shape(), features, features, x.Shape())
	}
	return Reshape(v, dims...)
}

// override returns the override of the module parameter, or nil if there is none.
func override(m *Module, name string, overrides map[string]*Node) *Node {
	return overrides[joinPath(m.Path, name)]
}

// parameterValue returns the override for the parameter if given, or else the value of its variable.
func parameterValue(ctx *context.Context, g *Graph, m *Module, name string, overrides map[string]*Node) *Node {
	if value, found := overrides[joinPath(m.Path, name)]; found {
		return value
	}
	v := ctx.GetVariableByScopeAndName(ctx.Scope(), name)
	if v == nil {
		exceptions.Panicf("backbone: module %q (%s) has no parameter %q", m.Path, m.Kind, name)
	}
	return v.ValueGraph(g)
}
