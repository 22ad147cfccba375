// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package setencoder implements permutation-invariant encoders of sets of examples (context sets), used to
// extract a task-level embedding.
//
// DeepSets encodes each element of the set with a shared convolutional network, and aggregates the embeddings
// with a mean. Null is the encoder to use when no task embedding is needed.
//
// Based on paper "Deep Sets" (Zaheer et al.), https://arxiv.org/abs/1703.06114.
package setencoder

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// Reduction used to aggregate the encoded elements of a set.
type Reduction string

const (
	// ReductionMean averages the encoded elements into one vector.
	ReductionMean Reduction = "mean"

	// ReductionNone keeps all the encoded elements.
	ReductionNone Reduction = "none"
)

// Encoder of sets of elements.
type Encoder interface {
	// Encode each element of x into an embedding. x is shaped [..., channels, height, width]: all leading axes
	// are flattened into one batch axis, so the output is shaped [num_elements, OutputSize()].
	Encode(ctx *context.Context, x *Node) *Node

	// Aggregate the encoded parts, concatenated along the element axis. With ReductionMean it returns
	// their mean shaped [1, OutputSize()], otherwise the concatenated elements.
	Aggregate(parts []*Node, reduction Reduction) *Node

	// MeanPool returns the mean of the encoded elements x, keeping the element axis with dimension 1.
	MeanPool(x *Node) *Node

	// OutputSize returns the dimension of the embeddings, and whether there is one.
	OutputSize() (int, bool)
}

const (
	// NumStages of the DeepSets element encoder.
	NumStages = 5

	// EmbeddingSize is the dimension of the element embeddings produced by DeepSets.
	EmbeddingSize = 64
)

// DeepSets encodes each element with a stack of NumStages convolutional stages (each a 3x3 convolution, batch
// normalization, ReLU and 2x2 max-pooling), followed by a global average pooling.
//
// Inputs are channels-first, and their spatial dimensions must be at least 2^NumStages = 32.
type DeepSets struct{}

var _ Encoder = DeepSets{}

// New returns the default set encoder.
func New() DeepSets { return DeepSets{} }

// Encode implements Encoder. Variables are created in the scopes "layer1" to "layer5" under ctx.
func (DeepSets) Encode(ctx *context.Context, x *Node) *Node {
	if x.Rank() < 4 {
		exceptions.Panicf("setencoder: expected input shaped [..., channels, height, width], got %s", x.Shape())
	}
	if x.Rank() >= 5 {
		dims := x.Shape().Dimensions
		x = Reshape(x, append([]int{-1}, dims[len(dims)-3:]...)...)
	}
	numElements := x.Shape().Dimensions[0]
	for stage := range NumStages {
		stageCtx := ctx.Inf("layer%d", stage+1)
		x = layers.Convolution(stageCtx, x).
			Channels(EmbeddingSize).
			KernelSize(3).
			Strides(1).
			PadSame().
			ChannelsAxis(images.ChannelsFirst).
			Done()
		x = batchnorm.New(stageCtx, x, 1).
			Momentum(0.9).
			Epsilon(1e-5).
			UseBackendInference(false).
			Done()
		x = activations.Relu(x)
		x = MaxPool(x).
			ChannelsAxis(images.ChannelsFirst).
			Window(2).
			Strides(2).
			NoPadding().
			Done()
	}
	x = ReduceMean(x, 2, 3)
	x.AssertDims(numElements, EmbeddingSize)
	return x
}

// Aggregate implements Encoder.
func (e DeepSets) Aggregate(parts []*Node, reduction Reduction) *Node {
	if len(parts) == 0 {
		exceptions.Panicf("setencoder: nothing to aggregate")
	}
	x := parts[0]
	if len(parts) > 1 {
		x = Concatenate(parts, 0)
	}
	if reduction == ReductionMean {
		x = e.MeanPool(x)
	}
	return x
}

// MeanPool implements Encoder.
func (DeepSets) MeanPool(x *Node) *Node {
	return ReduceAndKeep(x, ReduceMean, 0)
}

// OutputSize implements Encoder: it's always EmbeddingSize.
func (DeepSets) OutputSize() (int, bool) { return EmbeddingSize, true }

// Null is an Encoder for tasks that don't use a set embedding: all its methods return nil, and it has no
// output size.
type Null struct{}

var _ Encoder = Null{}

// Encode implements Encoder, and returns nil.
func (Null) Encode(*context.Context, *Node) *Node { return nil }

// Aggregate implements Encoder, and returns nil.
func (Null) Aggregate([]*Node, Reduction) *Node { return nil }

// MeanPool implements Encoder, and returns nil.
func (Null) MeanPool(*Node) *Node { return nil }

// OutputSize implements Encoder, and returns false.
func (Null) OutputSize() (int, bool) { return 0, false }

// FromConfig returns the DeepSets encoder if enabled, or Null otherwise.
func FromConfig(enabled bool) Encoder {
	if enabled {
		return New()
	}
	return Null{}
}
