// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package setencoder

import (
	"math"
	"testing"

	"github.com/gomlx/fewshot/internal/ctxtest"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clips returns a tensor shaped [dims..., 3, 32, 32] with deterministic values.
func clips(dims ...int) *tensors.Tensor {
	dims = append(dims, 3, 32, 32)
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = float32(math.Sin(float64(ii) * 0.37))
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func TestEncodeAndMean(t *testing.T) {
	const batchSize, clipLen = 2, 3
	ctx := context.New()
	encoder := New()
	outputs := ctxtest.Exec(t, ctx, false, func(ctx *context.Context, inputs []*Node) []*Node {
		encoded := encoder.Encode(ctx, inputs[0])
		return []*Node{encoded, encoder.Aggregate([]*Node{encoded}, ReductionMean)}
	}, clips(batchSize, clipLen))
	encoded, mean := outputs[0], outputs[1]
	require.Equal(t, []int{batchSize * clipLen, EmbeddingSize}, encoded.Shape().Dimensions)
	require.Equal(t, []int{1, EmbeddingSize}, mean.Shape().Dimensions)

	rows := encoded.Value().([][]float32)
	want := make([]float32, EmbeddingSize)
	for _, row := range rows {
		for ii, value := range row {
			want[ii] += value / float32(len(rows))
		}
	}
	got := mean.Value().([][]float32)[0]
	assert.InDeltaSlice(t, want, got, 1e-5)
}

func TestAggregate(t *testing.T) {
	ctx := context.New()
	encoder := New()
	outputs := ctxtest.Exec(t, ctx, false, func(ctx *context.Context, inputs []*Node) []*Node {
		ctx = ctx.In("set_encoder").Checked(false) // Shared by both encodings.
		first := encoder.Encode(ctx, inputs[0])
		second := encoder.Encode(ctx, inputs[1])
		return []*Node{
			encoder.Aggregate([]*Node{first, second}, ReductionNone),
			encoder.Aggregate([]*Node{first, second}, ReductionMean),
			encoder.Aggregate([]*Node{second, first}, ReductionMean),
		}
	}, clips(2, 3), clips(1))
	assert.Equal(t, []int{7, EmbeddingSize}, outputs[0].Shape().Dimensions, "elements must be preserved")
	assert.True(t, outputs[1].InDelta(outputs[2], 1e-5), "mean must not depend on the order of the elements")
}

func TestOutputSize(t *testing.T) {
	size, ok := New().OutputSize()
	assert.True(t, ok)
	assert.Equal(t, EmbeddingSize, size)
	size, ok = Null{}.OutputSize()
	assert.False(t, ok)
	assert.Zero(t, size)
}

func TestNull(t *testing.T) {
	ctx := context.New()
	var encoder Encoder = FromConfig(false)
	require.IsType(t, Null{}, encoder)
	require.IsType(t, DeepSets{}, FromConfig(true))
	got := ctxtest.Exec1(t, ctx, false, func(ctx *context.Context, inputs []*Node) []*Node {
		x := inputs[0]
		assert.Nil(t, encoder.Encode(ctx, x))
		assert.Nil(t, encoder.Aggregate([]*Node{x}, ReductionMean))
		assert.Nil(t, encoder.Aggregate([]*Node{x}, ReductionNone))
		assert.Nil(t, encoder.MeanPool(x))
		return []*Node{x}
	}, clips(1))
	assert.Equal(t, []int{1, 3, 32, 32}, got.Shape().Dimensions)
}
