// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package film

import (
	"testing"

	"github.com/gomlx/fewshot/internal/ctxtest"
	"github.com/gomlx/fewshot/pkg/backbone"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEfficientNet(t *testing.T) *backbone.Backbone {
	b, err := backbone.NewEfficientNet(context.New().In("backbone"), backbone.DefaultEfficientNetConfig())
	require.NoError(t, err)
	return b
}

func TestInsertLayers(t *testing.T) {
	b := newEfficientNet(t)
	assert.Nil(t, ParameterNames(b), "no FiLM parameters before insertion")

	count, err := InsertLayers(b)
	require.NoError(t, err)
	// Root bn1 and bn2, plus one per block: 5 blocks in the default configuration.
	assert.Equal(t, 7, count)
	for path, want := range map[string]backbone.Kind{
		"bn1":            backbone.KindBatchNormAct2dFiLM,
		"bn2":            backbone.KindBatchNormAct2dFiLM,
		"blocks.0.0.bn1": backbone.KindBatchNormAct2dFiLM,
		"blocks.1.0.bn1": backbone.KindBatchNormAct2dFiLM,
		"blocks.1.0.bn2": backbone.KindBatchNormAct2d,
		"blocks.2.0.bn1": backbone.KindBatchNormAct2d,
		"blocks.2.0.bn2": backbone.KindBatchNormAct2dFiLM,
		"blocks.2.1.bn3": backbone.KindBatchNormAct2d,
		"blocks.3.0.bn2": backbone.KindBatchNormAct2dFiLM,
	} {
		assert.Equalf(t, want, b.Module(path).Kind, "module %q", path)
	}

	names := ParameterNames(b)
	assert.Equal(t, []string{
		"bn1.weight", "bn1.bias",
		"blocks.0.0.bn1.weight", "blocks.0.0.bn1.bias",
		"blocks.1.0.bn1.weight", "blocks.1.0.bn1.bias",
		"blocks.2.0.bn2.weight", "blocks.2.0.bn2.bias",
		"blocks.2.1.bn2.weight", "blocks.2.1.bn2.bias",
		"blocks.3.0.bn2.weight", "blocks.3.0.bn2.bias",
		"bn2.weight", "bn2.bias",
	}, names)

	sizes, err := Sizes(b, names)
	require.NoError(t, err)
	require.Len(t, sizes, len(names))
	for ii, name := range names {
		m, _, err := b.Lookup(name)
		require.NoError(t, err)
		assert.Equalf(t, m.Channels, sizes[ii], "size of %q", name)
	}
	assert.Equal(t, 8, sizes[0])
	assert.Equal(t, 32, sizes[len(sizes)-1])

	// Inserting again is a no-op.
	count, err = InsertLayers(b)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEnable(t *testing.T) {
	b := newEfficientNet(t)
	_, err := InsertLayers(b)
	require.NoError(t, err)
	b.SetTrainable(false)
	names := ParameterNames(b)
	require.NoError(t, Enable(b, names))
	enabled := make(map[string]bool)
	for _, name := range names {
		enabled[name] = true
	}
	for name, v := range b.Parameters() {
		assert.Equalf(t, enabled[name], v.Trainable, "trainability of %q", name)
	}

	// Other parameters are not forced to be frozen.
	b.SetTrainable(true)
	require.NoError(t, Enable(b, names))
	assert.True(t, b.Parameter("conv_stem.weights").Trainable)

	require.Error(t, Enable(b, []string{"bn1.unknown"}))
}

func TestParametersAreSnapshots(t *testing.T) {
	b := newEfficientNet(t)
	_, err := InsertLayers(b)
	require.NoError(t, err)
	names := ParameterNames(b)
	values, err := Parameters(b, names)
	require.NoError(t, err)
	require.Len(t, values, len(names))
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1, 1, 1}, values[0].Value())

	require.NoError(t, tensors.MutableFlatData(values[0], func(flat []float32) {
		flat[0] = 7
	}))
	live := b.Parameter(names[0]).MustValue()
	assert.Equal(t, float32(1), tensors.MustCopyFlatData[float32](live)[0])

	empty, err := Parameters(b, nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestInitialize(t *testing.T) {
	b := newEfficientNet(t)
	_, err := InsertLayers(b)
	require.NoError(t, err)
	names := ParameterNames(b)
	pretrained := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, b.Parameter("bn1.weight").SetValue(tensors.FromValue(pretrained)))
	require.NoError(t, b.Parameter("bn1.film_gamma").SetValue(tensors.FromValue(make([]float32, 8))))
	require.NoError(t, b.Parameter("bn1.film_beta").SetValue(tensors.FromValue(pretrained)))
	b.Parameter("bn1.film_beta").SetTrainable(false)

	backend := ctxtest.Backend(t)
	require.NoError(t, Initialize(b, names, backend, 0))
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1, 1, 1}, b.Parameter("bn1.film_gamma").MustValue().Value())
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0, 0, 0}, b.Parameter("bn1.film_beta").MustValue().Value())
	assert.True(t, b.Parameter("bn1.film_beta").Trainable)
	assert.Equal(t, pretrained, b.Parameter("bn1.weight").MustValue().Value(), "pretrained affine is kept")

	require.NoError(t, Initialize(b, nil, backend, 0))
	require.Error(t, Initialize(b, []string{"bn1.running_mean"}, nil, 0))

	// Plain normalization layers are not FiLM layers: their pretrained parameters can't be reset.
	plainBias := b.Parameter("blocks.1.0.bn2.bias")
	require.NoError(t, plainBias.SetValue(tensors.FromValue(xslices.SliceWithValue(12, float32(3)))))
	before := plainBias.MustValue().Value()
	require.Error(t, Initialize(b, []string{"blocks.1.0.bn2.bias"}, nil, 0))
	assert.Equal(t, before, plainBias.MustValue().Value())
}

func TestViT(t *testing.T) {
	b, err := backbone.NewVisionTransformer(context.New(), backbone.DefaultViTConfig())
	require.NoError(t, err)
	count, err := InsertLayers(b)
	require.NoError(t, err)
	assert.Zero(t, count)

	names := ParameterNames(b)
	assert.Equal(t, []string{
		"blocks.0.norm1.weight", "blocks.0.norm1.bias",
		"blocks.1.norm1.weight", "blocks.1.norm1.bias",
		"norm.weight", "norm.bias",
	}, names)
	sizes, err := Sizes(b, names)
	require.NoError(t, err)
	assert.Equal(t, []int{16, 16, 16, 16, 16, 16}, sizes)

	// Re-initialization uses each layer norm's own channels.
	require.NoError(t, b.Parameter("norm.bias").SetValue(tensors.FromValue(make([]float32, 16))))
	require.NoError(t, Initialize(b, names, nil, 0))
	assert.Equal(t, 16, b.Parameter("norm.weight").Shape().Size())
}

func TestUnknownFamily(t *testing.T) {
	b := backbone.New(backbone.FamilyUnknown, context.New(), backbone.KindSequential)
	b.MustAdd("", backbone.Module{Name: "bn1", Kind: backbone.KindBatchNormAct2d, Channels: 4})
	count, err := InsertLayers(b)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, backbone.KindBatchNormAct2d, b.Module("bn1").Kind)
	assert.Nil(t, ParameterNames(b))
}

func TestToMap(t *testing.T) {
	m, err := ToMap([]string{"a", "b"}, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, m)

	_, err = ToMap([]string{"a", "b", "c"}, []int{1, 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLengthMismatch))

	empty, err := ToMap[*tensors.Tensor](nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	// Without names, the values are ignored.
	m, err = ToMap(nil, []int{1, 2})
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Empty(t, m)
}

func TestSplitValues(t *testing.T) {
	parts, err := SplitValues(tensors.FromValue([]float32{1, 2, 3, 4, 5, 6}), []int{2, 3, 1})
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, []float32{1, 2}, parts[0].Value())
	assert.Equal(t, []float32{3, 4, 5}, parts[1].Value())
	assert.Equal(t, []float32{6}, parts[2].Value())

	_, err = SplitValues(tensors.FromValue([]float32{1, 2}), []int{3})
	require.Error(t, err)
	_, err = SplitValues(tensors.FromValue([][]float32{{1, 2}}), []int{2})
	require.Error(t, err)
}

func TestGenerateOverrides(t *testing.T) {
	b := newEfficientNet(t)
	_, err := InsertLayers(b)
	require.NoError(t, err)
	names := ParameterNames(b)
	sizes, err := Sizes(b, names)
	require.NoError(t, err)
	var total int
	for _, size := range sizes {
		total += size
	}

	images := testImages(1)
	outputs := ctxtest.Exec(t, b.Context(), false, func(_ *context.Context, inputs []*Node) []*Node {
		x, generated := inputs[0], inputs[1]
		overrides := Overrides(names, sizes, generated)
		parts := SplitGraph(generated, sizes)
		return []*Node{b.Forward(x, overrides), parts[1]}
	}, images, make([]float32, total))
	require.Len(t, outputs, 2)
	assert.Equal(t, []int{1, 32}, outputs[0].Shape().Dimensions)
	for _, value := range tensors.MustCopyFlatData[float32](outputs[0]) {
		require.InDelta(t, 0.0, value, 1e-6, "weight=bias=0 in the head must zero the features")
	}
	assert.Equal(t, []int{sizes[1]}, outputs[1].Shape().Dimensions)
}

// testImages returns a batch of 3x8x8 images.
func testImages(batchSize int) [][][][]float32 {
	images := make([][][][]float32, batchSize)
	for ii := range images {
		images[ii] = make([][][]float32, 3)
		for c := range images[ii] {
			images[ii][c] = make([][]float32, 8)
			for h := range images[ii][c] {
				images[ii][c][h] = make([]float32, 8)
				for w := range images[ii][c][h] {
					images[ii][c][h][w] = float32(c+h*w+ii) / 10
				}
			}
		}
	}
	return images
}

func TestGeneratePerExampleOverrides(t *testing.T) {
	b := newEfficientNet(t)
	_, err := InsertLayers(b)
	require.NoError(t, err)
	names := ParameterNames(b)
	sizes, err := Sizes(b, names)
	require.NoError(t, err)
	values, err := Parameters(b, names)
	require.NoError(t, err)

	// Example 0 gets all zeros, example 1 gets the current values of the parameters.
	var current []float32
	for _, value := range values {
		current = append(current, tensors.MustCopyFlatData[float32](value)...)
	}
	generated := [][]float32{make([]float32, len(current)), current}

	outputs := ctxtest.Exec(t, b.Context(), false, func(_ *context.Context, inputs []*Node) []*Node {
		x, generated := inputs[0], inputs[1]
		parts := SplitGraph(generated, sizes)
		return []*Node{b.Forward(x, Overrides(names, sizes, generated)), b.Forward(x, nil), parts[0]}
	}, testImages(2), generated)
	require.Len(t, outputs, 3)
	assert.Equal(t, []int{2, sizes[0]}, outputs[2].Shape().Dimensions)
	adapted := outputs[0].Value().([][]float32)
	plain := outputs[1].Value().([][]float32)
	for ii := range adapted[0] {
		require.InDelta(t, 0.0, adapted[0][ii], 1e-6)
		require.InDelta(t, plain[1][ii], adapted[1][ii], 1e-5)
	}

	backend := ctxtest.Backend(t)
	exec, err := context.NewExec(backend, b.Context(), func(_ *context.Context, generated *Node) []*Node {
		return SplitGraph(generated, sizes)
	})
	require.NoError(t, err)
	_, err = exec.Exec([][][]float32{{current}})
	require.Error(t, err, "generated values must be shaped [total] or [batch, total]")
}
