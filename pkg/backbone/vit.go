// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbone

import (
	"strconv"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ViTConfig configures a vision-transformer-style backbone.
type ViTConfig struct {
	InChannels int
	PatchSize  int
	EmbedDim   int
	Depth      int
	MLPRatio   int
}

// DefaultViTConfig returns a small vision transformer.
func DefaultViTConfig() ViTConfig {
	return ViTConfig{InChannels: 3, PatchSize: 4, EmbedDim: 16, Depth: 2, MLPRatio: 2}
}

// NewVisionTransformer builds a vision-transformer-style backbone with its parameters in the current scope of ctx.
//
// Images are split into patches by "patch_embed", processed by the pre-normalized residual blocks
// "blocks.<i>" (with "norm1" and the "mlp.fc1", "mlp.fc2" layers) and normalized by the final "norm".
// The output features are the mean over the patch tokens.
func NewVisionTransformer(ctx *context.Context, config ViTConfig) (*Backbone, error) {
	b := New(FamilyViT, ctx, KindVisionTransformer)
	dim := config.EmbedDim
	hidden := dim * max(config.MLPRatio, 1)
	if _, err := b.Add("", Module{Name: "patch_embed", Kind: KindPatchEmbed, InChannels: config.InChannels,
		Channels: dim, KernelSize: config.PatchSize, Stride: config.PatchSize}); err != nil {
		return nil, err
	}
	if _, err := b.Add("", Module{Name: "blocks", Kind: KindSequential}); err != nil {
		return nil, err
	}
	for ii := range config.Depth {
		block, err := b.Add("blocks", Module{Name: strconv.Itoa(ii), Kind: KindTransformerBlock,
			InChannels: dim, Channels: dim})
		if err != nil {
			return nil, err
		}
		if _, err = b.Add(block.Path, Module{Name: "norm1", Kind: KindLayerNorm, Channels: dim}); err != nil {
			return nil, err
		}
		mlp, err := b.Add(block.Path, Module{Name: "mlp", Kind: KindSequential})
		if err != nil {
			return nil, err
		}
		if _, err = b.Add(mlp.Path, Module{Name: "fc1", Kind: KindLinear, InChannels: dim, Channels: hidden,
			Activation: activations.TypeGelu}); err != nil {
			return nil, err
		}
		if _, err = b.Add(mlp.Path, Module{Name: "fc2", Kind: KindLinear, InChannels: hidden, Channels: dim,
			Activation: activations.TypeNone}); err != nil {
			return nil, err
		}
	}
	if _, err := b.Add("", Module{Name: "norm", Kind: KindLayerNorm, Channels: dim}); err != nil {
		return nil, err
	}
	return b, nil
}
