// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbone

import (
	"strconv"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// BlockConfig configures one block of an EfficientNet stage.
type BlockConfig struct {
	// Kind must be one of KindConvBnAct, KindEdgeResidual, KindInvertedResidual or KindCondConvResidual.
	Kind Kind

	Channels    int
	KernelSize  int
	Stride      int
	ExpandRatio int
}

// EfficientNetConfig configures an EfficientNet-style backbone.
type EfficientNetConfig struct {
	InChannels   int
	StemChannels int
	HeadChannels int
	Activation   activations.Type
	Stages       [][]BlockConfig
}

// DefaultEfficientNetConfig returns a small EfficientNet with one stage per block kind.
func DefaultEfficientNetConfig() EfficientNetConfig {
	return EfficientNetConfig{
		InChannels:   3,
		StemChannels: 8,
		HeadChannels: 32,
		Activation:   activations.TypeSwish,
		Stages: [][]BlockConfig{
			{{Kind: KindConvBnAct, Channels: 8, KernelSize: 3, Stride: 1, ExpandRatio: 1}},
			{{Kind: KindEdgeResidual, Channels: 12, KernelSize: 3, Stride: 2, ExpandRatio: 4}},
			{
				{Kind: KindInvertedResidual, Channels: 16, KernelSize: 3, Stride: 2, ExpandRatio: 4},
				{Kind: KindInvertedResidual, Channels: 16, KernelSize: 3, Stride: 1, ExpandRatio: 4},
			},
			{{Kind: KindCondConvResidual, Channels: 24, KernelSize: 3, Stride: 1, ExpandRatio: 2}},
		},
	}
}

// NewEfficientNet builds an EfficientNet-style backbone with its parameters in the current scope of ctx.
//
// The module names follow the usual pretrained checkpoints: "conv_stem", "bn1", "blocks.<stage>.<block>.*",
// "conv_head" and "bn2".
func NewEfficientNet(ctx *context.Context, config EfficientNetConfig) (*Backbone, error) {
	b := New(FamilyEfficientNet, ctx, KindEfficientNet)
	act := config.Activation
	if _, err := b.Add("", Module{Name: "conv_stem", Kind: KindConv2d, InChannels: config.InChannels,
		Channels: config.StemChannels, KernelSize: 3, Stride: 2}); err != nil {
		return nil, err
	}
	if _, err := b.Add("", Module{Name: "bn1", Kind: KindBatchNormAct2d,
		Channels: config.StemChannels, Activation: act}); err != nil {
		return nil, err
	}
	if _, err := b.Add("", Module{Name: "blocks", Kind: KindSequential}); err != nil {
		return nil, err
	}
	channels := config.StemChannels
	for stageIdx, stage := range config.Stages {
		stagePath := joinPath("blocks", strconv.Itoa(stageIdx))
		if _, err := b.Add("blocks", Module{Name: strconv.Itoa(stageIdx), Kind: KindSequential}); err != nil {
			return nil, err
		}
		for blockIdx, block := range stage {
			if err := b.addBlock(stagePath, strconv.Itoa(blockIdx), channels, block, act); err != nil {
				return nil, errors.WithMessagef(err, "stage %d, block %d", stageIdx, blockIdx)
			}
			channels = block.Channels
		}
	}
	if _, err := b.Add("", Module{Name: "conv_head", Kind: KindConv2d, InChannels: channels,
		Channels: config.HeadChannels, KernelSize: 1, Stride: 1}); err != nil {
		return nil, err
	}
	if _, err := b.Add("", Module{Name: "bn2", Kind: KindBatchNormAct2d,
		Channels: config.HeadChannels, Activation: act}); err != nil {
		return nil, err
	}
	return b, nil
}

// addBlock adds a block and its children, the convolutions and normalizations it's made of.
func (b *Backbone) addBlock(parentPath, name string, inChannels int, block BlockConfig, act activations.Type) error {
	blockModule, err := b.Add(parentPath, Module{Name: name, Kind: block.Kind,
		InChannels: inChannels, Channels: block.Channels, Stride: block.Stride})
	if err != nil {
		return err
	}
	path := blockModule.Path
	midChannels := inChannels * max(block.ExpandRatio, 1)
	type leaf struct {
		name                    string
		kind                    Kind
		in, out, kernel, stride int
		activation              activations.Type
	}
	var leaves []leaf
	switch block.Kind {
	case KindConvBnAct:
		leaves = []leaf{
			{"conv", KindConv2d, inChannels, block.Channels, block.KernelSize, block.Stride, act},
			{"bn1", KindBatchNormAct2d, 0, block.Channels, 0, 0, act},
		}
	case KindEdgeResidual:
		leaves = []leaf{
			{"conv_exp", KindConv2d, inChannels, midChannels, block.KernelSize, block.Stride, act},
			{"bn1", KindBatchNormAct2d, 0, midChannels, 0, 0, act},
			{"conv_pwl", KindConv2d, midChannels, block.Channels, 1, 1, act},
			{"bn2", KindBatchNormAct2d, 0, block.Channels, 0, 0, activations.TypeNone},
		}
	case KindInvertedResidual, KindCondConvResidual:
		leaves = []leaf{
			{"conv_pw", KindConv2d, inChannels, midChannels, 1, 1, act},
			{"bn1", KindBatchNormAct2d, 0, midChannels, 0, 0, act},
			{"conv_dw", KindConv2d, midChannels, midChannels, block.KernelSize, block.Stride, act},
			{"bn2", KindBatchNormAct2d, 0, midChannels, 0, 0, act},
			{"conv_pwl", KindConv2d, midChannels, block.Channels, 1, 1, act},
			{"bn3", KindBatchNormAct2d, 0, block.Channels, 0, 0, activations.TypeNone},
		}
	default:
		return errors.Errorf("module kind %s is not an EfficientNet block", block.Kind)
	}
	for _, l := range leaves {
		config := Module{Name: l.name, Kind: l.kind, InChannels: l.in, Channels: l.out,
			KernelSize: l.kernel, Stride: l.stride}
		if l.kind == KindBatchNormAct2d {
			config.Activation = l.activation
		}
		if _, err := b.Add(path, config); err != nil {
			return err
		}
	}
	return nil
}
