// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbone

import (
	"fmt"
	"strings"
)

// Kind is the closed set of module types a Backbone is built from.
type Kind int

const (
	KindSequential Kind = iota
	KindEfficientNet
	KindConvBnAct
	KindEdgeResidual
	KindInvertedResidual
	KindCondConvResidual
	KindConv2d
	KindBatchNormAct2d
	KindBatchNormAct2dFiLM
	KindVisionTransformer
	KindPatchEmbed
	KindTransformerBlock
	KindLinear
	KindLayerNorm
)

var kindNames = [...]string{
	KindSequential:         "Sequential",
	KindEfficientNet:       "EfficientNet",
	KindConvBnAct:          "ConvBnAct",
	KindEdgeResidual:       "EdgeResidual",
	KindInvertedResidual:   "InvertedResidual",
	KindCondConvResidual:   "CondConvResidual",
	KindConv2d:             "Conv2d",
	KindBatchNormAct2d:     "BatchNormAct2d",
	KindBatchNormAct2dFiLM: "BatchNormAct2dFiLM",
	KindVisionTransformer:  "VisionTransformer",
	KindPatchEmbed:         "PatchEmbed",
	KindTransformerBlock:   "TransformerBlock",
	KindLinear:             "Linear",
	KindLayerNorm:          "LayerNorm",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// IsBatchNorm returns whether the kind is a batch normalization + activation module, with or without FiLM.
func (k Kind) IsBatchNorm() bool {
	return k == KindBatchNormAct2d || k == KindBatchNormAct2dFiLM
}

// IsResidual returns whether modules of this kind add their input to their output, when shapes allow it.
func (k Kind) IsResidual() bool {
	switch k {
	case KindEdgeResidual, KindInvertedResidual, KindCondConvResidual, KindTransformerBlock:
		return true
	}
	return false
}

// NormTargets returns the names of the child normalization modules that are adapted with FiLM for
// modules of this kind, or nil if the kind has no adaptation targets.
func (k Kind) NormTargets() []string {
	switch k {
	case KindEfficientNet:
		return []string{"bn1", "bn2"}
	case KindConvBnAct, KindEdgeResidual:
		return []string{"bn1"}
	case KindInvertedResidual, KindCondConvResidual:
		return []string{"bn2"}
	}
	return nil
}

// Family of backbone architectures, which defines how features are adapted.
type Family int

const (
	FamilyUnknown Family = iota

	// FamilyEfficientNet is adapted by FiLM layers inserted in place of some of its batch normalizations.
	FamilyEfficientNet

	// FamilyViT is adapted by training the affine parameters of its layer normalizations.
	FamilyViT
)

func (f Family) String() string {
	switch f {
	case FamilyEfficientNet:
		return "efficientnet"
	case FamilyViT:
		return "vit"
	}
	return "unknown"
}

// FamilyFromName returns the family of a feature extractor given its name, e.g. "efficientnet_b0" or
// "vit_base_patch16_224". Names of no known family return FamilyUnknown.
func FamilyFromName(name string) Family {
	name = strings.ToLower(name)
	switch {
	case strings.Contains(name, "efficientnet"):
		return FamilyEfficientNet
	case strings.Contains(name, "vit"):
		return FamilyViT
	}
	return FamilyUnknown
}
