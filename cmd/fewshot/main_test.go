// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/fewshot/internal/config"
	"github.com/gomlx/fewshot/pkg/backbone"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
)

func TestNewBackbone(t *testing.T) {
	for name, want := range map[string]backbone.Family{
		"efficientnetb0": backbone.FamilyEfficientNet,
		"vit_small":      backbone.FamilyViT,
		"resnet18":       backbone.FamilyUnknown,
	} {
		opts := config.Default()
		opts.Model.FeatureExtractor = name
		b := newBackbone(context.New(), &opts)
		assert.Equalf(t, want, b.Family(), "feature extractor %q", name)
		assert.Equal(t, "/backbone", b.Context().Scope())
	}
}
