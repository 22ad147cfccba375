// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/fewshot/internal/config"
	"github.com/gomlx/fewshot/pkg/backbone"
	"github.com/gomlx/fewshot/pkg/film"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// newBackbone builds the backbone of the configured family, with its parameters under the "backbone" scope.
func newBackbone(ctx *context.Context, opts *config.Options) *backbone.Backbone {
	ctx = ctx.In("backbone")
	switch family := opts.Family(); family {
	case backbone.FamilyEfficientNet:
		return must.M1(backbone.NewEfficientNet(ctx, backbone.DefaultEfficientNetConfig()))
	case backbone.FamilyViT:
		return must.M1(backbone.NewVisionTransformer(ctx, backbone.DefaultViTConfig()))
	default:
		klog.Warningf("feature extractor %q is not of a known family, using an empty backbone",
			opts.Model.FeatureExtractor)
		return backbone.New(family, ctx, backbone.KindSequential)
	}
}

// reportFiLM inserts the FiLM layers in the backbone, configures the trainability of its parameters as the
// learner would, and reports the FiLM parameters.
func reportFiLM(opts *config.Options) {
	ctx := context.New()
	b := newBackbone(ctx, opts)
	inserted := must.M1(film.InsertLayers(b))
	names := film.ParameterNames(b)
	sizes := must.M1(film.Sizes(b, names))

	backend := must.M1(simplego.New(""))
	defer backend.Finalize()
	must.M(film.Initialize(b, names, backend, 0))
	b.SetTrainable(opts.Model.LearnExtractor)
	if opts.Model.AdaptFeatures {
		must.M(film.Enable(b, names))
	}

	var numParams, numFiLM, numTrainable int
	for _, v := range b.Parameters() {
		size := v.Shape().Size()
		numParams += size
		if v.Trainable {
			numTrainable += size
		}
	}
	for _, size := range sizes {
		numFiLM += size
	}

	fmt.Println(titleStyle.Render("FiLM"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("feature extractor", opts.Model.FeatureExtractor)
	table.Row("family", b.Family().String())
	table.Row("adaptation", opts.Model.FeatureAdaptationMethod)
	table.Row("# modules", humanize.Comma(int64(b.Len())))
	table.Row("# FiLM layers inserted", humanize.Comma(int64(inserted)))
	table.Row("# FiLM parameters", humanize.Comma(int64(len(names))))
	table.Row("# FiLM values", humanize.Comma(int64(numFiLM)))
	table.Row("# backbone values", humanize.Comma(int64(numParams)))
	table.Row("# trainable values", humanize.Comma(int64(numTrainable)))
	table.Row("FiLM bytes", humanize.Bytes(uint64(numFiLM)*4))
	if opts.UsesSetEncoder() {
		table.Row("generator output size", humanize.Comma(int64(numFiLM)))
	}
	fmt.Println(table.Render())

	if !*flagVars || len(names) == 0 {
		return
	}
	table = newPlainTable(lipgloss.Right, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("#", "Name", "Module", "Size")
	for ii, name := range names {
		m, _ := must.M2(b.Lookup(name))
		table.Row(strconv.Itoa(ii), name, m.Kind.String(), humanize.Comma(int64(sizes[ii])))
	}
	fmt.Println(table.Render())
}
