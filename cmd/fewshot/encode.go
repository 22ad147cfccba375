// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/fewshot/internal/config"
	"github.com/gomlx/fewshot/pkg/setencoder"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
)

// encodeContextSet runs the set encoder over a context set of random clips and reports the task embedding.
func encodeContextSet(opts *config.Options) {
	encoder := setencoder.FromConfig(opts.UsesSetEncoder())
	size, ok := encoder.OutputSize()
	if !ok {
		fmt.Println(titleStyle.Render("Set encoder disabled: FiLM parameters are not generated " +
			"(see -adapt_features and -feature_adaptation_method)"))
		return
	}

	numClips, clipLength, frameSize := *flagClips, opts.Data.ClipLength, opts.Data.FrameSize
	rng := rand.New(rand.NewPCG(opts.Training.Seed, opts.Training.Seed))
	data := make([]float32, numClips*clipLength*3*frameSize*frameSize)
	for ii := range data {
		data[ii] = rng.Float32()
	}
	clips := tensors.FromFlatDataAndDimensions(data, numClips, clipLength, 3, frameSize, frameSize)

	backend := must.M1(simplego.New(""))
	defer backend.Finalize()
	ctx := context.New()
	exec := must.M1(context.NewExec(backend, ctx.In("set_encoder"), func(ctx *context.Context, clips *Node) *Node {
		encoded := encoder.Encode(ctx, clips)
		return encoder.Aggregate([]*Node{encoded}, setencoder.ReductionMean)
	}))
	start := time.Now()
	embedding := must.M1(exec.Exec(clips))[0]
	elapsed := time.Since(start)

	fmt.Println(titleStyle.Render("Set encoder"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("backend", backend.Name())
	table.Row("context set", clips.Shape().String())
	table.Row("# elements", humanize.Comma(int64(numClips*clipLength)))
	table.Row("embedding size", humanize.Comma(int64(size)))
	table.Row("task embedding", embedding.Shape().String())
	table.Row("elapsed", elapsed.Round(time.Millisecond).String())
	values := tensors.MustCopyFlatData[float32](embedding)
	table.Row("first values", fmt.Sprintf("%.4f", values[:min(4, len(values))]))
	fmt.Println(table.Render())
}
