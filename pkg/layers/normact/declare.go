// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package normact

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// DeclareBatchNorm creates (if not yet there) the float32 variables of a batch normalization layer with the given
// number of channels in the current scope of ctx, with their initial values: weight=1, bias=0, running_mean=0,
// running_var=1 and num_batches_tracked=0. If withFiLM is set, it also declares the FiLM variables (see DeclareFiLM).
//
// Existing variables are left untouched.
// It's used to have the variables of a model available before any graph is built.
func DeclareBatchNorm(ctx *context.Context, channels int, withFiLM bool) {
	ctx = ctx.Checked(false)
	ctx.VariableWithValue(ParamWeight, xslices.SliceWithValue(channels, float32(1)))
	ctx.VariableWithValue(ParamBias, make([]float32, channels))
	ctx.VariableWithValue(ParamRunningMean, make([]float32, channels)).SetTrainable(false)
	ctx.VariableWithValue(ParamRunningVar, xslices.SliceWithValue(channels, float32(1))).SetTrainable(false)
	ctx.VariableWithValue(ParamNumBatchesTracked, int64(0)).SetTrainable(false)
	if withFiLM {
		DeclareFiLM(ctx, channels)
	}
}

// DeclareFiLM creates (if not yet there) the FiLM variables film_gamma=1 and film_beta=0, with the given number
// of channels, in the current scope of ctx.
func DeclareFiLM(ctx *context.Context, channels int) {
	ctx = ctx.Checked(false)
	ctx.VariableWithValue(ParamFiLMGamma, xslices.SliceWithValue(channels, float32(1)))
	ctx.VariableWithValue(ParamFiLMBeta, make([]float32, channels))
}

// DeclareLayerNorm creates (if not yet there) the float32 variables weight=1 and bias=0 of a layer normalization
// over the given number of channels, in the current scope of ctx.
func DeclareLayerNorm(ctx *context.Context, channels int) {
	ctx = ctx.Checked(false)
	ctx.VariableWithValue(ParamWeight, xslices.SliceWithValue(channels, float32(1)))
	ctx.VariableWithValue(ParamBias, make([]float32, channels))
}
