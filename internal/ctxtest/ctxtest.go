// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ctxtest holds test utilities for packages that build graphs on top of context.Context objects.
// All tests run on the pure Go backend, so they don't depend on any native library.
package ctxtest

import (
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
	backendErr    error
)

// Backend returns a backend shared by all tests of the package, failing the test if it can't be created.
func Backend(t testing.TB) backends.Backend {
	backendOnce.Do(func() {
		cachedBackend, backendErr = simplego.New("")
		if backendErr == nil {
			klog.V(1).Infof("test backend: %s", cachedBackend.Name())
		}
	})
	require.NoError(t, backendErr, "failed to create test backend")
	return cachedBackend
}

// ContextGraphFn builds a graph given the context and its arguments.
type ContextGraphFn func(ctx *context.Context, inputs []*graph.Node) []*graph.Node

// Exec builds and executes graphFn with the given context and inputs, failing the test on any error.
// The graph is built in training mode if training is set. At least one input must be given.
func Exec(t testing.TB, ctx *context.Context, training bool, graphFn ContextGraphFn, inputs ...any) []*tensors.Tensor {
	backend := Backend(t)
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		ctx.SetTraining(inputs[0].Graph(), training)
		return graphFn(ctx, inputs)
	})
	require.NoError(t, err, "failed to create executor")
	var outputs []*tensors.Tensor
	require.NotPanics(t, func() { outputs = exec.MustExec(inputs...) }, "failed to execute graph")
	return outputs
}

// Exec1 is like Exec, but for graphs with exactly one output.
func Exec1(t testing.TB, ctx *context.Context, training bool, graphFn ContextGraphFn, inputs ...any) *tensors.Tensor {
	outputs := Exec(t, ctx, training, graphFn, inputs...)
	require.Len(t, outputs, 1)
	return outputs[0]
}

// VariableValue returns the current value of the variable in the given scope, failing if it doesn't exist.
func VariableValue(t testing.TB, ctx *context.Context, scope, name string) *tensors.Tensor {
	v := ctx.GetVariableByScopeAndName(scope, name)
	require.NotNilf(t, v, "variable %s%s%s not found", scope, context.ScopeSeparator, name)
	value, err := v.Value()
	require.NoError(t, err)
	return value
}
