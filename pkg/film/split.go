// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package film

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

func sum(sizes []int) int {
	var total int
	for _, size := range sizes {
		total += size
	}
	return total
}

// SplitValues splits a flat float32 vector of FiLM values, as produced by a generator, into one value per size,
// in order. The sizes are usually the ones returned by Sizes.
func SplitValues(flat *tensors.Tensor, sizes []int) ([]*tensors.Tensor, error) {
	if flat.Rank() != 1 || flat.DType() != dtypes.Float32 {
		return nil, errors.Errorf("film.SplitValues requires a float32 vector, got %s", flat.Shape())
	}
	if total := sum(sizes); total != flat.Size() {
		return nil, errors.Errorf("film.SplitValues: sizes add up to %d, but the vector has %d values", total, flat.Size())
	}
	data := tensors.MustCopyFlatData[float32](flat)
	parts := make([]*tensors.Tensor, 0, len(sizes))
	var start int
	for _, size := range sizes {
		parts = append(parts, tensors.FromValue(slices.Clone(data[start : start+size])))
		start += size
	}
	return parts, nil
}

// SplitGraph is the graph version of SplitValues: it slices the last axis of flat into one part per size.
// flat is shaped [sum(sizes)] for values shared by all examples, or [batch, sum(sizes)] for values generated
// per example, and the parts are shaped [size] or [batch, size] accordingly.
//
// It panics if flat has another rank, or if the sizes don't add up to the dimension of the last axis.
func SplitGraph(flat *Node, sizes []int) []*Node {
	if flat.Rank() != 1 && flat.Rank() != 2 {
		exceptions.Panicf("film.SplitGraph: generated values must be shaped [%d] or [batch, %d], got %s",
			sum(sizes), sum(sizes), flat.Shape())
	}
	lastAxis := flat.Rank() - 1
	if flat.Shape().Dimensions[lastAxis] != sum(sizes) {
		exceptions.Panicf("film.SplitGraph: sizes %v add up to %d, which doesn't match the last axis of %s",
			sizes, sum(sizes), flat.Shape())
	}
	parts := make([]*Node, 0, len(sizes))
	var start int
	for _, size := range sizes {
		specs := make([]SliceAxisSpec, lastAxis+1)
		for axis := range lastAxis {
			specs[axis] = AxisRange()
		}
		specs[lastAxis] = AxisRange(start, start+size)
		parts = append(parts, Slice(flat, specs...))
		start += size
	}
	return parts
}

// Overrides splits the flat generated values (see SplitGraph) and maps them to the names of the FiLM parameters,
// to be used as overrides in backbone.Backbone.Forward.
//
// It panics if the names and sizes don't match.
func Overrides(names []string, sizes []int, flat *Node) map[string]*Node {
	overrides, err := ToMap(names, SplitGraph(flat, sizes))
	if err != nil {
		panic(err)
	}
	return overrides
}
