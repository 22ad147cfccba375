// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package episodes

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// Episode identifies one task: the user it is drawn from, and its occurrence index among that user's tasks
// in the current pass.
type Episode struct {
	UserID, Occurrence int
}

// Dataset implements train.Dataset over a TaskSampler.
//
// Each Yield returns one episode as two int32 scalar inputs: the user id and the occurrence index.
// There are no labels. At the end of a pass Yield returns io.EOF, and Reset starts a new pass (with a new
// shuffle, if the sampler shuffles).
type Dataset struct {
	name        string
	sampler     *TaskSampler
	userIDs     []int
	occurrences []int
	pos         int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset with the given name, and starts its first pass.
func NewDataset(name string, sampler *TaskSampler) *Dataset {
	ds := &Dataset{name: name, sampler: sampler}
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string {
	return ds.name
}

// String implements fmt.Stringer.
func (ds *Dataset) String() string {
	return fmt.Sprintf("%s [%d users x %d tasks, shuffle=%v]",
		ds.name, ds.sampler.NumUsers(), ds.sampler.TasksPerUser(), ds.sampler.Shuffled())
}

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.userIDs = ds.sampler.Tasks()
	ds.occurrences = make([]int, len(ds.userIDs))
	seen := make(map[int]int, ds.sampler.NumUsers())
	for ii, user := range ds.userIDs {
		ds.occurrences[ii] = seen[user]
		seen[user]++
	}
	ds.pos = 0
}

// Len returns the number of episodes in a pass.
func (ds *Dataset) Len() int {
	return len(ds.userIDs)
}

// Next returns the next episode of the pass, or io.EOF.
func (ds *Dataset) Next() (Episode, error) {
	if ds.pos >= len(ds.userIDs) {
		return Episode{}, io.EOF
	}
	ep := Episode{UserID: ds.userIDs[ds.pos], Occurrence: ds.occurrences[ds.pos]}
	ds.pos++
	return ep, nil
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	var ep Episode
	ep, err = ds.Next()
	if err != nil {
		return
	}
	inputs = []*tensors.Tensor{
		tensors.FromScalar(int32(ep.UserID)),
		tensors.FromScalar(int32(ep.Occurrence)),
	}
	return
}
