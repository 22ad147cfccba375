// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package episodes generates the stream of tasks (episodes) used for episodic few-shot training.
//
// Each episode is tied to one user: a TaskSampler lists every user a fixed number of times, either
// grouped by user or shuffled. Dataset wraps a TaskSampler as a train.Dataset, yielding one episode per call.
package episodes

import (
	"iter"
	"math/rand/v2"
)

// TaskSampler produces user ids, each repeated TasksPerUser times.
//
// It is not safe for concurrent use: the random generator is owned by the sampler.
type TaskSampler struct {
	tasksPerUser, numUsers int
	shuffle                bool
	rng                    *rand.Rand
}

// NewTaskSampler creates a TaskSampler over numUsers users, with tasksPerUser tasks each.
//
// If shuffle is true, each pass over the tasks is a fresh uniform permutation drawn from rng.
// If rng is nil a randomly seeded generator is created, which makes the order non-reproducible.
//
// Non-positive counts are not an error: they yield an empty sequence.
func NewTaskSampler(tasksPerUser, numUsers int, shuffle bool, rng *rand.Rand) *TaskSampler {
	if shuffle && rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &TaskSampler{
		tasksPerUser: max(tasksPerUser, 0),
		numUsers:     max(numUsers, 0),
		shuffle:      shuffle,
		rng:          rng,
	}
}

// NewSeededTaskSampler is like NewTaskSampler, but creates the generator from seed.
func NewSeededTaskSampler(tasksPerUser, numUsers int, shuffle bool, seed uint64) *TaskSampler {
	return NewTaskSampler(tasksPerUser, numUsers, shuffle, rand.New(rand.NewPCG(seed, seed)))
}

// Len returns the number of tasks in one pass, without materializing them.
func (s *TaskSampler) Len() int {
	return s.tasksPerUser * s.numUsers
}

// TasksPerUser returns the number of times each user appears in a pass.
func (s *TaskSampler) TasksPerUser() int { return s.tasksPerUser }

// NumUsers returns the number of users sampled.
func (s *TaskSampler) NumUsers() int { return s.numUsers }

// Shuffled returns whether passes are shuffled.
func (s *TaskSampler) Shuffled() bool { return s.shuffle }

// Tasks returns the user ids of a new pass.
// Each call draws a new permutation if the sampler shuffles.
func (s *TaskSampler) Tasks() []int {
	userIDs := make([]int, 0, s.Len())
	for user := range s.numUsers {
		for range s.tasksPerUser {
			userIDs = append(userIDs, user)
		}
	}
	if s.shuffle {
		s.rng.Shuffle(len(userIDs), func(i, j int) {
			userIDs[i], userIDs[j] = userIDs[j], userIDs[i]
		})
	}
	return userIDs
}

// All iterates over the user ids of a new pass. See Tasks.
func (s *TaskSampler) All() iter.Seq[int] {
	return func(yield func(int) bool) {
		for _, user := range s.Tasks() {
			if !yield(user) {
				return
			}
		}
	}
}
