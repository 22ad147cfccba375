// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/fewshot/internal/config"
	"github.com/gomlx/fewshot/pkg/episodes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// reportEpisodes samples one epoch of episodes and lists them, with the number of episodes per user.
func reportEpisodes(opts *config.Options) {
	tasksPerUser, shuffle, name := opts.Data.NumTrainTasks, true, "train"
	if *flagTest {
		tasksPerUser, shuffle, name = opts.Data.NumTestTasks, false, opts.Data.TestSet
	}
	sampler := episodes.NewSeededTaskSampler(tasksPerUser, opts.Data.NumUsers, shuffle, opts.Training.Seed)
	ds := episodes.NewDataset(name, sampler)

	bar := progressbar.NewOptions(ds.Len(),
		progressbar.OptionSetDescription("sampling episodes"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish())
	perUser := make([]int, opts.Data.NumUsers)
	var listed []episodes.Episode
	for {
		episode, err := ds.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		must.M(err)
		perUser[episode.UserID]++
		if len(listed) < *flagShow {
			listed = append(listed, episode)
		}
		must.M(bar.Add(1))
	}
	must.M(bar.Finish())

	fmt.Println(titleStyle.Render("Episodes"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("dataset", ds.String())
	table.Row("seed", strconv.FormatUint(opts.Training.Seed, 10))
	table.Row("# users", humanize.Comma(int64(sampler.NumUsers())))
	table.Row("# tasks per user", humanize.Comma(int64(sampler.TasksPerUser())))
	table.Row("# episodes", humanize.Comma(int64(sampler.Len())))
	fmt.Println(table.Render())

	if len(listed) > 0 {
		table = newPlainTable(lipgloss.Right)
		table.Headers("#", "User", "Occurrence")
		for ii, episode := range listed {
			table.Row(strconv.Itoa(ii), strconv.Itoa(episode.UserID), strconv.Itoa(episode.Occurrence))
		}
		fmt.Println(table.Render())
	}

	if len(perUser) > 0 {
		table = newPlainTable(lipgloss.Right)
		table.Headers("User", "# Episodes")
		for user, count := range perUser {
			table.Row(strconv.Itoa(user), humanize.Comma(int64(count)))
		}
		fmt.Println(table.Render())
	}
}
