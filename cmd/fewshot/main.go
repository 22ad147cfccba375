// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// fewshot inspects the components of the few-shot video learners: the episodes sampled per epoch, the FiLM
// parameters of a backbone and the set encoder.
//
// Usage:
//
//	fewshot [flags] episodes|film|encode
//
// Options can be given in a TOML file with -config, and flags override the values in the file.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/fewshot/internal/config"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "TOML file with the options. Flags given in the command line "+
		"override its values.")
	flagShow  = flag.Int("show", 20, "Maximum number of episodes to list. Set to 0 to only show the summary.")
	flagTest  = flag.Bool("test", false, "Sample test episodes (in order) instead of train episodes (shuffled).")
	flagVars  = flag.Bool("vars", false, "List all the FiLM parameters, not only the summary.")
	flagClips = flag.Int("clips", 4, "Number of random clips in the context set encoded by the encode command.")
)

func main() {
	klog.InitFlags(nil)
	opts := loadOptions()
	warnings, err := opts.Validate()
	for _, warning := range warnings {
		klog.Warningf("warning: %s", warning)
	}
	if err != nil {
		klog.Exitf("error: %+v", err)
	}

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one command (episodes, film or encode). See 'fewshot -help'.")
		os.Exit(1)
	}
	switch args[0] {
	case "episodes":
		reportEpisodes(opts)
	case "film":
		reportFiLM(opts)
	case "encode":
		encodeContextSet(opts)
	default:
		klog.Exitf("Unknown command %q. See 'fewshot -help'.", args[0])
	}
}

// loadOptions parses the flags, and loads the -config file if given. Flags set in the command line
// take precedence over the values in the file.
func loadOptions() *config.Options {
	opts := config.Default()
	opts.RegisterFlags(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] episodes|film|encode\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *flagConfig == "" {
		return &opts
	}
	fileOpts := must.M1(config.Load(*flagConfig))
	overrides := flag.NewFlagSet("overrides", flag.ContinueOnError)
	fileOpts.RegisterFlags(overrides)
	flag.Visit(func(f *flag.Flag) {
		if overrides.Lookup(f.Name) != nil {
			must.M(overrides.Set(f.Name, f.Value.String()))
		}
	})
	klog.V(1).Infof("options loaded from %q", *flagConfig)
	return fileOpts
}
