// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the options of the few-shot learners, loaded from a TOML file and overridden by flags.
package config

import (
	"flag"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/fewshot/pkg/backbone"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Learners.
const (
	LearnerDefault   = "default"
	LearnerMultiStep = "multi-step-learner"
)

// Modes.
const (
	ModeTrain     = "train"
	ModeTest      = "test"
	ModeTrainTest = "train_test"
)

// Feature adaptation methods.
const (
	AdaptationGenerate = "generate"
	AdaptationFinetune = "finetune"
)

// Frame annotation filters.
const (
	FilterNoIssues    = "no_issues"
	FilterMixedIssues = "mixed_issues"
)

// FrameAnnotationOptions are the quality issues frames can be annotated with.
var FrameAnnotationOptions = []string{
	"object_not_present_issue", "framing_issue", "viewpoint_issue", "blur_issue", "occlusion_issue",
	"overexposed_issue", "underexposed_issue",
}

// NegatedFrameAnnotationOptions select frames without the corresponding issue.
var NegatedFrameAnnotationOptions = func() []string {
	negated := make([]string, len(FrameAnnotationOptions))
	for ii, option := range FrameAnnotationOptions {
		negated[ii] = "no_" + option
	}
	return negated
}()

var (
	validLearners    = []string{LearnerDefault, LearnerMultiStep}
	validModes       = []string{ModeTrain, ModeTest, ModeTrainTest}
	validAdaptations = []string{AdaptationGenerate, AdaptationFinetune}
	validTestSets    = []string{"validation", "test"}
	validFilters     = slices.Concat(FrameAnnotationOptions, NegatedFrameAnnotationOptions,
		[]string{FilterNoIssues, FilterMixedIssues})
)

// Model options.
type Model struct {
	FeatureExtractor        string `toml:"feature_extractor"`
	LearnExtractor          bool   `toml:"learn_extractor"`
	AdaptFeatures           bool   `toml:"adapt_features"`
	FeatureAdaptationMethod string `toml:"feature_adaptation_method"`
	PretrainedExtractorPath string `toml:"pretrained_extractor_path"`
}

// Data options.
type Data struct {
	TestSet       string   `toml:"test_set"`
	NumUsers      int      `toml:"num_users"`
	NumTrainTasks int      `toml:"num_train_tasks"`
	NumTestTasks  int      `toml:"num_test_tasks"`
	ClipLength    int      `toml:"clip_length"`
	FrameSize     int      `toml:"frame_size"`
	FilterContext []string `toml:"filter_context"`
	FilterTarget  []string `toml:"filter_target"`
}

// Training options.
type Training struct {
	Seed           uint64  `toml:"seed"`
	BatchSize      int     `toml:"batch_size"`
	TasksPerBatch  int     `toml:"tasks_per_batch"`
	WithLite       bool    `toml:"with_lite"`
	NumLiteSamples int     `toml:"num_lite_samples"`
	Epochs         int     `toml:"epochs"`
	LearningRate   float64 `toml:"learning_rate"`
}

// Options of a few-shot learner.
type Options struct {
	Learner  string   `toml:"learner"`
	Mode     string   `toml:"mode"`
	Model    Model    `toml:"model"`
	Data     Data     `toml:"data"`
	Training Training `toml:"training"`
}

// Default returns the default options.
func Default() Options {
	return Options{
		Learner: LearnerDefault,
		Mode:    ModeTrainTest,
		Model: Model{
			FeatureExtractor:        "efficientnetb0",
			FeatureAdaptationMethod: AdaptationGenerate,
		},
		Data: Data{
			TestSet:       "test",
			NumUsers:      10,
			NumTrainTasks: 50,
			NumTestTasks:  50,
			ClipLength:    1,
			FrameSize:     224,
		},
		Training: Training{
			Seed:           1991,
			BatchSize:      256,
			TasksPerBatch:  16,
			NumLiteSamples: 8,
			Epochs:         10,
			LearningRate:   1e-4,
		},
	}
}

// Load the options from the TOML file at path, over the default values.
// If path is empty, it returns the default options.
func Load(path string) (*Options, error) {
	opts := Default()
	if path == "" {
		return &opts, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open config file")
	}
	defer func() { _ = file.Close() }()
	decoder := toml.NewDecoder(file).DisallowUnknownFields()
	if err := decoder.Decode(&opts); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %q", path)
	}
	return &opts, nil
}

// stringList is a flag.Value for comma-separated lists.
type stringList struct{ values *[]string }

func (l stringList) String() string {
	if l.values == nil {
		return ""
	}
	return strings.Join(*l.values, ",")
}

func (l stringList) Set(value string) error {
	*l.values = nil
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l.values = append(*l.values, v)
		}
	}
	return nil
}

// RegisterFlags binds the options to flags in fs, with the current values as defaults.
// Call it after Load, so flags override the values in the file.
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Learner, "learner", o.Learner, "Learner: default or multi-step-learner.")
	fs.StringVar(&o.Mode, "mode", o.Mode, "Whether to run train, test or train_test.")
	fs.StringVar(&o.Model.FeatureExtractor, "feature_extractor", o.Model.FeatureExtractor,
		"Feature extractor backbone, e.g. efficientnetb0 or vit.")
	fs.BoolVar(&o.Model.LearnExtractor, "learn_extractor", o.Model.LearnExtractor,
		"Learn all parameters of the feature extractor.")
	fs.BoolVar(&o.Model.AdaptFeatures, "adapt_features", o.Model.AdaptFeatures,
		"Learn FiLM layers for feature adaptation.")
	fs.StringVar(&o.Model.FeatureAdaptationMethod, "feature_adaptation_method", o.Model.FeatureAdaptationMethod,
		"Generate FiLM parameters with a hyper-network (generate) or learn them directly (finetune).")
	fs.StringVar(&o.Data.TestSet, "test_set", o.Data.TestSet, "Set to sample test tasks from: validation or test.")
	fs.IntVar(&o.Data.NumUsers, "num_users", o.Data.NumUsers, "Number of users to sample tasks from.")
	fs.IntVar(&o.Data.NumTrainTasks, "num_train_tasks", o.Data.NumTrainTasks, "Number of train tasks per user per epoch.")
	fs.IntVar(&o.Data.NumTestTasks, "num_test_tasks", o.Data.NumTestTasks, "Number of test tasks per user.")
	fs.IntVar(&o.Data.ClipLength, "clip_length", o.Data.ClipLength, "Number of frames per clip.")
	fs.IntVar(&o.Data.FrameSize, "frame_size", o.Data.FrameSize, "Frame height and width.")
	fs.Var(stringList{&o.Data.FilterContext}, "filter_context", "Comma-separated criteria to filter context frames by.")
	fs.Var(stringList{&o.Data.FilterTarget}, "filter_target", "Comma-separated criteria to filter target frames by.")
	fs.Uint64Var(&o.Training.Seed, "seed", o.Training.Seed, "Random seed.")
	fs.IntVar(&o.Training.BatchSize, "batch_size", o.Training.BatchSize, "Batch size of context and target sets.")
	fs.IntVar(&o.Training.TasksPerBatch, "tasks_per_batch", o.Training.TasksPerBatch,
		"Number of tasks between parameter updates.")
	fs.BoolVar(&o.Training.WithLite, "with_lite", o.Training.WithLite, "Train with LITE.")
	fs.IntVar(&o.Training.NumLiteSamples, "num_lite_samples", o.Training.NumLiteSamples,
		"Number of context clips per task to back-propagate with LITE.")
	fs.IntVar(&o.Training.Epochs, "epochs", o.Training.Epochs, "Number of training epochs.")
	fs.Float64Var(&o.Training.LearningRate, "learning_rate", o.Training.LearningRate, "Learning rate.")
}

// Family of the configured feature extractor.
func (o *Options) Family() backbone.Family {
	return backbone.FamilyFromName(o.Model.FeatureExtractor)
}

// IsTraining returns whether the mode includes training.
func (o *Options) IsTraining() bool {
	return strings.Contains(o.Mode, ModeTrain)
}

// UsesSetEncoder returns whether a task embedding is needed, that is, when FiLM parameters are generated.
func (o *Options) UsesSetEncoder() bool {
	return o.Model.AdaptFeatures && o.Model.FeatureAdaptationMethod == AdaptationGenerate
}

// ExpandFilter replaces the special filters: FilterNoIssues by all NegatedFrameAnnotationOptions and
// FilterMixedIssues by all FrameAnnotationOptions. Other filters are returned as is.
func ExpandFilter(filter []string) []string {
	if slices.Contains(filter, FilterNoIssues) {
		return slices.Clone(NegatedFrameAnnotationOptions)
	}
	if slices.Contains(filter, FilterMixedIssues) {
		return slices.Clone(FrameAnnotationOptions)
	}
	return filter
}

func checkChoice(name, value string, choices []string) error {
	if !slices.Contains(choices, value) {
		return errors.Errorf("invalid %s %q, valid values are %q", name, value, choices)
	}
	return nil
}

// Validate the options, and expand the frame filters (see ExpandFilter).
// It returns warnings about irrelevant options, and an error for invalid combinations.
func (o *Options) Validate() (warnings []string, err error) {
	for _, check := range []struct {
		name, value string
		choices     []string
	}{
		{"learner", o.Learner, validLearners},
		{"mode", o.Mode, validModes},
		{"feature_adaptation_method", o.Model.FeatureAdaptationMethod, validAdaptations},
		{"test_set", o.Data.TestSet, validTestSets},
	} {
		if err := checkChoice(check.name, check.value, check.choices); err != nil {
			return nil, err
		}
	}
	for _, filter := range [][]string{o.Data.FilterContext, o.Data.FilterTarget} {
		for _, value := range filter {
			if err := checkChoice("frame filter", value, validFilters); err != nil {
				return nil, err
			}
		}
	}
	if o.Data.NumUsers < 0 || o.Data.NumTrainTasks < 0 || o.Data.NumTestTasks < 0 {
		return nil, errors.New("number of users and tasks can't be negative")
	}
	if o.Data.ClipLength < 1 {
		return nil, errors.Errorf("clip_length must be at least 1, got %d", o.Data.ClipLength)
	}
	if o.Data.FrameSize < 32 {
		return nil, errors.Errorf("frame_size must be at least 32, got %d", o.Data.FrameSize)
	}
	o.Data.FilterContext = ExpandFilter(o.Data.FilterContext)
	o.Data.FilterTarget = ExpandFilter(o.Data.FilterTarget)

	if o.IsTraining() && !o.Model.LearnExtractor && !o.Model.AdaptFeatures {
		return nil, errors.New(`at least one of "learn_extractor" and "adapt_features" must be used during training`)
	}
	if o.Learner == LearnerMultiStep {
		if o.Training.WithLite {
			warnings = append(warnings,
				"with_lite is not relevant for the multi-step-learner, normal batching is used instead")
		}
		if o.Model.AdaptFeatures && o.Model.FeatureAdaptationMethod == AdaptationGenerate {
			return warnings, errors.New(
				`the multi-step-learner is not a generation-based method, use feature_adaptation_method "finetune" instead`)
		}
	}
	if o.Model.AdaptFeatures && o.Family() == backbone.FamilyUnknown {
		warnings = append(warnings, "feature extractor "+o.Model.FeatureExtractor+" has no FiLM parameters to adapt")
	}
	return warnings, nil
}
