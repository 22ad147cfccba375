// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package film manages the FiLM (feature-wise linear modulation) parameters of a backbone: it inserts
// FiLM layers, discovers the names of the parameters used for adaptation, and enables, extracts,
// (re-)initializes and sizes them.
//
// The FiLM parameters are the affine "weight" and "bias" of the normalization layers replaced by InsertLayers,
// for the EfficientNet family, or of every layer normalization, for the ViT family. Other families have no
// FiLM parameters, and all operations are no-ops.
//
// Names of parameters are the ones returned by backbone.Backbone.Parameters. A nil list of names is
// accepted by all operations, and yields empty results.
//
// Based on paper "FiLM: Visual Reasoning with a General Conditioning Layer" (Perez et al.),
// https://arxiv.org/abs/1709.07871.
package film

import (
	"github.com/gomlx/fewshot/pkg/backbone"
	"github.com/gomlx/fewshot/pkg/layers/normact"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrLengthMismatch is returned when a list of names and a list of values don't match in length.
var ErrLengthMismatch = errors.New("number of names and values don't match")

// InsertLayers replaces the normalization layers targeted for adaptation by their FiLM variant, and returns how
// many were replaced.
//
// For each module with normalization targets (see backbone.Kind.NormTargets), each target child that is a plain
// backbone.KindBatchNormAct2d is replaced by a backbone.KindBatchNormAct2dFiLM, keeping its pretrained parameters and
// statistics and adding the FiLM parameters initialized to the identity.
//
// Only the EfficientNet family has FiLM layers inserted: for the others it does nothing.
func InsertLayers(b *backbone.Backbone) (int, error) {
	if b.Family() != backbone.FamilyEfficientNet {
		klog.V(1).Infof("film: no layers to insert for backbone family %s", b.Family())
		return 0, nil
	}
	var targets []string
	for m := range b.Modules() {
		for _, name := range m.Kind.NormTargets() {
			child := b.Child(m, name)
			if child != nil && child.Kind == backbone.KindBatchNormAct2d {
				targets = append(targets, child.Path)
			}
		}
	}
	for _, path := range targets {
		if err := b.Replace(path, backbone.KindBatchNormAct2dFiLM); err != nil {
			return 0, errors.WithMessagef(err, "failed to insert FiLM layer in %q", path)
		}
		klog.V(2).Infof("film: inserted FiLM layer in %q", path)
	}
	klog.V(1).Infof("film: inserted %d FiLM layers", len(targets))
	return len(targets), nil
}

// ParameterNames returns the names of the FiLM parameters of the backbone, in the order of its modules.
// It returns nil if the backbone family has no FiLM parameters, or if there are none (e.g. InsertLayers
// was not called on an EfficientNet).
func ParameterNames(b *backbone.Backbone) []string {
	var kind backbone.Kind
	switch b.Family() {
	case backbone.FamilyEfficientNet:
		kind = backbone.KindBatchNormAct2dFiLM
	case backbone.FamilyViT:
		kind = backbone.KindLayerNorm
	default:
		return nil
	}
	var names []string
	for m := range b.Modules() {
		if m.Kind != kind {
			continue
		}
		for _, paramName := range []string{normact.ParamWeight, normact.ParamBias} {
			name := joinName(m, paramName)
			if b.Parameter(name) != nil {
				names = append(names, name)
			}
		}
	}
	return names
}

// Enable marks the named parameters as trainable. The trainability of other parameters is not changed.
func Enable(b *backbone.Backbone, names []string) error {
	for _, name := range names {
		_, v, err := b.Lookup(name)
		if err != nil {
			return err
		}
		v.SetTrainable(true)
	}
	return nil
}

// Parameters returns copies of the current values of the named parameters, in the same order.
// The copies are independent of the backbone: changing them doesn't affect the parameters.
func Parameters(b *backbone.Backbone, names []string) ([]*tensors.Tensor, error) {
	values := make([]*tensors.Tensor, 0, len(names))
	for _, name := range names {
		_, v, err := b.Lookup(name)
		if err != nil {
			return nil, err
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read value of parameter %q", name)
		}
		clone, err := value.Clone()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to copy value of parameter %q", name)
		}
		values = append(values, clone)
	}
	return values, nil
}

// Initialize resets the FiLM state of the layers owning the named parameters to new trainable values, sized to
// the number of channels of their layer: for the FiLM normalization layers of the EfficientNet family,
// film_gamma is reset to ones ("weight" or "film_gamma" names) and film_beta to zeros ("bias" or "film_beta"
// names), and the pretrained affine parameters are kept. For layer normalizations, the weight is reset to ones
// and the bias to zeros.
//
// Names of any other layer are an error: this protects the pretrained parameters of plain normalizations.
// If backend is not nil, the new values are stored on the given device of the backend.
func Initialize(b *backbone.Backbone, names []string, backend backends.Backend, device backends.DeviceNum) error {
	for _, name := range names {
		m, v, err := b.Lookup(name)
		if err != nil {
			return err
		}
		target, initial, err := initialValue(m, v.Name())
		if err != nil {
			return errors.WithMessagef(err, "can't initialize parameter %q", name)
		}
		targetName := joinName(m, target)
		_, v, err = b.Lookup(targetName)
		if err != nil {
			return err
		}
		value := tensors.FromValue(xslices.SliceWithValue(m.Channels, initial))
		if backend != nil {
			if err := value.MaterializeOnDevice(backend, false, device); err != nil {
				return errors.WithMessagef(err, "failed to move parameter %q to device #%d", targetName, device)
			}
		}
		if err := v.SetValue(value); err != nil {
			return errors.WithMessagef(err, "failed to set value of parameter %q", targetName)
		}
		v.SetTrainable(true)
	}
	return nil
}

// initialValue returns which parameter of the module m is reset when initializing its parameter paramName,
// and to which value.
func initialValue(m *backbone.Module, paramName string) (target string, initial float32, err error) {
	switch m.Kind {
	case backbone.KindBatchNormAct2dFiLM:
		switch paramName {
		case normact.ParamWeight, normact.ParamFiLMGamma:
			return normact.ParamFiLMGamma, 1, nil
		case normact.ParamBias, normact.ParamFiLMBeta:
			return normact.ParamFiLMBeta, 0, nil
		}
	case backbone.KindLayerNorm:
		switch paramName {
		case normact.ParamWeight:
			return normact.ParamWeight, 1, nil
		case normact.ParamBias:
			return normact.ParamBias, 0, nil
		}
	}
	return "", 0, errors.Errorf("%q of a %s module is not a FiLM scale or shift", paramName, m.Kind)
}

func joinName(m *backbone.Module, paramName string) string {
	if m.Path == "" {
		return paramName
	}
	return m.Path + backbone.PathSeparator + paramName
}

// Sizes returns the number of elements of each of the named parameters, in the same order.
// This is the number of values a generator of FiLM parameters must produce for each name.
func Sizes(b *backbone.Backbone, names []string) ([]int, error) {
	sizes := make([]int, 0, len(names))
	for _, name := range names {
		_, v, err := b.Lookup(name)
		if err != nil {
			return nil, err
		}
		sizes = append(sizes, v.Shape().Size())
	}
	return sizes, nil
}

// ToMap returns a map from each name to the value in the same position.
// It returns an error wrapping ErrLengthMismatch if names and values have different lengths.
// A nil list of names yields an empty map, whatever the values.
func ToMap[V any](names []string, values []V) (map[string]V, error) {
	if names == nil {
		return map[string]V{}, nil
	}
	if len(names) != len(values) {
		return nil, errors.Wrapf(ErrLengthMismatch, "%d names and %d values", len(names), len(values))
	}
	m := make(map[string]V, len(names))
	for ii, name := range names {
		m[name] = values[ii]
	}
	return m, nil
}
