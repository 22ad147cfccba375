// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backbone implements feature extractors as an owned tree of modules, indexed by their dotted path
// (e.g. "blocks.1.0.bn1"), each tagged with a Kind.
//
// The parameters of each module are stored as variables of a context.Context, in a scope derived
// from the module path: module "blocks.1.0.bn1" keeps its variables in scope "<base>/blocks/1/0/bn1".
// Parameters are named "<module path>.<variable name>", e.g. "blocks.1.0.bn1.weight".
//
// Modules can be replaced in place (see Backbone.Replace), which is how FiLM layers are inserted
// into a pretrained network.
package backbone

import (
	"iter"
	"strings"

	"github.com/gomlx/fewshot/pkg/layers/normact"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// PathSeparator separates the names of modules in a path.
const PathSeparator = "."

// Conv2d and Linear variable names. Convolutions use the names of layers.Convolution.
const (
	ParamConvWeights = "weights"
	ParamConvBiases  = "biases"
)

// Module is one node of the Backbone tree.
type Module struct {
	// Name of the module within its parent. Empty for the root.
	Name string

	// Path of the module from the root, with names separated by PathSeparator. Empty for the root.
	Path string

	Kind Kind

	// InChannels and Channels are the number of input and output channels (or features) of the module.
	// Only used by leaf modules.
	InChannels, Channels int

	// KernelSize and Stride of convolutions.
	KernelSize, Stride int

	// UseBias for Conv2d modules.
	UseBias bool

	// Activation applied by BatchNormAct2d and Linear modules.
	Activation activations.Type

	// DropRate of the dropout applied by BatchNormAct2d modules before their activation, during training.
	DropRate float64

	parent   int
	children []int
}

// Backbone is a feature extractor made of a tree of modules.
// It's not safe for concurrent modification.
type Backbone struct {
	family  Family
	ctx     *context.Context
	modules []*Module
	index   map[string]int
}

// New creates a Backbone of the given family, with only a root module of the given kind.
// The parameters are stored under the current scope of ctx.
func New(family Family, ctx *context.Context, rootKind Kind) *Backbone {
	root := &Module{Kind: rootKind, parent: -1}
	return &Backbone{
		family:  family,
		ctx:     ctx,
		modules: []*Module{root},
		index:   map[string]int{"": 0},
	}
}

// Family of the backbone architecture.
func (b *Backbone) Family() Family { return b.family }

// Context where the backbone parameters are stored.
func (b *Backbone) Context() *context.Context { return b.ctx }

// Root module.
func (b *Backbone) Root() *Module { return b.modules[0] }

// Len returns the number of modules, including the root.
func (b *Backbone) Len() int { return len(b.modules) }

// Add a module with the given configuration as the last child of the module at parentPath.
// The Path of the module is set from the parent's path and the module name, and its parameters are declared
// with their initial values.
func (b *Backbone) Add(parentPath string, config Module) (*Module, error) {
	parentIdx, found := b.index[parentPath]
	if !found {
		return nil, errors.Errorf("parent module %q not found", parentPath)
	}
	if config.Name == "" || strings.Contains(config.Name, PathSeparator) {
		return nil, errors.Errorf("invalid module name %q in parent %q", config.Name, parentPath)
	}
	m := config
	m.Path = joinPath(parentPath, config.Name)
	if _, exists := b.index[m.Path]; exists {
		return nil, errors.Errorf("module %q already exists", m.Path)
	}
	m.parent = parentIdx
	m.children = nil
	idx := len(b.modules)
	b.modules = append(b.modules, &m)
	b.index[m.Path] = idx
	parent := b.modules[parentIdx]
	parent.children = append(parent.children, idx)
	b.declareParameters(&m)
	return &m, nil
}

// MustAdd is like Add, but panics on error.
func (b *Backbone) MustAdd(parentPath string, config Module) *Module {
	m, err := b.Add(parentPath, config)
	if err != nil {
		panic(err)
	}
	return m
}

// Module returns the module at the given path, or nil if it doesn't exist. The root has path "".
func (b *Backbone) Module(path string) *Module {
	idx, found := b.index[path]
	if !found {
		return nil
	}
	return b.modules[idx]
}

// Parent returns the parent of the module, or nil for the root.
func (b *Backbone) Parent(m *Module) *Module {
	if m.parent < 0 {
		return nil
	}
	return b.modules[m.parent]
}

// Children of the module, in the order they were added.
func (b *Backbone) Children(m *Module) []*Module {
	children := make([]*Module, len(m.children))
	for ii, idx := range m.children {
		children[ii] = b.modules[idx]
	}
	return children
}

// Child returns the child of m with the given name, or nil if there is none.
func (b *Backbone) Child(m *Module, name string) *Module {
	return b.Module(joinPath(m.Path, name))
}

// Modules iterates over all modules in pre-order: each module comes before its children, and children
// are visited in the order they were added.
func (b *Backbone) Modules() iter.Seq[*Module] {
	return func(yield func(*Module) bool) {
		b.walk(0, yield)
	}
}

func (b *Backbone) walk(idx int, yield func(*Module) bool) bool {
	m := b.modules[idx]
	if !yield(m) {
		return false
	}
	for _, childIdx := range m.children {
		if !b.walk(childIdx, yield) {
			return false
		}
	}
	return true
}

// ModuleContext returns the context scoped to the module. It's unchecked, so variables can be
// created or reused freely.
func (b *Backbone) ModuleContext(m *Module) *context.Context {
	ctx := b.ctx
	if m.Path != "" {
		for _, name := range strings.Split(m.Path, PathSeparator) {
			ctx = ctx.In(name)
		}
	}
	return ctx.Checked(false)
}

// Replace changes the kind of the module at path in place, keeping its position in the tree, its
// configuration and the parameters that both kinds share. Parameters of the new kind that don't exist yet are
// declared with their initial values, and parameters the new kind doesn't use are deleted.
func (b *Backbone) Replace(path string, kind Kind) error {
	m := b.Module(path)
	if m == nil {
		return errors.Errorf("module %q not found", path)
	}
	m.Kind = kind
	b.declareParameters(m)
	keep := make(map[string]bool)
	for _, name := range parameterNames(m) {
		keep[name] = true
	}
	ctx := b.ModuleContext(m)
	scope := ctx.Scope()
	var toDelete []string
	for v := range ctx.IterVariablesInScope() {
		if v.Scope() == scope && !keep[v.Name()] {
			toDelete = append(toDelete, v.Name())
		}
	}
	for _, name := range toDelete {
		if err := ctx.DeleteVariable(scope, name); err != nil {
			return errors.WithMessagef(err, "failed to delete parameter %q of module %q", name, path)
		}
	}
	return nil
}

// Parameters iterates over the named parameters of the backbone, in the pre-order of their modules,
// and in order of creation within a module.
func (b *Backbone) Parameters() iter.Seq2[string, *context.Variable] {
	return func(yield func(string, *context.Variable) bool) {
		byScope := make(map[string][]*context.Variable)
		for v := range b.ctx.IterVariablesInScope() {
			byScope[v.Scope()] = append(byScope[v.Scope()], v)
		}
		for m := range b.Modules() {
			for _, v := range byScope[b.ModuleContext(m).Scope()] {
				if !yield(joinPath(m.Path, v.Name()), v) {
					return
				}
			}
		}
	}
}

// Lookup returns the module and variable of the parameter with the given name.
func (b *Backbone) Lookup(name string) (*Module, *context.Variable, error) {
	path, varName := "", name
	if pos := strings.LastIndex(name, PathSeparator); pos >= 0 {
		path, varName = name[:pos], name[pos+1:]
	}
	m := b.Module(path)
	if m == nil {
		return nil, nil, errors.Errorf("parameter %q: module %q not found", name, path)
	}
	v := b.ctx.GetVariableByScopeAndName(b.ModuleContext(m).Scope(), varName)
	if v == nil {
		return nil, nil, errors.Errorf("parameter %q not found in module %q (%s)", varName, path, m.Kind)
	}
	return m, v, nil
}

// Parameter returns the variable of the parameter with the given name, or nil if it doesn't exist.
func (b *Backbone) Parameter(name string) *context.Variable {
	_, v, err := b.Lookup(name)
	if err != nil {
		return nil
	}
	return v
}

// SetTrainable sets the trainability of all parameters, except the running statistics of batch
// normalizations, which are never trainable.
func (b *Backbone) SetTrainable(trainable bool) {
	for _, v := range b.Parameters() {
		switch v.Name() {
		case normact.ParamRunningMean, normact.ParamRunningVar, normact.ParamNumBatchesTracked:
			continue
		}
		v.SetTrainable(trainable)
	}
}

// parameterNames returns the names of the variables a module declares.
func parameterNames(m *Module) []string {
	switch m.Kind {
	case KindConv2d, KindPatchEmbed:
		if m.UseBias || m.Kind == KindPatchEmbed {
			return []string{ParamConvWeights, ParamConvBiases}
		}
		return []string{ParamConvWeights}
	case KindBatchNormAct2d:
		return []string{normact.ParamWeight, normact.ParamBias, normact.ParamRunningMean,
			normact.ParamRunningVar, normact.ParamNumBatchesTracked}
	case KindBatchNormAct2dFiLM:
		return []string{normact.ParamWeight, normact.ParamBias, normact.ParamRunningMean,
			normact.ParamRunningVar, normact.ParamNumBatchesTracked, normact.ParamFiLMGamma, normact.ParamFiLMBeta}
	case KindLinear, KindLayerNorm:
		return []string{normact.ParamWeight, normact.ParamBias}
	}
	return nil
}

// declareParameters creates the variables of the module that don't exist yet.
// Convolution and linear weights are initialized with the context's default initializer when
// the variables are first initialized.
func (b *Backbone) declareParameters(m *Module) {
	ctx := b.ModuleContext(m)
	switch m.Kind {
	case KindConv2d, KindPatchEmbed:
		ctx.VariableWithShape(ParamConvWeights,
			shapes.Make(dtypes.Float32, m.Channels, m.InChannels, m.KernelSize, m.KernelSize))
		if m.UseBias || m.Kind == KindPatchEmbed {
			ctx.WithInitializer(initializers.Zero).
				VariableWithShape(ParamConvBiases, shapes.Make(dtypes.Float32, m.Channels))
		}
	case KindBatchNormAct2d:
		normact.DeclareBatchNorm(ctx, m.Channels, false)
	case KindBatchNormAct2dFiLM:
		normact.DeclareBatchNorm(ctx, m.Channels, true)
	case KindLinear:
		ctx.VariableWithShape(normact.ParamWeight, shapes.Make(dtypes.Float32, m.InChannels, m.Channels))
		ctx.VariableWithValue(normact.ParamBias, make([]float32, m.Channels))
	case KindLayerNorm:
		normact.DeclareLayerNorm(ctx, m.Channels)
	}
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + PathSeparator + name
}
