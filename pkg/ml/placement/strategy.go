// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package placement assigns the layers and modules of a model to devices, so that a model too large for
// one device can run across several.
//
// A Strategy is called by the model for each of its numbered layers (DistributeLayer) and each of its
// other modules, like embeddings, heads and norms (DistributeModule). It returns the module to use in
// place of the original one. The strategies are:
//
//   - NoOp (NoOpStrategy): returns everything unchanged, for single device execution.
//   - UniformModelParallel: pipeline parallelism, whole layers are assigned to the devices of the local
//     process in contiguous blocks, and wrapped in a DeviceMover that routes their inputs.
//   - TensorParallel: the weights of each layer are split by row or by column across the ranks of a process
//     group, following a Plan built by GenerateLayerPlan.
//
// Modules whose type name is listed in Config.IgnoreModules are never distributed.
package placement

import (
	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/gomlx/placement/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelKind selects model-specific parallelization plans, e.g. "llama" or "granite".
// The empty NoModel selects the generic tensor parallel wrapping.
type ModelKind string

const (
	NoModel ModelKind = ""
	LLaMA   ModelKind = "llama"
	Granite ModelKind = "granite"
)

var (
	// ErrProcessGroupNotInitialized is returned when creating a TensorParallel strategy before the
	// process group bootstrap.
	ErrProcessGroupNotInitialized = errors.New("must initialize a process group")

	// ErrUnsupportedModel is returned for a ModelKind without a parallelization plan.
	ErrUnsupportedModel = errors.New("unsupported model")

	// ErrLayerOutOfRange is returned when distributing a layer index not covered by a strategy.
	ErrLayerOutOfRange = errors.New("layer index out of range")

	// ErrIndivisibleHeads is returned when the attention heads of a layer can't be evenly split across the mesh.
	ErrIndivisibleHeads = errors.New("number of attention heads is not divisible by the mesh size")
)

// Placer implements the placement of modules and layers that were not excluded by the ignore list.
type Placer interface {
	// PlaceModule places a module that is not a numbered layer: embeddings, heads, norms.
	// finalLayers indicates the module runs after the numbered layers.
	PlaceModule(m module.Module, finalLayers bool, kind ModelKind) (module.Module, error)

	// PlaceLayer places the numbered layer block.
	PlaceLayer(block module.Module, layer int, kind ModelKind) (module.Module, error)
}

// Strategy decides how each module and layer of a model is placed on devices.
type Strategy interface {
	Placer

	// ShouldDistribute returns false if modules of the given type name are excluded from distribution.
	ShouldDistribute(typeName string) bool

	// FromMeta returns whether the model was built with meta storage, see Config.FromMeta.
	FromMeta() bool

	// DistributeModule returns m unchanged if its type is ignored, otherwise it calls PlaceModule.
	DistributeModule(m module.Module, finalLayers bool, kind ModelKind) (module.Module, error)

	// DistributeLayer returns block unchanged if its type is ignored, otherwise it calls PlaceLayer.
	DistributeLayer(block module.Module, layer int, kind ModelKind) (module.Module, error)
}

// ModulePlanner is implemented by strategies that place modules following per-model plans, see
// TensorParallel.ModulePlan. The names in the plans are relative to the model root, so models distribute
// their root module, and not each of their head and tail modules, with these strategies.
type ModulePlanner interface {
	ModulePlan(kind ModelKind, finalLayers bool) (*Plan, error)
}

// StrategyWrapper is implemented by strategies that decorate another one, e.g. to report progress.
type StrategyWrapper interface {
	Unwrap() Strategy
}

// UsesModulePlans returns whether s, or any strategy it wraps, is a ModulePlanner.
func UsesModulePlans(s Strategy) bool {
	for s != nil {
		if _, ok := s.(ModulePlanner); ok {
			return true
		}
		wrapper, ok := s.(StrategyWrapper)
		if !ok {
			return false
		}
		s = wrapper.Unwrap()
	}
	return false
}

// Gate implements the parts of Strategy common to all strategies. Concrete strategies embed it.
//
// The zero value ignores nothing.
type Gate struct {
	ignore   sets.Set[string]
	fromMeta bool
}

// NewGate creates a Gate from the config.
func NewGate(cfg Config) Gate {
	return Gate{
		ignore:   sets.MakeWith(cfg.IgnoreModules...),
		fromMeta: cfg.FromMeta,
	}
}

// ShouldDistribute implements Strategy.
func (g Gate) ShouldDistribute(typeName string) bool {
	return !g.ignore.Has(typeName)
}

// FromMeta implements Strategy.
func (g Gate) FromMeta() bool {
	return g.fromMeta
}

// IgnoredModules returns the sorted list of ignored module type names.
func (g Gate) IgnoredModules() []string {
	return sets.Sorted(g.ignore)
}

// DistributeModuleWith implements Strategy.DistributeModule for the Placer p.
func (g Gate) DistributeModuleWith(p Placer, m module.Module, finalLayers bool, kind ModelKind) (module.Module, error) {
	if m == nil {
		return nil, errors.New("cannot distribute a nil module")
	}
	typeName := m.TypeName()
	if !g.ShouldDistribute(typeName) {
		klog.Infof("ignoring module=%s when distributing module", typeName)
		return m, nil
	}
	return p.PlaceModule(m, finalLayers, kind)
}

// DistributeLayerWith implements Strategy.DistributeLayer for the Placer p.
func (g Gate) DistributeLayerWith(p Placer, block module.Module, layer int, kind ModelKind) (module.Module, error) {
	if block == nil {
		return nil, errors.Errorf("cannot distribute a nil layer #%d", layer)
	}
	typeName := block.TypeName()
	if !g.ShouldDistribute(typeName) {
		klog.Infof("ignoring block=%s when distributing layer", typeName)
		return block, nil
	}
	return p.PlaceLayer(block, layer, kind)
}
