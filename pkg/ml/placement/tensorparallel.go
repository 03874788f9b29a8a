// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TensorParallelAxis is the name of the axis of the 1D mesh used by TensorParallel.
const TensorParallelAxis = "tp"

// Parallelizer applies tensor parallel plans to modules. It is implemented by the tensor parallel
// library in use, see ShapeParallelizer for one that works on parameter shapes only.
type Parallelizer interface {
	// ParallelizeModule applies the plan to the sub-modules of m, named relative to m, over the mesh.
	// It returns the module to use in place of m.
	ParallelizeModule(m module.Module, mesh *distributed.DeviceMesh, plan *Plan) (module.Module, error)

	// ApplyTP applies the library's own generic tensor parallel wrapping to m over the process group.
	ApplyTP(m module.Module, group distributed.ProcessGroup) (module.Module, error)
}

// ModulePlanFn returns the plan for the non-layer modules of a model kind. finalLayers indicates the
// modules running after the numbered layers.
type ModulePlanFn func(finalLayers bool) *Plan

// LLaMAModulePlan shards the output head column-wise, with replicated output, for the final layers,
// and the embedding table row-wise, with replicated input, otherwise.
func LLaMAModulePlan(finalLayers bool) *Plan {
	if finalLayers {
		return NewPlan(PlanEntry{"shared.head", distributed.ColwiseParallel().WithOutputLayout(distributed.Replicate())})
	}
	return NewPlan(PlanEntry{"shared.emb", distributed.RowwiseParallel().WithInputLayout(distributed.Replicate())})
}

// GraniteModulePlan shards both the output head and the embedding table, regardless of finalLayers.
func GraniteModulePlan(_ bool) *Plan {
	return NewPlan(
		PlanEntry{"head", distributed.ColwiseParallel().WithOutputLayout(distributed.Replicate())},
		PlanEntry{"base_model.embedding", distributed.RowwiseParallel().WithInputLayout(distributed.Replicate())},
	)
}

// TensorParallel splits the weights of each layer across the ranks of a process group.
//
// For the model kinds it knows (see WithModulePlan), layers are parallelized following GenerateLayerPlan
// and the other modules following the model's module plan. For NoModel, the Parallelizer's generic
// ApplyTP is used.
type TensorParallel struct {
	Gate
	group                  distributed.ProcessGroup
	mesh                   *distributed.DeviceMesh
	parallelizer           Parallelizer
	useSequenceParallelism bool
	modulePlans            map[ModelKind]ModulePlanFn
}

var _ Strategy = (*TensorParallel)(nil)

// NewTensorParallel creates the tensor parallel strategy over group, or the runtime's world group if group
// is nil. The process group must have been initialized already.
//
// The mesh is one-dimensional, sized to the world, with accelerator devices if available.
func NewTensorParallel(rt distributed.Runtime, parallelizer Parallelizer, group distributed.ProcessGroup, cfg Config) (*TensorParallel, error) {
	if rt == nil || !rt.IsInitialized() {
		return nil, ErrProcessGroupNotInitialized
	}
	if parallelizer == nil {
		return nil, errors.New("TensorParallel requires a Parallelizer")
	}
	world := rt.WorldGroup()
	if world == nil {
		return nil, errors.Wrap(ErrProcessGroupNotInitialized, "runtime has no world group")
	}
	if group == nil {
		group = world
	}
	if cfg.SequenceParallel {
		klog.Info("Using TP strategy with sequence parallelism")
	} else {
		klog.Info("Using TP strategy without sequence parallelism")
	}
	deviceType := distributed.CPU
	if rt.AcceleratorAvailable() {
		deviceType = distributed.Accelerator
	}
	mesh, err := distributed.NewDeviceMesh(deviceType, []int{world.Size()}, []string{TensorParallelAxis})
	if err != nil {
		return nil, errors.WithMessage(err, "creating tensor parallel mesh")
	}
	return &TensorParallel{
		Gate:                   NewGate(cfg),
		group:                  group,
		mesh:                   mesh,
		parallelizer:           parallelizer,
		useSequenceParallelism: cfg.SequenceParallel,
		modulePlans: map[ModelKind]ModulePlanFn{
			LLaMA:   LLaMAModulePlan,
			Granite: GraniteModulePlan,
		},
	}, nil
}

// WithModulePlan registers (or replaces) the module plan of a model kind. Layers of the kind are
// parallelized with GenerateLayerPlan. It returns the strategy itself, for chaining.
func (s *TensorParallel) WithModulePlan(kind ModelKind, planFn ModulePlanFn) *TensorParallel {
	if kind == NoModel || planFn == nil {
		exceptions.Panicf("TensorParallel.WithModulePlan(%q) requires a non-empty kind and a plan function", kind)
	}
	s.modulePlans[kind] = planFn
	return s
}

// Mesh used to shard the weights.
func (s *TensorParallel) Mesh() *distributed.DeviceMesh { return s.mesh }

// Group is the process group the strategy distributes over.
func (s *TensorParallel) Group() distributed.ProcessGroup { return s.group }

// UseSequenceParallelism returns whether normalization and dropout sub-modules are sequence parallel.
func (s *TensorParallel) UseSequenceParallelism() bool { return s.useSequenceParallelism }

// ModelKinds returns the sorted model kinds with a module plan.
func (s *TensorParallel) ModelKinds() []ModelKind {
	kinds := make([]ModelKind, 0, len(s.modulePlans))
	for kind := range s.modulePlans {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

var _ ModulePlanner = (*TensorParallel)(nil)

// ModulePlan returns the plan used for the non-layer modules of the model kind.
func (s *TensorParallel) ModulePlan(kind ModelKind, finalLayers bool) (*Plan, error) {
	planFn, found := s.modulePlans[kind]
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedModel, "model kind %q", kind)
	}
	return planFn(finalLayers), nil
}

// PlaceModule implements Placer.
func (s *TensorParallel) PlaceModule(m module.Module, finalLayers bool, kind ModelKind) (module.Module, error) {
	if kind == NoModel {
		return s.applyTP(m)
	}
	plan, err := s.ModulePlan(kind, finalLayers)
	if err != nil {
		return nil, err
	}
	return s.parallelize(m, plan)
}

// PlaceLayer implements Placer: the attention heads of the block are divided by the mesh size, and its
// sub-modules are parallelized following GenerateLayerPlan.
func (s *TensorParallel) PlaceLayer(block module.Module, layer int, kind ModelKind) (module.Module, error) {
	if kind == NoModel {
		return s.applyTP(block)
	}
	if _, found := s.modulePlans[kind]; !found {
		return nil, errors.Wrapf(ErrUnsupportedModel, "model kind %q", kind)
	}
	plan := GenerateLayerPlan(block, s.useSequenceParallelism)
	restoreHeads, err := shardHeads(block, s.mesh.Size())
	if err != nil {
		return nil, errors.WithMessagef(err, "layer #%d", layer)
	}
	parallelized, err := s.parallelize(block, plan)
	if err != nil {
		restoreHeads()
		return nil, errors.WithMessagef(err, "layer #%d", layer)
	}
	if klog.V(1).Enabled() {
		rank := s.group.Rank()
		klog.Infof("[Rank %d] Test Plan:", rank)
		for _, check := range VerifyPlan(parallelized, plan) {
			if check.Found {
				klog.Infof("[Rank %d] %s: %s", rank, check.Name, check.Style.Kind)
			} else {
				klog.Infof("[Rank %d] %s: %s (NOT FOUND)", rank, check.Name, check.Style.Kind)
			}
		}
	}
	return parallelized, nil
}

// DistributeModule implements Strategy.
func (s *TensorParallel) DistributeModule(m module.Module, finalLayers bool, kind ModelKind) (module.Module, error) {
	return s.DistributeModuleWith(s, m, finalLayers, kind)
}

// DistributeLayer implements Strategy.
func (s *TensorParallel) DistributeLayer(block module.Module, layer int, kind ModelKind) (module.Module, error) {
	return s.DistributeLayerWith(s, block, layer, kind)
}

// parallelize calls the Parallelizer, converting panics with an error to an error.
func (s *TensorParallel) parallelize(m module.Module, plan *Plan) (parallelized module.Module, err error) {
	err = exceptions.TryCatch[error](func() {
		var innerErr error
		parallelized, innerErr = s.parallelizer.ParallelizeModule(m, s.mesh, plan)
		if innerErr != nil {
			panic(innerErr)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "parallelizing %s with %s", m.TypeName(), plan)
	}
	return parallelized, nil
}

func (s *TensorParallel) applyTP(m module.Module) (wrapped module.Module, err error) {
	err = exceptions.TryCatch[error](func() {
		var innerErr error
		wrapped, innerErr = s.parallelizer.ApplyTP(m, s.group)
		if innerErr != nil {
			panic(innerErr)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "applying tensor parallelism to %s over group %s", m.TypeName(), s.group.Name())
	}
	return wrapped, nil
}

// ShardHeads divides the number of heads of the "attn" sub-module of block by size.
//
// It returns an error, leaving the block unchanged, if the block has no attention sub-module or if
// its number of heads (or key/value heads) is not divisible by size.
func ShardHeads(block module.Module, size int) error {
	_, err := shardHeads(block, size)
	return err
}

// shardHeads implements ShardHeads, and returns a function that sets the heads back to their original counts.
func shardHeads(block module.Module, size int) (restore func(), err error) {
	if size < 1 {
		return nil, errors.Errorf("cannot shard heads across %d ranks", size)
	}
	attnModule, found := module.Find(block, "attn")
	if !found {
		return nil, errors.Errorf("block %s has no \"attn\" sub-module", block.TypeName())
	}
	attn, ok := module.As[module.MultiHeadAttention](attnModule)
	if !ok {
		return nil, errors.Errorf("sub-module \"attn\" (%s) of %s doesn't implement MultiHeadAttention",
			attnModule.TypeName(), block.TypeName())
	}
	heads, kvHeads := attn.NumHeads(), attn.NumKVHeads()
	if heads%size != 0 || kvHeads%size != 0 {
		return nil, errors.Wrapf(ErrIndivisibleHeads, "%d heads and %d key/value heads across %d ranks", heads, kvHeads, size)
	}
	attn.SetNumHeads(heads/size, kvHeads/size)
	return func() { attn.SetNumHeads(heads, kvHeads) }, nil
}

// PlanCheck reports whether a sub-module named in a plan exists in the parallelized module.
type PlanCheck struct {
	Name  string
	Style distributed.ParallelStyle
	Found bool
}

// VerifyPlan checks, for each entry of the plan, if m has a sub-module with that name.
// Entries not found are not errors: plans name sub-modules of every supported model variant.
func VerifyPlan(m module.Module, plan *Plan) []PlanCheck {
	checks := make([]PlanCheck, 0, plan.Len())
	for _, entry := range plan.Entries() {
		_, found := module.Find(m, entry.Name)
		checks = append(checks, PlanCheck{Name: entry.Name, Style: entry.Style, Found: found})
	}
	return checks
}
