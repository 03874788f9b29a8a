// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ShapeParallelizer is a Parallelizer that works on the description of the parameters only: it sets the
// sharding of the parameters of each sub-module in the plan, which updates their local shapes.
//
// For a sub-module in the plan, the parameter named "weight" is sharded with ParallelStyle.WeightSharding
// and every other parameter (the bias) with ParallelStyle.BiasSharding. Sub-modules not in the plan are left
// replicated. Applying the same plan twice is harmless.
//
// It is used to plan and report memory usage without running the model.
type ShapeParallelizer struct{}

var _ Parallelizer = ShapeParallelizer{}

// WeightParamName is the name of the parameter sharded as a weight by ShapeParallelizer.
const WeightParamName = "weight"

// ParallelizeModule implements Parallelizer. It returns m itself, with its parameters sharded.
//
// It fails if a sub-module in the plan doesn't exist, or if a parameter can't be split evenly over the mesh.
// Either way no parameter is changed: all shardings are computed before any is set.
// The mesh must be one-dimensional.
func (ShapeParallelizer) ParallelizeModule(m module.Module, mesh *distributed.DeviceMesh, plan *Plan) (module.Module, error) {
	if mesh == nil || mesh.Rank() != 1 {
		return nil, errors.Errorf("ShapeParallelizer requires a 1D mesh, got %v", mesh)
	}
	meshAxis := mesh.AxesNames()[0]
	type shardedParam struct {
		name  string
		param *module.Param
		spec  *distributed.ShardingSpec
	}
	var sharded []shardedParam
	for _, entry := range plan.Entries() {
		sub, found := module.Find(m, entry.Name)
		if !found {
			return nil, errors.Errorf("sub-module %q of %s not found", entry.Name, m.TypeName())
		}
		owner, ok := module.As[module.ParamOwner](sub)
		if !ok {
			klog.V(2).Infof("sub-module %q has no parameters to shard", entry.Name)
			continue
		}
		for _, p := range owner.Params() {
			name := module.JoinName(entry.Name, p.Name)
			var spec *distributed.ShardingSpec
			var err error
			if p.Name == WeightParamName {
				spec, err = entry.Style.WeightSharding(mesh, meshAxis)
			} else {
				spec, err = entry.Style.BiasSharding(mesh, meshAxis)
			}
			if err != nil {
				return nil, errors.WithMessagef(err, "sharding %q", name)
			}
			if spec.IsReplicated() {
				spec = nil
			}
			if _, err := spec.ShardShape(p.Param.Shape()); err != nil {
				return nil, errors.WithMessagef(err, "sharding %q with %s", name, entry.Style)
			}
			sharded = append(sharded, shardedParam{name: name, param: p.Param, spec: spec})
		}
	}
	for _, sp := range sharded {
		if err := sp.param.Shard(sp.spec); err != nil {
			return nil, errors.WithMessagef(err, "sharding %q", sp.name)
		}
		klog.V(2).Infof("%s: %s", sp.name, sp.param)
	}
	return m, nil
}

// ApplyTP implements Parallelizer: it parallelizes m over a mesh the size of group, using the plan given by
// GenerateLayerPlan without sequence parallelism. If m has an "attn" sub-module, its heads are divided by the
// group size.
func (sp ShapeParallelizer) ApplyTP(m module.Module, group distributed.ProcessGroup) (module.Module, error) {
	if group == nil {
		return nil, errors.New("ApplyTP requires a process group")
	}
	mesh, err := distributed.NewDeviceMesh(distributed.CPU, []int{group.Size()}, []string{TensorParallelAxis})
	if err != nil {
		return nil, err
	}
	restoreHeads := func() {}
	if _, found := module.Find(m, "attn"); found {
		if restoreHeads, err = shardHeads(m, group.Size()); err != nil {
			return nil, err
		}
	}
	parallelized, err := sp.ParallelizeModule(m, mesh, GenerateLayerPlan(m, false))
	if err != nil {
		restoreHeads()
		return nil, err
	}
	return parallelized, nil
}
