// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package placementtest provides in-process fakes of the distributed runtime, process groups, parallelizers
// and tensors, to test placement strategies without a communication library or devices.
package placementtest

import (
	"fmt"
	"sync"

	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/gomlx/placement/pkg/ml/placement"
)

// Group is a fake distributed.ProcessGroup.
type Group struct {
	GroupName string
	GroupRank int
	GroupSize int
}

var _ distributed.ProcessGroup = (*Group)(nil)

// Name implements distributed.ProcessGroup.
func (g *Group) Name() string { return g.GroupName }

// Rank implements distributed.ProcessGroup.
func (g *Group) Rank() int { return g.GroupRank }

// Size implements distributed.ProcessGroup.
func (g *Group) Size() int { return g.GroupSize }

// Runtime is a fake distributed.Runtime.
type Runtime struct {
	Initialized bool
	World       *Group
	Accelerator bool
}

var _ distributed.Runtime = (*Runtime)(nil)

// NewRuntime returns an initialized Runtime whose world group has the given size, with the current
// process at the given rank.
func NewRuntime(worldSize, rank int) *Runtime {
	return &Runtime{
		Initialized: true,
		World:       &Group{GroupName: "world", GroupRank: rank, GroupSize: worldSize},
	}
}

// IsInitialized implements distributed.Runtime.
func (r *Runtime) IsInitialized() bool { return r.Initialized }

// WorldGroup implements distributed.Runtime.
func (r *Runtime) WorldGroup() distributed.ProcessGroup {
	if r.World == nil {
		return nil
	}
	return r.World
}

// AcceleratorAvailable implements distributed.Runtime.
func (r *Runtime) AcceleratorAvailable() bool { return r.Accelerator }

// ParallelizeCall records one call to Parallelizer.ParallelizeModule.
type ParallelizeCall struct {
	Module module.Module
	Mesh   *distributed.DeviceMesh
	Plan   *placement.Plan
}

// ApplyTPCall records one call to Parallelizer.ApplyTP.
type ApplyTPCall struct {
	Module module.Module
	Group  distributed.ProcessGroup
}

// Parallelizer is a fake placement.Parallelizer that records its calls.
//
// ParallelizeModule returns Result if set, otherwise the module it was given. ApplyTP returns a Wrapped
// module. Err, if set, is returned by both.
type Parallelizer struct {
	Result module.Module
	Err    error

	mu               sync.Mutex
	parallelizeCalls []ParallelizeCall
	applyTPCalls     []ApplyTPCall
}

var _ placement.Parallelizer = (*Parallelizer)(nil)

// ParallelizeModule implements placement.Parallelizer.
func (p *Parallelizer) ParallelizeModule(m module.Module, mesh *distributed.DeviceMesh, plan *placement.Plan) (module.Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parallelizeCalls = append(p.parallelizeCalls, ParallelizeCall{Module: m, Mesh: mesh, Plan: plan})
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Result != nil {
		return p.Result, nil
	}
	return m, nil
}

// ApplyTP implements placement.Parallelizer.
func (p *Parallelizer) ApplyTP(m module.Module, group distributed.ProcessGroup) (module.Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyTPCalls = append(p.applyTPCalls, ApplyTPCall{Module: m, Group: group})
	if p.Err != nil {
		return nil, p.Err
	}
	return &Wrapped{Inner: m, Group: group}, nil
}

// ParallelizeCalls returns the calls to ParallelizeModule so far.
func (p *Parallelizer) ParallelizeCalls() []ParallelizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ParallelizeCall(nil), p.parallelizeCalls...)
}

// ApplyTPCalls returns the calls to ApplyTP so far.
func (p *Parallelizer) ApplyTPCalls() []ApplyTPCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ApplyTPCall(nil), p.applyTPCalls...)
}

// Wrapped is the module returned by Parallelizer.ApplyTP.
type Wrapped struct {
	Inner module.Module
	Group distributed.ProcessGroup
}

// TypeName implements module.Module.
func (w *Wrapped) TypeName() string { return "TPWrapped" }

// Call implements module.Module.
func (w *Wrapped) Call(args []any, kwargs map[string]any) (any, error) { return w.Inner.Call(args, kwargs) }

// Unwrap implements module.Unwrapper.
func (w *Wrapped) Unwrap() module.Module { return w.Inner }

// Tensor is a fake module.Tensor that counts how many times it was moved.
type Tensor struct {
	Name  string
	On    distributed.DeviceNum
	Moves int
}

var _ module.Tensor = (*Tensor)(nil)

// Device implements module.Tensor.
func (t *Tensor) Device() distributed.DeviceNum { return t.On }

// To implements module.Tensor. It returns a new Tensor, unless it is already on the device.
func (t *Tensor) To(device distributed.DeviceNum) (module.Tensor, error) {
	if device == t.On {
		return t, nil
	}
	return &Tensor{Name: t.Name, On: device, Moves: t.Moves + 1}, nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, %s)", t.Name, t.On)
}

// Recorder is a module that records the arguments it was called with, and returns its first positional argument.
type Recorder struct {
	Name string

	Args   []any
	Kwargs map[string]any
	Calls  int
}

var _ module.Module = (*Recorder)(nil)

// TypeName implements module.Module.
func (r *Recorder) TypeName() string { return r.Name }

// Call implements module.Module.
func (r *Recorder) Call(args []any, kwargs map[string]any) (any, error) {
	r.Args, r.Kwargs = args, kwargs
	r.Calls++
	if len(args) == 0 {
		return nil, nil
	}
	return args[0], nil
}
