// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/pkg/errors"
)

// Options to create a Strategy with New. Only the fields used by the selected strategy are required.
type Options struct {
	Config

	// Devices and NumLayers are used by the pipeline strategy.
	Devices   []distributed.DeviceNum
	NumLayers int

	// Runtime, Parallelizer and Group are used by the tensor parallel strategy. Group is optional and
	// defaults to the world group of the Runtime. Parallelizer defaults to ShapeParallelizer.
	Runtime      distributed.Runtime
	Parallelizer Parallelizer
	Group        distributed.ProcessGroup
}

// New creates the Strategy selected by strategy:
//
//   - distributed.None: NoOp.
//   - distributed.Pipeline: UniformModelParallel over opts.Devices for opts.NumLayers layers.
//   - distributed.TensorParallel: TensorParallel over opts.Group.
func New(strategy distributed.Strategy, opts Options) (Strategy, error) {
	switch strategy {
	case distributed.None:
		return NewNoOp(opts.Config), nil
	case distributed.Pipeline:
		s, err := NewUniformModelParallel(opts.Devices, opts.NumLayers, opts.Config)
		if err != nil {
			return nil, err
		}
		return s, nil
	case distributed.TensorParallel:
		parallelizer := opts.Parallelizer
		if parallelizer == nil {
			parallelizer = ShapeParallelizer{}
		}
		s, err := NewTensorParallel(opts.Runtime, parallelizer, opts.Group, opts.Config)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errors.Errorf("unknown distributed strategy %s", strategy)
}
