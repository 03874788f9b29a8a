// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"fmt"

	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/pkg/errors"
)

// DeviceMover wraps a module whose parameters live on one device, and moves the module inputs to that
// device before each call. Outputs are returned as they come from the wrapped module.
//
// Other than when called, it behaves as the wrapped module: TypeName, Children and ComputeKind are forwarded,
// and module.As finds any other capability of the wrapped module through Unwrap.
type DeviceMover struct {
	inner  module.Module
	device distributed.DeviceNum
}

var (
	_ module.Module    = (*DeviceMover)(nil)
	_ module.Unwrapper = (*DeviceMover)(nil)
	_ module.Parent    = (*DeviceMover)(nil)
	_ module.Kinded    = (*DeviceMover)(nil)
)

// NewDeviceMover moves the parameters of m to the device and returns m wrapped by a DeviceMover.
func NewDeviceMover(m module.Module, device distributed.DeviceNum) (*DeviceMover, error) {
	if m == nil {
		return nil, errors.New("DeviceMover requires a module to wrap")
	}
	if err := module.MoveTo(m, device); err != nil {
		return nil, errors.WithMessagef(err, "moving %s to %s", m.TypeName(), device)
	}
	return &DeviceMover{inner: m, device: device}, nil
}

// Device returns the device the wrapped module lives on.
func (d *DeviceMover) Device() distributed.DeviceNum { return d.device }

// Unwrap implements module.Unwrapper.
func (d *DeviceMover) Unwrap() module.Module { return d.inner }

// TypeName implements module.Module: it is the one of the wrapped module.
func (d *DeviceMover) TypeName() string { return d.inner.TypeName() }

// Children implements module.Parent: the sub-modules of the wrapped module.
func (d *DeviceMover) Children() []module.Child { return module.ChildrenOf(d.inner) }

// ComputeKind implements module.Kinded: the kind of the wrapped module.
func (d *DeviceMover) ComputeKind() module.Kind { return module.KindOf(d.inner) }

// Call implements module.Module. Every argument (positional or keyword) that is a module.Tensor is moved
// to the device, other arguments are passed through. The given args and kwargs are not modified.
func (d *DeviceMover) Call(args []any, kwargs map[string]any) (any, error) {
	var movedArgs []any
	if args != nil {
		movedArgs = make([]any, len(args))
		for i, arg := range args {
			moved, err := d.relocate(arg)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: moving positional argument #%d to %s", d.TypeName(), i, d.device)
			}
			movedArgs[i] = moved
		}
	}
	var movedKwargs map[string]any
	if kwargs != nil {
		movedKwargs = make(map[string]any, len(kwargs))
		for key, arg := range kwargs {
			moved, err := d.relocate(arg)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: moving keyword argument %q to %s", d.TypeName(), key, d.device)
			}
			movedKwargs[key] = moved
		}
	}
	return d.inner.Call(movedArgs, movedKwargs)
}

func (d *DeviceMover) relocate(arg any) (any, error) {
	tensor, ok := arg.(module.Tensor)
	if !ok {
		return arg, nil
	}
	return tensor.To(d.device)
}

// String implements fmt.Stringer.
func (d *DeviceMover) String() string {
	return fmt.Sprintf("DeviceMover(%s, %v)", d.device, d.inner)
}
