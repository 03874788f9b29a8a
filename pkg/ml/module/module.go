// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package module defines the contract between placement strategies and the models they distribute.
//
// A Module is any component of a model that can be invoked: a transformer layer, an embedding table, the
// output head, a single linear transform. Strategies only need a handful of capabilities from modules, and
// each one is a small optional interface, discovered with a type assertion:
//
//   - Parent: the module has named sub-modules.
//   - Mover: the module can relocate its parameters and buffers to a device.
//   - Materializer: the module was built with placeholder ("meta") storage and can allocate it on a device.
//   - Kinded: the module reports its computation kind (linear, layer normalization, dropout, ...).
//   - MultiHeadAttention: the module is an attention block whose number of heads can be adjusted.
//   - Unwrapper: the module wraps another one (e.g. a device router), and capabilities should be looked up
//     on the wrapped module. See As.
//
// Node is a generic implementation of all of the above, used to describe models by the shapes of their
// parameters.
package module

import (
	"fmt"

	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/pkg/errors"
)

// Module is a component of a model that can be invoked.
//
// Arguments are given as positional args and keyword args. Any argument implementing Tensor is considered
// to be data living on a device.
type Module interface {
	// TypeName is the name of the type of the module, e.g. "LLaMABlock" or "LayerNorm".
	// It is used to exclude modules from distribution by name.
	TypeName() string

	// Call invokes the module.
	Call(args []any, kwargs map[string]any) (any, error)
}

// Child is a named direct sub-module.
type Child struct {
	Name   string
	Module Module
}

// Parent is implemented by modules that have sub-modules.
type Parent interface {
	// Children returns the direct sub-modules, in a stable order.
	Children() []Child
}

// Mover is implemented by modules that can relocate their parameters and buffers to a device.
type Mover interface {
	// To moves the parameters in-place to the device.
	To(device distributed.DeviceNum) error
}

// Materializer is implemented by modules that can be built without storage (on a "meta" device), and
// have their storage allocated later, directly on the device they will run.
type Materializer interface {
	// ToEmpty allocates uninitialized storage for every parameter and buffer on the device, in-place.
	ToEmpty(device distributed.DeviceNum) error
}

// Unwrapper is implemented by modules that wrap another module.
type Unwrapper interface {
	Unwrap() Module
}

// MultiHeadAttention is implemented by attention modules. The number of heads is adjusted when the
// attention computation is split across ranks.
type MultiHeadAttention interface {
	NumHeads() int
	NumKVHeads() int
	SetNumHeads(heads, kvHeads int)
}

// Tensor is a value living on a device.
type Tensor interface {
	// Device where the tensor's storage lives.
	Device() distributed.DeviceNum

	// To returns the tensor on the given device. It may return itself if it is already there.
	To(device distributed.DeviceNum) (Tensor, error)
}

// Kind of computation performed by a module.
type Kind int

const (
	// KindOther is any module not listed below: containers, activations, attention blocks, etc.
	KindOther Kind = iota

	// KindLinear is a dense transform: y = x @ W + b.
	KindLinear

	// KindLayerNorm is a layer (or RMS) normalization.
	KindLayerNorm

	// KindDropout is a dropout.
	KindDropout

	// KindEmbedding is an embedding table lookup.
	KindEmbedding
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindOther:
		return "Other"
	case KindLinear:
		return "Linear"
	case KindLayerNorm:
		return "LayerNorm"
	case KindDropout:
		return "Dropout"
	case KindEmbedding:
		return "Embedding"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Kinded is implemented by modules that report their kind of computation.
type Kinded interface {
	ComputeKind() Kind
}

// ErrNoForward is returned when calling a module that only describes parameters.
var ErrNoForward = errors.New("module has no forward function")
