// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"fmt"

	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ErrMetaParam is returned when copying a parameter that has no storage yet: it must be materialized instead.
var ErrMetaParam = errors.New("parameter has no storage (meta), it must be materialized with ToEmpty")

// Param describes a parameter (or buffer) of a module: its logical shape, where its storage lives, and
// how it is sharded across a mesh, if at all.
type Param struct {
	shape      shapes.Shape
	localShape shapes.Shape
	device     distributed.DeviceNum
	meta       bool
	sharding   *distributed.ShardingSpec
}

// NewParam creates a parameter with storage on device 0.
func NewParam(shape shapes.Shape) *Param {
	return &Param{shape: shape, localShape: shape}
}

// NewMetaParam creates a parameter without storage, see Materializer.
func NewMetaParam(shape shapes.Shape) *Param {
	return &Param{shape: shape, localShape: shape, meta: true}
}

// Shape returns the logical (full) shape of the parameter.
func (p *Param) Shape() shapes.Shape { return p.shape }

// LocalShape returns the shape of the part of the parameter held by this rank.
// It is the same as Shape unless the parameter is sharded.
func (p *Param) LocalShape() shapes.Shape { return p.localShape }

// Device where the parameter storage lives. Meaningless for meta parameters.
func (p *Param) Device() distributed.DeviceNum { return p.device }

// IsMeta returns whether the parameter has no storage yet.
func (p *Param) IsMeta() bool { return p.meta }

// Sharding returns the sharding spec of the parameter, or nil if it is not sharded.
func (p *Param) Sharding() *distributed.ShardingSpec { return p.sharding }

// Memory returns the number of bytes held by this rank.
func (p *Param) Memory() uintptr {
	return p.localShape.Memory()
}

// To moves the parameter storage to the device. It fails for meta parameters.
func (p *Param) To(device distributed.DeviceNum) error {
	if p.meta {
		return ErrMetaParam
	}
	p.device = device
	return nil
}

// ToEmpty allocates (uninitialized) storage for the parameter on the device.
// It can also be used on parameters that already have storage: their contents are discarded.
func (p *Param) ToEmpty(device distributed.DeviceNum) {
	p.meta = false
	p.device = device
}

// Shard sets the sharding of the parameter, updating its local shape.
// A nil spec makes the parameter replicated again.
func (p *Param) Shard(spec *distributed.ShardingSpec) error {
	local, err := spec.ShardShape(p.shape)
	if err != nil {
		return err
	}
	p.sharding = spec
	p.localShape = local
	return nil
}

// String implements fmt.Stringer.
func (p *Param) String() string {
	if p.meta {
		return fmt.Sprintf("Param(%s, meta)", p.shape)
	}
	if p.sharding != nil && !p.sharding.IsReplicated() {
		return fmt.Sprintf("Param(%s, local=%s, %s)", p.shape, p.localShape, p.device)
	}
	return fmt.Sprintf("Param(%s, %s)", p.shape, p.device)
}

// NamedParam is a parameter with its (dotted) name.
type NamedParam struct {
	Name  string
	Param *Param
}

// ParamOwner is implemented by modules that own parameters directly (not through sub-modules).
type ParamOwner interface {
	Params() []NamedParam
}

// NamedParams lists all parameters of m and its sub-modules, named by their dotted path,
// e.g. "attn.dense.weight".
func NamedParams(m Module) []NamedParam {
	var all []NamedParam
	for _, named := range NamedModules(m) {
		owner, ok := As[ParamOwner](named.Module)
		if !ok {
			continue
		}
		for _, p := range owner.Params() {
			all = append(all, NamedParam{Name: JoinName(named.Name, p.Name), Param: p.Param})
		}
	}
	return all
}

// Memory returns the total number of bytes of the parameters of m (and its sub-modules) held by this rank.
func Memory(m Module) uintptr {
	var total uintptr
	for _, p := range NamedParams(m) {
		total += p.Param.Memory()
	}
	return total
}

// MemoryByDevice returns the number of bytes of the parameters of m held by this rank, per device.
// Meta parameters are not counted, since they have no storage.
func MemoryByDevice(m Module) map[distributed.DeviceNum]uintptr {
	byDevice := make(map[distributed.DeviceNum]uintptr)
	for _, p := range NamedParams(m) {
		if p.Param.IsMeta() {
			continue
		}
		byDevice[p.Param.Device()] += p.Param.Memory()
	}
	return byDevice
}
