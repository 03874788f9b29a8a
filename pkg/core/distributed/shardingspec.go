package distributed

import (
	"strings"

	"github.com/gomlx/placement/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ShardingSpec (also known as PartitionSpec in JAX) defines how a parameter is sharded (partitioned) across
// a DeviceMesh.
//
// The definition is per axis of the parameter -- and not per axis of the Mesh, a common confusion.
// If not all axes of the parameter are defined, the tail axes are considered simply to be replicated across
// the whole mesh.
//
// Example, for a linear weight shaped [in, out] on a 1D mesh with axis "tp":
//
//	// Column-wise: the output features are split across the "tp" devices.
//	colwise, _ := distributed.BuildSpec(mesh).R().S("tp").Done()
//
//	// Row-wise: the input features are split across the "tp" devices.
//	rowwise, _ := distributed.BuildSpec(mesh).S("tp").Done()
type ShardingSpec struct {
	Mesh *DeviceMesh
	Axes []AxisSpec
}

// AxisSpec specifies how a parameter axis is to be sharded (or replicated).
// See details in ShardingSpec.
//
// It's a list of mesh axes names, in order. An empty list means the axis is replicated.
type AxisSpec []string

// ReplicatedAxis is a special AxisSpec that means the parameter axis is replicated.
var ReplicatedAxis = AxisSpec(nil)

// NewShardingSpec creates a new ShardingSpec, with one axisSpec per axis of the parameter
// (omitted axes are assumed to be replicated).
//
// There is also the BuildSpec function for a more ergonomic spec creation.
func NewShardingSpec(mesh *DeviceMesh, axisSpec ...AxisSpec) (*ShardingSpec, error) {
	s := &ShardingSpec{mesh, axisSpec}
	err := s.Validate()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewReplicatedShardingSpec creates a new ShardingSpec that is replicated across all mesh axes.
func NewReplicatedShardingSpec(mesh *DeviceMesh) *ShardingSpec {
	return &ShardingSpec{mesh, nil}
}

// Validate the spec returning an error if something is invalid.
func (s *ShardingSpec) Validate() error {
	if s.Mesh == nil {
		return errors.New("ShardingSpec requires a DeviceMesh")
	}
	meshAxesUsed := make(map[string]bool)
	for axisIdx, tensorAxisSpec := range s.Axes {
		for _, axisName := range tensorAxisSpec {
			if !s.Mesh.HasAxis(axisName) {
				return errors.Errorf("ShardingSpec axis #%d refers to unknown mesh axis %q", axisIdx, axisName)
			}
			if meshAxesUsed[axisName] {
				return errors.Errorf("mesh axis %q used more than once in ShardingSpec", axisName)
			}
			meshAxesUsed[axisName] = true
		}
	}
	return nil
}

// Rank returns the number of parameter axes this ShardingSpec describes.
func (s *ShardingSpec) Rank() int {
	return len(s.Axes)
}

// IsReplicated returns true if the parameter is fully replicated (i.e., not sharded along any axis).
func (s *ShardingSpec) IsReplicated() bool {
	for _, meshAxes := range s.Axes {
		if len(meshAxes) > 0 {
			return false
		}
	}
	return true
}

// String returns a human-readable representation of the ShardingSpec, "R" for replicated axes and
// "S(...)" for sharded ones.
func (s *ShardingSpec) String() string {
	if s == nil {
		return "ShardingSpec<nil>"
	}
	var sb strings.Builder
	sb.WriteString("ShardingSpec{mesh=" + s.Mesh.name + ", axes=[")
	for i, axisSpec := range s.Axes {
		if i > 0 {
			sb.WriteString(", ")
		}
		if len(axisSpec) == 0 {
			sb.WriteString("R")
		} else {
			sb.WriteString("S(" + strings.Join(axisSpec, ",") + ")")
		}
	}
	sb.WriteString("]}")
	return sb.String()
}

// SpecBuilder is a more ergonomic way of building SharingSpec.
type SpecBuilder struct {
	spec *ShardingSpec
}

// BuildSpec is a more ergonomic way of building SharingSpec.
//
// Example:
//
//	spec, err := distributed.BuildSpec(mesh).R().S("tp").Done()
func BuildSpec(mesh *DeviceMesh) *SpecBuilder {
	return &SpecBuilder{spec: &ShardingSpec{Mesh: mesh}}
}

// R adds a replicated axis to the ShardingSpec being built.
func (b *SpecBuilder) R() *SpecBuilder {
	b.spec.Axes = append(b.spec.Axes, ReplicatedAxis)
	return b
}

// S adds a sharded axis along the meshAxes to the ShardingSpec being built.
func (b *SpecBuilder) S(meshAxes ...string) *SpecBuilder {
	b.spec.Axes = append(b.spec.Axes, meshAxes)
	return b
}

// Done builds the ShardingSpec according to the builder specification.
func (b *SpecBuilder) Done() (*ShardingSpec, error) {
	err := b.spec.Validate()
	if err != nil {
		return nil, err
	}
	return b.spec, nil
}

// NumDevicesShardingAxis returns the number of devices that will be used to shard the parameter along the given
// parameter axis. If the axis is replicated, or out of range, it returns 1.
func (s *ShardingSpec) NumDevicesShardingAxis(axis int) int {
	if axis < 0 || axis >= len(s.Axes) {
		return 1 // Replicated.
	}
	size := 1
	for _, meshAxis := range s.Axes[axis] {
		size *= s.Mesh.axesSizes[s.Mesh.nameToAxis[meshAxis]]
	}
	return size
}

// ShardShape calculates the shape each device holds, given the logical (full) shape of a parameter.
//
// If the spec is nil the logical shape is returned as is. It returns an error if the spec has more axes
// than the shape, or if a sharded dimension is not divisible by the number of devices it is split across.
func (s *ShardingSpec) ShardShape(logicalShape shapes.Shape) (shapes.Shape, error) {
	if s == nil {
		return logicalShape, nil
	}
	if len(s.Axes) > logicalShape.Rank() {
		return shapes.Invalid(), errors.Errorf("%s has %d axes, it cannot shard shape %s of rank %d",
			s, len(s.Axes), logicalShape, logicalShape.Rank())
	}
	shard := logicalShape.Clone()
	for axis := range s.Axes {
		numShards := s.NumDevicesShardingAxis(axis)
		dim := logicalShape.Dimensions[axis]
		if dim%numShards != 0 {
			return shapes.Invalid(), errors.Errorf("cannot shard axis %d of shape %s across %d devices: %d is not divisible by %d",
				axis, logicalShape, numShards, dim, numShards)
		}
		shard.Dimensions[axis] = dim / numShards
	}
	return shard, nil
}
