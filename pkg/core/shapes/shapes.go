// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dtype and dimensions of a model parameter or buffer.
//
// Placement strategies never look at parameter values, only at their shapes: a shape is all
// that is needed to decide how a weight is split across devices and how much memory each
// device will hold.
//
// DType is the enumeration defined in github.com/gomlx/gopjrt/dtypes.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a parameter.
//   - Axis: the index of a dimension. Negative axes count from the end, so -1 is the last axis.
//   - Dimension: the size of a parameter along one of its axes.
//   - Scalar: a shape with no axes.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of a parameter or buffer.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// It panics if any dimension is <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis, ok := s.NormalizeAxis(axis)
	if !ok {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// NormalizeAxis converts a possibly negative axis to its positive value.
// It returns false if the axis is out-of-bounds for the shape's rank.
func (s Shape) NormalizeAxis(axis int) (int, bool) {
	if axis < 0 {
		axis += s.Rank()
	}
	if axis < 0 || axis >= s.Rank() {
		return 0, false
	}
	return axis, true
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}
