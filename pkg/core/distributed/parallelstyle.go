package distributed

import (
	"fmt"

	"github.com/pkg/errors"
)

// Placement describes the layout of an activation across the ranks of a mesh: either replicated on every
// rank or sharded along one tensor dimension.
type Placement struct {
	sharded bool
	dim     int
}

// Replicate returns a Placement where every rank holds the full tensor.
func Replicate() Placement {
	return Placement{}
}

// Shard returns a Placement where the tensor is split along dim. Negative dims count from the end.
func Shard(dim int) Placement {
	return Placement{sharded: true, dim: dim}
}

// IsReplicated returns whether the placement replicates the tensor.
func (p Placement) IsReplicated() bool { return !p.sharded }

// Dim returns the sharded dimension. It is only meaningful if the placement is not replicated.
func (p Placement) Dim() int { return p.dim }

// String implements fmt.Stringer.
func (p Placement) String() string {
	if !p.sharded {
		return "Replicate()"
	}
	return fmt.Sprintf("Shard(dim=%d)", p.dim)
}

// ParallelKind enumerates how a sub-module is parallelized.
type ParallelKind int

const (
	// Colwise splits the output features of a linear transform across the mesh.
	Colwise ParallelKind = iota

	// Rowwise splits the input features of a linear transform across the mesh; partial
	// results are summed across ranks.
	Rowwise

	// SequenceParallel shards the activations of normalization/dropout along the sequence dimension,
	// keeping their (small) parameters replicated.
	SequenceParallel
)

// String implements fmt.Stringer.
func (k ParallelKind) String() string {
	switch k {
	case Colwise:
		return "ColwiseParallel"
	case Rowwise:
		return "RowwiseParallel"
	case SequenceParallel:
		return "SequenceParallel"
	default:
		return fmt.Sprintf("ParallelKind(%d)", int(k))
	}
}

// ParallelStyle is the parallelization applied to one sub-module: its kind plus the layout of the
// activations it receives and produces.
type ParallelStyle struct {
	Kind         ParallelKind
	InputLayout  Placement
	OutputLayout Placement
}

// ColwiseParallel returns the default column-wise style: replicated input, output sharded on the last dim.
func ColwiseParallel() ParallelStyle {
	return ParallelStyle{Kind: Colwise, InputLayout: Replicate(), OutputLayout: Shard(-1)}
}

// RowwiseParallel returns the default row-wise style: input sharded on the last dim, replicated output.
func RowwiseParallel() ParallelStyle {
	return ParallelStyle{Kind: Rowwise, InputLayout: Shard(-1), OutputLayout: Replicate()}
}

// SequenceParallelStyle returns the sequence parallel style: activations sharded on the sequence dim (1).
func SequenceParallelStyle() ParallelStyle {
	return ParallelStyle{Kind: SequenceParallel, InputLayout: Shard(1), OutputLayout: Shard(1)}
}

// WithInputLayout returns a copy of the style with the given input layout.
func (s ParallelStyle) WithInputLayout(p Placement) ParallelStyle {
	s.InputLayout = p
	return s
}

// WithOutputLayout returns a copy of the style with the given output layout.
func (s ParallelStyle) WithOutputLayout(p Placement) ParallelStyle {
	s.OutputLayout = p
	return s
}

// String implements fmt.Stringer.
func (s ParallelStyle) String() string {
	return fmt.Sprintf("%s(input=%s, output=%s)", s.Kind, s.InputLayout, s.OutputLayout)
}

// WeightSharding returns how a linear weight shaped [in, out] is split across meshAxis for this style.
//
// Colwise splits the output features, Rowwise the input features, and SequenceParallel keeps
// parameters replicated.
func (s ParallelStyle) WeightSharding(mesh *DeviceMesh, meshAxis string) (*ShardingSpec, error) {
	switch s.Kind {
	case Colwise:
		return BuildSpec(mesh).R().S(meshAxis).Done()
	case Rowwise:
		return BuildSpec(mesh).S(meshAxis).R().Done()
	case SequenceParallel:
		return NewReplicatedShardingSpec(mesh), nil
	}
	return nil, errors.Errorf("unknown parallel kind %s", s.Kind)
}

// BiasSharding returns how the bias (shaped [out]) of a linear transform is split for this style.
//
// Only Colwise shards the bias: Rowwise adds it once after the partial results are reduced.
func (s ParallelStyle) BiasSharding(mesh *DeviceMesh, meshAxis string) (*ShardingSpec, error) {
	switch s.Kind {
	case Colwise:
		return BuildSpec(mesh).S(meshAxis).Done()
	case Rowwise, SequenceParallel:
		return NewReplicatedShardingSpec(mesh), nil
	}
	return nil, errors.Errorf("unknown parallel kind %s", s.Kind)
}
