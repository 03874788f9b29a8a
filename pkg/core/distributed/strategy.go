package distributed

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Strategy is an enumeration of the ways the layers of a model can be placed on devices.
type Strategy int

const (
	// None is the default strategy: the model runs on a single device and nothing is moved or sharded.
	None Strategy = iota

	// Pipeline assigns whole layers to devices of the local process, each device computing a contiguous
	// stage of the model (pipeline or "model" parallelism).
	//
	// It requires no process group: activations are moved between devices as they flow through the layers.
	Pipeline

	// TensorParallel splits individual weight matrices by row or column across the ranks of a process
	// group, organized as a 1D DeviceMesh. Partial results are combined by collective operations.
	//
	// Optionally, normalization and dropout activations are also sharded along the sequence dimension
	// (sequence parallelism).
	TensorParallel
)

var strategyNames = map[Strategy]string{
	None:           "none",
	Pipeline:       "pipeline",
	TensorParallel: "tp",
}

// String implements fmt.Stringer.
func (s Strategy) String() string {
	if name, found := strategyNames[s]; found {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy converts a name (case-insensitive) to a Strategy.
// Besides the names returned by String, "mp" is accepted for Pipeline and "tensor_parallel" for TensorParallel.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "pipeline", "mp":
		return Pipeline, nil
	case "tp", "tensor_parallel":
		return TensorParallel, nil
	}
	return None, errors.Errorf("unknown distributed strategy %q, valid values are \"none\", \"pipeline\" or \"tp\"", name)
}
