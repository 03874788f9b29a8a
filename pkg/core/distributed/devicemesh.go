package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/placement/pkg/support/sets"
	"github.com/pkg/errors"
)

// DeviceNum identifies a physical device of the local process, e.g. the CUDA ordinal of an accelerator.
type DeviceNum int

// String implements fmt.Stringer.
func (d DeviceNum) String() string {
	return fmt.Sprintf("device#%d", int(d))
}

// DeviceType is the class of device a DeviceMesh is built over.
type DeviceType int

const (
	// CPU devices, used when no accelerator is available.
	CPU DeviceType = iota

	// Accelerator devices (GPUs or similar).
	Accelerator
)

// String implements fmt.Stringer.
func (t DeviceType) String() string {
	switch t {
	case CPU:
		return "cpu"
	case Accelerator:
		return "cuda"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(t))
	}
}

// DeviceMesh defines the logical topology of the ranks participating in a distributed computation.
//
// For tensor parallelism the mesh is one-dimensional, with one position per rank of the process group.
type DeviceMesh struct {
	name       string
	deviceType DeviceType

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int
}

const DefaultMeshName = "mesh"

// IsNameValid checks whether a name is a valid identifier for a mesh name or axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a new logical topology of a set of devices of the given type.
//
//   - axesSizes: defines the number of devices along each mesh axis, one value per axis. Each must be >= 1.
//   - axesNames: the names of the mesh axes. One value per axis, each a valid identifier (see IsNameValid).
//
// Tensor parallelism uses a 1D mesh, e.g. NewDeviceMesh(Accelerator, []int{worldSize}, []string{"tp"}).
func NewDeviceMesh(deviceType DeviceType, axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}

	numDevices := 1
	seen := sets.Make[string](len(axesNames))
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if seen.Has(name) {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		seen.Insert(name)
		if axesSizes[i] < 1 {
			return nil, errors.Errorf("DeviceMesh axis %q must have at least one device, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}

	return &DeviceMesh{
		name:       DefaultMeshName,
		deviceType: deviceType,
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string {
	return m.name
}

// DeviceType returns the class of devices the mesh was built over.
func (m *DeviceMesh) DeviceType() DeviceType {
	return m.deviceType
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Size is an alias to NumDevices: for a 1D tensor parallel mesh it is the world size.
func (m *DeviceMesh) Size() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// HasAxis returns whether the mesh has an axis with the given name.
func (m *DeviceMesh) HasAxis(axisName string) bool {
	_, found := m.nameToAxis[axisName]
	return found
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "DeviceMesh(%s, axesSizes={", m.deviceType)
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}
