package distributed_test

import (
	"testing"

	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceMesh(t *testing.T) {
	t.Run("NewDeviceMesh_Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantRank  int
			wantNum   int
		}{
			{
				name:      "1D mesh",
				shape:     []int{8},
				axisNames: []string{"tp"},
				wantRank:  1,
				wantNum:   8,
			},
			{
				name:      "2D mesh",
				shape:     []int{2, 4},
				axisNames: []string{"dp", "tp"},
				wantRank:  2,
				wantNum:   8,
			},
			{
				name:      "single device",
				shape:     []int{1},
				axisNames: []string{"tp"},
				wantRank:  1,
				wantNum:   1,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(distributed.CPU, tt.shape, tt.axisNames)
				require.NoError(t, err)
				assert.NotNil(t, mesh)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.wantNum, mesh.NumDevices())
				assert.Equal(t, tt.wantNum, mesh.Size())
				assert.Equal(t, distributed.DefaultMeshName, mesh.Name())
			})
		}
	})

	t.Run("NewDeviceMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantErr   string
		}{
			{
				name:      "mismatched lengths",
				shape:     []int{2, 4},
				axisNames: []string{"x"},
				wantErr:   "axesSizes and axesNames must have the same length",
			},
			{
				name:      "empty shape",
				shape:     []int{},
				axisNames: []string{},
				wantErr:   "DeviceMesh axesSizes cannot be empty",
			},
			{
				name:      "empty axis name",
				shape:     []int{4},
				axisNames: []string{""},
				wantErr:   "is not a valid identifier",
			},
			{
				name:      "invalid axis name",
				shape:     []int{4},
				axisNames: []string{"0tp"},
				wantErr:   "is not a valid identifier",
			},
			{
				name:      "duplicate axis names",
				shape:     []int{2, 4},
				axisNames: []string{"x", "x"},
				wantErr:   "axis name \"x\" is duplicated",
			},
			{
				name:      "zero devices",
				shape:     []int{0},
				axisNames: []string{"tp"},
				wantErr:   "must have at least one device",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(distributed.CPU, tt.shape, tt.axisNames)
				require.Error(t, err)
				assert.Nil(t, mesh)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("AxesNames", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh(distributed.CPU, []int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)

		axisNames := mesh.AxesNames()
		assert.Equal(t, []string{"x", "y"}, axisNames)

		// Verify it returns a copy
		axisNames[0] = "modified"
		assert.Equal(t, []string{"x", "y"}, mesh.AxesNames())

		sizes := mesh.AxesSizes()
		sizes[0] = 99
		assert.Equal(t, []int{2, 4}, mesh.AxesSizes())
	})

	t.Run("AxisSize", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh(distributed.CPU, []int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)

		size, err := mesh.AxisSize("y")
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		assert.True(t, mesh.HasAxis("x"))
		assert.False(t, mesh.HasAxis("z"))

		_, err = mesh.AxisSize("z")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("String", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh(distributed.Accelerator, []int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)
		assert.Equal(t, "DeviceMesh(cuda, axesSizes={x: 2, y: 4})", mesh.String())
		assert.Equal(t, distributed.Accelerator, mesh.DeviceType())
		mesh.SetName("tp_mesh")
		assert.Equal(t, "tp_mesh", mesh.Name())
	})
}
