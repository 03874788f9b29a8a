package distributed_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardingSpec(t *testing.T) {
	mesh := must.M1(distributed.NewDeviceMesh(distributed.CPU, []int{2, 4}, []string{"dp", "tp"}))

	t.Run("Builder", func(t *testing.T) {
		spec, err := distributed.BuildSpec(mesh).R().S("tp").Done()
		require.NoError(t, err)
		assert.Equal(t, 2, spec.Rank())
		assert.False(t, spec.IsReplicated())
		assert.Equal(t, 1, spec.NumDevicesShardingAxis(0))
		assert.Equal(t, 4, spec.NumDevicesShardingAxis(1))
		assert.Equal(t, 1, spec.NumDevicesShardingAxis(5))
		assert.Equal(t, 1, spec.NumDevicesShardingAxis(-1))
		assert.Equal(t, "ShardingSpec{mesh=mesh, axes=[R, S(tp)]}", spec.String())

		spec, err = distributed.BuildSpec(mesh).S("dp", "tp").Done()
		require.NoError(t, err)
		assert.Equal(t, 8, spec.NumDevicesShardingAxis(0))
	})

	t.Run("Validate", func(t *testing.T) {
		_, err := distributed.BuildSpec(mesh).S("unknown").Done()
		require.ErrorContains(t, err, "unknown mesh axis")
		_, err = distributed.NewShardingSpec(mesh, distributed.AxisSpec{"tp"}, distributed.AxisSpec{"tp"})
		require.ErrorContains(t, err, "used more than once")
	})

	t.Run("Replicated", func(t *testing.T) {
		spec := distributed.NewReplicatedShardingSpec(mesh)
		assert.True(t, spec.IsReplicated())
		spec = must.M1(distributed.NewShardingSpec(mesh, distributed.ReplicatedAxis, distributed.ReplicatedAxis))
		assert.True(t, spec.IsReplicated())
		var nilSpec *distributed.ShardingSpec
		assert.Equal(t, "ShardingSpec<nil>", nilSpec.String())
	})

	t.Run("ShardShape", func(t *testing.T) {
		spec := must.M1(distributed.BuildSpec(mesh).R().S("tp").Done())
		shard, err := spec.ShardShape(shapes.Make(dtypes.Float32, 16, 32))
		require.NoError(t, err)
		assert.Equal(t, []int{16, 8}, shard.Dimensions)

		_, err = spec.ShardShape(shapes.Make(dtypes.Float32, 16, 30))
		require.ErrorContains(t, err, "not divisible")

		_, err = spec.ShardShape(shapes.Make(dtypes.Float32, 16))
		require.ErrorContains(t, err, "cannot shard shape")

		var nilSpec *distributed.ShardingSpec
		full := shapes.Make(dtypes.Float32, 3, 5)
		same, err := nilSpec.ShardShape(full)
		require.NoError(t, err)
		assert.True(t, full.Equal(same))
	})
}
