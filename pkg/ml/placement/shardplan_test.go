// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement_test

import (
	"testing"

	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/ml/models/decoder"
	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/gomlx/placement/pkg/ml/placement"
	"github.com/gomlx/placement/pkg/ml/placement/placementtest"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localDims(t *testing.T, m module.Module, name string) []int {
	for _, p := range module.NamedParams(m) {
		if p.Name == name {
			return p.Param.LocalShape().Dimensions
		}
	}
	require.Failf(t, "parameter not found", "%q", name)
	return nil
}

func TestShapeParallelizerLayer(t *testing.T) {
	tp, err := placement.NewTensorParallel(placementtest.NewRuntime(4, 0), placement.ShapeParallelizer{}, nil,
		placement.Config{SequenceParallel: true})
	require.NoError(t, err)

	block := testBlock(false, false)
	before := module.Memory(block)
	_, err = tp.DistributeLayer(block, 0, placement.LLaMA)
	require.NoError(t, err)

	// Embedding dim 64, hidden dim 128.
	assert.Equal(t, []int{64, 16}, localDims(t, block, "attn.in_proj.query.weight"))
	assert.Equal(t, []int{16, 64}, localDims(t, block, "attn.dense.weight"))
	assert.Equal(t, []int{64, 32}, localDims(t, block, "ff_sub_layer.w1.weight"))
	assert.Equal(t, []int{32, 64}, localDims(t, block, "ff_sub_layer.w2.weight"))
	assert.Equal(t, []int{64}, localDims(t, block, "ln.weight"))

	// Only the norms' weights are not split.
	normBytes := uintptr(2 * 64 * 4)
	assert.Equal(t, (before-normBytes)/4+normBytes, module.Memory(block))

	// Sharding again is idempotent.
	_, err = placement.ShapeParallelizer{}.ParallelizeModule(block, tp.Mesh(), placement.GenerateLayerPlan(block, true))
	require.NoError(t, err)
	assert.Equal(t, []int{64, 16}, localDims(t, block, "attn.in_proj.query.weight"))
}

func TestShapeParallelizerErrors(t *testing.T) {
	mesh, err := distributed.NewDeviceMesh(distributed.CPU, []int{3}, []string{placement.TensorParallelAxis})
	require.NoError(t, err)
	block := testBlock(false, false)

	// 64 is not divisible by 3.
	_, err = placement.ShapeParallelizer{}.ParallelizeModule(block, mesh, placement.GenerateLayerPlan(block, false))
	require.ErrorContains(t, err, "not divisible")

	mesh2D, err := distributed.NewDeviceMesh(distributed.CPU, []int{2, 2}, []string{"dp", "tp"})
	require.NoError(t, err)
	_, err = placement.ShapeParallelizer{}.ParallelizeModule(block, mesh2D, placement.NewPlan())
	require.Error(t, err)

	mesh, err = distributed.NewDeviceMesh(distributed.CPU, []int{2}, []string{placement.TensorParallelAxis})
	require.NoError(t, err)
	_, err = placement.ShapeParallelizer{}.ParallelizeModule(block, mesh,
		placement.NewPlan(placement.PlanEntry{Name: "attn.missing", Style: distributed.ColwiseParallel()}))
	require.ErrorContains(t, err, "not found")
}

func TestShapeParallelizerApplyTP(t *testing.T) {
	block := testBlock(false, true)
	group := &placementtest.Group{GroupName: "world", GroupSize: 2}
	got, err := placement.ShapeParallelizer{}.ApplyTP(block, group)
	require.NoError(t, err)
	assert.Same(t, block, got)
	assert.Equal(t, 4, block.Child("attn").(*decoder.Attention).NumHeads())
	assert.Equal(t, []int{64, 96}, localDims(t, block, "attn.in_proj.qkv_fused.weight"))
	assert.Equal(t, []int{64, 128}, localDims(t, block, "ff_sub_layer.wg1_fused.weight"))

	// Modules without attention are parallelized without touching heads.
	emb := module.NewNode("Embedding", module.KindEmbedding)
	_, err = placement.ShapeParallelizer{}.ApplyTP(emb, group)
	require.NoError(t, err)
}

func TestShapeParallelizerModulePlans(t *testing.T) {
	for _, variant := range []decoder.Variant{decoder.LLaMA, decoder.Granite} {
		t.Run(variant.String(), func(t *testing.T) {
			model := testModelVariant(variant)
			tp, err := placement.NewTensorParallel(placementtest.NewRuntime(2, 0), placement.ShapeParallelizer{}, nil,
				placement.Config{})
			require.NoError(t, err)
			require.NoError(t, model.Distribute(tp, variant.ModelKind()))

			// Vocabulary of 256 split across 2 ranks.
			var embName, headName string
			if variant == decoder.Granite {
				embName, headName = "base_model.embedding.weight", "head.weight"
			} else {
				embName, headName = "shared.emb.weight", "shared.head.weight"
			}
			assert.Equal(t, []int{128, 64}, localDims(t, model.Module(), embName))
			assert.Equal(t, []int{64, 128}, localDims(t, model.Module(), headName))
		})
	}
}

func TestShapeParallelizerFailureLeavesLayer(t *testing.T) {
	for _, kind := range []placement.ModelKind{placement.LLaMA, placement.NoModel} {
		t.Run(string(kind), func(t *testing.T) {
			// Hidden dim 129 can't be split across 2 ranks: the feed-forward projections fail after the
			// attention projections were planned.
			model := must.M1(decoder.New(decoder.LLaMA).Layers(1).Heads(8, 8).Dims(64, 129).VocabSize(256).Done())
			block := model.Layer(0).(*module.Node)
			attn := block.Child("attn").(*decoder.Attention)
			tp, err := placement.NewTensorParallel(placementtest.NewRuntime(2, 0), placement.ShapeParallelizer{}, nil,
				placement.Config{})
			require.NoError(t, err)

			for range 2 {
				_, err = tp.DistributeLayer(block, 0, kind)
				require.ErrorContains(t, err, "not divisible")
				assert.Equal(t, 8, attn.NumHeads())
				assert.Equal(t, 8, attn.NumKVHeads())
				for _, p := range module.NamedParams(block) {
					assert.Nil(t, p.Param.Sharding(), p.Name)
					assert.True(t, p.Param.LocalShape().Equal(p.Param.Shape()), p.Name)
				}
			}
		})
	}
}
