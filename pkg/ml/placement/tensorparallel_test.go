// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/ml/models/decoder"
	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/gomlx/placement/pkg/ml/placement"
	"github.com/gomlx/placement/pkg/ml/placement/placementtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTensorParallel(t *testing.T) {
	parallelizer := &placementtest.Parallelizer{}
	_, err := placement.NewTensorParallel(nil, parallelizer, nil, placement.Config{})
	require.ErrorIs(t, err, placement.ErrProcessGroupNotInitialized)
	_, err = placement.NewTensorParallel(&placementtest.Runtime{}, parallelizer, nil, placement.Config{})
	require.ErrorIs(t, err, placement.ErrProcessGroupNotInitialized)

	rt := placementtest.NewRuntime(4, 1)
	tp, err := placement.NewTensorParallel(rt, parallelizer, nil, placement.Config{SequenceParallel: true})
	require.NoError(t, err)
	assert.Same(t, rt.World, tp.Group())
	assert.True(t, tp.UseSequenceParallelism())
	assert.Equal(t, 4, tp.Mesh().Size())
	assert.Equal(t, []string{placement.TensorParallelAxis}, tp.Mesh().AxesNames())
	assert.Equal(t, distributed.CPU, tp.Mesh().DeviceType())
	assert.Equal(t, []placement.ModelKind{placement.Granite, placement.LLaMA}, tp.ModelKinds())

	rt.Accelerator = true
	group := &placementtest.Group{GroupName: "tp0", GroupSize: 2}
	tp, err = placement.NewTensorParallel(rt, parallelizer, group, placement.Config{})
	require.NoError(t, err)
	assert.Same(t, group, tp.Group())
	assert.Equal(t, 4, tp.Mesh().Size(), "mesh is sized to the world")
	assert.Equal(t, distributed.Accelerator, tp.Mesh().DeviceType())
}

func TestTensorParallelNoModel(t *testing.T) {
	parallelizer := &placementtest.Parallelizer{}
	rt := placementtest.NewRuntime(2, 0)
	tp, err := placement.NewTensorParallel(rt, parallelizer, nil, placement.Config{})
	require.NoError(t, err)

	block := testBlock(false, false)
	got, err := tp.DistributeLayer(block, 0, placement.NoModel)
	require.NoError(t, err)
	wrapped, ok := got.(*placementtest.Wrapped)
	require.True(t, ok)
	assert.Same(t, block, wrapped.Inner)
	assert.Same(t, rt.World, wrapped.Group)

	emb := module.NewNode("Embedding", module.KindEmbedding)
	got, err = tp.DistributeModule(emb, true, placement.NoModel)
	require.NoError(t, err)
	assert.Same(t, emb, got.(*placementtest.Wrapped).Inner)

	assert.Len(t, parallelizer.ApplyTPCalls(), 2)
	assert.Empty(t, parallelizer.ParallelizeCalls())
}

func TestTensorParallelModulePlans(t *testing.T) {
	parallelizer := &placementtest.Parallelizer{}
	tp, err := placement.NewTensorParallel(placementtest.NewRuntime(2, 0), parallelizer, nil, placement.Config{})
	require.NoError(t, err)
	root := module.NewNode("LLaMA", module.KindOther)

	_, err = tp.DistributeModule(root, false, placement.LLaMA)
	require.NoError(t, err)
	_, err = tp.DistributeModule(root, true, placement.LLaMA)
	require.NoError(t, err)
	_, err = tp.DistributeModule(root, false, placement.Granite)
	require.NoError(t, err)
	_, err = tp.DistributeModule(root, true, placement.Granite)
	require.NoError(t, err)

	calls := parallelizer.ParallelizeCalls()
	require.Len(t, calls, 4)
	for _, call := range calls {
		assert.Same(t, root, call.Module)
		assert.Same(t, tp.Mesh(), call.Mesh)
	}

	// LLaMA: the embedding before the layers, the head after them.
	assert.Equal(t, []string{"shared.emb"}, calls[0].Plan.Names())
	style, _ := calls[0].Plan.Get("shared.emb")
	assert.Equal(t, distributed.Rowwise, style.Kind)
	assert.True(t, style.InputLayout.IsReplicated())
	assert.Equal(t, []string{"shared.head"}, calls[1].Plan.Names())
	style, _ = calls[1].Plan.Get("shared.head")
	assert.Equal(t, distributed.Colwise, style.Kind)
	assert.True(t, style.OutputLayout.IsReplicated())

	// Granite: both, regardless of finalLayers.
	for _, call := range calls[2:] {
		assert.Equal(t, []string{"head", "base_model.embedding"}, call.Plan.Names())
		style, _ = call.Plan.Get("base_model.embedding")
		assert.Equal(t, distributed.Rowwise, style.Kind)
		assert.True(t, style.InputLayout.IsReplicated())
	}
}

func TestTensorParallelLayer(t *testing.T) {
	parallelizer := &placementtest.Parallelizer{}
	tp, err := placement.NewTensorParallel(placementtest.NewRuntime(4, 0), parallelizer, nil, placement.Config{})
	require.NoError(t, err)

	block := testBlock(false, false)
	got, err := tp.DistributeLayer(block, 3, placement.LLaMA)
	require.NoError(t, err)
	assert.Same(t, block, got)

	attn := block.Child("attn").(*decoder.Attention)
	assert.Equal(t, 2, attn.NumHeads())
	assert.Equal(t, 2, attn.NumKVHeads())

	calls := parallelizer.ParallelizeCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, placement.GenerateLayerPlan(block, false).Names(), calls[0].Plan.Names())

	// Granite layers use the same classifier.
	_, err = tp.DistributeLayer(testBlock(false, true), 0, placement.Granite)
	require.NoError(t, err)
	calls = parallelizer.ParallelizeCalls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Plan.Names(), "attn.in_proj.qkv_fused")
}

func TestTensorParallelErrors(t *testing.T) {
	parallelizer := &placementtest.Parallelizer{}
	tp, err := placement.NewTensorParallel(placementtest.NewRuntime(3, 0), parallelizer, nil, placement.Config{})
	require.NoError(t, err)

	// 8 heads across 3 ranks: the block is left unchanged.
	block := testBlock(false, false)
	_, err = tp.DistributeLayer(block, 0, placement.LLaMA)
	require.ErrorIs(t, err, placement.ErrIndivisibleHeads)
	assert.Equal(t, 8, block.Child("attn").(*decoder.Attention).NumHeads())
	assert.Empty(t, parallelizer.ParallelizeCalls())

	_, err = tp.DistributeLayer(block, 0, "gpt")
	require.ErrorIs(t, err, placement.ErrUnsupportedModel)
	_, err = tp.DistributeModule(block, true, "gpt")
	require.ErrorIs(t, err, placement.ErrUnsupportedModel)

	// Blocks without an attention sub-module.
	_, err = tp.DistributeLayer(module.NewNode("Block", module.KindOther), 0, placement.LLaMA)
	require.Error(t, err)

	// Errors and panics of the parallelizer are returned as errors.
	failure := errors.New("collective failed")
	failing := &placementtest.Parallelizer{Err: failure}
	tp, err = placement.NewTensorParallel(placementtest.NewRuntime(1, 0), failing, nil, placement.Config{})
	require.NoError(t, err)
	_, err = tp.DistributeModule(block, false, placement.LLaMA)
	require.ErrorIs(t, err, failure)
	_, err = tp.DistributeModule(block, false, placement.NoModel)
	require.ErrorIs(t, err, failure)

	tp, err = placement.NewTensorParallel(placementtest.NewRuntime(1, 0), panickingParallelizer{}, nil, placement.Config{})
	require.NoError(t, err)
	_, err = tp.DistributeModule(block, false, placement.LLaMA)
	require.ErrorContains(t, err, "bad plan")
}

type panickingParallelizer struct{}

func (panickingParallelizer) ParallelizeModule(module.Module, *distributed.DeviceMesh, *placement.Plan) (module.Module, error) {
	exceptions.Panicf("bad plan")
	return nil, nil
}

func (panickingParallelizer) ApplyTP(module.Module, distributed.ProcessGroup) (module.Module, error) {
	exceptions.Panicf("bad group")
	return nil, nil
}

func TestWithModulePlan(t *testing.T) {
	parallelizer := &placementtest.Parallelizer{}
	tp, err := placement.NewTensorParallel(placementtest.NewRuntime(2, 0), parallelizer, nil, placement.Config{})
	require.NoError(t, err)
	tp.WithModulePlan("gpt", func(finalLayers bool) *placement.Plan {
		return placement.NewPlan(placement.PlanEntry{Name: "wte", Style: distributed.RowwiseParallel()})
	})
	_, err = tp.DistributeModule(module.NewNode("GPT", module.KindOther), false, "gpt")
	require.NoError(t, err)
	_, err = tp.DistributeLayer(testBlock(false, false), 0, "gpt")
	require.NoError(t, err)
	assert.Len(t, parallelizer.ParallelizeCalls(), 2)
	assert.Panics(t, func() { tp.WithModulePlan(placement.NoModel, placement.LLaMAModulePlan) })
}

func TestVerifyPlan(t *testing.T) {
	block := testBlock(false, true)
	plan := placement.GenerateLayerPlan(block, false)
	plan.Set("attn.in_proj.query", distributed.ColwiseParallel())
	checks := placement.VerifyPlan(block, plan)
	require.Len(t, checks, 5)
	found := make(map[string]bool)
	for _, check := range checks {
		found[check.Name] = check.Found
	}
	assert.Equal(t, map[string]bool{
		"attn.in_proj.qkv_fused": true,
		"attn.dense":             true,
		"ff_sub_layer.wg1_fused": true,
		"ff_sub_layer.w2":        true,
		"attn.in_proj.query":     false,
	}, found)
}
