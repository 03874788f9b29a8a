// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement_test

import (
	"testing"

	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/gomlx/placement/pkg/ml/placement"
	"github.com/gomlx/placement/pkg/ml/placement/placementtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	assert.Equal(t, []string{"LLaMABlock", "Embedding"}, placement.ParseIgnoreModules(" LLaMABlock,,Embedding , "))
	assert.Empty(t, placement.ParseIgnoreModules(""))

	t.Setenv(placement.EnvIgnoreModules, "Dropout,LayerNormParameterized")
	t.Setenv(placement.EnvSequenceParallelism, "True")
	cfg := placement.ConfigFromEnv()
	assert.Equal(t, []string{"Dropout", "LayerNormParameterized"}, cfg.IgnoreModules)
	assert.True(t, cfg.SequenceParallel)
	assert.False(t, cfg.FromMeta)

	t.Setenv(placement.EnvSequenceParallelism, "1")
	assert.False(t, placement.ConfigFromEnv().SequenceParallel)
}

func TestNoOp(t *testing.T) {
	m := module.NewNode("Linear", module.KindLinear)
	for _, kind := range []placement.ModelKind{placement.NoModel, placement.LLaMA, "unknown"} {
		got, err := placement.NoOpStrategy.DistributeModule(m, true, kind)
		require.NoError(t, err)
		assert.Same(t, m, got)
		got, err = placement.NoOpStrategy.DistributeLayer(m, 17, kind)
		require.NoError(t, err)
		assert.Same(t, m, got)
	}
	assert.True(t, placement.NoOpStrategy.ShouldDistribute("Linear"))
	assert.False(t, placement.NoOpStrategy.FromMeta())

	_, err := placement.NoOpStrategy.DistributeModule(nil, false, placement.NoModel)
	require.Error(t, err)
}

func TestIgnoredModulesAreReturnedUnchanged(t *testing.T) {
	cfg := placement.Config{IgnoreModules: []string{"LLaMABlock", "Embedding"}}
	uniform, err := placement.NewUniformModelParallel(devices(0, 1), 4, cfg)
	require.NoError(t, err)
	tp, err := placement.NewTensorParallel(placementtest.NewRuntime(2, 0), &placementtest.Parallelizer{}, nil, cfg)
	require.NoError(t, err)

	block := module.NewNode("LLaMABlock", module.KindOther)
	emb := module.NewNode("Embedding", module.KindEmbedding)
	for _, s := range []placement.Strategy{placement.NewNoOp(cfg), uniform, tp} {
		assert.False(t, s.ShouldDistribute("LLaMABlock"))
		assert.True(t, s.ShouldDistribute("LayerNormParameterized"))

		got, err := s.DistributeLayer(block, 3, placement.LLaMA)
		require.NoError(t, err)
		assert.Same(t, block, got, "%T", s)

		// An ignored module is returned even when its model kind is unknown.
		got, err = s.DistributeModule(emb, true, "unknown")
		require.NoError(t, err)
		assert.Same(t, emb, got, "%T", s)
	}
	assert.Equal(t, []string{"Embedding", "LLaMABlock"}, uniform.IgnoredModules())
}

type wrappedStrategy struct {
	placement.Strategy
}

func (w wrappedStrategy) Unwrap() placement.Strategy { return w.Strategy }

func TestUsesModulePlans(t *testing.T) {
	tp, err := placement.NewTensorParallel(placementtest.NewRuntime(2, 0), &placementtest.Parallelizer{}, nil,
		placement.Config{})
	require.NoError(t, err)
	uniform, err := placement.NewUniformModelParallel(devices(0, 1), 4, placement.Config{})
	require.NoError(t, err)

	assert.True(t, placement.UsesModulePlans(tp))
	assert.True(t, placement.UsesModulePlans(wrappedStrategy{wrappedStrategy{tp}}))
	assert.False(t, placement.UsesModulePlans(uniform))
	assert.False(t, placement.UsesModulePlans(wrappedStrategy{uniform}))
	assert.False(t, placement.UsesModulePlans(placement.NoOpStrategy))
	assert.False(t, placement.UsesModulePlans(nil))
}
