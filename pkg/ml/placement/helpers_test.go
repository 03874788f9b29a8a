// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement_test

import (
	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/ml/models/decoder"
	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/janpfeifer/must"
)

func devices(nums ...int) []distributed.DeviceNum {
	devs := make([]distributed.DeviceNum, len(nums))
	for i, n := range nums {
		devs[i] = distributed.DeviceNum(n)
	}
	return devs
}

// testModel builds a small LLaMA model: embedding dim 64, hidden dim 128, vocab 256 and 8 heads.
func testModel(numLayers int, meta, fused bool) *decoder.Model {
	return must.M1(decoder.New(decoder.LLaMA).
		Layers(numLayers).Heads(8, 8).Dims(64, 128).VocabSize(256).
		Meta(meta).Fused(fused).Done())
}

// testBlock returns the only layer of a testModel.
func testBlock(meta, fused bool) *module.Node {
	return testModel(1, meta, fused).Layer(0).(*module.Node)
}

func testModelVariant(variant decoder.Variant) *decoder.Model {
	return must.M1(decoder.New(variant).
		Layers(2).Heads(8, 4).Dims(64, 128).VocabSize(256).Done())
}
