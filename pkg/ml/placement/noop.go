// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import "github.com/gomlx/placement/pkg/ml/module"

// NoOp is the strategy used when the model is not distributed: modules and layers are returned unchanged.
type NoOp struct {
	Gate
}

var _ Strategy = (*NoOp)(nil)

// NoOpStrategy is the shared NoOp instance. It is stateless and safe to reuse.
var NoOpStrategy = &NoOp{}

// NewNoOp returns a NoOp strategy with the given config. Usually NoOpStrategy is enough.
func NewNoOp(cfg Config) *NoOp {
	return &NoOp{Gate: NewGate(cfg)}
}

// PlaceModule implements Placer: it returns m.
func (s *NoOp) PlaceModule(m module.Module, _ bool, _ ModelKind) (module.Module, error) {
	return m, nil
}

// PlaceLayer implements Placer: it returns block.
func (s *NoOp) PlaceLayer(block module.Module, _ int, _ ModelKind) (module.Module, error) {
	return block, nil
}

// DistributeModule implements Strategy.
func (s *NoOp) DistributeModule(m module.Module, finalLayers bool, kind ModelKind) (module.Module, error) {
	return s.DistributeModuleWith(s, m, finalLayers, kind)
}

// DistributeLayer implements Strategy.
func (s *NoOp) DistributeLayer(block module.Module, layer int, kind ModelKind) (module.Module, error) {
	return s.DistributeLayerWith(s, block, layer, kind)
}
