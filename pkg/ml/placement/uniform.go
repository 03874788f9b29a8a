// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"slices"

	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// UniformModelParallel implements pipeline parallelism: the numbered layers are split in contiguous
// blocks across the devices, as evenly as possible, with the first devices taking one extra layer
// when the division is not exact.
//
// Example: 8 layers on devices [0, 1, 2] are placed as [0 0 0 1 1 1 2 2].
type UniformModelParallel struct {
	Gate
	devices       []distributed.DeviceNum
	layerCounts   []int
	layerToDevice []distributed.DeviceNum
}

var _ Strategy = (*UniformModelParallel)(nil)

// NewUniformModelParallel creates the pipeline parallel strategy for numLayers layers over the given devices.
//
// If numLayers < len(devices) the last devices receive no layers.
func NewUniformModelParallel(devices []distributed.DeviceNum, numLayers int, cfg Config) (*UniformModelParallel, error) {
	if len(devices) == 0 {
		return nil, errors.New("UniformModelParallel requires at least one device")
	}
	if numLayers < 0 {
		return nil, errors.Errorf("UniformModelParallel requires numLayers >= 0, got %d", numLayers)
	}
	numDevices := len(devices)
	layersPerDevice := numLayers / numDevices
	remainder := numLayers % numDevices
	layerCounts := make([]int, numDevices)
	layerToDevice := make([]distributed.DeviceNum, 0, numLayers)
	for i, device := range devices {
		layerCounts[i] = layersPerDevice
		if remainder > 0 {
			layerCounts[i]++
			remainder--
		}
		for range layerCounts[i] {
			layerToDevice = append(layerToDevice, device)
		}
	}
	s := &UniformModelParallel{
		Gate:          NewGate(cfg),
		devices:       slices.Clone(devices),
		layerCounts:   layerCounts,
		layerToDevice: layerToDevice,
	}
	if klog.V(1).Enabled() {
		klog.Infof("UniformModelParallel: %d layers on devices %v, layers per device %v", numLayers, devices, s.LayerCounts())
	}
	return s, nil
}

// Devices returns a copy of the devices the strategy was created with.
func (s *UniformModelParallel) Devices() []distributed.DeviceNum {
	return slices.Clone(s.devices)
}

// NumLayers returns the number of layers covered by the strategy.
func (s *UniformModelParallel) NumLayers() int {
	return len(s.layerToDevice)
}

// LayerToDevice returns a copy of the table with the device of each layer.
func (s *UniformModelParallel) LayerToDevice() []distributed.DeviceNum {
	return slices.Clone(s.layerToDevice)
}

// LayerCounts returns the number of layers assigned to each device, in the order of Devices.
func (s *UniformModelParallel) LayerCounts() []int {
	return slices.Clone(s.layerCounts)
}

// DeviceForLayer returns the device assigned to the layer.
func (s *UniformModelParallel) DeviceForLayer(layer int) (distributed.DeviceNum, error) {
	if layer < 0 || layer >= len(s.layerToDevice) {
		return 0, errors.Wrapf(ErrLayerOutOfRange, "layer #%d, strategy was created for %d layers", layer, len(s.layerToDevice))
	}
	return s.layerToDevice[layer], nil
}

// DeviceForModule returns the device of non-layer modules: the one of the last layer for modules
// running after the layers, and the one of the first layer otherwise.
func (s *UniformModelParallel) DeviceForModule(finalLayers bool) (distributed.DeviceNum, error) {
	if finalLayers {
		return s.DeviceForLayer(len(s.layerToDevice) - 1)
	}
	return s.DeviceForLayer(0)
}

// PlaceLayer implements Placer: the block is moved (or materialized, if FromMeta) to the device of the
// layer and wrapped in a DeviceMover.
func (s *UniformModelParallel) PlaceLayer(block module.Module, layer int, _ ModelKind) (module.Module, error) {
	device, err := s.DeviceForLayer(layer)
	if err != nil {
		return nil, err
	}
	if s.FromMeta() {
		if err := module.Materialize(block, device); err != nil {
			return nil, errors.WithMessagef(err, "materializing layer #%d on %s", layer, device)
		}
	}
	mover, err := NewDeviceMover(block, device)
	if err != nil {
		return nil, errors.WithMessagef(err, "placing layer #%d", layer)
	}
	return mover, nil
}

// PlaceModule implements Placer: m is placed on the device of the first layer, or of the last one if
// finalLayers. If FromMeta, m is materialized on the device and returned without wrapping, otherwise
// it's moved and wrapped in a DeviceMover.
func (s *UniformModelParallel) PlaceModule(m module.Module, finalLayers bool, _ ModelKind) (module.Module, error) {
	device, err := s.DeviceForModule(finalLayers)
	if err != nil {
		return nil, errors.WithMessagef(err, "placing module %s", m.TypeName())
	}
	if s.FromMeta() {
		if err := module.Materialize(m, device); err != nil {
			return nil, errors.WithMessagef(err, "materializing module %s on %s", m.TypeName(), device)
		}
		return m, nil
	}
	mover, err := NewDeviceMover(m, device)
	if err != nil {
		return nil, err
	}
	return mover, nil
}

// DistributeModule implements Strategy.
func (s *UniformModelParallel) DistributeModule(m module.Module, finalLayers bool, kind ModelKind) (module.Module, error) {
	return s.DistributeModuleWith(s, m, finalLayers, kind)
}

// DistributeLayer implements Strategy.
func (s *UniformModelParallel) DistributeLayer(block module.Module, layer int, kind ModelKind) (module.Module, error) {
	return s.DistributeLayerWith(s, block, layer, kind)
}
