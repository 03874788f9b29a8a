package main

import (
	"fmt"
	"slices"

	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/gomlx/placement/pkg/ml/placement"
	"github.com/schollz/progressbar/v3"
)

// simulatedRuntime plans the placement of one rank of a world, without any communication.
type simulatedRuntime struct {
	world, rank int
	accelerator bool
}

func (r *simulatedRuntime) IsInitialized() bool { return r.world > 0 }

func (r *simulatedRuntime) WorldGroup() distributed.ProcessGroup { return simulatedGroup{r} }

func (r *simulatedRuntime) AcceleratorAvailable() bool { return r.accelerator }

type simulatedGroup struct{ rt *simulatedRuntime }

func (g simulatedGroup) Name() string { return fmt.Sprintf("simulated[%d]", g.rt.world) }
func (g simulatedGroup) Rank() int    { return g.rt.rank }
func (g simulatedGroup) Size() int    { return g.rt.world }

// progressStrategy displays a progress bar as layers are distributed.
type progressStrategy struct {
	placement.Strategy
	bar *progressbar.ProgressBar
}

func newProgressStrategy(s placement.Strategy, numLayers int) *progressStrategy {
	return &progressStrategy{
		Strategy: s,
		bar: progressbar.NewOptions(numLayers,
			progressbar.OptionSetDescription("distributing layers"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish()),
	}
}

func (p *progressStrategy) DistributeLayer(block module.Module, layer int, kind placement.ModelKind) (module.Module, error) {
	placed, err := p.Strategy.DistributeLayer(block, layer, kind)
	if err == nil {
		_ = p.bar.Add(1)
	}
	return placed, err
}

func (p *progressStrategy) Finish() {
	_ = p.bar.Finish()
}

// Unwrap implements placement.StrategyWrapper.
func (p *progressStrategy) Unwrap() placement.Strategy {
	return p.Strategy
}

func unwrapStrategy(s placement.Strategy) placement.Strategy {
	for {
		wrapper, ok := s.(placement.StrategyWrapper)
		if !ok {
			return s
		}
		s = wrapper.Unwrap()
	}
}

func sortedDevices(byDevice map[distributed.DeviceNum]uintptr) []distributed.DeviceNum {
	devices := make([]distributed.DeviceNum, 0, len(byDevice))
	for device := range byDevice {
		devices = append(devices, device)
	}
	slices.Sort(devices)
	return devices
}
