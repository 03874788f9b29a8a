// gomlx_placement shows how a decoder model is placed on devices by a distribution strategy: the device of
// each layer for pipeline parallelism, the sharding plan of each layer for tensor parallelism, and the
// memory taken by the parameters on each device or rank.
//
// The model is described only by the shapes of its parameters, so any size can be planned without devices.
//
// Examples:
//
//	gomlx_placement -strategy=pipeline -devices=0,1,2 -layers=32
//	gomlx_placement -strategy=tp -world=4 -model=granite -sp
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/ml/models/decoder"
	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/gomlx/placement/pkg/ml/placement"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagStrategy = flag.String("strategy", "pipeline", "Distribution strategy: \"none\", \"pipeline\" (or \"mp\") "+
		"or \"tp\" (or \"tensor_parallel\").")
	flagModel   = flag.String("model", "llama", "Decoder variant: \"llama\" or \"granite\".")
	flagLayers  = flag.Int("layers", 32, "Number of layers of the decoder.")
	flagHeads   = flag.Int("heads", 32, "Number of attention heads.")
	flagKVHeads = flag.Int("kvheads", 8, "Number of key/value attention heads.")
	flagEmbed   = flag.Int("embed", 4096, "Embedding dimension.")
	flagHidden  = flag.Int("hidden", 11008, "Hidden dimension of the feed-forward sub-layers.")
	flagVocab   = flag.Int("vocab", 32000, "Vocabulary size.")
	flagDType   = flag.String("dtype", "BFloat16", "DType of the parameters, e.g. \"Float32\" or \"BFloat16\".")
	flagFused   = flag.Bool("fused", false, "Use fused query/key/value and gate/up projections.")
	flagMeta    = flag.Bool("meta", false, "Build the model without storage, and materialize it on the devices.")

	flagDevices = flag.String("devices", "0,1", "Comma-separated list of devices, for the pipeline strategy.")
	flagWorld   = flag.Int("world", 2, "Number of ranks, for the tensor parallel strategy.")
	flagRank    = flag.Int("rank", 0, "Rank of this process, for the tensor parallel strategy.")
	flagCUDA    = flag.Bool("cuda", true, "Whether accelerators are available, for the tensor parallel strategy.")
	flagSP      = flag.Bool("sp", false, "Enable sequence parallelism for the tensor parallel strategy. "+
		"Also enabled with "+placement.EnvSequenceParallelism+"=true.")
	flagIgnore = flag.String("ignore", "", "Comma-separated list of module types to leave undistributed. "+
		"Added to the ones in "+placement.EnvIgnoreModules+".")

	flagPlan     = flag.Bool("plan", true, "Display the tensor parallel plan of the first layer.")
	flagProgress = flag.Bool("progress", false, "Display a progress bar while distributing the layers.")
	flagNoColor  = flag.Bool("nocolor", false, "Disable colors in the output.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNoColor || termenv.NewOutput(os.Stdout).ColorProfile() == termenv.Ascii {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	if err := run(); err != nil {
		klog.Errorf("gomlx_placement failed: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	strategyKind, err := distributed.ParseStrategy(*flagStrategy)
	if err != nil {
		return err
	}
	variant, err := decoder.ParseVariant(*flagModel)
	if err != nil {
		return err
	}
	dtype, found := dtypes.MapOfNames[*flagDType]
	if !found {
		return errors.Errorf("unknown dtype %q", *flagDType)
	}
	model, err := decoder.New(variant).
		Layers(*flagLayers).
		Heads(*flagHeads, *flagKVHeads).
		Dims(*flagEmbed, *flagHidden).
		VocabSize(*flagVocab).
		DType(dtype).
		Fused(*flagFused).
		Meta(*flagMeta).
		Done()
	if err != nil {
		return err
	}

	cfg := placement.ConfigFromEnv()
	cfg.IgnoreModules = append(cfg.IgnoreModules, placement.ParseIgnoreModules(*flagIgnore)...)
	cfg.SequenceParallel = cfg.SequenceParallel || *flagSP
	cfg.FromMeta = *flagMeta
	opts := placement.Options{Config: cfg, NumLayers: model.NumLayers()}
	kind := placement.NoModel
	switch strategyKind {
	case distributed.Pipeline:
		opts.Devices, err = parseDevices(*flagDevices)
		if err != nil {
			return err
		}
	case distributed.TensorParallel:
		if *flagMeta {
			return errors.New("-meta is only supported by the pipeline strategy")
		}
		opts.Runtime = &simulatedRuntime{world: *flagWorld, rank: *flagRank, accelerator: *flagCUDA}
		kind = variant.ModelKind()
	}
	totalMemory := module.Memory(model.Module())
	strategy, err := placement.New(strategyKind, opts)
	if err != nil {
		return err
	}

	var firstLayerPlan *placement.Plan
	if tp, ok := strategy.(*placement.TensorParallel); ok && *flagPlan && model.NumLayers() > 0 {
		// The plan is generated before the layer is parallelized.
		firstLayerPlan = placement.GenerateLayerPlan(model.Layer(0), tp.UseSequenceParallelism())
	}
	if *flagProgress {
		strategy = newProgressStrategy(strategy, model.NumLayers())
	}
	if err := model.Distribute(strategy, kind); err != nil {
		return err
	}
	if p, ok := strategy.(*progressStrategy); ok {
		p.Finish()
	}

	reportSummary(model, strategyKind, cfg, totalMemory)
	switch s := unwrapStrategy(strategy).(type) {
	case *placement.UniformModelParallel:
		reportLayers(s)
	case *placement.TensorParallel:
		if firstLayerPlan != nil {
			reportPlan(model, firstLayerPlan)
		}
	}
	reportMemory(model, strategyKind)
	return nil
}

func parseDevices(list string) ([]distributed.DeviceNum, error) {
	var devices []distributed.DeviceNum
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, errors.Errorf("invalid device %q in -devices=%q", part, list)
		}
		devices = append(devices, distributed.DeviceNum(n))
	}
	if len(devices) == 0 {
		return nil, errors.New("-devices must list at least one device")
	}
	return devices, nil
}

func reportSummary(model *decoder.Model, strategy distributed.Strategy, cfg placement.Config, totalMemory uintptr) {
	fmt.Println(titleStyle.Render("Summary"))
	t := newTable(nil, lipgloss.Right, lipgloss.Left)
	t.Add(false, "model", model.Variant().String())
	t.Add(false, "strategy", strategy.String())
	t.Add(false, "# layers", humanize.Comma(int64(model.NumLayers())))
	var numParams int
	for _, p := range module.NamedParams(model.Module()) {
		numParams += p.Param.Shape().Size()
	}
	t.Add(false, "# parameters", humanize.Comma(int64(numParams)))
	t.Add(false, "total memory", humanize.Bytes(uint64(totalMemory)))
	if len(cfg.IgnoreModules) > 0 {
		t.Add(true, "ignored modules", strings.Join(cfg.IgnoreModules, ", "))
	}
	if strategy == distributed.TensorParallel {
		t.Add(false, "sequence parallel", strconv.FormatBool(cfg.SequenceParallel))
	}
	fmt.Println(t.Render())
}

func reportLayers(s *placement.UniformModelParallel) {
	fmt.Println(titleStyle.Render("Layers"))
	t := newTable([]string{"Device", "# Layers", "Layers"}, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	table := s.LayerToDevice()
	first := 0
	for i, device := range s.Devices() {
		count := s.LayerCounts()[i]
		span := "-"
		if count > 0 {
			span = fmt.Sprintf("%d-%d", first, first+count-1)
		}
		t.Add(count == 0, device.String(), strconv.Itoa(count), span)
		first += count
	}
	fmt.Println(t.Render())
	klog.V(1).Infof("layer to device: %v", table)
}

func reportPlan(model *decoder.Model, plan *placement.Plan) {
	fmt.Println(titleStyle.Render("Tensor parallel plan (layer #0)"))
	layer := model.Layer(0)
	t := newTable([]string{"Sub-module", "Style", "Input", "Output", "Local weight"}, lipgloss.Left)
	for _, check := range placement.VerifyPlan(layer, plan) {
		local := "NOT FOUND"
		if check.Found {
			local = "-"
			for _, p := range module.NamedParams(must.M1(findModule(layer, check.Name))) {
				if p.Name == placement.WeightParamName {
					local = p.Param.LocalShape().String()
				}
			}
		}
		t.Add(!check.Found, check.Name, check.Style.Kind.String(), check.Style.InputLayout.String(),
			check.Style.OutputLayout.String(), local)
	}
	fmt.Println(t.Render())
}

func findModule(m module.Module, name string) (module.Module, error) {
	sub, found := module.Find(m, name)
	if !found {
		return nil, errors.Errorf("sub-module %q not found", name)
	}
	return sub, nil
}

func reportMemory(model *decoder.Model, strategy distributed.Strategy) {
	title, column := "Memory per device", "Device"
	if strategy == distributed.TensorParallel {
		title, column = "Memory per rank", "Rank"
	}
	fmt.Println(titleStyle.Render(title))
	t := newTable([]string{column, "Bytes"}, lipgloss.Right)
	byDevice := module.MemoryByDevice(model.Module())
	if strategy == distributed.TensorParallel {
		// Every rank holds the same shards: report them under the simulated rank.
		var total uintptr
		for _, bytes := range byDevice {
			total += bytes
		}
		t.Add(false, strconv.Itoa(*flagRank), humanize.Bytes(uint64(total)))
	} else {
		for _, device := range sortedDevices(byDevice) {
			t.Add(false, device.String(), humanize.Bytes(uint64(byDevice[device])))
		}
	}
	fmt.Println(t.Render())
}
