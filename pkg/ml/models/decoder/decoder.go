// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decoder builds the module trees of decoder-only transformer models (LLaMA and Granite style),
// described by the shapes of their parameters, and distributes them with a placement.Strategy.
//
// The sub-modules are named as the placement plans expect them:
//
//	LLaMA:   shared.emb, shared.head, layers.<i>, dec_norm
//	Granite: base_model.embedding, base_model.layers.<i>, base_model.dec_norm, head
//
// And each numbered layer has ln, attn.in_proj.{query,key,value} (or attn.in_proj.qkv_fused), attn.dense,
// ff_ln, ff_sub_layer.{wg,w1} (or ff_sub_layer.wg1_fused), ff_sub_layer.w2 and dropout.
package decoder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/pkg/ml/module"
	"github.com/gomlx/placement/pkg/ml/placement"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Variant of the decoder model.
type Variant int

const (
	LLaMA Variant = iota
	Granite
)

// String implements fmt.Stringer.
func (v Variant) String() string {
	switch v {
	case LLaMA:
		return "llama"
	case Granite:
		return "granite"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ParseVariant converts a name ("llama" or "granite", case-insensitive) to a Variant.
func ParseVariant(name string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "llama":
		return LLaMA, nil
	case "granite":
		return Granite, nil
	}
	return 0, errors.Errorf("unknown decoder variant %q, valid values are \"llama\" and \"granite\"", name)
}

// ModelKind returns the placement.ModelKind with the tensor parallel plans for this variant.
func (v Variant) ModelKind() placement.ModelKind {
	switch v {
	case Granite:
		return placement.Granite
	default:
		return placement.LLaMA
	}
}

func (v Variant) typeName() string {
	if v == Granite {
		return "Granite"
	}
	return "LLaMA"
}

func (v Variant) blockTypeName() string {
	if v == Granite {
		return "GraniteBlock"
	}
	return "LLaMABlock"
}

// Builder configures a decoder model. Create it with New, set the desired parameters, and call Done.
type Builder struct {
	variant              Variant
	vocabSize            int
	embedDim, hiddenDim  int
	numLayers            int
	numHeads, numKVHeads int
	dtype                dtypes.DType
	fused, bias, meta    bool
}

// New creates a Builder for a small model of the given variant: 8 layers, 8 heads (and key/value heads),
// embedding dimension 512, hidden dimension 1536, vocabulary of 32000 and Float32 parameters.
func New(variant Variant) *Builder {
	return &Builder{
		variant:    variant,
		vocabSize:  32000,
		embedDim:   512,
		hiddenDim:  1536,
		numLayers:  8,
		numHeads:   8,
		numKVHeads: 8,
		dtype:      dtypes.Float32,
	}
}

// Layers sets the number of numbered layers (blocks).
func (b *Builder) Layers(numLayers int) *Builder {
	b.numLayers = numLayers
	return b
}

// Heads sets the number of attention heads and of key/value heads.
func (b *Builder) Heads(numHeads, numKVHeads int) *Builder {
	b.numHeads, b.numKVHeads = numHeads, numKVHeads
	return b
}

// Dims sets the embedding dimension and the hidden dimension of the feed-forward sub-layers.
func (b *Builder) Dims(embedDim, hiddenDim int) *Builder {
	b.embedDim, b.hiddenDim = embedDim, hiddenDim
	return b
}

// VocabSize sets the number of entries of the embedding table and of the outputs of the head.
func (b *Builder) VocabSize(vocabSize int) *Builder {
	b.vocabSize = vocabSize
	return b
}

// DType sets the dtype of the parameters.
func (b *Builder) DType(dtype dtypes.DType) *Builder {
	b.dtype = dtype
	return b
}

// Fused makes the query/key/value projections and the gate/up projections single fused linear transforms.
func (b *Builder) Fused(fused bool) *Builder {
	b.fused = fused
	return b
}

// Bias adds biases to the linear transforms. Default is false.
func (b *Builder) Bias(useBias bool) *Builder {
	b.bias = useBias
	return b
}

// Meta builds the model without parameter storage: it must be materialized by a strategy created with
// placement.Config.FromMeta set.
func (b *Builder) Meta(meta bool) *Builder {
	b.meta = meta
	return b
}

// Done validates the configuration and builds the model.
func (b *Builder) Done() (*Model, error) {
	switch {
	case b.numLayers < 0:
		return nil, errors.Errorf("decoder requires numLayers >= 0, got %d", b.numLayers)
	case b.vocabSize <= 0 || b.embedDim <= 0 || b.hiddenDim <= 0:
		return nil, errors.Errorf("decoder dimensions must be positive, got vocabSize=%d, embedDim=%d, hiddenDim=%d",
			b.vocabSize, b.embedDim, b.hiddenDim)
	case b.numHeads <= 0 || b.numKVHeads <= 0 || b.numHeads%b.numKVHeads != 0:
		return nil, errors.Errorf("decoder numHeads (%d) must be a positive multiple of numKVHeads (%d)",
			b.numHeads, b.numKVHeads)
	case b.embedDim%b.numHeads != 0:
		return nil, errors.Errorf("decoder embedDim (%d) must be divisible by numHeads (%d)", b.embedDim, b.numHeads)
	case !b.dtype.IsFloat():
		return nil, errors.Errorf("decoder dtype must be a float, got %s", b.dtype)
	}

	f := paramFactory{dtype: b.dtype, meta: b.meta}
	layers := module.NewNode(ModuleListType, module.KindOther)
	for i := range b.numLayers {
		layers.AddChild(strconv.Itoa(i), f.block(b))
	}
	m := &Model{variant: b.variant, numLayers: b.numLayers, layers: layers}
	m.root = module.NewNode(b.variant.typeName(), module.KindOther).WithForward(m.forward)
	switch b.variant {
	case Granite:
		base := module.NewNode("GraniteHeadless", module.KindOther).
			AddChild("embedding", f.Embedding(b.vocabSize, b.embedDim)).
			AddChild("layers", layers).
			AddChild("dec_norm", f.LayerNorm(b.embedDim))
		m.root.AddChild("base_model", base).
			AddChild("head", f.Linear(b.embedDim, b.vocabSize, false))
		m.headModules = []string{"base_model.embedding"}
		m.tailModules = []string{"base_model.dec_norm", "head"}
		m.layersPath = "base_model.layers"
	default:
		shared := module.NewNode(WordEmbeddingType, module.KindOther).
			AddChild("emb", f.Embedding(b.vocabSize, b.embedDim)).
			AddChild("head", f.Linear(b.embedDim, b.vocabSize, false))
		m.root.AddChild("shared", shared).
			AddChild("layers", layers).
			AddChild("dec_norm", f.LayerNorm(b.embedDim))
		m.headModules = []string{"shared"}
		m.tailModules = []string{"dec_norm"}
		m.layersPath = "layers"
	}
	m.top = m.root
	return m, nil
}

// Model is a decoder model: a tree of modules, some of which may be replaced when distributed.
type Model struct {
	variant   Variant
	numLayers int

	root   *module.Node
	layers *module.Node
	top    module.Module

	// headModules run before the layers, tailModules after them: they are distributed with
	// DistributeModule, when not distributing the model as a whole.
	headModules, tailModules []string
	layersPath               string
}

// Variant of the model.
func (m *Model) Variant() Variant { return m.variant }

// NumLayers returns the number of numbered layers.
func (m *Model) NumLayers() int { return m.numLayers }

// Module returns the model's top module: the root module, or what the strategy replaced it with.
func (m *Model) Module() module.Module { return m.top }

// Layer returns the i-th numbered layer, or nil if i is out of range.
func (m *Model) Layer(i int) module.Module {
	return m.layers.Child(strconv.Itoa(i))
}

// LayersPath is the dotted name of the parent of the numbered layers, e.g. "layers".
func (m *Model) LayersPath() string { return m.layersPath }

// Call runs the layers in sequence over the first positional argument.
func (m *Model) Call(args []any, kwargs map[string]any) (any, error) {
	return m.top.Call(args, kwargs)
}

func (m *Model) forward(_ *module.Node, args []any, kwargs map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("decoder requires the input as the first positional argument")
	}
	x := args[0]
	for i, layer := range m.layers.Children() {
		var err error
		x, err = layer.Module.Call(append([]any{x}, args[1:]...), kwargs)
		if err != nil {
			return nil, errors.WithMessagef(err, "layer #%d", i)
		}
	}
	return x, nil
}

// Distribute places the model with the strategy.
//
// By default the modules before the layers (the embeddings) are distributed with finalLayers=false, then
// each numbered layer, and then the modules after the layers (the final norm, and for Granite the head)
// with finalLayers=true.
//
// For strategies that place modules following per-model plans (see placement.UsesModulePlans), and a model
// kind other than placement.NoModel, the plans name sub-modules relative to the model root: the root is
// distributed with finalLayers=false, then each numbered layer, and then the root again with finalLayers=true.
func (m *Model) Distribute(strategy placement.Strategy, kind placement.ModelKind) error {
	byRoot := kind != placement.NoModel && placement.UsesModulePlans(strategy)
	if byRoot {
		top, err := strategy.DistributeModule(m.top, false, kind)
		if err != nil {
			return errors.WithMessagef(err, "distributing %s", m.root.TypeName())
		}
		m.top = top
	} else {
		for _, name := range m.headModules {
			if err := m.distributeModule(strategy, name, false, kind); err != nil {
				return err
			}
		}
	}

	for i := range m.numLayers {
		name := strconv.Itoa(i)
		placed, err := strategy.DistributeLayer(m.layers.Child(name), i, kind)
		if err != nil {
			return errors.WithMessagef(err, "distributing layer #%d", i)
		}
		if err := m.layers.ReplaceChild(name, placed); err != nil {
			return err
		}
	}

	if byRoot {
		top, err := strategy.DistributeModule(m.top, true, kind)
		if err != nil {
			return errors.WithMessagef(err, "distributing %s (final layers)", m.root.TypeName())
		}
		m.top = top
	} else {
		for _, name := range m.tailModules {
			if err := m.distributeModule(strategy, name, true, kind); err != nil {
				return err
			}
		}
	}
	klog.V(1).Infof("%s distributed with %T (kind=%q)", m.root.TypeName(), strategy, kind)
	return nil
}

// distributeModule distributes the sub-module of the root with the dotted name, and replaces it in its parent.
func (m *Model) distributeModule(strategy placement.Strategy, name string, finalLayers bool, kind placement.ModelKind) error {
	parentName, childName := "", name
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		parentName, childName = name[:idx], name[idx+1:]
	}
	parentModule, found := module.Find(m.root, parentName)
	if !found {
		return errors.Errorf("%s has no sub-module %q", m.root.TypeName(), parentName)
	}
	parent, ok := module.As[*module.Node](parentModule)
	if !ok {
		return errors.Errorf("sub-module %q of %s can't have its children replaced", parentName, m.root.TypeName())
	}
	sub := parent.Child(childName)
	if sub == nil {
		return errors.Errorf("%s has no sub-module %q", m.root.TypeName(), name)
	}
	placed, err := strategy.DistributeModule(sub, finalLayers, kind)
	if err != nil {
		return errors.WithMessagef(err, "distributing %q", name)
	}
	return parent.ReplaceChild(childName, placed)
}
