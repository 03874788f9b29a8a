// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decoder

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/pkg/core/shapes"
	"github.com/gomlx/placement/pkg/ml/module"
)

// Type names of the modules built by this package, as reported by module.Module.TypeName.
const (
	LinearType        = "Linear"
	LayerNormType     = "LayerNormParameterized"
	DropoutType       = "Dropout"
	EmbeddingType     = "Embedding"
	AttentionType     = "MultiHeadAttention"
	FeedForwardType   = "GatedLinearUnit"
	ProjectionsType   = "QKV"
	ModuleListType    = "ModuleList"
	WordEmbeddingType = "WordEmbedding"
)

// paramFactory creates parameters with or without storage.
type paramFactory struct {
	dtype dtypes.DType
	meta  bool
}

func (f paramFactory) new(dims ...int) *module.Param {
	shape := shapes.Make(f.dtype, dims...)
	if f.meta {
		return module.NewMetaParam(shape)
	}
	return module.NewParam(shape)
}

// identity is the forward function of the layers built here: they only describe parameters, so they pass
// their first input through.
func identity(_ *module.Node, args []any, _ map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args[0], nil
}

// Linear creates a dense transform with weight shaped [in, out] and, if useBias, bias shaped [out].
func (f paramFactory) Linear(in, out int, useBias bool) *module.Node {
	n := module.NewNode(LinearType, module.KindLinear).WithForward(identity).
		AddParam("weight", f.new(in, out))
	if useBias {
		n.AddParam("bias", f.new(out))
	}
	return n
}

// LayerNorm creates a layer normalization with a scale ("weight") shaped [dim].
func (f paramFactory) LayerNorm(dim int) *module.Node {
	return module.NewNode(LayerNormType, module.KindLayerNorm).WithForward(identity).
		AddParam("weight", f.new(dim))
}

// Dropout creates a dropout, which has no parameters.
func (f paramFactory) Dropout() *module.Node {
	return module.NewNode(DropoutType, module.KindDropout).WithForward(identity)
}

// Embedding creates an embedding table shaped [vocabSize, dim].
func (f paramFactory) Embedding(vocabSize, dim int) *module.Node {
	return module.NewNode(EmbeddingType, module.KindEmbedding).WithForward(identity).
		AddParam("weight", f.new(vocabSize, dim))
}

// Attention is a multi-head attention module: its number of heads can be changed when the attention is split
// across ranks.
type Attention struct {
	*module.Node
	numHeads, numKVHeads int
}

var _ module.MultiHeadAttention = (*Attention)(nil)

// NumHeads implements module.MultiHeadAttention.
func (a *Attention) NumHeads() int { return a.numHeads }

// NumKVHeads implements module.MultiHeadAttention.
func (a *Attention) NumKVHeads() int { return a.numKVHeads }

// SetNumHeads implements module.MultiHeadAttention.
func (a *Attention) SetNumHeads(heads, kvHeads int) {
	a.numHeads, a.numKVHeads = heads, kvHeads
}

// String implements fmt.Stringer.
func (a *Attention) String() string {
	return fmt.Sprintf("%s(nheads=%d, kvheads=%d)", a.TypeName(), a.numHeads, a.numKVHeads)
}

// attention creates the attention sub-module of a block:
//
//   - in_proj: the "query", "key" and "value" projections, or a single "qkv_fused" if fused.
//   - dense: the output projection.
func (f paramFactory) attention(cfg *Builder) *Attention {
	headDim := cfg.embedDim / cfg.numHeads
	kvDim := headDim * cfg.numKVHeads
	inProj := module.NewNode(ProjectionsType, module.KindOther).WithForward(identity)
	if cfg.fused {
		inProj.AddChild("qkv_fused", f.Linear(cfg.embedDim, cfg.embedDim+2*kvDim, cfg.bias))
	} else {
		inProj.AddChild("query", f.Linear(cfg.embedDim, cfg.embedDim, cfg.bias)).
			AddChild("key", f.Linear(cfg.embedDim, kvDim, cfg.bias)).
			AddChild("value", f.Linear(cfg.embedDim, kvDim, cfg.bias))
	}
	node := module.NewNode(AttentionType, module.KindOther).WithForward(identity).
		AddChild("in_proj", inProj).
		AddChild("dense", f.Linear(cfg.embedDim, cfg.embedDim, cfg.bias))
	return &Attention{Node: node, numHeads: cfg.numHeads, numKVHeads: cfg.numKVHeads}
}

// feedForward creates the gated feed-forward sub-module of a block: "wg" and "w1" (or a single
// "wg1_fused" if fused) project to the hidden dimension, and "w2" back.
func (f paramFactory) feedForward(cfg *Builder) *module.Node {
	n := module.NewNode(FeedForwardType, module.KindOther).WithForward(identity)
	if cfg.fused {
		n.AddChild("wg1_fused", f.Linear(cfg.embedDim, 2*cfg.hiddenDim, cfg.bias))
	} else {
		n.AddChild("wg", f.Linear(cfg.embedDim, cfg.hiddenDim, cfg.bias)).
			AddChild("w1", f.Linear(cfg.embedDim, cfg.hiddenDim, cfg.bias))
	}
	return n.AddChild("w2", f.Linear(cfg.hiddenDim, cfg.embedDim, cfg.bias))
}

// block creates one numbered layer: "ln", "attn", "ff_ln", "ff_sub_layer" and "dropout".
func (f paramFactory) block(cfg *Builder) *module.Node {
	return module.NewNode(cfg.variant.blockTypeName(), module.KindOther).WithForward(identity).
		AddChild("ln", f.LayerNorm(cfg.embedDim)).
		AddChild("attn", f.attention(cfg)).
		AddChild("ff_ln", f.LayerNorm(cfg.embedDim)).
		AddChild("ff_sub_layer", f.feedForward(cfg)).
		AddChild("dropout", f.Dropout())
}
