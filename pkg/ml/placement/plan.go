// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"regexp"
	"slices"
	"strings"

	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/gomlx/placement/pkg/ml/module"
	"k8s.io/klog/v2"
)

// Plan maps the dotted names of sub-modules to how they are parallelized. It keeps the insertion order.
type Plan struct {
	names  []string
	styles map[string]distributed.ParallelStyle
}

// PlanEntry is one sub-module of a Plan.
type PlanEntry struct {
	Name  string
	Style distributed.ParallelStyle
}

// NewPlan creates a Plan with the given entries, in order.
func NewPlan(entries ...PlanEntry) *Plan {
	p := &Plan{styles: make(map[string]distributed.ParallelStyle, len(entries))}
	for _, e := range entries {
		p.Set(e.Name, e.Style)
	}
	return p
}

// Set the style of the sub-module name. If name is already in the plan, its style is replaced and it
// keeps its position.
func (p *Plan) Set(name string, style distributed.ParallelStyle) {
	if _, found := p.styles[name]; !found {
		p.names = append(p.names, name)
	}
	p.styles[name] = style
}

// Get returns the style of the sub-module name, if it is in the plan.
func (p *Plan) Get(name string) (distributed.ParallelStyle, bool) {
	style, found := p.styles[name]
	return style, found
}

// Len returns the number of sub-modules in the plan.
func (p *Plan) Len() int { return len(p.names) }

// Names returns the names of the sub-modules in the plan, in insertion order.
func (p *Plan) Names() []string { return slices.Clone(p.names) }

// Entries returns the plan entries in insertion order.
func (p *Plan) Entries() []PlanEntry {
	entries := make([]PlanEntry, 0, len(p.names))
	for _, name := range p.names {
		entries = append(entries, PlanEntry{Name: name, Style: p.styles[name]})
	}
	return entries
}

// String implements fmt.Stringer.
func (p *Plan) String() string {
	parts := make([]string, 0, len(p.names))
	for _, name := range p.names {
		parts = append(parts, name+": "+p.styles[name].Kind.String())
	}
	return "Plan{" + strings.Join(parts, ", ") + "}"
}

// Sub-module name patterns of the linear transforms of a layer. They must match the full name.
var (
	colwisePatterns = compileFullMatch(
		`attn\.in_proj\.qkv_fused`,
		`attn\.in_proj\.(query|key|value)`,
		`ff_sub_layer\.wg1_fused`,
		`ff_sub_layer\.w1`,
		`ff_sub_layer\.wg`,
	)
	rowwisePatterns = compileFullMatch(
		`attn\.dense`,
		`ff_sub_layer\.w2`,
	)
)

func compileFullMatch(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, pattern := range patterns {
		compiled[i] = regexp.MustCompile(`^(?:` + pattern + `)$`)
	}
	return compiled
}

func matchesAny(patterns []*regexp.Regexp, name string) bool {
	for _, pattern := range patterns {
		if pattern.MatchString(name) {
			return true
		}
	}
	return false
}

// GenerateLayerPlan classifies every sub-module of a layer block:
//
//   - With useSequenceParallelism, layer normalizations and dropouts are SequenceParallel.
//   - Linear transforms named like the attention input projections (attn.in_proj.query, attn.in_proj.qkv_fused, ...)
//     or the feed-forward input/gate projections (ff_sub_layer.w1, ff_sub_layer.wg, ff_sub_layer.wg1_fused)
//     are Colwise.
//   - Linear transforms named like the attention output projection (attn.dense) or the feed-forward output
//     projection (ff_sub_layer.w2) are Rowwise.
//
// Other sub-modules are not in the plan, and are left replicated.
//
// The column patterns are checked before the row patterns, so a name matching both would end up Rowwise.
// No such name exists with the current patterns.
func GenerateLayerPlan(block module.Module, useSequenceParallelism bool) *Plan {
	plan := NewPlan()
	for _, named := range module.NamedModules(block) {
		name, kind := named.Name, module.KindOf(named.Module)
		if klog.V(2).Enabled() {
			klog.Infof("[TP] sub-module %q: %s (%s), %d children", name, named.Module.TypeName(), kind,
				len(module.ChildrenOf(named.Module)))
		}
		switch {
		case useSequenceParallelism && (kind == module.KindLayerNorm || kind == module.KindDropout):
			plan.Set(name, distributed.SequenceParallelStyle())
		case kind == module.KindLinear:
			if matchesAny(colwisePatterns, name) {
				plan.Set(name, distributed.ColwiseParallel())
			}
			if matchesAny(rowwisePatterns, name) {
				plan.Set(name, distributed.RowwiseParallel())
			}
		default:
			klog.V(2).Infof("[TP] unmatched sub-module %q", name)
		}
	}
	return plan
}
