// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"strings"

	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/pkg/errors"
)

// As finds the first module in m's chain of wrapped modules (see Unwrapper) that implements T.
//
// It is the module analogue of errors.As: a wrapper is transparent to capability lookups.
func As[T any](m Module) (T, bool) {
	for m != nil {
		if t, ok := m.(T); ok {
			return t, true
		}
		u, ok := m.(Unwrapper)
		if !ok {
			break
		}
		m = u.Unwrap()
	}
	var zero T
	return zero, false
}

// KindOf returns the kind of computation of m, or KindOther if it doesn't report one.
func KindOf(m Module) Kind {
	if k, ok := As[Kinded](m); ok {
		return k.ComputeKind()
	}
	return KindOther
}

// ChildrenOf returns the direct sub-modules of m, or nil if it has none.
func ChildrenOf(m Module) []Child {
	if p, ok := As[Parent](m); ok {
		return p.Children()
	}
	return nil
}

// Named is a module with its fully qualified (dotted) name relative to some root module.
type Named struct {
	Name   string
	Module Module
}

// NamedModules lists m and all its sub-modules, in pre-order. The root is named "" and sub-modules
// are named by the dot-joined path of child names, e.g. "attn.in_proj.query".
//
// A sub-module shared by more than one parent is listed once per path.
func NamedModules(m Module) []Named {
	var named []Named
	var visit func(prefix string, m Module)
	visit = func(prefix string, m Module) {
		named = append(named, Named{Name: prefix, Module: m})
		for _, child := range ChildrenOf(m) {
			visit(JoinName(prefix, child.Name), child.Module)
		}
	}
	visit("", m)
	return named
}

// JoinName joins a prefix and a child name with a dot. An empty prefix returns the name.
func JoinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Find returns the sub-module of m with the given dotted name. The empty name returns m itself.
func Find(m Module, name string) (Module, bool) {
	if name == "" {
		return m, true
	}
	current := m
	for _, part := range strings.Split(name, ".") {
		var found Module
		for _, child := range ChildrenOf(current) {
			if child.Name == part {
				found = child.Module
				break
			}
		}
		if found == nil {
			return nil, false
		}
		current = found
	}
	return current, true
}

// MoveTo relocates the parameters of m to the device.
//
// If m implements Mover it is trusted to move its whole tree. Otherwise, its sub-modules are moved one by one.
func MoveTo(m Module, device distributed.DeviceNum) error {
	if mover, ok := As[Mover](m); ok {
		return mover.To(device)
	}
	for _, child := range ChildrenOf(m) {
		if err := MoveTo(child.Module, device); err != nil {
			return errors.WithMessagef(err, "moving %q to %s", child.Name, device)
		}
	}
	return nil
}

// Materialize allocates the storage of a meta-constructed m directly on the device.
//
// If m implements Materializer it is trusted to materialize its whole tree. Otherwise, its sub-modules are
// materialized one by one.
func Materialize(m Module, device distributed.DeviceNum) error {
	if materializer, ok := As[Materializer](m); ok {
		return materializer.ToEmpty(device)
	}
	for _, child := range ChildrenOf(m) {
		if err := Materialize(child.Module, device); err != nil {
			return errors.WithMessagef(err, "materializing %q on %s", child.Name, device)
		}
	}
	return nil
}
