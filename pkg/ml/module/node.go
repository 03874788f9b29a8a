// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/placement/pkg/core/distributed"
	"github.com/pkg/errors"
)

// ForwardFn implements the invocation of a Node.
type ForwardFn func(n *Node, args []any, kwargs map[string]any) (any, error)

// Node is a generic Module: a type name, a kind, ordered named parameters and sub-modules, and an
// optional forward function.
//
// It implements Parent, ParamOwner, Mover, Materializer and Kinded.
type Node struct {
	typeName string
	kind     Kind
	children []Child
	params   []NamedParam
	forward  ForwardFn
}

var (
	_ Module       = (*Node)(nil)
	_ Parent       = (*Node)(nil)
	_ ParamOwner   = (*Node)(nil)
	_ Mover        = (*Node)(nil)
	_ Materializer = (*Node)(nil)
	_ Kinded       = (*Node)(nil)
)

// NewNode creates an empty Node.
func NewNode(typeName string, kind Kind) *Node {
	return &Node{typeName: typeName, kind: kind}
}

func checkName(n *Node, name string) {
	if name == "" || strings.Contains(name, ".") {
		exceptions.Panicf("%s: invalid sub-module or parameter name %q, it must be non-empty and without dots",
			n.typeName, name)
	}
	if n.Child(name) != nil || n.Param(name) != nil {
		exceptions.Panicf("%s: name %q is already in use", n.typeName, name)
	}
}

// WithForward sets the function used by Call. It returns the node itself, so calls can be chained.
func (n *Node) WithForward(fn ForwardFn) *Node {
	n.forward = fn
	return n
}

// AddChild adds a named sub-module. It returns the node itself, so calls can be chained.
//
// It panics if the name is empty, has a dot, or is already used.
func (n *Node) AddChild(name string, child Module) *Node {
	checkName(n, name)
	n.children = append(n.children, Child{Name: name, Module: child})
	return n
}

// ReplaceChild replaces the sub-module with the given name. It returns an error if there is no such sub-module.
func (n *Node) ReplaceChild(name string, child Module) error {
	for i := range n.children {
		if n.children[i].Name == name {
			n.children[i].Module = child
			return nil
		}
	}
	return errors.Errorf("%s has no sub-module named %q", n.typeName, name)
}

// AddParam adds a named parameter. It returns the node itself, so calls can be chained.
//
// It panics if the name is empty, has a dot, or is already used.
func (n *Node) AddParam(name string, p *Param) *Node {
	checkName(n, name)
	n.params = append(n.params, NamedParam{Name: name, Param: p})
	return n
}

// Child returns the sub-module with the given name, or nil if not found.
func (n *Node) Child(name string) Module {
	for _, c := range n.children {
		if c.Name == name {
			return c.Module
		}
	}
	return nil
}

// Param returns the parameter with the given name, or nil if not found.
func (n *Node) Param(name string) *Param {
	for _, p := range n.params {
		if p.Name == name {
			return p.Param
		}
	}
	return nil
}

// TypeName implements Module.
func (n *Node) TypeName() string { return n.typeName }

// ComputeKind implements Kinded.
func (n *Node) ComputeKind() Kind { return n.kind }

// Children implements Parent.
func (n *Node) Children() []Child { return slices.Clone(n.children) }

// Params implements ParamOwner.
func (n *Node) Params() []NamedParam { return slices.Clone(n.params) }

// Call implements Module. It fails with ErrNoForward if no forward function was set.
func (n *Node) Call(args []any, kwargs map[string]any) (any, error) {
	if n.forward == nil {
		return nil, errors.Wrapf(ErrNoForward, "calling %s", n.typeName)
	}
	return n.forward(n, args, kwargs)
}

// To implements Mover: it moves its parameters and those of its sub-modules.
func (n *Node) To(device distributed.DeviceNum) error {
	for _, p := range n.params {
		if err := p.Param.To(device); err != nil {
			return errors.WithMessagef(err, "%s.%s", n.typeName, p.Name)
		}
	}
	for _, child := range n.children {
		if err := MoveTo(child.Module, device); err != nil {
			return errors.WithMessagef(err, "%s.%s", n.typeName, child.Name)
		}
	}
	return nil
}

// ToEmpty implements Materializer: it materializes its parameters and those of its sub-modules.
func (n *Node) ToEmpty(device distributed.DeviceNum) error {
	for _, p := range n.params {
		p.Param.ToEmpty(device)
	}
	for _, child := range n.children {
		if err := Materialize(child.Module, device); err != nil {
			return errors.WithMessagef(err, "%s.%s", n.typeName, child.Name)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("%s(kind=%s, #params=%d, #children=%d)", n.typeName, n.kind, len(n.params), len(n.children))
}
