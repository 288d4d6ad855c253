// Package exgraph loads recorded execution traces and exposes them as a tree
// of Nodes with typed tensor accessors.
//
// A trace is a flat JSON array of nodes; each node records its id (monotonic
// in trace order), name, parent id, and ordered input/output value lists with
// parallel type and shape lists. The loader reconstructs the parent/children
// tree and decodes tensor references into TensorID composite keys.
//
// Nodes are read-only after loading: the replay phases never mutate the tree.
package exgraph

import (
	"strings"

	"github.com/parambench/egreplay/types/shapes"
)

// NodeKind distinguishes concrete operator invocations from grouping
// annotations (process/thread markers, module labels).
type NodeKind int

const (
	// KindGroup nodes only organize the tree: profiler annotations and
	// module labels. They are never replayed themselves.
	KindGroup NodeKind = iota

	// KindOperator nodes are concrete operator invocations.
	KindOperator
)

// TensorID is the composite identity of a buffer in the original trace:
// trace-level tensor id, storage id, view offset, element count and element
// width. It is the key for "same underlying storage" -- but note the same
// TensorID may be recorded with different shapes over time, which the replay
// resolver disambiguates.
//
// TensorID is comparable and used directly as a map key.
type TensorID struct {
	Tensor    int64
	Storage   int64
	Offset    int64
	NumElem   int64
	ElemBytes int64
}

// Value is one decoded input or output entry of a Node. Exactly one of
// Tensor, List or Literal is meaningful, discriminated by the recorded Type
// string.
type Value struct {
	// Type is the recorded type string, e.g. "Tensor(float)", "Int",
	// "GenericList[Tensor(float),Tensor(float)]".
	Type string

	// Tensor is set for single-tensor values, with Shape holding its
	// recorded dimensions.
	Tensor *TensorID
	Shape  []int

	// List is set for tensor-list values, with ListShapes holding the
	// recorded dimensions element-wise.
	List       []TensorID
	ListShapes [][]int

	// Literal holds any non-tensor value as decoded from JSON: numbers
	// (float64), strings (including the "<None>"/"<Generator>" sentinels
	// and "inf"/"-inf"), booleans, or nested arrays.
	Literal any
}

// IsTensor reports whether the value is a single tensor reference.
func (v *Value) IsTensor() bool { return v.Tensor != nil }

// IsTensorList reports whether the value is a list of tensor references.
func (v *Value) IsTensorList() bool { return v.List != nil }

// Node is one recorded invocation (or grouping annotation) in the trace tree.
type Node struct {
	Id       int64
	Name     string
	Kind     NodeKind
	Parent   *Node
	Children []*Node

	Inputs  []Value
	Outputs []Value
}

// TensorRef is a flattened (type, identity, shape) triple as recorded for one
// tensor touched by a node.
type TensorRef struct {
	Type  string
	ID    TensorID
	Shape []int
}

// IsOperator reports whether the node is a concrete operator invocation, as
// opposed to a grouping annotation.
func (n *Node) IsOperator() bool { return n.Kind == KindOperator }

// InputTensors returns the tensors referenced by the node's inputs, in input
// order, with tensor-list entries flattened element-wise.
func (n *Node) InputTensors() []TensorRef {
	return collectTensors(n.Inputs)
}

// OutputTensors returns the tensors produced by the node, in output order,
// with tensor-list entries flattened element-wise.
func (n *Node) OutputTensors() []TensorRef {
	return collectTensors(n.Outputs)
}

func collectTensors(values []Value) []TensorRef {
	var refs []TensorRef
	for i := range values {
		v := &values[i]
		switch {
		case v.IsTensor():
			refs = append(refs, TensorRef{Type: v.Type, ID: *v.Tensor, Shape: v.Shape})
		case v.IsTensorList():
			elemType := ListElementType(v.Type)
			for j, id := range v.List {
				var dims []int
				if j < len(v.ListShapes) {
					dims = v.ListShapes[j]
				}
				refs = append(refs, TensorRef{Type: elemType, ID: id, Shape: dims})
			}
		}
	}
	return refs
}

// IsTensorType reports whether a recorded type string denotes a single
// tensor.
func IsTensorType(traceType string) bool {
	return strings.HasPrefix(traceType, "Tensor(")
}

// IsTensorListType reports whether a recorded type string denotes a list of
// tensors.
func IsTensorListType(traceType string) bool {
	return strings.HasPrefix(traceType, "GenericList[Tensor(")
}

// ListElementType returns the element type string of a tensor-list type. All
// elements of a recorded tensor list share one element type.
func ListElementType(traceType string) string {
	inner, found := strings.CutPrefix(traceType, "GenericList[")
	if !found {
		return traceType
	}
	inner = strings.TrimSuffix(inner, "]")
	if idx := strings.Index(inner, ")"); idx >= 0 {
		return inner[:idx+1]
	}
	return inner
}

// Graph is a loaded trace: the node tree plus an id index.
type Graph struct {
	Root  *Node
	nodes map[int64]*Node
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id int64) *Node { return g.nodes[id] }

// NumNodes returns the total number of nodes in the trace.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// RecordedShape translates the reference's trace type string and dimensions
// into a shapes.Shape. It fails for element types with no DType counterpart
// (e.g. uninitialized-tensor placeholders).
func (r TensorRef) RecordedShape() (shapes.Shape, error) {
	return shapes.FromTrace(r.Type, r.Shape)
}
