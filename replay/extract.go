package replay

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/parambench/egreplay/exgraph"
	"github.com/parambench/egreplay/types"
	"k8s.io/klog/v2"
)

// extract selects the replayable subgraph: a depth-first traversal from the
// root that records qualified nodes -- operator invocations not matching the
// skip-name list -- without descending into them, and descends into every
// grouping node. Skip-named nodes are pruned entirely, subtree included.
//
// For each qualified node it records the tensor identities it touches,
// increments the dependency count of each input identity, and eagerly binds
// its callable. Qualified nodes are then sorted by ascending id, which is a
// valid single-stream execution order since ids are monotonic in trace
// order.
//
// The traversal uses an explicit worklist; trace trees routinely exceed safe
// recursion depths.
func (r *Replayer) extract() {
	worklist := []*exgraph.Node{r.graph.Root}
	for len(worklist) > 0 {
		node := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if node != r.graph.Root {
			if r.skipName(node.Name) {
				continue
			}
			if node.IsOperator() {
				r.qualify(node)
				continue
			}
		}
		// Push children in reverse so they pop in trace order.
		for i := len(node.Children) - 1; i >= 0; i-- {
			worklist = append(worklist, node.Children[i])
		}
	}

	slices.SortFunc(r.sorted, func(a, b *exgraph.Node) int { return int(a.Id - b.Id) })
	klog.V(1).Infof("Operations to execute: %d", len(r.sorted))
}

func (r *Replayer) qualify(node *exgraph.Node) {
	validateStructure(node)
	r.sorted = append(r.sorted, node)
	r.qualified.Insert(node.Id)

	top := types.MakeSet[exgraph.TensorID]()
	for _, ref := range node.InputTensors() {
		top.Insert(ref.ID)
		r.deps[ref.ID]++
	}
	for _, ref := range node.OutputTensors() {
		top.Insert(ref.ID)
	}
	r.topTensors[node.Id] = top

	r.funcs[node.Id] = r.buildFunc(node)
}

// validateStructure checks the per-node invariants the later phases rely on.
// A structurally inconsistent node is fatal for the whole run: replay cannot
// reconstruct dependencies from a malformed trace.
func validateStructure(node *exgraph.Node) {
	checkValues := func(what string, values []exgraph.Value) {
		for i := range values {
			v := &values[i]
			switch {
			case v.IsTensor():
				if v.Shape == nil {
					exceptions.Panicf("graph parse error: node %d (%q) %s #%d: tensor has no recorded shape",
						node.Id, node.Name, what, i)
				}
			case v.IsTensorList():
				if len(v.List) != len(v.ListShapes) {
					exceptions.Panicf("graph parse error: node %d (%q) %s #%d: %d tensors but %d shapes in list",
						node.Id, node.Name, what, i, len(v.List), len(v.ListShapes))
				}
			}
		}
	}
	checkValues("input", node.Inputs)
	checkValues("output", node.Outputs)
}
