package replay

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/parambench/egreplay/exgraph"
	"github.com/parambench/egreplay/types/shapes"
	"k8s.io/klog/v2"
)

// analyze walks the full tree again -- including the subtrees extract did not
// descend into -- looking for tensors the replayed subgraph consumes but does
// not produce: outputs of non-qualified operators that are not among their
// qualifying ancestor's top tensors yet carry a nonzero dependency count.
//
// These "leaked" tensors are recorded once, with an estimated byte footprint,
// purely for diagnostics: the identity resolver already covers them through
// the dependency-count gate, so slot assignment is unaffected.
//
// Backward/gradient nodes are excluded, by name or by descending from one:
// their subtrees are simply never enqueued.
func (r *Replayer) analyze() {
	queue := []*exgraph.Node{r.graph.Root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, child := range node.Children {
			if r.skipName(child.Name) || isBackwardName(child.Name) {
				continue
			}
			if child.IsOperator() && !r.qualified.Has(child.Id) {
				r.recordLeaks(child)
			}
			queue = append(queue, child)
		}
	}
	klog.Infof("Tensors produced outside the replayed subgraph: %d, estimated total size %s",
		r.leaked.Len(), humanize.Bytes(r.leakedBytes))
}

func (r *Replayer) recordLeaks(node *exgraph.Node) {
	anchor := node.Parent
	for anchor != nil && !r.qualified.Has(anchor.Id) {
		anchor = anchor.Parent
	}
	if anchor == nil {
		// Not under any replayed node; nothing consumes its outputs
		// through the subgraph.
		return
	}
	top := r.topTensors[anchor.Id]
	for _, ref := range node.OutputTensors() {
		if r.deps[ref.ID] == 0 || top.Has(ref.ID) || r.leaked.Has(ref.ID) {
			continue
		}
		r.leaked.Insert(ref.ID)
		r.leakedBytes += footprint(ref)
	}
}

// footprint estimates the bytes of a recorded tensor: element count times
// element width. Width comes from the recorded type when known, falling back
// to the element width captured in the tensor's identity.
func footprint(ref exgraph.TensorRef) uint64 {
	elems := uint64(1)
	for _, d := range ref.Shape {
		elems *= uint64(d)
	}
	if dtype, err := shapes.FromTraceType(ref.Type); err == nil {
		return elems * uint64(dtype.Memory())
	}
	return elems * uint64(max(ref.ID.ElemBytes, 0))
}

// isBackwardName classifies nodes belonging to the backward/gradient part of
// the trace: autograd engine frames and the conventional *Backward operator
// names.
func isBackwardName(name string) bool {
	return strings.HasPrefix(name, "autograd::engine") ||
		strings.Contains(name, "Backward") ||
		strings.Contains(name, "backward")
}
