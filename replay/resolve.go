package replay

import (
	"slices"

	"github.com/parambench/egreplay/exgraph"
	"github.com/parambench/egreplay/types"
	"k8s.io/klog/v2"
)

// resolveTensors assigns replay slots (pass 1) and classifies which must be
// pre-populated (pass 2). Only tensor identities with nonzero dependency
// count participate; everything else is invisible to replay.
//
// Pass 1 walks the qualified nodes in ascending id order. An unseen identity
// mints a new slot; an identity seen before with the exact same shape reuses
// that slot; a shape mismatch mints a fresh slot for the (identity, shape)
// combination -- the trace reuses identifiers across logically distinct
// buffers, and replay must keep them apart. Bindings are recorded per
// (node, identity): within one node an identity resolves to a single slot,
// shapes are assumed stable across a single invocation.
//
// Pass 2 replays the same order keeping a produced-slot set: an input slot
// not yet produced must exist before the first pass starts and joins the
// instantiate set; every output slot joins the produced set.
func (r *Replayer) resolveTensors() {
	for _, node := range r.sorted {
		for _, ref := range node.InputTensors() {
			if r.deps[ref.ID] > 0 {
				r.addUnique(node.Id, ref)
			}
		}
		for _, ref := range node.OutputTensors() {
			if r.deps[ref.ID] > 0 {
				r.addUnique(node.Id, ref)
			}
		}
	}

	multiShape := 0
	for _, entries := range r.seen {
		if len(entries) > 1 {
			multiShape += len(entries)
		}
	}
	klog.V(1).Infof("Tensor identities reused across shapes: %d slots over %d identities, %d slots total",
		multiShape, len(r.seen), r.numSlots)

	produced := types.MakeSet[Slot]()
	for _, node := range r.sorted {
		for _, ref := range node.InputTensors() {
			if r.deps[ref.ID] == 0 {
				continue
			}
			slot := r.mapping[bindingKey{node.Id, ref.ID}]
			if !produced.Has(slot) {
				r.instantiate.Insert(slot)
			}
		}
		for _, ref := range node.OutputTensors() {
			if r.deps[ref.ID] == 0 {
				continue
			}
			produced.Insert(r.mapping[bindingKey{node.Id, ref.ID}])
		}
	}
}

func (r *Replayer) addUnique(nodeId int64, ref exgraph.TensorRef) {
	key := bindingKey{nodeId, ref.ID}
	for _, entry := range r.seen[ref.ID] {
		if slices.Equal(entry.dims, ref.Shape) {
			r.mapping[key] = entry.slot
			return
		}
	}
	r.numSlots++
	slot := Slot(r.numSlots)
	r.mapping[key] = slot
	r.slotDims[slot] = ref.Shape
	r.seen[ref.ID] = append(r.seen[ref.ID], slotShapeEntry{slot: slot, dims: ref.Shape})
}

// slotFor returns the slot bound for the given tensor identity at the given
// node, if any.
func (r *Replayer) slotFor(nodeId int64, id exgraph.TensorID) (Slot, bool) {
	slot, found := r.mapping[bindingKey{nodeId, id}]
	return slot, found
}
