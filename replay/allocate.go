package replay

import (
	"github.com/gomlx/exceptions"
	"github.com/parambench/egreplay/exgraph"
	"github.com/parambench/egreplay/oplib/embeddings"
	"github.com/parambench/egreplay/types/shapes"
	"github.com/parambench/egreplay/types/tensors"
	"k8s.io/klog/v2"
)

// embeddingBagName and sgdLookupName are the always-eager operators: their
// inputs are materialized regardless of instantiate-set classification,
// because both consume structurally constrained argument tensors that replay
// must provide up front.
const (
	embeddingBagName = "aten::embedding_bag"
	sgdLookupName    = "fbgemm::split_embedding_codegen_lookup_sgd_function"

	// uninitializedType is the placeholder the trace records for tensors
	// that never held data; binding nil for them is expected and not
	// worth a warning.
	uninitializedType = "Tensor(nullptr (uninitialized))"
)

// allocate builds the permanent registry: one canonical buffer per slot that
// must exist before replay starts. That is every input slot in the
// instantiate set, plus all inputs of always-eager operators.
//
// Buffers are filled from the per-element-type generator table, except the
// embedding-lookup family, whose arguments come from a dedicated generator
// that respects the lookup's structural preconditions. An element type with
// no generator binds nil -- logged, not fatal; the failure is deferred to
// the first use of the slot.
func (r *Replayer) allocate() {
	for _, node := range r.sorted {
		var generated []*tensors.Tensor
		if embeddings.IsForward(node.Name) {
			var err error
			generated, err = embeddings.GenerateInputs(node)
			if err != nil {
				klog.Warningf("Falling back to generic fill for node %d (%q): %v", node.Id, node.Name, err)
			}
		}
		alwaysEager := node.Name == embeddingBagName || embeddings.IsForward(node.Name)

		for idx, ref := range node.InputTensors() {
			if r.deps[ref.ID] == 0 {
				continue
			}
			slot := r.mapping[bindingKey{node.Id, ref.ID}]
			if _, bound := r.permanent[slot]; bound {
				continue
			}
			if !alwaysEager && !r.instantiate.Has(slot) {
				continue
			}

			if generated != nil && idx < len(generated) && generated[idx] != nil {
				r.permanent[slot] = generated[idx]
				if node.Name == sgdLookupName {
					r.unchangeable.Insert(slot)
				}
				continue
			}

			r.permanent[slot] = r.materialize(node, idx, ref, slot)
		}

		if node.Name == embeddingBagName {
			r.patchBagOffsets(node)
		}
	}
	klog.V(1).Infof("Permanent registry: %d of %d slots bound", len(r.permanent), r.numSlots)
}

// materialize fills one buffer through the element-type generator table and
// applies the slot policies tied to its first consumer: inputs of the
// aggregation lookup are unchangeable (their producer is simulated by a
// fixed substitute), and the pinned input of a host data-movement operator
// stays host-resident.
func (r *Replayer) materialize(node *exgraph.Node, idx int, ref exgraph.TensorRef, slot Slot) *tensors.Tensor {
	dtype, err := shapes.FromTraceType(ref.Type)
	if err != nil {
		if ref.Type != uninitializedType {
			klog.Warningf("No element type for node %d input %s (slot %d): %v", node.Id, ref.Type, slot, err)
		}
		return nil
	}
	gen, found := tensors.GeneratorForDType(dtype)
	if !found {
		klog.Warningf("No generator for element type %s at node %d (slot %d), binding nil", dtype, node.Id, slot)
		return nil
	}
	t := gen(ref.Shape)
	if node.Name == embeddingBagName {
		r.unchangeable.Insert(slot)
	}
	if node.Name == "aten::pin_memory" && idx == 0 {
		t.SetHostOnly()
		r.hostResident.Insert(slot)
	}
	return t
}

// patchBagOffsets rewrites the offsets input of an aggregation lookup to a
// uniform distribution (offset[i] = i*nnz). Random content would violate the
// operator's monotonic-offset precondition. This is a narrow, empirical
// trace-fidelity patch; see also the invocation patch table in engine.go.
func (r *Replayer) patchBagOffsets(node *exgraph.Node) {
	if len(node.Inputs) < 3 || !node.Inputs[1].IsTensor() || !node.Inputs[2].IsTensor() {
		exceptions.Panicf("graph parse error: node %d (%q) lacks the (weight, indices, offsets) inputs", node.Id, node.Name)
	}
	indicesShape := node.Inputs[1].Shape
	offsetsShape := node.Inputs[2].Shape
	if len(indicesShape) == 0 || len(offsetsShape) == 0 || offsetsShape[0] == 0 {
		return
	}
	// nnz stays fractional when indices don't divide evenly over bags; each
	// offset truncates individually.
	nnz := float64(indicesShape[0]) / float64(offsetsShape[0])

	slot, found := r.slotFor(node.Id, *node.Inputs[2].Tensor)
	if !found {
		return
	}
	offsets := r.permanent[slot]
	if offsets == nil {
		return
	}
	data, ok := offsets.Flat().([]int64)
	if !ok {
		klog.Warningf("Offsets of node %d are %s, not patching", node.Id, offsets.DType())
		return
	}
	for i := range data {
		data[i] = int64(float64(i) * nnz)
	}
}
