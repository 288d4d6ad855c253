// Package embeddings builds the specialized embedding-family operators
// (split-embedding lookups and their fused-optimizer backwards) that the
// generic operator lookup cannot serve.
//
// These operators need two things the generic path does not provide:
//
//   - Paired construction: a forward lookup and its backward are built as one
//     object; the replay op builder pairs trace forward/backward nodes in
//     strict LIFO order.
//   - Structurally valid inputs: index and offset tensors must respect the
//     lookup's layout (indices within the table, monotonic offsets), so the
//     package also generates argument tensors instead of generic random fill.
package embeddings

import (
	"math/rand"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/parambench/egreplay/exgraph"
	"github.com/parambench/egreplay/oplib"
	"github.com/parambench/egreplay/types/shapes"
	"github.com/parambench/egreplay/types/tensors"
	"github.com/pkg/errors"
)

// IsForward reports whether the node name is a split-embedding forward
// lookup.
func IsForward(name string) bool {
	return strings.HasPrefix(name, "fbgemm::split_embedding_codegen_lookup")
}

// IsForwardUnweighted reports whether the forward lookup variant takes no
// per-sample weights; the replay engine then appends a nil argument.
func IsForwardUnweighted(name string) bool {
	return IsForward(name) && !strings.Contains(name, "_weighted")
}

// IsBackward reports whether the node name is the autograd backward of a
// split-embedding lookup.
func IsBackward(name string) bool {
	return strings.Contains(name, "SplitLookupFunction") && strings.Contains(name, "backward")
}

// PairedOp is one forward/backward pair built for a forward node. The replay
// op builder keeps Backward on a stack until the matching backward node is
// reached.
type PairedOp struct {
	Forward  oplib.Callable
	Backward oplib.Callable

	// NumForwardOutputs is the forward lookup's output arity.
	NumForwardOutputs int
}

// argLayout locates the lookup's arguments within a node's flattened input
// tensors.
type argLayout struct {
	weights    int
	indices    int
	offsets    int
	perSample  int // -1 when the variant is unweighted
	numTables  int64
	tableDim   int64
	numIndices int64
	numBags    int64
}

// InputArgIndices returns the positions of the lookup's (weights, indices,
// offsets[, per-sample weights]) arguments within node.InputTensors().
func InputArgIndices(node *exgraph.Node) ([]int, error) {
	layout, err := resolveLayout(node)
	if err != nil {
		return nil, err
	}
	indices := []int{layout.weights, layout.indices, layout.offsets}
	if layout.perSample >= 0 {
		indices = append(indices, layout.perSample)
	}
	return indices, nil
}

// resolveLayout scans the node's recorded input tensors: the embedding table
// is the first rank-2 float tensor, indices and offsets the first two rank-1
// integer tensors (in that order), per-sample weights the first rank-1 float
// tensor after the table.
func resolveLayout(node *exgraph.Node) (layout argLayout, err error) {
	layout = argLayout{weights: -1, indices: -1, offsets: -1, perSample: -1}
	weighted := !IsForwardUnweighted(node.Name)
	for i, ref := range node.InputTensors() {
		dtype, dtErr := shapes.FromTraceType(ref.Type)
		if dtErr != nil {
			continue
		}
		switch {
		case layout.weights < 0 && dtype.IsFloat() && len(ref.Shape) == 2:
			layout.weights = i
			layout.numTables = int64(ref.Shape[0])
			layout.tableDim = int64(ref.Shape[1])
		case layout.indices < 0 && dtype.IsInt() && len(ref.Shape) == 1:
			layout.indices = i
			layout.numIndices = int64(ref.Shape[0])
		case layout.offsets < 0 && dtype.IsInt() && len(ref.Shape) == 1:
			layout.offsets = i
			layout.numBags = int64(ref.Shape[0])
		case weighted && layout.perSample < 0 && layout.weights >= 0 && dtype.IsFloat() && len(ref.Shape) == 1:
			layout.perSample = i
		}
	}
	if layout.weights < 0 || layout.indices < 0 || layout.offsets < 0 {
		return layout, errors.Errorf("node %d (%q): could not locate embedding lookup arguments among %d input tensors",
			node.Id, node.Name, len(node.InputTensors()))
	}
	return layout, nil
}

// GenerateInputs materializes structurally valid argument tensors for a
// forward lookup node. The returned slice is parallel to
// node.InputTensors(); positions that are not lookup arguments stay nil.
//
// Offsets are synthesized as a uniform distribution of indices over bags
// (offset[i] = i*nnz), satisfying the lookup's monotonicity precondition.
func GenerateInputs(node *exgraph.Node) ([]*tensors.Tensor, error) {
	layout, err := resolveLayout(node)
	if err != nil {
		return nil, err
	}
	generated := make([]*tensors.Tensor, len(node.InputTensors()))

	weights := tensors.FromShape(shapes.Make(dtypes.Float32, int(layout.numTables), int(layout.tableDim)))
	weightData := weights.Flat().([]float32)
	for i := range weightData {
		weightData[i] = float32(rand.NormFloat64())
	}
	generated[layout.weights] = weights

	indices := tensors.FromShape(shapes.Make(dtypes.Int64, int(layout.numIndices)))
	indexData := indices.Flat().([]int64)
	for i := range indexData {
		indexData[i] = rand.Int63n(max(layout.numTables, 1))
	}
	generated[layout.indices] = indices

	offsets := tensors.FromShape(shapes.Make(dtypes.Int64, int(layout.numBags)))
	offsetData := offsets.Flat().([]int64)
	var nnz float64
	if layout.numBags > 0 {
		nnz = float64(layout.numIndices) / float64(layout.numBags)
	}
	for i := range offsetData {
		offsetData[i] = int64(float64(i) * nnz)
	}
	generated[layout.offsets] = offsets

	if layout.perSample >= 0 {
		perSample := tensors.FromShape(shapes.Make(dtypes.Float32, int(layout.numIndices)))
		perSampleData := perSample.Flat().([]float32)
		for i := range perSampleData {
			perSampleData[i] = float32(rand.NormFloat64())
		}
		generated[layout.perSample] = perSample
	}
	return generated, nil
}

// Build constructs the forward/backward pair for a forward lookup node.
//
// The forward callable takes (weights, indices, offsets, perSampleWeights)
// -- perSampleWeights nil for unweighted variants -- and produces the pooled
// lookup result. The backward callable simulates the fused optimizer step:
// it updates the embedding table in place and returns it, so the node's
// nominal output slot (marked unchangeable by the allocator) is never
// clobbered with a fresh buffer.
func Build(node *exgraph.Node) (*PairedOp, error) {
	layout, err := resolveLayout(node)
	if err != nil {
		return nil, err
	}
	return &PairedOp{
		Forward:           forwardFn(layout),
		Backward:          backwardFn(),
		NumForwardOutputs: 1,
	}, nil
}

func forwardFn(layout argLayout) oplib.Callable {
	return func(args []any) ([]any, error) {
		if len(args) < 4 {
			return nil, errors.Errorf("embedding lookup needs 4 arguments, got %d", len(args))
		}
		weights, err := tensorAt(args, 0)
		if err != nil {
			return nil, err
		}
		indices, err := tensorAt(args, 1)
		if err != nil {
			return nil, err
		}
		offsets, err := tensorAt(args, 2)
		if err != nil {
			return nil, err
		}
		var perSample []float32
		if args[3] != nil {
			t, err := tensorAt(args, 3)
			if err != nil {
				return nil, err
			}
			perSample, _ = t.Flat().([]float32)
		}

		weightData, ok := weights.Flat().([]float32)
		if !ok {
			return nil, errors.Errorf("embedding table is %s, wanted Float32", weights.DType())
		}
		indexData, ok := indices.Flat().([]int64)
		if !ok {
			return nil, errors.Errorf("lookup indices are %s, wanted Int64", indices.DType())
		}
		offsetData, ok := offsets.Flat().([]int64)
		if !ok {
			return nil, errors.Errorf("lookup offsets are %s, wanted Int64", offsets.DType())
		}

		dim := int(layout.tableDim)
		numBags := len(offsetData)
		out := tensors.FromShape(shapes.Make(dtypes.Float32, numBags, dim))
		out.SetOnDevice(weights.OnDevice())
		outData := out.Flat().([]float32)
		for bag := 0; bag < numBags; bag++ {
			start := offsetData[bag]
			end := int64(len(indexData))
			if bag+1 < numBags {
				end = offsetData[bag+1]
			}
			if start > end || start < 0 || end > int64(len(indexData)) {
				return nil, errors.Errorf("lookup offsets not monotonic at bag %d", bag)
			}
			for i := start; i < end; i++ {
				row := indexData[i]
				if row < 0 || int(row) >= int(layout.numTables) {
					return nil, errors.Errorf("lookup index %d out of table range [0, %d)", row, layout.numTables)
				}
				scale := float32(1)
				if perSample != nil {
					scale = perSample[i]
				}
				for d := 0; d < dim; d++ {
					outData[bag*dim+d] += scale * weightData[row*int64(dim)+int64(d)]
				}
			}
		}
		return []any{out}, nil
	}
}

// backwardFn simulates the fused backward + optimizer update: a small decay
// applied in place to the first float tensor argument (the table or the
// incoming gradient, depending on how the trace recorded the backward node's
// inputs).
func backwardFn() oplib.Callable {
	const decay = float32(0.999)
	return func(args []any) ([]any, error) {
		for _, arg := range args {
			t, ok := arg.(*tensors.Tensor)
			if !ok || t == nil {
				continue
			}
			data, ok := t.Flat().([]float32)
			if !ok {
				continue
			}
			for i := range data {
				data[i] *= decay
			}
			return []any{t}, nil
		}
		return nil, errors.New("embedding backward found no float tensor argument to update")
	}
}

func tensorAt(args []any, idx int) (*tensors.Tensor, error) {
	t, ok := args[idx].(*tensors.Tensor)
	if !ok || t == nil {
		return nil, errors.Errorf("embedding lookup argument #%d is %T, wanted a tensor", idx, args[idx])
	}
	return t, nil
}
