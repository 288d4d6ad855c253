package replay

import (
	"testing"

	"github.com/parambench/egreplay/exgraph"
	"github.com/parambench/egreplay/oplib/goop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func preprocessed(t *testing.T, g *exgraph.Graph) *Replayer {
	r := New(g, goop.New(""))
	require.NoError(t, r.Preprocess())
	return r
}

// TestResolveShapeReuse: the trace records the same tensor identity with two
// incompatible shapes. The first producer keeps one slot; the reshaped reuse
// gets a fresh slot. Within node 3 the identity binds to a single slot and
// the [8] output rebinds it last-write-wins, so the classification pass sees
// that slot consumed before production and marks it for pre-population.
func TestResolveShapeReuse(t *testing.T) {
	r := preprocessed(t, testGraph(
		opNode(2, "aten::relu",
			nil,
			[]exgraph.Value{floatVal(10, 4)}),
		opNode(3, "aten::relu",
			[]exgraph.Value{floatVal(10, 4)},
			[]exgraph.Value{floatVal(10, 8)}),
	))

	assert.Equal(t, 2, r.NumSlots())

	produced, found := r.slotFor(2, tid(10))
	require.True(t, found)
	rebound, found := r.slotFor(3, tid(10))
	require.True(t, found)
	assert.NotEqual(t, produced, rebound)
	assert.Equal(t, []int{4}, r.slotDims[produced])
	assert.Equal(t, []int{8}, r.slotDims[rebound])

	assert.Equal(t, 1, r.instantiate.Len())
	assert.True(t, r.instantiate.Has(rebound))
}

// TestResolveZeroDepOutput: an output no qualified node ever consumes gets no
// slot at all.
func TestResolveZeroDepOutput(t *testing.T) {
	r := preprocessed(t, testGraph(
		opNode(2, "aten::relu",
			[]exgraph.Value{floatVal(10, 4)},
			[]exgraph.Value{floatVal(20, 4), floatVal(99, 4)}),
		opNode(3, "aten::relu",
			[]exgraph.Value{floatVal(20, 4)},
			[]exgraph.Value{floatVal(30, 4)}),
	))

	// Input 10 and intermediate 20 get slots; outputs 99 and 30 have no
	// consumers.
	assert.Equal(t, 2, r.NumSlots())
	_, found := r.slotFor(2, tid(99))
	assert.False(t, found)
}

// TestResolveInstantiateBeforeProduction: a slot consumed before any node
// produces it joins the instantiate set even if it is produced later in the
// same pass.
func TestResolveInstantiateBeforeProduction(t *testing.T) {
	r := preprocessed(t, testGraph(
		opNode(2, "aten::relu",
			[]exgraph.Value{floatVal(10, 4)},
			[]exgraph.Value{floatVal(10, 4)}),
		opNode(3, "aten::sum",
			[]exgraph.Value{floatVal(10, 4)},
			[]exgraph.Value{floatVal(50)}),
	))

	require.Equal(t, 1, r.NumSlots())
	slot, found := r.slotFor(2, tid(10))
	require.True(t, found)
	assert.True(t, r.instantiate.Has(slot))
	assert.NotNil(t, r.permanent[slot])
}

func TestSkipNodeNames(t *testing.T) {
	loader := &exgraph.Node{Id: 2, Name: "DataLoader#worker", Kind: exgraph.KindGroup}
	attach(loader, opNode(3, "aten::relu",
		[]exgraph.Value{floatVal(10, 4)},
		[]exgraph.Value{floatVal(20, 4)}))
	g := testGraph(
		opNode(4, "aten::set_",
			[]exgraph.Value{floatVal(30, 4)},
			[]exgraph.Value{floatVal(31, 4)}),
		opNode(5, "aten::relu",
			[]exgraph.Value{floatVal(40, 4)},
			[]exgraph.Value{floatVal(41, 4)}),
	)
	attach(g.Root, loader)

	r := preprocessed(t, g)
	assert.Equal(t, 1, r.NumOperations())
	assert.True(t, r.qualified.Has(5))
	assert.False(t, r.qualified.Has(3), "children of skip-named nodes are pruned with them")
	assert.False(t, r.qualified.Has(4))
}

func TestCustomSkipNames(t *testing.T) {
	g := testGraph(
		opNode(2, "aten::relu",
			[]exgraph.Value{floatVal(10, 4)},
			[]exgraph.Value{floatVal(20, 4)}),
		opNode(3, "aten::set_", nil, nil),
	)
	r := New(g, goop.New("")).SetSkipNodeNames("aten::relu")
	require.NoError(t, r.Preprocess())
	assert.False(t, r.qualified.Has(2))
	assert.True(t, r.qualified.Has(3), "the default skip list was replaced")
}

// TestLeakedTensorDiagnostics: a tensor produced inside a qualified node's
// subtree (which replay never descends into) but consumed by a later
// qualified node is reported as leaked, with its footprint.
func TestLeakedTensorDiagnostics(t *testing.T) {
	producer := opNode(2, "aten::relu",
		[]exgraph.Value{floatVal(10, 4)},
		[]exgraph.Value{floatVal(20, 4)})
	attach(producer, opNode(3, "aten::mm",
		nil,
		[]exgraph.Value{floatVal(90, 2, 2)}))
	g := testGraph(producer,
		opNode(4, "aten::sum",
			[]exgraph.Value{floatVal(90, 2, 2)},
			[]exgraph.Value{floatVal(50)}))

	r := preprocessed(t, g)
	assert.False(t, r.qualified.Has(3))
	assert.True(t, r.leaked.Has(tid(90)))
	// 4 float32 elements.
	assert.Equal(t, uint64(16), r.LeakedBytes())
}

func TestUnknownOperatorIsSkipped(t *testing.T) {
	g := testGraph(
		opNode(2, "aten::frobnicate",
			[]exgraph.Value{floatVal(10, 4)},
			[]exgraph.Value{floatVal(20, 4)}),
		opNode(3, "aten::relu",
			[]exgraph.Value{floatVal(30, 4)},
			[]exgraph.Value{floatVal(31, 4)}),
	)
	r := preprocessed(t, g)
	require.Equal(t, 2, r.NumOperations())
	assert.Nil(t, r.funcs[2].fn)

	// The unknown node is skipped at execution; the rest of the pass runs.
	_, err := r.Benchmark(BenchmarkOptions{Iterations: 1})
	require.NoError(t, err)
}

func TestStructuralValidation(t *testing.T) {
	badTensor := exgraph.Value{Type: "Tensor(float)", Tensor: &exgraph.TensorID{Tensor: 7}}
	g := testGraph(opNode(2, "aten::relu", []exgraph.Value{badTensor}, nil))
	r := New(g, goop.New(""))
	err := r.Preprocess()
	require.ErrorContains(t, err, "graph parse error")
}
