package exgraph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTrace = `{
  "schema": "1.0.1",
  "nodes": [
    {"id": 1, "name": "[pytorch|profiler|execution_graph|process]", "parent": 1,
     "inputs": [], "input_types": [], "input_shapes": [],
     "outputs": [], "output_types": [], "output_shapes": []},
    {"id": 2, "name": "## forward ##", "parent": 1,
     "inputs": [], "input_types": [], "input_shapes": [],
     "outputs": [], "output_types": [], "output_shapes": []},
    {"id": 3, "name": "aten::add", "parent": 2,
     "inputs": [[10, 11, 0, 4, 4], [12, 13, 0, 4, 4], 1],
     "input_types": ["Tensor(float)", "Tensor(float)", "Int"],
     "input_shapes": [[4], [4], []],
     "outputs": [[14, 15, 0, 4, 4]],
     "output_types": ["Tensor(float)"],
     "output_shapes": [[4]]},
    {"id": 4, "name": "aten::cat", "parent": 2,
     "inputs": [[[14, 15, 0, 4, 4], [12, 13, 0, 4, 4]], "<None>"],
     "input_types": ["GenericList[Tensor(float),Tensor(float)]", "None"],
     "input_shapes": [[[4], [4]], []],
     "outputs": [[16, 17, 0, 8, 4]],
     "output_types": ["Tensor(float)"],
     "output_shapes": [[8]]}
  ]
}`

func TestParse(t *testing.T) {
	g, err := Parse(strings.NewReader(sampleTrace))
	require.NoError(t, err)
	require.Equal(t, 4, g.NumNodes())
	require.NotNil(t, g.Root)
	require.EqualValues(t, 1, g.Root.Id)
	require.Equal(t, KindGroup, g.Root.Kind)

	forward := g.Node(2)
	require.NotNil(t, forward)
	require.False(t, forward.IsOperator())
	require.Same(t, g.Root, forward.Parent)
	require.Len(t, forward.Children, 2)
	assert.EqualValues(t, 3, forward.Children[0].Id)
	assert.EqualValues(t, 4, forward.Children[1].Id)

	add := g.Node(3)
	require.True(t, add.IsOperator())
	require.Len(t, add.Inputs, 3)
	require.True(t, add.Inputs[0].IsTensor())
	require.True(t, add.Inputs[1].IsTensor())
	require.False(t, add.Inputs[2].IsTensor())
	assert.Equal(t, float64(1), add.Inputs[2].Literal)

	inputs := add.InputTensors()
	require.Len(t, inputs, 2)
	assert.Equal(t, TensorID{Tensor: 10, Storage: 11, Offset: 0, NumElem: 4, ElemBytes: 4}, inputs[0].ID)
	assert.Equal(t, []int{4}, inputs[0].Shape)

	outputs := add.OutputTensors()
	require.Len(t, outputs, 1)
	assert.Equal(t, "Tensor(float)", outputs[0].Type)
}

func TestParseTensorList(t *testing.T) {
	g, err := Parse(strings.NewReader(sampleTrace))
	require.NoError(t, err)

	cat := g.Node(4)
	require.True(t, cat.Inputs[0].IsTensorList())
	require.Len(t, cat.Inputs[0].List, 2)

	// Tensor lists flatten element-wise, each with its own shape.
	inputs := cat.InputTensors()
	require.Len(t, inputs, 2)
	assert.Equal(t, "Tensor(float)", inputs[0].Type)
	assert.Equal(t, TensorID{Tensor: 14, Storage: 15, Offset: 0, NumElem: 4, ElemBytes: 4}, inputs[0].ID)
	assert.Equal(t, []int{4}, inputs[1].Shape)

	// The "<None>" sentinel stays a literal.
	require.Equal(t, "<None>", cat.Inputs[1].Literal)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		trace string
	}{
		{"empty", `{"nodes": []}`},
		{"no root", `{"nodes": [{"id": 2, "name": "x", "parent": 1,
			"inputs": [], "input_types": [], "input_shapes": [],
			"outputs": [], "output_types": [], "output_shapes": []}]}`},
		{"duplicate id", `{"nodes": [
			{"id": 1, "name": "r", "parent": 1, "inputs": [], "input_types": [], "input_shapes": [], "outputs": [], "output_types": [], "output_shapes": []},
			{"id": 1, "name": "r2", "parent": 1, "inputs": [], "input_types": [], "input_shapes": [], "outputs": [], "output_types": [], "output_shapes": []}]}`},
		{"ragged lists", `{"nodes": [
			{"id": 1, "name": "r", "parent": 1, "inputs": [1], "input_types": [], "input_shapes": [], "outputs": [], "output_types": [], "output_shapes": []}]}`},
		{"short tensor identity", `{"nodes": [
			{"id": 1, "name": "r", "parent": 1, "inputs": [[1, 2]], "input_types": ["Tensor(float)"], "input_shapes": [[4]], "outputs": [], "output_types": [], "output_shapes": []}]}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(test.trace))
			require.Error(t, err)
		})
	}
}

func TestTypePredicates(t *testing.T) {
	assert.True(t, IsTensorType("Tensor(float)"))
	assert.False(t, IsTensorType("Int"))
	assert.True(t, IsTensorListType("GenericList[Tensor(float),Tensor(float)]"))
	assert.False(t, IsTensorListType("GenericList[Int,Int]"))
	assert.Equal(t, "Tensor(float)", ListElementType("GenericList[Tensor(float),Tensor(float)]"))
}
