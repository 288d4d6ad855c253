package exgraph

import (
	"encoding/json"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// rawNode mirrors one entry of the trace's "nodes" array.
type rawNode struct {
	Id           int64             `json:"id"`
	Name         string            `json:"name"`
	Parent       int64             `json:"parent"`
	Inputs       []json.RawMessage `json:"inputs"`
	InputTypes   []string          `json:"input_types"`
	InputShapes  []json.RawMessage `json:"input_shapes"`
	Outputs      []json.RawMessage `json:"outputs"`
	OutputTypes  []string          `json:"output_types"`
	OutputShapes []json.RawMessage `json:"output_shapes"`
}

type rawTrace struct {
	Schema string    `json:"schema"`
	Nodes  []rawNode `json:"nodes"`
}

// Load reads and parses a trace file. See Parse.
func Load(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open trace file %q", path)
	}
	defer func() { _ = f.Close() }()
	g, err := Parse(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing trace file %q", path)
	}
	return g, nil
}

// Parse decodes a JSON trace and reconstructs the node tree.
//
// Structural inconsistencies -- ragged value/type/shape lists, duplicate ids,
// dangling parent references, zero or multiple roots -- are errors carrying
// the offending node's context. Callers treat them as fatal.
func Parse(r io.Reader) (*Graph, error) {
	var raw rawTrace
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode trace JSON")
	}
	if len(raw.Nodes) == 0 {
		return nil, errors.New("trace has no nodes")
	}

	g := &Graph{nodes: make(map[int64]*Node, len(raw.Nodes))}
	parents := make(map[int64]int64, len(raw.Nodes))
	for i := range raw.Nodes {
		rn := &raw.Nodes[i]
		if _, dup := g.nodes[rn.Id]; dup {
			return nil, errors.Errorf("duplicate node id %d (%q)", rn.Id, rn.Name)
		}
		node, err := decodeNode(rn)
		if err != nil {
			return nil, errors.WithMessagef(err, "node id %d (%q)", rn.Id, rn.Name)
		}
		g.nodes[rn.Id] = node
		parents[rn.Id] = rn.Parent
	}

	// Link the tree. A node that is its own parent is a root.
	for id, parentId := range parents {
		node := g.nodes[id]
		if parentId == id {
			if g.Root != nil {
				return nil, errors.Errorf("trace has multiple roots: nodes %d and %d", g.Root.Id, id)
			}
			g.Root = node
			continue
		}
		parent, found := g.nodes[parentId]
		if !found {
			return nil, errors.Errorf("node id %d (%q) references unknown parent %d", id, node.Name, parentId)
		}
		node.Parent = parent
		parent.Children = append(parent.Children, node)
	}
	if g.Root == nil {
		return nil, errors.New("trace has no root node")
	}
	for _, node := range g.nodes {
		slices.SortFunc(node.Children, func(a, b *Node) int { return int(a.Id - b.Id) })
	}
	klog.V(1).Infof("Loaded trace: %d nodes, root id %d", len(g.nodes), g.Root.Id)
	return g, nil
}

func decodeNode(rn *rawNode) (*Node, error) {
	node := &Node{
		Id:   rn.Id,
		Name: rn.Name,
		Kind: kindForName(rn.Name),
	}
	var err error
	node.Inputs, err = decodeValues(rn.Inputs, rn.InputTypes, rn.InputShapes)
	if err != nil {
		return nil, errors.WithMessage(err, "inputs")
	}
	node.Outputs, err = decodeValues(rn.Outputs, rn.OutputTypes, rn.OutputShapes)
	if err != nil {
		return nil, errors.WithMessage(err, "outputs")
	}
	return node, nil
}

// kindForName classifies grouping annotations by the naming convention of the
// trace format: profiler markers are bracketed ("[pytorch|...]") and module
// labels are prefixed with "## ".
func kindForName(name string) NodeKind {
	if strings.HasPrefix(name, "[") || strings.HasPrefix(name, "## ") {
		return KindGroup
	}
	return KindOperator
}

func decodeValues(values []json.RawMessage, valueTypes []string, valueShapes []json.RawMessage) ([]Value, error) {
	if len(values) != len(valueTypes) || len(values) != len(valueShapes) {
		return nil, errors.Errorf("ragged value lists: %d values, %d types, %d shapes",
			len(values), len(valueTypes), len(valueShapes))
	}
	decoded := make([]Value, len(values))
	for i, rawValue := range values {
		v := &decoded[i]
		v.Type = valueTypes[i]
		switch {
		case IsTensorType(v.Type):
			id, err := decodeTensorID(rawValue)
			if err != nil {
				return nil, errors.WithMessagef(err, "value #%d (%s)", i, v.Type)
			}
			v.Tensor = &id
			if err = json.Unmarshal(valueShapes[i], &v.Shape); err != nil {
				return nil, errors.Wrapf(err, "shape of value #%d (%s)", i, v.Type)
			}
		case IsTensorListType(v.Type):
			var rawElems []json.RawMessage
			if err := json.Unmarshal(rawValue, &rawElems); err != nil {
				return nil, errors.Wrapf(err, "tensor list value #%d (%s)", i, v.Type)
			}
			v.List = make([]TensorID, len(rawElems))
			for j, rawElem := range rawElems {
				id, err := decodeTensorID(rawElem)
				if err != nil {
					return nil, errors.WithMessagef(err, "value #%d element #%d (%s)", i, j, v.Type)
				}
				v.List[j] = id
			}
			if err := json.Unmarshal(valueShapes[i], &v.ListShapes); err != nil {
				return nil, errors.Wrapf(err, "shapes of value #%d (%s)", i, v.Type)
			}
		default:
			var literal any
			if err := json.Unmarshal(rawValue, &literal); err != nil {
				return nil, errors.Wrapf(err, "literal value #%d (%s)", i, v.Type)
			}
			v.Literal = literal
		}
	}
	return decoded, nil
}

// decodeTensorID decodes the recorded tensor identity list. Five entries is
// the canonical form; newer traces append a device field which is ignored
// (replay is single-device).
func decodeTensorID(raw json.RawMessage) (TensorID, error) {
	var fields []int64
	if err := json.Unmarshal(raw, &fields); err != nil {
		return TensorID{}, errors.Wrap(err, "tensor identity is not a list of integers")
	}
	if len(fields) < 5 {
		return TensorID{}, errors.Errorf("tensor identity has %d fields, need at least 5", len(fields))
	}
	return TensorID{
		Tensor:    fields[0],
		Storage:   fields[1],
		Offset:    fields[2],
		NumElem:   fields[3],
		ElemBytes: fields[4],
	}, nil
}
