package replay

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/parambench/egreplay/exgraph"
	"github.com/parambench/egreplay/oplib/embeddings"
	"github.com/parambench/egreplay/types/xslices"
	"k8s.io/klog/v2"
)

// buildFunc binds a callable and output arity for one qualified node.
//
// The embedding-lookup family is special: forward and backward are built as
// one paired object when the forward node is reached; the backward half is
// pushed on a stack and popped -- strict LIFO -- when the matching backward
// node is reached. This assumes the family's forward/backward nodes are
// nested/balanced in trace order; an underflow means the trace violates that
// and is fatal. There is deliberately no guard against *mismatched* (but
// balanced) pairing: trace order is the only pairing information available.
//
// Everything else resolves through the operator library's generic lookup. A
// miss is downgraded to a nil callable: the engine skips the node, and the
// gap surfaces only if a downstream node needs its outputs.
func (r *Replayer) buildFunc(node *exgraph.Node) opFunc {
	if embeddings.IsForward(node.Name) {
		pair, err := embeddings.Build(node)
		if err != nil {
			klog.Warningf("Could not build embedding lookup for node %d (%q): %v", node.Id, node.Name, err)
			return opFunc{}
		}
		r.embeddingBackwards = append(r.embeddingBackwards, pair.Backward)
		return opFunc{fn: pair.Forward, numOutputs: pair.NumForwardOutputs}
	}
	if embeddings.IsBackward(node.Name) {
		if len(r.embeddingBackwards) == 0 {
			exceptions.Panicf("embedding backward at node %d (%q) without a pending forward: trace pairing is not nested",
				node.Id, node.Name)
		}
		fn := xslices.Last(r.embeddingBackwards)
		r.embeddingBackwards = r.embeddingBackwards[:len(r.embeddingBackwards)-1]
		return opFunc{fn: fn, numOutputs: len(node.Outputs)}
	}

	fn, numOutputs, err := r.lib.Compile(node.Name, signature(node))
	if err != nil {
		klog.Warningf("No callable for node %d: %v", node.Id, err)
		return opFunc{}
	}
	return opFunc{fn: fn, numOutputs: numOutputs}
}

// signature renders the recorded input/output type lists of a node, the key
// (together with the name) for overload resolution in operator libraries
// that distinguish overloads.
func signature(node *exgraph.Node) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := range node.Inputs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(node.Inputs[i].Type)
	}
	b.WriteString(") -> (")
	for i := range node.Outputs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(node.Outputs[i].Type)
	}
	b.WriteByte(')')
	return b.String()
}
