// Package replay reconstructs and re-executes the computational and
// memory-allocation pattern of a recorded execution trace, without re-running
// the pipeline that produced it.
//
// The phases, in order:
//
//  1. Subgraph extraction: select the replayable operator nodes out of the
//     trace tree and count tensor dependencies (extract.go).
//  2. Dependency analysis: diagnose tensors consumed by the replayed subgraph
//     but produced outside of it (analyze.go).
//  3. Tensor identity resolution: assign one replay Slot per (tensor
//     identity, shape) combination -- trace identifiers are reused across
//     incompatible shapes -- and decide which slots must be pre-populated
//     (resolve.go).
//  4. Allocation: materialize synthetic buffers for the permanent registry
//     (allocate.go).
//  5. Replay: execute the qualified nodes in ascending id order, mutating the
//     working registry (engine.go), under the benchmark driver (driver.go).
//
// All phases run on a single goroutine; operator invocations are issued
// synchronously against one device context. A failure during replay aborts
// the whole run: one broken operator invalidates all downstream dependency
// state, so there is no partial recovery.
package replay

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/parambench/egreplay/exgraph"
	"github.com/parambench/egreplay/oplib"
	"github.com/parambench/egreplay/types"
	"github.com/parambench/egreplay/types/tensors"
)

// Slot is the handle of one concrete replay buffer. Each (tensor identity,
// shape) combination encountered in the qualified subgraph maps to exactly
// one Slot. Slots are numbered from 1; the zero value is invalid.
type Slot int

// bindingKey binds a tensor identity at one specific node. The same identity
// at different nodes may resolve to different slots (the trace reuses
// identifiers across shapes), so slot lookups are always per node.
type bindingKey struct {
	node   int64
	tensor exgraph.TensorID
}

// opFunc is the cached callable and declared output arity of one qualified
// node. A nil fn means the operator lookup missed; the engine skips the node
// and the miss surfaces only if its outputs are actually needed.
type opFunc struct {
	fn         oplib.Callable
	numOutputs int
}

// slotShapeEntry records one (slot, dimensions) assignment of a tensor
// identity, for the exact-shape reuse check of the resolver.
type slotShapeEntry struct {
	slot Slot
	dims []int
}

// DefaultSkipNodeNames are substrings of node names excluded from replay:
// data-loading markers and in-place storage mutation.
var DefaultSkipNodeNames = []string{"DataLoader", "aten::set_"}

// Replayer owns all replay state for one trace: the analysis results, the
// permanent and working tensor registries, and the cached callables.
//
// Exactly one Replayer is expected to be active per process. It is not safe
// for concurrent use; the execution model is a single logical thread.
type Replayer struct {
	graph *exgraph.Graph
	lib   oplib.Library

	skipNodeNames []string

	// Subgraph extraction results.
	sorted     []*exgraph.Node
	qualified  types.Set[int64]
	topTensors map[int64]types.Set[exgraph.TensorID]
	deps       map[exgraph.TensorID]int
	funcs      map[int64]opFunc

	// Pending backward halves of embedding forward/backward pairs, in
	// strict LIFO order.
	embeddingBackwards []oplib.Callable

	// Identity resolution results.
	mapping  map[bindingKey]Slot
	slotDims map[Slot][]int
	seen     map[exgraph.TensorID][]slotShapeEntry
	numSlots int

	instantiate  types.Set[Slot]
	unchangeable types.Set[Slot]
	hostResident types.Set[Slot]

	// Leaked-tensor diagnostics (analyze.go).
	leaked      types.Set[exgraph.TensorID]
	leakedBytes uint64

	// permanent holds one canonical buffer per bound slot, built once. A
	// bound-but-nil entry is a slot whose element type had no generator;
	// using it as an input is a replay-time failure.
	permanent map[Slot]*tensors.Tensor

	// working holds the live values of a pass. Rebuildable from permanent.
	working map[Slot]*tensors.Tensor

	// Per-operator argument patch table (engine.go).
	argPatches map[string]func(node *exgraph.Node, args []any)

	// Memory profiling state, sampled around each invocation when enabled.
	profileMemory  bool
	allocatedDelta map[int64]int64
	reservedDelta  map[int64]int64
	lastAllocated  uint64
	lastReserved   uint64

	// captureOps, when non-nil, collects the ops executed in the current
	// pass for the diagnostic trace capture.
	captureOps *[]capturedOp
}

// New creates a Replayer for the given trace and operator library.
// Call Preprocess before Benchmark.
func New(graph *exgraph.Graph, lib oplib.Library) *Replayer {
	r := &Replayer{
		graph:          graph,
		lib:            lib,
		skipNodeNames:  DefaultSkipNodeNames,
		qualified:      types.MakeSet[int64](),
		topTensors:     make(map[int64]types.Set[exgraph.TensorID]),
		deps:           make(map[exgraph.TensorID]int),
		funcs:          make(map[int64]opFunc),
		mapping:        make(map[bindingKey]Slot),
		slotDims:       make(map[Slot][]int),
		seen:           make(map[exgraph.TensorID][]slotShapeEntry),
		instantiate:    types.MakeSet[Slot](),
		unchangeable:   types.MakeSet[Slot](),
		hostResident:   types.MakeSet[Slot](),
		leaked:         types.MakeSet[exgraph.TensorID](),
		permanent:      make(map[Slot]*tensors.Tensor),
		allocatedDelta: make(map[int64]int64),
		reservedDelta:  make(map[int64]int64),
	}
	r.argPatches = buildArgPatches(r)
	return r
}

// SetSkipNodeNames replaces the skip-name substring list. It returns the
// Replayer to allow chaining, and must be called before Preprocess.
func (r *Replayer) SetSkipNodeNames(names ...string) *Replayer {
	r.skipNodeNames = names
	return r
}

// Preprocess runs all analysis and allocation phases and builds the first
// working registry. Structural trace errors abort it with an error carrying
// the offending node's context.
func (r *Replayer) Preprocess() error {
	return exceptions.TryCatch[error](func() {
		r.extract()
		r.analyze()
		r.resolveTensors()
		r.allocate()
		r.resetRegistry()
	})
}

// NumOperations returns the number of qualified nodes that will execute per
// pass. Only valid after Preprocess.
func (r *Replayer) NumOperations() int { return len(r.sorted) }

// NumSlots returns the number of distinct replay buffers resolved.
func (r *Replayer) NumSlots() int { return r.numSlots }

// LeakedBytes returns the estimated footprint of tensors consumed by the
// replayed subgraph but produced outside it.
func (r *Replayer) LeakedBytes() uint64 { return r.leakedBytes }

// resetRegistry rebuilds the working registry from the permanent one:
// buffers are cloned and transferred to the device, except host-resident
// ones. Nil bindings stay nil.
func (r *Replayer) resetRegistry() {
	r.working = make(map[Slot]*tensors.Tensor, len(r.permanent))
	for slot, t := range r.permanent {
		if t == nil {
			r.working[slot] = nil
			continue
		}
		clone := t.Clone()
		if !r.hostResident.Has(slot) && !clone.HostOnly() {
			r.lib.Transfer(clone, true)
		}
		r.working[slot] = clone
	}
}

func (r *Replayer) skipName(name string) bool {
	for _, skip := range r.skipNodeNames {
		if skip != "" && strings.Contains(name, skip) {
			return true
		}
	}
	return false
}
