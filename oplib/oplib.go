// Package oplib defines the interface an operator library needs to implement
// to execute replayed operators, and a registry of implementations.
//
// The replay engine is library-agnostic: it resolves a callable per trace
// node through Library.Compile (a generic compiled-operator lookup keyed by
// name and signature) and invokes it with the current replay buffers. The
// library also owns the device side of the world: buffer transfers, memory
// counters and timing events.
//
// To simplify error handling at the replay boundary, misuse of the registry
// panics with a stack trace (see github.com/gomlx/exceptions); Compile and
// Callable return ordinary errors, which the replay engine converts into a
// fatal abort with node context.
package oplib

import (
	"os"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/parambench/egreplay/types/tensors"
)

// Callable is one bound operator: it consumes resolved arguments (replay
// tensors, tensor slices, or literals) and produces raw results, which the
// replay engine normalizes into an ordered output list.
type Callable func(args []any) ([]any, error)

// Event is a device-side timing marker. Record enqueues the marker on the
// device stream; Elapsed returns the device time between two recorded
// markers. Host-only libraries fall back to wall clock.
type Event interface {
	Record()
	Elapsed(end Event) time.Duration
}

// Library is the API an operator library implements to serve replay.
type Library interface {
	// Name returns the short name of the library, e.g. "go".
	Name() string

	// Description is a longer description that can be used to pretty-print.
	Description() string

	// Compile resolves the operator with the given name and signature,
	// returning its callable and declared output arity. A lookup miss
	// returns an error; the replay engine then skips the node's callable
	// binding and the miss surfaces when (if) the node executes.
	Compile(opName, signature string) (Callable, int, error)

	// Transfer moves a buffer between host and device. Host-pinned
	// tensors are never moved to the device.
	Transfer(t *tensors.Tensor, toDevice bool)

	// AllocatedMemory returns the bytes currently allocated on device.
	AllocatedMemory() uint64

	// ReservedMemory returns the bytes reserved on device, including
	// allocator pooling overhead.
	ReservedMemory() uint64

	// NewEvent creates an unrecorded timing event.
	NewEvent() Event

	// Synchronize blocks until all queued device work completed.
	Synchronize()

	// Finalize releases all associated resources immediately, and makes
	// the library invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Library.
type Constructor func(config string) Library

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a library with the given name and a constructor that takes as
// input a configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the library configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// EGREPLAY_BACKEND is the environment variable with the default library
// configuration to use.
//
// The format of config is "<library_name>:<library_configuration>", where
// "<library_name>" is the name of a registered library (e.g.: "go") and
// "<library_configuration>" is library specific.
const EGREPLAY_BACKEND = "EGREPLAY_BACKEND"

// New returns a new Library using the default configuration:
//
// 1. The environment EGREPLAY_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered library is used with an empty configuration.
//
// It panics if no library was registered.
func New() Library {
	config, found := os.LookupEnv(EGREPLAY_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Library from a configuration string formatted as
// "<library_name>:<library_configuration>". An empty name selects the first
// registered library.
func NewWithConfig(config string) Library {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered operator libraries -- maybe import the default with import _ "github.com/parambench/egreplay/oplib/goop"?`)
	}
	libName := firstRegistered
	var libConfig string
	if idx := strings.Index(config, ":"); idx != -1 {
		libName = config[:idx]
		libConfig = config[idx+1:]
	} else if config != "" {
		libName = config
	}
	constructor, found := registeredConstructors[libName]
	if !found {
		exceptions.Panicf("can't find operator library %q for configuration %q given", libName, config)
	}
	return constructor(libConfig)
}
