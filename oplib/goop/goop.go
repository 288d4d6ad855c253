// Package goop implements a simple, and not very fast, but very portable
// operator library for egreplay.
//
// It only implements the most common trace operators over float32 and int64
// buffers. Operators it doesn't know about fail the Compile lookup, which the
// replay engine reports when the node executes. It is meant for tests and for
// replaying traces on machines without an accelerator; it models the "device"
// as a second residency of the same host memory.
package goop

import (
	"sync/atomic"
	"time"

	"github.com/parambench/egreplay/oplib"
	"github.com/parambench/egreplay/types/tensors"
)

// LibraryName to be used in EGREPLAY_BACKEND to select this library.
const LibraryName = "go"

func init() {
	oplib.Register(LibraryName, New)
}

// New constructs a new goop Library.
// There are no configurations, the string is simply ignored.
func New(_ string) oplib.Library {
	return &Library{}
}

// reservationBlock is the pool granularity the reserved-memory counter
// simulates, mirroring the 2MiB blocks of common device allocators.
const reservationBlock = 2 << 20

// Library implements the oplib.Library interface.
type Library struct {
	// allocated tracks bytes of device-resident buffers. Approximate: it
	// grows with transfers and operator outputs, it does not model frees.
	allocated atomic.Uint64
}

// Compile-time check that goop.Library implements oplib.Library.
var _ oplib.Library = &Library{}

// Name returns the short name of the library.
func (l *Library) Name() string { return LibraryName }

// Description is a longer description of the library.
func (l *Library) Description() string {
	return "Simple Go Portable Operator Library"
}

// Transfer moves a buffer between host and device residency. For goop both
// sides are the same host memory, only the residency flag and the memory
// counters change. Host-pinned tensors never move.
func (l *Library) Transfer(t *tensors.Tensor, toDevice bool) {
	if t == nil || t.OnDevice() == toDevice {
		return
	}
	if toDevice {
		if t.HostOnly() {
			return
		}
		l.allocated.Add(uint64(t.Memory()))
	}
	t.SetOnDevice(toDevice)
}

// AllocatedMemory returns the bytes currently accounted as device-allocated.
func (l *Library) AllocatedMemory() uint64 { return l.allocated.Load() }

// ReservedMemory returns the allocated bytes rounded up to the simulated
// allocator pool granularity.
func (l *Library) ReservedMemory() uint64 {
	allocated := l.allocated.Load()
	blocks := (allocated + reservationBlock - 1) / reservationBlock
	return blocks * reservationBlock
}

// noteAlloc accounts for buffers produced by operators on the "device".
func (l *Library) noteAlloc(ts ...*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			l.allocated.Add(uint64(t.Memory()))
		}
	}
}

// event implements oplib.Event with wall clock: goop executes operators
// synchronously on the calling goroutine, so host time is device time.
type event struct {
	at time.Time
}

// NewEvent creates an unrecorded timing event.
func (l *Library) NewEvent() oplib.Event { return &event{} }

// Record marks the event with the current time.
func (e *event) Record() { e.at = time.Now() }

// Elapsed returns the time between this event and end.
func (e *event) Elapsed(end oplib.Event) time.Duration {
	return end.(*event).at.Sub(e.at)
}

// Synchronize is a no-op: there is no queued asynchronous work.
func (l *Library) Synchronize() {}

// Finalize releases the library. goop holds no external resources.
func (l *Library) Finalize() {}
