/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements Tensor, the concrete replay buffer: a
// multi-dimensional array defined by a shapes.Shape and a flat slice of the
// underlying element type.
//
// Replay tensors carry no gradient or graph information: they exist to occupy
// the same amount of memory as the buffers of the original run and to feed
// operator invocations with structurally valid data. Content is synthetic
// (see random.go) except where an operator imposes structural preconditions,
// which is handled by the allocator.
//
// A Tensor also tracks residency: whether its canonical copy currently lives
// on the accelerator device, and whether it is pinned to the host (buffers
// consumed by data-movement operators must start host-side). The actual
// transfer is performed by the operator library (see package oplib).
package tensors

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/parambench/egreplay/types/shapes"
	"github.com/x448/float16"
)

// Tensor is one concrete replay buffer.
//
// The zero value is invalid; use FromShape, FromFlatData or one of the
// generators in random.go.
type Tensor struct {
	shape shapes.Shape

	// flat is the data as a flat slice of the Go type corresponding to
	// shape.DType. Always host-addressable, even when the buffer is
	// (logically) resident on device.
	flat any

	// hostOnly buffers must never be transferred to the device.
	hostOnly bool

	// onDevice tracks current residency.
	onDevice bool
}

// FromShape returns a Tensor of the given shape, with the data zero-initialized.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape %s", shape)
	}
	return &Tensor{shape: shape, flat: newFlat(shape)}
}

// FromFlatData returns a Tensor of the given shape wrapping the given flat
// slice. The slice must be a []T of the Go type matching shape.DType, with
// exactly shape.Size() elements.
func FromFlatData(shape shapes.Shape, flat any) *Tensor {
	if got := flatLen(flat); got != shape.Size() {
		exceptions.Panicf("tensors.FromFlatData: shape %s needs %d elements, got %d", shape, shape.Size(), got)
	}
	return &Tensor{shape: shape, flat: flat}
}

func newFlat(shape shapes.Shape) any {
	size := shape.Size()
	switch shape.DType {
	case dtypes.Float32:
		return make([]float32, size)
	case dtypes.Float64:
		return make([]float64, size)
	case dtypes.Float16:
		return make([]float16.Float16, size)
	case dtypes.BFloat16:
		return make([]bfloat16.BFloat16, size)
	case dtypes.Int8:
		return make([]int8, size)
	case dtypes.Int16:
		return make([]int16, size)
	case dtypes.Int32:
		return make([]int32, size)
	case dtypes.Int64:
		return make([]int64, size)
	case dtypes.Uint8:
		return make([]uint8, size)
	case dtypes.Bool:
		return make([]bool, size)
	}
	exceptions.Panicf("tensors: dtype %s not supported for replay buffers", shape.DType)
	return nil
}

func flatLen(flat any) int {
	switch v := flat.(type) {
	case []float32:
		return len(v)
	case []float64:
		return len(v)
	case []float16.Float16:
		return len(v)
	case []bfloat16.BFloat16:
		return len(v)
	case []int8:
		return len(v)
	case []int16:
		return len(v)
	case []int32:
		return len(v)
	case []int64:
		return len(v)
	case []uint8:
		return len(v)
	case []bool:
		return len(v)
	}
	exceptions.Panicf("tensors: flat data type %T not supported", flat)
	return 0
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank is a shortcut to Tensor.Shape().Rank().
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Flat returns the underlying flat data slice, a []T of the Go type matching
// the tensor's DType. Mutations are visible to every holder of the tensor.
func (t *Tensor) Flat() any { return t.flat }

// SetHostOnly pins the tensor to the host: the operator library refuses to
// move it to the device.
func (t *Tensor) SetHostOnly() { t.hostOnly = true }

// HostOnly reports whether the tensor is pinned to the host.
func (t *Tensor) HostOnly() bool { return t.hostOnly }

// OnDevice reports whether the canonical copy of the buffer currently lives
// on the accelerator device.
func (t *Tensor) OnDevice() bool { return t.onDevice }

// SetOnDevice records the residency of the buffer. Called by the operator
// library when it transfers the buffer; host pinning is enforced there.
func (t *Tensor) SetOnDevice(onDevice bool) { t.onDevice = onDevice }

// Clone returns a deep copy of the tensor, including residency flags.
func (t *Tensor) Clone() *Tensor {
	clone := &Tensor{shape: t.shape.Clone(), hostOnly: t.hostOnly, onDevice: t.onDevice}
	switch v := t.flat.(type) {
	case []float32:
		clone.flat = slices.Clone(v)
	case []float64:
		clone.flat = slices.Clone(v)
	case []float16.Float16:
		clone.flat = slices.Clone(v)
	case []bfloat16.BFloat16:
		clone.flat = slices.Clone(v)
	case []int8:
		clone.flat = slices.Clone(v)
	case []int16:
		clone.flat = slices.Clone(v)
	case []int32:
		clone.flat = slices.Clone(v)
	case []int64:
		clone.flat = slices.Clone(v)
	case []uint8:
		clone.flat = slices.Clone(v)
	case []bool:
		clone.flat = slices.Clone(v)
	}
	return clone
}

// String pretty-prints the tensor shape and residency, not its contents.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	where := "host"
	if t.onDevice {
		where = "device"
	}
	return fmt.Sprintf("Tensor%s@%s", t.shape, where)
}
