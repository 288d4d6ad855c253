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

package tensors

import (
	"math/rand"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/parambench/egreplay/types/shapes"
	"github.com/x448/float16"
)

// Generator materializes a synthetic tensor of the given dimensions, filled
// with a distribution appropriate for its element type.
type Generator func(dimensions []int) *Tensor

// generators maps each supported DType to its fill distribution: normal for
// the float families, bounded uniform integers for the integer families.
// The bounds mirror the value ranges the original workloads feed these types
// with (e.g. unsigned bytes cover the full 0..255 range).
var generators = map[dtypes.DType]Generator{
	dtypes.Float32: func(dims []int) *Tensor {
		t := FromShape(shapes.Make(dtypes.Float32, dims...))
		data := t.flat.([]float32)
		for i := range data {
			data[i] = float32(rand.NormFloat64())
		}
		return t
	},
	dtypes.Float64: func(dims []int) *Tensor {
		t := FromShape(shapes.Make(dtypes.Float64, dims...))
		data := t.flat.([]float64)
		for i := range data {
			data[i] = rand.NormFloat64()
		}
		return t
	},
	dtypes.Float16: func(dims []int) *Tensor {
		t := FromShape(shapes.Make(dtypes.Float16, dims...))
		data := t.flat.([]float16.Float16)
		for i := range data {
			data[i] = float16.Fromfloat32(float32(rand.NormFloat64()))
		}
		return t
	},
	dtypes.BFloat16: func(dims []int) *Tensor {
		t := FromShape(shapes.Make(dtypes.BFloat16, dims...))
		data := t.flat.([]bfloat16.BFloat16)
		for i := range data {
			data[i] = bfloat16.FromFloat32(float32(rand.NormFloat64()))
		}
		return t
	},
	dtypes.Int8: func(dims []int) *Tensor {
		t := FromShape(shapes.Make(dtypes.Int8, dims...))
		data := t.flat.([]int8)
		for i := range data {
			data[i] = int8(rand.Intn(256) - 128)
		}
		return t
	},
	dtypes.Int16: func(dims []int) *Tensor {
		t := FromShape(shapes.Make(dtypes.Int16, dims...))
		data := t.flat.([]int16)
		for i := range data {
			data[i] = int16(rand.Intn(1 << 16))
		}
		return t
	},
	dtypes.Int32: func(dims []int) *Tensor {
		t := FromShape(shapes.Make(dtypes.Int32, dims...))
		data := t.flat.([]int32)
		for i := range data {
			data[i] = rand.Int31n(128)
		}
		return t
	},
	dtypes.Int64: func(dims []int) *Tensor {
		t := FromShape(shapes.Make(dtypes.Int64, dims...))
		data := t.flat.([]int64)
		for i := range data {
			data[i] = rand.Int63n(128)
		}
		return t
	},
	dtypes.Uint8: func(dims []int) *Tensor {
		t := FromShape(shapes.Make(dtypes.Uint8, dims...))
		data := t.flat.([]uint8)
		for i := range data {
			data[i] = uint8(rand.Intn(256))
		}
		return t
	},
	dtypes.Bool: func(dims []int) *Tensor {
		t := FromShape(shapes.Make(dtypes.Bool, dims...))
		data := t.flat.([]bool)
		for i := range data {
			data[i] = rand.Intn(2) == 1
		}
		return t
	},
}

// GeneratorForDType returns the fill generator for the given DType, or false
// if the type has no generator. Callers degrade on a miss (the allocator
// binds a nil buffer and defers failure to first use).
func GeneratorForDType(dtype dtypes.DType) (Generator, bool) {
	gen, found := generators[dtype]
	return gen, found
}
