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

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())

	// Zero-sized dimensions are valid, they appear in traces for empty tensors.
	shapeEmpty := Make(dtypes.Int64, 0)
	require.True(t, shapeEmpty.Ok())
	require.Equal(t, 0, shapeEmpty.Size())

	require.Panics(t, func() { Make(dtypes.Float32, -1) })
}

func TestEqualAndClone(t *testing.T) {
	a := Make(dtypes.Float32, 2, 3)
	b := Make(dtypes.Float32, 2, 3)
	c := Make(dtypes.Float32, 3, 2)
	d := Make(dtypes.Int32, 2, 3)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(d))

	clone := a.Clone()
	clone.Dimensions[0] = 7
	require.Equal(t, 2, a.Dimensions[0])
}

func TestFromTraceType(t *testing.T) {
	for traceType, want := range map[string]dtypes.DType{
		"Tensor(float)":         dtypes.Float32,
		"Tensor(double)":        dtypes.Float64,
		"Tensor(long int)":      dtypes.Int64,
		"Tensor(c10::Half)":     dtypes.Float16,
		"Tensor(unsigned char)": dtypes.Uint8,
		"bool":                  dtypes.Bool,
	} {
		got, err := FromTraceType(traceType)
		require.NoError(t, err)
		require.Equal(t, want, got, "trace type %q", traceType)
	}

	_, err := FromTraceType("Tensor(nullptr (uninitialized))")
	require.Error(t, err)
}

func TestFromTrace(t *testing.T) {
	shape, err := FromTrace("Tensor(float)", []int{8, 16})
	require.NoError(t, err)
	require.Equal(t, Make(dtypes.Float32, 8, 16), shape)
}
