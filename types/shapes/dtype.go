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
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// traceDTypes maps the element-type names used inside trace type strings --
// "float" in "Tensor(float)" -- to the corresponding DType.
var traceDTypes = map[string]dtypes.DType{
	"float":         dtypes.Float32,
	"double":        dtypes.Float64,
	"c10::Half":     dtypes.Float16,
	"half":          dtypes.Float16,
	"c10::BFloat16": dtypes.BFloat16,
	"int":           dtypes.Int32,
	"long":          dtypes.Int64,
	"long int":      dtypes.Int64,
	"short":         dtypes.Int16,
	"short int":     dtypes.Int16,
	"signed char":   dtypes.Int8,
	"unsigned char": dtypes.Uint8,
	"bool":          dtypes.Bool,
}

// TrimTensorType strips the "Tensor(...)" wrapper of a trace type string,
// returning the inner element-type name. It returns the string unchanged if
// it is not wrapped.
func TrimTensorType(traceType string) string {
	inner, found := strings.CutPrefix(traceType, "Tensor(")
	if !found {
		return traceType
	}
	return strings.TrimSuffix(inner, ")")
}

// FromTraceType converts an element-type name recorded in a trace -- either
// the bare name ("float") or the tensor-wrapped form ("Tensor(float)") -- to
// the corresponding DType.
//
// Unknown names return an error: callers are expected to degrade (the
// allocator binds a nil buffer) rather than abort.
func FromTraceType(traceType string) (dtypes.DType, error) {
	name := TrimTensorType(traceType)
	dtype, found := traceDTypes[name]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("unknown trace element type %q", traceType)
	}
	return dtype, nil
}

// FromTrace builds a Shape from a trace type string and recorded dimensions.
func FromTrace(traceType string, dimensions []int) (Shape, error) {
	dtype, err := FromTraceType(traceType)
	if err != nil {
		return Invalid(), err
	}
	return Make(dtype, dimensions...), nil
}
