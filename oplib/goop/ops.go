package goop

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/parambench/egreplay/oplib"
	"github.com/parambench/egreplay/types/shapes"
	"github.com/parambench/egreplay/types/tensors"
	"github.com/pkg/errors"
)

// opImpl is one registered operator: its declared output arity and its
// implementation.
type opImpl struct {
	numOutputs int
	fn         func(l *Library, args []any) ([]any, error)
}

// ops is the operator lookup table. The signature is not used for dispatch:
// the trace operators goop supports have a single relevant overload each.
var ops = map[string]opImpl{
	"aten::add": {1, func(l *Library, args []any) ([]any, error) {
		return binaryAlphaOp(l, args, func(a, b float32) float32 { return a + b })
	}},
	"aten::sub": {1, func(l *Library, args []any) ([]any, error) {
		return binaryAlphaOp(l, args, func(a, b float32) float32 { return a - b })
	}},
	"aten::mul": {1, func(l *Library, args []any) ([]any, error) {
		return binaryOp(l, args, func(a, b float32) float32 { return a * b })
	}},
	"aten::div": {1, func(l *Library, args []any) ([]any, error) {
		return binaryOp(l, args, func(a, b float32) float32 { return a / b })
	}},
	"aten::relu": {1, func(l *Library, args []any) ([]any, error) {
		return unaryOp(l, args, func(a float32) float32 { return max(a, 0) })
	}},
	"aten::sigmoid": {1, func(l *Library, args []any) ([]any, error) { return unaryOp(l, args, sigmoid) }},
	"aten::tanh": {1, func(l *Library, args []any) ([]any, error) {
		return unaryOp(l, args, func(a float32) float32 { return float32(math.Tanh(float64(a))) })
	}},
	"aten::mm":            {1, matMul},
	"aten::matmul":        {1, matMul},
	"aten::t":             {1, transpose2D},
	"aten::sum":           {1, sumAll},
	"aten::cat":           {1, concatenate},
	"aten::to":            {1, toOp},
	"aten::detach":        {1, detach},
	"aten::pin_memory":    {1, pinMemory},
	"aten::copy_":         {1, copyInto},
	"aten::embedding_bag": {4, embeddingBag},
}

// Compile resolves an operator by name. A miss is an error, deferred by the
// replay engine to the node's execution.
func (l *Library) Compile(opName, signature string) (oplib.Callable, int, error) {
	impl, found := ops[opName]
	if !found {
		return nil, 0, errors.Errorf("operator %q (signature %q) not implemented by goop", opName, signature)
	}
	fn := impl.fn
	callable := func(args []any) ([]any, error) {
		return fn(l, args)
	}
	return callable, impl.numOutputs, nil
}

func tensorArg(args []any, idx int) (*tensors.Tensor, error) {
	if idx >= len(args) {
		return nil, errors.Errorf("missing argument #%d", idx)
	}
	t, ok := args[idx].(*tensors.Tensor)
	if !ok {
		return nil, errors.Errorf("argument #%d is %T, wanted a tensor", idx, args[idx])
	}
	if t == nil {
		return nil, errors.Errorf("argument #%d is a nil buffer (unallocated replay slot)", idx)
	}
	return t, nil
}

func floatData(t *tensors.Tensor) ([]float32, error) {
	data, ok := t.Flat().([]float32)
	if !ok {
		return nil, errors.Errorf("buffer is %s, goop only computes on Float32 here", t.DType())
	}
	return data, nil
}

func intData(t *tensors.Tensor) ([]int64, error) {
	data, ok := t.Flat().([]int64)
	if !ok {
		return nil, errors.Errorf("buffer is %s, wanted Int64", t.DType())
	}
	return data, nil
}

// scalarArg extracts a numeric literal, if args[idx] is one.
func scalarArg(args []any, idx int) (float64, bool) {
	if idx >= len(args) {
		return 0, false
	}
	switch v := args[idx].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// newResultLike allocates an output buffer, placed on device when the
// reference operand is on device.
func newResultLike(l *Library, shape shapes.Shape, reference *tensors.Tensor) *tensors.Tensor {
	out := tensors.FromShape(shape)
	if reference.OnDevice() {
		out.SetOnDevice(true)
		l.noteAlloc(out)
	}
	return out
}

func sigmoid(a float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(a))))
}

// binaryAlphaOp computes op(a, alpha*b) following the (input, other, alpha)
// convention of the trace's add/sub family. The second operand may be a
// scalar literal.
func binaryAlphaOp(l *Library, args []any, op func(a, b float32) float32) ([]any, error) {
	alpha := 1.0
	if v, ok := scalarArg(args, 2); ok {
		alpha = v
	}
	return binaryCommon(l, args, alpha, op)
}

func binaryOp(l *Library, args []any, op func(a, b float32) float32) ([]any, error) {
	return binaryCommon(l, args, 1, op)
}

func binaryCommon(l *Library, args []any, alpha float64, op func(a, b float32) float32) ([]any, error) {
	a, err := tensorArg(args, 0)
	if err != nil {
		return nil, err
	}
	aData, err := floatData(a)
	if err != nil {
		return nil, err
	}
	out := newResultLike(l, a.Shape(), a)
	outData := out.Flat().([]float32)

	if scalar, ok := scalarArg(args, 1); ok {
		b := float32(scalar * alpha)
		for i, v := range aData {
			outData[i] = op(v, b)
		}
		return []any{out}, nil
	}

	b, err := tensorArg(args, 1)
	if err != nil {
		return nil, err
	}
	bData, err := floatData(b)
	if err != nil {
		return nil, err
	}
	if len(bData) == 1 {
		scalar := bData[0] * float32(alpha)
		for i, v := range aData {
			outData[i] = op(v, scalar)
		}
		return []any{out}, nil
	}
	if len(bData) != len(aData) {
		return nil, errors.Errorf("operand shapes %s and %s don't match (broadcasting beyond scalars not supported)",
			a.Shape(), b.Shape())
	}
	for i, v := range aData {
		outData[i] = op(v, bData[i]*float32(alpha))
	}
	return []any{out}, nil
}

func unaryOp(l *Library, args []any, op func(a float32) float32) ([]any, error) {
	a, err := tensorArg(args, 0)
	if err != nil {
		return nil, err
	}
	aData, err := floatData(a)
	if err != nil {
		return nil, err
	}
	out := newResultLike(l, a.Shape(), a)
	outData := out.Flat().([]float32)
	for i, v := range aData {
		outData[i] = op(v)
	}
	return []any{out}, nil
}

func matMul(l *Library, args []any) ([]any, error) {
	a, err := tensorArg(args, 0)
	if err != nil {
		return nil, err
	}
	b, err := tensorArg(args, 1)
	if err != nil {
		return nil, err
	}
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, errors.Errorf("matmul needs rank-2 operands, got %s x %s", a.Shape(), b.Shape())
	}
	m, k := a.Shape().Dimensions[0], a.Shape().Dimensions[1]
	k2, n := b.Shape().Dimensions[0], b.Shape().Dimensions[1]
	if k != k2 {
		return nil, errors.Errorf("matmul contraction mismatch: %s x %s", a.Shape(), b.Shape())
	}
	aData, err := floatData(a)
	if err != nil {
		return nil, err
	}
	bData, err := floatData(b)
	if err != nil {
		return nil, err
	}
	out := newResultLike(l, shapes.Make(dtypes.Float32, m, n), a)
	outData := out.Flat().([]float32)
	for i := 0; i < m; i++ {
		for kk := 0; kk < k; kk++ {
			av := aData[i*k+kk]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				outData[i*n+j] += av * bData[kk*n+j]
			}
		}
	}
	return []any{out}, nil
}

func transpose2D(l *Library, args []any) ([]any, error) {
	a, err := tensorArg(args, 0)
	if err != nil {
		return nil, err
	}
	if a.Rank() != 2 {
		return nil, errors.Errorf("transpose needs a rank-2 operand, got %s", a.Shape())
	}
	aData, err := floatData(a)
	if err != nil {
		return nil, err
	}
	rows, cols := a.Shape().Dimensions[0], a.Shape().Dimensions[1]
	out := newResultLike(l, shapes.Make(dtypes.Float32, cols, rows), a)
	outData := out.Flat().([]float32)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			outData[j*rows+i] = aData[i*cols+j]
		}
	}
	return []any{out}, nil
}

func sumAll(l *Library, args []any) ([]any, error) {
	a, err := tensorArg(args, 0)
	if err != nil {
		return nil, err
	}
	aData, err := floatData(a)
	if err != nil {
		return nil, err
	}
	var total float32
	for _, v := range aData {
		total += v
	}
	out := newResultLike(l, shapes.Make(dtypes.Float32), a)
	out.Flat().([]float32)[0] = total
	return []any{out}, nil
}

func concatenate(l *Library, args []any) ([]any, error) {
	if len(args) == 0 {
		return nil, errors.New("cat needs a tensor list argument")
	}
	list, ok := args[0].([]*tensors.Tensor)
	if !ok || len(list) == 0 {
		return nil, errors.Errorf("cat argument #0 is %T, wanted a non-empty tensor list", args[0])
	}
	axis := 0
	if v, ok := scalarArg(args, 1); ok {
		axis = int(v)
	}
	first := list[0]
	if axis < 0 {
		axis += first.Rank()
	}
	if axis < 0 || axis >= first.Rank() {
		return nil, errors.Errorf("cat axis %d out of range for %s", axis, first.Shape())
	}
	outDims := append([]int{}, first.Shape().Dimensions...)
	outDims[axis] = 0
	for _, t := range list {
		if t == nil {
			return nil, errors.New("cat over a nil buffer (unallocated replay slot)")
		}
		outDims[axis] += t.Shape().Dimensions[axis]
	}
	out := newResultLike(l, shapes.Make(dtypes.Float32, outDims...), first)
	outData := out.Flat().([]float32)

	outer := 1
	for _, d := range outDims[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range outDims[axis+1:] {
		inner *= d
	}
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range list {
			tData, err := floatData(t)
			if err != nil {
				return nil, err
			}
			chunk := t.Shape().Dimensions[axis] * inner
			copy(outData[pos:pos+chunk], tData[o*chunk:(o+1)*chunk])
			pos += chunk
		}
	}
	return []any{out}, nil
}

// toOp models aten::to as a same-residency copy: dtype and layout conversion
// costs are not reproduced, only the allocation.
func toOp(l *Library, args []any) ([]any, error) {
	a, err := tensorArg(args, 0)
	if err != nil {
		return nil, err
	}
	out := a.Clone()
	if out.OnDevice() {
		l.noteAlloc(out)
	}
	return []any{out}, nil
}

func detach(_ *Library, args []any) ([]any, error) {
	a, err := tensorArg(args, 0)
	if err != nil {
		return nil, err
	}
	return []any{a}, nil
}

func pinMemory(_ *Library, args []any) ([]any, error) {
	a, err := tensorArg(args, 0)
	if err != nil {
		return nil, err
	}
	out := a.Clone()
	out.SetOnDevice(false)
	out.SetHostOnly()
	return []any{out}, nil
}

func copyInto(_ *Library, args []any) ([]any, error) {
	dst, err := tensorArg(args, 0)
	if err != nil {
		return nil, err
	}
	src, err := tensorArg(args, 1)
	if err != nil {
		return nil, err
	}
	dstData, err := floatData(dst)
	if err != nil {
		return nil, err
	}
	srcData, err := floatData(src)
	if err != nil {
		return nil, err
	}
	if len(dstData) != len(srcData) {
		return nil, errors.Errorf("copy_ size mismatch: %s <- %s", dst.Shape(), src.Shape())
	}
	copy(dstData, srcData)
	return []any{dst}, nil
}

// embeddingBag computes sum-mode bags: (weight [N,D], indices [I],
// offsets [B]) -> (output [B,D], offset2bag [I], bag_size [B],
// max_indices [B]). Offsets must be monotonically non-decreasing -- the
// allocator guarantees that for replayed traces.
func embeddingBag(l *Library, args []any) ([]any, error) {
	weight, err := tensorArg(args, 0)
	if err != nil {
		return nil, err
	}
	indices, err := tensorArg(args, 1)
	if err != nil {
		return nil, err
	}
	offsets, err := tensorArg(args, 2)
	if err != nil {
		return nil, err
	}
	weightData, err := floatData(weight)
	if err != nil {
		return nil, err
	}
	indexData, err := intData(indices)
	if err != nil {
		return nil, err
	}
	offsetData, err := intData(offsets)
	if err != nil {
		return nil, err
	}
	if weight.Rank() != 2 {
		return nil, errors.Errorf("embedding_bag weight must be rank-2, got %s", weight.Shape())
	}
	numRows, dim := weight.Shape().Dimensions[0], weight.Shape().Dimensions[1]
	numIndices := len(indexData)
	numBags := len(offsetData)

	out := newResultLike(l, shapes.Make(dtypes.Float32, numBags, dim), weight)
	outData := out.Flat().([]float32)
	offset2bag := newResultLike(l, shapes.Make(dtypes.Int64, numIndices), weight)
	bagSize := newResultLike(l, shapes.Make(dtypes.Int64, numBags), weight)
	maxIndices := newResultLike(l, shapes.Make(dtypes.Int64, numBags), weight)

	offset2bagData := offset2bag.Flat().([]int64)
	bagSizeData := bagSize.Flat().([]int64)
	for bag := 0; bag < numBags; bag++ {
		start := offsetData[bag]
		end := int64(numIndices)
		if bag+1 < numBags {
			end = offsetData[bag+1]
		}
		if start > end || start < 0 || end > int64(numIndices) {
			return nil, errors.Errorf("embedding_bag offsets not monotonic: bag %d spans [%d, %d) of %d indices",
				bag, start, end, numIndices)
		}
		bagSizeData[bag] = end - start
		for i := start; i < end; i++ {
			row := indexData[i]
			if row < 0 || row >= int64(numRows) {
				return nil, errors.Errorf("embedding_bag index %d out of range [0, %d)", row, numRows)
			}
			offset2bagData[i] = int64(bag)
			for d := 0; d < dim; d++ {
				outData[bag*dim+d] += weightData[row*int64(dim)+int64(d)]
			}
		}
	}
	return []any{out, offset2bag, bagSize, maxIndices}, nil
}
