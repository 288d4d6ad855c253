package goop

import (
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/parambench/egreplay/types/shapes"
	"github.com/parambench/egreplay/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lib() *Library {
	return New("").(*Library)
}

func fromFloats(dims []int, values ...float32) *tensors.Tensor {
	return tensors.FromFlatData(shapes.Make(dtypes.Float32, dims...), values)
}

func run(t *testing.T, l *Library, opName string, args ...any) []any {
	fn, _, err := l.Compile(opName, "")
	require.NoError(t, err)
	outs, err := fn(args)
	require.NoError(t, err)
	return outs
}

func TestCompileMiss(t *testing.T) {
	_, _, err := lib().Compile("aten::frobnicate", "(Tensor(float)) -> (Tensor(float))")
	require.ErrorContains(t, err, "aten::frobnicate")
}

func TestAddWithAlpha(t *testing.T) {
	l := lib()
	a := fromFloats([]int{3}, 1, 2, 3)
	b := fromFloats([]int{3}, 10, 20, 30)

	outs := run(t, l, "aten::add", a, b, float64(2))
	require.Len(t, outs, 1)
	assert.Equal(t, []float32{21, 42, 63}, outs[0].(*tensors.Tensor).Flat().([]float32))

	// Scalar second operand, default alpha.
	outs = run(t, l, "aten::add", a, float64(5))
	assert.Equal(t, []float32{6, 7, 8}, outs[0].(*tensors.Tensor).Flat().([]float32))
}

func TestMulShapeMismatch(t *testing.T) {
	l := lib()
	fn, _, err := l.Compile("aten::mul", "")
	require.NoError(t, err)
	_, err = fn([]any{fromFloats([]int{3}, 1, 2, 3), fromFloats([]int{2}, 1, 2)})
	require.ErrorContains(t, err, "don't match")
}

func TestMatMulAndTranspose(t *testing.T) {
	l := lib()
	a := fromFloats([]int{2, 3}, 1, 2, 3, 4, 5, 6)
	b := fromFloats([]int{3, 2}, 7, 8, 9, 10, 11, 12)

	outs := run(t, l, "aten::mm", a, b)
	out := outs[0].(*tensors.Tensor)
	assert.Equal(t, []int{2, 2}, out.Shape().Dimensions)
	assert.Equal(t, []float32{58, 64, 139, 154}, out.Flat().([]float32))

	outs = run(t, l, "aten::t", a)
	out = outs[0].(*tensors.Tensor)
	assert.Equal(t, []int{3, 2}, out.Shape().Dimensions)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, out.Flat().([]float32))
}

func TestSumAndCat(t *testing.T) {
	l := lib()
	outs := run(t, l, "aten::sum", fromFloats([]int{4}, 1, 2, 3, 4))
	out := outs[0].(*tensors.Tensor)
	assert.True(t, out.Shape().IsScalar())
	assert.Equal(t, float32(10), out.Flat().([]float32)[0])

	list := []*tensors.Tensor{
		fromFloats([]int{2, 2}, 1, 2, 3, 4),
		fromFloats([]int{1, 2}, 5, 6),
	}
	outs = run(t, l, "aten::cat", list, float64(0))
	out = outs[0].(*tensors.Tensor)
	assert.Equal(t, []int{3, 2}, out.Shape().Dimensions)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, out.Flat().([]float32))

	// Concatenating along the second axis interleaves rows.
	outs = run(t, l, "aten::cat", []*tensors.Tensor{
		fromFloats([]int{2, 1}, 1, 2),
		fromFloats([]int{2, 2}, 3, 4, 5, 6),
	}, float64(1))
	out = outs[0].(*tensors.Tensor)
	assert.Equal(t, []int{2, 3}, out.Shape().Dimensions)
	assert.Equal(t, []float32{1, 3, 4, 2, 5, 6}, out.Flat().([]float32))
}

func TestCopyIntoAndPinMemory(t *testing.T) {
	l := lib()
	dst := fromFloats([]int{3}, 0, 0, 0)
	src := fromFloats([]int{3}, 7, 8, 9)
	outs := run(t, l, "aten::copy_", dst, src)
	assert.Same(t, dst, outs[0])
	assert.Equal(t, []float32{7, 8, 9}, dst.Flat().([]float32))

	outs = run(t, l, "aten::pin_memory", src)
	pinned := outs[0].(*tensors.Tensor)
	assert.True(t, pinned.HostOnly())
	assert.False(t, pinned.OnDevice())
}

func TestNilBufferArgument(t *testing.T) {
	l := lib()
	fn, _, err := l.Compile("aten::relu", "")
	require.NoError(t, err)
	_, err = fn([]any{(*tensors.Tensor)(nil)})
	require.ErrorContains(t, err, "unallocated replay slot")
}

func TestEmbeddingBag(t *testing.T) {
	l := lib()
	weight := fromFloats([]int{3, 2},
		1, 2,
		10, 20,
		100, 200)
	indices := tensors.FromFlatData(shapes.Make(dtypes.Int64, 4), []int64{0, 2, 1, 1})
	offsets := tensors.FromFlatData(shapes.Make(dtypes.Int64, 2), []int64{0, 2})

	outs := run(t, l, "aten::embedding_bag", weight, indices, offsets)
	require.Len(t, outs, 4)
	out := outs[0].(*tensors.Tensor)
	assert.Equal(t, []int{2, 2}, out.Shape().Dimensions)
	// Bag 0 sums rows 0 and 2, bag 1 sums row 1 twice.
	assert.Equal(t, []float32{101, 202, 20, 40}, out.Flat().([]float32))
	assert.Equal(t, []int64{0, 0, 1, 1}, outs[1].(*tensors.Tensor).Flat().([]int64))
	assert.Equal(t, []int64{2, 2}, outs[2].(*tensors.Tensor).Flat().([]int64))

	badOffsets := tensors.FromFlatData(shapes.Make(dtypes.Int64, 2), []int64{3, 1})
	fn, _, err := l.Compile("aten::embedding_bag", "")
	require.NoError(t, err)
	_, err = fn([]any{weight, indices, badOffsets})
	require.ErrorContains(t, err, "not monotonic")
}

func TestTransferAndMemoryCounters(t *testing.T) {
	l := lib()
	a := fromFloats([]int{4}, 1, 2, 3, 4)
	require.Zero(t, l.AllocatedMemory())

	l.Transfer(a, true)
	assert.True(t, a.OnDevice())
	assert.Equal(t, uint64(16), l.AllocatedMemory())
	assert.Equal(t, uint64(reservationBlock), l.ReservedMemory())

	// Re-transferring the same side does not double-count.
	l.Transfer(a, true)
	assert.Equal(t, uint64(16), l.AllocatedMemory())

	pinned := fromFloats([]int{2}, 1, 2)
	pinned.SetHostOnly()
	l.Transfer(pinned, true)
	assert.False(t, pinned.OnDevice())
	assert.Equal(t, uint64(16), l.AllocatedMemory())

	// Device-resident operands produce device-resident outputs.
	outs := run(t, l, "aten::relu", a)
	assert.True(t, outs[0].(*tensors.Tensor).OnDevice())
	assert.Equal(t, uint64(32), l.AllocatedMemory())
}

func TestEvents(t *testing.T) {
	l := lib()
	start := l.NewEvent()
	end := l.NewEvent()
	start.Record()
	time.Sleep(time.Millisecond)
	end.Record()
	assert.Greater(t, start.Elapsed(end), time.Duration(0))
}
