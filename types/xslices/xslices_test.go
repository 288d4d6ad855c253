package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	assert.Equal(t, []int{2, 4, 6}, Map([]int{1, 2, 3}, func(e int) int { return 2 * e }))
	assert.Empty(t, Map(nil, func(e int) int { return e }))
}

func TestKeys(t *testing.T) {
	m := map[string]int{"b": 2, "a": 1, "c": 3}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, Keys(m))
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
}

func TestLast(t *testing.T) {
	assert.Equal(t, 3, Last([]int{1, 2, 3}))
	assert.Panics(t, func() { Last[int](nil) })
}
