package generics

import (
	"github.com/stretchr/testify/assert"
	"slices"
	"testing"
)

func TestSortedKeys(t *testing.T) {
	m := map[int]string{1: "1", 5: "5", 3: "3"}
	// Since the builtin map iterator in Go is deliberately non-deterministic, we
	// run it a bunch of times to show it is stably sorted.
	want := []int{1, 3, 5}
	for _ = range 100 {
		got := slices.Collect(SortedKeys(m))
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestSortedKeysAndValues(t *testing.T) {
	m := map[int]string{1: "1", 5: "5", 3: "3"}
	var gotKeys []int
	var gotValues []string
	for k, v := range SortedKeysAndValues(m) {
		gotKeys = append(gotKeys, k)
		gotValues = append(gotValues, v)
	}
	assert.Equal(t, []int{1, 3, 5}, gotKeys)
	assert.Equal(t, []string{"1", "3", "5"}, gotValues)
}

func TestMaxKey(t *testing.T) {
	_, ok := MaxKey(map[int]bool{})
	assert.False(t, ok)
	maxKey, ok := MaxKey(map[int]bool{0: true, 3: true, 1: false})
	assert.True(t, ok)
	assert.Equal(t, 3, maxKey)
}

func TestSum(t *testing.T) {
	assert.Equal(t, 0, Sum([]int{}))
	assert.InDelta(t, 1.5, Sum([]float32{0.5, 1, 0}), 1e-6)
}

func TestSet(t *testing.T) {
	s := MakeSet[int](10)
	assert.Len(t, s, 0)
	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))
}

func TestSliceMap(t *testing.T) {
	got := SliceMap([]int{1, 2, 3}, func(e int) float64 { return float64(e) / 2 })
	assert.Equal(t, []float64{0.5, 1, 1.5}, got)
}
