package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeatureAtSet(t *testing.T) {
	f := NewFeature(2, 4, 3, 3)

	f.Set(1, 3, 2, 1, 42.5)
	assert.Equal(t, float32(42.5), f.At(1, 3, 2, 1))
	assert.Equal(t, float32(0), f.At(0, 0, 0, 0))

	// Row-major with w fastest.
	f.Set(0, 0, 0, 1, 7)
	assert.Equal(t, float32(7), f.Data[1])
}

func TestFeatureAddSub(t *testing.T) {
	a := NewFeature(1, 2, 2, 2)
	b := NewFeature(1, 2, 2, 2)
	for i := range a.Data {
		a.Data[i] = float32(i)
		b.Data[i] = 2
	}

	a.Add(b)
	assert.Equal(t, float32(2), a.Data[0])
	assert.Equal(t, float32(9), a.Data[7])

	a.Sub(b)
	for i := range a.Data {
		assert.Equal(t, float32(i), a.Data[i])
	}
}

func TestFeatureShapeMismatchPanics(t *testing.T) {
	a := NewFeature(1, 2, 2, 2)
	b := NewFeature(1, 2, 2, 3)

	assert.Panics(t, func() { a.Add(b) })
	assert.Panics(t, func() { a.Sub(b) })
	assert.Panics(t, func() { NewFeature(1, 0, 2, 2) })
}

func TestFeatureGatherScatterGroup(t *testing.T) {
	// 4 channels in 2 groups of dim 2.
	f := NewFeature(1, 4, 2, 2)
	for i := range f.Data {
		f.Data[i] = float32(i)
	}

	got := make([]float32, 2)
	f.GatherGroup(got, 0, 1, 2, 1, 0)
	// Group 1 covers channels 2 and 3; (y=1, x=0) is offset 2 within a 2x2 plane.
	assert.Equal(t, []float32{f.At(0, 2, 1, 0), f.At(0, 3, 1, 0)}, got)

	f.ScatterGroup([]float32{-1, -2}, 0, 0, 2, 0, 1)
	assert.Equal(t, float32(-1), f.At(0, 0, 0, 1))
	assert.Equal(t, float32(-2), f.At(0, 1, 0, 1))
}

func TestCodesImageOrder(t *testing.T) {
	c := NewCodes(2, 2, 2, 2)
	next := int32(0)
	for n := 0; n < 2; n++ {
		for m := 0; m < 2; m++ {
			for y := 0; y < 2; y++ {
				for x := 0; x < 2; x++ {
					c.Set(n, m, y, x, next)
					next++
				}
			}
		}
	}

	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7}, c.Image(0))
	assert.Equal(t, []int32{8, 9, 10, 11, 12, 13, 14, 15}, c.Image(1))

	// Image aliases the backing array.
	c.Image(1)[0] = 99
	assert.Equal(t, int32(99), c.At(1, 0, 0, 0))
}

func TestCodesEqual(t *testing.T) {
	a := NewCodes(1, 2, 2, 2)
	b := a.Clone()
	assert.True(t, a.Equal(b))

	b.Set(0, 1, 1, 1, 5)
	assert.False(t, a.Equal(b))

	d := NewCodes(1, 2, 2, 3)
	assert.False(t, a.Equal(d))
}
