// Package tensor provides the dense tensor types exchanged at the codec
// boundary: float32 feature maps and int32 code maps.
//
// Layout is row-major with the innermost dimension fastest ([n][c][h][w] and
// [n][m][h][w]), matching the flattened symbol order the entropy coder writes
// to the bitstream. Shape mismatches on element-wise operations are programmer
// errors and panic, mirroring gonum's convention for malformed matrix ops.
package tensor

import "fmt"

// Feature is a dense [n, c, h, w] float32 tensor: n images, c channels.
type Feature struct {
	N, C, H, W int

	Data []float32
}

// NewFeature allocates a zero-filled feature tensor. It panics if any
// dimension is not positive.
func NewFeature(n, c, h, w int) *Feature {
	if n <= 0 || c <= 0 || h <= 0 || w <= 0 {
		panic(fmt.Sprintf("tensor: non-positive feature shape [%d, %d, %d, %d]", n, c, h, w))
	}

	return &Feature{
		N: n, C: c, H: h, W: w,
		Data: make([]float32, n*c*h*w),
	}
}

func (f *Feature) index(n, c, y, x int) int {
	return ((n*f.C+c)*f.H+y)*f.W + x
}

// At returns the element at image n, channel c, row y, column x.
func (f *Feature) At(n, c, y, x int) float32 {
	return f.Data[f.index(n, c, y, x)]
}

// Set stores v at image n, channel c, row y, column x.
func (f *Feature) Set(n, c, y, x int, v float32) {
	f.Data[f.index(n, c, y, x)] = v
}

// Clone returns a deep copy.
func (f *Feature) Clone() *Feature {
	out := NewFeature(f.N, f.C, f.H, f.W)
	copy(out.Data, f.Data)
	return out
}

// ZerosLike returns a zero-filled tensor with the same shape.
func (f *Feature) ZerosLike() *Feature {
	return NewFeature(f.N, f.C, f.H, f.W)
}

// SameShape reports whether other has identical dimensions.
func (f *Feature) SameShape(other *Feature) bool {
	return f.N == other.N && f.C == other.C && f.H == other.H && f.W == other.W
}

// Add accumulates other into f element-wise. Panics on shape mismatch.
func (f *Feature) Add(other *Feature) {
	if !f.SameShape(other) {
		panic("tensor: shape mismatch in Add")
	}
	for i, v := range other.Data {
		f.Data[i] += v
	}
}

// Sub subtracts other from f element-wise. Panics on shape mismatch.
func (f *Feature) Sub(other *Feature) {
	if !f.SameShape(other) {
		panic("tensor: shape mismatch in Sub")
	}
	for i, v := range other.Data {
		f.Data[i] -= v
	}
}

// GatherGroup copies the dim-length sub-vector of channel group g at image n,
// position (y, x) into dst. Channels are strided h*w apart, so the copy cannot
// be a subslice.
func (f *Feature) GatherGroup(dst []float32, n, g, dim, y, x int) {
	base := f.index(n, g*dim, y, x)
	stride := f.H * f.W
	for j := range dst[:dim] {
		dst[j] = f.Data[base+j*stride]
	}
}

// ScatterGroup writes the dim-length sub-vector src into channel group g at
// image n, position (y, x).
func (f *Feature) ScatterGroup(src []float32, n, g, dim, y, x int) {
	base := f.index(n, g*dim, y, x)
	stride := f.H * f.W
	for j, v := range src[:dim] {
		f.Data[base+j*stride] = v
	}
}

// Codes is a dense [n, m, h, w] int32 tensor holding one codebook index per
// group and spatial location.
type Codes struct {
	N, M, H, W int

	Data []int32
}

// NewCodes allocates a zero-filled code tensor. It panics if any dimension is
// not positive.
func NewCodes(n, m, h, w int) *Codes {
	if n <= 0 || m <= 0 || h <= 0 || w <= 0 {
		panic(fmt.Sprintf("tensor: non-positive code shape [%d, %d, %d, %d]", n, m, h, w))
	}

	return &Codes{
		N: n, M: m, H: h, W: w,
		Data: make([]int32, n*m*h*w),
	}
}

func (c *Codes) index(n, m, y, x int) int {
	return ((n*c.M+m)*c.H+y)*c.W + x
}

// At returns the code at image n, group m, row y, column x.
func (c *Codes) At(n, m, y, x int) int32 {
	return c.Data[c.index(n, m, y, x)]
}

// Set stores code at image n, group m, row y, column x.
func (c *Codes) Set(n, m, y, x int, code int32) {
	c.Data[c.index(n, m, y, x)] = code
}

// Image returns the symbol slice of image n in (group, row, column) order.
// This is the exact sequence the entropy coder serializes, aliasing the
// underlying storage.
func (c *Codes) Image(n int) []int32 {
	size := c.M * c.H * c.W
	return c.Data[n*size : (n+1)*size]
}

// Clone returns a deep copy.
func (c *Codes) Clone() *Codes {
	out := NewCodes(c.N, c.M, c.H, c.W)
	copy(out.Data, c.Data)
	return out
}

// Equal reports whether both tensors have identical shape and contents.
func (c *Codes) Equal(other *Codes) bool {
	if c.N != other.N || c.M != other.M || c.H != other.H || c.W != other.W {
		return false
	}
	for i, v := range c.Data {
		if v != other.Data[i] {
			return false
		}
	}
	return true
}
