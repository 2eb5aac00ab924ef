// Package math32 provides float32 vector operations shared by the codebook
// and quantizer packages. This is an internal package - external users should
// go through the codebook API.
package math32

// Dot calculates the dot product of two vectors.
func Dot(a, b []float32) float32 {
	var ret float32
	for i := range a {
		ret += a[i] * b[i]
	}

	return ret
}

// SquaredL2 calculates the squared L2 distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	var distance float32
	for i := range a {
		distance += (a[i] - b[i]) * (a[i] - b[i])
	}

	return distance
}

// ScaleInPlace multiplies all elements of a by scalar.
func ScaleInPlace(a []float32, scalar float32) {
	for i := range a {
		a[i] *= scalar
	}
}

// AddInPlace adds b to a element-wise. Slices must have equal length.
func AddInPlace(a, b []float32) {
	for i := range a {
		a[i] += b[i]
	}
}

// SubInPlace subtracts b from a element-wise. Slices must have equal length.
func SubInPlace(a, b []float32) {
	for i := range a {
		a[i] -= b[i]
	}
}

// NearestL2 returns the index of the row of table (row-major, rows of length
// dim) with the smallest squared L2 distance to vec, scanning rows
// [0, len(table)/dim). Ties resolve to the lowest index.
func NearestL2(vec, table []float32, dim int) int {
	best := 0
	bestDist := SquaredL2(vec, table[:dim])
	for i := 1; i*dim < len(table); i++ {
		d := SquaredL2(vec, table[i*dim:(i+1)*dim])
		if d < bestDist {
			bestDist = d
			best = i
		}
	}

	return best
}
