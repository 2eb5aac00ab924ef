package testutil

import (
	"math"
	"math/rand"
	"sync"

	"github.com/hupe1980/vqgo/tensor"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float32 returns, as a float32, a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// Float64 returns, as a float64, a pseudo-random number in [0.0,1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// FillUniform fills dst with random values in range [0, 1).
// Locks only once per call (preferred over calling Float32 in a loop).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// FillGaussian fills dst with values from a standard normal distribution.
func (r *RNG) FillGaussian(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = float32(r.rand.NormFloat64())
	}
}

// Feature generates an [n, c, h, w] feature tensor with standard normal
// entries, the distribution encoder latents are trained towards.
func (r *RNG) Feature(n, c, h, w int) *tensor.Feature {
	x := tensor.NewFeature(n, c, h, w)
	r.FillGaussian(x.Data)
	return x
}

// Codes generates an [n, m, h, w] code tensor with symbols drawn uniformly
// from [0, k).
func (r *RNG) Codes(n, m, h, w, k int) *tensor.Codes {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := tensor.NewCodes(n, m, h, w)
	for i := range c.Data {
		c.Data[i] = int32(r.rand.Intn(k))
	}
	return c
}

// LevelCodes generates one code tensor per level for a multi-level codec,
// all sharing batch size n and group count m. Symbols of level lv are drawn
// uniformly from [0, k[lv]).
func (r *RNG) LevelCodes(n, m int, heights, widths, k []int) []*tensor.Codes {
	codes := make([]*tensor.Codes, len(k))
	for lv := range k {
		codes[lv] = r.Codes(n, m, heights[lv], widths[lv], k[lv])
	}
	return codes
}

// ZipfCodes generates an [n, m, h, w] code tensor with symbols following a
// Zipfian distribution over [0, k): P(sym) ∝ 1/(sym+1)^s. Skewed symbol
// streams are what an adaptive entropy model is supposed to win on, so these
// are the natural input for compression-ratio assertions.
func (r *RNG) ZipfCodes(n, m, h, w, k int, s float64) *tensor.Codes {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := tensor.NewCodes(n, m, h, w)
	for i := range c.Data {
		c.Data[i] = int32(r.zipfLocked(k, s))
	}
	return c
}

// Zipf returns a Zipfian-distributed value in [0, n).
// Uses Zipf's law: P(k) ∝ 1/k^s where s is the skew parameter.
// s=1.0 gives standard Zipf, s=1.5 gives heavy-tail (80/20 rule).
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zipfLocked(n, s)
}

// zipfLocked is the internal implementation (caller must hold lock).
func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}

	// Compute normalization constant (harmonic number with exponent s)
	var hns float64
	for i := 1; i <= n; i++ {
		hns += 1.0 / math.Pow(float64(i), s)
	}

	// Sample from uniform and use inverse transform
	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1 // 0-indexed
		}
	}

	return n - 1
}
