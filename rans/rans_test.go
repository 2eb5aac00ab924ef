package rans

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uniformCDF builds a quantized table over k symbols.
func uniformCDF(t testing.TB, k int) []uint32 {
	t.Helper()

	cdf, err := QuantizeCDF(repeat(1.0/float64(k), k), Precision)
	require.NoError(t, err)

	return cdf
}

func TestRoundTripInRange(t *testing.T) {
	cdf := uniformCDF(t, 4)
	cdfs := [][]uint32{cdf}
	sizes := []int32{int32(len(cdf))}
	offsets := []int32{0}

	symbols := []int32{0, 1, 2, 3, 3, 2, 1, 0, 2, 2, 2, 0}
	indexes := make([]int32, len(symbols))

	data, err := EncodeWithIndexes(symbols, indexes, cdfs, sizes, offsets)
	require.NoError(t, err)

	got, err := DecodeWithIndexes(data, indexes, cdfs, sizes, offsets)
	require.NoError(t, err)
	assert.Equal(t, symbols, got)
}

func TestRoundTripBypass(t *testing.T) {
	cdf := uniformCDF(t, 4)
	cdfs := [][]uint32{cdf}
	sizes := []int32{int32(len(cdf))}
	offsets := []int32{0}

	// 4 is the escape symbol itself, the rest need chunked raw values.
	symbols := []int32{4, -1, -2, 5, 100000, -100000, 0, 2147483647, -2147483648}
	indexes := make([]int32, len(symbols))

	data, err := EncodeWithIndexes(symbols, indexes, cdfs, sizes, offsets)
	require.NoError(t, err)

	got, err := DecodeWithIndexes(data, indexes, cdfs, sizes, offsets)
	require.NoError(t, err)
	assert.Equal(t, symbols, got)
}

func TestRoundTripMultiTable(t *testing.T) {
	skewed, err := QuantizeCDF([]float64{0.8, 0.1, 0.05, 0.03, 0.01, 0.01}, Precision)
	require.NoError(t, err)

	cdfs := [][]uint32{uniformCDF(t, 4), skewed}
	sizes := []int32{int32(len(cdfs[0])), int32(len(cdfs[1]))}
	offsets := []int32{2, -3}

	rng := rand.New(rand.NewSource(1))
	symbols := make([]int32, 4096)
	indexes := make([]int32, len(symbols))
	for i := range symbols {
		idx := int32(i % 2)
		indexes[i] = idx
		k := int32(sizes[idx] - 2)
		symbols[i] = rng.Int31n(k) + offsets[idx]
	}

	data, err := EncodeWithIndexes(symbols, indexes, cdfs, sizes, offsets)
	require.NoError(t, err)

	got, err := DecodeWithIndexes(data, indexes, cdfs, sizes, offsets)
	require.NoError(t, err)
	assert.Equal(t, symbols, got)
}

func TestKnownVector(t *testing.T) {
	// One symbol with frequency 65535 of 65536: the state never renormalizes,
	// so the stream is exactly the two flushed state words.
	cdf := []uint32{0, 65535, 65536}

	data, err := EncodeWithIndexes([]int32{0}, []int32{0}, [][]uint32{cdf}, []int32{3}, []int32{0})
	require.NoError(t, err)

	assert.Equal(t, []byte{0x00, 0x80, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00}, data)
}

func TestEncoderBuffersAcrossCalls(t *testing.T) {
	cdf := uniformCDF(t, 4)
	cdfs := [][]uint32{cdf}
	sizes := []int32{int32(len(cdf))}
	offsets := []int32{0}

	first := []int32{0, 1, 2}
	second := []int32{3, 3, 0}

	e := NewEncoder()
	require.NoError(t, e.EncodeWithIndexes(first, []int32{0, 0, 0}, cdfs, sizes, offsets))
	require.NoError(t, e.EncodeWithIndexes(second, []int32{0, 0, 0}, cdfs, sizes, offsets))
	data := e.Flush()

	got, err := DecodeWithIndexes(data, make([]int32, 6), cdfs, sizes, offsets)
	require.NoError(t, err)
	assert.Equal(t, append(first, second...), got)
}

func TestFlushResetsEncoder(t *testing.T) {
	cdf := uniformCDF(t, 4)
	cdfs := [][]uint32{cdf}
	sizes := []int32{int32(len(cdf))}
	offsets := []int32{0}

	e := NewEncoder()
	require.NoError(t, e.EncodeWithIndexes([]int32{1, 2}, []int32{0, 0}, cdfs, sizes, offsets))
	e.Flush()

	// An empty flush carries only the initial state.
	data := e.Flush()
	require.Len(t, data, 8)

	got, err := DecodeWithIndexes(data, nil, cdfs, sizes, offsets)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEncodeErrors(t *testing.T) {
	cdf := uniformCDF(t, 4)
	cdfs := [][]uint32{cdf}
	sizes := []int32{int32(len(cdf))}
	offsets := []int32{0}

	_, err := EncodeWithIndexes([]int32{0, 1}, []int32{0}, cdfs, sizes, offsets)
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = EncodeWithIndexes([]int32{0}, []int32{1}, cdfs, sizes, offsets)
	assert.ErrorIs(t, err, ErrInvalidCDF)

	_, err = EncodeWithIndexes([]int32{0}, []int32{0}, [][]uint32{{0, 30000, 60000}}, []int32{3}, offsets)
	assert.ErrorIs(t, err, ErrInvalidCDF)

	_, err = EncodeWithIndexes([]int32{0}, []int32{0}, cdfs, []int32{2}, offsets)
	assert.ErrorIs(t, err, ErrInvalidCDF)
}

func TestDecodeErrors(t *testing.T) {
	cdf := uniformCDF(t, 4)
	cdfs := [][]uint32{cdf}
	sizes := []int32{int32(len(cdf))}
	offsets := []int32{0}

	symbols := make([]int32, 64)
	indexes := make([]int32, len(symbols))
	for i := range symbols {
		symbols[i] = int32(i % 4)
	}

	data, err := EncodeWithIndexes(symbols, indexes, cdfs, sizes, offsets)
	require.NoError(t, err)

	_, err = DecodeWithIndexes(nil, indexes, cdfs, sizes, offsets)
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = DecodeWithIndexes(data[:6], indexes, cdfs, sizes, offsets)
	assert.ErrorIs(t, err, ErrCorrupted)

	// Dropping trailing words starves the decoder's renormalization.
	_, err = DecodeWithIndexes(data[:8], indexes, cdfs, sizes, offsets)
	assert.Error(t, err)
}

func BenchmarkEncodeWithIndexes(b *testing.B) {
	cdf := uniformCDF(b, 256)
	cdfs := [][]uint32{cdf}
	sizes := []int32{int32(len(cdf))}
	offsets := []int32{0}

	rng := rand.New(rand.NewSource(1))
	symbols := make([]int32, 16384)
	indexes := make([]int32, len(symbols))
	for i := range symbols {
		symbols[i] = rng.Int31n(256)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := EncodeWithIndexes(symbols, indexes, cdfs, sizes, offsets); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeWithIndexes(b *testing.B) {
	cdf := uniformCDF(b, 256)
	cdfs := [][]uint32{cdf}
	sizes := []int32{int32(len(cdf))}
	offsets := []int32{0}

	rng := rand.New(rand.NewSource(1))
	symbols := make([]int32, 16384)
	indexes := make([]int32, len(symbols))
	for i := range symbols {
		symbols[i] = rng.Int31n(256)
	}

	data, err := EncodeWithIndexes(symbols, indexes, cdfs, sizes, offsets)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeWithIndexes(data, indexes, cdfs, sizes, offsets); err != nil {
			b.Fatal(err)
		}
	}
}
