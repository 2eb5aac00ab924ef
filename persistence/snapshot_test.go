package persistence

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(t testing.TB, seed int64) *Snapshot {
	t.Helper()

	rng := rand.New(rand.NewSource(seed))

	shapes := []struct{ m, k, d int }{
		{2, 8, 4},
		{4, 16, 2},
	}

	s := &Snapshot{}
	for _, shape := range shapes {
		level := LevelState{
			Groups:  shape.m,
			Entries: shape.k,
			Dim:     shape.d,
			Vectors: make([]float32, shape.m*shape.k*shape.d),
			Freq:    make([][]float64, shape.m),
		}
		for i := range level.Vectors {
			level.Vectors[i] = float32(rng.NormFloat64())
		}
		for m := range level.Freq {
			level.Freq[m] = make([]float64, shape.k)
			for k := range level.Freq[m] {
				level.Freq[m][k] = rng.Float64()
			}
		}
		s.Levels = append(s.Levels, level)
	}
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := testSnapshot(t, 42)

	for _, compression := range []CompressionType{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(compression.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteSnapshot(&buf, s, compression))

			got, err := ReadSnapshot(&buf)
			require.NoError(t, err)
			assert.Equal(t, s, got)
		})
	}
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	s := testSnapshot(t, 7)
	filename := filepath.Join(t.TempDir(), "codec.state")

	require.NoError(t, SaveToFile(filename, s, CompressionZSTD))

	got, err := LoadFromFile(filename)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.state"))
	require.Error(t, err)
}

func TestWriteSnapshotValidates(t *testing.T) {
	t.Run("no levels", func(t *testing.T) {
		err := WriteSnapshot(&bytes.Buffer{}, &Snapshot{}, CompressionZSTD)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("vector length mismatch", func(t *testing.T) {
		s := testSnapshot(t, 1)
		s.Levels[0].Vectors = s.Levels[0].Vectors[:3]

		err := WriteSnapshot(&bytes.Buffer{}, s, CompressionZSTD)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("freq shape mismatch", func(t *testing.T) {
		s := testSnapshot(t, 1)
		s.Levels[1].Freq[0] = s.Levels[1].Freq[0][:1]

		err := WriteSnapshot(&bytes.Buffer{}, s, CompressionZSTD)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("unknown compression", func(t *testing.T) {
		err := WriteSnapshot(&bytes.Buffer{}, testSnapshot(t, 1), CompressionType(7))
		require.Error(t, err)
	})
}

func encodeSnapshot(t *testing.T, compression CompressionType) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, testSnapshot(t, 3), compression))
	return buf.Bytes()
}

func TestReadSnapshotRejectsCorruption(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		data := encodeSnapshot(t, CompressionZSTD)
		data[0] ^= 0xFF

		_, err := ReadSnapshot(bytes.NewReader(data))
		require.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("bad version", func(t *testing.T) {
		data := encodeSnapshot(t, CompressionZSTD)
		data[4] = 0x99

		_, err := ReadSnapshot(bytes.NewReader(data))
		require.ErrorIs(t, err, ErrInvalidVersion)
	})

	t.Run("zero level count", func(t *testing.T) {
		data := encodeSnapshot(t, CompressionZSTD)
		copy(data[9:13], []byte{0, 0, 0, 0})

		_, err := ReadSnapshot(bytes.NewReader(data))
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("flipped payload byte", func(t *testing.T) {
		// Uncompressed sections keep parsing after a bit flip, so the
		// trailer check is what must catch it.
		data := encodeSnapshot(t, CompressionNone)
		data[len(data)-20] ^= 0x01

		_, err := ReadSnapshot(bytes.NewReader(data))
		require.Error(t, err)
		assert.True(t, IsChecksumMismatch(err))
	})

	t.Run("flipped trailer byte", func(t *testing.T) {
		data := encodeSnapshot(t, CompressionZSTD)
		data[len(data)-1] ^= 0x01

		_, err := ReadSnapshot(bytes.NewReader(data))
		require.Error(t, err)
		assert.True(t, IsChecksumMismatch(err))
	})

	t.Run("truncated", func(t *testing.T) {
		data := encodeSnapshot(t, CompressionZSTD)

		for _, cut := range []int{2, 7, 12, len(data) / 2, len(data) - 2} {
			_, err := ReadSnapshot(bytes.NewReader(data[:cut]))
			require.Error(t, err, "cut at %d", cut)
		}
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ReadSnapshot(bytes.NewReader(nil))
		require.Error(t, err)
	})
}
