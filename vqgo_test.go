package vqgo_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vqgo"
	"github.com/hupe1980/vqgo/bitstream"
	"github.com/hupe1980/vqgo/blobstore"
	"github.com/hupe1980/vqgo/config"
	"github.com/hupe1980/vqgo/quantizer"
	"github.com/hupe1980/vqgo/tensor"
	"github.com/hupe1980/vqgo/testutil"
)

func singleLevelConfig(seed int64) quantizer.Config {
	return quantizer.Config{
		Channels: 4,
		Groups:   2,
		K:        []int{16},
		Strategy: quantizer.StrategySingleLevel,
		Seed:     seed,
	}
}

func identityLevels(levels int) []quantizer.LevelTransforms {
	ts := make([]quantizer.LevelTransforms, levels)
	for i := range ts {
		ts[i] = quantizer.LevelTransforms{
			Stage:       quantizer.Identity{},
			QuantHead:   quantizer.Identity{},
			DequantHead: quantizer.Identity{},
			RestoreHead: quantizer.Identity{},
		}
		if i < levels-1 {
			ts[i].LatentHead = quantizer.Identity{}
			ts[i].SideHead = quantizer.Identity{}
		}
	}
	return ts
}

func randomFeature(t *testing.T, n, c, h, w int, seed int64) *tensor.Feature {
	t.Helper()
	return testutil.NewRNG(seed).Feature(n, c, h, w)
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := singleLevelConfig(1)
	cfg.Channels = 5
	_, err := vqgo.New(cfg)
	require.ErrorContains(t, err, "not divisible")

	_, err = vqgo.New(singleLevelConfig(1), vqgo.WithDecay(1.5))
	require.ErrorContains(t, err, "decay")
}

func TestCompressDecompressExact(t *testing.T) {
	ctx := context.Background()
	cfg := singleLevelConfig(7)

	codec, err := vqgo.New(cfg, vqgo.WithSelfCheck(true))
	require.NoError(t, err)

	// A quantizer built from the same config holds the same seeded
	// codebooks, so a feature scattered from its entries quantizes with
	// zero error and the whole pipeline becomes bit-exact.
	q, err := quantizer.New(cfg)
	require.NoError(t, err)
	books := q.Codebooks()

	dim := cfg.Channels / cfg.Groups
	x := tensor.NewFeature(2, cfg.Channels, 4, 4)
	rng := testutil.NewRNG(3)
	for n := 0; n < x.N; n++ {
		for g := 0; g < cfg.Groups; g++ {
			for y := 0; y < x.H; y++ {
				for xx := 0; xx < x.W; xx++ {
					entry := books[0].Entry(g, rng.Intn(cfg.K[0]))
					x.ScatterGroup(entry, n, g, dim, y, xx)
				}
			}
		}
	}

	result, err := codec.Compress(ctx, x)
	require.NoError(t, err)
	require.Len(t, result.Binaries, 2)
	require.Len(t, result.Headers, 2)
	assert.Greater(t, result.TotalBytes(), int64(0))

	for _, h := range result.Headers {
		assert.Equal(t, codec.Fingerprint(), h.Fingerprint)
		assert.Equal(t, x.H, h.ImageSize.Height)
		assert.Equal(t, x.W, h.ImageSize.Width)
		assert.Equal(t, x.C, h.ImageSize.Channels)
	}

	restored, err := codec.Decompress(ctx, result.Binaries, result.Headers)
	require.NoError(t, err)
	require.True(t, restored.SameShape(x))
	assert.Equal(t, x.Data, restored.Data)
}

func TestCompressDecompressResidual(t *testing.T) {
	ctx := context.Background()
	cfg := quantizer.Config{
		Channels:   4,
		Groups:     2,
		K:          []int{8, 4},
		Strategy:   quantizer.StrategyResidual,
		Transforms: identityLevels(2),
		Seed:       11,
	}

	codec, err := vqgo.New(cfg, vqgo.WithSelfCheck(true))
	require.NoError(t, err)

	x := randomFeature(t, 2, 4, 4, 4, 5)
	result, err := codec.Compress(ctx, x)
	require.NoError(t, err)
	require.Len(t, result.Codes, 2)

	restored, err := codec.Decompress(ctx, result.Binaries, result.Headers)
	require.NoError(t, err)
	require.True(t, restored.SameShape(x))

	// The decompressed reconstruction is exactly the dequantized codes.
	again, err := codec.Decompress(ctx, result.Binaries, result.Headers)
	require.NoError(t, err)
	assert.Equal(t, restored.Data, again.Data)
}

func TestCompressValidates(t *testing.T) {
	ctx := context.Background()
	codec, err := vqgo.New(singleLevelConfig(1))
	require.NoError(t, err)

	_, err = codec.Compress(ctx, nil)
	require.ErrorContains(t, err, "nil feature")

	_, err = codec.Compress(ctx, tensor.NewFeature(1, 3, 4, 4))
	require.ErrorContains(t, err, "channels")
}

func TestDecompressValidates(t *testing.T) {
	ctx := context.Background()
	codec, err := vqgo.New(singleLevelConfig(1))
	require.NoError(t, err)

	result, err := codec.Compress(ctx, randomFeature(t, 1, 4, 4, 4, 2))
	require.NoError(t, err)

	_, err = codec.Decompress(ctx, nil, nil)
	require.ErrorContains(t, err, "no artifacts")

	_, err = codec.Decompress(ctx, result.Binaries, nil)
	require.ErrorContains(t, err, "binaries for")

	bad := result.Headers[0]
	bad.CodeSize.Heights = []int{0}
	_, err = codec.Decompress(ctx, result.Binaries, []bitstream.FileHeader{bad})
	require.Error(t, err)
}

func TestDecompressChecksFingerprint(t *testing.T) {
	ctx := context.Background()

	a, err := vqgo.New(singleLevelConfig(1))
	require.NoError(t, err)
	b, err := vqgo.New(singleLevelConfig(2))
	require.NoError(t, err)

	x := randomFeature(t, 1, 4, 4, 4, 4)
	result, err := a.Compress(ctx, x)
	require.NoError(t, err)

	_, err = b.Decompress(ctx, result.Binaries, result.Headers)
	require.ErrorIs(t, err, vqgo.ErrStateMismatch)

	// A zero fingerprint marks an unbound artifact and skips the check.
	unbound := append([]bitstream.FileHeader(nil), result.Headers...)
	unbound[0].Fingerprint = 0
	_, err = b.Decompress(ctx, result.Binaries, unbound)
	require.NoError(t, err)
}

func TestUpdateUsageAdvancesState(t *testing.T) {
	ctx := context.Background()
	codec, err := vqgo.New(singleLevelConfig(1))
	require.NoError(t, err)

	gen := codec.Generation()
	assert.Equal(t, 1.0, codec.CodeUsage())
	before := codec.Fingerprint()

	result, err := codec.Compress(ctx, randomFeature(t, 2, 4, 4, 4, 6))
	require.NoError(t, err)

	require.NoError(t, codec.UpdateUsage(ctx, result.Codes))
	assert.Equal(t, gen+1, codec.Generation())
	assert.NotEqual(t, before, codec.Fingerprint())

	err = codec.UpdateUsage(ctx, nil)
	require.Error(t, err)
}

func TestReassignAndSync(t *testing.T) {
	ctx := context.Background()

	// With all 16 positions per group landing on symbol 0, the blended
	// usage of the other entries is 0.99/16 per group against 1.15/16 for
	// entry 0. A threshold between the two marks only the unused entries
	// dead.
	codec, err := vqgo.New(singleLevelConfig(1), vqgo.WithEps(0.065))
	require.NoError(t, err)

	codes := tensor.NewCodes(1, 2, 4, 4) // every symbol is 0
	require.NoError(t, codec.UpdateUsage(ctx, []*tensor.Codes{codes}))

	before := codec.Fingerprint()
	proportion, err := codec.Reassign(ctx)
	require.NoError(t, err)
	assert.Greater(t, proportion, 0.0)
	assert.LessOrEqual(t, proportion, 1.0)
	assert.NotEqual(t, before, codec.Fingerprint())

	require.NoError(t, codec.SyncCodebooks(ctx))
}

func TestSnapshotRestoreCrossCodec(t *testing.T) {
	ctx := context.Background()

	a, err := vqgo.New(singleLevelConfig(1))
	require.NoError(t, err)

	// Move a's state away from the fresh prior first.
	warmup, err := a.Compress(ctx, randomFeature(t, 2, 4, 4, 4, 8))
	require.NoError(t, err)
	require.NoError(t, a.UpdateUsage(ctx, warmup.Codes))

	var buf bytes.Buffer
	require.NoError(t, a.Snapshot(&buf))

	b, err := vqgo.New(singleLevelConfig(99))
	require.NoError(t, err)
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	require.NoError(t, b.Restore(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	cdfsA, err := a.CDFs()
	require.NoError(t, err)
	cdfsB, err := b.CDFs()
	require.NoError(t, err)
	assert.Equal(t, cdfsA, cdfsB)

	// Artifacts compressed by a now decode on b, bit-exactly.
	x := randomFeature(t, 1, 4, 4, 4, 9)
	result, err := a.Compress(ctx, x)
	require.NoError(t, err)

	fromA, err := a.Decompress(ctx, result.Binaries, result.Headers)
	require.NoError(t, err)
	fromB, err := b.Decompress(ctx, result.Binaries, result.Headers)
	require.NoError(t, err)
	assert.Equal(t, fromA.Data, fromB.Data)
}

func TestSnapshotRestoreRejectsShapeMismatch(t *testing.T) {
	a, err := vqgo.New(singleLevelConfig(1))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, a.Snapshot(&buf))

	cfg := singleLevelConfig(1)
	cfg.K = []int{32}
	b, err := vqgo.New(cfg)
	require.NoError(t, err)

	before := b.Fingerprint()
	err = b.Restore(bytes.NewReader(buf.Bytes()))
	require.ErrorContains(t, err, "shape")
	assert.Equal(t, before, b.Fingerprint())
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codec.vqgs")

	a, err := vqgo.New(singleLevelConfig(1))
	require.NoError(t, err)
	require.NoError(t, a.SnapshotToFile(path))

	b, err := vqgo.New(singleLevelConfig(2))
	require.NoError(t, err)
	require.NoError(t, b.RestoreFromFile(path))
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestArchiveRetrieve(t *testing.T) {
	ctx := context.Background()
	codec, err := vqgo.New(singleLevelConfig(1))
	require.NoError(t, err)

	x := randomFeature(t, 1, 4, 4, 4, 10)
	result, err := codec.Compress(ctx, x)
	require.NoError(t, err)

	store := blobstore.NewMemoryStore()
	require.NoError(t, codec.Archive(ctx, store, "img-0001.vqg", result, 0))

	restored, err := codec.Retrieve(ctx, store, "img-0001.vqg")
	require.NoError(t, err)

	direct, err := codec.Decompress(ctx, result.Binaries, result.Headers)
	require.NoError(t, err)
	assert.Equal(t, direct.Data, restored.Data)

	_, err = codec.Retrieve(ctx, store, "img-9999.vqg")
	require.ErrorIs(t, err, blobstore.ErrNotFound)

	err = codec.Archive(ctx, store, "img-0002.vqg", result, 5)
	require.ErrorContains(t, err, "outside batch")
}

func TestArchiveBatch(t *testing.T) {
	ctx := context.Background()
	codec, err := vqgo.New(singleLevelConfig(1))
	require.NoError(t, err)

	result, err := codec.Compress(ctx, randomFeature(t, 3, 4, 4, 4, 11))
	require.NoError(t, err)

	store := blobstore.NewMemoryStore()
	require.NoError(t, codec.ArchiveBatch(ctx, store, result, func(i int) string {
		return fmt.Sprintf("run-1/img-%04d.vqg", i)
	}))

	names, err := store.List(ctx, "run-1/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"run-1/img-0000.vqg",
		"run-1/img-0001.vqg",
		"run-1/img-0002.vqg",
	}, names)

	restored, err := codec.Retrieve(ctx, store, "run-1/img-0002.vqg")
	require.NoError(t, err)
	assert.Equal(t, 1, restored.N)
}

func TestNewFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
channels: 4
groups: 2
k: [8, 4]
seed: 3
coder:
  self_check: true
`))
	require.NoError(t, err)

	codec, err := vqgo.NewFromConfig(*cfg, identityLevels(2))
	require.NoError(t, err)
	assert.Equal(t, quantizer.StrategyResidual, codec.Strategy())
	assert.Equal(t, []int{8, 4}, codec.AlphabetSizes())

	ctx := context.Background()
	x := randomFeature(t, 1, 4, 4, 4, 12)
	result, err := codec.Compress(ctx, x)
	require.NoError(t, err)

	restored, err := codec.Decompress(ctx, result.Binaries, result.Headers)
	require.NoError(t, err)
	require.True(t, restored.SameShape(x))

	// Missing transforms for a multi-level strategy fail construction.
	_, err = vqgo.NewFromConfig(*cfg, nil)
	require.Error(t, err)
}

func TestEstimatedBitsFreshCodec(t *testing.T) {
	codec, err := vqgo.New(singleLevelConfig(1))
	require.NoError(t, err)

	bits := codec.EstimatedBits(0)
	require.Len(t, bits, 2)
	for _, b := range bits {
		assert.InDelta(t, 4.0, b, 1e-12) // log2(16) under the uniform prior
	}
}

func TestMetricsCollection(t *testing.T) {
	ctx := context.Background()
	metrics := &vqgo.BasicMetricsCollector{}

	codec, err := vqgo.New(singleLevelConfig(1), vqgo.WithMetricsCollector(metrics))
	require.NoError(t, err)

	x := randomFeature(t, 2, 4, 4, 4, 13)
	result, err := codec.Compress(ctx, x)
	require.NoError(t, err)

	_, err = codec.Decompress(ctx, result.Binaries, result.Headers)
	require.NoError(t, err)

	require.NoError(t, codec.UpdateUsage(ctx, result.Codes))
	_, err = codec.Reassign(ctx)
	require.NoError(t, err)
	require.NoError(t, codec.SyncCodebooks(ctx))

	_, err = codec.Compress(ctx, nil)
	require.Error(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, int64(2), stats.CompressCount)
	assert.Equal(t, int64(2), stats.CompressImages)
	assert.Equal(t, result.TotalBytes(), stats.CompressBytes)
	assert.Equal(t, int64(1), stats.CompressErrors)
	assert.Equal(t, int64(1), stats.DecompressCount)
	assert.Equal(t, int64(2), stats.DecompressImages)
	assert.Equal(t, int64(1), stats.UsageUpdateCount)
	assert.Equal(t, int64(1), stats.ReassignCount)
	assert.Equal(t, int64(1), stats.SyncCount)
}
