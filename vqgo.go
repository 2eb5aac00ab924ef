package vqgo

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vqgo/bitstream"
	"github.com/hupe1980/vqgo/blobstore"
	"github.com/hupe1980/vqgo/collective"
	"github.com/hupe1980/vqgo/config"
	"github.com/hupe1980/vqgo/entropy"
	"github.com/hupe1980/vqgo/persistence"
	"github.com/hupe1980/vqgo/quantizer"
	"github.com/hupe1980/vqgo/tensor"
)

// syncRoot is the rank whose codebooks are authoritative during a sync.
const syncRoot = 0

// Codec is a multi-level vector-quantization codec: it maps latent feature
// tensors to per-level code tensors, entropy-codes them against adaptive
// frequency tables, and reverses both steps exactly.
//
// Compress and Decompress of distinct batches are safe to call concurrently.
// UpdateUsage, Reassign, SyncCodebooks and Restore mutate shared state and
// are phase boundaries: they must not overlap with each other or with
// in-flight compression.
type Codec struct {
	quantizer *quantizer.Quantizer
	tracker   *entropy.Tracker
	model     *entropy.Model
	coder     *entropy.Coder

	comm        collective.Communicator
	metrics     MetricsCollector
	logger      *Logger
	compression persistence.CompressionType

	reassignDistEps float64
	parallelism     int

	fpMu    sync.Mutex
	fp      uint64
	fpValid bool
}

// New creates a codec from an explicit quantizer configuration.
func New(cfg quantizer.Config, optFns ...Option) (*Codec, error) {
	opts := applyOptions(optFns)

	q, err := quantizer.New(cfg)
	if err != nil {
		return nil, err
	}

	tracker, err := entropy.NewTracker(cfg.Groups, cfg.K, func(o *entropy.TrackerOptions) {
		o.Decay = opts.decay
		o.Eps = opts.eps
		o.Communicator = opts.communicator
	})
	if err != nil {
		return nil, err
	}

	model, err := entropy.NewModel(tracker, func(o *entropy.ModelOptions) {
		o.DegenerateThreshold = opts.degenerateThreshold
		o.Logger = opts.logger.Logger
	})
	if err != nil {
		return nil, err
	}

	coder, err := entropy.NewCoder(model, func(o *entropy.CoderOptions) {
		o.SelfCheck = opts.selfCheck
		o.Parallelism = opts.parallelism
	})
	if err != nil {
		return nil, err
	}

	parallelism := opts.parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	return &Codec{
		quantizer:       q,
		tracker:         tracker,
		model:           model,
		coder:           coder,
		comm:            opts.communicator,
		metrics:         opts.metricsCollector,
		logger:          opts.logger,
		compression:     opts.compression,
		reassignDistEps: opts.reassignDistEps,
		parallelism:     parallelism,
	}, nil
}

// NewFromConfig creates a codec from a parsed configuration file. The
// per-level transforms are runtime collaborators the file cannot describe
// and are injected here; explicit options override file settings.
func NewFromConfig(fileCfg config.Codec, transforms []quantizer.LevelTransforms, optFns ...Option) (*Codec, error) {
	if err := fileCfg.Validate(); err != nil {
		return nil, err
	}

	strategy, err := config.ParseStrategy(fileCfg.Strategy)
	if err != nil {
		return nil, err
	}
	compression, err := config.ParseCompression(fileCfg.Snapshot.Compression)
	if err != nil {
		return nil, err
	}

	cfg := quantizer.Config{
		Channels:   fileCfg.Channels,
		Groups:     fileCfg.Groups,
		K:          append([]int(nil), fileCfg.K...),
		Strategy:   strategy,
		Transforms: transforms,
		Seed:       fileCfg.Seed,
	}

	fileOpts := []Option{
		WithDecay(fileCfg.Entropy.Decay),
		WithEps(fileCfg.Entropy.Eps),
		WithDegenerateThreshold(fileCfg.Entropy.DegenerateThreshold),
		WithSelfCheck(fileCfg.Coder.SelfCheck),
		WithParallelism(fileCfg.Coder.Parallelism),
		WithSnapshotCompression(compression),
	}
	return New(cfg, append(fileOpts, optFns...)...)
}

// Levels returns the number of quantization levels.
func (c *Codec) Levels() int { return c.quantizer.Levels() }

// Groups returns the number of channel groups.
func (c *Codec) Groups() int { return c.quantizer.Groups() }

// Channels returns the expected input channel count.
func (c *Codec) Channels() int { return c.quantizer.Channels() }

// Strategy returns the configured quantization strategy.
func (c *Codec) Strategy() quantizer.Strategy { return c.quantizer.Strategy() }

// AlphabetSizes returns the per-level codebook sizes.
func (c *Codec) AlphabetSizes() []int { return c.quantizer.AlphabetSizes() }

// Generation returns the usage histogram generation. It advances on every
// UpdateUsage and Restore.
func (c *Codec) Generation() uint64 { return c.tracker.Generation() }

// CodeUsage returns the fraction of codebook entries with usage above the
// dead-entry threshold, across all levels and groups.
func (c *Codec) CodeUsage() float64 { return c.tracker.CodeUsage() }

// NormalizedFreq returns per-level, per-group usage distributions, each
// summing to one.
func (c *Codec) NormalizedFreq() [][][]float64 { return c.tracker.NormalizedFreq() }

// CDFs returns the per-level, per-group quantized CDF tables the entropy
// coder currently uses. The tables are shared and must be treated as
// read-only.
func (c *Codec) CDFs() ([][][]uint32, error) { return c.model.CDFs() }

// EstimatedBits returns the expected bits per symbol for each group of the
// given level under the current usage distribution.
func (c *Codec) EstimatedBits(level int) []float64 { return c.model.EstimatedBits(level) }

// CompressResult is the output of one Compress call: the raw code tensors,
// one entropy-coded binary per image and level, and one artifact header per
// image.
type CompressResult struct {
	Codes    []*tensor.Codes
	Binaries [][][]byte
	Headers  []bitstream.FileHeader
}

// TotalBytes returns the summed size of all entropy-coded binaries.
func (r *CompressResult) TotalBytes() int64 {
	var total int64
	for _, perImage := range r.Binaries {
		for _, bin := range perImage {
			total += int64(len(bin))
		}
	}
	return total
}

// Compress quantizes a feature batch and entropy-codes the resulting code
// tensors. Headers carry the codec fingerprint, so artifacts stay bound to
// the state that can decode them.
func (c *Codec) Compress(ctx context.Context, x *tensor.Feature) (*CompressResult, error) {
	start := time.Now()

	if x == nil {
		err := errors.New("vqgo: nil feature tensor")
		c.metrics.RecordCompress(0, 0, time.Since(start), err)
		c.logger.LogCompress(ctx, 0, 0, err)
		return nil, err
	}

	codes, err := c.quantizer.Encode(x)
	if err != nil {
		c.metrics.RecordCompress(x.N, 0, time.Since(start), err)
		c.logger.LogCompress(ctx, x.N, 0, err)
		return nil, err
	}

	binaries, sizes, err := c.coder.Compress(ctx, codes)
	if err != nil {
		c.metrics.RecordCompress(x.N, 0, time.Since(start), err)
		c.logger.LogCompress(ctx, x.N, 0, err)
		return nil, err
	}

	fingerprint := c.Fingerprint()
	headers := make([]bitstream.FileHeader, len(sizes))
	for n := range headers {
		headers[n] = bitstream.FileHeader{
			Fingerprint: fingerprint,
			ImageSize:   bitstream.ImageSize{Height: x.H, Width: x.W, Channels: x.C},
			CodeSize:    sizes[n],
		}
	}

	result := &CompressResult{Codes: codes, Binaries: binaries, Headers: headers}
	total := result.TotalBytes()
	c.metrics.RecordCompress(x.N, total, time.Since(start), nil)
	c.logger.LogCompress(ctx, x.N, total, nil)
	return result, nil
}

// Decompress entropy-decodes the binaries and dequantizes the recovered
// code tensors back into a feature batch. Every header must carry the
// current codec fingerprint; a zero fingerprint skips the check.
func (c *Codec) Decompress(ctx context.Context, binaries [][][]byte, headers []bitstream.FileHeader) (*tensor.Feature, error) {
	start := time.Now()

	sizes, err := c.codeSizes(binaries, headers)
	if err != nil {
		c.metrics.RecordDecompress(len(headers), time.Since(start), err)
		c.logger.LogDecompress(ctx, len(headers), err)
		return nil, err
	}

	codes, err := c.coder.Decompress(ctx, binaries, sizes)
	if err != nil {
		c.metrics.RecordDecompress(len(headers), time.Since(start), err)
		c.logger.LogDecompress(ctx, len(headers), err)
		return nil, err
	}

	x, err := c.quantizer.Decode(codes)
	if err != nil {
		c.metrics.RecordDecompress(len(headers), time.Since(start), err)
		c.logger.LogDecompress(ctx, len(headers), err)
		return nil, err
	}

	c.metrics.RecordDecompress(len(headers), time.Since(start), nil)
	c.logger.LogDecompress(ctx, len(headers), nil)
	return x, nil
}

func (c *Codec) codeSizes(binaries [][][]byte, headers []bitstream.FileHeader) ([]bitstream.CodeSize, error) {
	if len(binaries) != len(headers) {
		return nil, fmt.Errorf("vqgo: %d binaries for %d headers", len(binaries), len(headers))
	}
	if len(headers) == 0 {
		return nil, errors.New("vqgo: no artifacts")
	}

	fingerprint := c.Fingerprint()
	sizes := make([]bitstream.CodeSize, len(headers))
	for n, h := range headers {
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("vqgo: image %d header: %w", n, err)
		}
		if h.Fingerprint != 0 && h.Fingerprint != fingerprint {
			return nil, fmt.Errorf("%w: image %d", ErrStateMismatch, n)
		}
		sizes[n] = h.CodeSize
	}
	return sizes, nil
}

// UpdateUsage folds a batch of code tensors into the usage histogram. With
// a multi-process communicator the counts are summed across all workers
// first, so every replica blends the same totals.
func (c *Codec) UpdateUsage(ctx context.Context, codes []*tensor.Codes) error {
	start := time.Now()

	counts, err := c.tracker.CountCodes(codes)
	if err == nil {
		err = c.tracker.Update(ctx, counts)
	}
	if err == nil {
		c.invalidateFingerprint()
	}

	c.metrics.RecordUsageUpdate(time.Since(start), err)
	c.logger.LogUpdateUsage(ctx, c.tracker.Generation(), err)
	return err
}

// Reassign overwrites dead codebook entries with copies of the most used
// ones and returns the proportion of entries that moved. Call SyncCodebooks
// afterwards in multi-process runs so replicas agree on the new entries.
func (c *Codec) Reassign(ctx context.Context) (float64, error) {
	start := time.Now()

	proportion, err := c.quantizer.Reassign(c.tracker.NormalizedFreq(), c.tracker.Eps(), c.reassignDistEps)
	if err == nil {
		c.invalidateFingerprint()
	}

	c.metrics.RecordReassign(proportion, time.Since(start), err)
	c.logger.LogReassign(ctx, proportion, err)
	return proportion, err
}

// SyncCodebooks barriers all workers and broadcasts rank 0's codebooks, so
// every replica ends bit-identical.
func (c *Codec) SyncCodebooks(ctx context.Context) error {
	start := time.Now()

	err := c.quantizer.Sync(ctx, c.comm, syncRoot)
	if err == nil {
		c.invalidateFingerprint()
	}

	c.metrics.RecordSync(time.Since(start), err)
	c.logger.LogSync(ctx, syncRoot, err)
	return err
}

// Fingerprint identifies the decode-relevant codec state: the codebook
// contents and the scaled frequency tables the CDFs derive from. Two codecs
// with equal fingerprints decode each other's artifacts exactly.
func (c *Codec) Fingerprint() uint64 {
	c.fpMu.Lock()
	defer c.fpMu.Unlock()

	if !c.fpValid {
		c.fp = c.computeFingerprint()
		c.fpValid = true
	}
	return c.fp
}

func (c *Codec) invalidateFingerprint() {
	c.fpMu.Lock()
	c.fpValid = false
	c.fpMu.Unlock()
}

func (c *Codec) computeFingerprint() uint64 {
	h := fnv.New64a()
	var buf [4]byte
	for _, book := range c.quantizer.Codebooks() {
		for _, v := range book.Data() {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			h.Write(buf[:])
		}
	}
	for _, level := range c.tracker.ScaledFreq() {
		for _, group := range level {
			for _, f := range group {
				binary.LittleEndian.PutUint32(buf[:], f)
				h.Write(buf[:])
			}
		}
	}
	return h.Sum64()
}

// Snapshot writes the full codec state (codebooks and usage histograms) so
// another process can restore bit-identical tables.
func (c *Codec) Snapshot(w io.Writer) error {
	err := persistence.WriteSnapshot(w, c.snapshotState(), c.compression)
	c.logger.LogSnapshot(context.Background(), err)
	return err
}

// SnapshotToFile writes the codec state to a file, atomically.
func (c *Codec) SnapshotToFile(filename string) error {
	err := persistence.SaveToFile(filename, c.snapshotState(), c.compression)
	c.logger.LogSnapshot(context.Background(), err)
	return err
}

func (c *Codec) snapshotState() *persistence.Snapshot {
	books := c.quantizer.Codebooks()
	hist := c.tracker.Histogram()

	levels := make([]persistence.LevelState, len(books))
	for lv, book := range books {
		levels[lv] = persistence.LevelState{
			Groups:  book.Groups(),
			Entries: book.Entries(),
			Dim:     book.Dim(),
			Vectors: append([]float32(nil), book.Data()...),
			Freq:    hist[lv],
		}
	}
	return &persistence.Snapshot{Levels: levels}
}

// Restore replaces the codec state from a snapshot. The snapshot must match
// this codec's shape exactly; nothing is mutated on a mismatch.
func (c *Codec) Restore(r io.Reader) error {
	s, err := persistence.ReadSnapshot(r)
	if err == nil {
		err = c.restoreState(s)
	}
	c.logger.LogRestore(context.Background(), err)
	return err
}

// RestoreFromFile replaces the codec state from a snapshot file.
func (c *Codec) RestoreFromFile(filename string) error {
	s, err := persistence.LoadFromFile(filename)
	if err == nil {
		err = c.restoreState(s)
	}
	c.logger.LogRestore(context.Background(), err)
	return err
}

func (c *Codec) restoreState(s *persistence.Snapshot) error {
	books := c.quantizer.Codebooks()
	if len(s.Levels) != len(books) {
		return fmt.Errorf("vqgo: snapshot has %d levels, codec has %d", len(s.Levels), len(books))
	}
	for lv, level := range s.Levels {
		book := books[lv]
		if level.Groups != book.Groups() || level.Entries != book.Entries() || level.Dim != book.Dim() {
			return fmt.Errorf("vqgo: snapshot level %d shape m=%d k=%d d=%d, codec has m=%d k=%d d=%d",
				lv, level.Groups, level.Entries, level.Dim, book.Groups(), book.Entries(), book.Dim())
		}
	}

	freq := make([][][]float64, len(s.Levels))
	for lv, level := range s.Levels {
		copy(books[lv].Data(), level.Vectors)
		freq[lv] = level.Freq
	}
	if err := c.tracker.SetHistogram(freq); err != nil {
		return err
	}

	c.invalidateFingerprint()
	return nil
}

// Archive serializes one image of a compress result and writes it to the
// store under name.
func (c *Codec) Archive(ctx context.Context, store blobstore.Store, name string, result *CompressResult, image int) error {
	if result == nil {
		err := errors.New("vqgo: nil compress result")
		c.logger.LogArchive(ctx, name, 0, err)
		return err
	}
	if image < 0 || image >= len(result.Headers) {
		err := fmt.Errorf("vqgo: image %d outside batch of %d", image, len(result.Headers))
		c.logger.LogArchive(ctx, name, 0, err)
		return err
	}

	var buf bytes.Buffer
	artifact := &bitstream.Artifact{
		Header:   result.Headers[image],
		Binaries: result.Binaries[image],
	}
	if err := bitstream.WriteArtifact(&buf, artifact); err != nil {
		c.logger.LogArchive(ctx, name, 0, err)
		return err
	}

	err := store.Put(ctx, name, buf.Bytes())
	c.logger.LogArchive(ctx, name, buf.Len(), err)
	return err
}

// ArchiveBatch archives every image of a compress result in parallel, under
// the names produced by nameFn.
func (c *Codec) ArchiveBatch(ctx context.Context, store blobstore.Store, result *CompressResult, nameFn func(image int) string) error {
	if result == nil {
		return errors.New("vqgo: nil compress result")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for n := range result.Headers {
		g.Go(func() error {
			return c.Archive(gctx, store, nameFn(n), result, n)
		})
	}
	return g.Wait()
}

// Retrieve reads an archived artifact from the store and decompresses it
// into a single-image feature batch.
func (c *Codec) Retrieve(ctx context.Context, store blobstore.Store, name string) (*tensor.Feature, error) {
	data, err := store.Get(ctx, name)
	if err != nil {
		c.logger.LogRetrieve(ctx, name, err)
		return nil, err
	}

	artifact, err := bitstream.ReadArtifact(bytes.NewReader(data))
	if err != nil {
		c.logger.LogRetrieve(ctx, name, err)
		return nil, err
	}

	x, err := c.Decompress(ctx, [][][]byte{artifact.Binaries}, []bitstream.FileHeader{artifact.Header})
	c.logger.LogRetrieve(ctx, name, err)
	return x, err
}
