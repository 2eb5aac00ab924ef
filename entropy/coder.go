package entropy

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vqgo/bitstream"
	"github.com/hupe1980/vqgo/rans"
	"github.com/hupe1980/vqgo/tensor"
)

// ErrRoundTrip is returned when a self-check decode does not reproduce the
// encoded symbols. It signals a model/layout mismatch, never bad user input.
var ErrRoundTrip = errors.New("entropy: round-trip mismatch")

// CoderOptions configures a Coder.
type CoderOptions struct {
	// SelfCheck re-decodes every binary immediately after encoding and
	// fails the compress call on any mismatch.
	SelfCheck bool

	// Parallelism caps concurrent per-image workers. Zero or negative
	// means GOMAXPROCS.
	Parallelism int
}

// Coder packs code tensors into per-level rANS binaries and back. The
// symbol order within a level is the group-major (m, h, w) flatten of one
// image's code plane; the group index array derived from that order is part
// of the wire contract and is rebuilt identically on both ends.
type Coder struct {
	model       *Model
	selfCheck   bool
	parallelism int
}

// NewCoder creates a coder over the given model.
func NewCoder(model *Model, optFns ...func(o *CoderOptions)) (*Coder, error) {
	opts := CoderOptions{}

	for _, fn := range optFns {
		fn(&opts)
	}

	if model == nil {
		return nil, errors.New("entropy: nil model")
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	return &Coder{
		model:       model,
		selfCheck:   opts.SelfCheck,
		parallelism: parallelism,
	}, nil
}

// levelTables holds the per-symbol group indexes and per-group table
// parameters of one level, shared by every image of a batch.
type levelTables struct {
	indexes  []int32
	cdfSizes []int32
	offsets  []int32
}

func buildTables(size bitstream.CodeSize) []levelTables {
	tables := make([]levelTables, size.Levels())
	for lv := range tables {
		plane := size.Heights[lv] * size.Widths[lv]

		indexes := make([]int32, size.Groups*plane)
		for m := 0; m < size.Groups; m++ {
			for i := 0; i < plane; i++ {
				indexes[m*plane+i] = int32(m)
			}
		}

		cdfSizes := make([]int32, size.Groups)
		for m := range cdfSizes {
			cdfSizes[m] = int32(size.K[lv] + 2)
		}

		tables[lv] = levelTables{
			indexes:  indexes,
			cdfSizes: cdfSizes,
			offsets:  make([]int32, size.Groups),
		}
	}
	return tables
}

// Compress encodes a batch of code tensors into per-image, per-level byte
// strings plus the shape records needed to decode them. Images are encoded
// in parallel against one generation-pinned set of CDF tables.
func (c *Coder) Compress(ctx context.Context, codes []*tensor.Codes) ([][][]byte, []bitstream.CodeSize, error) {
	if err := c.checkCodes(codes); err != nil {
		return nil, nil, err
	}

	t := c.model.tracker
	heights := make([]int, len(codes))
	widths := make([]int, len(codes))
	for lv, code := range codes {
		heights[lv] = code.H
		widths[lv] = code.W
	}
	size, err := bitstream.NewCodeSize(t.Groups(), heights, widths, t.AlphabetSizes())
	if err != nil {
		return nil, nil, err
	}

	cdfs, err := c.model.CDFs()
	if err != nil {
		return nil, nil, err
	}
	tables := buildTables(size)

	batch := codes[0].N
	binaries := make([][][]byte, batch)
	sizes := make([]bitstream.CodeSize, batch)
	for n := range sizes {
		sizes[n] = size
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for n := 0; n < batch; n++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			perImage := make([][]byte, len(codes))
			for lv, code := range codes {
				symbols := code.Image(n)
				bin, err := rans.EncodeWithIndexes(symbols, tables[lv].indexes, cdfs[lv], tables[lv].cdfSizes, tables[lv].offsets)
				if err != nil {
					return fmt.Errorf("entropy: encode image %d level %d: %w", n, lv, err)
				}

				if c.selfCheck {
					decoded, err := rans.DecodeWithIndexes(bin, tables[lv].indexes, cdfs[lv], tables[lv].cdfSizes, tables[lv].offsets)
					if err != nil {
						return fmt.Errorf("%w: image %d level %d: %v", ErrRoundTrip, n, lv, err)
					}
					if !slices.Equal(decoded, symbols) {
						return fmt.Errorf("%w: image %d level %d", ErrRoundTrip, n, lv)
					}
				}

				perImage[lv] = bin
			}

			binaries[n] = perImage
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return binaries, sizes, nil
}

// Decompress is the exact inverse of Compress. Malformed or corrupt input
// yields an explicit error, never silently wrong codes.
func (c *Coder) Decompress(ctx context.Context, binaries [][][]byte, sizes []bitstream.CodeSize) ([]*tensor.Codes, error) {
	if len(binaries) == 0 {
		return nil, errors.New("entropy: no binaries")
	}
	if len(binaries) != len(sizes) {
		return nil, fmt.Errorf("entropy: %d binaries for %d code sizes", len(binaries), len(sizes))
	}

	t := c.model.tracker
	size := sizes[0]
	if err := size.Validate(); err != nil {
		return nil, err
	}
	if size.Levels() != t.Levels() {
		return nil, fmt.Errorf("entropy: %d levels, codec has %d", size.Levels(), t.Levels())
	}
	if size.Groups != t.Groups() {
		return nil, fmt.Errorf("entropy: %d groups, codec has %d", size.Groups, t.Groups())
	}
	for lv, k := range size.K {
		if k != t.k[lv] {
			return nil, fmt.Errorf("entropy: level %d alphabet size %d, codec has %d", lv, k, t.k[lv])
		}
	}
	for n := range sizes {
		if !sizes[n].Equal(size) {
			return nil, fmt.Errorf("entropy: image %d code size (%v) differs from image 0 (%v)", n, sizes[n], size)
		}
		if len(binaries[n]) != size.Levels() {
			return nil, fmt.Errorf("entropy: image %d has %d binaries for %d levels", n, len(binaries[n]), size.Levels())
		}
	}

	cdfs, err := c.model.CDFs()
	if err != nil {
		return nil, err
	}
	tables := buildTables(size)

	batch := len(binaries)
	codes := make([]*tensor.Codes, size.Levels())
	for lv := range codes {
		codes[lv] = tensor.NewCodes(batch, size.Groups, size.Heights[lv], size.Widths[lv])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for n := 0; n < batch; n++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			for lv := range codes {
				decoded, err := rans.DecodeWithIndexes(binaries[n][lv], tables[lv].indexes, cdfs[lv], tables[lv].cdfSizes, tables[lv].offsets)
				if err != nil {
					return fmt.Errorf("entropy: decode image %d level %d: %w", n, lv, err)
				}

				k := int32(size.K[lv])
				for i, v := range decoded {
					if v < 0 || v >= k {
						return fmt.Errorf("%w: image %d level %d symbol %d = %d outside [0, %d)", rans.ErrCorrupted, n, lv, i, v, k)
					}
				}

				// Distinct images write disjoint bands of the shared
				// tensors.
				copy(codes[lv].Image(n), decoded)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return codes, nil
}

func (c *Coder) checkCodes(codes []*tensor.Codes) error {
	t := c.model.tracker
	if len(codes) == 0 {
		return errors.New("entropy: no code tensors")
	}
	if len(codes) != t.Levels() {
		return fmt.Errorf("entropy: %d code tensors for %d levels", len(codes), t.Levels())
	}

	batch := 0
	for lv, code := range codes {
		if code == nil {
			return fmt.Errorf("entropy: level %d code tensor is nil", lv)
		}
		if lv == 0 {
			batch = code.N
		} else if code.N != batch {
			return fmt.Errorf("entropy: level %d batch %d, want %d", lv, code.N, batch)
		}
		if code.M != t.Groups() {
			return fmt.Errorf("entropy: level %d has %d groups, want %d", lv, code.M, t.Groups())
		}

		k := int32(t.k[lv])
		for i, v := range code.Data {
			if v < 0 || v >= k {
				return fmt.Errorf("entropy: level %d symbol %d = %d outside [0, %d)", lv, i, v, k)
			}
		}
	}
	return nil
}
