// Package quantizer implements multi-level residual vector quantization of
// feature tensors. A quantizer splits the channel axis into groups, maps
// each group vector to its nearest codebook entry, and emits one code
// tensor per level. The inter-level feature maps are injected as Transform
// collaborators, so the package stays free of any network runtime.
package quantizer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/hupe1980/vqgo/codebook"
	"github.com/hupe1980/vqgo/collective"
	"github.com/hupe1980/vqgo/tensor"
)

// Strategy selects how the levels of a quantizer cooperate.
type Strategy uint8

const (
	// StrategySingleLevel quantizes the input directly with one codebook.
	StrategySingleLevel Strategy = iota
	// StrategyResidual runs coarse-to-fine stages where each level codes
	// the residual its predecessor could not express.
	StrategyResidual
	// StrategyResidualBackward computes all stage latents first, then codes
	// residuals coarsest level first against reprojected reconstructions.
	StrategyResidualBackward
)

func (s Strategy) String() string {
	switch s {
	case StrategySingleLevel:
		return "single-level"
	case StrategyResidual:
		return "residual"
	case StrategyResidualBackward:
		return "residual-backward"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// LevelTransforms carries the injected feature maps of one level.
//
// Under StrategyResidual, Stage and QuantHead feed the assigner on encode,
// DequantHead and RestoreHead rebuild the level on decode, and LatentHead
// and SideHead connect a level to its finer neighbor. The last level has no
// finer neighbor and takes neither.
//
// Under StrategyResidualBackward only Stage, RestoreHead and Backward run;
// Backward bridges a level's geometry to the next finer one and is absent
// on level 0, whose reconstruction is final.
type LevelTransforms struct {
	Stage       Transform
	QuantHead   Transform
	LatentHead  Transform
	DequantHead Transform
	SideHead    Transform
	RestoreHead Transform
	Backward    Transform
}

// Config assembles a Quantizer. Every transform a strategy requires must be
// set explicitly; construction fails naming the first missing one.
type Config struct {
	// Channels is the feature channel width entering every level.
	Channels int

	// Groups splits the channels into independently coded sub-vectors.
	Groups int

	// K holds the per-level codebook entry count. Its length is the number
	// of levels.
	K []int

	Strategy Strategy

	// Transforms holds one entry per level for the multi-level strategies.
	// StrategySingleLevel takes none.
	Transforms []LevelTransforms

	// Seed drives codebook initialization and reassignment draws.
	Seed int64
}

func (cfg *Config) validate() error {
	if cfg.Channels <= 0 {
		return fmt.Errorf("quantizer: channels must be positive, got %d", cfg.Channels)
	}
	if cfg.Groups <= 0 {
		return fmt.Errorf("quantizer: groups must be positive, got %d", cfg.Groups)
	}
	if cfg.Channels%cfg.Groups != 0 {
		return fmt.Errorf("quantizer: %d channels not divisible by %d groups", cfg.Channels, cfg.Groups)
	}
	if len(cfg.K) == 0 {
		return errors.New("quantizer: no levels configured")
	}
	for lv, k := range cfg.K {
		if k <= 0 {
			return fmt.Errorf("quantizer: level %d alphabet size must be positive, got %d", lv, k)
		}
	}

	switch cfg.Strategy {
	case StrategySingleLevel:
		if len(cfg.K) != 1 {
			return fmt.Errorf("quantizer: single-level strategy with %d levels", len(cfg.K))
		}
		if len(cfg.Transforms) != 0 {
			return errors.New("quantizer: single-level strategy takes no transforms")
		}
	case StrategyResidual:
		if len(cfg.Transforms) != len(cfg.K) {
			return fmt.Errorf("quantizer: %d transform sets for %d levels", len(cfg.Transforms), len(cfg.K))
		}
		last := len(cfg.K) - 1
		for lv, tf := range cfg.Transforms {
			if tf.Stage == nil {
				return fmt.Errorf("quantizer: level %d missing stage transform", lv)
			}
			if tf.QuantHead == nil {
				return fmt.Errorf("quantizer: level %d missing quantization head", lv)
			}
			if tf.DequantHead == nil {
				return fmt.Errorf("quantizer: level %d missing dequantization head", lv)
			}
			if tf.RestoreHead == nil {
				return fmt.Errorf("quantizer: level %d missing restore head", lv)
			}
			if lv < last {
				if tf.LatentHead == nil {
					return fmt.Errorf("quantizer: level %d missing latent head", lv)
				}
				if tf.SideHead == nil {
					return fmt.Errorf("quantizer: level %d missing side head", lv)
				}
			} else if tf.LatentHead != nil || tf.SideHead != nil {
				return errors.New("quantizer: the last level has no finer neighbor and takes no latent or side head")
			}
			if tf.Backward != nil {
				return fmt.Errorf("quantizer: level %d backward transform is only used by the residual-backward strategy", lv)
			}
		}
	case StrategyResidualBackward:
		if len(cfg.Transforms) != len(cfg.K) {
			return fmt.Errorf("quantizer: %d transform sets for %d levels", len(cfg.Transforms), len(cfg.K))
		}
		for lv, tf := range cfg.Transforms {
			if tf.Stage == nil {
				return fmt.Errorf("quantizer: level %d missing stage transform", lv)
			}
			if tf.RestoreHead == nil {
				return fmt.Errorf("quantizer: level %d missing restore head", lv)
			}
			if lv > 0 && tf.Backward == nil {
				return fmt.Errorf("quantizer: level %d missing backward transform", lv)
			}
			if lv == 0 && tf.Backward != nil {
				return errors.New("quantizer: level 0 reconstruction is final and takes no backward transform")
			}
			if tf.QuantHead != nil || tf.LatentHead != nil || tf.DequantHead != nil || tf.SideHead != nil {
				return fmt.Errorf("quantizer: level %d sets heads the residual-backward strategy never runs", lv)
			}
		}
	default:
		return fmt.Errorf("quantizer: unknown strategy %d", uint8(cfg.Strategy))
	}
	return nil
}

// Quantizer maps feature tensors to per-level code tensors and back. Encode
// and Decode are safe for concurrent use; Reassign and Sync mutate the
// codebooks and must not overlap with them.
type Quantizer struct {
	cfg   Config
	books []*codebook.Book
	rng   *rand.Rand
}

// New builds a quantizer from cfg, initializing one codebook per level from
// the configured seed.
func New(cfg Config) (*Quantizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.K = append([]int(nil), cfg.K...)
	cfg.Transforms = append([]LevelTransforms(nil), cfg.Transforms...)

	rng := rand.New(rand.NewSource(cfg.Seed))
	dim := cfg.Channels / cfg.Groups
	books := make([]*codebook.Book, len(cfg.K))
	for lv, k := range cfg.K {
		book, err := codebook.NewRandom(cfg.Groups, k, dim, rng)
		if err != nil {
			return nil, fmt.Errorf("quantizer: level %d: %w", lv, err)
		}
		books[lv] = book
	}

	return &Quantizer{cfg: cfg, books: books, rng: rng}, nil
}

// Levels returns the number of quantization levels.
func (q *Quantizer) Levels() int {
	return len(q.cfg.K)
}

// Groups returns the number of channel groups per level.
func (q *Quantizer) Groups() int {
	return q.cfg.Groups
}

// Channels returns the feature channel width the quantizer expects.
func (q *Quantizer) Channels() int {
	return q.cfg.Channels
}

// Strategy returns the configured level cooperation strategy.
func (q *Quantizer) Strategy() Strategy {
	return q.cfg.Strategy
}

// AlphabetSizes returns a copy of the per-level codebook entry counts.
func (q *Quantizer) AlphabetSizes() []int {
	return append([]int(nil), q.cfg.K...)
}

// Codebooks returns the live per-level codebooks. Mutating an entry changes
// what Encode and Decode see.
func (q *Quantizer) Codebooks() []*codebook.Book {
	return q.books
}

// Encode maps x to one code tensor per level. Code tensors are indexed by
// level in stage order, codes[0] belonging to the first stage.
func (q *Quantizer) Encode(x *tensor.Feature) ([]*tensor.Codes, error) {
	if x == nil {
		return nil, errors.New("quantizer: nil feature")
	}
	if x.C != q.cfg.Channels {
		return nil, fmt.Errorf("quantizer: feature has %d channels, want %d", x.C, q.cfg.Channels)
	}

	switch q.cfg.Strategy {
	case StrategySingleLevel:
		code, err := q.assign(0, x)
		if err != nil {
			return nil, err
		}
		return []*tensor.Codes{code}, nil
	case StrategyResidual:
		return q.encodeResidual(x)
	default:
		return q.encodeBackward(x)
	}
}

// Decode rebuilds a feature tensor from per-level code tensors, the inverse
// of Encode up to quantization error.
func (q *Quantizer) Decode(codes []*tensor.Codes) (*tensor.Feature, error) {
	if err := q.checkCodes(codes); err != nil {
		return nil, err
	}

	switch q.cfg.Strategy {
	case StrategySingleLevel:
		return q.dequantize(0, codes[0]), nil
	case StrategyResidual:
		return q.decodeResidual(codes)
	default:
		return q.decodeBackward(codes)
	}
}

func (q *Quantizer) checkCodes(codes []*tensor.Codes) error {
	if len(codes) != len(q.cfg.K) {
		return fmt.Errorf("quantizer: %d code tensors for %d levels", len(codes), len(q.cfg.K))
	}

	batch := 0
	for lv, code := range codes {
		if code == nil {
			return fmt.Errorf("quantizer: level %d code tensor is nil", lv)
		}
		if lv == 0 {
			batch = code.N
		} else if code.N != batch {
			return fmt.Errorf("quantizer: level %d batch size %d, want %d", lv, code.N, batch)
		}
		if code.M != q.cfg.Groups {
			return fmt.Errorf("quantizer: level %d has %d groups, want %d", lv, code.M, q.cfg.Groups)
		}
		k := int32(q.cfg.K[lv])
		for i, v := range code.Data {
			if v < 0 || v >= k {
				return fmt.Errorf("quantizer: level %d code %d = %d outside [0, %d)", lv, i, v, k)
			}
		}
	}
	return nil
}

// assign quantizes every group vector of f against level lv's codebook.
func (q *Quantizer) assign(lv int, f *tensor.Feature) (*tensor.Codes, error) {
	if f.C != q.cfg.Channels {
		return nil, fmt.Errorf("quantizer: level %d feature has %d channels, want %d", lv, f.C, q.cfg.Channels)
	}

	book := q.books[lv]
	dim := book.Dim()
	codes := tensor.NewCodes(f.N, q.cfg.Groups, f.H, f.W)
	vec := make([]float32, dim)
	for n := 0; n < f.N; n++ {
		for m := 0; m < q.cfg.Groups; m++ {
			for y := 0; y < f.H; y++ {
				for x := 0; x < f.W; x++ {
					f.GatherGroup(vec, n, m, dim, y, x)
					codes.Set(n, m, y, x, book.Assign(m, vec))
				}
			}
		}
	}
	return codes, nil
}

// dequantize rebuilds the feature tensor level lv's codes describe.
func (q *Quantizer) dequantize(lv int, code *tensor.Codes) *tensor.Feature {
	book := q.books[lv]
	dim := book.Dim()
	out := tensor.NewFeature(code.N, q.cfg.Channels, code.H, code.W)
	for n := 0; n < code.N; n++ {
		for m := 0; m < code.M; m++ {
			for y := 0; y < code.H; y++ {
				for x := 0; x < code.W; x++ {
					out.ScatterGroup(book.Entry(m, int(code.At(n, m, y, x))), n, m, dim, y, x)
				}
			}
		}
	}
	return out
}

// Reassign refreshes rarely used codebook entries of every level from its
// usage histogram and returns the fraction of entries that moved. freq is
// indexed [level][group][entry].
func (q *Quantizer) Reassign(freq [][][]float64, eps, distEps float64) (float64, error) {
	if len(freq) != len(q.books) {
		return 0, fmt.Errorf("quantizer: %d histogram levels for %d levels", len(freq), len(q.books))
	}

	changed, total := 0, 0
	for lv, book := range q.books {
		flags, err := book.Reassign(freq[lv], eps, distEps, q.rng)
		if err != nil {
			return 0, fmt.Errorf("quantizer: level %d: %w", lv, err)
		}
		for _, moved := range flags {
			if moved {
				changed++
			}
		}
		total += len(flags)
	}
	return float64(changed) / float64(total), nil
}

// Sync broadcasts every level's codebook from root so all workers hold
// bit-identical entries. A barrier gates the broadcast so no worker reads a
// book mid-update.
func (q *Quantizer) Sync(ctx context.Context, comm collective.Communicator, root int) error {
	if err := comm.Barrier(ctx); err != nil {
		return fmt.Errorf("quantizer: sync barrier: %w", err)
	}
	for lv, book := range q.books {
		if err := book.Sync(ctx, comm, root); err != nil {
			return fmt.Errorf("quantizer: level %d: %w", lv, err)
		}
	}
	return nil
}
