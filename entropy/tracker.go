package entropy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"gonum.org/v1/gonum/floats"

	"github.com/hupe1980/vqgo/collective"
	"github.com/hupe1980/vqgo/tensor"
)

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	// Decay is the blend-in fraction of a fresh batch count per update:
	// new = Decay*count + (1-Decay)*old.
	Decay float64

	// Eps is the usage threshold below which an entry counts as dead.
	Eps float64

	// Communicator sums batch counts across workers before blending, so
	// every replica tracks the same histogram.
	Communicator collective.Communicator
}

// Tracker maintains the exponentially decayed usage histogram of every
// codebook entry, per level and group. The histogram is the statistical
// state behind the CDF tables, so it must stay bit-identical across worker
// replicas.
//
// Update and SetHistogram mutate state and must not overlap with readers or
// with an in-flight compress. Histogram mutation is a phase boundary between
// training steps, not a locked operation.
type Tracker struct {
	groups int
	k      []int

	decay float64
	eps   float64
	comm  collective.Communicator

	// freq is [level][group][entry].
	freq [][][]float64
	gen  uint64
}

// NewTracker creates a tracker for len(k) levels with an all-ones prior, so
// fresh codecs start from a uniform model.
func NewTracker(groups int, k []int, optFns ...func(o *TrackerOptions)) (*Tracker, error) {
	opts := TrackerOptions{
		Decay:        0.01,
		Eps:          1e-6,
		Communicator: collective.Local{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if groups <= 0 {
		return nil, fmt.Errorf("entropy: %d groups", groups)
	}
	if len(k) == 0 {
		return nil, errors.New("entropy: no levels")
	}
	for lv, size := range k {
		if size <= 0 {
			return nil, fmt.Errorf("entropy: level %d alphabet size %d", lv, size)
		}
	}
	if opts.Decay < 0 || opts.Decay > 1 || math.IsNaN(opts.Decay) {
		return nil, fmt.Errorf("entropy: decay %v outside [0, 1]", opts.Decay)
	}
	if opts.Eps <= 0 || math.IsNaN(opts.Eps) {
		return nil, fmt.Errorf("entropy: eps %v must be positive", opts.Eps)
	}
	if opts.Communicator == nil {
		return nil, errors.New("entropy: nil communicator")
	}

	t := &Tracker{
		groups: groups,
		k:      append([]int(nil), k...),
		decay:  opts.Decay,
		eps:    opts.Eps,
		comm:   opts.Communicator,
		freq:   make([][][]float64, len(k)),
		gen:    1,
	}
	for lv, size := range k {
		t.freq[lv] = make([][]float64, groups)
		for m := range t.freq[lv] {
			fg := make([]float64, size)
			for i := range fg {
				fg[i] = 1
			}
			t.freq[lv][m] = fg
		}
	}

	return t, nil
}

// Levels returns the number of quantization levels.
func (t *Tracker) Levels() int {
	return len(t.k)
}

// Groups returns the channel group count shared by all levels.
func (t *Tracker) Groups() int {
	return t.groups
}

// AlphabetSizes returns the per-level codebook entry counts.
func (t *Tracker) AlphabetSizes() []int {
	return append([]int(nil), t.k...)
}

// Eps returns the dead-entry usage threshold.
func (t *Tracker) Eps() float64 {
	return t.eps
}

// Generation counts histogram mutations. Derived state caches against it.
func (t *Tracker) Generation() uint64 {
	return t.gen
}

// CountCodes sums one-hot assignment counts over the batch and spatial axes
// of each level's code tensor, producing the input Update expects.
func (t *Tracker) CountCodes(codes []*tensor.Codes) ([][][]float64, error) {
	if len(codes) != len(t.k) {
		return nil, fmt.Errorf("entropy: %d code tensors for %d levels", len(codes), len(t.k))
	}

	counts := make([][][]float64, len(codes))
	for lv, code := range codes {
		if code == nil {
			return nil, fmt.Errorf("entropy: level %d code tensor is nil", lv)
		}
		if code.M != t.groups {
			return nil, fmt.Errorf("entropy: level %d has %d groups, want %d", lv, code.M, t.groups)
		}

		counts[lv] = make([][]float64, t.groups)
		for m := range counts[lv] {
			counts[lv][m] = make([]float64, t.k[lv])
		}

		k := int32(t.k[lv])
		for n := 0; n < code.N; n++ {
			for m := 0; m < code.M; m++ {
				for y := 0; y < code.H; y++ {
					for x := 0; x < code.W; x++ {
						c := code.At(n, m, y, x)
						if c < 0 || c >= k {
							return nil, fmt.Errorf("entropy: level %d code %d at (%d,%d,%d,%d) outside [0, %d)", lv, c, n, m, y, x, k)
						}
						counts[lv][m][c]++
					}
				}
			}
		}
	}

	return counts, nil
}

// Update all-reduces counts across workers and blends the sums into the
// EMA. counts is [level][group][entry]. Every worker must call Update with
// its local counts at the same training step.
func (t *Tracker) Update(ctx context.Context, counts [][][]float64) error {
	if err := t.checkShape(counts); err != nil {
		return err
	}

	for lv := range counts {
		k := t.k[lv]
		flat := make([]float64, t.groups*k)
		for m, cg := range counts[lv] {
			copy(flat[m*k:], cg)
		}

		if err := t.comm.AllReduceSum(ctx, flat); err != nil {
			return fmt.Errorf("entropy: all-reduce level %d: %w", lv, err)
		}

		for m := range t.freq[lv] {
			fg := t.freq[lv][m]
			cg := flat[m*k : (m+1)*k]
			for i := range fg {
				fg[i] = t.decay*cg[i] + (1-t.decay)*fg[i]
			}
		}
	}

	t.gen++
	return nil
}

func (t *Tracker) checkShape(freq [][][]float64) error {
	if len(freq) != len(t.k) {
		return fmt.Errorf("entropy: %d levels of values for %d levels", len(freq), len(t.k))
	}
	for lv := range freq {
		if len(freq[lv]) != t.groups {
			return fmt.Errorf("entropy: level %d has %d groups of values, want %d", lv, len(freq[lv]), t.groups)
		}
		for m, fg := range freq[lv] {
			if len(fg) != t.k[lv] {
				return fmt.Errorf("entropy: level %d group %d has %d values, want %d", lv, m, len(fg), t.k[lv])
			}
			for i, v := range fg {
				if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
					return fmt.Errorf("entropy: level %d group %d value[%d] = %v", lv, m, i, v)
				}
			}
		}
	}
	return nil
}

// NormalizedFreq returns per-group usage fractions summing to one.
func (t *Tracker) NormalizedFreq() [][][]float64 {
	out := make([][][]float64, len(t.freq))
	for lv := range t.freq {
		out[lv] = make([][]float64, t.groups)
		for m, fg := range t.freq[lv] {
			norm := append([]float64(nil), fg...)
			if total := floats.Sum(norm); total > 0 {
				floats.Scale(1/total, norm)
			} else {
				for i := range norm {
					norm[i] = 1 / float64(len(norm))
				}
			}
			out[lv][m] = norm
		}
	}
	return out
}

// ScaledFreq returns the normalized histogram as 16-bit fixed-point
// integers, the form exchanged with external tooling.
func (t *Tracker) ScaledFreq() [][][]uint32 {
	norm := t.NormalizedFreq()
	out := make([][][]uint32, len(norm))
	for lv := range norm {
		out[lv] = make([][]uint32, len(norm[lv]))
		for m, fg := range norm[lv] {
			scaled := make([]uint32, len(fg))
			for i, f := range fg {
				scaled[i] = uint32(math.Round(f * 65536))
			}
			out[lv][m] = scaled
		}
	}
	return out
}

// Used returns the entries of one level whose usage clears the dead-entry
// threshold, as flat group*K+entry bits.
func (t *Tracker) Used(level int) *roaring.Bitmap {
	used := roaring.New()
	k := t.k[level]
	for m, fg := range t.freq[level] {
		for i, f := range fg {
			if f >= t.eps {
				used.Add(uint32(m*k + i))
			}
		}
	}
	return used
}

// CodeUsage reports the fraction of all codebook entries, across levels and
// groups, whose usage clears the dead-entry threshold.
func (t *Tracker) CodeUsage() float64 {
	var used, total uint64
	for lv := range t.freq {
		used += t.Used(lv).GetCardinality()
		total += uint64(t.groups * t.k[lv])
	}
	return float64(used) / float64(total)
}

// Histogram deep-copies the raw EMA state for snapshots.
func (t *Tracker) Histogram() [][][]float64 {
	out := make([][][]float64, len(t.freq))
	for lv := range t.freq {
		out[lv] = make([][]float64, len(t.freq[lv]))
		for m, fg := range t.freq[lv] {
			out[lv][m] = append([]float64(nil), fg...)
		}
	}
	return out
}

// SetHistogram replaces the EMA state, for restores. The generation advances
// so cached CDF tables rebuild.
func (t *Tracker) SetHistogram(freq [][][]float64) error {
	if err := t.checkShape(freq); err != nil {
		return err
	}

	for lv := range freq {
		for m, fg := range freq[lv] {
			copy(t.freq[lv][m], fg)
		}
	}

	t.gen++
	return nil
}
