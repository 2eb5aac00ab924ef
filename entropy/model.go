package entropy

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/hupe1980/vqgo/rans"
)

// ModelOptions configures a Model.
type ModelOptions struct {
	// DegenerateThreshold is the total histogram mass under which a group
	// falls back to a uniform distribution instead of normalizing.
	DegenerateThreshold float64

	// Logger receives throttled degenerate-distribution warnings. Nil
	// disables them.
	Logger *slog.Logger
}

// Model turns the tracker's histograms into the quantized CDF tables the
// entropy coder consumes. Tables are cached per tracker generation and
// rebuilt only once the histogram has moved on.
type Model struct {
	tracker   *Tracker
	threshold float64
	logger    *slog.Logger
	warn      rate.Sometimes

	mu   sync.Mutex
	gen  uint64
	cdfs [][][]uint32
}

// NewModel creates a model over the given tracker.
func NewModel(tracker *Tracker, optFns ...func(o *ModelOptions)) (*Model, error) {
	opts := ModelOptions{
		DegenerateThreshold: 1.0,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if tracker == nil {
		return nil, errors.New("entropy: nil tracker")
	}
	if opts.DegenerateThreshold < 0 || math.IsNaN(opts.DegenerateThreshold) {
		return nil, fmt.Errorf("entropy: degenerate threshold %v", opts.DegenerateThreshold)
	}

	return &Model{
		tracker:   tracker,
		threshold: opts.DegenerateThreshold,
		logger:    opts.Logger,
		warn:      rate.Sometimes{First: 3, Interval: time.Minute},
	}, nil
}

// CDFs returns per-level, per-group quantized CDF tables, each of length
// K+2. The tables are shared across callers and must be treated as
// read-only; they stay valid for the tracker generation they were built at.
func (m *Model) CDFs() ([][][]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen := m.tracker.Generation()
	if m.cdfs != nil && m.gen == gen {
		return m.cdfs, nil
	}

	cdfs, err := m.build()
	if err != nil {
		return nil, err
	}

	m.cdfs = cdfs
	m.gen = gen
	return cdfs, nil
}

func (m *Model) build() ([][][]uint32, error) {
	hist := m.tracker.Histogram()

	cdfs := make([][][]uint32, len(hist))
	for lv := range hist {
		cdfs[lv] = make([][]uint32, len(hist[lv]))
		for g, fg := range hist[lv] {
			pmf := make([]float64, len(fg))
			if total := floats.Sum(fg); total < m.threshold {
				m.warnDegenerate(lv, g, total)
				for i := range pmf {
					pmf[i] = 1 / float64(len(pmf))
				}
			} else {
				copy(pmf, fg)
				floats.Scale(1/total, pmf)
			}

			cdf, err := rans.QuantizeCDF(pmf, rans.Precision)
			if err != nil {
				return nil, fmt.Errorf("entropy: level %d group %d: %w", lv, g, err)
			}
			cdfs[lv][g] = cdf
		}
	}

	return cdfs, nil
}

func (m *Model) warnDegenerate(level, group int, total float64) {
	if m.logger == nil {
		return
	}
	m.warn.Do(func() {
		m.logger.Warn("degenerate usage histogram, substituting uniform distribution",
			"level", level, "group", group, "total", total)
	})
}

// EstimatedBits returns the expected bits per symbol of one level, per
// group, from the Shannon entropy of the current normalized histogram. The
// coded size will exceed this slightly because of CDF quantization.
func (m *Model) EstimatedBits(level int) []float64 {
	norm := m.tracker.NormalizedFreq()[level]

	out := make([]float64, len(norm))
	for g, pmf := range norm {
		out[g] = stat.Entropy(pmf) / math.Ln2
	}
	return out
}
