package entropy

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vqgo/collective"
	"github.com/hupe1980/vqgo/tensor"
)

func TestNewTrackerDefaults(t *testing.T) {
	tr, err := NewTracker(2, []int{8, 4})
	require.NoError(t, err)

	assert.Equal(t, 2, tr.Levels())
	assert.Equal(t, 2, tr.Groups())
	assert.Equal(t, []int{8, 4}, tr.AlphabetSizes())
	assert.Equal(t, 1e-6, tr.Eps())

	// All-ones prior normalizes to uniform.
	for _, f := range tr.NormalizedFreq()[1][0] {
		assert.InDelta(t, 0.25, f, 1e-12)
	}
}

func TestNewTrackerValidates(t *testing.T) {
	_, err := NewTracker(0, []int{4})
	require.Error(t, err)

	_, err = NewTracker(2, nil)
	require.Error(t, err)

	_, err = NewTracker(2, []int{4, 0})
	require.Error(t, err)

	_, err = NewTracker(2, []int{4}, func(o *TrackerOptions) { o.Decay = -0.1 })
	require.Error(t, err)

	_, err = NewTracker(2, []int{4}, func(o *TrackerOptions) { o.Decay = 1.1 })
	require.Error(t, err)

	_, err = NewTracker(2, []int{4}, func(o *TrackerOptions) { o.Eps = 0 })
	require.Error(t, err)

	_, err = NewTracker(2, []int{4}, func(o *TrackerOptions) { o.Communicator = nil })
	require.Error(t, err)
}

func TestUpdateBlendsEMA(t *testing.T) {
	tr, err := NewTracker(1, []int{2}, func(o *TrackerOptions) { o.Decay = 0.25 })
	require.NoError(t, err)

	gen := tr.Generation()
	require.NoError(t, tr.Update(context.Background(), [][][]float64{{{3, 1}}}))

	hist := tr.Histogram()
	assert.InDelta(t, 0.25*3+0.75*1, hist[0][0][0], 1e-12)
	assert.InDelta(t, 0.25*1+0.75*1, hist[0][0][1], 1e-12)
	assert.Equal(t, gen+1, tr.Generation())
}

func TestUpdateDecayEdges(t *testing.T) {
	t.Run("decay zero keeps history", func(t *testing.T) {
		tr, err := NewTracker(1, []int{3}, func(o *TrackerOptions) { o.Decay = 0 })
		require.NoError(t, err)

		require.NoError(t, tr.Update(context.Background(), [][][]float64{{{100, 200, 300}}}))
		assert.Equal(t, [][][]float64{{{1, 1, 1}}}, tr.Histogram())
	})

	t.Run("decay one replaces history", func(t *testing.T) {
		tr, err := NewTracker(1, []int{3}, func(o *TrackerOptions) { o.Decay = 1 })
		require.NoError(t, err)

		require.NoError(t, tr.Update(context.Background(), [][][]float64{{{100, 200, 300}}}))
		assert.Equal(t, [][][]float64{{{100, 200, 300}}}, tr.Histogram())
	})
}

// doublingComm simulates two workers contributing identical counts.
type doublingComm struct {
	collective.Local
}

func (doublingComm) WorldSize() int { return 2 }

func (doublingComm) AllReduceSum(ctx context.Context, vals []float64) error {
	for i := range vals {
		vals[i] *= 2
	}
	return ctx.Err()
}

func TestUpdateAllReducesBeforeBlending(t *testing.T) {
	tr, err := NewTracker(1, []int{2}, func(o *TrackerOptions) {
		o.Decay = 1
		o.Communicator = doublingComm{}
	})
	require.NoError(t, err)

	require.NoError(t, tr.Update(context.Background(), [][][]float64{{{5, 0}}}))
	assert.Equal(t, [][][]float64{{{10, 0}}}, tr.Histogram())
}

func TestUpdateShapeErrors(t *testing.T) {
	tr, err := NewTracker(2, []int{4})
	require.NoError(t, err)

	ctx := context.Background()
	gen := tr.Generation()

	// Wrong level count.
	require.Error(t, tr.Update(ctx, [][][]float64{}))
	// Wrong group count.
	require.Error(t, tr.Update(ctx, [][][]float64{{{1, 1, 1, 1}}}))
	// Wrong alphabet size.
	require.Error(t, tr.Update(ctx, [][][]float64{{{1, 1}, {1, 1}}}))
	// Negative and non-finite counts.
	require.Error(t, tr.Update(ctx, [][][]float64{{{1, -1, 1, 1}, {1, 1, 1, 1}}}))
	require.Error(t, tr.Update(ctx, [][][]float64{{{1, math.NaN(), 1, 1}, {1, 1, 1, 1}}}))

	// Failed updates leave the generation untouched.
	assert.Equal(t, gen, tr.Generation())
}

func TestCountCodes(t *testing.T) {
	tr, err := NewTracker(2, []int{4})
	require.NoError(t, err)

	codes := tensor.NewCodes(1, 2, 2, 2)
	codes.Set(0, 0, 0, 0, 0)
	codes.Set(0, 0, 0, 1, 0)
	codes.Set(0, 0, 1, 0, 1)
	codes.Set(0, 0, 1, 1, 3)
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			codes.Set(0, 1, y, x, 2)
		}
	}

	counts, err := tr.CountCodes([]*tensor.Codes{codes})
	require.NoError(t, err)
	assert.Equal(t, [][][]float64{{{2, 1, 0, 1}, {0, 0, 4, 0}}}, counts)
}

func TestCountCodesErrors(t *testing.T) {
	tr, err := NewTracker(2, []int{4})
	require.NoError(t, err)

	_, err = tr.CountCodes(nil)
	require.Error(t, err)

	_, err = tr.CountCodes([]*tensor.Codes{tensor.NewCodes(1, 3, 2, 2)})
	require.Error(t, err)

	bad := tensor.NewCodes(1, 2, 1, 1)
	bad.Set(0, 0, 0, 0, 4)
	_, err = tr.CountCodes([]*tensor.Codes{bad})
	require.Error(t, err)
}

func TestUsedAndCodeUsage(t *testing.T) {
	tr, err := NewTracker(2, []int{2})
	require.NoError(t, err)

	require.NoError(t, tr.SetHistogram([][][]float64{{{0.5, 0}, {0, 0.5}}}))

	assert.ElementsMatch(t, []uint32{0, 3}, tr.Used(0).ToArray())
	assert.InDelta(t, 0.5, tr.CodeUsage(), 1e-12)
}

func TestHistogramIsolation(t *testing.T) {
	tr, err := NewTracker(1, []int{2})
	require.NoError(t, err)

	hist := tr.Histogram()
	hist[0][0][0] = 999

	assert.Equal(t, [][][]float64{{{1, 1}}}, tr.Histogram())
}

func TestSetHistogramRestores(t *testing.T) {
	tr, err := NewTracker(1, []int{2}, func(o *TrackerOptions) { o.Decay = 0.5 })
	require.NoError(t, err)
	require.NoError(t, tr.Update(context.Background(), [][][]float64{{{4, 2}}}))

	saved := tr.Histogram()

	other, err := NewTracker(1, []int{2})
	require.NoError(t, err)
	gen := other.Generation()
	require.NoError(t, other.SetHistogram(saved))

	assert.Equal(t, saved, other.Histogram())
	assert.Equal(t, gen+1, other.Generation())
}

func TestScaledFreq(t *testing.T) {
	tr, err := NewTracker(1, []int{4}, func(o *TrackerOptions) { o.Decay = 1 })
	require.NoError(t, err)
	require.NoError(t, tr.Update(context.Background(), [][][]float64{{{1, 1, 2, 0}}}))

	assert.Equal(t, [][][]uint32{{{16384, 16384, 32768, 0}}}, tr.ScaledFreq())
}

func TestNormalizedFreqZeroTotal(t *testing.T) {
	tr, err := NewTracker(1, []int{4}, func(o *TrackerOptions) { o.Decay = 1 })
	require.NoError(t, err)
	require.NoError(t, tr.Update(context.Background(), [][][]float64{{{0, 0, 0, 0}}}))

	assert.Equal(t, []float64{0.25, 0.25, 0.25, 0.25}, tr.NormalizedFreq()[0][0])
}
