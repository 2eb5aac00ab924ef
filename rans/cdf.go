package rans

import (
	"fmt"
	"math"
)

// QuantizeCDF converts a probability mass function into a quantized CDF with
// the given precision. The returned table has len(pmf)+2 entries: a leading
// zero, one cumulative entry per pmf symbol, and a trailing bypass slot for
// out-of-range escapes. Rounding losses are redistributed so that every
// symbol, the bypass slot included, keeps at least one unit of mass and stays
// encodable.
func QuantizeCDF(pmf []float64, precision uint) ([]uint32, error) {
	if len(pmf) == 0 {
		return nil, fmt.Errorf("%w: empty pmf", ErrInvalidCDF)
	}

	scale := float64(uint64(1) << precision)

	cdf := make([]uint32, len(pmf)+2)
	for i, p := range pmf {
		if p < 0 || math.IsInf(p, 0) || math.IsNaN(p) {
			return nil, fmt.Errorf("%w: pmf[%d] = %v", ErrInvalidCDF, i, p)
		}
		r := math.Round(p * scale)
		if r > math.MaxUint32 {
			return nil, fmt.Errorf("%w: pmf[%d] = %v too large", ErrInvalidCDF, i, p)
		}
		cdf[i+1] = uint32(r)
	}
	// The last slot stays zero: the bypass symbol carries no estimated mass.

	var total uint64
	for _, f := range cdf {
		total += uint64(f)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: pmf sums to zero", ErrInvalidCDF)
	}

	for i, f := range cdf {
		cdf[i] = uint32(uint64(1) << precision * uint64(f) / total)
	}
	for i := 1; i < len(cdf); i++ {
		cdf[i] += cdf[i-1]
	}
	cdf[len(cdf)-1] = 1 << precision

	// Zero-width symbols steal one unit from the smallest frequency above
	// one, shifting the boundaries in between.
	for i := 0; i < len(cdf)-1; i++ {
		if cdf[i] != cdf[i+1] {
			continue
		}

		bestFreq := uint32(math.MaxUint32)
		bestSteal := -1
		for j := 0; j < len(cdf)-1; j++ {
			freq := cdf[j+1] - cdf[j]
			if freq > 1 && freq < bestFreq {
				bestFreq = freq
				bestSteal = j
			}
		}
		if bestSteal < 0 {
			return nil, fmt.Errorf("%w: %d symbols exceed %d mass units", ErrInvalidCDF, len(cdf)-1, 1<<precision)
		}

		if bestSteal < i {
			for j := bestSteal + 1; j <= i; j++ {
				cdf[j]--
			}
		} else {
			for j := i + 1; j <= bestSteal; j++ {
				cdf[j]++
			}
		}
	}

	return cdf, nil
}

// ValidateCDF reports whether cdf is usable for coding: at least three
// entries, a leading zero, a strictly increasing body and a total of
// 1<<precision.
func ValidateCDF(cdf []uint32, precision uint) error {
	if len(cdf) < 3 {
		return fmt.Errorf("%w: %d entries", ErrInvalidCDF, len(cdf))
	}
	if cdf[0] != 0 {
		return fmt.Errorf("%w: starts at %d", ErrInvalidCDF, cdf[0])
	}
	if last := cdf[len(cdf)-1]; last != 1<<precision {
		return fmt.Errorf("%w: ends at %d, want %d", ErrInvalidCDF, last, 1<<precision)
	}
	for i := 1; i < len(cdf); i++ {
		if cdf[i] <= cdf[i-1] {
			return fmt.Errorf("%w: zero mass at symbol %d", ErrInvalidCDF, i-1)
		}
	}

	return nil
}
