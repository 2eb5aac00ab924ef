// Package rans implements the 64-bit range variant of asymmetric numeral
// systems (rANS) used by the entropy coder.
//
// Symbols are coded against 16-bit quantized CDFs built by QuantizeCDF. Each
// CDF reserves its last symbol as a bypass escape: values outside the table
// range are emitted through it in 4-bit chunks with uniform probability, so
// any int32 symbol round-trips. The encoder buffers symbols and serializes
// them back to front in a single Flush, which lets the decoder consume the
// byte string strictly forward.
package rans

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Precision is the bit width of every quantized CDF: tables always sum to
// 1<<Precision.
const Precision = 16

const (
	bypassPrecision = 4
	maxBypassVal    = (1 << bypassPrecision) - 1

	// ransL is the lower bound of the coder state's normalization interval.
	ransL = uint64(1) << 31
)

var (
	// ErrLengthMismatch is returned when symbols and indexes differ in length.
	ErrLengthMismatch = errors.New("rans: symbols and indexes length mismatch")

	// ErrInvalidCDF is returned when a CDF table fails validation.
	ErrInvalidCDF = errors.New("rans: invalid cdf")

	// ErrCorrupted is returned when a byte string cannot be decoded.
	ErrCorrupted = errors.New("rans: corrupted stream")
)

// sym is one buffered coding step. For bypass steps start holds the raw
// chunk value and freq is unused.
type sym struct {
	start  uint32
	freq   uint32
	bypass bool
}

// Encoder accumulates symbols across one or more EncodeWithIndexes calls and
// serializes them with Flush. The zero value is ready to use.
//
// Buffering is required because rANS writes in reverse: the last symbol
// pushed is the first one coded during Flush.
type Encoder struct {
	syms []sym
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Reset discards all buffered symbols.
func (e *Encoder) Reset() {
	e.syms = e.syms[:0]
}

// EncodeWithIndexes buffers one run of symbols. indexes[i] selects the CDF,
// its size and its offset for symbols[i]. Out-of-range values are escaped
// through the bypass slot.
func (e *Encoder) EncodeWithIndexes(symbols, indexes []int32, cdfs [][]uint32, cdfSizes, offsets []int32) error {
	if len(symbols) != len(indexes) {
		return fmt.Errorf("%w: %d symbols, %d indexes", ErrLengthMismatch, len(symbols), len(indexes))
	}
	if err := checkTables(cdfs, cdfSizes, offsets); err != nil {
		return err
	}

	for i, s := range symbols {
		idx := indexes[i]
		if idx < 0 || int(idx) >= len(cdfs) {
			return fmt.Errorf("%w: cdf index %d out of range [0, %d)", ErrInvalidCDF, idx, len(cdfs))
		}
		cdf := cdfs[idx]
		maxValue := cdfSizes[idx] - 2
		value := s - offsets[idx]

		var rawVal uint32
		if value < 0 {
			rawVal = uint32(-2*int64(value) - 1)
			value = maxValue
		} else if value >= maxValue {
			rawVal = uint32(2 * (int64(value) - int64(maxValue)))
			value = maxValue
		}

		e.syms = append(e.syms, sym{start: cdf[value], freq: cdf[value+1] - cdf[value]})

		if value == maxValue {
			// Escape: chunk count first, then the chunks, low bits first.
			nBypass := 0
			for rawVal>>(nBypass*bypassPrecision) != 0 {
				nBypass++
			}

			count := nBypass
			for count >= maxBypassVal {
				e.syms = append(e.syms, sym{start: maxBypassVal, bypass: true})
				count -= maxBypassVal
			}
			e.syms = append(e.syms, sym{start: uint32(count), bypass: true})

			for j := 0; j < nBypass; j++ {
				chunk := rawVal >> (j * bypassPrecision) & maxBypassVal
				e.syms = append(e.syms, sym{start: chunk, bypass: true})
			}
		}
	}

	return nil
}

// Flush codes all buffered symbols and resets the encoder. The byte string is
// a sequence of little-endian uint32 words with the final coder state first.
func (e *Encoder) Flush() []byte {
	// Each step emits at most one renormalization word, plus two words of
	// final state.
	words := make([]uint32, len(e.syms)+2)
	ptr := len(words)
	state := ransL

	for i := len(e.syms) - 1; i >= 0; i-- {
		s := e.syms[i]
		if s.bypass {
			state, ptr = encPut(state, words, ptr, s.start, 1, bypassPrecision)
		} else {
			state, ptr = encPut(state, words, ptr, s.start, s.freq, Precision)
		}
	}

	ptr -= 2
	words[ptr] = uint32(state)
	words[ptr+1] = uint32(state >> 32)

	out := make([]byte, (len(words)-ptr)*4)
	for i, w := range words[ptr:] {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}

	e.Reset()

	return out
}

// encPut advances the coder state by one symbol with the given cumulative
// start and frequency, emitting a renormalization word when the state would
// overflow.
func encPut(x uint64, words []uint32, ptr int, start, freq uint32, scaleBits uint) (uint64, int) {
	xMax := ((ransL >> scaleBits) << 32) * uint64(freq)
	if x >= xMax {
		ptr--
		words[ptr] = uint32(x)
		x >>= 32
	}

	return (x/uint64(freq))<<scaleBits + x%uint64(freq) + uint64(start), ptr
}

// EncodeWithIndexes compresses symbols into a single rANS byte string.
func EncodeWithIndexes(symbols, indexes []int32, cdfs [][]uint32, cdfSizes, offsets []int32) ([]byte, error) {
	var e Encoder
	if err := e.EncodeWithIndexes(symbols, indexes, cdfs, cdfSizes, offsets); err != nil {
		return nil, err
	}

	return e.Flush(), nil
}

// DecodeWithIndexes decodes len(indexes) symbols from data. The CDF tables,
// sizes and offsets must be identical to the ones used for encoding.
func DecodeWithIndexes(data []byte, indexes []int32, cdfs [][]uint32, cdfSizes, offsets []int32) ([]int32, error) {
	if err := checkTables(cdfs, cdfSizes, offsets); err != nil {
		return nil, err
	}

	d, err := newDecoder(data)
	if err != nil {
		return nil, err
	}

	output := make([]int32, len(indexes))

	for i, idx := range indexes {
		if idx < 0 || int(idx) >= len(cdfs) {
			return nil, fmt.Errorf("%w: cdf index %d out of range [0, %d)", ErrInvalidCDF, idx, len(cdfs))
		}
		cdf := cdfs[idx]
		size := int(cdfSizes[idx])
		maxValue := int32(size - 2)

		cum := d.get(Precision)
		s := sort.Search(size, func(j int) bool { return cdf[j] > cum }) - 1
		if s < 0 || s+1 >= size {
			return nil, fmt.Errorf("%w: cumulative %d outside cdf %d", ErrCorrupted, cum, idx)
		}
		if err := d.advance(cdf[s], cdf[s+1]-cdf[s], Precision); err != nil {
			return nil, err
		}

		value := int32(s)
		if value == maxValue {
			chunk, err := d.getBits(bypassPrecision)
			if err != nil {
				return nil, err
			}
			nBypass := int(chunk)
			for chunk == maxBypassVal {
				if chunk, err = d.getBits(bypassPrecision); err != nil {
					return nil, err
				}
				nBypass += int(chunk)
			}

			var rawVal uint32
			for j := 0; j < nBypass; j++ {
				if chunk, err = d.getBits(bypassPrecision); err != nil {
					return nil, err
				}
				rawVal |= chunk << (j * bypassPrecision)
			}

			value = int32(rawVal >> 1)
			if rawVal&1 != 0 {
				value = -value - 1
			} else {
				value += maxValue
			}
		}

		output[i] = value + offsets[idx]
	}

	return output, nil
}

// decoder walks a byte string strictly forward, two init words first.
type decoder struct {
	data  []byte
	pos   int
	state uint64
}

func newDecoder(data []byte) (*decoder, error) {
	if len(data) < 8 || len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupted, len(data))
	}

	state := uint64(binary.LittleEndian.Uint32(data)) | uint64(binary.LittleEndian.Uint32(data[4:]))<<32

	return &decoder{data: data, pos: 8, state: state}, nil
}

// get returns the low scaleBits bits of the state, the cumulative frequency
// of the next symbol.
func (d *decoder) get(scaleBits uint) uint32 {
	return uint32(d.state) & (1<<scaleBits - 1)
}

// advance consumes one symbol and renormalizes from the stream if the state
// drops below the interval bound.
func (d *decoder) advance(start, freq uint32, scaleBits uint) error {
	mask := uint64(1)<<scaleBits - 1

	x := uint64(freq)*(d.state>>scaleBits) + (d.state & mask) - uint64(start)
	if x < ransL {
		if d.pos+4 > len(d.data) {
			return fmt.Errorf("%w: truncated at byte %d", ErrCorrupted, d.pos)
		}
		x = x<<32 | uint64(binary.LittleEndian.Uint32(d.data[d.pos:]))
		d.pos += 4
	}
	d.state = x

	return nil
}

// getBits consumes one uniformly coded nbits-wide value.
func (d *decoder) getBits(nbits uint) (uint32, error) {
	val := uint32(d.state) & (1<<nbits - 1)

	x := d.state >> nbits
	if x < ransL {
		if d.pos+4 > len(d.data) {
			return 0, fmt.Errorf("%w: truncated at byte %d", ErrCorrupted, d.pos)
		}
		x = x<<32 | uint64(binary.LittleEndian.Uint32(d.data[d.pos:]))
		d.pos += 4
	}
	d.state = x

	return val, nil
}

// checkTables validates the shared table arguments of encode and decode.
func checkTables(cdfs [][]uint32, cdfSizes, offsets []int32) error {
	if len(cdfs) != len(cdfSizes) || len(cdfs) != len(offsets) {
		return fmt.Errorf("%w: %d cdfs, %d sizes, %d offsets", ErrInvalidCDF, len(cdfs), len(cdfSizes), len(offsets))
	}

	for i, cdf := range cdfs {
		size := int(cdfSizes[i])
		if size < 3 || size > len(cdf) {
			return fmt.Errorf("%w: cdf %d has size %d with %d entries", ErrInvalidCDF, i, size, len(cdf))
		}
		if err := ValidateCDF(cdf[:size], Precision); err != nil {
			return fmt.Errorf("cdf %d: %w", i, err)
		}
	}

	return nil
}
