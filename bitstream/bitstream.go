// Package bitstream defines the metadata carried alongside entropy-coded
// binaries: the shape information needed to rebuild per-symbol index arrays
// at decode time, and a stable artifact framing for storage and transport.
package bitstream

import (
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed bitstream metadata")

// CodeSize records, for one image, the shape of its code tensors: the group
// count plus per-level spatial sizes and alphabet sizes. The entropy coder is
// agnostic to tensor shape, so this record is what turns a flat symbol stream
// back into level-shaped code tensors.
type CodeSize struct {
	Groups  int
	Heights []int
	Widths  []int
	K       []int
}

// NewCodeSize builds a validated CodeSize.
func NewCodeSize(groups int, heights, widths, k []int) (CodeSize, error) {
	s := CodeSize{Groups: groups, Heights: heights, Widths: widths, K: k}
	if err := s.Validate(); err != nil {
		return CodeSize{}, err
	}
	return s, nil
}

// Levels returns the number of quantization levels.
func (s CodeSize) Levels() int {
	return len(s.Heights)
}

// Symbols returns the flat symbol count of one level's code plane, laid out
// group-major (m, h, w).
func (s CodeSize) Symbols(level int) int {
	return s.Groups * s.Heights[level] * s.Widths[level]
}

// Validate checks shape consistency.
func (s CodeSize) Validate() error {
	if s.Groups <= 0 {
		return fmt.Errorf("%w: %d groups", ErrMalformed, s.Groups)
	}
	if len(s.Heights) == 0 {
		return fmt.Errorf("%w: no levels", ErrMalformed)
	}
	if len(s.Widths) != len(s.Heights) || len(s.K) != len(s.Heights) {
		return fmt.Errorf("%w: %d heights, %d widths, %d alphabet sizes", ErrMalformed, len(s.Heights), len(s.Widths), len(s.K))
	}
	for lv := range s.Heights {
		if s.Heights[lv] <= 0 || s.Widths[lv] <= 0 {
			return fmt.Errorf("%w: level %d is %dx%d", ErrMalformed, lv, s.Heights[lv], s.Widths[lv])
		}
		if s.K[lv] <= 0 {
			return fmt.Errorf("%w: level %d alphabet size %d", ErrMalformed, lv, s.K[lv])
		}
	}
	return nil
}

// Equal reports whether two records describe the same shapes.
func (s CodeSize) Equal(other CodeSize) bool {
	if s.Groups != other.Groups || len(s.Heights) != len(other.Heights) {
		return false
	}
	for lv := range s.Heights {
		if s.Heights[lv] != other.Heights[lv] || s.Widths[lv] != other.Widths[lv] || s.K[lv] != other.K[lv] {
			return false
		}
	}
	return true
}

func (s CodeSize) String() string {
	out := fmt.Sprintf("m=%d", s.Groups)
	for lv := range s.Heights {
		out += fmt.Sprintf(" %dx%d/%d", s.Heights[lv], s.Widths[lv], s.K[lv])
	}
	return out
}

// ImageSize is the pixel geometry of the source image, kept so a decoder can
// crop padding introduced by the downsampling stack.
type ImageSize struct {
	Height   int
	Width    int
	Channels int
}

func (s ImageSize) Validate() error {
	if s.Height <= 0 || s.Width <= 0 || s.Channels <= 0 {
		return fmt.Errorf("%w: image size %dx%dx%d", ErrMalformed, s.Height, s.Width, s.Channels)
	}
	return nil
}

// FileHeader is the per-image metadata record: a codec fingerprint binding
// the artifact to the state that produced it, the source geometry, and the
// code-tensor shapes.
type FileHeader struct {
	Fingerprint uint64
	ImageSize   ImageSize
	CodeSize    CodeSize
}

func (h FileHeader) Validate() error {
	if err := h.ImageSize.Validate(); err != nil {
		return err
	}
	return h.CodeSize.Validate()
}
