package bitstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/vqgo/persistence"
)

const (
	// MagicNumber identifies compressed image artifacts (ASCII: "VQG0").
	MagicNumber = 0x56514730
	// Version is the current artifact format version (v1.0.0).
	Version = 0x00010000

	maxLevels = 64
	maxGroups = 4096
	maxSide   = 1 << 16
	maxK      = 1 << 20
	maxBinary = 1 << 30
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported version")
)

// Artifact is one compressed image: its header plus one entropy-coded binary
// per level. This is the unit that must stay byte-stable across codec
// versions.
type Artifact struct {
	Header   FileHeader
	Binaries [][]byte
}

func (a *Artifact) validate() error {
	if err := a.Header.Validate(); err != nil {
		return err
	}
	if len(a.Binaries) != a.Header.CodeSize.Levels() {
		return fmt.Errorf("%w: %d binaries for %d levels", ErrMalformed, len(a.Binaries), a.Header.CodeSize.Levels())
	}
	return nil
}

// WriteArtifact serializes a with a CRC32 trailer. Layout, little-endian:
// magic, version, fingerprint, image size, code size, then length-prefixed
// per-level binaries.
func WriteArtifact(w io.Writer, a *Artifact) error {
	if err := a.validate(); err != nil {
		return err
	}

	cw := persistence.NewChecksumWriter(w)

	head := []uint32{MagicNumber, Version}
	if err := binary.Write(cw, binary.LittleEndian, head); err != nil {
		return err
	}
	if err := binary.Write(cw, binary.LittleEndian, a.Header.Fingerprint); err != nil {
		return err
	}

	size := a.Header.CodeSize
	dims := []uint32{
		uint32(a.Header.ImageSize.Height),
		uint32(a.Header.ImageSize.Width),
		uint32(a.Header.ImageSize.Channels),
		uint32(size.Groups),
		uint32(size.Levels()),
	}
	for lv := 0; lv < size.Levels(); lv++ {
		dims = append(dims, uint32(size.Heights[lv]), uint32(size.Widths[lv]), uint32(size.K[lv]))
	}
	if err := binary.Write(cw, binary.LittleEndian, dims); err != nil {
		return err
	}

	for _, bin := range a.Binaries {
		if len(bin) > maxBinary {
			return fmt.Errorf("%w: binary of %d bytes", ErrMalformed, len(bin))
		}
		if err := binary.Write(cw, binary.LittleEndian, uint32(len(bin))); err != nil {
			return err
		}
		if _, err := cw.Write(bin); err != nil {
			return err
		}
	}

	// Trailer bypasses the checksum writer: it covers everything before it.
	return binary.Write(w, binary.LittleEndian, cw.Sum())
}

// ReadArtifact parses an artifact, verifying magic, version and checksum.
func ReadArtifact(r io.Reader) (*Artifact, error) {
	cr := persistence.NewChecksumReader(r)

	var magic, version uint32
	if err := binary.Read(cr, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != MagicNumber {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, magic)
	}
	if err := binary.Read(cr, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidVersion, version)
	}

	a := &Artifact{}
	if err := binary.Read(cr, binary.LittleEndian, &a.Header.Fingerprint); err != nil {
		return nil, err
	}

	var height, width, channels, groups, levels uint32
	for _, p := range []*uint32{&height, &width, &channels, &groups, &levels} {
		if err := binary.Read(cr, binary.LittleEndian, p); err != nil {
			return nil, err
		}
	}
	if height == 0 || height > maxSide || width == 0 || width > maxSide || channels == 0 || channels > maxSide {
		return nil, fmt.Errorf("%w: image size %dx%dx%d", ErrMalformed, height, width, channels)
	}
	if groups == 0 || groups > maxGroups {
		return nil, fmt.Errorf("%w: %d groups", ErrMalformed, groups)
	}
	if levels == 0 || levels > maxLevels {
		return nil, fmt.Errorf("%w: %d levels", ErrMalformed, levels)
	}

	a.Header.ImageSize = ImageSize{Height: int(height), Width: int(width), Channels: int(channels)}
	a.Header.CodeSize = CodeSize{
		Groups:  int(groups),
		Heights: make([]int, levels),
		Widths:  make([]int, levels),
		K:       make([]int, levels),
	}
	for lv := 0; lv < int(levels); lv++ {
		var h, w, k uint32
		for _, p := range []*uint32{&h, &w, &k} {
			if err := binary.Read(cr, binary.LittleEndian, p); err != nil {
				return nil, err
			}
		}
		if h == 0 || h > maxSide || w == 0 || w > maxSide {
			return nil, fmt.Errorf("%w: level %d is %dx%d", ErrMalformed, lv, h, w)
		}
		if k == 0 || k > maxK {
			return nil, fmt.Errorf("%w: level %d alphabet size %d", ErrMalformed, lv, k)
		}
		a.Header.CodeSize.Heights[lv] = int(h)
		a.Header.CodeSize.Widths[lv] = int(w)
		a.Header.CodeSize.K[lv] = int(k)
	}

	a.Binaries = make([][]byte, levels)
	for lv := range a.Binaries {
		var n uint32
		if err := binary.Read(cr, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		if n > maxBinary {
			return nil, fmt.Errorf("%w: binary of %d bytes", ErrMalformed, n)
		}
		a.Binaries[lv] = make([]byte, n)
		if _, err := io.ReadFull(cr, a.Binaries[lv]); err != nil {
			return nil, err
		}
	}

	var expected uint32
	if err := binary.Read(r, binary.LittleEndian, &expected); err != nil {
		return nil, err
	}
	if err := cr.Verify(expected); err != nil {
		return nil, err
	}

	return a, nil
}
