package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// MagicNumber identifies codec snapshot files (ASCII: "VQGS").
	MagicNumber = 0x56514753
	// Version is the current snapshot format version (v1.0.0).
	Version = 0x00010000

	maxLevels  = 64
	maxGroups  = 4096
	maxEntries = 1 << 20
	maxDim     = 1 << 16
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported version")
	ErrCorrupt        = errors.New("corrupt snapshot")
)

// LevelState is one level's persisted state: the codebook entries and the
// frequency histogram its CDF tables derive from.
type LevelState struct {
	Groups  int
	Entries int
	Dim     int

	// Vectors is the flat [Groups*Entries*Dim] codebook storage.
	Vectors []float32

	// Freq is the [Groups][Entries] usage EMA.
	Freq [][]float64
}

// Snapshot is the full persisted state of a codec. Restoring it on another
// process yields bit-identical codebooks and CDF tables.
type Snapshot struct {
	Levels []LevelState
}

// Validate checks internal shape consistency.
func (s *Snapshot) Validate() error {
	if len(s.Levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrCorrupt)
	}
	for lv, level := range s.Levels {
		if level.Groups <= 0 || level.Entries <= 0 || level.Dim <= 0 {
			return fmt.Errorf("%w: level %d has shape m=%d k=%d d=%d", ErrCorrupt, lv, level.Groups, level.Entries, level.Dim)
		}
		if len(level.Vectors) != level.Groups*level.Entries*level.Dim {
			return fmt.Errorf("%w: level %d has %d vector values, want %d", ErrCorrupt, lv, len(level.Vectors), level.Groups*level.Entries*level.Dim)
		}
		if len(level.Freq) != level.Groups {
			return fmt.Errorf("%w: level %d has %d freq groups, want %d", ErrCorrupt, lv, len(level.Freq), level.Groups)
		}
		for m, fg := range level.Freq {
			if len(fg) != level.Entries {
				return fmt.Errorf("%w: level %d freq group %d has %d entries, want %d", ErrCorrupt, lv, m, len(fg), level.Entries)
			}
		}
	}
	return nil
}

// WriteSnapshot serializes s with the given section compression and a CRC32
// trailer.
func WriteSnapshot(w io.Writer, s *Snapshot, compression CompressionType) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if !compression.valid() {
		return fmt.Errorf("unknown compression type %d", compression)
	}

	cw := NewChecksumWriter(w)

	if err := binary.Write(cw, binary.LittleEndian, uint32(MagicNumber)); err != nil {
		return err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(Version)); err != nil {
		return err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint8(compression)); err != nil {
		return err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(len(s.Levels))); err != nil {
		return err
	}

	for lv := range s.Levels {
		payload, err := marshalLevel(&s.Levels[lv])
		if err != nil {
			return fmt.Errorf("marshal level %d: %w", lv, err)
		}
		section, err := compressBlock(payload, compression)
		if err != nil {
			return fmt.Errorf("compress level %d: %w", lv, err)
		}
		if _, err := cw.Write(section); err != nil {
			return err
		}
	}

	// Trailer bypasses the checksum writer: it covers everything before it.
	return binary.Write(w, binary.LittleEndian, cw.Sum())
}

// ReadSnapshot parses a snapshot, verifying magic, version and checksum.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	cr := NewChecksumReader(r)

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

	var compression uint8
	if err := binary.Read(cr, binary.LittleEndian, &compression); err != nil {
		return nil, err
	}
	if !CompressionType(compression).valid() {
		return nil, fmt.Errorf("%w: unknown compression type %d", ErrCorrupt, compression)
	}

	var levels uint32
	if err := binary.Read(cr, binary.LittleEndian, &levels); err != nil {
		return nil, err
	}
	if levels == 0 || levels > maxLevels {
		return nil, fmt.Errorf("%w: %d levels", ErrCorrupt, levels)
	}

	s := &Snapshot{Levels: make([]LevelState, levels)}
	for lv := range s.Levels {
		payload, err := readSection(cr, CompressionType(compression))
		if err != nil {
			return nil, fmt.Errorf("read level %d: %w", lv, err)
		}
		if err := unmarshalLevel(payload, &s.Levels[lv]); err != nil {
			return nil, fmt.Errorf("parse level %d: %w", lv, err)
		}
	}

	var expected uint32
	if err := binary.Read(r, binary.LittleEndian, &expected); err != nil {
		return nil, err
	}
	if err := cr.Verify(expected); err != nil {
		return nil, err
	}

	return s, nil
}

func marshalLevel(level *LevelState) ([]byte, error) {
	var buf bytes.Buffer
	for _, dim := range []uint32{uint32(level.Groups), uint32(level.Entries), uint32(level.Dim)} {
		if err := binary.Write(&buf, binary.LittleEndian, dim); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(&buf, binary.LittleEndian, level.Vectors); err != nil {
		return nil, err
	}
	for _, fg := range level.Freq {
		if err := binary.Write(&buf, binary.LittleEndian, fg); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func unmarshalLevel(payload []byte, level *LevelState) error {
	r := bytes.NewReader(payload)

	var groups, entries, dim uint32
	for _, p := range []*uint32{&groups, &entries, &dim} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return err
		}
	}
	if groups == 0 || groups > maxGroups || entries == 0 || entries > maxEntries || dim == 0 || dim > maxDim {
		return fmt.Errorf("%w: shape m=%d k=%d d=%d", ErrCorrupt, groups, entries, dim)
	}

	level.Groups = int(groups)
	level.Entries = int(entries)
	level.Dim = int(dim)

	level.Vectors = make([]float32, int(groups)*int(entries)*int(dim))
	if err := binary.Read(r, binary.LittleEndian, level.Vectors); err != nil {
		return err
	}

	level.Freq = make([][]float64, groups)
	for m := range level.Freq {
		level.Freq[m] = make([]float64, entries)
		if err := binary.Read(r, binary.LittleEndian, level.Freq[m]); err != nil {
			return err
		}
	}

	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes in level payload", ErrCorrupt, r.Len())
	}
	return nil
}

// readSection pulls one self-framed block from the stream and decompresses
// it.
func readSection(r io.Reader, compression CompressionType) ([]byte, error) {
	header := make([]byte, blockHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	rawSize := binary.LittleEndian.Uint32(header[0:])
	compSize := binary.LittleEndian.Uint32(header[4:])
	if rawSize > 1<<30 || compSize > 1<<30 {
		return nil, fmt.Errorf("%w: section of %d/%d bytes", ErrCorrupt, rawSize, compSize)
	}

	bodySize := compSize
	if compSize == 0 {
		bodySize = rawSize
	}
	section := make([]byte, blockHeaderSize+bodySize)
	copy(section, header)
	if _, err := io.ReadFull(r, section[blockHeaderSize:]); err != nil {
		return nil, err
	}

	return decompressBlock(section, compression)
}

// SaveToFile writes a snapshot atomically: into a temp file in the target
// directory, then rename.
func SaveToFile(filename string, s *Snapshot, compression CompressionType) error {
	dir := filepath.Dir(filename)
	base := filepath.Base(filename)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	_ = tmp.Chmod(0644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := WriteSnapshot(buf, s, compression); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, filename); err != nil {
		return err
	}

	committed = true

	// Best-effort: fsync the directory so the rename is durable on POSIX.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return nil
}

// LoadFromFile reads a snapshot written by SaveToFile.
func LoadFromFile(filename string) (*Snapshot, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadSnapshot(bufio.NewReaderSize(f, 256*1024))
}
