// Package codebook stores the learned quantization tables of the codec.
package codebook

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/hupe1980/vqgo/collective"
	"github.com/hupe1980/vqgo/internal/math32"
)

// Book implements one level's codebook: M independent channel groups with K
// entries of D dimensions each.
//
// Entries are stored flat in group-major order, so entry (m, k) occupies
// vecs[(m*K+k)*D : (m*K+k+1)*D]. The book is immutable during coding; Reassign
// and Sync are phase boundaries that replace entries between batches.
type Book struct {
	groups  int       // M: independent channel groups
	entries int       // K: entries per group
	dim     int       // D: dimensions per entry
	vecs    []float32 // flat [M*K*D] entry storage
}

// New creates a zero-initialized book.
func New(groups, entries, dim int) (*Book, error) {
	if groups <= 0 || entries <= 0 || dim <= 0 {
		return nil, fmt.Errorf("codebook: invalid shape m=%d k=%d d=%d", groups, entries, dim)
	}

	return &Book{
		groups:  groups,
		entries: entries,
		dim:     dim,
		vecs:    make([]float32, groups*entries*dim),
	}, nil
}

// NewRandom creates a book with entries drawn from a centered normal
// distribution with standard deviation sqrt(2 / (5*dim)), the scale the
// encoder's latents are trained towards.
func NewRandom(groups, entries, dim int, rng *rand.Rand) (*Book, error) {
	b, err := New(groups, entries, dim)
	if err != nil {
		return nil, err
	}

	std := math.Sqrt(2 / (5 * float64(dim)))
	for i := range b.vecs {
		b.vecs[i] = float32(rng.NormFloat64() * std)
	}

	return b, nil
}

// Groups returns the number of channel groups (M).
func (b *Book) Groups() int {
	return b.groups
}

// Entries returns the number of entries per group (K).
func (b *Book) Entries() int {
	return b.entries
}

// Dim returns the dimensionality of each entry (D).
func (b *Book) Dim() int {
	return b.dim
}

// Data returns the flat entry storage. Mutating it mutates the book.
func (b *Book) Data() []float32 {
	return b.vecs
}

// Entry returns a view of entry code in the given group.
func (b *Book) Entry(group, code int) []float32 {
	off := (group*b.entries + code) * b.dim
	return b.vecs[off : off+b.dim]
}

// SetEntry overwrites entry code in the given group.
func (b *Book) SetEntry(group, code int, vec []float32) {
	if len(vec) != b.dim {
		panic("codebook: entry dimension mismatch")
	}
	copy(b.Entry(group, code), vec)
}

// Clone returns a deep copy.
func (b *Book) Clone() *Book {
	out := &Book{
		groups:  b.groups,
		entries: b.entries,
		dim:     b.dim,
		vecs:    make([]float32, len(b.vecs)),
	}
	copy(out.vecs, b.vecs)
	return out
}

// Assign returns the index of the group entry nearest to vec by squared L2
// distance. Ties resolve to the lowest index.
func (b *Book) Assign(group int, vec []float32) int32 {
	if len(vec) != b.dim {
		panic("codebook: vector dimension mismatch")
	}

	start := group * b.entries * b.dim
	table := b.vecs[start : start+b.entries*b.dim]

	return int32(math32.NearestL2(vec, table, b.dim))
}

// Reconstruct concatenates the entries selected by codes, one per group, into
// dst of length Groups*Dim.
func (b *Book) Reconstruct(codes []int32, dst []float32) {
	if len(codes) != b.groups || len(dst) != b.groups*b.dim {
		panic("codebook: reconstruct shape mismatch")
	}

	for m, code := range codes {
		copy(dst[m*b.dim:(m+1)*b.dim], b.Entry(m, int(code)))
	}
}

// Reassign refreshes entries whose normalized usage dropped below eps by
// overwriting them with copies of the most used entries of the same group,
// best ranked first. When more than half of a group is below eps, a random
// subset keeps its place so at most half the group moves per round.
//
// freq is indexed [group][entry] and left unmodified. The returned slice
// flags, per flat (group, entry) index, the entries that moved by more than
// distEps squared distance.
func (b *Book) Reassign(freq [][]float64, eps, distEps float64, rng *rand.Rand) ([]bool, error) {
	if len(freq) != b.groups {
		return nil, fmt.Errorf("codebook: freq has %d groups, want %d", len(freq), b.groups)
	}
	for m, fg := range freq {
		if len(fg) != b.entries {
			return nil, fmt.Errorf("codebook: freq group %d has %d entries, want %d", m, len(fg), b.entries)
		}
	}

	next := make([]float32, len(b.vecs))
	copy(next, b.vecs)

	for m := 0; m < b.groups; m++ {
		fg := append([]float64(nil), freq[m]...)

		dead := make([]int, 0, b.entries)
		for k, f := range fg {
			if f < eps {
				dead = append(dead, k)
			}
		}

		if len(dead) > b.entries/2 {
			// Refresh only half the group this round. Dropped entries get a
			// negative marker so the rank pass sorts them last.
			for _, k := range dead {
				fg[k] = 0
			}
			perm := rng.Perm(len(dead))
			for _, p := range perm[b.entries/2:] {
				fg[dead[p]] = -1
			}

			kept := dead[:0]
			for _, k := range dead {
				if fg[k] == 0 {
					kept = append(kept, k)
				}
			}
			dead = kept
		}

		if len(dead) == 0 {
			continue
		}

		order := make([]int, b.entries)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool { return fg[order[i]] > fg[order[j]] })

		// Dead slots in index order receive the most used entries in rank
		// order, reading from the current book so copies do not cascade.
		for rank, k := range dead {
			src := b.Entry(m, order[rank])
			off := (m*b.entries + k) * b.dim
			copy(next[off:off+b.dim], src)
		}
	}

	changed := make([]bool, b.groups*b.entries)
	for i := range changed {
		off := i * b.dim
		if math32.SquaredL2(next[off:off+b.dim], b.vecs[off:off+b.dim]) > float32(distEps) {
			changed[i] = true
		}
	}

	b.vecs = next

	return changed, nil
}

// Sync overwrites every replica's entries with the root rank's so all workers
// code against bit-identical tables.
func (b *Book) Sync(ctx context.Context, comm collective.Communicator, root int) error {
	if err := comm.Broadcast(ctx, b.vecs, root); err != nil {
		return fmt.Errorf("codebook: sync: %w", err)
	}

	return nil
}
