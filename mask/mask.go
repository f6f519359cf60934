// Package mask implements the fixed set of genome positions excluded from
// all distance math (spec §4.A). A Mask is loaded once at store
// initialisation and never changes.
package mask

import (
	"github.com/grailbio/findneighbour-core/ferrors"
	"github.com/grailbio/findneighbour-core/internal/posset"
)

// Sentinel is written into a masked position by Apply. It is distinct from
// 'N' so that later pipeline stages can tell "masked out" apart from
// "sequenced as unknown".
const Sentinel = '-'

// Set is an immutable set of masked positions over [0, L).
type Set struct {
	length int
	bits   *posset.Set
}

// New validates positions and builds a Set over a reference of the given
// length. It returns a ferrors.ConfigError if any position is out of range.
func New(length int, positions []int) (*Set, error) {
	bits := posset.New(length)
	for _, p := range positions {
		if p < 0 || p >= length {
			return nil, ferrors.Errorf(ferrors.ConfigError, "mask position %d out of range [0,%d)", p, length)
		}
		bits.Add(p)
	}
	return &Set{length: length, bits: bits}, nil
}

// Len returns the number of masked positions.
func (m *Set) Len() int { return m.bits.Count() }

// SequenceLength returns L, the length every input sequence must match.
func (m *Set) SequenceLength() int { return m.length }

// Contains reports whether pos is masked.
func (m *Set) Contains(pos int) bool {
	if pos < 0 || pos >= m.length {
		return false
	}
	return m.bits.Has(pos)
}

// Positions returns the masked positions in ascending order.
func (m *Set) Positions() []int { return m.bits.Positions() }

// Apply returns seq with every masked position replaced by Sentinel. It
// returns ferrors.InvalidInput if len(seq) != L.
func (m *Set) Apply(seq string) (string, error) {
	if len(seq) != m.length {
		return "", ferrors.Errorf(ferrors.InvalidInput, "sequence length %d does not match reference length %d", len(seq), m.length)
	}
	if m.bits.Count() == 0 {
		return seq, nil
	}
	out := []byte(seq)
	for _, p := range m.bits.Positions() {
		out[p] = Sentinel
	}
	return string(out), nil
}
