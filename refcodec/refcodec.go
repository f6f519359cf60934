// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package refcodec implements the double-delta reference encoding described
// in spec §4.B: first a delta against the fixed global reference, then an
// optional second delta against a locally chosen "anchor" sequence.
package refcodec

import (
	"github.com/grailbio/findneighbour-core/ferrors"
	"github.com/grailbio/findneighbour-core/internal/posset"
	"github.com/grailbio/findneighbour-core/mask"
	"github.com/grailbio/findneighbour-core/seqdata"
)

// iupacAmbiguity maps an IUPAC ambiguity code to its component base
// frequencies, evenly split among the possibilities it represents. 'M' in
// this spec's alphabet is the generic "mixed" marker and is handled
// separately by the caller, which supplies its own empirical frequencies
// when known.
var iupacAmbiguity = map[byte][4]float64{
	'R': {0.5, 0, 0.5, 0}, // A/G
	'Y': {0, 0.5, 0, 0.5}, // C/T
	'S': {0, 0.5, 0.5, 0}, // C/G
	'W': {0.5, 0, 0, 0.5}, // A/T
	'K': {0, 0, 0.5, 0.5}, // G/T
	'M': {0.5, 0.5, 0, 0}, // A/C
	'B': {0, 1.0 / 3, 1.0 / 3, 1.0 / 3},
	'D': {1.0 / 3, 0, 1.0 / 3, 1.0 / 3},
	'H': {1.0 / 3, 1.0 / 3, 0, 1.0 / 3},
	'V': {1.0 / 3, 1.0 / 3, 1.0 / 3, 0},
}

func isUnambiguousBase(b byte) bool {
	switch b {
	case 'A', 'C', 'G', 'T':
		return true
	}
	return false
}

// EncodeVsReference produces a CompressedSequence from a masked input
// string, comparing it position-by-position against ref. masked must already
// have had m.Apply applied to it (masked positions hold mask.Sentinel).
//
// Invariants upheld (spec §4.B): the five position sets are pairwise
// disjoint, their union is exactly the positions where seq differs from ref
// or is ambiguous, and no set contains a masked position.
func EncodeVsReference(guid string, ref string, masked string, m *mask.Set) (*seqdata.CompressedSequence, error) {
	if len(masked) != len(ref) {
		return nil, ferrors.Errorf(ferrors.InvalidInput, "sequence length %d does not match reference length %d", len(masked), len(ref))
	}
	cs := seqdata.NewCompressedSequence(guid, len(ref))
	for pos := 0; pos < len(ref); pos++ {
		if m.Contains(pos) {
			continue
		}
		b := masked[pos]
		switch {
		case b == ref[pos] && isUnambiguousBase(b):
			// agrees with reference: implicit, no set membership.
		case b == 'N':
			cs.NPos.Add(pos)
		case b == 'M':
			// Generic "mixed" marker with no frequency information supplied:
			// treat as an even split, overridable by SetMixtureFrequency.
			cs.MPos[pos] = seqdata.BaseFreq{FA: 0.25, FC: 0.25, FG: 0.25, FT: 0.25}
		case isUnambiguousBase(b):
			addBase(cs, pos, b)
		default:
			freqs, ok := iupacAmbiguity[b]
			if !ok {
				return nil, ferrors.Errorf(ferrors.InvalidInput, "position %d: %q is not a valid IUPAC code", pos, string(b))
			}
			cs.MPos[pos] = seqdata.BaseFreq{FA: freqs[0], FC: freqs[1], FG: freqs[2], FT: freqs[3]}
		}
	}
	cs.Quality = quality(cs, m)
	return cs, nil
}

func addBase(cs *seqdata.CompressedSequence, pos int, b byte) {
	switch b {
	case 'A':
		cs.APos.Add(pos)
	case 'C':
		cs.CPos.Add(pos)
	case 'G':
		cs.GPos.Add(pos)
	case 'T':
		cs.TPos.Add(pos)
	}
}

// quality computes 1 - (|NPos|+|MPos|)/(L-|mask|), per spec §4.B.
func quality(cs *seqdata.CompressedSequence, m *mask.Set) float64 {
	denom := cs.RefLen - m.Len()
	if denom <= 0 {
		return 0
	}
	uncertain := cs.NPos.Count() + len(cs.MPos)
	return 1 - float64(uncertain)/float64(denom)
}

// SetMixtureFrequency overrides the base-call frequency recorded at an
// M_pos position, once empirical read-level frequencies are available
// (e.g. from an upstream variant caller). pos must already be in x.MPos.
func SetMixtureFrequency(x *seqdata.CompressedSequence, pos int, freq seqdata.BaseFreq) error {
	if _, ok := x.MPos[pos]; !ok {
		return ferrors.Errorf(ferrors.InvalidInput, "position %d is not a mixed position", pos)
	}
	x.MPos[pos] = freq
	return nil
}

// EncodeVsLocal produces the double-delta form of x against local anchor l:
// for each base, the symmetric difference of x's and l's position sets.
// Expand(EncodeVsLocal(x, l), l) reproduces x bit-exactly (spec §4.B, §8.8).
func EncodeVsLocal(x, l *seqdata.CompressedSequence) *seqdata.LocalReference {
	return &seqdata.LocalReference{
		AnchorGUID: l.GUID,
		DeltaA:     x.APos.Xor(l.APos),
		DeltaC:     x.CPos.Xor(l.CPos),
		DeltaG:     x.GPos.Xor(l.GPos),
		DeltaT:     x.TPos.Xor(l.TPos),
	}
}

// Expand reverses EncodeVsLocal: given the double-delta and the expanded
// anchor sequence l, it reconstructs x's A/C/G/T position sets (N_pos,
// M_pos, Invalid, Quality and Meta are carried separately by the store,
// since the double-delta form only ever compresses the four base-delta
// sets — see spec §4.C on what the persisted record holds).
func Expand(dd *seqdata.LocalReference, l *seqdata.CompressedSequence) (aPos, cPos, gPos, tPos *posset.Set) {
	return dd.DeltaA.Xor(l.APos), dd.DeltaC.Xor(l.CPos), dd.DeltaG.Xor(l.GPos), dd.DeltaT.Xor(l.TPos)
}

// saving returns the number of set bits removed by encoding x against l
// instead of storing x directly: a proxy for the bytes saved on disk.
func saving(x, l *seqdata.CompressedSequence) int {
	direct := x.APos.Count() + x.CPos.Count() + x.GPos.Count() + x.TPos.Count()
	dd := EncodeVsLocal(x, l)
	encoded := dd.DeltaA.Count() + dd.DeltaC.Count() + dd.DeltaG.Count() + dd.DeltaT.Count()
	return direct - encoded
}

// SelectLocalReference implements the local-reference selection policy of
// spec §4.B: among a bounded sample of already-persisted anchors, pick the
// one minimising |X ⊖ L|. If the best saving is below minSaving, ok is false
// and the caller should store x single-delta instead.
func SelectLocalReference(x *seqdata.CompressedSequence, anchors []*seqdata.CompressedSequence, minSaving int) (ld *seqdata.LocalReference, ok bool) {
	bestSaving := minSaving - 1
	var best *seqdata.CompressedSequence
	for _, a := range anchors {
		if a.GUID == x.GUID {
			continue
		}
		if s := saving(x, a); s > bestSaving {
			bestSaving = s
			best = a
		}
	}
	if best == nil {
		return nil, false
	}
	return EncodeVsLocal(x, best), true
}
