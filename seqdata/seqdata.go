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

// Package seqdata defines the compressed, reference-delta representation of
// a consensus sequence shared by every other component: refcodec produces
// it, seqstore owns it, compare and msa read it.
package seqdata

import "github.com/grailbio/findneighbour-core/internal/posset"

// BaseFreq is the base-call frequency tuple recorded at an M_pos (mixed)
// position. FA+FC+FG+FT sums to 1.
type BaseFreq struct {
	FA, FC, FG, FT float64
}

// Dominant returns the largest of the four frequencies.
func (f BaseFreq) Dominant() float64 {
	m := f.FA
	if f.FC > m {
		m = f.FC
	}
	if f.FG > m {
		m = f.FG
	}
	if f.FT > m {
		m = f.FT
	}
	return m
}

// IUPACCode returns the ambiguity code best representing f: the two bases
// with non-negligible frequency, or 'N' if more than two are present.
func (f BaseFreq) IUPACCode() byte {
	const minFrac = 0.05
	present := 0
	var a, c, g, t bool
	if f.FA >= minFrac {
		a, present = true, present+1
	}
	if f.FC >= minFrac {
		c, present = true, present+1
	}
	if f.FG >= minFrac {
		g, present = true, present+1
	}
	if f.FT >= minFrac {
		t, present = true, present+1
	}
	switch {
	case present <= 1:
		return 'M'
	case present > 2:
		return 'N'
	case a && c:
		return 'M' // A/C: IUPAC 'M'
	case a && g:
		return 'R'
	case a && t:
		return 'W'
	case c && g:
		return 'S'
	case c && t:
		return 'Y'
	case g && t:
		return 'K'
	default:
		return 'N'
	}
}

// LocalReference points a double-delta CompressedSequence at the
// already-persisted sequence it is encoded against, per spec §4.B. Per
// spec §9 "cyclic references", this is a guid-indexed pointer stored by
// value, never a Go pointer to another CompressedSequence, and the codec
// guarantees depth never exceeds 1 (spec §9(c)).
type LocalReference struct {
	AnchorGUID string
	DeltaA     *posset.Set
	DeltaC     *posset.Set
	DeltaG     *posset.Set
	DeltaT     *posset.Set
}

// CompressedSequence is the reference-delta encoding of one masked, aligned
// consensus string, per spec §3.
type CompressedSequence struct {
	GUID string

	// RefLen is the length L of the reference the deltas are against.
	RefLen int

	APos, CPos, GPos, TPos *posset.Set
	NPos                   *posset.Set
	MPos                   map[int]BaseFreq

	// Invalid means the sequence is too low quality to participate in
	// comparison, edges, or clusters (spec §3, §7 QualityTooLow).
	Invalid bool
	// Quality is the fraction of non-masked positions with a definite base.
	Quality float64
	// Meta is an opaque attribute bag; the core never inspects it.
	Meta map[string]interface{}

	// Local is non-nil when this sequence is stored double-delta against a
	// local reference (spec §4.B). The in-RAM working set always holds the
	// expanded form, so Local is normally nil there; it is populated on
	// sequences read back in their persisted, possibly double-delta form
	// before expansion.
	Local *LocalReference
}

// NewCompressedSequence allocates an empty CompressedSequence of the given
// reference length, ready to be filled in by refcodec.
func NewCompressedSequence(guid string, refLen int) *CompressedSequence {
	return &CompressedSequence{
		GUID:   guid,
		RefLen: refLen,
		APos:   posset.New(refLen),
		CPos:   posset.New(refLen),
		GPos:   posset.New(refLen),
		TPos:   posset.New(refLen),
		NPos:   posset.New(refLen),
		MPos:   map[int]BaseFreq{},
	}
}

// AssignedBase returns the base explicitly recorded for pos ('A','C','G','T'),
// or 0 if pos carries no delta (i.e. this sequence agrees with the reference
// there). It does not consider NPos/MPos; callers needing uncertainty must
// check those sets first.
func (c *CompressedSequence) AssignedBase(pos int) byte {
	switch {
	case c.APos.Has(pos):
		return 'A'
	case c.CPos.Has(pos):
		return 'C'
	case c.GPos.Has(pos):
		return 'G'
	case c.TPos.Has(pos):
		return 'T'
	default:
		return 0
	}
}

// Clone returns a deep copy of c, except Meta, which is shared (the core
// never mutates it, per design note on opaque attribute bags).
func (c *CompressedSequence) Clone() *CompressedSequence {
	clone := &CompressedSequence{
		GUID:    c.GUID,
		RefLen:  c.RefLen,
		APos:    c.APos.Clone(),
		CPos:    c.CPos.Clone(),
		GPos:    c.GPos.Clone(),
		TPos:    c.TPos.Clone(),
		NPos:    c.NPos.Clone(),
		MPos:    make(map[int]BaseFreq, len(c.MPos)),
		Invalid: c.Invalid,
		Quality: c.Quality,
		Meta:    c.Meta,
	}
	for k, v := range c.MPos {
		clone.MPos[k] = v
	}
	if c.Local != nil {
		l := *c.Local
		clone.Local = &l
	}
	return clone
}
