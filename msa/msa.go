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

// Package msa implements MSABuilder (spec §4.F): a reduced multiple
// sequence alignment over a caller-supplied set of guids, restricted to the
// union of informative columns so that a request over thousands of
// sequences does not have to materialize the full reference length per
// sequence.
package msa

import (
	"sort"

	"github.com/grailbio/findneighbour-core/compare"
	"github.com/grailbio/findneighbour-core/mask"
	"github.com/grailbio/findneighbour-core/seqdata"
)

// ColumnCounts is the per-base tally at one informative column.
type ColumnCounts struct {
	Position    int
	A, C, G, T  int
	N, M, Other int
}

// RowStats is the per-guid summary requested alongside the alignment.
type RowStats struct {
	GUID      string
	Quality   float64
	MixedP    float64
	IsMixed   bool
	Truncated bool // true if the guid is invalid; MixedP and IsMixed are then not computed
}

// Alignment is the result of Build.
type Alignment struct {
	// Columns are the reference positions included, ascending.
	Columns []int
	// Rows maps guid to its reduced string, one byte per entry in Columns,
	// in the same order.
	Rows map[string]string
	// ColumnCounts are per-column base tallies, same order as Columns. Nil
	// unless requested.
	ColumnCounts []ColumnCounts
	// RowStats are per-guid quality/mixture summaries. Nil unless requested.
	RowStats []RowStats
}

// Options controls which optional reports Build computes.
type Options struct {
	UncertainClass   compare.UncertainClass
	MixtureAlpha     float64
	WithColumnCounts bool
	WithRowStats     bool
}

// Source supplies the compressed sequences the builder reduces over.
// seqstore.Store's Get also takes a context, so callers wrap the store in a
// small adapter; the builder depends on the narrow interface rather than the
// concrete store so it can be tested without one.
type Source interface {
	Get(guid string) (*seqdata.CompressedSequence, error)
}

// Build reduces guids to the union of informative positions: positions
// where at least one sequence has a non-reference base or an ambiguity
// code, excluding masked positions.
func Build(ref string, m *mask.Set, src Source, guids []string, opts Options) (*Alignment, error) {
	seqs := make([]*seqdata.CompressedSequence, 0, len(guids))
	for _, g := range guids {
		cs, err := src.Get(g)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, cs)
	}

	informative := map[int]bool{}
	for _, cs := range seqs {
		for _, p := range cs.APos.Positions() {
			informative[p] = true
		}
		for _, p := range cs.CPos.Positions() {
			informative[p] = true
		}
		for _, p := range cs.GPos.Positions() {
			informative[p] = true
		}
		for _, p := range cs.TPos.Positions() {
			informative[p] = true
		}
		for _, p := range cs.NPos.Positions() {
			informative[p] = true
		}
		for p := range cs.MPos {
			informative[p] = true
		}
	}
	for p := range informative {
		if m.Contains(p) {
			delete(informative, p)
		}
	}
	columns := make([]int, 0, len(informative))
	for p := range informative {
		columns = append(columns, p)
	}
	sort.Ints(columns)

	rows := make(map[string]string, len(seqs))
	for _, cs := range seqs {
		buf := make([]byte, len(columns))
		for i, p := range columns {
			buf[i] = columnBase(cs, ref, p)
		}
		rows[cs.GUID] = string(buf)
	}

	align := &Alignment{Columns: columns, Rows: rows}

	if opts.WithColumnCounts {
		align.ColumnCounts = make([]ColumnCounts, len(columns))
		for i, p := range columns {
			cc := ColumnCounts{Position: p}
			for _, cs := range seqs {
				tallyColumn(&cc, cs, ref, p)
			}
			align.ColumnCounts[i] = cc
		}
	}

	if opts.WithRowStats {
		align.RowStats = make([]RowStats, 0, len(seqs))
		for _, cs := range seqs {
			rs := RowStats{GUID: cs.GUID, Quality: cs.Quality, Truncated: cs.Invalid}
			if !cs.Invalid {
				p, mixed := compare.MixturePValue(cs, opts.UncertainClass, opts.MixtureAlpha)
				rs.MixedP, rs.IsMixed = p, mixed
			}
			align.RowStats = append(align.RowStats, rs)
		}
	}

	return align, nil
}

func columnBase(cs *seqdata.CompressedSequence, ref string, pos int) byte {
	if cs.NPos.Has(pos) {
		return 'N'
	}
	if f, ok := cs.MPos[pos]; ok {
		return f.IUPACCode()
	}
	if b := cs.AssignedBase(pos); b != 0 {
		return b
	}
	return ref[pos]
}

func tallyColumn(cc *ColumnCounts, cs *seqdata.CompressedSequence, ref string, pos int) {
	switch columnBase(cs, ref, pos) {
	case 'A':
		cc.A++
	case 'C':
		cc.C++
	case 'G':
		cc.G++
	case 'T':
		cc.T++
	case 'N':
		cc.N++
	case 'M', 'R', 'Y', 'S', 'W', 'K', 'B', 'D', 'H', 'V':
		cc.M++
	default:
		cc.Other++
	}
}
