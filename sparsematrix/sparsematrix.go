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

// Package sparsematrix implements SparseMatrix (spec §4.E): the symmetric,
// thresholded edge set over guids, persisted through a persist.Port.
//
// Each guid's adjacency is kept in an llrb.Tree ordered by (snv, partner
// guid), so Neighbours returns results in spec §4.E's required order
// (ascending SNV, lexicographic guid tie-break) without sorting at query
// time -- the same use of biogo/store/llrb as the teacher's per-shard
// ordered index.
package sparsematrix

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	farm "github.com/dgryski/go-farm"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/findneighbour-core/ferrors"
	"github.com/grailbio/findneighbour-core/persist"
)

// Format selects the neighbour record shape, per spec §6.2.
type Format int

const (
	FormatIDOnly Format = 1 + iota
	FormatIDSNV
	FormatIDSNVQuality
	FormatIDSNVQualityMeta
)

// Neighbour is one entry returned by Neighbours. Fields not asked for by
// the requested Format are left zero.
type Neighbour struct {
	GUID    string
	SNV     int
	Quality float64
	Meta    map[string]interface{}
}

// edgeEndpoint is one side of an edge as recorded in a guid's adjacency
// tree: the partner's guid, the distance, and a snapshot of the partner's
// quality/meta as of when the edge was added (spec §4.E's neighbours()
// filters on partner quality).
type edgeEndpoint struct {
	partner string
	snv     int
	quality float64
	meta    map[string]interface{}
}

// Compare orders endpoints by ascending snv, then lexicographic partner
// guid, satisfying llrb.Comparable and spec §4.E's ordering requirement in
// one structure.
func (e *edgeEndpoint) Compare(c llrb.Comparable) int {
	o := c.(*edgeEndpoint)
	if e.snv != o.snv {
		return e.snv - o.snv
	}
	switch {
	case e.partner < o.partner:
		return -1
	case e.partner > o.partner:
		return 1
	default:
		return 0
	}
}

type adjacency struct {
	tree llrb.Tree
	byID map[string]*edgeEndpoint
}

func newAdjacency() *adjacency {
	return &adjacency{tree: llrb.Tree{}, byID: map[string]*edgeEndpoint{}}
}

func (a *adjacency) upsert(e *edgeEndpoint) {
	if old, ok := a.byID[e.partner]; ok {
		if old.snv == e.snv && old.quality == e.quality {
			return // idempotent re-add
		}
		a.tree.Delete(old)
	}
	a.byID[e.partner] = e
	a.tree.Insert(e)
}

func (a *adjacency) remove(partner string) {
	if old, ok := a.byID[partner]; ok {
		a.tree.Delete(old)
		delete(a.byID, partner)
	}
}

// Matrix is SparseMatrix.
type Matrix struct {
	mu      sync.RWMutex
	ceiling int
	port    persist.Port
	edges   map[string]*adjacency // guid -> its neighbours
}

// New returns an empty Matrix with the given SNV ceiling, persisted through
// port.
func New(ceiling int, port persist.Port) *Matrix {
	return &Matrix{ceiling: ceiling, port: port, edges: map[string]*adjacency{}}
}

func canonicalPair(g1, g2 string) (lo, hi string) {
	if g1 <= g2 {
		return g1, g2
	}
	return g2, g1
}

// edgeKey computes the persisted key for the canonical pair (lo, hi). It is
// bucketed under a two-hex-digit farm hash of the pair, so edge keys spread
// over 256 prefixes; lo and hi still appear verbatim as the last two path
// components (spec §4.E "Edges are written through to the PersistencePort
// keyed by (min(g1,g2), max(g1,g2))"; the hash bucket is purely a
// storage-layout detail, not part of the key's logical identity).
func edgeKey(lo, hi string) string {
	h := farm.Hash64WithSeed([]byte(lo+"\x00"+hi), 0)
	return fmt.Sprintf("%s%02x/%s/%s", persist.PrefixEdge, h%256, lo, hi)
}

type persistedEdge struct {
	G1, G2       string
	SNV          int
	Q1, Q2       float64
	Meta1, Meta2 map[string]interface{}
}

// AddEdge records an edge between g1 and g2 at distance snv, with the
// quality and meta of each endpoint snapshotted for neighbour filtering. It
// requires snv <= ceiling, is idempotent, and is symmetric.
func (m *Matrix) AddEdge(ctx context.Context, g1, g2 string, snv int, q1, q2 float64, meta1, meta2 map[string]interface{}) error {
	if g1 == g2 {
		return ferrors.New(ferrors.Internal, "sparsematrix: cannot add a self-edge")
	}
	if snv > m.ceiling {
		return ferrors.Errorf(ferrors.Internal, "sparsematrix: snv %d exceeds ceiling %d", snv, m.ceiling)
	}

	m.mu.Lock()
	a1, ok := m.edges[g1]
	if !ok {
		a1 = newAdjacency()
		m.edges[g1] = a1
	}
	a2, ok := m.edges[g2]
	if !ok {
		a2 = newAdjacency()
		m.edges[g2] = a2
	}
	a1.upsert(&edgeEndpoint{partner: g2, snv: snv, quality: q2, meta: meta2})
	a2.upsert(&edgeEndpoint{partner: g1, snv: snv, quality: q1, meta: meta1})
	m.mu.Unlock()

	lo, hi := canonicalPair(g1, g2)
	q1lo, q2hi, meta1lo, meta2hi := q1, q2, meta1, meta2
	if lo != g1 {
		q1lo, q2hi, meta1lo, meta2hi = q2, q1, meta2, meta1
	}
	payload, err := json.Marshal(persistedEdge{G1: lo, G2: hi, SNV: snv, Q1: q1lo, Q2: q2hi, Meta1: meta1lo, Meta2: meta2hi})
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, err, "sparsematrix: marshal edge")
	}
	if err := m.port.Put(ctx, edgeKey(lo, hi), payload); err != nil {
		return ferrors.Wrap(ferrors.PersistenceFailure, err, "sparsematrix: persist edge")
	}
	return nil
}

// Neighbours returns edges incident on g with snv <= threshold and partner
// quality >= qualityCutoff, ascending by snv then lexicographic guid.
func (m *Matrix) Neighbours(g string, threshold int, qualityCutoff float64, format Format) []Neighbour {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.edges[g]
	if !ok {
		return nil
	}
	var out []Neighbour
	a.tree.Do(func(c llrb.Comparable) bool {
		e := c.(*edgeEndpoint)
		if e.snv > threshold {
			return false // tree iterates ascending snv; nothing further qualifies
		}
		if e.quality >= qualityCutoff {
			n := Neighbour{GUID: e.partner}
			switch format {
			case FormatIDSNV:
				n.SNV = e.snv
			case FormatIDSNVQuality:
				n.SNV, n.Quality = e.snv, e.quality
			case FormatIDSNVQualityMeta:
				n.SNV, n.Quality, n.Meta = e.snv, e.quality, e.meta
			}
			out = append(out, n)
		}
		return true
	})
	return out
}

// Remove drops every edge incident on g, from both the in-RAM index and
// persistence.
func (m *Matrix) Remove(ctx context.Context, g string) error {
	m.mu.Lock()
	a, ok := m.edges[g]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	partners := make([]string, 0, len(a.byID))
	for partner := range a.byID {
		partners = append(partners, partner)
	}
	delete(m.edges, g)
	for _, partner := range partners {
		if pa, ok := m.edges[partner]; ok {
			pa.remove(g)
		}
	}
	m.mu.Unlock()

	sort.Strings(partners)
	for _, partner := range partners {
		lo, hi := canonicalPair(g, partner)
		if err := m.port.Delete(ctx, edgeKey(lo, hi)); err != nil {
			return ferrors.Wrap(ferrors.PersistenceFailure, err, "sparsematrix: delete edge")
		}
	}
	return nil
}

// Has reports whether an edge exists between g1 and g2.
func (m *Matrix) Has(g1, g2 string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.edges[g1]
	if !ok {
		return false
	}
	_, ok = a.byID[g2]
	return ok
}

// EdgeCount returns the total number of distinct edges, for
// server_memory_usage.
func (m *Matrix) EdgeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.edges {
		n += len(a.byID)
	}
	return n / 2
}

// Rebuild reloads the in-RAM index from persistence on startup. It scans
// every persisted edge eagerly in one pass before returning; edges are not
// loaded lazily on first access.
func (m *Matrix) Rebuild(ctx context.Context) error {
	it, err := m.port.Scan(ctx, persist.PrefixEdge)
	if err != nil {
		return ferrors.Wrap(ferrors.PersistenceFailure, err, "sparsematrix: scan edges")
	}
	defer it.Close()
	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			return ferrors.Wrap(ferrors.PersistenceFailure, err, "sparsematrix: scan edges")
		}
		if !ok {
			break
		}
		var pe persistedEdge
		if err := json.Unmarshal(entry.Value, &pe); err != nil {
			return ferrors.Wrap(ferrors.PersistenceFailure, err, "sparsematrix: decode edge")
		}
		m.mu.Lock()
		a1, ok := m.edges[pe.G1]
		if !ok {
			a1 = newAdjacency()
			m.edges[pe.G1] = a1
		}
		a2, ok := m.edges[pe.G2]
		if !ok {
			a2 = newAdjacency()
			m.edges[pe.G2] = a2
		}
		a1.upsert(&edgeEndpoint{partner: pe.G2, snv: pe.SNV, quality: pe.Q2, meta: pe.Meta2})
		a2.upsert(&edgeEndpoint{partner: pe.G1, snv: pe.SNV, quality: pe.Q1, meta: pe.Meta1})
		m.mu.Unlock()
	}
	return nil
}

// Reset drops every edge from the in-RAM index and persistence.
func (m *Matrix) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.edges = map[string]*adjacency{}
	m.mu.Unlock()

	it, err := m.port.Scan(ctx, persist.PrefixEdge)
	if err != nil {
		return ferrors.Wrap(ferrors.PersistenceFailure, err, "sparsematrix: scan edges")
	}
	defer it.Close()
	var keys []string
	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			return ferrors.Wrap(ferrors.PersistenceFailure, err, "sparsematrix: scan edges")
		}
		if !ok {
			break
		}
		keys = append(keys, entry.Key)
	}
	for _, k := range keys {
		if err := m.port.Delete(ctx, k); err != nil {
			return ferrors.Wrap(ferrors.PersistenceFailure, err, "sparsematrix: reset edges")
		}
	}
	return nil
}
