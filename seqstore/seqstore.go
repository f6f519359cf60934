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

// Package seqstore implements CompressedStore (spec §4.C): the owner of
// every compressed sequence, with a capacity-bounded in-RAM working set
// backed by a PersistencePort.
//
// The working set is split into shards, each independently locked and
// independently LRU-managed, following the "shared resources... reader-writer
// exclusion with writer priority" guidance of spec §5. Routing a guid to a
// shard uses seahash, a fast non-cryptographic hash, the way the rest of the
// ecosystem uses one for bucket routing rather than hashing with something
// cryptographic or relying on Go's randomized map iteration order.
package seqstore

import (
	"container/list"
	"context"
	"sync"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/log"
	"github.com/grailbio/findneighbour-core/ferrors"
	"github.com/grailbio/findneighbour-core/internal/posset"
	"github.com/grailbio/findneighbour-core/mask"
	"github.com/grailbio/findneighbour-core/persist"
	"github.com/grailbio/findneighbour-core/refcodec"
	"github.com/grailbio/findneighbour-core/seqdata"
	"github.com/grailbio/findneighbour-core/wire"
)

const numShards = 16

// minLocalRefSaving is the minimum number of delta-bits a local-reference
// encoding must save before it is preferred over storing single-delta (spec
// §4.B "if best saving < threshold, store single-delta").
const minLocalRefSaving = 4

// anchorRingSize bounds how many recently-persisted sequences are sampled as
// local-reference candidates (spec §4.B "bounded sample").
const anchorRingSize = 8

type workingEntry struct {
	seq      *seqdata.CompressedSequence
	elem     *list.Element // this entry's node in its shard's lru list
	borrowed int32
}

type shard struct {
	mu       sync.RWMutex
	entries  map[string]*workingEntry
	lru      *list.List // front = most recently used
	capacity int
}

func newShard(capacity int) *shard {
	return &shard{entries: map[string]*workingEntry{}, lru: list.New(), capacity: capacity}
}

// touch moves guid to the front of the LRU list. Caller holds s.mu.
func (s *shard) touch(guid string, e *workingEntry) {
	s.lru.MoveToFront(e.elem)
	_ = guid
}

// evictLocked evicts least-recently-used entries with zero outstanding
// borrows until the shard is at or under capacity, flushing each to
// persistence first. Caller holds s.mu.
func (s *shard) evictLocked(ctx context.Context, port persist.Port) error {
	for len(s.entries) > s.capacity {
		elem := s.lru.Back()
		evicted := false
		for elem != nil {
			guid := elem.Value.(string)
			we := s.entries[guid]
			if we.borrowed == 0 {
				if err := flushToPersistence(ctx, port, we.seq); err != nil {
					return err
				}
				s.lru.Remove(elem)
				delete(s.entries, guid)
				evicted = true
				break
			}
			elem = elem.Prev()
		}
		if !evicted {
			// Every remaining entry is borrowed; the shard is temporarily
			// over capacity until a borrow is released. This is a soft cap
			// (spec §6.1 "working_set_capacity: soft upper bound").
			break
		}
	}
	return nil
}

// Store is CompressedStore.
type Store struct {
	ref         string
	mask        *mask.Set
	maxNPercent float64
	port        persist.Port

	shards [numShards]*shard

	dirMu sync.RWMutex
	dir   map[string]bool // every guid ever inserted, whether or not resident
	order []string        // insertion order, for guids_beginning_with and similar scans

	anchorMu sync.Mutex
	anchors  []*seqdata.CompressedSequence // ring buffer, most recent last
}

// New returns a Store for the given reference, mask, invalid-call threshold
// and working-set capacity (soft, spread evenly across shards).
func New(ref string, m *mask.Set, maxNPercent float64, capacity int, port persist.Port) *Store {
	s := &Store{
		ref:         ref,
		mask:        m,
		maxNPercent: maxNPercent,
		port:        port,
		dir:         map[string]bool{},
	}
	perShard := capacity / numShards
	if perShard < 1 {
		perShard = 1
	}
	for i := range s.shards {
		s.shards[i] = newShard(perShard)
	}
	return s
}

func (s *Store) shardFor(guid string) *shard {
	h := seahash.Sum64([]byte(guid))
	return s.shards[h%uint64(numShards)]
}

// Exists reports whether guid has ever been inserted.
func (s *Store) Exists(guid string) bool {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	return s.dir[guid]
}

// AllGUIDs returns every inserted guid, in insertion order.
func (s *Store) AllGUIDs() []string {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func flushToPersistence(ctx context.Context, port persist.Port, seq *seqdata.CompressedSequence) error {
	record, err := wire.EncodeSequence(seq)
	if err != nil {
		return ferrors.Wrapf(ferrors.Internal, err, "seqstore: encode %s", seq.GUID)
	}
	if err := port.Put(ctx, persist.PrefixSeq+seq.GUID, record); err != nil {
		return ferrors.Wrapf(ferrors.PersistenceFailure, err, "seqstore: flush %s", seq.GUID)
	}
	return nil
}

// Insert compresses masked_seq against the reference, classifies it invalid
// if too uncertain, stores it in the working set, persists a double-delta
// or single-delta record, and returns the resulting CompressedSequence.
//
// Insert never partially mutates the store on failure: InvalidInput and
// ConfigError are detected before anything is written (spec §7).
func (s *Store) Insert(ctx context.Context, guid string, seq string, meta map[string]interface{}) (*seqdata.CompressedSequence, error) {
	if guid == "" {
		return nil, ferrors.New(ferrors.InvalidInput, "seqstore: guid must not be empty")
	}
	if s.Exists(guid) {
		return nil, ferrors.Errorf(ferrors.InvalidInput, "seqstore: duplicate guid %q", guid)
	}
	masked, err := s.mask.Apply(seq)
	if err != nil {
		return nil, err
	}
	cs, err := refcodec.EncodeVsReference(guid, s.ref, masked, s.mask)
	if err != nil {
		return nil, err
	}
	cs.Meta = meta
	uncertainFraction := 1 - cs.Quality
	if uncertainFraction > s.maxNPercent {
		cs.Invalid = true
	}

	doubleDelta, err := s.persistSequence(ctx, cs)
	if err != nil {
		return nil, err
	}

	s.putWorkingSet(ctx, cs)
	s.registerGUID(guid)
	if !doubleDelta {
		// Only single-delta records become anchors, so a double-delta
		// record never points at another double-delta record.
		s.addAnchor(cs)
	}

	if cs.Invalid {
		log.Debug.Printf("seqstore: %s flagged invalid (quality=%.4f)", guid, cs.Quality)
	}
	return cs, nil
}

func (s *Store) persistSequence(ctx context.Context, cs *seqdata.CompressedSequence) (doubleDelta bool, err error) {
	diskForm := cs
	anchors := s.anchorSample()
	if dd, ok := refcodec.SelectLocalReference(cs, anchors, minLocalRefSaving); ok {
		doubleDelta = true
		diskForm = cs.Clone()
		diskForm.Local = dd
		// Clear the directly-stored delta sets: they are redundant with
		// Local plus the anchor, per spec §4.B "only the symmetric
		// difference... is stored".
		diskForm.APos = posset.New(cs.RefLen)
		diskForm.CPos = posset.New(cs.RefLen)
		diskForm.GPos = posset.New(cs.RefLen)
		diskForm.TPos = posset.New(cs.RefLen)
	}
	record, err := wire.EncodeSequence(diskForm)
	if err != nil {
		return false, ferrors.Wrapf(ferrors.Internal, err, "seqstore: encode %s", cs.GUID)
	}
	if err := s.port.Put(ctx, persist.PrefixSeq+cs.GUID, record); err != nil {
		return false, ferrors.Wrapf(ferrors.PersistenceFailure, err, "seqstore: persist %s", cs.GUID)
	}
	return doubleDelta, nil
}

func (s *Store) putWorkingSet(ctx context.Context, cs *seqdata.CompressedSequence) {
	sh := s.shardFor(cs.GUID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	elem := sh.lru.PushFront(cs.GUID)
	sh.entries[cs.GUID] = &workingEntry{seq: cs, elem: elem}
	if err := sh.evictLocked(ctx, s.port); err != nil {
		log.Error.Printf("seqstore: eviction failed: %v", err)
	}
}

func (s *Store) registerGUID(guid string) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.dir[guid] = true
	s.order = append(s.order, guid)
}

func (s *Store) addAnchor(cs *seqdata.CompressedSequence) {
	s.anchorMu.Lock()
	defer s.anchorMu.Unlock()
	s.anchors = append(s.anchors, cs)
	if len(s.anchors) > anchorRingSize {
		s.anchors = s.anchors[len(s.anchors)-anchorRingSize:]
	}
}

func (s *Store) anchorSample() []*seqdata.CompressedSequence {
	s.anchorMu.Lock()
	defer s.anchorMu.Unlock()
	out := make([]*seqdata.CompressedSequence, len(s.anchors))
	copy(out, s.anchors)
	return out
}

// Get returns the expanded CompressedSequence for guid, rehydrating from
// persistence (and expanding at most one level of double-delta indirection,
// spec §9(c)) if it is not resident in the working set.
func (s *Store) Get(ctx context.Context, guid string) (*seqdata.CompressedSequence, error) {
	sh := s.shardFor(guid)

	sh.mu.Lock()
	if we, ok := sh.entries[guid]; ok {
		sh.touch(guid, we)
		sh.mu.Unlock()
		return we.seq, nil
	}
	sh.mu.Unlock()

	if !s.Exists(guid) {
		return nil, ferrors.Errorf(ferrors.NotFound, "seqstore: unknown guid %q", guid)
	}

	cs, err := s.rehydrate(ctx, guid)
	if err != nil {
		return nil, err
	}

	sh.mu.Lock()
	elem := sh.lru.PushFront(guid)
	sh.entries[guid] = &workingEntry{seq: cs, elem: elem}
	evictErr := sh.evictLocked(ctx, s.port)
	sh.mu.Unlock()
	if evictErr != nil {
		log.Error.Printf("seqstore: eviction failed: %v", evictErr)
	}
	return cs, nil
}

func (s *Store) rehydrate(ctx context.Context, guid string) (*seqdata.CompressedSequence, error) {
	data, found, err := s.port.Get(ctx, persist.PrefixSeq+guid)
	if err != nil {
		return nil, ferrors.Wrapf(ferrors.PersistenceFailure, err, "seqstore: load %s", guid)
	}
	if !found {
		return nil, ferrors.Errorf(ferrors.Internal, "seqstore: guid %q registered but has no persisted record", guid)
	}
	cs, err := wire.DecodeSequence(data)
	if err != nil {
		return nil, ferrors.Wrapf(ferrors.PersistenceFailure, err, "seqstore: decode %s", guid)
	}
	if cs.Local == nil {
		return cs, nil
	}
	anchorData, found, err := s.port.Get(ctx, persist.PrefixSeq+cs.Local.AnchorGUID)
	if err != nil {
		return nil, ferrors.Wrapf(ferrors.PersistenceFailure, err, "seqstore: load anchor %s", cs.Local.AnchorGUID)
	}
	if !found {
		return nil, ferrors.Errorf(ferrors.Internal, "seqstore: anchor %q for %q missing", cs.Local.AnchorGUID, guid)
	}
	anchor, err := wire.DecodeSequence(anchorData)
	if err != nil {
		return nil, ferrors.Wrapf(ferrors.PersistenceFailure, err, "seqstore: decode anchor %s", cs.Local.AnchorGUID)
	}
	if anchor.Local != nil {
		// Spec §9(c): rehydration depth is bounded to one indirection. The
		// codec never produces chains deeper than one, so an anchor that is
		// itself double-delta means a corrupted persisted record.
		return nil, ferrors.Errorf(ferrors.Internal, "seqstore: anchor %q is itself double-delta; chain too deep", cs.Local.AnchorGUID)
	}
	aPos, cPos, gPos, tPos := refcodec.Expand(cs.Local, anchor)
	cs.APos, cs.CPos, cs.GPos, cs.TPos = aPos, cPos, gPos, tPos
	return cs, nil
}

// Quality returns the quality score for guid.
func (s *Store) Quality(ctx context.Context, guid string) (float64, error) {
	cs, err := s.Get(ctx, guid)
	if err != nil {
		return 0, err
	}
	return cs.Quality, nil
}

// Sequence reconstructs the masked input string for guid: masked positions
// become 'N', ambiguity positions render their IUPAC code, and all other
// positions render their explicit or implicit (reference) base.
func (s *Store) Sequence(ctx context.Context, guid string) (string, error) {
	cs, err := s.Get(ctx, guid)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(s.ref))
	for pos := range out {
		switch {
		case s.mask.Contains(pos):
			out[pos] = 'N'
		case cs.NPos.Has(pos):
			out[pos] = 'N'
		default:
			if b := cs.AssignedBase(pos); b != 0 {
				out[pos] = b
			} else if freq, ok := cs.MPos[pos]; ok {
				out[pos] = freq.IUPACCode()
			} else {
				out[pos] = s.ref[pos]
			}
		}
	}
	return string(out), nil
}

// Reset drops every sequence from the working set, the guid directory, the
// anchor sample, and persistence. It performs no debug_mode gating; neither
// does findneighbour.Service.Reset, which calls it (spec §6.1, §6.2).
func (s *Store) Reset(ctx context.Context) error {
	s.dirMu.Lock()
	guids := s.dir
	s.dir = map[string]bool{}
	s.order = nil
	s.dirMu.Unlock()

	for i := range s.shards {
		s.shards[i].mu.Lock()
		s.shards[i].entries = map[string]*workingEntry{}
		s.shards[i].lru = list.New()
		s.shards[i].mu.Unlock()
	}
	s.anchorMu.Lock()
	s.anchors = nil
	s.anchorMu.Unlock()

	for guid := range guids {
		if err := s.port.Delete(ctx, persist.PrefixSeq+guid); err != nil {
			return err
		}
	}
	return nil
}

// WorkingSetSize returns the number of sequences currently resident across
// all shards, for server_memory_usage.
func (s *Store) WorkingSetSize() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
