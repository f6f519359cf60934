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

// Package wire encodes the records persisted through a persist.Port (spec
// §6.3: "self-describing records including schema version"). Every record is
// a JSON payload -- the natural fit for CompressedSequence.Meta, an opaque
// nested map of primitive sum-type values -- snappy-compressed, and
// checksummed with HighwayHash so a PersistencePort implementation can
// detect silent corruption on read without re-deriving the whole value.
package wire

import (
	"encoding/json"

	"github.com/golang/snappy"
	"github.com/grailbio/findneighbour-core/ferrors"
	"github.com/grailbio/findneighbour-core/internal/posset"
	"github.com/grailbio/findneighbour-core/seqdata"
	"github.com/minio/highwayhash"
)

// SchemaVersion is the current record layout version.
const SchemaVersion byte = 1

// checksumKey is a fixed HighwayHash key. Records are checksummed for
// corruption detection, not authenticated, so a constant key is
// appropriate -- unlike an HMAC, nothing here assumes the key is secret.
var checksumKey = make([]byte, highwayhash.Size)

// sequenceRecord is the on-disk shape of a seqdata.CompressedSequence.
// Position sets are flattened to sorted int slices since JSON has no native
// bitmap type.
type sequenceRecord struct {
	GUID    string
	RefLen  int
	APos    []int
	CPos    []int
	GPos    []int
	TPos    []int
	NPos    []int
	MPos    map[int]seqdata.BaseFreq
	Invalid bool
	Quality float64
	Meta    map[string]interface{}

	// Local* are populated only when the sequence is stored double-delta
	// (spec §4.B). LocalAnchor == "" means single-delta.
	LocalAnchor string
	LocalDeltaA []int
	LocalDeltaC []int
	LocalDeltaG []int
	LocalDeltaT []int
}

func frame(payload []byte) []byte {
	compressed := snappy.Encode(nil, payload)
	sum := highwayhash.Sum(compressed, checksumKey)
	out := make([]byte, 0, 1+len(sum)+len(compressed))
	out = append(out, SchemaVersion)
	out = append(out, sum[:]...)
	out = append(out, compressed...)
	return out
}

func unframe(data []byte) ([]byte, error) {
	if len(data) < 1+highwayhash.Size {
		return nil, ferrors.New(ferrors.PersistenceFailure, "wire: record too short to contain a header")
	}
	version := data[0]
	if version != SchemaVersion {
		return nil, ferrors.Errorf(ferrors.PersistenceFailure, "wire: unsupported schema version %d", version)
	}
	wantSum := data[1 : 1+highwayhash.Size]
	compressed := data[1+highwayhash.Size:]
	gotSum := highwayhash.Sum(compressed, checksumKey)
	for i := range wantSum {
		if wantSum[i] != gotSum[i] {
			return nil, ferrors.New(ferrors.PersistenceFailure, "wire: checksum mismatch, record is corrupt")
		}
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.PersistenceFailure, err, "wire: snappy decode failed")
	}
	return payload, nil
}

// EncodeSequence serializes a sequence: its position sets as they are, plus
// its double-delta form when cs.Local is set.
func EncodeSequence(cs *seqdata.CompressedSequence) ([]byte, error) {
	r := sequenceRecord{
		GUID:    cs.GUID,
		RefLen:  cs.RefLen,
		APos:    cs.APos.Positions(),
		CPos:    cs.CPos.Positions(),
		GPos:    cs.GPos.Positions(),
		TPos:    cs.TPos.Positions(),
		NPos:    cs.NPos.Positions(),
		MPos:    cs.MPos,
		Invalid: cs.Invalid,
		Quality: cs.Quality,
		Meta:    cs.Meta,
	}
	if cs.Local != nil {
		r.LocalAnchor = cs.Local.AnchorGUID
		r.LocalDeltaA = cs.Local.DeltaA.Positions()
		r.LocalDeltaC = cs.Local.DeltaC.Positions()
		r.LocalDeltaG = cs.Local.DeltaG.Positions()
		r.LocalDeltaT = cs.Local.DeltaT.Positions()
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Internal, err, "wire: marshal sequence record")
	}
	return frame(payload), nil
}

// DecodeSequence reverses EncodeSequence. If the record was written
// double-delta, cs.Local is populated and the A/C/G/T position sets hold
// whatever the writer stored (seqstore stores them empty); callers
// (seqstore) must expand Local against the anchor before use.
func DecodeSequence(data []byte) (*seqdata.CompressedSequence, error) {
	payload, err := unframe(data)
	if err != nil {
		return nil, err
	}
	var r sequenceRecord
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, ferrors.Wrap(ferrors.PersistenceFailure, err, "wire: unmarshal sequence record")
	}
	cs := seqdata.NewCompressedSequence(r.GUID, r.RefLen)
	for _, p := range r.APos {
		cs.APos.Add(p)
	}
	for _, p := range r.CPos {
		cs.CPos.Add(p)
	}
	for _, p := range r.GPos {
		cs.GPos.Add(p)
	}
	for _, p := range r.TPos {
		cs.TPos.Add(p)
	}
	for _, p := range r.NPos {
		cs.NPos.Add(p)
	}
	cs.MPos = r.MPos
	if cs.MPos == nil {
		cs.MPos = map[int]seqdata.BaseFreq{}
	}
	cs.Invalid = r.Invalid
	cs.Quality = r.Quality
	cs.Meta = r.Meta

	if r.LocalAnchor != "" {
		cs.Local = &seqdata.LocalReference{
			AnchorGUID: r.LocalAnchor,
			DeltaA:     positionsToSet(r.RefLen, r.LocalDeltaA),
			DeltaC:     positionsToSet(r.RefLen, r.LocalDeltaC),
			DeltaG:     positionsToSet(r.RefLen, r.LocalDeltaG),
			DeltaT:     positionsToSet(r.RefLen, r.LocalDeltaT),
		}
	}
	return cs, nil
}

func positionsToSet(n int, positions []int) *posset.Set {
	return posset.FromPositions(n, positions)
}
