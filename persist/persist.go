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

// Package persist declares PersistencePort (spec §4.H): the abstract
// durable key-value interface CompressedStore and SparseMatrix depend on.
// The core never talks to a specific database; it depends only on this
// interface, which the embedding program satisfies (spec §1's "durable
// key-value store itself" is explicitly out of scope for the core).
package persist

import "context"

// Key spaces used by this core, per spec §4.H.
const (
	PrefixSeq     = "seq/"
	PrefixEdge    = "edge/"
	PrefixCluster = "cluster/"
	PrefixMeta    = "meta/"
)

// OpKind distinguishes the two kinds of mutation AtomicBatch accepts.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one mutation in an AtomicBatch call.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte // ignored for OpDelete
}

// Entry is one (key, value) pair yielded by a Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Iterator walks the entries returned by Scan, in key order.
type Iterator interface {
	// Next advances the iterator and reports whether an entry is available.
	Next(ctx context.Context) (Entry, bool, error)
	// Close releases resources held by the iterator.
	Close() error
}

// Port is the durable key-value interface the core depends on.
type Port interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) (Iterator, error)
	// AtomicBatch applies every op, or none of them (spec §4.H).
	AtomicBatch(ctx context.Context, ops []Op) error
}
