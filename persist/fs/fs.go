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

// Package fs is a local-filesystem PersistencePort, the reference
// implementation used by the demonstration binary and by tests. It stores
// one file per key under a root directory, using grailbio/base/file for the
// actual read/write/remove operations the way encoding/pam does, so the same
// code would work unmodified against any file.Implementation the embedding
// program registers (local, S3, ...).
package fs

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/grailbio/base/file"
	"github.com/grailbio/findneighbour-core/ferrors"
	"github.com/grailbio/findneighbour-core/persist"
	"github.com/pkg/errors"
)

// Port is a persist.Port backed by files under root.
type Port struct {
	root string
	mu   sync.Mutex // serializes AtomicBatch against concurrent writers
}

// New returns a Port rooted at dir, which is created if it does not exist.
func New(dir string) (*Port, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ferrors.Wrap(ferrors.PersistenceFailure, err, "fs: create root directory")
	}
	return &Port{root: dir}, nil
}

func (p *Port) path(key string) string {
	return filepath.Join(p.root, filepath.FromSlash(key))
}

// Put writes value to the file backing key, creating parent directories as
// needed.
func (p *Port) Put(ctx context.Context, key string, value []byte) error {
	path := p.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ferrors.Wrap(ferrors.PersistenceFailure, err, "fs: create parent directory")
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return ferrors.Wrapf(ferrors.PersistenceFailure, err, "fs: create %s", key)
	}
	if _, err := f.Writer(ctx).Write(value); err != nil {
		_ = f.Close(ctx)
		return ferrors.Wrapf(ferrors.PersistenceFailure, err, "fs: write %s", key)
	}
	if err := f.Close(ctx); err != nil {
		return ferrors.Wrapf(ferrors.PersistenceFailure, err, "fs: close %s", key)
	}
	return nil
}

// Get reads the file backing key. found is false if it does not exist.
func (p *Port) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	path := p.path(key)
	f, err := file.Open(ctx, path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, false, nil
		}
		return nil, false, ferrors.Wrapf(ferrors.PersistenceFailure, err, "fs: open %s", key)
	}
	defer func() { _ = f.Close(ctx) }()
	value, err = ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return nil, false, ferrors.Wrapf(ferrors.PersistenceFailure, err, "fs: read %s", key)
	}
	return value, true, nil
}

// Delete removes the file backing key. Deleting an absent key is not an
// error, matching the idempotent semantics SparseMatrix.Remove needs.
func (p *Port) Delete(ctx context.Context, key string) error {
	path := p.path(key)
	if err := file.Remove(ctx, path); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return ferrors.Wrapf(ferrors.PersistenceFailure, err, "fs: remove %s", key)
	}
	return nil
}

// AtomicBatch applies ops serially under a lock and rolls back writes already
// applied if a later op in the batch fails, giving all-or-nothing semantics
// without requiring a transactional backing store.
func (p *Port) AtomicBatch(ctx context.Context, ops []persist.Op) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	type undo struct {
		key      string
		hadValue bool
		value    []byte
	}
	var undos []undo
	rollback := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			u := undos[i]
			if u.hadValue {
				_ = p.Put(ctx, u.key, u.value)
			} else {
				_ = p.Delete(ctx, u.key)
			}
		}
	}

	for _, op := range ops {
		prior, hadValue, _ := p.Get(ctx, op.Key)
		undos = append(undos, undo{key: op.Key, hadValue: hadValue, value: prior})

		var err error
		switch op.Kind {
		case persist.OpPut:
			err = p.Put(ctx, op.Key, op.Value)
		case persist.OpDelete:
			err = p.Delete(ctx, op.Key)
		default:
			err = ferrors.Errorf(ferrors.Internal, "fs: unknown op kind %d", op.Kind)
		}
		if err != nil {
			rollback()
			return err
		}
	}
	return nil
}

// Scan walks every file under prefix. Recursive prefix listing is done via
// filepath.Walk against the local root rather than file.List, since a
// file.Lister's recursion semantics vary across backends and only the
// single-file read/write/remove path needs to be backend-agnostic here.
func (p *Port) Scan(ctx context.Context, prefix string) (persist.Iterator, error) {
	dir := p.path(prefix)
	var keys []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, ferrors.Wrapf(ferrors.PersistenceFailure, err, "fs: scan %s", prefix)
	}
	sort.Strings(keys)
	return &scanIterator{ctx: ctx, port: p, keys: keys}, nil
}

type scanIterator struct {
	ctx  context.Context
	port *Port
	keys []string
	pos  int
}

func (it *scanIterator) Next(ctx context.Context) (persist.Entry, bool, error) {
	if it.pos >= len(it.keys) {
		return persist.Entry{}, false, nil
	}
	key := it.keys[it.pos]
	it.pos++
	value, found, err := it.port.Get(ctx, key)
	if err != nil {
		return persist.Entry{}, false, err
	}
	if !found {
		// Removed between Scan and Next; skip it.
		return it.Next(ctx)
	}
	return persist.Entry{Key: key, Value: value}, true, nil
}

func (it *scanIterator) Close() error { return nil }
