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

package fs

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/grailbio/findneighbour-core/ferrors"
	"github.com/grailbio/findneighbour-core/persist"
)

// Checkpoint writes every key under prefix to w as a single zstd-compressed
// batch segment: a sequence of (key length, key, value length, value)
// records. This is the bulk-export counterpart to the one-file-per-key
// layout Put/Get/Scan use, for operators who want to ship a whole prefix
// (e.g. every edge/ key) as one portable artifact rather than walking the
// directory tree file by file.
func (p *Port) Checkpoint(ctx context.Context, prefix string, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, err, "fs: open zstd writer")
	}

	it, err := p.Scan(ctx, prefix)
	if err != nil {
		_ = zw.Close()
		return err
	}
	defer it.Close()

	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			_ = zw.Close()
			return err
		}
		if !ok {
			break
		}
		if err := writeCheckpointRecord(zw, entry); err != nil {
			_ = zw.Close()
			return ferrors.Wrap(ferrors.Internal, err, "fs: write checkpoint record")
		}
	}
	if err := zw.Close(); err != nil {
		return ferrors.Wrap(ferrors.Internal, err, "fs: close zstd writer")
	}
	return nil
}

func writeCheckpointRecord(w io.Writer, entry persist.Entry) error {
	if err := writeLengthPrefixed(w, []byte(entry.Key)); err != nil {
		return err
	}
	return writeLengthPrefixed(w, entry.Value)
}

func writeLengthPrefixed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Restore reads a Checkpoint stream and replays every (key, value) record
// back into the Port via Put.
func (p *Port) Restore(ctx context.Context, r io.Reader) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, err, "fs: open zstd reader")
	}
	defer zr.Close()

	for {
		key, err := readLengthPrefixed(zr)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ferrors.Wrap(ferrors.PersistenceFailure, err, "fs: read checkpoint key")
		}
		value, err := readLengthPrefixed(zr)
		if err != nil {
			return ferrors.Wrap(ferrors.PersistenceFailure, err, "fs: read checkpoint value")
		}
		if err := p.Put(ctx, string(key), value); err != nil {
			return err
		}
	}
}
