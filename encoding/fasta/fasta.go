// Package fasta parses multi-FASTA files: reference genomes and the
// consensus-sequence sample files findneighbour-core ingests. A FASTA file
// holds a number of named sequences, each possibly wrapped across several
// lines, e.g.:
//
// >chr7
// ACGTAC
// GAGGAC
// GCG
// >chr8
// ACGT
//
// A sequence's name is the text between '>' and the first space on its
// header line; anything after the first space is a free-form description
// and is discarded.
package fasta

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// loadBufferBytes bounds the scanner's line buffer; reference genomes can
// have chromosome-length lines when unwrapped.
const loadBufferBytes = 300 * 1024 * 1024

// Fasta is a set of named sequences loaded from one FASTA file.
type Fasta interface {
	// Get returns seqName's bases in the half-open range [start, end).
	Get(seqName string, start, end uint64) (string, error)

	// Len returns the number of bases in seqName.
	Len(seqName string) (uint64, error)

	// SeqNames returns every sequence name, in file order.
	SeqNames() []string
}

type fasta struct {
	bases    map[string]string
	seqNames []string
}

// New reads every sequence in r into memory.
func New(r io.Reader) (Fasta, error) {
	f := &fasta{bases: make(map[string]string)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, loadBufferBytes)

	var name string
	var body strings.Builder
	flush := func() error {
		if body.Len() == 0 {
			return nil
		}
		if name == "" {
			return errors.New("fasta: sequence body with no preceding header")
		}
		f.bases[name] = body.String()
		f.seqNames = append(f.seqNames, name)
		body.Reset()
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line[0] == '>' {
			if err := flush(); err != nil {
				return nil, err
			}
			name = strings.SplitN(line[1:], " ", 2)[0]
			continue
		}
		body.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "fasta: reading FASTA data")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *fasta) Get(seqName string, start, end uint64) (string, error) {
	s, ok := f.bases[seqName]
	if !ok {
		return "", errors.Errorf("fasta: sequence not found: %s", seqName)
	}
	if end <= start {
		return "", errors.New("fasta: start must be less than end")
	}
	if end > uint64(len(s)) {
		return "", errors.Errorf("fasta: range %d-%d out of bounds for sequence %s of length %d",
			start, end, seqName, len(s))
	}
	return s[start:end], nil
}

func (f *fasta) Len(seqName string) (uint64, error) {
	s, ok := f.bases[seqName]
	if !ok {
		return 0, errors.Errorf("fasta: sequence not found: %s", seqName)
	}
	return uint64(len(s)), nil
}

func (f *fasta) SeqNames() []string {
	return f.seqNames
}
