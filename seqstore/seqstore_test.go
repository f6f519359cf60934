package seqstore

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/findneighbour-core/ferrors"
	"github.com/grailbio/findneighbour-core/mask"
	"github.com/grailbio/findneighbour-core/persist/fs"
)

func newTestStore(t *testing.T, refLen, capacity int) (*Store, string) {
	t.Helper()
	ref := strings.Repeat("A", refLen)
	m, err := mask.New(refLen, nil)
	require.NoError(t, err)
	port, err := fs.New(t.TempDir())
	require.NoError(t, err)
	return New(ref, m, 0.5, capacity, port), ref
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s, ref := newTestStore(t, 10, 100)
	seq := "C" + ref[1:]

	cs, err := s.Insert(ctx, "g1", seq, map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	assert.False(t, cs.Invalid)
	assert.True(t, s.Exists("g1"))

	got, err := s.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", got.GUID)
	assert.True(t, got.CPos.Has(0))
}

func TestInsertRejectsDuplicateGUID(t *testing.T) {
	ctx := context.Background()
	s, ref := newTestStore(t, 10, 100)
	_, err := s.Insert(ctx, "g1", ref, nil)
	require.NoError(t, err)
	_, err = s.Insert(ctx, "g1", ref, nil)
	assert.True(t, ferrors.Is(err, ferrors.InvalidInput))
}

func TestInsertRejectsEmptyGUID(t *testing.T) {
	ctx := context.Background()
	s, ref := newTestStore(t, 10, 100)
	_, err := s.Insert(ctx, "", ref, nil)
	assert.True(t, ferrors.Is(err, ferrors.InvalidInput))
}

func TestInsertFlagsLowQualityInvalid(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 10, 100)
	// maxNPercent is 0.5; an all-N sequence has uncertainFraction 1.0.
	cs, err := s.Insert(ctx, "g1", strings.Repeat("N", 10), nil)
	require.NoError(t, err)
	assert.True(t, cs.Invalid)
}

func TestGetUnknownGUIDIsNotFound(t *testing.T) {
	s, _ := newTestStore(t, 10, 100)
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, ferrors.Is(err, ferrors.NotFound))
}

func TestSequenceReconstructsMaskedInput(t *testing.T) {
	ctx := context.Background()
	s, ref := newTestStore(t, 10, 100)
	seq := "C" + ref[1:]
	_, err := s.Insert(ctx, "g1", seq, nil)
	require.NoError(t, err)

	got, err := s.Sequence(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, seq, got)
}

func TestGetRehydratesAfterEviction(t *testing.T) {
	ctx := context.Background()
	// capacity/numShards rounds down to 1 per shard, so inserting past the
	// per-shard cap forces eviction to persistence.
	s, ref := newTestStore(t, 10, numShards)
	for i := 0; i < 64; i++ {
		guid := fmt.Sprintf("g%02d", i)
		_, err := s.Insert(ctx, guid, ref, nil)
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, "g00")
	require.NoError(t, err)
	assert.Equal(t, "g00", got.GUID)
}

func TestResetClearsEverything(t *testing.T) {
	ctx := context.Background()
	s, ref := newTestStore(t, 10, 100)
	_, err := s.Insert(ctx, "g1", ref, nil)
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))
	assert.False(t, s.Exists("g1"))
	assert.Empty(t, s.AllGUIDs())
	_, err = s.Get(ctx, "g1")
	assert.True(t, ferrors.Is(err, ferrors.NotFound))
}

func TestAllGUIDsPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s, ref := newTestStore(t, 10, 100)
	for _, guid := range []string{"c", "a", "b"} {
		_, err := s.Insert(ctx, guid, ref, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"c", "a", "b"}, s.AllGUIDs())
}

func TestWorkingSetSizeTracksResidentEntries(t *testing.T) {
	ctx := context.Background()
	s, ref := newTestStore(t, 10, 100)
	assert.Equal(t, 0, s.WorkingSetSize())
	_, err := s.Insert(ctx, "g1", ref, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.WorkingSetSize())
}
