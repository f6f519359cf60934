package refcodec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/findneighbour-core/ferrors"
	"github.com/grailbio/findneighbour-core/mask"
	"github.com/grailbio/findneighbour-core/seqdata"
)

func noMask(t *testing.T, n int) *mask.Set {
	m, err := mask.New(n, nil)
	require.NoError(t, err)
	return m
}

func TestEncodeVsReferenceAgreement(t *testing.T) {
	ref := strings.Repeat("A", 10)
	m := noMask(t, 10)
	cs, err := EncodeVsReference("g1", ref, ref, m)
	require.NoError(t, err)
	assert.Equal(t, 0, cs.APos.Count()+cs.CPos.Count()+cs.GPos.Count()+cs.TPos.Count())
	assert.Equal(t, 1.0, cs.Quality)
}

func TestEncodeVsReferenceSubstitutionsAndN(t *testing.T) {
	ref := "AAAAAAAAAA"
	in := "ACAANAAAAA"
	m := noMask(t, 10)
	cs, err := EncodeVsReference("g1", ref, in, m)
	require.NoError(t, err)
	assert.True(t, cs.CPos.Has(1))
	assert.True(t, cs.NPos.Has(4))
	assert.Equal(t, byte('C'), cs.AssignedBase(1))
	assert.Equal(t, 1-1.0/10, cs.Quality)
}

func TestEncodeVsReferenceAmbiguityCode(t *testing.T) {
	ref := strings.Repeat("A", 5)
	in := "ARAAA"
	m := noMask(t, 5)
	cs, err := EncodeVsReference("g1", ref, in, m)
	require.NoError(t, err)
	freq, ok := cs.MPos[1]
	require.True(t, ok)
	assert.Equal(t, seqdata.BaseFreq{FA: 0.5, FG: 0.5}, freq)
}

func TestEncodeVsReferenceInvalidCode(t *testing.T) {
	ref := strings.Repeat("A", 5)
	in := "AZAAA"
	m := noMask(t, 5)
	_, err := EncodeVsReference("g1", ref, in, m)
	assert.True(t, ferrors.Is(err, ferrors.InvalidInput))
}

func TestEncodeVsReferenceSkipsMaskedPositions(t *testing.T) {
	ref := strings.Repeat("A", 5)
	in := "A" + string(mask.Sentinel) + "AAA"
	m, err := mask.New(5, []int{1})
	require.NoError(t, err)
	cs, err := EncodeVsReference("g1", ref, in, m)
	require.NoError(t, err)
	assert.False(t, cs.NPos.Has(1))
	assert.Equal(t, 1.0, cs.Quality)
}

func TestEncodeVsReferenceLengthMismatch(t *testing.T) {
	m := noMask(t, 5)
	_, err := EncodeVsReference("g1", strings.Repeat("A", 5), "AAA", m)
	assert.True(t, ferrors.Is(err, ferrors.InvalidInput))
}

func TestSetMixtureFrequency(t *testing.T) {
	ref := strings.Repeat("A", 5)
	in := "AMAAA"
	m := noMask(t, 5)
	cs, err := EncodeVsReference("g1", ref, in, m)
	require.NoError(t, err)

	require.NoError(t, SetMixtureFrequency(cs, 1, seqdata.BaseFreq{FA: 0.9, FC: 0.1}))
	assert.Equal(t, seqdata.BaseFreq{FA: 0.9, FC: 0.1}, cs.MPos[1])

	err = SetMixtureFrequency(cs, 2, seqdata.BaseFreq{})
	assert.True(t, ferrors.Is(err, ferrors.InvalidInput))
}

func TestEncodeExpandRoundTrip(t *testing.T) {
	ref := strings.Repeat("A", 20)
	m := noMask(t, 20)

	anchor, err := EncodeVsReference("anchor", ref, "ACGTAAAAAAAAAAAAAAAA", m)
	require.NoError(t, err)
	x, err := EncodeVsReference("x", ref, "ACGAAAAAAAAAAAAAAATA", m)
	require.NoError(t, err)

	dd := EncodeVsLocal(x, anchor)
	aPos, cPos, gPos, tPos := Expand(dd, anchor)
	assert.True(t, aPos.Equal(x.APos))
	assert.True(t, cPos.Equal(x.CPos))
	assert.True(t, gPos.Equal(x.GPos))
	assert.True(t, tPos.Equal(x.TPos))
}

func TestSelectLocalReferencePrefersBiggestSaving(t *testing.T) {
	ref := strings.Repeat("A", 20)
	m := noMask(t, 20)

	x, err := EncodeVsReference("x", ref, "CCCCCCCCCCAAAAAAAAAA", m)
	require.NoError(t, err)
	closeAnchor, err := EncodeVsReference("close", ref, "CCCCCCCCCCAAAAAAAAAA", m)
	require.NoError(t, err)
	farAnchor, err := EncodeVsReference("far", ref, "AAAAAAAAAAAAAAAAAAAA", m)
	require.NoError(t, err)

	dd, ok := SelectLocalReference(x, []*seqdata.CompressedSequence{farAnchor, closeAnchor}, 4)
	require.True(t, ok)
	assert.Equal(t, "close", dd.AnchorGUID)
}

func TestSelectLocalReferenceBelowThresholdRejected(t *testing.T) {
	ref := strings.Repeat("A", 20)
	m := noMask(t, 20)

	x, err := EncodeVsReference("x", ref, "CAAAAAAAAAAAAAAAAAAA", m)
	require.NoError(t, err)
	anchor, err := EncodeVsReference("anchor", ref, "AAAAAAAAAAAAAAAAAAAA", m)
	require.NoError(t, err)

	_, ok := SelectLocalReference(x, []*seqdata.CompressedSequence{anchor}, 4)
	assert.False(t, ok)
}

func TestSelectLocalReferenceExcludesSelf(t *testing.T) {
	ref := strings.Repeat("A", 20)
	m := noMask(t, 20)
	x, err := EncodeVsReference("x", ref, "CCCCCAAAAAAAAAAAAAAA", m)
	require.NoError(t, err)

	_, ok := SelectLocalReference(x, []*seqdata.CompressedSequence{x}, 0)
	assert.False(t, ok)
}
