package mask

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/findneighbour-core/ferrors"
)

func TestNewAndContains(t *testing.T) {
	m, err := New(10, []int{2, 5})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 10, m.SequenceLength())
	assert.True(t, m.Contains(2))
	assert.True(t, m.Contains(5))
	assert.False(t, m.Contains(3))
	assert.Equal(t, []int{2, 5}, m.Positions())
}

func TestNewRejectsOutOfRange(t *testing.T) {
	_, err := New(10, []int{10})
	assert.True(t, ferrors.Is(err, ferrors.ConfigError))

	_, err = New(10, []int{-1})
	assert.True(t, ferrors.Is(err, ferrors.ConfigError))
}

func TestContainsOutOfRangeIsFalse(t *testing.T) {
	m, err := New(10, nil)
	require.NoError(t, err)
	assert.False(t, m.Contains(-1))
	assert.False(t, m.Contains(10))
}

func TestApplyReplacesMaskedPositions(t *testing.T) {
	m, err := New(10, []int{0, 9})
	require.NoError(t, err)
	out, err := m.Apply(strings.Repeat("A", 10))
	require.NoError(t, err)
	assert.Equal(t, string(Sentinel)+strings.Repeat("A", 8)+string(Sentinel), out)
}

func TestApplyNoMaskReturnsInputUnchanged(t *testing.T) {
	m, err := New(10, nil)
	require.NoError(t, err)
	in := strings.Repeat("A", 10)
	out, err := m.Apply(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestApplyRejectsWrongLength(t *testing.T) {
	m, err := New(10, nil)
	require.NoError(t, err)
	_, err = m.Apply("ACGT")
	assert.True(t, ferrors.Is(err, ferrors.InvalidInput))
}
