package fs

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, src.Put(ctx, "edge/00/a/b", []byte("one")))
	require.NoError(t, src.Put(ctx, "edge/01/c/d", []byte("two")))
	require.NoError(t, src.Put(ctx, "seq/other", []byte("unrelated")))

	var buf bytes.Buffer
	require.NoError(t, src.Checkpoint(ctx, "edge/", &buf))

	dst, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, dst.Restore(ctx, &buf))

	val, found, err := dst.Get(ctx, "edge/00/a/b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "one", string(val))

	val, found, err = dst.Get(ctx, "edge/01/c/d")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "two", string(val))

	_, found, err = dst.Get(ctx, "seq/other")
	require.NoError(t, err)
	assert.False(t, found, "Checkpoint must only include keys under the requested prefix")
}

func TestCheckpointOverEmptyPrefix(t *testing.T) {
	ctx := context.Background()
	src, err := New(t.TempDir())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Checkpoint(ctx, "edge/", &buf))

	dst, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, dst.Restore(ctx, &buf))
}
