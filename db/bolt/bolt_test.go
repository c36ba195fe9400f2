package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mhbvr/photostore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, version int) (*Backend, photostore.Handle) {
	t.Helper()

	backend := New(filepath.Join(t.TempDir(), "photos.db"), 0)
	h, err := backend.Open(context.Background(), version)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return backend, h
}

func TestIndexFollowsOverwrites(t *testing.T) {
	t.Parallel()
	_, h := openTestDB(t, 1)
	ctx := context.Background()

	require.NoError(t, h.Put(ctx, photostore.StoredPhoto{ID: "a", Timestamp: 10}))
	require.NoError(t, h.Put(ctx, photostore.StoredPhoto{ID: "b", Timestamp: 20}))
	require.NoError(t, h.Put(ctx, photostore.StoredPhoto{ID: "a", Timestamp: 30}))

	oldest, err := h.Oldest(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, oldest)

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestDeleteUpToIsInclusiveAndBounded(t *testing.T) {
	t.Parallel()
	_, h := openTestDB(t, 1)
	ctx := context.Background()

	for i, ts := range []int64{-3, 5, 5, 6, 100} {
		require.NoError(t, h.Put(ctx, photostore.StoredPhoto{ID: string(rune('a' + i)), Timestamp: ts}))
	}

	n, err := h.DeleteUpTo(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	oldest, err := h.Oldest(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, oldest)

	n, err = h.DeleteUpTo(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDeleteRemovesIndexEntry(t *testing.T) {
	t.Parallel()
	_, h := openTestDB(t, 1)
	ctx := context.Background()

	require.NoError(t, h.Put(ctx, photostore.StoredPhoto{ID: "a", Timestamp: 1}))
	require.NoError(t, h.Delete(ctx, "a"))
	require.NoError(t, h.Delete(ctx, "a"))

	oldest, err := h.Oldest(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, oldest)

	_, ok, err := h.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReopenKeepsDataAtSameVersion(t *testing.T) {
	t.Parallel()
	backend := New(filepath.Join(t.TempDir(), "photos.db"), 0)
	ctx := context.Background()

	h, err := backend.Open(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, h.Put(ctx, photostore.StoredPhoto{ID: "a", Payload: []byte{1, 2}, Timestamp: 1, Size: 2}))
	require.NoError(t, h.Close())

	h, err = backend.Open(ctx, 2)
	require.NoError(t, err)
	defer h.Close()
	got, ok, err := h.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, got.Payload)
}

func TestOpenOlderVersionConflicts(t *testing.T) {
	t.Parallel()
	backend := New(filepath.Join(t.TempDir(), "photos.db"), 0)
	ctx := context.Background()

	h, err := backend.Open(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = backend.Open(ctx, 1)
	require.ErrorIs(t, err, photostore.ErrVersionConflict)

	// The failed open released the file.
	require.NoError(t, backend.Destroy(ctx))
}

func TestClosedHandleFails(t *testing.T) {
	t.Parallel()
	_, h := openTestDB(t, 1)
	require.NoError(t, h.Close())

	_, err := h.Count(context.Background())
	assert.Error(t, err)
}
