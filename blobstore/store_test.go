package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s BlobStore) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "schemes/a/1.snap", []byte("one")))
	require.NoError(t, s.Put(ctx, "schemes/a/2.snap", []byte("two")))
	require.NoError(t, s.Put(ctx, "schemes/b/1.snap", []byte("b")))

	data, err := s.Get(ctx, "schemes/a/2.snap")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	require.NoError(t, s.Put(ctx, "schemes/a/2.snap", []byte("two'")))
	data, err = s.Get(ctx, "schemes/a/2.snap")
	require.NoError(t, err)
	assert.Equal(t, []byte("two'"), data)

	names, err := s.List(ctx, "schemes/a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"schemes/a/1.snap", "schemes/a/2.snap"}, names)

	require.NoError(t, s.Delete(ctx, "schemes/a/1.snap"))
	require.NoError(t, s.Delete(ctx, "schemes/a/1.snap"))
	names, err = s.List(ctx, "schemes/")
	require.NoError(t, err)
	assert.Equal(t, []string{"schemes/a/2.snap", "schemes/b/1.snap"}, names)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, s)
}

func TestBlobPointerStore(t *testing.T) {
	ctx := context.Background()
	ps := NewBlobPointerStore(NewMemoryStore())

	_, err := ps.Latest(ctx, "schemes/a/CURRENT")
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := ps.Commit(ctx, "schemes/a/CURRENT", 0, "schemes/a/1.snap")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Version)

	_, err = ps.Commit(ctx, "schemes/a/CURRENT", 0, "schemes/a/x.snap")
	assert.ErrorIs(t, err, ErrConcurrentModification)

	_, err = ps.Commit(ctx, "schemes/a/CURRENT", 1, "schemes/a/2.snap")
	require.NoError(t, err)

	p, err = ps.Latest(ctx, "schemes/a/CURRENT")
	require.NoError(t, err)
	assert.Equal(t, Pointer{Version: 2, Target: "schemes/a/2.snap"}, p)
}
