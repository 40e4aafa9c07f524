package minio

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AGIHouse/openscience/blobstore"
)

// TestStoreIntegration requires a running MinIO instance at OPENSCIENCE_TEST_MINIO_ENDPOINT.
func TestStoreIntegration(t *testing.T) {
	endpoint := os.Getenv("OPENSCIENCE_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("OPENSCIENCE_TEST_MINIO_ENDPOINT not set")
	}

	client, err := Dial(endpoint, "minioadmin", "minioadmin", false)
	require.NoError(t, err)

	ctx := context.Background()
	store := NewStore(client, "openscience-test", t.Name())
	require.NoError(t, store.EnsureBucket(ctx))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, store.Put(ctx, "schemes/a/1.snap", []byte("snapshot")))
	data, err := store.Get(ctx, "schemes/a/1.snap")
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot"), data)

	names, err := store.List(ctx, "schemes/a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"schemes/a/1.snap"}, names)

	require.NoError(t, store.Delete(ctx, "schemes/a/1.snap"))
	require.NoError(t, store.Delete(ctx, "schemes/a/1.snap"))
}
