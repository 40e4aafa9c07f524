package deadletter_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AGIHouse/openscience/ingest/deadletter"
	"github.com/AGIHouse/openscience/model"
)

func TestKey(t *testing.T) {
	k := deadletter.Key("minilm", 42)
	assert.Equal(t, "minilm/00000000000000000042", k)

	scheme, id, err := deadletter.ParseKey(k)
	require.NoError(t, err)
	assert.Equal(t, "minilm", scheme)
	assert.Equal(t, model.PassageID(42), id)

	_, _, err = deadletter.ParseKey("nokey")
	require.Error(t, err)
	_, _, err = deadletter.ParseKey("a/b")
	require.Error(t, err)
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) deadletter.Store{
		"memory": func(t *testing.T) deadletter.Store { return deadletter.NewMemoryStore() },
		"bolt": func(t *testing.T) deadletter.Store {
			s, err := deadletter.OpenBolt(filepath.Join(t.TempDir(), "dead.db"))
			require.NoError(t, err)
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			for _, l := range []deadletter.Letter{
				{Scheme: "b", PassageID: 1, Attempts: 3, Error: "boom", FailedAt: at},
				{Scheme: "a", PassageID: 10, Attempts: 3, Error: "boom", FailedAt: at},
				{Scheme: "a", PassageID: 2, Attempts: 3, Error: "boom", FailedAt: at},
			} {
				require.NoError(t, s.Put(ctx, l))
			}
			// Replacing keeps one letter per key.
			require.NoError(t, s.Put(ctx, deadletter.Letter{Scheme: "a", PassageID: 2, Attempts: 5, Error: "again", FailedAt: at}))

			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			all, err := s.List(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, model.PassageID(2), all[0].PassageID)
			assert.Equal(t, 5, all[0].Attempts)
			assert.Equal(t, model.PassageID(10), all[1].PassageID)
			assert.Equal(t, "b", all[2].Scheme)
			assert.True(t, all[2].FailedAt.Equal(at))

			page, err := s.List(ctx, all[0].Key(), 1)
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, model.PassageID(10), page[0].PassageID)

			require.NoError(t, s.Delete(ctx, "a", 10))
			require.NoError(t, s.Delete(ctx, "a", 999))
			n, err = s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}
