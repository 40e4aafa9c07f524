package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AGIHouse/openscience/corpus"
	"github.com/AGIHouse/openscience/corpus/corpustest"
	"github.com/AGIHouse/openscience/corpus/postgres"
)

// Set OPENSCIENCE_TEST_POSTGRES_DSN to a disposable database to run these.
// Each subtest truncates the tables it uses.
func TestBackend(t *testing.T) {
	dsn := os.Getenv("OPENSCIENCE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OPENSCIENCE_TEST_POSTGRES_DSN not set")
	}
	corpustest.Run(t, func(t *testing.T) corpus.Backend {
		ctx := context.Background()
		b, err := postgres.Open(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, postgres.Truncate(ctx, b))
		return b
	})
}
