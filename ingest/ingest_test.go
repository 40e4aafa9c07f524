package ingest_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AGIHouse/openscience/corpus"
	"github.com/AGIHouse/openscience/corpus/memory"
	"github.com/AGIHouse/openscience/distance"
	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/ingest"
	"github.com/AGIHouse/openscience/metadata"
	"github.com/AGIHouse/openscience/model"
)

const scheme = "toy"

type fixture struct {
	store    *corpus.Store
	manager  *index.Manager
	passages []model.PassageID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := corpus.New(memory.New())
	m := index.New()
	require.NoError(t, m.Register(index.SchemeConfig{Name: scheme, Dimension: 3, Metric: distance.MetricL2}))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	res, err := store.PutDocument(ctx, &model.Document{
		Source:     model.SourceArxiv,
		ExternalID: "2401.00001",
		Title:      "Toy Paper",
		Passages: []model.PassageInput{
			{Strategy: model.StrategySentence, OrderIndex: 0, Text: "alpha"},
			{Strategy: model.StrategySentence, OrderIndex: 1, Text: "beta"},
			{Strategy: model.StrategySentence, OrderIndex: 2, Text: "gamma"},
		},
	})
	require.NoError(t, err)
	f := &fixture{store: store, manager: m}
	for _, p := range res.Passages[model.StrategySentence] {
		f.passages = append(f.passages, p.ID)
	}
	return f
}

func (f *fixture) ingestor(t *testing.T, idx ingest.Index, optFns ...func(o *ingest.Options)) *ingest.Ingestor {
	t.Helper()
	if idx == nil {
		idx = f.manager
	}
	fast := func(o *ingest.Options) {
		o.BackoffBase = time.Millisecond
		o.BackoffMax = 4 * time.Millisecond
		o.Workers = 2
	}
	in := ingest.New(f.store, idx, append([]func(o *ingest.Options){fast}, optFns...)...)
	t.Cleanup(func() { _ = in.Close(context.Background()) })
	return in
}

func drain(t *testing.T, in *ingest.Ingestor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, in.Drain(ctx))
}

func (f *fixture) hits(t *testing.T, vec []float32) []model.PassageID {
	t.Helper()
	res, err := f.manager.Query(context.Background(), scheme, index.QueryRequest{Vector: vec, K: 10})
	require.NoError(t, err)
	var out []model.PassageID
	for _, h := range res.Hits {
		out = append(out, h.PassageID)
	}
	return out
}

func TestAttachValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := f.ingestor(t, nil)
	id := f.passages[0]

	tests := []struct {
		name string
		rec  model.EmbeddingRecord
		want error
	}{
		{"unknown scheme", model.EmbeddingRecord{PassageID: id, Scheme: "nope", Vector: []float32{1, 2, 3}}, model.ErrUnknownScheme},
		{"dimension", model.EmbeddingRecord{PassageID: id, Scheme: scheme, Vector: []float32{1, 2}}, model.ErrDimensionMismatch},
		{"non-finite", model.EmbeddingRecord{PassageID: id, Scheme: scheme, Vector: []float32{1, float32(math.NaN()), 3}}, model.ErrValidation},
		{"missing passage", model.EmbeddingRecord{PassageID: 999, Scheme: scheme, Vector: []float32{1, 2, 3}}, model.ErrNotFound},
		// Dimension is checked before passage existence.
		{"dimension before passage", model.EmbeddingRecord{PassageID: 999, Scheme: scheme, Vector: []float32{1}}, model.ErrDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := in.Attach(ctx, tt.rec)
			require.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("already exists", func(t *testing.T) {
		rec := model.EmbeddingRecord{PassageID: id, Scheme: scheme, Vector: []float32{1, 2, 3}}
		_, err := in.Attach(ctx, rec)
		require.NoError(t, err)
		_, err = in.Attach(ctx, rec)
		require.ErrorIs(t, err, model.ErrAlreadyExists)

		rec.Vector = []float32{3, 2, 1}
		_, err = in.Attach(ctx, rec)
		require.ErrorIs(t, err, model.ErrConflict)
	})
}

func TestAttachIndexes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := f.ingestor(t, nil)

	for i, id := range f.passages {
		e, err := in.Attach(ctx, model.EmbeddingRecord{PassageID: id, Scheme: scheme, Vector: []float32{float32(i), 0, 0}})
		require.NoError(t, err)
		assert.False(t, e.ProducedAt.IsZero())
	}
	drain(t, in)

	assert.Equal(t, f.passages, f.hits(t, []float32{0, 0, 0}))
	pending, err := f.store.ListUnindexed(ctx, scheme, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type flakyIndex struct {
	*index.Manager
	mu       sync.Mutex
	failures int // remaining failures, negative fails forever
	calls    int
}

func (f *flakyIndex) Insert(ctx context.Context, name string, id model.PassageID, vec []float32, attrs metadata.Attributes) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures != 0
	if f.failures > 0 {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("transient index failure")
	}
	return f.Manager.Insert(ctx, name, id, vec, attrs)
}

func (f *flakyIndex) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

type recorder struct {
	mu   sync.Mutex
	dead int
}

func (r *recorder) RecordAttach(string, error)           {}
func (r *recorder) RecordIndexInsert(string, int, error) {}
func (r *recorder) RecordDeadLetter(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead++
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	flaky := &flakyIndex{Manager: f.manager, failures: 2}
	in := f.ingestor(t, flaky, ingest.WithRetry(3, time.Millisecond, 2*time.Millisecond))

	_, err := in.Attach(ctx, model.EmbeddingRecord{PassageID: f.passages[0], Scheme: scheme, Vector: []float32{1, 1, 1}})
	require.NoError(t, err)
	drain(t, in)

	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, []model.PassageID{f.passages[0]}, f.hits(t, []float32{1, 1, 1}))
	st, err := in.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.DeadLetters)
}

func TestDeadLetterAndReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	flaky := &flakyIndex{Manager: f.manager, failures: -1}
	rec := &recorder{}
	in := f.ingestor(t, flaky, ingest.WithRetry(2, time.Millisecond, time.Millisecond), ingest.WithMetrics(rec))

	id := f.passages[1]
	_, err := in.Attach(ctx, model.EmbeddingRecord{PassageID: id, Scheme: scheme, Vector: []float32{0, 1, 0}})
	require.NoError(t, err)
	drain(t, in)

	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 1, rec.dead)
	letters, err := in.DeadLetters(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].PassageID)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Contains(t, letters[0].Error, "transient")
	assert.Empty(t, f.hits(t, []float32{0, 1, 0}))

	// The embedding stays persisted and unindexed.
	pending, err := f.store.ListUnindexed(ctx, scheme, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	flaky.setFailures(0)
	n, err := in.Replay(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	drain(t, in)

	assert.Equal(t, []model.PassageID{id}, f.hits(t, []float32{0, 1, 0}))
	letters, err = in.DeadLetters(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestNonRetryableGoesStraightToDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := f.ingestor(t, nil)

	// An embedding persisted for a scheme the index does not know.
	require.NoError(t, f.store.PutEmbedding(ctx, model.Embedding{PassageID: f.passages[0], Scheme: "ghost", Vector: []float32{1}}))
	n, err := in.CatchUp(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	drain(t, in)

	letters, err := in.DeadLetters(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 1, letters[0].Attempts)
}

func TestCatchUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i, id := range f.passages {
		require.NoError(t, f.store.PutEmbedding(ctx, model.Embedding{PassageID: id, Scheme: scheme, Vector: []float32{0, 0, float32(i)}}))
	}
	require.NoError(t, f.store.MarkIndexed(ctx, scheme, f.passages[0]))

	in := f.ingestor(t, nil)
	n, err := in.CatchUp(ctx, scheme)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	drain(t, in)

	assert.Equal(t, f.passages[1:], f.hits(t, []float32{0, 0, 0}))
	n, err = in.CatchUp(ctx, scheme)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRetractedPaperIsRetired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, err := f.store.Retract(ctx, "")
	require.ErrorIs(t, err, model.ErrNotFound)

	p, err := f.store.Backend().GetPassage(ctx, f.passages[0])
	require.NoError(t, err)
	_, _, err = f.store.Retract(ctx, p.PaperID)
	require.NoError(t, err)

	in := f.ingestor(t, nil)
	_, err = in.Attach(ctx, model.EmbeddingRecord{PassageID: f.passages[0], Scheme: scheme, Vector: []float32{1, 0, 0}})
	require.NoError(t, err)
	drain(t, in)

	assert.Empty(t, f.hits(t, []float32{1, 0, 0}))
	pending, err := f.store.ListUnindexed(ctx, scheme, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := ingest.New(f.store, f.manager)
	require.NoError(t, in.Close(ctx))
	require.NoError(t, in.Close(ctx))

	// Persisted even though the dispatcher is gone; CatchUp picks it up later.
	_, err := in.Attach(ctx, model.EmbeddingRecord{PassageID: f.passages[2], Scheme: scheme, Vector: []float32{1, 2, 3}})
	require.NoError(t, err)
	pending, err := f.store.ListUnindexed(ctx, scheme, 0, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = in.CatchUp(ctx, scheme)
	require.ErrorIs(t, err, model.ErrClosed)
}
