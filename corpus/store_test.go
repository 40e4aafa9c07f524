package corpus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AGIHouse/openscience/corpus"
	"github.com/AGIHouse/openscience/corpus/memory"
	"github.com/AGIHouse/openscience/identity"
	"github.com/AGIHouse/openscience/model"
)

const sentence = model.StrategySentence

func newStore(t *testing.T, optFns ...func(o *corpus.Options)) *corpus.Store {
	t.Helper()
	r := identity.NewResolver(func(o *identity.Options) {
		o.IDs = &identity.SequenceGenerator{Prefix: "P"}
		o.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	})
	opts := append([]func(o *corpus.Options){corpus.WithResolver(r)}, optFns...)
	s := corpus.New(memory.New(), opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func doc(id, title string, passages ...string) *model.Document {
	d := &model.Document{
		Source:          model.SourceArxiv,
		ExternalID:      id,
		Title:           title,
		Authors:         []string{"Grace Hopper"},
		PublicationDate: "2024-01",
		Tags:            []string{"cs.LG"},
	}
	for i, text := range passages {
		d.Passages = append(d.Passages, model.PassageInput{Strategy: sentence, OrderIndex: i, Text: text})
	}
	return d
}

func TestPutDocument(t *testing.T) {
	ctx := context.Background()

	t.Run("creates paper and passages", func(t *testing.T) {
		s := newStore(t)
		res, err := s.PutDocument(ctx, doc("2401.00001", "Deep Nets", "one", "two"))
		require.NoError(t, err)
		assert.True(t, res.Resolution.Created)
		assert.Equal(t, "P1", res.Resolution.Paper.ID)
		assert.Equal(t, 2, res.NewPassages)
		require.Len(t, res.Passages[sentence], 2)

		p, err := s.GetPaper(ctx, "P1")
		require.NoError(t, err)
		assert.Equal(t, []string{"cs.lg"}, p.Tags)
		assert.Equal(t, "2401.00001", p.ExternalIDs[model.SourceArxiv])

		infos, err := s.ListStrategies(ctx, "P1")
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, model.PassageSetFinalized, infos[0].State)
	})

	t.Run("replay is a no-op", func(t *testing.T) {
		s := newStore(t)
		first, err := s.PutDocument(ctx, doc("2401.00001", "Deep Nets", "one", "two"))
		require.NoError(t, err)
		again, err := s.PutDocument(ctx, doc("arXiv:2401.00001v2", "Deep Nets", "one", "two"))
		require.NoError(t, err)
		assert.False(t, again.Resolution.Created)
		assert.False(t, again.Resolution.Changed)
		assert.Equal(t, 0, again.NewPassages)
		assert.Equal(t, first.Passages[sentence], again.Passages[sentence])
	})

	t.Run("finalized set rejects new text", func(t *testing.T) {
		s := newStore(t)
		_, err := s.PutDocument(ctx, doc("2401.00001", "Deep Nets", "one"))
		require.NoError(t, err)
		_, err = s.PutDocument(ctx, doc("2401.00001", "Deep Nets", "changed"))
		require.ErrorIs(t, err, model.ErrConflict)

		next, err := s.NextStrategyVersion(ctx, "P1", sentence)
		require.NoError(t, err)
		assert.Equal(t, model.Strategy("sentence@v2"), next)
	})

	t.Run("citations resolve to known papers", func(t *testing.T) {
		s := newStore(t)
		_, err := s.PutDocument(ctx, doc("2401.00001", "Cited"))
		require.NoError(t, err)

		citing := doc("2402.00002", "Citing")
		citing.Citations = []model.CitationRef{
			{Source: model.SourceArxiv, ExternalID: "2401.00001", Raw: "[1] Cited"},
			{Source: model.SourceDOI, ExternalID: "10.1000/unknown"},
		}
		res, err := s.PutDocument(ctx, citing)
		require.NoError(t, err)
		assert.Equal(t, 1, res.CitationsAdded)
		require.Len(t, res.UnresolvedCitations, 1)
		assert.Equal(t, "10.1000/unknown", res.UnresolvedCitations[0].ExternalID)

		edges, err := s.GetCitations(ctx, "P1", model.Backward)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, res.Resolution.Paper.ID, edges[0].Citing)
		assert.Equal(t, "[1] Cited", edges[0].Raw)
	})

	t.Run("citation strings resolve through arxiv ids and dois", func(t *testing.T) {
		s := newStore(t)
		_, err := s.PutDocument(ctx, doc("2401.00001", "Cited"))
		require.NoError(t, err)
		other := doc("", "Elsewhere")
		other.Source = model.SourceDOI
		other.ExternalID = "10.1000/xyz"
		_, err = s.PutDocument(ctx, other)
		require.NoError(t, err)

		citing := doc("2402.00002", "Citing")
		citing.CitationStrings = []string{
			"Hopper, G. Cited. arXiv:2401.00001v3, 2024.",
			"Someone. Elsewhere. J. Things, doi:10.1000/XYZ.",
			"A. Nonymous. Lost in the mail. 1999.",
			"  ",
		}
		res, err := s.PutDocument(ctx, citing)
		require.NoError(t, err)
		assert.Equal(t, 2, res.CitationsAdded)
		require.Len(t, res.UnresolvedCitations, 1)
		assert.Equal(t, "A. Nonymous. Lost in the mail. 1999.", res.UnresolvedCitations[0].Raw)
		assert.Empty(t, res.UnresolvedCitations[0].ExternalID)

		edges, err := s.GetCitations(ctx, res.Resolution.Paper.ID, model.Forward)
		require.NoError(t, err)
		require.Len(t, edges, 2)
		raws := []string{edges[0].Raw, edges[1].Raw}
		assert.Contains(t, raws, "Hopper, G. Cited. arXiv:2401.00001v3, 2024.")
		assert.Contains(t, raws, "Someone. Elsewhere. J. Things, doi:10.1000/XYZ.")
	})

	t.Run("document without external id", func(t *testing.T) {
		s := newStore(t)
		first, err := s.PutDocument(ctx, doc("", "Untracked Notes", "one"))
		require.NoError(t, err)
		assert.True(t, first.Resolution.Created)
		assert.Empty(t, first.Resolution.Keys)

		second, err := s.PutDocument(ctx, doc("", "Untracked Notes"))
		require.NoError(t, err)
		assert.True(t, second.Resolution.Created)
		require.Len(t, second.Resolution.Candidates, 1)
		assert.Equal(t, first.Resolution.Paper.ID, second.Resolution.Candidates[0].CandidateID)

		cands, err := s.ListMergeCandidates(ctx, "", 10)
		require.NoError(t, err)
		assert.Len(t, cands, 1)
	})

	t.Run("validation", func(t *testing.T) {
		s := newStore(t)
		_, err := s.PutDocument(ctx, &model.Document{Source: model.SourceArxiv, ExternalID: "x"})
		require.ErrorIs(t, err, model.ErrValidation)
	})
}

func TestPaperHook(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var seen []string
	s := newStore(t, corpus.WithPaperHook(func(_ context.Context, p *model.Paper) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p.ID)
	}))

	_, err := s.PutPaper(ctx, doc("2401.00001", "Hooked"))
	require.NoError(t, err)
	_, err = s.PutPaper(ctx, doc("2401.00001", "Hooked"))
	require.NoError(t, err)
	_, _, err = s.Retract(ctx, "P1")
	require.NoError(t, err)

	assert.Equal(t, []string{"P1", "P1"}, seen)
}

func TestConcurrentPutPaper(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.PutPaper(ctx, doc("2401.00001", "Race"))
			if assert.NoError(t, err) {
				ids[i] = res.Paper.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	papers, next, err := s.ScanPapers(ctx, model.Filter{}, "", 10)
	require.NoError(t, err)
	assert.Len(t, papers, 1)
	assert.Empty(t, next)
}

func TestAppendPassages(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.PutPaper(ctx, doc("2401.00001", "Paper"))
	require.NoError(t, err)

	_, err = s.AppendPassages(ctx, "P9", sentence, []model.PassageInput{{OrderIndex: 0, Text: "x"}}, false)
	require.ErrorIs(t, err, model.ErrNotFound)

	first, err := s.AppendPassages(ctx, "P1", sentence, []model.PassageInput{{OrderIndex: 0, Text: "a"}}, false)
	require.NoError(t, err)
	require.Len(t, first, 1)

	both, err := s.AppendPassages(ctx, "P1", sentence, []model.PassageInput{
		{OrderIndex: 0, Text: "a"},
		{OrderIndex: 1, Text: "b"},
	}, false)
	require.NoError(t, err)
	require.Len(t, both, 2)
	assert.Equal(t, first[0].ID, both[0].ID)

	_, err = s.AppendPassages(ctx, "P1", sentence, []model.PassageInput{{OrderIndex: 1, Text: "B"}}, false)
	require.ErrorIs(t, err, model.ErrConflict)

	_, err = s.AppendPassages(ctx, "P1", sentence, []model.PassageInput{{OrderIndex: 2, Text: " "}}, false)
	require.ErrorIs(t, err, model.ErrValidation)

	require.ErrorIs(t, s.FinalizePassages(ctx, "P1", model.StrategyTokenWindow), model.ErrNotFound)
	require.NoError(t, s.FinalizePassages(ctx, "P1", sentence))
	require.NoError(t, s.FinalizePassages(ctx, "P1", sentence))

	_, err = s.AppendPassages(ctx, "P1", sentence, []model.PassageInput{{OrderIndex: 2, Text: "c"}}, false)
	require.ErrorIs(t, err, model.ErrConflict)

	got, err := s.GetPassages(ctx, "P1", sentence)
	require.NoError(t, err)
	assert.Equal(t, both, got)

	empty, err := s.GetPassages(ctx, "P1", model.StrategyTokenWindow)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	res, err := s.PutDocument(ctx, doc("2401.00001", "Paper", "text"))
	require.NoError(t, err)
	id := res.Passages[sentence][0].ID

	e := model.Embedding{PassageID: id, Scheme: "minilm", Vector: []float32{1, 2}}
	require.NoError(t, s.PutEmbedding(ctx, e))
	require.ErrorIs(t, s.PutEmbedding(ctx, e), model.ErrAlreadyExists)

	e.Vector = []float32{2, 1}
	require.ErrorIs(t, s.PutEmbedding(ctx, e), model.ErrConflict)

	require.ErrorIs(t, s.PutEmbedding(ctx, model.Embedding{PassageID: id + 100, Scheme: "minilm", Vector: []float32{1}}), model.ErrNotFound)

	got, err := s.GetEmbedding(ctx, id, "minilm")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got.Vector)
	assert.False(t, got.ProducedAt.IsZero())

	recs, err := s.ScanIndexRecords(ctx, "minilm", 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "P1", recs[0].Attributes.PaperID)

	pending, err := s.ListUnindexed(ctx, "minilm", 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, s.MarkIndexed(ctx, "minilm", id))
	pending, err = s.ListUnindexed(ctx, "minilm", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetractAndFilter(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.PutDocument(ctx, doc("2401.00001", "Kept", "a"))
	require.NoError(t, err)
	_, err = s.PutDocument(ctx, doc("2401.00002", "Retracted", "b", "c"))
	require.NoError(t, err)

	p, ids, err := s.Retract(ctx, "P2")
	require.NoError(t, err)
	assert.True(t, p.Retracted())
	assert.Len(t, ids, 2)

	_, again, err := s.Retract(ctx, "P2")
	require.NoError(t, err)
	assert.Equal(t, ids, again)

	papers, _, err := s.ScanPapers(ctx, model.Filter{}, "", 10)
	require.NoError(t, err)
	require.Len(t, papers, 1)
	assert.Equal(t, "P1", papers[0].ID)

	papers, _, err = s.ScanPapers(ctx, model.Filter{IncludeRetracted: true}, "", 10)
	require.NoError(t, err)
	assert.Len(t, papers, 2)

	got, err := s.FilterPapers(ctx, []string{"P1", "P2", "P404"}, model.Filter{Tags: []string{"CS.LG"}})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "P1")

	_, _, err = s.Retract(ctx, "P404")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestScanPapersPaging(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, id := range []string{"2401.00001", "2401.00002", "2401.00003"} {
		_, err := s.PutPaper(ctx, doc(id, "Paper "+id))
		require.NoError(t, err)
	}

	page, next, err := s.ScanPapers(ctx, model.Filter{}, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "P2", next)

	page, next, err = s.ScanPapers(ctx, model.Filter{}, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "P3", page[0].ID)
	assert.Empty(t, next)
}

func TestMergeCandidates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.PutPaper(ctx, doc("2401.00001", "Same Title"))
	require.NoError(t, err)
	other := doc("10.1000/xyz", "Same Title")
	other.Source = model.SourceDOI
	res, err := s.PutPaper(ctx, other)
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.Len(t, res.Candidates, 1)

	cs, err := s.ListMergeCandidates(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "P1", cs[0].CandidateID)
	assert.Equal(t, model.ReasonFingerprint, cs[0].Reason)
}
