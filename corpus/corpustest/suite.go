// Package corpustest holds the behavioural suite every corpus.Backend must pass.
package corpustest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AGIHouse/openscience/corpus"
	"github.com/AGIHouse/openscience/identity"
	"github.com/AGIHouse/openscience/model"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) corpus.Backend

// Run exercises b against the corpus.Backend contract.
func Run(t *testing.T, open Factory) {
	t.Run("Papers", func(t *testing.T) { testPapers(t, open(t)) })
	t.Run("MergeCandidates", func(t *testing.T) { testMergeCandidates(t, open(t)) })
	t.Run("Passages", func(t *testing.T) { testPassages(t, open(t)) })
	t.Run("Citations", func(t *testing.T) { testCitations(t, open(t)) })
	t.Run("Embeddings", func(t *testing.T) { testEmbeddings(t, open(t)) })
}

func paper(id, title string, ext map[model.Source]string) *model.Paper {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if ext == nil {
		ext = map[model.Source]string{}
	}
	return &model.Paper{
		ID:          id,
		Title:       title,
		Authors:     []string{"Ada Lovelace"},
		Source:      model.SourceArxiv,
		Tags:        []string{"cs.lg"},
		ExternalIDs: ext,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func arxiv(id string) identity.ExternalKey {
	return identity.ExternalKey{Source: model.SourceArxiv, ID: id}
}

func testPapers(t *testing.T, b corpus.Backend) {
	defer b.Close()
	ctx := context.Background()

	_, err := b.GetPaper(ctx, "P1")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = b.LookupExternalID(ctx, arxiv("2401.00001"))
	require.ErrorIs(t, err, model.ErrNotFound)

	p1 := paper("P1", "Attention", map[model.Source]string{model.SourceArxiv: "2401.00001"})
	require.NoError(t, b.SavePaper(ctx, p1, "attention|lovelace", []identity.ExternalKey{arxiv("2401.00001")}))

	got, err := b.GetPaper(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Attention", got.Title)
	assert.Equal(t, []string{"Ada Lovelace"}, got.Authors)
	assert.Equal(t, "2401.00001", got.ExternalIDs[model.SourceArxiv])
	assert.True(t, got.CreatedAt.Equal(p1.CreatedAt))

	id, err := b.LookupExternalID(ctx, arxiv("2401.00001"))
	require.NoError(t, err)
	assert.Equal(t, "P1", id)

	ids, err := b.LookupFingerprint(ctx, "attention|lovelace")
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, ids)

	t.Run("empty fingerprint keeps stored", func(t *testing.T) {
		p1.Abstract = "updated"
		require.NoError(t, b.SavePaper(ctx, p1, "", nil))
		ids, err := b.LookupFingerprint(ctx, "attention|lovelace")
		require.NoError(t, err)
		assert.Equal(t, []string{"P1"}, ids)
		got, err := b.GetPaper(ctx, "P1")
		require.NoError(t, err)
		assert.Equal(t, "updated", got.Abstract)
	})

	t.Run("bound key is not rebound", func(t *testing.T) {
		p2 := paper("P2", "Other", nil)
		require.NoError(t, b.SavePaper(ctx, p2, "other|lovelace", []identity.ExternalKey{arxiv("2401.00001"), arxiv("2401.00002")}))
		id, err := b.LookupExternalID(ctx, arxiv("2401.00001"))
		require.NoError(t, err)
		assert.Equal(t, "P1", id)
		id, err = b.LookupExternalID(ctx, arxiv("2401.00002"))
		require.NoError(t, err)
		assert.Equal(t, "P2", id)
	})

	t.Run("scan pages by id", func(t *testing.T) {
		require.NoError(t, b.SavePaper(ctx, paper("P3", "Third", nil), "", nil))
		page, err := b.ScanPapers(ctx, "", 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "P1", page[0].ID)
		assert.Equal(t, "P2", page[1].ID)

		page, err = b.ScanPapers(ctx, "P2", 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "P3", page[0].ID)

		page, err = b.ScanPapers(ctx, "P3", 2)
		require.NoError(t, err)
		assert.Empty(t, page)
	})
}

func testMergeCandidates(t *testing.T, b corpus.Backend) {
	defer b.Close()
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	cs := []model.MergeCandidate{
		{ID: "c1", PaperID: "P2", CandidateID: "P1", Reason: model.ReasonFingerprint, CreatedAt: at},
		{ID: "c2", PaperID: "P3", CandidateID: "P1", Reason: model.ReasonFingerprint, CreatedAt: at},
	}
	require.NoError(t, b.PutMergeCandidates(ctx, cs))
	// Same triple under a new id is a duplicate.
	require.NoError(t, b.PutMergeCandidates(ctx, []model.MergeCandidate{
		{ID: "c3", PaperID: "P2", CandidateID: "P1", Reason: model.ReasonFingerprint, CreatedAt: at},
	}))

	all, err := b.ListMergeCandidates(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c1", all[0].ID)
	assert.Equal(t, "P1", all[0].CandidateID)
	assert.True(t, all[0].CreatedAt.Equal(at))

	rest, err := b.ListMergeCandidates(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c2", rest[0].ID)
}

func inputs(strategy model.Strategy, from int, texts ...string) []model.PassageInput {
	out := make([]model.PassageInput, len(texts))
	for i, text := range texts {
		out[i] = model.PassageInput{Strategy: strategy, OrderIndex: from + i, Text: text}
	}
	return out
}

func testPassages(t *testing.T, b corpus.Backend) {
	defer b.Close()
	ctx := context.Background()
	const strategy = model.Strategy("paragraph-v1")

	_, err := b.InsertPassages(ctx, "P1", strategy, inputs(strategy, 0, "a"), false)
	require.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, b.SavePaper(ctx, paper("P1", "Title", nil), "", nil))

	got, err := b.GetPassages(ctx, "P1", strategy)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.ErrorIs(t, b.FinalizePassages(ctx, "P1", strategy), model.ErrNotFound)

	in := inputs(strategy, 0, "first", "second")
	in[1].Span = &model.CharSpan{Start: 6, End: 12}
	first, err := b.InsertPassages(ctx, "P1", strategy, in, false)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Less(t, first[0].ID, first[1].ID)
	assert.Equal(t, "P1", first[0].PaperID)
	assert.Equal(t, strategy, first[1].Strategy)
	require.NotNil(t, first[1].Span)
	assert.Equal(t, model.CharSpan{Start: 6, End: 12}, *first[1].Span)

	infos, err := b.Strategies(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, corpus.StrategyInfo{Strategy: strategy, State: model.PassageSetOpen, Count: 2}, infos[0])

	_, err = b.InsertPassages(ctx, "P1", strategy, inputs(strategy, 1, "dup"), false)
	require.ErrorIs(t, err, model.ErrConflict)

	// Later appends land after earlier ones in id order.
	second, err := b.InsertPassages(ctx, "P1", strategy, inputs(strategy, 2, "third"), true)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Greater(t, second[0].ID, first[1].ID)

	_, err = b.InsertPassages(ctx, "P1", strategy, inputs(strategy, 3, "late"), false)
	require.ErrorIs(t, err, model.ErrConflict)
	require.NoError(t, b.FinalizePassages(ctx, "P1", strategy))

	all, err := b.GetPassages(ctx, "P1", strategy)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, p := range all {
		assert.Equal(t, i, p.OrderIndex)
	}
	assert.Equal(t, "third", all[2].Text)

	one, err := b.GetPassage(ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, first[0], one)
	_, err = b.GetPassage(ctx, second[0].ID+1000)
	require.ErrorIs(t, err, model.ErrNotFound)

	ids, err := b.PassageIDs(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, []model.PassageID{first[0].ID, first[1].ID, second[0].ID}, ids)

	infos, err = b.Strategies(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, model.PassageSetFinalized, infos[0].State)
	assert.Equal(t, 3, infos[0].Count)
}

func testCitations(t *testing.T, b corpus.Backend) {
	defer b.Close()
	ctx := context.Background()

	for _, e := range []model.CitationEdge{
		{Citing: "A", Cited: "C"},
		{Citing: "A", Cited: "B", Raw: "[1] B et al."},
		{Citing: "D", Cited: "A"},
	} {
		added, err := b.PutCitationEdge(ctx, e)
		require.NoError(t, err)
		assert.True(t, added)
	}
	added, err := b.PutCitationEdge(ctx, model.CitationEdge{Citing: "A", Cited: "B"})
	require.NoError(t, err)
	assert.False(t, added)

	fw, err := b.Citations(ctx, "A", model.Forward)
	require.NoError(t, err)
	require.Len(t, fw, 2)
	assert.Equal(t, "B", fw[0].Cited)
	assert.Equal(t, "[1] B et al.", fw[0].Raw)
	assert.Equal(t, "C", fw[1].Cited)

	bw, err := b.Citations(ctx, "A", model.Backward)
	require.NoError(t, err)
	require.Len(t, bw, 1)
	assert.Equal(t, "D", bw[0].Citing)

	both, err := b.Citations(ctx, "A", model.Both)
	require.NoError(t, err)
	require.Len(t, both, 3)
	assert.Equal(t, "D", both[2].Citing)

	none, err := b.Citations(ctx, "Z", model.Both)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testEmbeddings(t *testing.T, b corpus.Backend) {
	defer b.Close()
	ctx := context.Background()
	at := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)

	for id := model.PassageID(1); id <= 4; id++ {
		require.NoError(t, b.PutEmbedding(ctx, model.Embedding{
			PassageID:  id,
			Scheme:     "minilm",
			Vector:     []float32{float32(id), -0.5, 0.25},
			ProducedAt: at,
		}))
	}
	require.NoError(t, b.PutEmbedding(ctx, model.Embedding{PassageID: 1, Scheme: "other", Vector: []float32{1}, ProducedAt: at}))

	err := b.PutEmbedding(ctx, model.Embedding{PassageID: 2, Scheme: "minilm", Vector: []float32{9, 9, 9}, ProducedAt: at})
	require.ErrorIs(t, err, model.ErrAlreadyExists)

	e, err := b.GetEmbedding(ctx, 2, "minilm")
	require.NoError(t, err)
	assert.Equal(t, []float32{2, -0.5, 0.25}, e.Vector)
	assert.True(t, e.ProducedAt.Equal(at))
	_, err = b.GetEmbedding(ctx, 2, "other")
	require.ErrorIs(t, err, model.ErrNotFound)

	page, err := b.ScanEmbeddings(ctx, "minilm", 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, model.PassageID(2), page[0].PassageID)
	assert.Equal(t, model.PassageID(3), page[1].PassageID)

	require.NoError(t, b.MarkIndexed(ctx, "minilm", []model.PassageID{1, 3}))
	unindexed, err := b.ListUnindexed(ctx, "minilm", 0, 10)
	require.NoError(t, err)
	require.Len(t, unindexed, 2)
	assert.Equal(t, model.PassageID(2), unindexed[0].PassageID)
	assert.Equal(t, model.PassageID(4), unindexed[1].PassageID)

	other, err := b.ListUnindexed(ctx, "other", 0, 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
}
