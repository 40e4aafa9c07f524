package retrieval_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AGIHouse/openscience/corpus"
	"github.com/AGIHouse/openscience/corpus/memory"
	"github.com/AGIHouse/openscience/distance"
	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/model"
	"github.com/AGIHouse/openscience/retrieval"
)

const scheme = "toy"

type fixture struct {
	store   *corpus.Store
	manager *index.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := index.New()
	require.NoError(t, m.Register(index.SchemeConfig{Name: scheme, Dimension: 3, Metric: distance.MetricL2}))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return &fixture{store: corpus.New(memory.New()), manager: m}
}

// addPaper stores a paper with one sentence passage per vector and indexes them.
func (f *fixture) addPaper(t *testing.T, extID string, tags []string, vecs ...[]float32) (string, []model.PassageID) {
	t.Helper()
	ctx := context.Background()
	doc := &model.Document{
		Source:     model.SourceArxiv,
		ExternalID: extID,
		Title:      "Paper " + extID,
		Authors:    []string{"Ada Lovelace"},
		Tags:       tags,
	}
	for i := range vecs {
		doc.Passages = append(doc.Passages, model.PassageInput{
			Strategy:   model.StrategySentence,
			OrderIndex: i,
			Text:       fmt.Sprintf("%s sentence %d", extID, i),
		})
	}
	res, err := f.store.PutDocument(ctx, doc)
	require.NoError(t, err)

	var ids []model.PassageID
	for i, p := range res.Passages[model.StrategySentence] {
		attrs, err := f.store.Attributes(ctx, p.ID)
		require.NoError(t, err)
		require.NoError(t, f.manager.Insert(ctx, scheme, p.ID, vecs[i], attrs))
		ids = append(ids, p.ID)
	}
	return res.Resolution.Paper.ID, ids
}

func (f *fixture) service(optFns ...func(o *retrieval.Options)) *retrieval.Service {
	return retrieval.New(f.store, f.manager, optFns...)
}

func TestSearchPaging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	paperID, ids := f.addPaper(t, "2401.00001", nil,
		[]float32{1, 0, 0}, []float32{2, 0, 0}, []float32{3, 0, 0}, []float32{4, 0, 0}, []float32{5, 0, 0})
	svc := f.service()

	req := retrieval.SearchRequest{Vector: []float32{0, 0, 0}, Scheme: scheme, K: 5, PageSize: 2}
	var got []model.PassageID
	var ranks []int
	pages := 0
	for {
		resp, err := svc.Search(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 5, resp.Total)
		for _, h := range resp.Results {
			got = append(got, h.Passage.ID)
			ranks = append(ranks, h.Rank)
			assert.Equal(t, paperID, h.Paper.ID)
		}
		pages++
		if resp.NextPageToken == "" {
			break
		}
		req.PageToken = resp.NextPageToken
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, ids, got)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, ranks)

	t.Run("distances ascend", func(t *testing.T) {
		resp, err := svc.Search(ctx, retrieval.SearchRequest{Vector: []float32{0, 0, 0}, Scheme: scheme, K: 3})
		require.NoError(t, err)
		require.Len(t, resp.Results, 3)
		for i := 1; i < len(resp.Results); i++ {
			assert.LessOrEqual(t, resp.Results[i-1].Distance, resp.Results[i].Distance)
		}
		assert.Empty(t, resp.NextPageToken)
	})
}

func TestSearchValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPaper(t, "2401.00001", nil, []float32{1, 0, 0}, []float32{2, 0, 0}, []float32{3, 0, 0})
	svc := f.service()

	first, err := svc.Search(ctx, retrieval.SearchRequest{Vector: []float32{0, 0, 0}, Scheme: scheme, K: 3, PageSize: 1})
	require.NoError(t, err)
	require.NotEmpty(t, first.NextPageToken)

	tests := []struct {
		name string
		req  retrieval.SearchRequest
		want error
	}{
		{"empty scheme", retrieval.SearchRequest{Vector: []float32{0, 0, 0}, K: 1}, model.ErrValidation},
		{"zero k", retrieval.SearchRequest{Vector: []float32{0, 0, 0}, Scheme: scheme}, model.ErrValidation},
		{"k above max", retrieval.SearchRequest{Vector: []float32{0, 0, 0}, Scheme: scheme, K: 5000}, model.ErrValidation},
		{"page size above max", retrieval.SearchRequest{Vector: []float32{0, 0, 0}, Scheme: scheme, K: 1, PageSize: 1000}, model.ErrValidation},
		{"unknown scheme", retrieval.SearchRequest{Vector: []float32{0, 0, 0}, Scheme: "nope", K: 1}, model.ErrUnknownScheme},
		{"dimension", retrieval.SearchRequest{Vector: []float32{0, 0}, Scheme: scheme, K: 1}, model.ErrDimensionMismatch},
		{"malformed token", retrieval.SearchRequest{Vector: []float32{0, 0, 0}, Scheme: scheme, K: 3, PageToken: "!!!"}, model.ErrValidation},
		{"token for other k", retrieval.SearchRequest{Vector: []float32{0, 0, 0}, Scheme: scheme, K: 2, PageSize: 1, PageToken: first.NextPageToken}, model.ErrValidation},
		{"token for other vector", retrieval.SearchRequest{Vector: []float32{9, 9, 9}, Scheme: scheme, K: 3, PageSize: 1, PageToken: first.NextPageToken}, model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Search(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSearchEmptyScheme(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Register(index.SchemeConfig{Name: "empty", Dimension: 3, Metric: distance.MetricCosine}))
	resp, err := f.service().Search(context.Background(), retrieval.SearchRequest{Vector: []float32{1, 0, 0}, Scheme: "empty", K: 10})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.NextPageToken)
	assert.Zero(t, resp.Total)
}

func TestSearchFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mlID, mlPassages := f.addPaper(t, "2401.00001", []string{"ml"}, []float32{3, 0, 0}, []float32{4, 0, 0})
	f.addPaper(t, "2401.00002", []string{"bio"}, []float32{1, 0, 0}, []float32{2, 0, 0})
	svc := f.service()

	resp, err := svc.Search(ctx, retrieval.SearchRequest{
		Vector: []float32{0, 0, 0},
		Scheme: scheme,
		K:      2,
		Filter: model.Filter{Tags: []string{"ML"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	for i, h := range resp.Results {
		assert.Equal(t, mlID, h.Paper.ID)
		assert.Equal(t, mlPassages[i], h.Passage.ID)
	}
}

func TestSearchSkipsRetracted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gone, _ := f.addPaper(t, "2401.00001", nil, []float32{1, 0, 0})
	kept, _ := f.addPaper(t, "2401.00002", nil, []float32{2, 0, 0})

	_, _, err := f.store.Retract(ctx, gone)
	require.NoError(t, err)

	svc := f.service()
	resp, err := svc.Search(ctx, retrieval.SearchRequest{Vector: []float32{0, 0, 0}, Scheme: scheme, K: 2})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, kept, resp.Results[0].Paper.ID)

	resp, err = svc.Search(ctx, retrieval.SearchRequest{
		Vector: []float32{0, 0, 0},
		Scheme: scheme,
		K:      2,
		Filter: model.Filter{IncludeRetracted: true},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, gone, resp.Results[0].Paper.ID)
}

func TestSearchCachedRanking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPaper(t, "2401.00001", nil, []float32{2, 0, 0}, []float32{3, 0, 0})
	svc := f.service()

	req := retrieval.SearchRequest{Vector: []float32{0, 0, 0}, Scheme: scheme, K: 2, PageSize: 1}
	first, err := svc.Search(ctx, req)
	require.NoError(t, err)

	// A closer passage indexed between pages does not reshuffle the ranking being paged.
	f.addPaper(t, "2401.00002", nil, []float32{1, 0, 0})
	req.PageToken = first.NextPageToken
	second, err := svc.Search(ctx, req)
	require.NoError(t, err)
	require.Len(t, second.Results, 1)
	assert.Equal(t, 2, second.Results[0].Rank)
	assert.NotEqual(t, first.Results[0].Passage.ID, second.Results[0].Passage.ID)
	assert.Equal(t, first.Results[0].Paper.ID, second.Results[0].Paper.ID)

	svc.InvalidateScheme(scheme)
	fresh, err := svc.Search(ctx, retrieval.SearchRequest{Vector: []float32{0, 0, 0}, Scheme: scheme, K: 2, PageSize: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first.Results[0].Paper.ID, fresh.Results[0].Paper.ID)
}

func TestGetPaper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, _ := f.addPaper(t, "2401.00001", []string{"ml"})
	svc := f.service()

	p, err := svc.GetPaper(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Paper 2401.00001", p.Title)

	// Callers get their own copy.
	p.Tags = append(p.Tags, "mutated")
	again, err := svc.GetPaper(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"ml"}, again.Tags)

	_, err = svc.GetPaper(ctx, "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.GetPaper(ctx, " ")
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestGetPassages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, ids := f.addPaper(t, "2401.00001", nil, []float32{1, 0, 0}, []float32{2, 0, 0}, []float32{3, 0, 0})
	svc := f.service()

	req := retrieval.PassagesRequest{PaperID: id, Strategy: model.StrategySentence, PageSize: 2}
	page, err := svc.GetPassages(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.Passages, 2)
	require.NotEmpty(t, page.NextPageToken)

	req.PageToken = page.NextPageToken
	rest, err := svc.GetPassages(ctx, req)
	require.NoError(t, err)
	require.Len(t, rest.Passages, 1)
	assert.Empty(t, rest.NextPageToken)
	assert.Equal(t, ids[2], rest.Passages[0].ID)
	assert.Equal(t, 2, rest.Passages[0].OrderIndex)

	t.Run("invalid strategy", func(t *testing.T) {
		_, err := svc.GetPassages(ctx, retrieval.PassagesRequest{PaperID: id, Strategy: "bad strategy"})
		require.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("token for other strategy", func(t *testing.T) {
		_, err := svc.GetPassages(ctx, retrieval.PassagesRequest{PaperID: id, Strategy: model.StrategyTokenWindow, PageToken: page.NextPageToken})
		require.ErrorIs(t, err, model.ErrValidation)
	})
}

func TestGetCitationGraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, _ := f.addPaper(t, "2401.00001", nil)
	b, _ := f.addPaper(t, "2401.00002", nil)
	c, _ := f.addPaper(t, "2401.00003", nil)
	d, _ := f.addPaper(t, "2401.00004", nil)
	// a -> b -> c -> a forms a cycle; d cites a.
	for _, e := range [][2]string{{a, b}, {b, c}, {c, a}, {d, a}} {
		_, err := f.store.PutCitationEdge(ctx, model.CitationEdge{Citing: e[0], Cited: e[1]})
		require.NoError(t, err)
	}
	svc := f.service(func(o *retrieval.Options) { o.MaxGraphDepth = 3 })

	hops := func(g retrieval.CitationGraph) map[string]int {
		out := make(map[string]int, len(g.Nodes))
		for _, n := range g.Nodes {
			_, dup := out[n.PaperID]
			require.False(t, dup, "node %s listed twice", n.PaperID)
			out[n.PaperID] = n.Hops
			require.NotNil(t, n.Paper)
		}
		return out
	}

	t.Run("forward depth 2", func(t *testing.T) {
		g, err := svc.GetCitationGraph(ctx, retrieval.GraphRequest{PaperID: a, Depth: 2, Direction: model.Forward})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{a: 0, b: 1, c: 2}, hops(g))
		assert.Equal(t, a, g.Nodes[0].PaperID)
		assert.ElementsMatch(t, []model.CitationEdge{{Citing: a, Cited: b}, {Citing: b, Cited: c}}, stripRaw(g.Edges))
		assert.False(t, g.Truncated)
	})

	t.Run("cycle closes at depth 3", func(t *testing.T) {
		g, err := svc.GetCitationGraph(ctx, retrieval.GraphRequest{PaperID: a, Depth: 3, Direction: model.Forward})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{a: 0, b: 1, c: 2}, hops(g))
		assert.Len(t, g.Edges, 3)
	})

	t.Run("both directions", func(t *testing.T) {
		g, err := svc.GetCitationGraph(ctx, retrieval.GraphRequest{PaperID: a, Depth: 2, Direction: model.Both})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{a: 0, b: 1, c: 1, d: 1}, hops(g))
		assert.Len(t, g.Edges, 4)
	})

	t.Run("backward", func(t *testing.T) {
		g, err := svc.GetCitationGraph(ctx, retrieval.GraphRequest{PaperID: a, Depth: 1, Direction: model.Backward})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{a: 0, c: 1, d: 1}, hops(g))
	})

	t.Run("depth zero", func(t *testing.T) {
		g, err := svc.GetCitationGraph(ctx, retrieval.GraphRequest{PaperID: a, Direction: model.Forward})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{a: 0}, hops(g))
		assert.Empty(t, g.Edges)
	})

	t.Run("depth clamped", func(t *testing.T) {
		g, err := svc.GetCitationGraph(ctx, retrieval.GraphRequest{PaperID: a, Depth: 50, Direction: model.Forward})
		require.NoError(t, err)
		assert.Equal(t, 3, g.Depth)
	})

	t.Run("node cap", func(t *testing.T) {
		g, err := svc.GetCitationGraph(ctx, retrieval.GraphRequest{PaperID: a, Depth: 2, Direction: model.Both, MaxNodes: 2})
		require.NoError(t, err)
		assert.Len(t, g.Nodes, 2)
		assert.True(t, g.Truncated)
		assert.Len(t, g.Edges, 1)
	})

	t.Run("pages partition nodes and edges", func(t *testing.T) {
		req := retrieval.GraphRequest{PaperID: a, Depth: 2, Direction: model.Both, PageSize: 3}
		first, err := svc.GetCitationGraph(ctx, req)
		require.NoError(t, err)
		require.Len(t, first.Nodes, 3)
		assert.Equal(t, a, first.Nodes[0].PaperID)
		assert.Equal(t, 4, first.Total)
		require.NotEmpty(t, first.NextPageToken)

		req.PageToken = first.NextPageToken
		second, err := svc.GetCitationGraph(ctx, req)
		require.NoError(t, err)
		require.Len(t, second.Nodes, 1)
		assert.Empty(t, second.NextPageToken)

		assert.Equal(t, map[string]int{a: 0, b: 1, c: 1, d: 1}, hops(retrieval.CitationGraph{Nodes: append(first.Nodes, second.Nodes...)}))
		edges := append(stripRaw(first.Edges), stripRaw(second.Edges)...)
		assert.ElementsMatch(t, []model.CitationEdge{{Citing: a, Cited: b}, {Citing: b, Cited: c}, {Citing: c, Cited: a}, {Citing: d, Cited: a}}, edges)
		assert.NotEmpty(t, second.Edges)

		req.Direction = model.Forward
		_, err = svc.GetCitationGraph(ctx, req)
		require.ErrorIs(t, err, model.ErrValidation)

		req.PageToken = "!!"
		_, err = svc.GetCitationGraph(ctx, req)
		require.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := svc.GetCitationGraph(ctx, retrieval.GraphRequest{PaperID: a, Depth: -1})
		require.ErrorIs(t, err, model.ErrValidation)
		_, err = svc.GetCitationGraph(ctx, retrieval.GraphRequest{PaperID: "missing", Depth: 1})
		require.ErrorIs(t, err, model.ErrNotFound)
	})
}

func stripRaw(edges []model.CitationEdge) []model.CitationEdge {
	out := make([]model.CitationEdge, len(edges))
	for i, e := range edges {
		e.Raw = ""
		out[i] = e
	}
	return out
}
