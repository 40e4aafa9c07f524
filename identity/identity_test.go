package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AGIHouse/openscience/model"
)

func TestNormalizeArxivID(t *testing.T) {
	valid := map[string]string{
		"2101.01234":                        "2101.01234",
		"2101.01234v3":                      "2101.01234",
		"arXiv:1706.03762v7":                "1706.03762",
		"ARXIV:0704.0001":                   "0704.0001",
		"https://arxiv.org/abs/2310.12345v1": "2310.12345",
		"hep-th/9901001":                    "hep-th/9901001",
		"math.AG/0601001v2":                 "math.ag/0601001",
		" cond-mat/0102536 ":                "cond-mat/0102536",
		"1234":                              "1234",
		" arXiv:P-42 ":                      "P-42",
	}
	for in, want := range valid {
		t.Run(in, func(t *testing.T) {
			got, err := NormalizeArxivID(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	for _, in := range []string{"", "   ", "arXiv:", "not an id", "hep th/9901001"} {
		t.Run("invalid "+in, func(t *testing.T) {
			_, err := NormalizeArxivID(in)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestNormalizeExternalID(t *testing.T) {
	got, err := NormalizeExternalID(model.SourceDOI, "https://doi.org/10.1000/ABC.123")
	require.NoError(t, err)
	assert.Equal(t, "10.1000/abc.123", got)

	_, err = NormalizeExternalID(model.SourceDOI, "11.1/x")
	assert.ErrorIs(t, err, model.ErrValidation)

	got, err = NormalizeExternalID(model.SourcePubmed, " 31452104 ")
	require.NoError(t, err)
	assert.Equal(t, "31452104", got)

	_, err = NormalizeExternalID(model.SourcePubmed, "PMC123")
	assert.ErrorIs(t, err, model.ErrValidation)

	got, err = NormalizeExternalID(model.SourceBiorxiv, " 2020.01.01.123456 ")
	require.NoError(t, err)
	assert.Equal(t, "2020.01.01.123456", got)
}

func TestParseCitationString(t *testing.T) {
	cases := []struct {
		raw    string
		source model.Source
		id     string
	}{
		{"Vaswani et al. Attention is all you need. arXiv:1706.03762v7, 2017.", model.SourceArxiv, "1706.03762"},
		{"See https://arxiv.org/abs/hep-th/9901001 for details", model.SourceArxiv, "hep-th/9901001"},
		{"Doe, J. Things. Nature 1, 2 (2020). doi:10.1038/S41586-020-2649-2.", model.SourceDOI, "10.1038/s41586-020-2649-2"},
		{"(https://doi.org/10.1000/xyz)", model.SourceDOI, "10.1000/xyz"},
		{"arXiv 2401.00001, also doi:10.1000/abc", model.SourceArxiv, "2401.00001"},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			ref, ok := ParseCitationString(tc.raw)
			require.True(t, ok)
			assert.Equal(t, tc.source, ref.Source)
			assert.Equal(t, tc.id, ref.ExternalID)
			assert.Equal(t, tc.raw, ref.Raw)
		})
	}

	t.Run("no identifier", func(t *testing.T) {
		ref, ok := ParseCitationString("Knuth, D. The Art of Computer Programming. 1968.")
		assert.False(t, ok)
		assert.Equal(t, "Knuth, D. The Art of Computer Programming. 1968.", ref.Raw)
	})
}

func TestDocumentKeys(t *testing.T) {
	doc := &model.Document{
		Source:     model.SourceArxiv,
		ExternalID: "arXiv:1234.5678v2",
		ExternalIDs: map[model.Source]string{
			model.SourceSemanticScholar: "abc",
			model.SourceDOI:             "10.1/X",
		},
	}
	keys, err := DocumentKeys(doc)
	require.NoError(t, err)
	assert.Equal(t, []ExternalKey{
		{Source: model.SourceArxiv, ID: "1234.5678"},
		{Source: model.SourceDOI, ID: "10.1/x"},
		{Source: model.SourceSemanticScholar, ID: "abc"},
	}, keys)
	assert.Equal(t, "arxiv:1234.5678", keys[0].String())
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("Attention Is All You Need!", []string{"Ashish Vaswani", "Noam Shazeer"})
	b := Fingerprint("  attention is   all you need ", []string{"Vaswani, Ashish"})
	assert.Equal(t, "attention is all you need|vaswani", a)
	assert.Equal(t, a, b)
	assert.Equal(t, "title|", Fingerprint("Title", nil))
	assert.Empty(t, Fingerprint("?!", []string{"X"}))
}

type fakeCatalog struct {
	keys   map[ExternalKey]string
	papers map[string]*model.Paper
	fps    map[string][]string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		keys:   map[ExternalKey]string{},
		papers: map[string]*model.Paper{},
		fps:    map[string][]string{},
	}
}

func (c *fakeCatalog) LookupExternalID(_ context.Context, key ExternalKey) (string, error) {
	id, ok := c.keys[key]
	if !ok {
		return "", model.NotFoundf("key %s", key)
	}
	return id, nil
}

func (c *fakeCatalog) GetPaper(_ context.Context, id string) (*model.Paper, error) {
	p, ok := c.papers[id]
	if !ok {
		return nil, model.NotFoundf("paper %s", id)
	}
	return p.Clone(), nil
}

func (c *fakeCatalog) LookupFingerprint(_ context.Context, fp string) ([]string, error) {
	return c.fps[fp], nil
}

// apply persists a resolution the way the corpus store does.
func (c *fakeCatalog) apply(res Resolution) {
	c.papers[res.Paper.ID] = res.Paper.Clone()
	for _, k := range res.Keys {
		c.keys[k] = res.Paper.ID
	}
	if res.Created && res.Fingerprint != "" {
		c.fps[res.Fingerprint] = append(c.fps[res.Fingerprint], res.Paper.ID)
	}
}

func newTestResolver() *Resolver {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return NewResolver(func(o *Options) {
		o.IDs = &SequenceGenerator{Prefix: "P"}
		o.Now = func() time.Time { return now }
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("same external id resolves to one paper", func(t *testing.T) {
		cat := newFakeCatalog()
		r := newTestResolver()
		doc := &model.Document{Source: model.SourceArxiv, ExternalID: "1234.5678", Title: "T", Authors: []string{"A B"}}

		first, err := r.Resolve(ctx, cat, doc)
		require.NoError(t, err)
		assert.True(t, first.Created)
		assert.Equal(t, "P1", first.Paper.ID)
		cat.apply(first)

		doc.ExternalID = "arXiv:1234.5678v2"
		second, err := r.Resolve(ctx, cat, doc)
		require.NoError(t, err)
		assert.False(t, second.Created)
		assert.False(t, second.Changed)
		assert.Equal(t, "P1", second.Paper.ID)
		assert.Empty(t, second.Conflicts)
	})

	t.Run("merge fills empty fields and keeps conflicting ones", func(t *testing.T) {
		cat := newFakeCatalog()
		r := newTestResolver()
		first, err := r.Resolve(ctx, cat, &model.Document{
			Source: model.SourceArxiv, ExternalID: "1234.5678", Title: "Original", Tags: []string{"cs.LG"},
		})
		require.NoError(t, err)
		cat.apply(first)

		res, err := r.Resolve(ctx, cat, &model.Document{
			Source:          model.SourceArxiv,
			ExternalID:      "1234.5678",
			Title:           "Renamed",
			Authors:         []string{"Ada Lovelace"},
			PublicationDate: "2021-03",
			Tags:            []string{"stat.ML"},
			ExternalIDs:     map[model.Source]string{model.SourceDOI: "10.5/abc"},
		})
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.Equal(t, "Original", res.Paper.Title)
		assert.Equal(t, []string{"Ada Lovelace"}, res.Paper.Authors)
		assert.Equal(t, "2021-03", res.Paper.PublicationDate.String())
		assert.Equal(t, []string{"cs.lg", "stat.ml"}, res.Paper.Tags)
		assert.Equal(t, "10.5/abc", res.Paper.ExternalIDs[model.SourceDOI])
		assert.Equal(t, []ExternalKey{{Source: model.SourceDOI, ID: "10.5/abc"}}, res.Keys)
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, FieldConflict{PaperID: "P1", Field: "title", Kept: "Original", Rejected: "Renamed"}, res.Conflicts[0])
	})

	t.Run("fingerprint match creates a candidate, not a merge", func(t *testing.T) {
		cat := newFakeCatalog()
		r := newTestResolver()
		first, err := r.Resolve(ctx, cat, &model.Document{
			Source: model.SourceArxiv, ExternalID: "1234.5678", Title: "Deep Nets", Authors: []string{"Jane Doe"},
		})
		require.NoError(t, err)
		cat.apply(first)

		res, err := r.Resolve(ctx, cat, &model.Document{
			Source: model.SourceBiorxiv, ExternalID: "2020.01.01.1", Title: "deep nets.", Authors: []string{"Doe, J."},
		})
		require.NoError(t, err)
		assert.True(t, res.Created)
		assert.NotEqual(t, first.Paper.ID, res.Paper.ID)
		require.Len(t, res.Candidates, 1)
		assert.Equal(t, model.ReasonFingerprint, res.Candidates[0].Reason)
		assert.Equal(t, res.Paper.ID, res.Candidates[0].PaperID)
		assert.Equal(t, first.Paper.ID, res.Candidates[0].CandidateID)
	})

	t.Run("native arxiv id is kept as is", func(t *testing.T) {
		cat := newFakeCatalog()
		r := newTestResolver()
		doc := &model.Document{Source: model.SourceArxiv, ExternalID: "1234", Title: "P1"}
		first, err := r.Resolve(ctx, cat, doc)
		require.NoError(t, err)
		assert.Equal(t, []ExternalKey{{Source: model.SourceArxiv, ID: "1234"}}, first.Keys)
		cat.apply(first)

		again, err := r.Resolve(ctx, cat, doc)
		require.NoError(t, err)
		assert.False(t, again.Created)
		assert.Equal(t, first.Paper.ID, again.Paper.ID)
	})

	t.Run("document without external id matches by fingerprint only", func(t *testing.T) {
		cat := newFakeCatalog()
		r := newTestResolver()
		first, err := r.Resolve(ctx, cat, &model.Document{
			Source: model.SourceArxiv, ExternalID: "1706.03762", Title: "Attention Is All You Need", Authors: []string{"Ashish Vaswani"},
		})
		require.NoError(t, err)
		cat.apply(first)

		res, err := r.Resolve(ctx, cat, &model.Document{
			Source: model.SourceSemanticScholar, Title: "Attention is all you need", Authors: []string{"Vaswani, A."},
		})
		require.NoError(t, err)
		assert.True(t, res.Created)
		assert.NotEqual(t, first.Paper.ID, res.Paper.ID)
		assert.Empty(t, res.Keys)
		assert.Empty(t, res.Paper.ExternalIDs)
		require.Len(t, res.Candidates, 1)
		assert.Equal(t, model.ReasonFingerprint, res.Candidates[0].Reason)
		assert.Equal(t, first.Paper.ID, res.Candidates[0].CandidateID)
	})

	t.Run("keys bound to different papers are not merged", func(t *testing.T) {
		cat := newFakeCatalog()
		r := newTestResolver()
		a, err := r.Resolve(ctx, cat, &model.Document{Source: model.SourceArxiv, ExternalID: "1111.1111", Title: "A"})
		require.NoError(t, err)
		cat.apply(a)
		b, err := r.Resolve(ctx, cat, &model.Document{Source: model.SourceDOI, ExternalID: "10.1/b", Title: "B"})
		require.NoError(t, err)
		cat.apply(b)

		res, err := r.Resolve(ctx, cat, &model.Document{
			Source: model.SourceArxiv, ExternalID: "1111.1111", Title: "A",
			ExternalIDs: map[model.Source]string{model.SourceDOI: "10.1/b"},
		})
		require.NoError(t, err)
		assert.Equal(t, a.Paper.ID, res.Paper.ID)
		_, hasDOI := res.Paper.ExternalIDs[model.SourceDOI]
		assert.False(t, hasDOI)
		assert.Empty(t, res.Keys)
		require.Len(t, res.Candidates, 1)
		assert.Equal(t, model.ReasonExternalIDConflict, res.Candidates[0].Reason)
		assert.Equal(t, b.Paper.ID, res.Candidates[0].CandidateID)
	})

	t.Run("invalid arxiv id", func(t *testing.T) {
		_, err := newTestResolver().Resolve(ctx, newFakeCatalog(), &model.Document{
			Source: model.SourceArxiv, ExternalID: "not an id", Title: "T",
		})
		assert.ErrorIs(t, err, model.ErrValidation)
	})
}
