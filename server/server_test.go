package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AGIHouse/openscience"
	"github.com/AGIHouse/openscience/corpus/memory"
	"github.com/AGIHouse/openscience/distance"
	"github.com/AGIHouse/openscience/identity"
	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/ingest"
	"github.com/AGIHouse/openscience/model"
	"github.com/AGIHouse/openscience/server"
)

func newServer(t *testing.T) (*httptest.Server, *openscience.Engine) {
	t.Helper()
	e, err := openscience.New(memory.New(),
		openscience.WithSchemes(index.SchemeConfig{Name: "toy", Dimension: 3, Metric: distance.MetricL2}),
		openscience.WithResolver(identity.NewResolver(func(o *identity.Options) {
			o.IDs = &identity.SequenceGenerator{Prefix: "P"}
		})),
		openscience.WithIngestOptions(func(o *ingest.Options) {
			o.BackoffBase = time.Millisecond
			o.BackoffMax = 4 * time.Millisecond
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	ts := httptest.NewServer(server.New(e, server.WithMetricsHandler(metrics), server.WithMaxBodyBytes(1<<16)).Routes())
	t.Cleanup(ts.Close)
	return ts, e
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func errorCode(t *testing.T, out map[string]any) string {
	t.Helper()
	e, ok := out["error"].(map[string]any)
	require.True(t, ok, "missing error body: %v", out)
	return e["code"].(string)
}

func putDocument(t *testing.T, ts *httptest.Server, extID string, texts ...string) (int, map[string]any) {
	t.Helper()
	doc := model.Document{
		Source:     model.SourceArxiv,
		ExternalID: extID,
		Title:      "Paper " + extID,
		Authors:    []string{"Ada Lovelace"},
	}
	for i, text := range texts {
		doc.Passages = append(doc.Passages, model.PassageInput{Strategy: model.StrategySentence, OrderIndex: i, Text: text})
	}
	return do(t, ts, http.MethodPost, "/v1/documents", doc)
}

func passageIDs(t *testing.T, out map[string]any) []uint64 {
	t.Helper()
	passages := out["passages"].(map[string]any)["sentence"].([]any)
	ids := make([]uint64, len(passages))
	for i, p := range passages {
		ids[i] = uint64(p.(map[string]any)["passage_id"].(float64))
	}
	return ids
}

func TestHealthzAndMetrics(t *testing.T) {
	ts, _ := newServer(t)

	code, out := do(t, ts, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["ok"])

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDocumentsAndSearch(t *testing.T) {
	ts, e := newServer(t)

	code, out := putDocument(t, ts, "1706.03762", "Attention is all you need.", "We propose the Transformer.")
	require.Equal(t, http.StatusCreated, code, out)
	assert.Equal(t, "P1", out["paper_id"])
	ids := passageIDs(t, out)
	require.Len(t, ids, 2)

	t.Run("re-ingest is not a create", func(t *testing.T) {
		code, out := putDocument(t, ts, "1706.03762", "Attention is all you need.", "We propose the Transformer.")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, false, out["created"])
	})

	vecs := [][]float32{{0, 0, 0}, {1, 1, 1}}
	for i, id := range ids {
		code, out := do(t, ts, http.MethodPost, "/v1/embeddings", map[string]any{
			"passage_id": id, "scheme": "toy", "vector": vecs[i],
		})
		require.Equal(t, http.StatusAccepted, code, out)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Drain(ctx))

	t.Run("duplicate embedding conflicts", func(t *testing.T) {
		code, out := do(t, ts, http.MethodPost, "/v1/embeddings", map[string]any{
			"passage_id": ids[0], "scheme": "toy", "vector": vecs[0],
		})
		assert.Equal(t, http.StatusConflict, code)
		assert.Equal(t, "already_exists", errorCode(t, out))
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		code, out := do(t, ts, http.MethodPost, "/v1/embeddings", map[string]any{
			"passage_id": ids[0], "scheme": "toy", "vector": []float32{1, 2},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, code)
		assert.Equal(t, "dimension_mismatch", errorCode(t, out))
	})

	t.Run("search", func(t *testing.T) {
		code, out := do(t, ts, http.MethodPost, "/v1/search", map[string]any{
			"vector": []float32{0.9, 0.9, 0.9}, "scheme": "toy", "k": 2, "timeout_ms": 1000,
		})
		require.Equal(t, http.StatusOK, code, out)
		results := out["results"].([]any)
		require.Len(t, results, 2)
		first := results[0].(map[string]any)
		assert.Equal(t, "We propose the Transformer.", first["passage"].(map[string]any)["text"])
		assert.Equal(t, "P1", first["paper"].(map[string]any)["id"])
	})

	t.Run("unknown scheme", func(t *testing.T) {
		code, out := do(t, ts, http.MethodPost, "/v1/search", map[string]any{
			"vector": []float32{0, 0, 0}, "scheme": "nope", "k": 1,
		})
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "unknown_scheme", errorCode(t, out))
	})

	t.Run("invalid k", func(t *testing.T) {
		code, out := do(t, ts, http.MethodPost, "/v1/search", map[string]any{
			"vector": []float32{0, 0, 0}, "scheme": "toy", "k": 0,
		})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "validation_error", errorCode(t, out))
	})

	t.Run("schemes", func(t *testing.T) {
		code, out := do(t, ts, http.MethodGet, "/v1/schemes", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Len(t, out["schemes"], 1)
		stats := out["stats"].([]any)
		require.Len(t, stats, 1)
	})
}

func TestPapersEndpoints(t *testing.T) {
	ts, _ := newServer(t)

	_, out := putDocument(t, ts, "a", "first", "second", "third")
	require.Equal(t, "P1", out["paper_id"])

	t.Run("get paper", func(t *testing.T) {
		code, out := do(t, ts, http.MethodGet, "/v1/papers/P1", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "Paper a", out["title"])
	})

	t.Run("missing paper", func(t *testing.T) {
		code, out := do(t, ts, http.MethodGet, "/v1/papers/P404", nil)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "not_found", errorCode(t, out))
	})

	t.Run("passages paged", func(t *testing.T) {
		code, out := do(t, ts, http.MethodGet, "/v1/papers/P1/passages?strategy=sentence&page_size=2", nil)
		require.Equal(t, http.StatusOK, code, out)
		assert.Len(t, out["passages"], 2)
		token := out["next_page_token"].(string)
		require.NotEmpty(t, token)

		code, out = do(t, ts, http.MethodGet, "/v1/papers/P1/passages?strategy=sentence&page_size=2&page_token="+token, nil)
		require.Equal(t, http.StatusOK, code, out)
		assert.Len(t, out["passages"], 1)
		assert.Nil(t, out["next_page_token"])
	})

	t.Run("bad page size", func(t *testing.T) {
		code, out := do(t, ts, http.MethodGet, "/v1/papers/P1/passages?page_size=x", nil)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "validation_error", errorCode(t, out))
	})

	t.Run("citations", func(t *testing.T) {
		code, out := do(t, ts, http.MethodGet, "/v1/papers/P1/citations?depth=2&direction=both", nil)
		require.Equal(t, http.StatusOK, code, out)
		assert.Equal(t, "P1", out["root"])
		assert.Len(t, out["nodes"], 1)
	})

	t.Run("citations page token", func(t *testing.T) {
		code, out := do(t, ts, http.MethodGet, "/v1/papers/P1/citations?page_size=1&page_token=%21", nil)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "validation_error", errorCode(t, out))
	})

	t.Run("bad direction", func(t *testing.T) {
		code, _ := do(t, ts, http.MethodGet, "/v1/papers/P1/citations?direction=sideways", nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("retract", func(t *testing.T) {
		code, out := do(t, ts, http.MethodPost, "/v1/papers/P1/retract", nil)
		require.Equal(t, http.StatusOK, code, out)
		assert.Contains(t, out["tags"], model.TagRetracted)
	})
}

func TestRequestDecoding(t *testing.T) {
	ts, _ := newServer(t)

	t.Run("malformed json", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/v1/search", "application/json", bytes.NewBufferString("{"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown field", func(t *testing.T) {
		code, out := do(t, ts, http.MethodPost, "/v1/search", map[string]any{"vektor": []float32{1}})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "invalid_json", errorCode(t, out))
	})

	t.Run("body too large", func(t *testing.T) {
		big := make([]float32, 1<<16)
		code, out := do(t, ts, http.MethodPost, "/v1/search", map[string]any{"vector": big, "scheme": "toy", "k": 1})
		assert.Equal(t, http.StatusRequestEntityTooLarge, code)
		assert.Equal(t, "too_large", errorCode(t, out))
	})
}

func TestListings(t *testing.T) {
	ts, _ := newServer(t)

	code, out := do(t, ts, http.MethodGet, "/v1/merge-candidates?limit=10", nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Empty(t, out["merge_candidates"])

	code, out = do(t, ts, http.MethodGet, "/v1/dead-letters", nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Empty(t, out["dead_letters"])

	code, out = do(t, ts, http.MethodPost, "/v1/dead-letters/replay", nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, float64(0), out["replayed"])
}
