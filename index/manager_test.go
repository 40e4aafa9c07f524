package index

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AGIHouse/openscience/blobstore"
	"github.com/AGIHouse/openscience/distance"
	"github.com/AGIHouse/openscience/metadata"
	"github.com/AGIHouse/openscience/model"
	"github.com/AGIHouse/openscience/testutil"
)

const testDim = 32

func testScheme(name string) SchemeConfig {
	return SchemeConfig{Name: name, Dimension: testDim, Metric: distance.MetricCosine, EfSearch: 100}
}

func attrsFor(id uint64, tags ...string) metadata.Attributes {
	return metadata.Attributes{
		PaperID: fmt.Sprintf("paper-%d", id/4),
		Source:  model.SourceArxiv,
		Tags:    tags,
	}
}

func newTestManager(t *testing.T, optFns ...func(o *Options)) *Manager {
	t.Helper()
	m := New(optFns...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func fill(t *testing.T, m *Manager, scheme string, vecs [][]float32) []uint64 {
	t.Helper()
	ctx := context.Background()
	ids := testutil.Sequence(1, len(vecs))
	for i, v := range vecs {
		require.NoError(t, m.Insert(ctx, scheme, model.PassageID(ids[i]), v, attrsFor(ids[i])))
	}
	require.NoError(t, m.Flush(ctx, scheme))
	return ids
}

func hitIDs(hits []Hit) []uint64 {
	out := make([]uint64, len(hits))
	for i, h := range hits {
		out[i] = uint64(h.PassageID)
	}
	return out
}

func toResults(hits []Hit) []testutil.SearchResult {
	out := make([]testutil.SearchResult, len(hits))
	for i, h := range hits {
		out[i] = testutil.SearchResult{ID: uint64(h.PassageID), Distance: h.Distance}
	}
	return out
}

func TestRegister(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Register(testScheme("specter")))

	t.Run("identical config is a no-op", func(t *testing.T) {
		assert.NoError(t, m.Register(testScheme("specter")))
	})

	t.Run("different config conflicts", func(t *testing.T) {
		cfg := testScheme("specter")
		cfg.Dimension = 64
		assert.ErrorIs(t, m.Register(cfg), model.ErrConflict)
	})

	t.Run("invalid config", func(t *testing.T) {
		assert.ErrorIs(t, m.Register(SchemeConfig{Name: "bad"}), model.ErrValidation)
	})

	t.Run("schemes are listed by name", func(t *testing.T) {
		require.NoError(t, m.Register(SchemeConfig{Name: "bge", Dimension: 8, Metric: distance.MetricL2}))
		schemes := m.Schemes()
		require.Len(t, schemes, 2)
		assert.Equal(t, "bge", schemes[0].Name)
		assert.Equal(t, "specter", schemes[1].Name)
		assert.Equal(t, 16, schemes[0].M)
	})
}

func TestInsertErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	require.NoError(t, m.Register(testScheme("s")))

	t.Run("unknown scheme", func(t *testing.T) {
		err := m.Insert(ctx, "nope", 1, make([]float32, testDim), attrsFor(1))
		var use *model.UnknownSchemeError
		require.ErrorAs(t, err, &use)
		assert.Equal(t, "nope", use.Scheme)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		err := m.Insert(ctx, "s", 1, make([]float32, 3), attrsFor(1))
		var dm *model.DimensionMismatchError
		require.ErrorAs(t, err, &dm)
		assert.Equal(t, testDim, dm.Expected)
		assert.Equal(t, 3, dm.Actual)
	})

	t.Run("zero cosine vector", func(t *testing.T) {
		err := m.Insert(ctx, "s", 1, make([]float32, testDim), attrsFor(1))
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("query unknown scheme", func(t *testing.T) {
		_, err := m.Query(ctx, "nope", QueryRequest{Vector: make([]float32, testDim), K: 1})
		assert.ErrorIs(t, err, model.ErrUnknownScheme)
	})
}

func TestRecall(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	require.NoError(t, m.Register(testScheme("s")))

	rng := testutil.NewRNG(7)
	vecs := rng.UnitVectors(2000, testDim)
	ids := fill(t, m, "s", vecs)

	const k = 10
	queries := rng.UnitVectors(50, testDim)
	var total float64
	for _, q := range queries {
		res, err := m.Query(ctx, "s", QueryRequest{Vector: q, K: k})
		require.NoError(t, err)
		require.Len(t, res.Hits, k)
		truth := testutil.ExactTopK(q, ids, vecs, k, distance.MetricCosine)
		total += testutil.ComputeRecall(truth, toResults(res.Hits))
	}
	recall := total / float64(len(queries))
	assert.GreaterOrEqual(t, recall, 0.9, "recall@10")
}

func TestDeterministicOrdering(t *testing.T) {
	ctx := context.Background()
	vecs := testutil.NewRNG(11).UnitVectors(500, testDim)
	queries := testutil.NewRNG(12).UnitVectors(10, testDim)

	run := func() [][]Hit {
		m := newTestManager(t)
		require.NoError(t, m.Register(testScheme("s")))
		fill(t, m, "s", vecs)
		var out [][]Hit
		for _, q := range queries {
			res, err := m.Query(ctx, "s", QueryRequest{Vector: q, K: 5})
			require.NoError(t, err)
			out = append(out, res.Hits)
		}
		return out
	}
	assert.Equal(t, run(), run())

	t.Run("ties break on lower passage id", func(t *testing.T) {
		m := newTestManager(t)
		require.NoError(t, m.Register(testScheme("s")))
		v := vecs[0]
		for _, id := range []uint64{9, 4, 7} {
			require.NoError(t, m.Insert(ctx, "s", model.PassageID(id), v, attrsFor(id)))
		}
		res, err := m.Query(ctx, "s", QueryRequest{Vector: v, K: 3})
		require.NoError(t, err)
		assert.Equal(t, []uint64{4, 7, 9}, hitIDs(res.Hits))
	})
}

func TestInsertIsIdempotentAndVisible(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	require.NoError(t, m.Register(testScheme("s")))

	vecs := testutil.NewRNG(3).UnitVectors(20, testDim)
	for i, v := range vecs {
		require.NoError(t, m.Insert(ctx, "s", model.PassageID(i+1), v, attrsFor(uint64(i+1))))
	}
	// A replayed delivery must not create a second node.
	require.NoError(t, m.Insert(ctx, "s", 1, vecs[0], attrsFor(1)))

	res, err := m.Query(ctx, "s", QueryRequest{Vector: vecs[5], K: 1})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.PassageID(6), res.Hits[0].PassageID)

	require.NoError(t, m.Flush(ctx, "s"))
	st, err := m.Stats("s")
	require.NoError(t, err)
	assert.Equal(t, 20, st.Nodes)
	assert.Equal(t, 0, st.Pending)
}

func TestConcurrentInsertAndQuery(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	require.NoError(t, m.Register(testScheme("s")))

	vecs := testutil.NewRNG(5).UnitVectors(400, testDim)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(vecs); i += 4 {
				assert.NoError(t, m.Insert(ctx, "s", model.PassageID(i+1), vecs[i], attrsFor(uint64(i+1))))
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := m.Query(ctx, "s", QueryRequest{Vector: vecs[i], K: 5})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	require.NoError(t, m.Flush(ctx, "s"))
	st, err := m.Stats("s")
	require.NoError(t, err)
	assert.Equal(t, 400, st.Nodes)
	require.NoError(t, m.Validate("s"))
}

func TestFilteredQuery(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, func(o *Options) { o.ExactThreshold = 100 })
	require.NoError(t, m.Register(testScheme("s")))

	vecs := testutil.NewRNG(21).UnitVectors(1200, testDim)
	for i, v := range vecs {
		id := uint64(i + 1)
		tag := "cs.lg"
		if (id/4)%3 == 0 {
			tag = "q-bio"
		}
		require.NoError(t, m.Insert(ctx, "s", model.PassageID(id), v, attrsFor(id, tag)))
	}
	require.NoError(t, m.Flush(ctx, "s"))

	for _, q := range testutil.NewRNG(22).UnitVectors(10, testDim) {
		res, err := m.Query(ctx, "s", QueryRequest{Vector: q, K: 10, Filter: model.Filter{Tags: []string{"q-bio"}}})
		require.NoError(t, err)
		require.Len(t, res.Hits, 10)
		for _, h := range res.Hits {
			assert.Zero(t, (uint64(h.PassageID)/4)%3, "passage %d is not tagged q-bio", h.PassageID)
		}
	}

	t.Run("tiny selection scans exactly", func(t *testing.T) {
		res, err := m.Query(ctx, "s", QueryRequest{Vector: vecs[0], K: 10, Filter: model.Filter{Tags: []string{"missing"}}})
		require.NoError(t, err)
		assert.Empty(t, res.Hits)
		assert.True(t, res.Exact)
		assert.False(t, res.LowRecall)
	})
}

func TestRetire(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	require.NoError(t, m.Register(testScheme("s")))
	require.NoError(t, m.Register(SchemeConfig{Name: "t", Dimension: testDim, Metric: distance.MetricL2}))

	vecs := testutil.NewRNG(31).UnitVectors(100, testDim)
	fill(t, m, "s", vecs)
	fill(t, m, "t", vecs)

	require.NoError(t, m.Retire(ctx, "s", 10))
	res, err := m.Query(ctx, "s", QueryRequest{Vector: vecs[9], K: 5})
	require.NoError(t, err)
	assert.NotContains(t, hitIDs(res.Hits), uint64(10))

	t.Run("retired passages do not count towards recall", func(t *testing.T) {
		m := newTestManager(t)
		require.NoError(t, m.Register(SchemeConfig{Name: "l2", Dimension: 2, Metric: distance.MetricL2}))
		for i, v := range [][]float32{{0, 0}, {1, 0}, {2, 0}} {
			id := uint64(i + 1)
			require.NoError(t, m.Insert(ctx, "l2", model.PassageID(id), v, attrsFor(id)))
		}
		require.NoError(t, m.Flush(ctx, "l2"))
		require.NoError(t, m.Retire(ctx, "l2", 2))

		res, err := m.Query(ctx, "l2", QueryRequest{Vector: []float32{0, 0}, K: 3})
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 3}, hitIDs(res.Hits))
		assert.False(t, res.LowRecall)
	})

	t.Run("retire paper hides every passage in every scheme", func(t *testing.T) {
		// paper-5 owns passages 20..23.
		n := m.RetirePaper(ctx, "paper-5")
		assert.Equal(t, 8, n)
		for _, scheme := range []string{"s", "t"} {
			res, err := m.Query(ctx, scheme, QueryRequest{Vector: vecs[20], K: 10})
			require.NoError(t, err)
			for _, id := range hitIDs(res.Hits) {
				assert.False(t, id >= 20 && id <= 23, "retired passage %d returned from %s", id, scheme)
			}
		}
	})

	t.Run("compaction drops retired nodes", func(t *testing.T) {
		report, err := m.Compact(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, 5, report.Dropped)
		assert.Equal(t, 95, report.Nodes)
		require.NoError(t, m.Validate("s"))

		res, err := m.Query(ctx, "s", QueryRequest{Vector: vecs[9], K: 5})
		require.NoError(t, err)
		assert.NotContains(t, hitIDs(res.Hits), uint64(10))
	})
}

type sliceSource struct {
	records []Record
}

func (s *sliceSource) ScanIndexRecords(_ context.Context, _ string, after model.PassageID, limit int) ([]Record, error) {
	i := sort.Search(len(s.records), func(i int) bool { return s.records[i].PassageID > after })
	end := min(i+limit, len(s.records))
	return s.records[i:end], nil
}

func newSliceSource(vecs [][]float32) *sliceSource {
	src := &sliceSource{}
	for i, v := range vecs {
		id := uint64(i + 1)
		src.records = append(src.records, Record{PassageID: model.PassageID(id), Vector: v, Attributes: attrsFor(id)})
	}
	return src
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	vecs := testutil.NewRNG(41).UnitVectors(1500, testDim)
	queries := testutil.NewRNG(42).UnitVectors(20, testDim)
	src := newSliceSource(vecs)

	m := newTestManager(t)
	require.NoError(t, m.Register(testScheme("s")))
	ids := fill(t, m, "s", vecs)

	report, err := m.Rebuild(ctx, "s", src)
	require.NoError(t, err)
	assert.Equal(t, 1500, report.Nodes)
	require.NoError(t, m.Validate("s"))

	var total float64
	first := make([][]Hit, len(queries))
	for i, q := range queries {
		res, err := m.Query(ctx, "s", QueryRequest{Vector: q, K: 10})
		require.NoError(t, err)
		first[i] = res.Hits
		total += testutil.ComputeRecall(testutil.ExactTopK(q, ids, vecs, 10, distance.MetricCosine), toResults(res.Hits))
	}
	assert.GreaterOrEqual(t, total/float64(len(queries)), 0.9)

	t.Run("rebuilds are deterministic", func(t *testing.T) {
		_, err := m.Rebuild(ctx, "s", src)
		require.NoError(t, err)
		for i, q := range queries {
			res, err := m.Query(ctx, "s", QueryRequest{Vector: q, K: 10})
			require.NoError(t, err)
			assert.Equal(t, first[i], res.Hits)
		}
	})

	t.Run("corrupted scheme refuses queries until repaired", func(t *testing.T) {
		require.NoError(t, m.Corrupt("s", fmt.Errorf("test")))
		_, err := m.Query(ctx, "s", QueryRequest{Vector: queries[0], K: 10})
		assert.ErrorIs(t, err, model.ErrIndexCorrupted)

		repaired, err := m.CheckAndRepair(ctx, src)
		require.NoError(t, err)
		assert.Equal(t, []string{"s"}, repaired)

		res, err := m.Query(ctx, "s", QueryRequest{Vector: queries[0], K: 10})
		require.NoError(t, err)
		assert.Equal(t, first[0], res.Hits)
	})
}

func TestBackgroundRepair(t *testing.T) {
	ctx := context.Background()
	vecs := testutil.NewRNG(43).UnitVectors(200, testDim)
	src := newSliceSource(vecs)

	m := newTestManager(t, WithRepairSource(src))
	require.NoError(t, m.Register(testScheme("s")))
	fill(t, m, "s", vecs)
	want, err := m.Query(ctx, "s", QueryRequest{Vector: vecs[0], K: 5})
	require.NoError(t, err)

	require.NoError(t, m.Corrupt("s", fmt.Errorf("checksum mismatch")))
	require.NoError(t, m.AwaitRepair(ctx, "s"))

	st, err := m.Stats("s")
	require.NoError(t, err)
	assert.False(t, st.Corrupted)
	assert.Equal(t, 200, st.Nodes)

	res, err := m.Query(ctx, "s", QueryRequest{Vector: vecs[0], K: 5})
	require.NoError(t, err)
	assert.Equal(t, want.Hits[0], res.Hits[0])

	t.Run("close waits for a running repair", func(t *testing.T) {
		m := New(WithRepairSource(src))
		require.NoError(t, m.Register(testScheme("s")))
		require.NoError(t, m.Corrupt("s", fmt.Errorf("bad frame")))
		require.NoError(t, m.Close(ctx))
		assert.ErrorIs(t, m.AwaitRepair(ctx, "s"), model.ErrClosed)
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	vecs := testutil.NewRNG(51).UnitVectors(300, testDim)
	queries := testutil.NewRNG(52).UnitVectors(5, testDim)

	m := newTestManager(t, WithSnapshotStore(blobs, nil))
	require.NoError(t, m.Register(testScheme("s")))
	fill(t, m, "s", vecs)
	require.NoError(t, m.Retire(ctx, "s", 3))

	var want [][]Hit
	for _, q := range queries {
		res, err := m.Query(ctx, "s", QueryRequest{Vector: q, K: 5})
		require.NoError(t, err)
		want = append(want, res.Hits)
	}

	for i := 0; i < 3; i++ {
		info, err := m.SaveSnapshot(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), info.Version)
	}
	names, err := blobs.List(ctx, "schemes/s/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"schemes/s/00000000000000000002.snap",
		"schemes/s/00000000000000000003.snap",
		"schemes/s/CURRENT",
	}, names)

	restored := newTestManager(t, WithSnapshotStore(blobs, nil))
	require.NoError(t, restored.Register(testScheme("s")))
	info, err := restored.LoadSnapshot(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 300, info.Nodes)

	for i, q := range queries {
		res, err := restored.Query(ctx, "s", QueryRequest{Vector: q, K: 5})
		require.NoError(t, err)
		assert.Equal(t, want[i], res.Hits)
	}
	res, err := restored.Query(ctx, "s", QueryRequest{Vector: vecs[2], K: 3})
	require.NoError(t, err)
	assert.NotContains(t, hitIDs(res.Hits), uint64(3))

	t.Run("config mismatch conflicts", func(t *testing.T) {
		other := newTestManager(t, WithSnapshotStore(blobs, nil))
		cfg := testScheme("s")
		cfg.M = 8
		require.NoError(t, other.Register(cfg))
		_, err := other.LoadSnapshot(ctx, "s")
		assert.ErrorIs(t, err, model.ErrConflict)
	})

	t.Run("missing snapshot", func(t *testing.T) {
		require.NoError(t, restored.Register(testScheme("empty")))
		_, err := restored.LoadSnapshot(ctx, "empty")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestQueryDeadline(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register(testScheme("s")))
	vecs := testutil.NewRNG(61).UnitVectors(500, testDim)
	fill(t, m, "s", vecs)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	res, err := m.Query(ctx, "s", QueryRequest{Vector: vecs[0], K: 10})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	m := New()
	require.NoError(t, m.Register(testScheme("s")))
	require.NoError(t, m.Insert(ctx, "s", 1, testutil.NewRNG(1).UnitVector(testDim), attrsFor(1)))
	require.NoError(t, m.Close(ctx))

	err := m.Insert(ctx, "s", 2, testutil.NewRNG(2).UnitVector(testDim), attrsFor(2))
	assert.ErrorIs(t, err, model.ErrClosed)
}

func TestWiden(t *testing.T) {
	assert.Equal(t, 64, widen(64, 1, 16))
	assert.Equal(t, 128, widen(64, 0.5, 16))
	assert.Equal(t, 1024, widen(64, 0.001, 16))
	assert.Equal(t, 1024, widen(64, 0, 16))
}
