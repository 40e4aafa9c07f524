package index

import (
	"context"
	"errors"
	"sort"

	"github.com/AGIHouse/openscience/distance"
	"github.com/AGIHouse/openscience/hnsw"
	"github.com/AGIHouse/openscience/metadata"
	"github.com/AGIHouse/openscience/model"
)

// QueryRequest describes one nearest-neighbour query.
type QueryRequest struct {
	Vector []float32
	K      int
	// EF overrides the scheme's search breadth. Zero uses EfSearch.
	EF     int
	Filter model.Filter
	// Exact forces an exhaustive scan.
	Exact bool
}

// Hit is one ranked passage.
type Hit struct {
	PassageID model.PassageID `json:"passage_id"`
	Distance  float32         `json:"distance"`
}

// QueryResult holds hits ordered by (distance, passage id).
type QueryResult struct {
	Hits []Hit `json:"hits"`
	// LowRecall warns that the result may be missing true neighbours.
	LowRecall bool `json:"low_recall"`
	// Truncated is set when the deadline cut the search short.
	Truncated bool `json:"truncated"`
	Visited   int  `json:"visited"`
	Exact     bool `json:"exact"`
}

// Query returns up to K nearest non-retired passages admitted by the filter.
func (m *Manager) Query(ctx context.Context, name string, req QueryRequest) (QueryResult, error) {
	s, err := m.scheme(name)
	if err != nil {
		return QueryResult{}, err
	}
	if req.K <= 0 {
		return QueryResult{}, model.Invalid("k", "must be positive")
	}
	if err := req.Filter.Validate(); err != nil {
		return QueryResult{}, err
	}
	if err := s.checkVector(req.Vector); err != nil {
		return QueryResult{}, err
	}
	if s.corrupted.Load() {
		return QueryResult{}, model.ErrIndexCorrupted
	}
	q, err := distance.Prepare(s.cfg.Metric, req.Vector)
	if err != nil {
		return QueryResult{}, model.Invalid("vector", err.Error())
	}

	sel := s.meta.Match(req.Filter)
	allow := func(key uint64) bool {
		return !s.isRetired(key) && sel.Allows(key)
	}

	res, err := s.query(ctx, q, req, sel, allow, m.opts)
	if err != nil {
		return QueryResult{}, err
	}
	if res.LowRecall {
		s.logger.Warn("low recall", "k", req.K, "hits", len(res.Hits), "visited", res.Visited, "selectivity", sel.Selectivity())
	}
	return res, nil
}

func (s *scheme) query(ctx context.Context, q []float32, req QueryRequest, sel *metadata.Selection, allow hnsw.AllowFunc, opts Options) (QueryResult, error) {
	pending := s.pendingSnapshot()

	s.maint.RLock()
	defer s.maint.RUnlock()

	var (
		out     QueryResult
		results []hnsw.Result
	)

	allowed := s.liveCount(sel)
	if req.Exact || (!sel.All() && allowed <= uint64(opts.ExactThreshold)) {
		keys := make([]uint64, 0, allowed)
		for _, key := range sel.Passages() {
			if !s.isRetired(key) {
				keys = append(keys, key)
			}
		}
		sr, err := s.graph.BruteSearch(ctx, q, req.K, keys)
		if err != nil {
			return QueryResult{}, translateGraphError(s.cfg.Name, err)
		}
		results = sr.Results
		out.Visited = sr.Visited
		out.Truncated = sr.Truncated
		out.Exact = true
	} else {
		ef := req.EF
		if ef <= 0 {
			ef = s.cfg.EfSearch
		}
		if ef < req.K {
			ef = req.K
		}
		ef = widen(ef, sel.Selectivity(), opts.MaxEFWidening)

		so := hnsw.SearchOptions{EF: ef, Allow: allow}
		if opts.VisitBudgetFactor > 0 {
			so.MaxVisits = opts.VisitBudgetFactor * ef
		}
		sr, err := s.graph.Search(ctx, q, req.K, so)
		if err != nil {
			return QueryResult{}, translateGraphError(s.cfg.Name, err)
		}
		results = sr.Results
		out.Visited = sr.Visited
		out.Truncated = sr.Truncated
		out.LowRecall = sr.Exhausted
	}

	// Vectors still waiting for the writer are scanned exhaustively.
	for _, item := range pending {
		if !allow(item.key) || s.graph.Contains(item.key) {
			continue
		}
		results = append(results, hnsw.Result{Key: item.key, Distance: s.graph.Distance(q, item.vec)})
		out.Visited++
	}

	out.Hits = rank(results, req.K)
	if !out.Truncated && len(out.Hits) < req.K && allowed >= uint64(req.K) && !out.Exact {
		out.LowRecall = true
	}
	return out, nil
}

// liveCount returns how many admitted passages are not retired.
func (s *scheme) liveCount(sel *metadata.Selection) uint64 {
	retired := s.retiredSnapshot()
	if retired.IsEmpty() {
		return sel.Count()
	}
	var n uint64
	for _, key := range sel.Passages() {
		if !retired.Contains(key) {
			n++
		}
	}
	return n
}

// widen grows ef in inverse proportion to the admitted fraction, up to maxFactor.
func widen(ef int, selectivity float64, maxFactor int) int {
	if selectivity >= 1 || maxFactor <= 1 {
		return ef
	}
	factor := float64(maxFactor)
	if selectivity > 0 && 1/selectivity < factor {
		factor = 1 / selectivity
	}
	return int(float64(ef) * factor)
}

// rank dedupes results by key, orders them by (distance, key) and keeps the first k.
func rank(results []hnsw.Result, k int) []Hit {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Key < results[j].Key
	})
	hits := make([]Hit, 0, min(k, len(results)))
	seen := make(map[uint64]struct{}, len(results))
	for _, r := range results {
		if len(hits) == k {
			break
		}
		if _, ok := seen[r.Key]; ok {
			continue
		}
		seen[r.Key] = struct{}{}
		hits = append(hits, Hit{PassageID: model.PassageID(r.Key), Distance: r.Distance})
	}
	return hits
}

func translateGraphError(scheme string, err error) error {
	var dm *hnsw.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &model.DimensionMismatchError{Scheme: scheme, Expected: dm.Expected, Actual: dm.Actual}
	}
	return err
}
