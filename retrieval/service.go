package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AGIHouse/openscience/cache"
	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/model"
)

// Index is the part of the ANN index manager retrieval reads.
type Index interface {
	Scheme(name string) (index.SchemeConfig, error)
	Query(ctx context.Context, name string, req index.QueryRequest) (index.QueryResult, error)
}

// Store is the part of the corpus store retrieval reads.
type Store interface {
	GetPaper(ctx context.Context, id string) (*model.Paper, error)
	GetPassage(ctx context.Context, id model.PassageID) (model.Passage, error)
	GetPassages(ctx context.Context, paperID string, strategy model.Strategy) ([]model.Passage, error)
	GetCitations(ctx context.Context, paperID string, dir model.Direction) ([]model.CitationEdge, error)
}

// SearchRequest is one page of a nearest-neighbour search.
type SearchRequest struct {
	Vector    []float32     `json:"vector"`
	Scheme    string        `json:"scheme"`
	K         int           `json:"k"`
	Filter    model.Filter  `json:"filter"`
	PageSize  int           `json:"page_size,omitempty"`
	PageToken string        `json:"page_token,omitempty"`
	EF        int           `json:"ef,omitempty"`
	Exact     bool          `json:"exact,omitempty"`
	Timeout   time.Duration `json:"-"`
}

// Hit is a hydrated search result.
type Hit struct {
	Rank     int           `json:"rank"`
	Distance float32       `json:"distance"`
	Passage  model.Passage `json:"passage"`
	Paper    *model.Paper  `json:"paper"`
}

// SearchResponse is one page of results.
type SearchResponse struct {
	Results       []Hit  `json:"results"`
	NextPageToken string `json:"next_page_token,omitempty"`
	// Total is the size of the ranking being paged.
	Total     int  `json:"total"`
	LowRecall bool `json:"low_recall"`
	Truncated bool `json:"truncated"`
}

type rankedHit struct {
	PassageID model.PassageID `json:"id"`
	Distance  float32         `json:"d"`
}

type ranking struct {
	Hits      []rankedHit `json:"hits"`
	LowRecall bool        `json:"low_recall"`
	Truncated bool        `json:"-"`
}

// Service answers retrieval calls.
type Service struct {
	store  Store
	index  Index
	opts   Options
	logger *slog.Logger
	cache  *cache.Sharded
	papers singleflight.Group
}

// New creates a Service.
func New(store Store, idx Index, optFns ...func(o *Options)) *Service {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.normalize()
	s := &Service{store: store, index: idx, opts: opts, logger: opts.Logger}
	if opts.CacheBytes > 0 {
		s.cache = cache.NewSharded(opts.CacheBytes, opts.CacheTTL, opts.Resources)
	}
	return s
}

// Search returns one page of the top-K passages nearest to req.Vector.
// A registered scheme without embeddings yields an empty page.
func (s *Service) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	start := time.Now()
	resp, err := s.search(ctx, req)
	s.opts.Metrics.RecordSearch(req.Scheme, time.Since(start), len(resp.Results), resp.LowRecall, err)
	return resp, err
}

func (s *Service) search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	if strings.TrimSpace(req.Scheme) == "" {
		return SearchResponse{}, model.Invalid("scheme", "empty scheme")
	}
	if req.K <= 0 || req.K > s.opts.MaxK {
		return SearchResponse{}, model.Invalid("k", "must be between 1 and "+strconv.Itoa(s.opts.MaxK))
	}
	if req.PageSize < 0 || req.PageSize > s.opts.MaxPageSize {
		return SearchResponse{}, model.Invalid("page_size", "must be between 1 and "+strconv.Itoa(s.opts.MaxPageSize))
	}
	if err := req.Filter.Validate(); err != nil {
		return SearchResponse{}, err
	}
	if _, err := s.index.Scheme(req.Scheme); err != nil {
		return SearchResponse{}, err
	}
	req.Filter = req.Filter.Normalized()
	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = s.opts.DefaultPageSize
	}

	fp := fingerprint(req)
	offset := 0
	if req.PageToken != "" {
		var tok searchToken
		if err := decodeToken(req.PageToken, &tok); err != nil {
			return SearchResponse{}, err
		}
		if tok.Scheme != req.Scheme || tok.K != req.K || tok.Query != fp || tok.Offset < 0 {
			return SearchResponse{}, model.Invalid("page_token", "token does not belong to this query")
		}
		offset = tok.Offset
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r, err := s.ranking(ctx, req, fp)
	if err != nil {
		return SearchResponse{}, err
	}

	resp := SearchResponse{Total: len(r.Hits), LowRecall: r.LowRecall, Truncated: r.Truncated, Results: []Hit{}}
	if offset >= len(r.Hits) {
		return resp, nil
	}
	end := min(offset+pageSize, len(r.Hits))
	papers := make(map[string]*model.Paper)
	for i, h := range r.Hits[offset:end] {
		passage, paper, err := s.hydrate(ctx, h.PassageID, papers)
		if err != nil {
			return SearchResponse{}, err
		}
		resp.Results = append(resp.Results, Hit{Rank: offset + i + 1, Distance: h.Distance, Passage: passage, Paper: paper})
	}
	if end < len(r.Hits) {
		resp.NextPageToken = encodeToken(searchToken{Scheme: req.Scheme, K: req.K, Offset: end, Query: fp})
	}
	return resp, nil
}

func cacheKey(scheme, fp string) string { return scheme + "/" + fp }

// ranking returns the post-filtered top-K, from cache when possible.
func (s *Service) ranking(ctx context.Context, req SearchRequest, fp string) (ranking, error) {
	key := cacheKey(req.Scheme, fp)
	if s.cache != nil {
		if data, ok := s.cache.Get(key); ok {
			var r ranking
			if err := json.Unmarshal(data, &r); err == nil {
				return r, nil
			}
		}
	}

	r, err := s.rank(ctx, req)
	if err != nil {
		return ranking{}, err
	}
	if s.cache != nil && !r.Truncated {
		if data, err := json.Marshal(r); err == nil {
			s.cache.Set(key, data)
		}
	}
	return r, nil
}

// rank queries the index and drops hits whose passage or paper is gone or
// whose stored paper no longer matches the filter. The index query
// over-fetches and widens until K hits survive or the index runs dry.
func (s *Service) rank(ctx context.Context, req SearchRequest) (ranking, error) {
	fetch := req.K * s.opts.OverFetch
	limit := req.K * s.opts.OverFetch * 4
	papers := make(map[string]*model.Paper)
	var out ranking
	for {
		res, err := s.index.Query(ctx, req.Scheme, index.QueryRequest{
			Vector: req.Vector,
			K:      fetch,
			EF:     req.EF,
			Filter: req.Filter,
			Exact:  req.Exact,
		})
		if err != nil {
			return ranking{}, err
		}
		out = ranking{LowRecall: res.LowRecall, Truncated: res.Truncated}
		for _, h := range res.Hits {
			if len(out.Hits) == req.K {
				break
			}
			_, paper, err := s.hydrate(ctx, h.PassageID, papers)
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			if err != nil {
				return ranking{}, err
			}
			if !req.Filter.Matches(paper) {
				continue
			}
			out.Hits = append(out.Hits, rankedHit{PassageID: h.PassageID, Distance: h.Distance})
		}
		if len(out.Hits) == req.K || len(res.Hits) < fetch || res.Truncated || fetch >= limit {
			break
		}
		fetch *= 2
	}
	if out.LowRecall {
		s.logger.Warn("search may have missed neighbours", "scheme", req.Scheme, "k", req.K, "hits", len(out.Hits))
	}
	return out, nil
}

func (s *Service) hydrate(ctx context.Context, id model.PassageID, papers map[string]*model.Paper) (model.Passage, *model.Paper, error) {
	p, err := s.store.GetPassage(ctx, id)
	if err != nil {
		return model.Passage{}, nil, err
	}
	paper, ok := papers[p.PaperID]
	if !ok {
		paper, err = s.loadPaper(ctx, p.PaperID)
		if err != nil {
			return model.Passage{}, nil, err
		}
		papers[p.PaperID] = paper
	}
	return p, paper, nil
}

// loadPaper collapses concurrent lookups of the same paper.
func (s *Service) loadPaper(ctx context.Context, id string) (*model.Paper, error) {
	v, err, _ := s.papers.Do(id, func() (any, error) {
		return s.store.GetPaper(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Paper).Clone(), nil
}

// GetPaper returns a paper by canonical id.
func (s *Service) GetPaper(ctx context.Context, id string) (*model.Paper, error) {
	if strings.TrimSpace(id) == "" {
		return nil, model.Invalid("paper_id", "empty id")
	}
	return s.loadPaper(ctx, id)
}

// InvalidateScheme drops cached rankings of a scheme, e.g. after a rebuild.
func (s *Service) InvalidateScheme(scheme string) {
	if s.cache != nil {
		s.cache.InvalidatePrefix(scheme + "/")
	}
}

// PassagesRequest asks for one page of a paper's passages under a strategy.
type PassagesRequest struct {
	PaperID   string         `json:"paper_id"`
	Strategy  model.Strategy `json:"strategy"`
	PageSize  int            `json:"page_size,omitempty"`
	PageToken string         `json:"page_token,omitempty"`
}

// PassagesPage is one page of passages in order-index order.
type PassagesPage struct {
	Passages      []model.Passage `json:"passages"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

// GetPassages pages through a paper's passages.
func (s *Service) GetPassages(ctx context.Context, req PassagesRequest) (PassagesPage, error) {
	if !req.Strategy.Valid() {
		return PassagesPage{}, model.Invalid("strategy", "invalid segmentation strategy "+string(req.Strategy))
	}
	if req.PageSize < 0 || req.PageSize > s.opts.MaxPageSize {
		return PassagesPage{}, model.Invalid("page_size", "must be between 1 and "+strconv.Itoa(s.opts.MaxPageSize))
	}
	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = s.opts.MaxPageSize
	}
	offset := 0
	if req.PageToken != "" {
		var tok passagesToken
		if err := decodeToken(req.PageToken, &tok); err != nil {
			return PassagesPage{}, err
		}
		if tok.PaperID != req.PaperID || tok.Strategy != req.Strategy || tok.Offset < 0 {
			return PassagesPage{}, model.Invalid("page_token", "token does not belong to this listing")
		}
		offset = tok.Offset
	}

	all, err := s.store.GetPassages(ctx, req.PaperID, req.Strategy)
	if err != nil {
		return PassagesPage{}, err
	}
	page := PassagesPage{Passages: []model.Passage{}}
	if offset >= len(all) {
		return page, nil
	}
	end := min(offset+pageSize, len(all))
	page.Passages = all[offset:end]
	if end < len(all) {
		page.NextPageToken = encodeToken(passagesToken{PaperID: req.PaperID, Strategy: req.Strategy, Offset: end})
	}
	return page, nil
}
