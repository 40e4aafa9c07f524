// Package server exposes the engine over HTTP/JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/AGIHouse/openscience"
	"github.com/AGIHouse/openscience/corpus"
	"github.com/AGIHouse/openscience/identity"
	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/ingest/deadletter"
	"github.com/AGIHouse/openscience/model"
	"github.com/AGIHouse/openscience/retrieval"
)

// Engine is the part of *openscience.Engine the server calls.
type Engine interface {
	PutDocument(ctx context.Context, doc *model.Document) (corpus.PutResult, error)
	Attach(ctx context.Context, rec model.EmbeddingRecord) (model.Embedding, error)
	Search(ctx context.Context, req retrieval.SearchRequest) (retrieval.SearchResponse, error)
	GetPaper(ctx context.Context, id string) (*model.Paper, error)
	GetPassages(ctx context.Context, req retrieval.PassagesRequest) (retrieval.PassagesPage, error)
	GetCitationGraph(ctx context.Context, req retrieval.GraphRequest) (retrieval.CitationGraph, error)
	Retract(ctx context.Context, paperID string) (*model.Paper, error)
	MergeCandidates(ctx context.Context, after string, limit int) ([]model.MergeCandidate, error)
	Schemes() []index.SchemeConfig
	Stats(ctx context.Context) (openscience.Stats, error)
	DeadLetters(ctx context.Context, after string, limit int) ([]deadletter.Letter, error)
	ReplayDeadLetters(ctx context.Context, scheme string) (int, error)
}

var _ Engine = (*openscience.Engine)(nil)

// Options configures a Server.
type Options struct {
	Logger *slog.Logger
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// MaxBodyBytes caps request bodies. Zero means 64 MiB.
	MaxBodyBytes int64
	// DefaultListLimit applies to listings without a limit parameter.
	DefaultListLimit int
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) func(o *Options) {
	return func(o *Options) { o.Metrics = h }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) func(o *Options) {
	return func(o *Options) { o.MaxBodyBytes = n }
}

// Server routes HTTP requests to an Engine.
type Server struct {
	engine Engine
	opts   Options
	logger *slog.Logger
}

// New creates a Server.
func New(engine Engine, optFns ...func(o *Options)) *Server {
	opts := Options{MaxBodyBytes: 64 << 20, DefaultListLimit: 100}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{engine: engine, opts: opts, logger: opts.Logger}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/documents", s.handlePutDocument)
	mux.HandleFunc("POST /v1/embeddings", s.handleAttach)
	mux.HandleFunc("POST /v1/search", s.handleSearch)
	mux.HandleFunc("GET /v1/papers/{id}", s.handleGetPaper)
	mux.HandleFunc("GET /v1/papers/{id}/passages", s.handleGetPassages)
	mux.HandleFunc("GET /v1/papers/{id}/citations", s.handleGetCitations)
	mux.HandleFunc("POST /v1/papers/{id}/retract", s.handleRetract)
	mux.HandleFunc("GET /v1/schemes", s.handleSchemes)
	mux.HandleFunc("GET /v1/merge-candidates", s.handleMergeCandidates)
	mux.HandleFunc("GET /v1/dead-letters", s.handleDeadLetters)
	mux.HandleFunc("POST /v1/dead-letters/replay", s.handleReplay)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	return s.withLogging(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func ListenAndServe(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type putDocumentResponse struct {
	PaperID             string                             `json:"paper_id"`
	Created             bool                               `json:"created"`
	Passages            map[model.Strategy][]model.Passage `json:"passages,omitempty"`
	NewPassages         int                                `json:"new_passages"`
	CitationsAdded      int                                `json:"citations_added"`
	UnresolvedCitations []model.CitationRef                `json:"unresolved_citations,omitempty"`
	Conflicts           []identity.FieldConflict           `json:"conflicts,omitempty"`
	MergeCandidates     []model.MergeCandidate             `json:"merge_candidates,omitempty"`
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	var doc model.Document
	if !s.decode(w, r, &doc) {
		return
	}
	res, err := s.engine.PutDocument(r.Context(), &doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := putDocumentResponse{
		PaperID:             res.Resolution.Paper.ID,
		Created:             res.Resolution.Created,
		Passages:            res.Passages,
		NewPassages:         res.NewPassages,
		CitationsAdded:      res.CitationsAdded,
		UnresolvedCitations: res.UnresolvedCitations,
		Conflicts:           res.Resolution.Conflicts,
		MergeCandidates:     res.Resolution.Candidates,
	}
	code := http.StatusOK
	if res.Resolution.Created {
		code = http.StatusCreated
	}
	writeJSON(w, code, out)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var rec model.EmbeddingRecord
	if !s.decode(w, r, &rec) {
		return
	}
	emb, err := s.engine.Attach(r.Context(), rec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"passage_id":  emb.PassageID,
		"scheme":      emb.Scheme,
		"produced_at": emb.ProducedAt,
	})
}

type searchRequest struct {
	retrieval.SearchRequest
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TimeoutMS < 0 {
		s.writeError(w, r, model.Invalid("timeout_ms", "negative timeout"))
		return
	}
	req.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	resp, err := s.engine.Search(r.Context(), req.SearchRequest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPaper(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetPaper(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetPassages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageSize, err := intParam(q.Get("page_size"), "page_size", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	strategy := model.Strategy(q.Get("strategy"))
	if strategy == "" {
		strategy = model.StrategySentence
	}
	page, err := s.engine.GetPassages(r.Context(), retrieval.PassagesRequest{
		PaperID:   r.PathValue("id"),
		Strategy:  strategy,
		PageSize:  pageSize,
		PageToken: q.Get("page_token"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetCitations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	depth, err := intParam(q.Get("depth"), "depth", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	maxNodes, err := intParam(q.Get("max_nodes"), "max_nodes", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pageSize, err := intParam(q.Get("page_size"), "page_size", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dir, err := model.ParseDirection(q.Get("direction"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.engine.GetCitationGraph(r.Context(), retrieval.GraphRequest{
		PaperID:   r.PathValue("id"),
		Depth:     depth,
		Direction: dir,
		MaxNodes:  maxNodes,
		PageSize:  pageSize,
		PageToken: q.Get("page_token"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRetract(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Retract(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSchemes(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schemes": s.engine.Schemes(),
		"stats":   stats.Schemes,
		"ingest":  stats.Ingest,
	})
}

func (s *Server) handleMergeCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit", s.opts.DefaultListLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cands, err := s.engine.MergeCandidates(r.Context(), q.Get("after"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"merge_candidates": cands})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit", s.opts.DefaultListLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	letters, err := s.engine.DeadLetters(r.Context(), q.Get("after"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ReplayDeadLetters(r.Context(), r.URL.Query().Get("scheme"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replayed": n})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
			return false
		}
		writeErr(w, http.StatusBadRequest, "invalid_json", fmt.Sprintf("invalid json: %v", err))
		return false
	}
	return true
}

func intParam(raw, name string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.Invalid(name, "not an integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
