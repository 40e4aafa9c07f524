package openscience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AGIHouse/openscience/corpus"
	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/ingest"
	"github.com/AGIHouse/openscience/ingest/deadletter"
	"github.com/AGIHouse/openscience/metadata"
	"github.com/AGIHouse/openscience/model"
	"github.com/AGIHouse/openscience/retrieval"
)

// Engine wires the corpus store, the index manager, embedding ingest and
// retrieval into one service. It is safe for concurrent use.
type Engine struct {
	store     *corpus.Store
	index     *index.Manager
	ingest    *ingest.Ingestor
	retrieval *retrieval.Service

	logger  *Logger
	metrics MetricsCollector

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates an Engine over a corpus backend. The engine owns the backend
// and closes it on Close.
func New(backend corpus.Backend, optFns ...Option) (*Engine, error) {
	o := applyOptions(optFns)
	slogger := o.logger.Logger

	corpusOpts := []func(*corpus.Options){corpus.WithLogger(slogger)}
	if o.resolver != nil {
		corpusOpts = append(corpusOpts, corpus.WithResolver(o.resolver))
	}
	store := corpus.New(backend, corpusOpts...)

	idx := index.New(append([]func(*index.Options){
		index.WithLogger(slogger),
		index.WithResources(o.resources),
		index.WithRepairSource(store),
	}, o.indexOptions...)...)
	for _, cfg := range o.schemes {
		if err := idx.Register(cfg); err != nil {
			_ = idx.Close(context.Background())
			return nil, fmt.Errorf("register scheme %s: %w", cfg.Name, err)
		}
	}

	e := &Engine{
		store:   store,
		index:   idx,
		logger:  o.logger,
		metrics: o.metricsCollector,
	}
	store.SetPaperHook(e.onPaperChange)

	e.ingest = ingest.New(store, idx, append([]func(*ingest.Options){
		ingest.WithLogger(slogger),
		ingest.WithMetrics(o.metricsCollector),
	}, o.ingestOptions...)...)
	e.retrieval = retrieval.New(store, idx, append([]func(*retrieval.Options){
		retrieval.WithLogger(slogger),
		retrieval.WithMetrics(o.metricsCollector),
		retrieval.WithResources(o.resources),
	}, o.retrievalOptions...)...)
	return e, nil
}

// onPaperChange keeps the filter attributes of indexed passages in step with
// the stored paper. A retraction retires the paper's passages.
func (e *Engine) onPaperChange(ctx context.Context, p *model.Paper) {
	e.index.UpdatePaper(ctx, metadata.AttributesOf(p))
}

func (e *Engine) check() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Store returns the corpus store.
func (e *Engine) Store() *corpus.Store { return e.store }

// Index returns the index manager.
func (e *Engine) Index() *index.Manager { return e.index }

// Ingestor returns the embedding ingestor.
func (e *Engine) Ingestor() *ingest.Ingestor { return e.ingest }

// Retrieval returns the retrieval service.
func (e *Engine) Retrieval() *retrieval.Service { return e.retrieval }

// Logger returns the engine logger.
func (e *Engine) Logger() *Logger { return e.logger }

// PutDocument ingests a parsed paper with its passages and citations.
func (e *Engine) PutDocument(ctx context.Context, doc *model.Document) (corpus.PutResult, error) {
	if err := e.check(); err != nil {
		return corpus.PutResult{}, err
	}
	start := time.Now()
	res, err := e.store.PutDocument(ctx, doc)
	e.metrics.RecordDocument(time.Since(start), res.NewPassages, err)

	var paperID string
	if res.Resolution.Paper != nil {
		paperID = res.Resolution.Paper.ID
	}
	e.logger.LogIngest(ctx, paperID, res.Resolution.Created, res.NewPassages, err)
	return res, translateError(err)
}

// AppendPassages adds passages to a paper's open set for strategy.
func (e *Engine) AppendPassages(ctx context.Context, paperID string, strategy model.Strategy, in []model.PassageInput, finalize bool) ([]model.Passage, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	out, err := e.store.AppendPassages(ctx, paperID, strategy, in, finalize)
	return out, translateError(err)
}

// Attach persists an embedding and schedules it for indexing. The embedding is
// searchable once the ingestor has delivered it.
func (e *Engine) Attach(ctx context.Context, rec model.EmbeddingRecord) (model.Embedding, error) {
	if err := e.check(); err != nil {
		return model.Embedding{}, err
	}
	emb, err := e.ingest.Attach(ctx, rec)
	e.logger.LogAttach(ctx, rec.Scheme, uint64(rec.PassageID), err)
	return emb, translateError(err)
}

// Search returns one page of the passages nearest to req.Vector.
func (e *Engine) Search(ctx context.Context, req retrieval.SearchRequest) (retrieval.SearchResponse, error) {
	if err := e.check(); err != nil {
		return retrieval.SearchResponse{}, err
	}
	resp, err := e.retrieval.Search(ctx, req)
	e.logger.LogSearch(ctx, req.Scheme, req.K, len(resp.Results), resp.LowRecall, err)
	return resp, translateError(err)
}

// GetPaper returns a paper by canonical id.
func (e *Engine) GetPaper(ctx context.Context, id string) (*model.Paper, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	p, err := e.retrieval.GetPaper(ctx, id)
	return p, translateError(err)
}

// GetPassages pages through a paper's passages under one strategy.
func (e *Engine) GetPassages(ctx context.Context, req retrieval.PassagesRequest) (retrieval.PassagesPage, error) {
	if err := e.check(); err != nil {
		return retrieval.PassagesPage{}, err
	}
	page, err := e.retrieval.GetPassages(ctx, req)
	return page, translateError(err)
}

// GetCitationGraph walks the citation graph around a paper.
func (e *Engine) GetCitationGraph(ctx context.Context, req retrieval.GraphRequest) (retrieval.CitationGraph, error) {
	if err := e.check(); err != nil {
		return retrieval.CitationGraph{}, err
	}
	g, err := e.retrieval.GetCitationGraph(ctx, req)
	return g, translateError(err)
}

// Retract tags a paper retracted and retires its passages from every scheme.
// The paper stays readable.
func (e *Engine) Retract(ctx context.Context, paperID string) (*model.Paper, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	p, _, err := e.store.Retract(ctx, paperID)
	if err != nil {
		return nil, translateError(err)
	}
	for _, s := range e.index.Schemes() {
		e.retrieval.InvalidateScheme(s.Name)
	}
	return p, nil
}

// MergeCandidates pages through possible duplicates awaiting reconciliation.
func (e *Engine) MergeCandidates(ctx context.Context, after string, limit int) ([]model.MergeCandidate, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.store.ListMergeCandidates(ctx, after, limit)
}

// RegisterScheme adds an embedding scheme at runtime.
func (e *Engine) RegisterScheme(cfg index.SchemeConfig) error {
	if err := e.check(); err != nil {
		return err
	}
	return e.index.Register(cfg)
}

// Schemes lists the registered schemes.
func (e *Engine) Schemes() []index.SchemeConfig {
	return e.index.Schemes()
}

// DeadLetters pages through index inserts that exhausted their retries.
func (e *Engine) DeadLetters(ctx context.Context, after string, limit int) ([]deadletter.Letter, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.ingest.DeadLetters(ctx, after, limit)
}

// ReplayDeadLetters re-enqueues dead letters of scheme, or of every scheme when empty.
func (e *Engine) ReplayDeadLetters(ctx context.Context, scheme string) (int, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	return e.ingest.Replay(ctx, scheme)
}

// Drain waits until every queued embedding has been delivered or dead-lettered.
func (e *Engine) Drain(ctx context.Context) error {
	return e.ingest.Drain(ctx)
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Schemes []index.Stats `json:"schemes"`
	Ingest  ingest.Stats  `json:"ingest"`
}

// Stats reports per-scheme index statistics and the ingest queue state,
// publishing both to the metrics collector.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	if err := e.check(); err != nil {
		return Stats{}, err
	}
	var out Stats
	for _, cfg := range e.index.Schemes() {
		s, err := e.index.Stats(cfg.Name)
		if err != nil {
			return Stats{}, err
		}
		e.metrics.ObserveIndex(s)
		out.Schemes = append(out.Schemes, s)
	}
	is, err := e.ingest.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	e.metrics.ObserveIngest(is)
	out.Ingest = is
	return out, nil
}

// Close drains in-flight deliveries, stops the index writers and closes the backend.
func (e *Engine) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		var errs []error
		if err := e.ingest.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ingest: %w", err))
		}
		if err := e.index.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("index: %w", err))
		}
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}
