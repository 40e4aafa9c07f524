// Package postgres is a shared corpus backend on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AGIHouse/openscience/corpus"
	"github.com/AGIHouse/openscience/identity"
	"github.com/AGIHouse/openscience/model"
)

var _ corpus.Backend = (*Backend)(nil)

const uniqueViolation = "23505"

// Backend stores the corpus in PostgreSQL.
type Backend struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and creates the schema when missing.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	b := &Backend{pool: pool}
	if err := b.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// Close releases the pool.
func (b *Backend) Close() error {
	if b != nil && b.pool != nil {
		b.pool.Close()
	}
	return nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS papers (
	id TEXT PRIMARY KEY,
	data JSONB NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_papers_fingerprint ON papers(fingerprint) WHERE fingerprint <> '';

CREATE TABLE IF NOT EXISTS external_ids (
	source TEXT NOT NULL,
	external_id TEXT NOT NULL,
	paper_id TEXT NOT NULL REFERENCES papers(id),
	PRIMARY KEY (source, external_id)
);

CREATE TABLE IF NOT EXISTS merge_candidates (
	id TEXT PRIMARY KEY,
	paper_id TEXT NOT NULL,
	candidate_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (paper_id, candidate_id, reason)
);

CREATE TABLE IF NOT EXISTS passage_sets (
	paper_id TEXT NOT NULL REFERENCES papers(id),
	strategy TEXT NOT NULL,
	finalized BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (paper_id, strategy)
);

CREATE TABLE IF NOT EXISTS passages (
	id BIGSERIAL PRIMARY KEY,
	paper_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	order_index INTEGER NOT NULL,
	text TEXT NOT NULL,
	span_start INTEGER,
	span_end INTEGER,
	UNIQUE (paper_id, strategy, order_index)
);
CREATE INDEX IF NOT EXISTS idx_passages_paper ON passages(paper_id);

CREATE TABLE IF NOT EXISTS citations (
	citing TEXT NOT NULL,
	cited TEXT NOT NULL,
	raw TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (citing, cited)
);
CREATE INDEX IF NOT EXISTS idx_citations_cited ON citations(cited, citing);

CREATE TABLE IF NOT EXISTS embeddings (
	scheme TEXT NOT NULL,
	passage_id BIGINT NOT NULL,
	vector BYTEA NOT NULL,
	produced_at TIMESTAMPTZ NOT NULL,
	indexed BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (scheme, passage_id)
);
CREATE INDEX IF NOT EXISTS idx_embeddings_unindexed ON embeddings(scheme, passage_id) WHERE NOT indexed;
`

func (b *Backend) migrate(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NotFoundf(format, args...)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// LookupExternalID implements identity.Catalog.
func (b *Backend) LookupExternalID(ctx context.Context, key identity.ExternalKey) (string, error) {
	var id string
	err := b.pool.QueryRow(ctx,
		`SELECT paper_id FROM external_ids WHERE source=$1 AND external_id=$2`,
		string(key.Source), key.ID).Scan(&id)
	if err != nil {
		return "", notFound(err, "external id %s", key)
	}
	return id, nil
}

// LookupFingerprint implements identity.Catalog.
func (b *Backend) LookupFingerprint(ctx context.Context, fp string) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT id FROM papers WHERE fingerprint=$1 ORDER BY id`, fp)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func decodePaper(data []byte) (*model.Paper, error) {
	var p model.Paper
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode paper: %w", err)
	}
	if p.ExternalIDs == nil {
		p.ExternalIDs = map[model.Source]string{}
	}
	return &p, nil
}

// GetPaper implements identity.Catalog.
func (b *Backend) GetPaper(ctx context.Context, id string) (*model.Paper, error) {
	var data []byte
	if err := b.pool.QueryRow(ctx, `SELECT data FROM papers WHERE id=$1`, id).Scan(&data); err != nil {
		return nil, notFound(err, "paper %s", id)
	}
	return decodePaper(data)
}

// SavePaper implements corpus.Backend.
func (b *Backend) SavePaper(ctx context.Context, p *model.Paper, fp string, keys []identity.ExternalKey) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
INSERT INTO papers (id, data, fingerprint) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET
	data = EXCLUDED.data,
	fingerprint = CASE WHEN EXCLUDED.fingerprint = '' THEN papers.fingerprint ELSE EXCLUDED.fingerprint END`,
		p.ID, data, fp); err != nil {
		return fmt.Errorf("upsert paper: %w", err)
	}
	for _, k := range keys {
		if _, err := tx.Exec(ctx, `
INSERT INTO external_ids (source, external_id, paper_id) VALUES ($1, $2, $3)
ON CONFLICT (source, external_id) DO NOTHING`, string(k.Source), k.ID, p.ID); err != nil {
			return fmt.Errorf("bind %s: %w", k, err)
		}
	}
	return tx.Commit(ctx)
}

// ScanPapers implements corpus.Backend.
func (b *Backend) ScanPapers(ctx context.Context, after string, limit int) ([]*model.Paper, error) {
	rows, err := b.pool.Query(ctx, `SELECT data FROM papers WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	out := make([]*model.Paper, 0, len(raw))
	for _, data := range raw {
		p, err := decodePaper(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// PutMergeCandidates implements corpus.Backend.
func (b *Backend) PutMergeCandidates(ctx context.Context, cs []model.MergeCandidate) error {
	for _, c := range cs {
		if _, err := b.pool.Exec(ctx, `
INSERT INTO merge_candidates (id, paper_id, candidate_id, reason, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT DO NOTHING`, c.ID, c.PaperID, c.CandidateID, c.Reason, c.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// ListMergeCandidates implements corpus.Backend.
func (b *Backend) ListMergeCandidates(ctx context.Context, after string, limit int) ([]model.MergeCandidate, error) {
	rows, err := b.pool.Query(ctx, `
SELECT id, paper_id, candidate_id, reason, created_at
FROM merge_candidates WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.MergeCandidate, error) {
		var c model.MergeCandidate
		err := row.Scan(&c.ID, &c.PaperID, &c.CandidateID, &c.Reason, &c.CreatedAt)
		c.CreatedAt = c.CreatedAt.UTC()
		return c, err
	})
}

// Strategies implements corpus.Backend.
func (b *Backend) Strategies(ctx context.Context, paperID string) ([]corpus.StrategyInfo, error) {
	rows, err := b.pool.Query(ctx, `
SELECT s.strategy, s.finalized, COUNT(p.id)
FROM passage_sets s
LEFT JOIN passages p ON p.paper_id = s.paper_id AND p.strategy = s.strategy
WHERE s.paper_id = $1
GROUP BY s.strategy, s.finalized
ORDER BY s.strategy`, paperID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (corpus.StrategyInfo, error) {
		var (
			strategy  string
			finalized bool
			count     int64
		)
		if err := row.Scan(&strategy, &finalized, &count); err != nil {
			return corpus.StrategyInfo{}, err
		}
		info := corpus.StrategyInfo{Strategy: model.Strategy(strategy), State: model.PassageSetOpen, Count: int(count)}
		if finalized {
			info.State = model.PassageSetFinalized
		}
		return info, nil
	})
}

// InsertPassages implements corpus.Backend.
func (b *Backend) InsertPassages(ctx context.Context, paperID string, strategy model.Strategy, in []model.PassageInput, finalize bool) ([]model.Passage, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM papers WHERE id=$1)`, paperID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, model.NotFoundf("paper %s", paperID)
	}

	// Row lock on the set serializes appenders from other processes.
	var finalized bool
	err = tx.QueryRow(ctx, `
INSERT INTO passage_sets (paper_id, strategy) VALUES ($1, $2)
ON CONFLICT (paper_id, strategy) DO UPDATE SET finalized = passage_sets.finalized
RETURNING finalized`, paperID, string(strategy)).Scan(&finalized)
	if err != nil {
		return nil, err
	}
	if finalized {
		return nil, model.Conflictf("passages of %s/%s are finalized", paperID, strategy)
	}

	out := make([]model.Passage, 0, len(in))
	for _, p := range in {
		var start, end *int
		if p.Span != nil {
			s, e := p.Span.Start, p.Span.End
			start, end = &s, &e
		}
		var id int64
		err := tx.QueryRow(ctx, `
INSERT INTO passages (paper_id, strategy, order_index, text, span_start, span_end)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			paperID, string(strategy), p.OrderIndex, p.Text, start, end).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, model.Conflictf("order index %d of %s/%s is taken", p.OrderIndex, paperID, strategy)
			}
			return nil, err
		}
		stored := model.Passage{
			ID:         model.PassageID(id),
			PaperID:    paperID,
			Strategy:   strategy,
			OrderIndex: p.OrderIndex,
			Text:       p.Text,
		}
		if p.Span != nil {
			span := *p.Span
			stored.Span = &span
		}
		out = append(out, stored)
	}

	if finalize {
		if _, err := tx.Exec(ctx,
			`UPDATE passage_sets SET finalized = TRUE WHERE paper_id=$1 AND strategy=$2`, paperID, string(strategy)); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// FinalizePassages implements corpus.Backend.
func (b *Backend) FinalizePassages(ctx context.Context, paperID string, strategy model.Strategy) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE passage_sets SET finalized = TRUE WHERE paper_id=$1 AND strategy=$2`, paperID, string(strategy))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("no passages for %s/%s", paperID, strategy)
	}
	return nil
}

const passageColumns = `id, paper_id, strategy, order_index, text, span_start, span_end`

func scanPassage(row pgx.Row) (model.Passage, error) {
	var (
		id         int64
		strategy   string
		start, end *int32
		p          model.Passage
	)
	if err := row.Scan(&id, &p.PaperID, &strategy, &p.OrderIndex, &p.Text, &start, &end); err != nil {
		return model.Passage{}, err
	}
	p.ID = model.PassageID(id)
	p.Strategy = model.Strategy(strategy)
	if start != nil && end != nil {
		p.Span = &model.CharSpan{Start: int(*start), End: int(*end)}
	}
	return p, nil
}

// GetPassages implements corpus.Backend.
func (b *Backend) GetPassages(ctx context.Context, paperID string, strategy model.Strategy) ([]model.Passage, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT `+passageColumns+` FROM passages WHERE paper_id=$1 AND strategy=$2 ORDER BY order_index`,
		paperID, string(strategy))
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Passage, error) { return scanPassage(row) })
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Passage{}
	}
	return out, nil
}

// GetPassage implements corpus.Backend.
func (b *Backend) GetPassage(ctx context.Context, id model.PassageID) (model.Passage, error) {
	p, err := scanPassage(b.pool.QueryRow(ctx, `SELECT `+passageColumns+` FROM passages WHERE id=$1`, int64(id)))
	if err != nil {
		return model.Passage{}, notFound(err, "passage %s", id)
	}
	return p, nil
}

// PassageIDs implements corpus.Backend.
func (b *Backend) PassageIDs(ctx context.Context, paperID string) ([]model.PassageID, error) {
	rows, err := b.pool.Query(ctx, `SELECT id FROM passages WHERE paper_id=$1 ORDER BY id`, paperID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PassageID, error) {
		var id int64
		err := row.Scan(&id)
		return model.PassageID(id), err
	})
}

// PutCitationEdge implements corpus.Backend.
func (b *Backend) PutCitationEdge(ctx context.Context, e model.CitationEdge) (bool, error) {
	tag, err := b.pool.Exec(ctx, `
INSERT INTO citations (citing, cited, raw) VALUES ($1, $2, $3)
ON CONFLICT (citing, cited) DO NOTHING`, e.Citing, e.Cited, e.Raw)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (b *Backend) edges(ctx context.Context, query, id string) ([]model.CitationEdge, error) {
	rows, err := b.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CitationEdge, error) {
		var e model.CitationEdge
		err := row.Scan(&e.Citing, &e.Cited, &e.Raw)
		return e, err
	})
}

// Citations implements corpus.Backend.
func (b *Backend) Citations(ctx context.Context, paperID string, dir model.Direction) ([]model.CitationEdge, error) {
	var out []model.CitationEdge
	if dir == model.Forward || dir == model.Both {
		fw, err := b.edges(ctx, `SELECT citing, cited, raw FROM citations WHERE citing=$1 ORDER BY cited`, paperID)
		if err != nil {
			return nil, err
		}
		out = append(out, fw...)
	}
	if dir == model.Backward || dir == model.Both {
		bw, err := b.edges(ctx, `SELECT citing, cited, raw FROM citations WHERE cited=$1 ORDER BY citing`, paperID)
		if err != nil {
			return nil, err
		}
		out = append(out, bw...)
	}
	return out, nil
}

// PutEmbedding implements corpus.Backend.
func (b *Backend) PutEmbedding(ctx context.Context, e model.Embedding) error {
	tag, err := b.pool.Exec(ctx, `
INSERT INTO embeddings (scheme, passage_id, vector, produced_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (scheme, passage_id) DO NOTHING`,
		e.Scheme, int64(e.PassageID), corpus.EncodeVector(e.Vector), e.ProducedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.AlreadyExistsf("embedding %s/%s", e.PassageID, e.Scheme)
	}
	return nil
}

func scanEmbedding(row pgx.Row) (model.Embedding, error) {
	var (
		e    model.Embedding
		id   int64
		blob []byte
		at   time.Time
	)
	if err := row.Scan(&e.Scheme, &id, &blob, &at); err != nil {
		return model.Embedding{}, err
	}
	vec, err := corpus.DecodeVector(blob)
	if err != nil {
		return model.Embedding{}, err
	}
	e.PassageID = model.PassageID(id)
	e.Vector = vec
	e.ProducedAt = at.UTC()
	return e, nil
}

// GetEmbedding implements corpus.Backend.
func (b *Backend) GetEmbedding(ctx context.Context, id model.PassageID, scheme string) (model.Embedding, error) {
	e, err := scanEmbedding(b.pool.QueryRow(ctx,
		`SELECT scheme, passage_id, vector, produced_at FROM embeddings WHERE scheme=$1 AND passage_id=$2`,
		scheme, int64(id)))
	if err != nil {
		return model.Embedding{}, notFound(err, "embedding %s/%s", id, scheme)
	}
	return e, nil
}

func (b *Backend) embeddings(ctx context.Context, query string, args ...any) ([]model.Embedding, error) {
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Embedding, error) { return scanEmbedding(row) })
}

// ScanEmbeddings implements corpus.Backend.
func (b *Backend) ScanEmbeddings(ctx context.Context, scheme string, after model.PassageID, limit int) ([]model.Embedding, error) {
	return b.embeddings(ctx, `
SELECT scheme, passage_id, vector, produced_at FROM embeddings
WHERE scheme=$1 AND passage_id > $2 ORDER BY passage_id LIMIT $3`, scheme, int64(after), limit)
}

// MarkIndexed implements corpus.Backend.
func (b *Backend) MarkIndexed(ctx context.Context, scheme string, ids []model.PassageID) error {
	keys := make([]int64, len(ids))
	for i, id := range ids {
		keys[i] = int64(id)
	}
	_, err := b.pool.Exec(ctx,
		`UPDATE embeddings SET indexed = TRUE WHERE scheme=$1 AND passage_id = ANY($2)`, scheme, keys)
	return err
}

// ListUnindexed implements corpus.Backend.
func (b *Backend) ListUnindexed(ctx context.Context, scheme string, after model.PassageID, limit int) ([]model.Embedding, error) {
	return b.embeddings(ctx, `
SELECT scheme, passage_id, vector, produced_at FROM embeddings
WHERE scheme=$1 AND passage_id > $2 AND NOT indexed ORDER BY passage_id LIMIT $3`, scheme, int64(after), limit)
}

// Truncate empties every table and restarts passage ids. Intended for tests.
func Truncate(ctx context.Context, b *Backend) error {
	_, err := b.pool.Exec(ctx, `TRUNCATE external_ids, passage_sets, papers, merge_candidates, passages, citations, embeddings RESTART IDENTITY`)
	return err
}
