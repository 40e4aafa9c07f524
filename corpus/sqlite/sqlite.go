// Package sqlite is a single-node durable corpus backend on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AGIHouse/openscience/corpus"
	"github.com/AGIHouse/openscience/identity"
	"github.com/AGIHouse/openscience/model"
)

var _ corpus.Backend = (*Backend)(nil)

// Backend stores the corpus in one SQLite database file.
type Backend struct {
	db *sql.DB
}

// Open opens or creates the database at path. Use ":memory:" for a throwaway database.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite doesn't support concurrent writes.
	db.SetMaxOpenConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Backend{db: db}, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

func createSchema(db *sql.DB) error {
	schema := `
		PRAGMA journal_mode = WAL;
		PRAGMA foreign_keys = ON;

		CREATE TABLE IF NOT EXISTS papers (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_papers_fingerprint ON papers(fingerprint) WHERE fingerprint != '';

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
			created_at TEXT NOT NULL,
			UNIQUE (paper_id, candidate_id, reason)
		);

		CREATE TABLE IF NOT EXISTS passage_sets (
			paper_id TEXT NOT NULL REFERENCES papers(id),
			strategy TEXT NOT NULL,
			finalized INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (paper_id, strategy)
		);

		CREATE TABLE IF NOT EXISTS passages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
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
			passage_id INTEGER NOT NULL,
			vector BLOB NOT NULL,
			produced_at TEXT NOT NULL,
			indexed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (scheme, passage_id)
		);
	`
	_, err := db.Exec(schema)
	return err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotFoundf(format, args...)
	}
	return err
}

// LookupExternalID implements identity.Catalog.
func (b *Backend) LookupExternalID(ctx context.Context, key identity.ExternalKey) (string, error) {
	var id string
	err := b.db.QueryRowContext(ctx,
		`SELECT paper_id FROM external_ids WHERE source = ? AND external_id = ?`,
		string(key.Source), key.ID).Scan(&id)
	if err != nil {
		return "", notFound(err, "external id %s", key)
	}
	return id, nil
}

// LookupFingerprint implements identity.Catalog.
func (b *Backend) LookupFingerprint(ctx context.Context, fp string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id FROM papers WHERE fingerprint = ? ORDER BY id`, fp)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func decodePaper(data string) (*model.Paper, error) {
	var p model.Paper
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode paper: %w", err)
	}
	if p.ExternalIDs == nil {
		p.ExternalIDs = map[model.Source]string{}
	}
	return &p, nil
}

// GetPaper implements identity.Catalog.
func (b *Backend) GetPaper(ctx context.Context, id string) (*model.Paper, error) {
	var data string
	err := b.db.QueryRowContext(ctx, `SELECT data FROM papers WHERE id = ?`, id).Scan(&data)
	if err != nil {
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
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO papers (id, data, fingerprint) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			data = excluded.data,
			fingerprint = CASE WHEN excluded.fingerprint = '' THEN papers.fingerprint ELSE excluded.fingerprint END
	`, p.ID, string(data), fp); err != nil {
		return fmt.Errorf("upsert paper: %w", err)
	}
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO external_ids (source, external_id, paper_id) VALUES (?, ?, ?)`,
			string(k.Source), k.ID, p.ID); err != nil {
			return fmt.Errorf("bind %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// ScanPapers implements corpus.Backend.
func (b *Backend) ScanPapers(ctx context.Context, after string, limit int) ([]*model.Paper, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM papers WHERE id > ? ORDER BY id LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Paper
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		p, err := decodePaper(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutMergeCandidates implements corpus.Backend.
func (b *Backend) PutMergeCandidates(ctx context.Context, cs []model.MergeCandidate) error {
	for _, c := range cs {
		if _, err := b.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO merge_candidates (id, paper_id, candidate_id, reason, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, c.ID, c.PaperID, c.CandidateID, c.Reason, c.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return nil
}

// ListMergeCandidates implements corpus.Backend.
func (b *Backend) ListMergeCandidates(ctx context.Context, after string, limit int) ([]model.MergeCandidate, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, paper_id, candidate_id, reason, created_at
		FROM merge_candidates WHERE id > ? ORDER BY id LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.MergeCandidate
	for rows.Next() {
		var c model.MergeCandidate
		var created string
		if err := rows.Scan(&c.ID, &c.PaperID, &c.CandidateID, &c.Reason, &created); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Strategies implements corpus.Backend.
func (b *Backend) Strategies(ctx context.Context, paperID string) ([]corpus.StrategyInfo, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT s.strategy, s.finalized, COUNT(p.id)
		FROM passage_sets s
		LEFT JOIN passages p ON p.paper_id = s.paper_id AND p.strategy = s.strategy
		WHERE s.paper_id = ?
		GROUP BY s.strategy, s.finalized
		ORDER BY s.strategy
	`, paperID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []corpus.StrategyInfo
	for rows.Next() {
		var info corpus.StrategyInfo
		var finalized bool
		if err := rows.Scan(&info.Strategy, &finalized, &info.Count); err != nil {
			return nil, err
		}
		info.State = model.PassageSetOpen
		if finalized {
			info.State = model.PassageSetFinalized
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// InsertPassages implements corpus.Backend.
func (b *Backend) InsertPassages(ctx context.Context, paperID string, strategy model.Strategy, in []model.PassageInput, finalize bool) ([]model.Passage, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM papers WHERE id = ?`, paperID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, model.NotFoundf("paper %s", paperID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO passage_sets (paper_id, strategy) VALUES (?, ?)`, paperID, string(strategy)); err != nil {
		return nil, err
	}
	var finalized bool
	if err := tx.QueryRowContext(ctx,
		`SELECT finalized FROM passage_sets WHERE paper_id = ? AND strategy = ?`, paperID, string(strategy)).Scan(&finalized); err != nil {
		return nil, err
	}
	if finalized {
		return nil, model.Conflictf("passages of %s/%s are finalized", paperID, strategy)
	}

	out := make([]model.Passage, 0, len(in))
	for _, p := range in {
		var start, end sql.NullInt64
		if p.Span != nil {
			start = sql.NullInt64{Int64: int64(p.Span.Start), Valid: true}
			end = sql.NullInt64{Int64: int64(p.Span.End), Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO passages (paper_id, strategy, order_index, text, span_start, span_end)
			VALUES (?, ?, ?, ?, ?, ?)
		`, paperID, string(strategy), p.OrderIndex, p.Text, start, end)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return nil, model.Conflictf("order index %d of %s/%s is taken", p.OrderIndex, paperID, strategy)
			}
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
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
		if _, err := tx.ExecContext(ctx,
			`UPDATE passage_sets SET finalized = 1 WHERE paper_id = ? AND strategy = ?`, paperID, string(strategy)); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// FinalizePassages implements corpus.Backend.
func (b *Backend) FinalizePassages(ctx context.Context, paperID string, strategy model.Strategy) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE passage_sets SET finalized = 1 WHERE paper_id = ? AND strategy = ?`, paperID, string(strategy))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFoundf("no passages for %s/%s", paperID, strategy)
	}
	return nil
}

const passageColumns = `id, paper_id, strategy, order_index, text, span_start, span_end`

type scanner interface {
	Scan(dest ...any) error
}

func scanPassage(s scanner) (model.Passage, error) {
	var p model.Passage
	var start, end sql.NullInt64
	if err := s.Scan(&p.ID, &p.PaperID, &p.Strategy, &p.OrderIndex, &p.Text, &start, &end); err != nil {
		return model.Passage{}, err
	}
	if start.Valid && end.Valid {
		p.Span = &model.CharSpan{Start: int(start.Int64), End: int(end.Int64)}
	}
	return p, nil
}

// GetPassages implements corpus.Backend.
func (b *Backend) GetPassages(ctx context.Context, paperID string, strategy model.Strategy) ([]model.Passage, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+passageColumns+` FROM passages WHERE paper_id = ? AND strategy = ? ORDER BY order_index`,
		paperID, string(strategy))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Passage{}
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPassage implements corpus.Backend.
func (b *Backend) GetPassage(ctx context.Context, id model.PassageID) (model.Passage, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+passageColumns+` FROM passages WHERE id = ?`, int64(id))
	p, err := scanPassage(row)
	if err != nil {
		return model.Passage{}, notFound(err, "passage %s", id)
	}
	return p, nil
}

// PassageIDs implements corpus.Backend.
func (b *Backend) PassageIDs(ctx context.Context, paperID string) ([]model.PassageID, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id FROM passages WHERE paper_id = ? ORDER BY id`, paperID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []model.PassageID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, model.PassageID(id))
	}
	return ids, rows.Err()
}

// PutCitationEdge implements corpus.Backend.
func (b *Backend) PutCitationEdge(ctx context.Context, e model.CitationEdge) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO citations (citing, cited, raw) VALUES (?, ?, ?)`, e.Citing, e.Cited, e.Raw)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (b *Backend) queryEdges(ctx context.Context, query, id string) ([]model.CitationEdge, error) {
	rows, err := b.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CitationEdge
	for rows.Next() {
		var e model.CitationEdge
		if err := rows.Scan(&e.Citing, &e.Cited, &e.Raw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Citations implements corpus.Backend.
func (b *Backend) Citations(ctx context.Context, paperID string, dir model.Direction) ([]model.CitationEdge, error) {
	var out []model.CitationEdge
	if dir == model.Forward || dir == model.Both {
		fw, err := b.queryEdges(ctx, `SELECT citing, cited, raw FROM citations WHERE citing = ? ORDER BY cited`, paperID)
		if err != nil {
			return nil, err
		}
		out = append(out, fw...)
	}
	if dir == model.Backward || dir == model.Both {
		bw, err := b.queryEdges(ctx, `SELECT citing, cited, raw FROM citations WHERE cited = ? ORDER BY citing`, paperID)
		if err != nil {
			return nil, err
		}
		out = append(out, bw...)
	}
	return out, nil
}

// PutEmbedding implements corpus.Backend.
func (b *Backend) PutEmbedding(ctx context.Context, e model.Embedding) error {
	res, err := b.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO embeddings (scheme, passage_id, vector, produced_at)
		VALUES (?, ?, ?, ?)
	`, e.Scheme, int64(e.PassageID), corpus.EncodeVector(e.Vector), e.ProducedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.AlreadyExistsf("embedding %s/%s", e.PassageID, e.Scheme)
	}
	return nil
}

func scanEmbedding(s scanner) (model.Embedding, error) {
	var e model.Embedding
	var id int64
	var blob []byte
	var produced string
	if err := s.Scan(&e.Scheme, &id, &blob, &produced); err != nil {
		return model.Embedding{}, err
	}
	vec, err := corpus.DecodeVector(blob)
	if err != nil {
		return model.Embedding{}, err
	}
	e.PassageID = model.PassageID(id)
	e.Vector = vec
	e.ProducedAt, _ = time.Parse(time.RFC3339Nano, produced)
	return e, nil
}

// GetEmbedding implements corpus.Backend.
func (b *Backend) GetEmbedding(ctx context.Context, id model.PassageID, scheme string) (model.Embedding, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT scheme, passage_id, vector, produced_at FROM embeddings WHERE scheme = ? AND passage_id = ?`,
		scheme, int64(id))
	e, err := scanEmbedding(row)
	if err != nil {
		return model.Embedding{}, notFound(err, "embedding %s/%s", id, scheme)
	}
	return e, nil
}

func (b *Backend) scanEmbeddings(ctx context.Context, query string, args ...any) ([]model.Embedding, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Embedding
	for rows.Next() {
		e, err := scanEmbedding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ScanEmbeddings implements corpus.Backend.
func (b *Backend) ScanEmbeddings(ctx context.Context, scheme string, after model.PassageID, limit int) ([]model.Embedding, error) {
	return b.scanEmbeddings(ctx, `
		SELECT scheme, passage_id, vector, produced_at FROM embeddings
		WHERE scheme = ? AND passage_id > ? ORDER BY passage_id LIMIT ?
	`, scheme, int64(after), limit)
}

// MarkIndexed implements corpus.Backend.
func (b *Backend) MarkIndexed(ctx context.Context, scheme string, ids []model.PassageID) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE embeddings SET indexed = 1 WHERE scheme = ? AND passage_id = ?`, scheme, int64(id)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListUnindexed implements corpus.Backend.
func (b *Backend) ListUnindexed(ctx context.Context, scheme string, after model.PassageID, limit int) ([]model.Embedding, error) {
	return b.scanEmbeddings(ctx, `
		SELECT scheme, passage_id, vector, produced_at FROM embeddings
		WHERE scheme = ? AND passage_id > ? AND indexed = 0 ORDER BY passage_id LIMIT ?
	`, scheme, int64(after), limit)
}
