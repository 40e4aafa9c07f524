package corpus

import (
	"context"

	"github.com/AGIHouse/openscience/identity"
	"github.com/AGIHouse/openscience/model"
)

// StrategyInfo summarizes the passages of one (paper, strategy) pair.
type StrategyInfo struct {
	Strategy model.Strategy        `json:"strategy"`
	State    model.PassageSetState `json:"-"`
	Count    int                   `json:"count"`
}

// Backend persists corpus records. The Store serializes conflicting writes,
// so a Backend only needs single-statement atomicity plus the per-method
// guarantees documented below. Missing records are reported with errors
// wrapping model.ErrNotFound.
type Backend interface {
	identity.Catalog

	// SavePaper upserts p, records its fingerprint and binds keys to p.ID.
	// An empty fingerprint keeps the stored one. Keys already bound to
	// another paper are left untouched.
	SavePaper(ctx context.Context, p *model.Paper, fingerprint string, keys []identity.ExternalKey) error
	// ScanPapers returns up to limit papers with id > after, ordered by id.
	ScanPapers(ctx context.Context, after string, limit int) ([]*model.Paper, error)

	// PutMergeCandidates stores candidates, ignoring (paper, candidate, reason) duplicates.
	PutMergeCandidates(ctx context.Context, cs []model.MergeCandidate) error
	// ListMergeCandidates returns up to limit candidates with id > after, ordered by id.
	ListMergeCandidates(ctx context.Context, after string, limit int) ([]model.MergeCandidate, error)

	// Strategies lists the passage sets of a paper ordered by strategy.
	Strategies(ctx context.Context, paperID string) ([]StrategyInfo, error)
	// InsertPassages appends passages to a set, opening it when absent, and
	// assigns ascending ids in input order. It fails with model.ErrConflict
	// when the set is finalized or an order index is taken.
	InsertPassages(ctx context.Context, paperID string, strategy model.Strategy, in []model.PassageInput, finalize bool) ([]model.Passage, error)
	// FinalizePassages closes an open set. Finalizing a closed set is a no-op.
	FinalizePassages(ctx context.Context, paperID string, strategy model.Strategy) error
	// GetPassages returns a set ordered by order index.
	GetPassages(ctx context.Context, paperID string, strategy model.Strategy) ([]model.Passage, error)
	GetPassage(ctx context.Context, id model.PassageID) (model.Passage, error)
	// PassageIDs returns every passage id of a paper in ascending order.
	PassageIDs(ctx context.Context, paperID string) ([]model.PassageID, error)

	// PutCitationEdge stores e unless the ordered pair exists. It reports whether e was new.
	PutCitationEdge(ctx context.Context, e model.CitationEdge) (bool, error)
	// Citations returns edges touching paperID. Forward edges are ordered by
	// cited id, backward edges by citing id; Both lists forward edges first.
	Citations(ctx context.Context, paperID string, dir model.Direction) ([]model.CitationEdge, error)

	// PutEmbedding stores e. It fails with model.ErrAlreadyExists when the
	// (passage, scheme) pair is taken.
	PutEmbedding(ctx context.Context, e model.Embedding) error
	GetEmbedding(ctx context.Context, id model.PassageID, scheme string) (model.Embedding, error)
	// ScanEmbeddings returns up to limit embeddings of scheme with passage id > after, ascending.
	ScanEmbeddings(ctx context.Context, scheme string, after model.PassageID, limit int) ([]model.Embedding, error)
	// MarkIndexed records that the ids were linked into the scheme's index.
	MarkIndexed(ctx context.Context, scheme string, ids []model.PassageID) error
	// ListUnindexed is ScanEmbeddings restricted to embeddings not marked indexed.
	ListUnindexed(ctx context.Context, scheme string, after model.PassageID, limit int) ([]model.Embedding, error)

	Close() error
}
