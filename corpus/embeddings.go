package corpus

import (
	"context"
	"errors"

	"github.com/AGIHouse/openscience/model"
)

// PutEmbedding persists an embedding. The passage must exist. A second
// embedding for the same (passage, scheme) fails with model.ErrAlreadyExists
// when the vector is unchanged and model.ErrConflict otherwise; embeddings are immutable.
func (s *Store) PutEmbedding(ctx context.Context, e model.Embedding) error {
	if e.Scheme == "" {
		return model.Invalid("scheme", "empty scheme")
	}
	if err := model.CheckFinite(e.Vector); err != nil {
		return err
	}
	if _, err := s.backend.GetPassage(ctx, e.PassageID); err != nil {
		return err
	}
	if e.ProducedAt.IsZero() {
		e.ProducedAt = s.now().UTC()
	}

	err := s.backend.PutEmbedding(ctx, e)
	if !errors.Is(err, model.ErrAlreadyExists) {
		return err
	}
	cur, getErr := s.backend.GetEmbedding(ctx, e.PassageID, e.Scheme)
	if getErr != nil {
		return err
	}
	if !model.EqualVectors(cur.Vector, e.Vector) {
		return model.Conflictf("embedding %s/%s exists with a different vector", e.PassageID, e.Scheme)
	}
	return err
}

// GetEmbedding returns one embedding.
func (s *Store) GetEmbedding(ctx context.Context, id model.PassageID, scheme string) (model.Embedding, error) {
	return s.backend.GetEmbedding(ctx, id, scheme)
}

// ScanEmbeddings pages through a scheme's embeddings in passage id order.
func (s *Store) ScanEmbeddings(ctx context.Context, scheme string, after model.PassageID, limit int) ([]model.Embedding, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.backend.ScanEmbeddings(ctx, scheme, after, limit)
}

// MarkIndexed records successful index inserts.
func (s *Store) MarkIndexed(ctx context.Context, scheme string, ids ...model.PassageID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.backend.MarkIndexed(ctx, scheme, ids)
}

// ListUnindexed pages through embeddings whose index insert was never confirmed.
func (s *Store) ListUnindexed(ctx context.Context, scheme string, after model.PassageID, limit int) ([]model.Embedding, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.backend.ListUnindexed(ctx, scheme, after, limit)
}
