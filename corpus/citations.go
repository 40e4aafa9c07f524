package corpus

import (
	"context"

	"github.com/AGIHouse/openscience/model"
)

// PutCitationEdge records that e.Citing cites e.Cited. Both papers must
// exist. Storing an existing ordered pair is a no-op that returns false.
func (s *Store) PutCitationEdge(ctx context.Context, e model.CitationEdge) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	for _, id := range []string{e.Citing, e.Cited} {
		if _, err := s.backend.GetPaper(ctx, id); err != nil {
			return false, err
		}
	}
	created, err := s.backend.PutCitationEdge(ctx, e)
	if err != nil {
		return false, err
	}
	if created {
		s.logger.Debug("citation added", "citing", e.Citing, "cited", e.Cited)
	}
	return created, nil
}

// GetCitations returns the edges of a paper in the given direction.
func (s *Store) GetCitations(ctx context.Context, paperID string, dir model.Direction) ([]model.CitationEdge, error) {
	if _, err := s.backend.GetPaper(ctx, paperID); err != nil {
		return nil, err
	}
	return s.backend.Citations(ctx, paperID, dir)
}

