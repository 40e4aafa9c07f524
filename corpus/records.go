package corpus

import (
	"context"

	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/metadata"
	"github.com/AGIHouse/openscience/model"
)

var _ index.Source = (*Store)(nil)

// Attributes returns the filter attributes of the paper owning a passage.
func (s *Store) Attributes(ctx context.Context, id model.PassageID) (metadata.Attributes, error) {
	p, err := s.backend.GetPassage(ctx, id)
	if err != nil {
		return metadata.Attributes{}, err
	}
	paper, err := s.backend.GetPaper(ctx, p.PaperID)
	if err != nil {
		return metadata.Attributes{}, err
	}
	return metadata.AttributesOf(paper), nil
}

// ScanIndexRecords feeds index rebuilds straight from the store.
func (s *Store) ScanIndexRecords(ctx context.Context, scheme string, after model.PassageID, limit int) ([]index.Record, error) {
	embs, err := s.backend.ScanEmbeddings(ctx, scheme, after, limit)
	if err != nil {
		return nil, err
	}
	papers := make(map[string]metadata.Attributes)
	out := make([]index.Record, 0, len(embs))
	for _, e := range embs {
		p, err := s.backend.GetPassage(ctx, e.PassageID)
		if err != nil {
			return nil, err
		}
		attrs, ok := papers[p.PaperID]
		if !ok {
			paper, err := s.backend.GetPaper(ctx, p.PaperID)
			if err != nil {
				return nil, err
			}
			attrs = metadata.AttributesOf(paper)
			papers[p.PaperID] = attrs
		}
		out = append(out, index.Record{PassageID: e.PassageID, Vector: e.Vector, Attributes: attrs})
	}
	return out, nil
}
