package corpus

import (
	"context"
	"fmt"
	"slices"

	"github.com/AGIHouse/openscience/model"
)

// AppendPassages adds passages to the (paper, strategy) set and optionally
// finalizes it. Passages identical to stored ones are accepted again, so a
// replayed append is a no-op. A finalized set rejects new or changed passages
// with model.ErrConflict; re-segmented text belongs in a new strategy version
// (see NextStrategyVersion). The returned passages match the input order.
func (s *Store) AppendPassages(ctx context.Context, paperID string, strategy model.Strategy, in []model.PassageInput, finalize bool) ([]model.Passage, error) {
	for i := range in {
		if in[i].Strategy == "" {
			in[i].Strategy = strategy
		}
	}
	out, _, err := s.appendPassages(ctx, paperID, strategy, in, finalize)
	return out, err
}

func (s *Store) appendPassages(ctx context.Context, paperID string, strategy model.Strategy, in []model.PassageInput, finalize bool) ([]model.Passage, int, error) {
	if !strategy.Valid() {
		return nil, 0, model.Invalid("strategy", "invalid segmentation strategy "+string(strategy))
	}
	seen := make(map[int]struct{}, len(in))
	for _, p := range in {
		if p.Strategy != strategy {
			return nil, 0, model.Invalid("strategy", fmt.Sprintf("passage strategy %q differs from %q", p.Strategy, strategy))
		}
		if err := p.Validate(); err != nil {
			return nil, 0, err
		}
		if _, dup := seen[p.OrderIndex]; dup {
			return nil, 0, model.Invalid("order_index", fmt.Sprintf("duplicate order index %d", p.OrderIndex))
		}
		seen[p.OrderIndex] = struct{}{}
	}

	unlock := s.locks.Lock(setKey(paperID, string(strategy)))
	defer unlock()

	if _, err := s.backend.GetPaper(ctx, paperID); err != nil {
		return nil, 0, err
	}
	state, err := s.setState(ctx, paperID, strategy)
	if err != nil {
		return nil, 0, err
	}

	var stored []model.Passage
	if state != model.PassageSetAbsent {
		stored, err = s.backend.GetPassages(ctx, paperID, strategy)
		if err != nil {
			return nil, 0, err
		}
	}
	byOrder := make(map[int]model.Passage, len(stored))
	for _, p := range stored {
		byOrder[p.OrderIndex] = p
	}

	var fresh []model.PassageInput
	for _, p := range in {
		cur, ok := byOrder[p.OrderIndex]
		switch {
		case ok && p.SameContent(cur):
		case ok:
			return nil, 0, model.Conflictf("passage %d of %s/%s already holds different text", p.OrderIndex, paperID, strategy)
		case state == model.PassageSetFinalized:
			return nil, 0, model.Conflictf("passages of %s/%s are finalized; append under a new strategy version", paperID, strategy)
		default:
			fresh = append(fresh, p)
		}
	}

	if len(fresh) > 0 {
		created, err := s.backend.InsertPassages(ctx, paperID, strategy, fresh, finalize)
		if err != nil {
			return nil, 0, err
		}
		for _, p := range created {
			byOrder[p.OrderIndex] = p
		}
	} else if finalize && state == model.PassageSetOpen {
		if err := s.backend.FinalizePassages(ctx, paperID, strategy); err != nil {
			return nil, 0, err
		}
	}

	out := make([]model.Passage, 0, len(in))
	for _, p := range in {
		out = append(out, byOrder[p.OrderIndex])
	}
	if len(fresh) > 0 {
		s.logger.Debug("passages appended", "paper_id", paperID, "strategy", strategy, "count", len(fresh), "finalized", finalize)
	}
	return out, len(fresh), nil
}

func (s *Store) setState(ctx context.Context, paperID string, strategy model.Strategy) (model.PassageSetState, error) {
	infos, err := s.backend.Strategies(ctx, paperID)
	if err != nil {
		return model.PassageSetAbsent, err
	}
	for _, info := range infos {
		if info.Strategy == strategy {
			return info.State, nil
		}
	}
	return model.PassageSetAbsent, nil
}

// FinalizePassages closes the (paper, strategy) set for appends.
func (s *Store) FinalizePassages(ctx context.Context, paperID string, strategy model.Strategy) error {
	unlock := s.locks.Lock(setKey(paperID, string(strategy)))
	defer unlock()

	state, err := s.setState(ctx, paperID, strategy)
	if err != nil {
		return err
	}
	switch state {
	case model.PassageSetAbsent:
		return model.NotFoundf("no passages for %s/%s", paperID, strategy)
	case model.PassageSetFinalized:
		return nil
	}
	return s.backend.FinalizePassages(ctx, paperID, strategy)
}

// NextStrategyVersion returns the first unused version of strategy's base for a paper.
func (s *Store) NextStrategyVersion(ctx context.Context, paperID string, strategy model.Strategy) (model.Strategy, error) {
	if !strategy.Valid() {
		return "", model.Invalid("strategy", "invalid segmentation strategy "+string(strategy))
	}
	infos, err := s.ListStrategies(ctx, paperID)
	if err != nil {
		return "", err
	}
	base := strategy.Base()
	next := 1
	for _, info := range infos {
		if info.Strategy.Base() == base && info.Strategy.Version() >= next {
			next = info.Strategy.Version() + 1
		}
	}
	return base.WithVersion(next), nil
}

// ListStrategies lists a paper's passage sets.
func (s *Store) ListStrategies(ctx context.Context, paperID string) ([]StrategyInfo, error) {
	if _, err := s.backend.GetPaper(ctx, paperID); err != nil {
		return nil, err
	}
	return s.backend.Strategies(ctx, paperID)
}

// GetPassages returns the (paper, strategy) set ordered by order index.
// A known paper without passages under strategy yields an empty slice.
func (s *Store) GetPassages(ctx context.Context, paperID string, strategy model.Strategy) ([]model.Passage, error) {
	if _, err := s.backend.GetPaper(ctx, paperID); err != nil {
		return nil, err
	}
	ps, err := s.backend.GetPassages(ctx, paperID, strategy)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(ps, func(a, b model.Passage) int { return a.OrderIndex - b.OrderIndex })
	return ps, nil
}

// GetPassage returns one passage.
func (s *Store) GetPassage(ctx context.Context, id model.PassageID) (model.Passage, error) {
	return s.backend.GetPassage(ctx, id)
}
