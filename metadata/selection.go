package metadata

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/AGIHouse/openscience/model"
)

// Selection is a compiled filter. It reflects paper attributes at compile time;
// passages added later are admitted when their paper was admitted.
type Selection struct {
	ix     *Index
	all    bool
	papers *roaring.Bitmap
}

// Match compiles f against the current paper attributes.
func (ix *Index) Match(f model.Filter) *Selection {
	f = f.Normalized()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if f.IsZero() && (f.IncludeRetracted || ix.retracted.IsEmpty()) {
		return &Selection{ix: ix, all: true}
	}

	var sel *roaring.Bitmap
	and := func(bm *roaring.Bitmap) {
		if sel == nil {
			sel = bm.Clone()
			return
		}
		sel.And(bm)
	}

	for _, t := range f.Tags {
		bm, ok := ix.byTag[t]
		if !ok {
			return &Selection{ix: ix, papers: roaring.New()}
		}
		and(bm)
	}

	if len(f.Sources) > 0 {
		union := roaring.New()
		for _, s := range f.Sources {
			if bm, ok := ix.bySource[s]; ok {
				union.Or(bm)
			}
		}
		and(union)
	}

	if f.From != nil || f.To != nil {
		and(ix.dateRangeLocked(f))
	}

	if sel == nil {
		sel = roaring.New()
		sel.AddRange(0, uint64(len(ix.papers)))
	}
	if !f.IncludeRetracted {
		sel.AndNot(ix.retracted)
	}
	return &Selection{ix: ix, papers: sel}
}

func (ix *Index) dateRangeLocked(f model.Filter) *roaring.Bitmap {
	out := roaring.New()
	for year, bm := range ix.byYear {
		if f.From != nil && year < f.From.Year {
			continue
		}
		if f.To != nil && year > f.To.Year {
			continue
		}
		boundary := (f.From != nil && year == f.From.Year) || (f.To != nil && year == f.To.Year)
		if !boundary {
			out.Or(bm)
			continue
		}
		it := bm.Iterator()
		for it.HasNext() {
			ord := it.Next()
			if f.MatchesDate(ix.papers[ord].attrs.Date) {
				out.Add(ord)
			}
		}
	}
	return out
}

// All reports whether the selection admits every passage.
func (s *Selection) All() bool { return s.all }

// Allows reports whether passageID belongs to an admitted paper.
// Passages unknown to the index are rejected unless the selection admits all.
func (s *Selection) Allows(passageID uint64) bool {
	if s.all {
		return true
	}
	s.ix.mu.RLock()
	ord, ok := s.ix.passagePaper[passageID]
	s.ix.mu.RUnlock()
	return ok && s.papers.Contains(ord)
}

// Count returns the number of admitted passages.
func (s *Selection) Count() uint64 {
	s.ix.mu.RLock()
	defer s.ix.mu.RUnlock()

	if s.all {
		return uint64(len(s.ix.passagePaper))
	}
	var n uint64
	it := s.papers.Iterator()
	for it.HasNext() {
		n += s.ix.papers[it.Next()].passages.GetCardinality()
	}
	return n
}

// Selectivity is the admitted fraction of all passages, in [0,1].
func (s *Selection) Selectivity() float64 {
	if s.all {
		return 1
	}
	total := s.ix.Len()
	if total == 0 {
		return 0
	}
	return float64(s.Count()) / float64(total)
}

// Passages returns the admitted passage ids in ascending order.
func (s *Selection) Passages() []uint64 {
	s.ix.mu.RLock()
	defer s.ix.mu.RUnlock()

	union := roaring64.New()
	if s.all {
		for _, p := range s.ix.papers {
			union.Or(p.passages)
		}
		return union.ToArray()
	}
	it := s.papers.Iterator()
	for it.HasNext() {
		union.Or(s.ix.papers[it.Next()].passages)
	}
	return union.ToArray()
}
