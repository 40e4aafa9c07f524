package metadata

import (
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/AGIHouse/openscience/model"
)

// Attributes are the filterable properties of the paper owning a passage.
type Attributes struct {
	PaperID   string
	Source    model.Source
	Tags      []string
	Date      *model.Date
	Retracted bool
}

// AttributesOf extracts the filterable attributes of p.
func AttributesOf(p *model.Paper) Attributes {
	a := Attributes{
		PaperID:   p.ID,
		Source:    p.Source,
		Tags:      model.NormalizeTags(p.Tags),
		Retracted: p.Retracted(),
	}
	if p.PublicationDate != nil {
		d := *p.PublicationDate
		a.Date = &d
	}
	return a
}

type paperEntry struct {
	attrs    Attributes
	passages *roaring64.Bitmap
}

// Index is a roaring-bitmap inverted index over paper attributes.
// It is safe for concurrent use.
type Index struct {
	mu sync.RWMutex

	ordinals map[string]uint32
	papers   []*paperEntry

	byTag     map[string]*roaring.Bitmap
	bySource  map[model.Source]*roaring.Bitmap
	byYear    map[int]*roaring.Bitmap
	retracted *roaring.Bitmap

	passagePaper map[uint64]uint32
}

// New creates an empty index.
func New() *Index {
	return &Index{
		ordinals:     make(map[string]uint32),
		byTag:        make(map[string]*roaring.Bitmap),
		bySource:     make(map[model.Source]*roaring.Bitmap),
		byYear:       make(map[int]*roaring.Bitmap),
		retracted:    roaring.New(),
		passagePaper: make(map[uint64]uint32),
	}
}

// Len returns the number of indexed passages.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.passagePaper)
}

// Papers returns the number of indexed papers.
func (ix *Index) Papers() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.papers)
}

// Add records passageID as belonging to the paper described by attrs,
// replacing the paper's attributes.
func (ix *Index) Add(passageID uint64, attrs Attributes) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ord := ix.setPaperLocked(attrs)
	if prev, ok := ix.passagePaper[passageID]; ok && prev != ord {
		ix.papers[prev].passages.Remove(passageID)
	}
	ix.passagePaper[passageID] = ord
	ix.papers[ord].passages.Add(passageID)
}

// SetPaper replaces the attributes of a paper. Unknown papers are registered without passages.
func (ix *Index) SetPaper(attrs Attributes) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.setPaperLocked(attrs)
}

// Remove forgets a passage. The paper entry stays.
func (ix *Index) Remove(passageID uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ord, ok := ix.passagePaper[passageID]; ok {
		ix.papers[ord].passages.Remove(passageID)
		delete(ix.passagePaper, passageID)
	}
}

// PaperOf returns the paper owning passageID.
func (ix *Index) PaperOf(passageID uint64) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ord, ok := ix.passagePaper[passageID]
	if !ok {
		return "", false
	}
	return ix.papers[ord].attrs.PaperID, true
}

// Attributes returns the attributes of a paper.
func (ix *Index) Attributes(paperID string) (Attributes, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ord, ok := ix.ordinals[paperID]
	if !ok {
		return Attributes{}, false
	}
	return ix.papers[ord].attrs, true
}

// PassagesOf returns the passage ids of a paper in ascending order.
func (ix *Index) PassagesOf(paperID string) []uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ord, ok := ix.ordinals[paperID]
	if !ok {
		return nil
	}
	return ix.papers[ord].passages.ToArray()
}

// Entry pairs a passage with its paper attributes.
type Entry struct {
	PassageID  uint64
	Attributes Attributes
}

// Entries lists every indexed passage in ascending passage id order.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]Entry, 0, len(ix.passagePaper))
	for id, ord := range ix.passagePaper {
		out = append(out, Entry{PassageID: id, Attributes: ix.papers[ord].attrs})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.PassageID < b.PassageID:
			return -1
		case a.PassageID > b.PassageID:
			return 1
		}
		return 0
	})
	return out
}

func (ix *Index) setPaperLocked(attrs Attributes) uint32 {
	attrs.Tags = model.NormalizeTags(attrs.Tags)
	if slices.Contains(attrs.Tags, model.TagRetracted) {
		attrs.Retracted = true
	}

	ord, ok := ix.ordinals[attrs.PaperID]
	if !ok {
		ord = uint32(len(ix.papers))
		ix.ordinals[attrs.PaperID] = ord
		ix.papers = append(ix.papers, &paperEntry{passages: roaring64.New()})
	} else {
		ix.unindexLocked(ord, ix.papers[ord].attrs)
	}
	ix.papers[ord].attrs = attrs

	for _, t := range attrs.Tags {
		bitmapFor(ix.byTag, t).Add(ord)
	}
	bitmapFor(ix.bySource, attrs.Source).Add(ord)
	if attrs.Date != nil {
		bitmapFor(ix.byYear, attrs.Date.Year).Add(ord)
	}
	if attrs.Retracted {
		ix.retracted.Add(ord)
	}
	return ord
}

func (ix *Index) unindexLocked(ord uint32, old Attributes) {
	for _, t := range old.Tags {
		if bm, ok := ix.byTag[t]; ok {
			bm.Remove(ord)
		}
	}
	if bm, ok := ix.bySource[old.Source]; ok {
		bm.Remove(ord)
	}
	if old.Date != nil {
		if bm, ok := ix.byYear[old.Date.Year]; ok {
			bm.Remove(ord)
		}
	}
	ix.retracted.Remove(ord)
}

func bitmapFor[K comparable](m map[K]*roaring.Bitmap, k K) *roaring.Bitmap {
	bm, ok := m[k]
	if !ok {
		bm = roaring.New()
		m[k] = bm
	}
	return bm
}
